package normalize

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"safetrail/internal/config"
	"safetrail/internal/model"
)

// LocationFields holds the raw string values of one location sample before
// they are validated.
type LocationFields struct {
	Timestamp string
	Latitude  string
	Longitude string
	Accuracy  string
	Device    string
	Extras    map[string]string
	Raw       string
}

var (
	ErrMissingCoordinates = errors.New("latitude and longitude are required")
	ErrOutOfRange         = errors.New("coordinate out of range")
)

func Normalize(fields LocationFields, cfg *config.Config) (model.Location, error) {
	latStr := strings.TrimSpace(fields.Latitude)
	lonStr := strings.TrimSpace(fields.Longitude)
	if latStr == "" || lonStr == "" {
		return model.Location{}, ErrMissingCoordinates
	}
	lat, err := ParseCoordinate(latStr, 90)
	if err != nil {
		return model.Location{}, fmt.Errorf("parse latitude: %w", err)
	}
	lon, err := ParseCoordinate(lonStr, 180)
	if err != nil {
		return model.Location{}, fmt.Errorf("parse longitude: %w", err)
	}

	accuracy := 0.0
	if v := strings.TrimSpace(fields.Accuracy); v != "" {
		accuracy, err = strconv.ParseFloat(v, 64)
		if err != nil || accuracy < 0 || math.IsNaN(accuracy) || math.IsInf(accuracy, 0) {
			return model.Location{}, fmt.Errorf("invalid accuracy %q", v)
		}
	}

	loc := time.UTC
	if cfg != nil && cfg.Ingest.Parser.Timezone != "" {
		if l, err := config.LoadLocation(cfg.Ingest.Parser.Timezone); err == nil {
			loc = l
		}
	}

	ts := time.Now().UTC()
	if fields.Timestamp != "" {
		parsed, err := ParseTimestamp(fields.Timestamp, loc)
		if err != nil {
			return model.Location{}, fmt.Errorf("parse timestamp: %w", err)
		}
		ts = parsed.UTC()
	}

	return model.Location{
		Latitude:       lat,
		Longitude:      lon,
		AccuracyMeters: accuracy,
		Timestamp:      ts,
	}, nil
}

// ParseCoordinate parses decimal degrees and rejects values outside
// [-limit, limit].
func ParseCoordinate(value string, limit float64) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) || v < -limit || v > limit {
		return 0, fmt.Errorf("%w: %v", ErrOutOfRange, v)
	}
	return v, nil
}

// Layouts seen from phone apps and tracker gateways. Zone-less layouts are
// read in the parser timezone.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006/01/02 15:04:05",
}

// ParseTimestamp accepts RFC 3339 variants and unix epochs in seconds,
// fractional seconds or milliseconds (13+ digits).
func ParseTimestamp(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if loc == nil {
		loc = time.UTC
	}
	if ts, ok := parseEpoch(value); ok {
		return ts, nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

func parseEpoch(value string) (time.Time, bool) {
	whole, frac, hasFrac := strings.Cut(value, ".")
	if !isDigits(whole) || (hasFrac && !isDigits(frac)) {
		return time.Time{}, false
	}
	if !hasFrac && len(whole) >= 13 {
		ms, err := strconv.ParseInt(whole, 10, 64)
		if err != nil {
			return time.Time{}, false
		}
		return time.UnixMilli(ms).UTC(), true
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return time.Time{}, false
	}
	sec, part := math.Modf(f)
	return time.Unix(int64(sec), int64(part*1e9)).UTC(), true
}

func isDigits(value string) bool {
	if value == "" {
		return false
	}
	for _, ch := range value {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return true
}
