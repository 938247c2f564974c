package ingest

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"safetrail/internal/normalize"
)

var (
	errNMEAChecksum = errors.New("nmea checksum mismatch")
	errNMEANoFix    = errors.New("nmea sentence has no valid fix")
)

func isNMEA(line string) bool {
	return strings.HasPrefix(line, "$GPRMC") || strings.HasPrefix(line, "$GNRMC")
}

// ParseRMC reads a recommended-minimum sentence from a GPS receiver:
//
//	$GPRMC,hhmmss.ss,A,ddmm.mmmm,N,dddmm.mmmm,E,speed,course,ddmmyy,,,*CS
//
// Sentences flagged void (status V) carry no usable position.
func ParseRMC(sentence string) (*normalize.LocationFields, error) {
	body := strings.TrimPrefix(sentence, "$")
	if data, sum, ok := strings.Cut(body, "*"); ok {
		if err := checkNMEASum(data, sum); err != nil {
			return nil, err
		}
		body = data
	}
	parts := strings.Split(body, ",")
	if len(parts) < 10 {
		return nil, fmt.Errorf("nmea rmc: expected 10+ fields, got %d", len(parts))
	}
	if parts[2] != "A" {
		return nil, errNMEANoFix
	}
	lat, err := nmeaDegrees(parts[3], parts[4], 2)
	if err != nil {
		return nil, fmt.Errorf("nmea latitude: %w", err)
	}
	lon, err := nmeaDegrees(parts[5], parts[6], 3)
	if err != nil {
		return nil, fmt.Errorf("nmea longitude: %w", err)
	}
	fields := &normalize.LocationFields{
		Latitude:  strconvFloat(lat),
		Longitude: strconvFloat(lon),
		Extras:    map[string]string{"speed_knots": parts[7]},
	}
	if ts, err := nmeaTime(parts[9], parts[1]); err == nil {
		fields.Timestamp = ts.Format(time.RFC3339Nano)
	}
	return fields, nil
}

func checkNMEASum(data, sum string) error {
	want, err := strconv.ParseUint(strings.TrimSpace(sum), 16, 8)
	if err != nil {
		return errNMEAChecksum
	}
	var got byte
	for i := 0; i < len(data); i++ {
		got ^= data[i]
	}
	if uint64(got) != want {
		return errNMEAChecksum
	}
	return nil
}

// nmeaDegrees converts ddmm.mmmm (degDigits=2) or dddmm.mmmm (degDigits=3)
// with a hemisphere letter into signed decimal degrees.
func nmeaDegrees(value, hemi string, degDigits int) (float64, error) {
	if len(value) < degDigits+2 {
		return 0, fmt.Errorf("malformed %q", value)
	}
	deg, err := strconv.Atoi(value[:degDigits])
	if err != nil {
		return 0, err
	}
	minutes, err := strconv.ParseFloat(value[degDigits:], 64)
	if err != nil || minutes >= 60 {
		return 0, fmt.Errorf("malformed minutes %q", value)
	}
	out := float64(deg) + minutes/60
	switch hemi {
	case "N", "E":
	case "S", "W":
		out = -out
	default:
		return 0, fmt.Errorf("unknown hemisphere %q", hemi)
	}
	return out, nil
}

func nmeaTime(date, clock string) (time.Time, error) {
	if len(date) != 6 || len(clock) < 6 {
		return time.Time{}, errors.New("missing date or time")
	}
	return time.ParseInLocation("020106150405.999", date+clock, time.UTC)
}
