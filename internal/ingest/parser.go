package ingest

import (
	"encoding/csv"
	"regexp"
	"strconv"
	"strings"

	"safetrail/internal/normalize"
)

var (
	reTimestamp = regexp.MustCompile(`^\s*([0-9]{4}-[0-9]{2}-[0-9]{2}[ T][0-9:.+-Z]+)`)
	reKV        = regexp.MustCompile(`(?i)([a-zA-Z_]+)=([^\s,;]+)`)
)

var (
	timestampKeys = []string{"timestamp", "time", "ts", "fix_time"}
	latitudeKeys  = []string{"latitude", "lat"}
	longitudeKeys = []string{"longitude", "lon", "lng", "long"}
	accuracyKeys  = []string{"accuracy", "accuracy_meters", "acc", "hdop_m"}
	deviceKeys    = []string{"device", "device_id", "tourist_id", "tracker"}
)

// Parser turns one provider line (JSON, CSV or key=value text) into raw
// location fields. CSV header state is kept per parser.
type Parser struct {
	csv *CSVParser
}

func NewParser() *Parser {
	return &Parser{csv: NewCSVParser()}
}

func (p *Parser) ParseLine(line string) (*normalize.LocationFields, error) {
	trim := strings.TrimSpace(line)
	if trim == "" {
		return nil, nil
	}
	if isNMEA(trim) {
		fields, err := ParseRMC(trim)
		if err != nil {
			return nil, err
		}
		fields.Raw = line
		return fields, nil
	}
	if looksLikeJSON(trim) {
		if fields, err := ParseJSONBytes([]byte(trim)); err == nil {
			fields.Raw = line
			return fields, nil
		}
	}
	if strings.Contains(trim, ",") && !strings.Contains(trim, "=") {
		fields, err := p.csv.Parse(trim)
		if err == nil {
			if fields == nil {
				return nil, nil
			}
			fields.Raw = line
			return fields, nil
		}
	}
	fields := parsePlain(trim)
	fields.Raw = line
	return fields, nil
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func parsePlain(line string) *normalize.LocationFields {
	fields := &normalize.LocationFields{Extras: map[string]string{}}
	ts, rest := extractTimestamp(line)
	for _, match := range reKV.FindAllStringSubmatch(line, -1) {
		fields.Extras[strings.ToLower(match[1])] = match[2]
	}
	applyAliases(fields, fields.Extras)
	if fields.Timestamp == "" {
		fields.Timestamp = ts
	}
	if fields.Device == "" && rest != "" {
		if tokens := strings.Fields(rest); len(tokens) > 0 && !strings.Contains(tokens[0], "=") {
			fields.Device = tokens[0]
		}
	}
	return fields
}

func applyAliases(fields *normalize.LocationFields, kv map[string]string) {
	fields.Timestamp = firstNonEmpty(kv, timestampKeys...)
	fields.Latitude = firstNonEmpty(kv, latitudeKeys...)
	fields.Longitude = firstNonEmpty(kv, longitudeKeys...)
	fields.Accuracy = firstNonEmpty(kv, accuracyKeys...)
	fields.Device = firstNonEmpty(kv, deviceKeys...)
}

func extractTimestamp(line string) (string, string) {
	m := reTimestamp.FindStringSubmatchIndex(line)
	if len(m) >= 4 {
		return strings.TrimSpace(line[m[2]:m[3]]), strings.TrimSpace(line[m[3]:])
	}
	return "", line
}

func firstNonEmpty(m map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(m[k]); v != "" {
			return v
		}
	}
	return ""
}

func strconvFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// CSVParser handles comma-separated samples. A header row, when present,
// names the columns; otherwise columns are timestamp, latitude, longitude,
// accuracy, device.
type CSVParser struct {
	header []string
}

func NewCSVParser() *CSVParser {
	return &CSVParser{}
}

func (p *CSVParser) Parse(line string) (*normalize.LocationFields, error) {
	r := csv.NewReader(strings.NewReader(line))
	r.TrimLeadingSpace = true
	record, err := r.Read()
	if err != nil {
		return nil, err
	}
	if len(record) == 0 {
		return nil, nil
	}
	if p.header == nil && looksLikeHeader(record) {
		p.header = normalizeHeader(record)
		return nil, nil
	}
	fields := &normalize.LocationFields{Extras: map[string]string{}}
	names := p.header
	if names == nil {
		names = []string{"timestamp", "latitude", "longitude", "accuracy", "device"}
	}
	for i, name := range names {
		if i >= len(record) {
			break
		}
		fields.Extras[name] = strings.TrimSpace(record[i])
	}
	applyAliases(fields, fields.Extras)
	return fields, nil
}

func looksLikeHeader(record []string) bool {
	for _, v := range record {
		v = strings.ToLower(strings.TrimSpace(v))
		for _, group := range [][]string{timestampKeys, latitudeKeys, longitudeKeys} {
			for _, k := range group {
				if v == k {
					return true
				}
			}
		}
	}
	return false
}

func normalizeHeader(record []string) []string {
	out := make([]string, len(record))
	for i, v := range record {
		out[i] = strings.ToLower(strings.TrimSpace(v))
	}
	return out
}
