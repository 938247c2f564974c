package normalize

import (
	"errors"
	"testing"
	"time"

	"safetrail/internal/config"
)

func TestNormalizeLocation(t *testing.T) {
	cfg := config.DefaultConfig()
	loc, err := Normalize(LocationFields{
		Timestamp: "2024-03-01T22:15:00Z",
		Latitude:  "28.6139",
		Longitude: " 77.2090",
		Accuracy:  "12.5",
	}, cfg)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if loc.Latitude != 28.6139 || loc.Longitude != 77.2090 || loc.AccuracyMeters != 12.5 {
		t.Fatalf("unexpected location: %+v", loc)
	}
	if !loc.Timestamp.Equal(time.Date(2024, 3, 1, 22, 15, 0, 0, time.UTC)) {
		t.Fatalf("unexpected timestamp: %v", loc.Timestamp)
	}
}

func TestNormalizeRejectsBadCoordinates(t *testing.T) {
	cfg := config.DefaultConfig()
	if _, err := Normalize(LocationFields{Latitude: "28.6"}, cfg); !errors.Is(err, ErrMissingCoordinates) {
		t.Fatalf("expected missing coordinates, got %v", err)
	}
	if _, err := Normalize(LocationFields{Latitude: "91", Longitude: "0"}, cfg); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("expected out of range, got %v", err)
	}
	if _, err := Normalize(LocationFields{Latitude: "0", Longitude: "NaN"}, cfg); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("expected NaN rejected, got %v", err)
	}
	if _, err := Normalize(LocationFields{Latitude: "0", Longitude: "0", Accuracy: "-3"}, cfg); err == nil {
		t.Fatalf("expected negative accuracy rejected")
	}
}

func TestParseTimestampUnix(t *testing.T) {
	sec, err := ParseTimestamp("1709331300", time.UTC)
	if err != nil {
		t.Fatalf("parse seconds: %v", err)
	}
	ms, err := ParseTimestamp("1709331300000", time.UTC)
	if err != nil {
		t.Fatalf("parse millis: %v", err)
	}
	if !sec.Equal(ms) {
		t.Fatalf("expected equal instants: %v vs %v", sec, ms)
	}
	if _, err := ParseTimestamp("yesterday", time.UTC); err == nil {
		t.Fatalf("expected unsupported format error")
	}
}

func TestParseTimestampFractionalAndZoneless(t *testing.T) {
	ts, err := ParseTimestamp("1709331300.25", time.UTC)
	if err != nil {
		t.Fatalf("parse fractional: %v", err)
	}
	if ts.UnixMilli() != 1709331300250 {
		t.Fatalf("unexpected instant: %v", ts)
	}
	kolkata := time.FixedZone("IST", 5*3600+1800)
	local, err := ParseTimestamp("2024-03-01 22:15:00", kolkata)
	if err != nil {
		t.Fatalf("parse zoneless: %v", err)
	}
	if local.UTC().Hour() != 16 || local.UTC().Minute() != 45 {
		t.Fatalf("expected parser timezone applied, got %v", local.UTC())
	}
	if _, err := ParseTimestamp("12.3.4", time.UTC); err == nil {
		t.Fatalf("expected malformed epoch rejected")
	}
}
