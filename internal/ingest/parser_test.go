package ingest

import (
	"errors"
	"math"
	"strconv"
	"testing"
)

func TestParsePlainText(t *testing.T) {
	p := NewParser()
	line := "2024-03-01 22:15:00 tracker7 lat=28.6139 lon=77.2090 acc=8"
	fields, err := p.ParseLine(line)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if fields.Device != "tracker7" {
		t.Fatalf("device: %s", fields.Device)
	}
	if fields.Latitude != "28.6139" || fields.Longitude != "77.2090" || fields.Accuracy != "8" {
		t.Fatalf("coordinates mismatch: %+v", fields)
	}
	if fields.Timestamp != "2024-03-01 22:15:00" {
		t.Fatalf("timestamp: %q", fields.Timestamp)
	}
}

func TestParseCSV(t *testing.T) {
	p := NewParser()
	if fields, _ := p.ParseLine("timestamp,device,lat,lng"); fields != nil {
		t.Fatalf("expected header to return nil")
	}
	fields, err := p.ParseLine("2024-03-01T22:15:00Z,tracker7,28.6139,77.2090")
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if fields.Device != "tracker7" || fields.Latitude != "28.6139" || fields.Longitude != "77.2090" {
		t.Fatalf("csv parse mismatch: %+v", fields)
	}
}

func TestParseCSVWithoutHeader(t *testing.T) {
	p := NewParser()
	fields, err := p.ParseLine("1709331300,28.6139,77.2090,15")
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if fields.Timestamp != "1709331300" || fields.Accuracy != "15" {
		t.Fatalf("positional csv mismatch: %+v", fields)
	}
}

func TestParseJSON(t *testing.T) {
	p := NewParser()
	line := `{"ts":1709331300000,"latitude":28.6139,"lng":77.209,"device_id":"tracker7"}`
	fields, err := p.ParseLine(line)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if fields.Timestamp != "1709331300000" || fields.Latitude != "28.6139" || fields.Longitude != "77.209" {
		t.Fatalf("json parse mismatch: %+v", fields)
	}
	if fields.Device != "tracker7" {
		t.Fatalf("device: %s", fields.Device)
	}
}

func TestParseNestedJSON(t *testing.T) {
	p := NewParser()
	fields, err := p.ParseLine(`{"timestamp":1709331300000,"coords":{"latitude":28.6139,"longitude":77.209,"accuracy":12}}`)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if fields.Latitude != "28.6139" || fields.Longitude != "77.209" || fields.Accuracy != "12" {
		t.Fatalf("nested parse mismatch: %+v", fields)
	}

	fields, err = p.ParseLine(`{"device":"t1","geometry":{"type":"Point","coordinates":[77.209,28.6139]}}`)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if fields.Latitude != "28.6139" || fields.Longitude != "77.209" {
		t.Fatalf("geojson order mismatch: %+v", fields)
	}
}

func TestParseNMEARMC(t *testing.T) {
	p := NewParser()
	fields, err := p.ParseLine("$GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W*6A")
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	lat, _ := strconv.ParseFloat(fields.Latitude, 64)
	lon, _ := strconv.ParseFloat(fields.Longitude, 64)
	if math.Abs(lat-48.1173) > 1e-9 || math.Abs(lon-11.516666666) > 1e-6 {
		t.Fatalf("unexpected position: %s %s", fields.Latitude, fields.Longitude)
	}
	if fields.Timestamp != "1994-03-23T12:35:19Z" {
		t.Fatalf("unexpected timestamp: %s", fields.Timestamp)
	}

	if _, err := p.ParseLine("$GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W*00"); !errors.Is(err, errNMEAChecksum) {
		t.Fatalf("expected checksum error, got %v", err)
	}
	if _, err := p.ParseLine("$GPRMC,123519,V,,,,,,,230394,,"); !errors.Is(err, errNMEANoFix) {
		t.Fatalf("expected no-fix error, got %v", err)
	}
	fields, err = p.ParseLine("$GNRMC,000000,A,3351.000,S,15112.000,W,0,0,010124,,")
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if fields.Latitude[0] != '-' || fields.Longitude[0] != '-' {
		t.Fatalf("expected southern and western hemispheres negative: %+v", fields)
	}
}
