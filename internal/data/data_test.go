package data

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestCoordinates(t *testing.T) {
	s := ServerRecord{Lat: "52.5200", Lon: " 13.4050"}
	loc, err := s.Coordinates()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loc.Lat != 52.52 || loc.Lon != 13.405 {
		t.Errorf("got %+v", loc)
	}

	for _, bad := range []ServerRecord{
		{Lat: "", Lon: "1"},
		{Lat: "1", Lon: "east"},
		{Lat: "NaN", Lon: "1"},
	} {
		if _, err := bad.Coordinates(); err == nil {
			t.Errorf("expected error for %+v", bad)
		}
	}
}

func TestDisplayName(t *testing.T) {
	s := ServerRecord{Sponsor: "Acme", Name: "Berlin", Country: "Germany"}
	if got := s.DisplayName(); got != "Acme - Berlin, Germany" {
		t.Errorf("DisplayName() = %q", got)
	}
}

func TestMeasurementResultJSON(t *testing.T) {
	res := MeasurementResult{
		Ping:      12,
		Download:  Speed{Mbps: 10, ServerLocation: "A - B, C"},
		Upload:    Speed{Mbps: 5.5, ServerLocation: "A - B, C"},
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	b, err := json.Marshal(res)
	if err != nil {
		t.Fatal(err)
	}
	out := string(b)
	for _, want := range []string{
		`"ping":12`,
		`"download":{"speed":10,"serverLocation":"A - B, C"}`,
		`"upload":{"speed":5.5,"serverLocation":"A - B, C"}`,
		`"timestamp":"2026-01-02T03:04:05Z"`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("json %s missing %s", out, want)
		}
	}
}
