package data

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

type Location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// ServerRecord is one entry of the server directory. Lat and Lon are kept
// exactly as the directory supplied them.
type ServerRecord struct {
	ID          string   `json:"id"`
	Host        string   `json:"host"`
	URL         string   `json:"url"`
	Name        string   `json:"name"`
	Sponsor     string   `json:"sponsor"`
	Country     string   `json:"country"`
	CountryCode string   `json:"cc"`
	Lat         string   `json:"lat"`
	Lon         string   `json:"lon"`
	Distance    *float64 `json:"distance,omitempty"` // km, set by ranking
}

func (s ServerRecord) Coordinates() (Location, error) {
	lat, err := strconv.ParseFloat(strings.TrimSpace(s.Lat), 64)
	if err != nil {
		return Location{}, fmt.Errorf("invalid lat %q: %w", s.Lat, err)
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(s.Lon), 64)
	if err != nil {
		return Location{}, fmt.Errorf("invalid lon %q: %w", s.Lon, err)
	}
	if math.IsNaN(lat) || math.IsInf(lat, 0) || math.IsNaN(lon) || math.IsInf(lon, 0) {
		return Location{}, fmt.Errorf("non-finite coordinates %q,%q", s.Lat, s.Lon)
	}
	return Location{Lat: lat, Lon: lon}, nil
}

func (s ServerRecord) DisplayName() string {
	return fmt.Sprintf("%s - %s, %s", s.Sponsor, s.Name, s.Country)
}

type ProbeOutcome struct {
	Reachable bool
	Latency   *time.Duration
}

type MeasurementResult struct {
	Ping      int       `json:"ping"`
	Download  Speed     `json:"download"`
	Upload    Speed     `json:"upload"`
	Timestamp time.Time `json:"timestamp"`
}

type Speed struct {
	Mbps           float64 `json:"speed"`
	ServerLocation string  `json:"serverLocation"`
}
