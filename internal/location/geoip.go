package location

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/idanyas/netspeed/internal/data"
)

const DefaultGeoIPURL = "https://ipapi.co/json/"

var ErrLocationUnavailable = errors.New("location unavailable")

type geoipResponse struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

// GeoLocator looks up the caller's approximate coordinates from a geo-IP
// service. A single request is made; there is no retry.
type GeoLocator struct {
	client  *http.Client
	url     string
	timeout time.Duration
}

func NewGeoLocator(client *http.Client, url string) *GeoLocator {
	if url == "" {
		url = DefaultGeoIPURL
	}
	return &GeoLocator{client: client, url: url, timeout: 10 * time.Second}
}

func (g *GeoLocator) Resolve(ctx context.Context) (data.Location, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", g.url, nil)
	if err != nil {
		return data.Location{}, fmt.Errorf("%w: %v", ErrLocationUnavailable, err)
	}
	req.Header.Set("User-Agent", "netspeed/1.0")

	resp, err := g.client.Do(req)
	if err != nil {
		return data.Location{}, fmt.Errorf("%w: %v", ErrLocationUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return data.Location{}, fmt.Errorf("%w: status %d", ErrLocationUnavailable, resp.StatusCode)
	}

	var body geoipResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return data.Location{}, fmt.Errorf("%w: %v", ErrLocationUnavailable, err)
	}
	if body.Latitude == nil || body.Longitude == nil {
		return data.Location{}, fmt.Errorf("%w: response has no coordinates", ErrLocationUnavailable)
	}
	lat, lon := *body.Latitude, *body.Longitude
	if math.IsNaN(lat) || math.IsInf(lat, 0) || math.IsNaN(lon) || math.IsInf(lon, 0) {
		return data.Location{}, fmt.Errorf("%w: non-finite coordinates", ErrLocationUnavailable)
	}

	return data.Location{Lat: lat, Lon: lon}, nil
}
