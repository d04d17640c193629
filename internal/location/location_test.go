package location

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/idanyas/netspeed/internal/data"
)

func TestDistanceSymmetric(t *testing.T) {
	points := []data.Location{
		{Lat: 52.52, Lon: 13.405},
		{Lat: 48.8566, Lon: 2.3522},
		{Lat: -33.8688, Lon: 151.2093},
		{Lat: 0, Lon: 0},
		{Lat: 90, Lon: 0},
		{Lat: 0, Lon: 180},
	}
	for _, a := range points {
		if d := Distance(a, a); d != 0 {
			t.Errorf("Distance(%v, %v) = %f, want 0", a, a, d)
		}
		for _, b := range points {
			ab, ba := Distance(a, b), Distance(b, a)
			if math.Abs(ab-ba) > 1e-9 {
				t.Errorf("Distance not symmetric for %v, %v: %f vs %f", a, b, ab, ba)
			}
			if ab < 0 {
				t.Errorf("negative distance %f", ab)
			}
		}
	}
}

func TestDistanceKnownValue(t *testing.T) {
	berlin := data.Location{Lat: 52.52, Lon: 13.405}
	paris := data.Location{Lat: 48.8566, Lon: 2.3522}
	d := Distance(berlin, paris)
	if d < 870 || d > 885 {
		t.Errorf("Berlin-Paris = %.1f km, want ~878", d)
	}
}

func TestResolve(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ip":"203.0.113.1","latitude":52.0,"longitude":13.0}`))
	}))
	defer srv.Close()

	loc, err := NewGeoLocator(srv.Client(), srv.URL).Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if loc.Lat != 52 || loc.Lon != 13 {
		t.Errorf("got %+v", loc)
	}
}

func TestResolveFailures(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"status": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		},
		"garbage": func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`<html>rate limited</html>`))
		},
		"missing": func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"latitude":52.0}`))
		},
		"string": func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"latitude":"52.0","longitude":"13.0"}`))
		},
	}
	for name, h := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(h)
			defer srv.Close()
			_, err := NewGeoLocator(srv.Client(), srv.URL).Resolve(context.Background())
			if !errors.Is(err, ErrLocationUnavailable) {
				t.Errorf("err = %v, want ErrLocationUnavailable", err)
			}
		})
	}
}

func TestResolveTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewGeoLocator(http.DefaultClient, url).Resolve(context.Background())
	if !errors.Is(err, ErrLocationUnavailable) {
		t.Errorf("err = %v, want ErrLocationUnavailable", err)
	}
}
