package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"time"

	"github.com/idanyas/netspeed/internal/data"
	"github.com/idanyas/netspeed/internal/location"
	"github.com/idanyas/netspeed/internal/meter"
	"github.com/idanyas/netspeed/internal/server"
)

var (
	ErrNoServerSelected = errors.New("no responsive speedtest servers found")
	ErrNoLatencySample  = errors.New("failed to measure ping")
	ErrServerNotFound   = errors.New("server not found in the directory")
)

const (
	DefaultDuration       = 10 * time.Second
	DefaultRetryDuration  = 5 * time.Second
	DefaultLatencySamples = 3
)

type Locator interface {
	Resolve(ctx context.Context) (data.Location, error)
}

type Catalog interface {
	Fetch(ctx context.Context) ([]data.ServerRecord, error)
}

type ServerPicker interface {
	Select(ctx context.Context, ranked []data.ServerRecord) (data.ServerRecord, bool)
}

type Pinger interface {
	Measure(ctx context.Context, url string) (time.Duration, error)
}

type Meter interface {
	Measure(ctx context.Context, serverURL string, duration time.Duration) (float64, error)
}

type Engine struct {
	Locator  Locator
	Catalog  Catalog
	Selector ServerPicker
	Pinger   Pinger
	Download Meter
	Upload   Meter

	Duration       time.Duration
	RetryDuration  time.Duration
	LatencySamples int
	ShortlistSize  int

	Logger *log.Logger

	// Phase, if set, is told when each phase starts.
	Phase func(name string)
}

type Options struct {
	GeoIPURL       string
	DirectoryURL   string
	Duration       time.Duration
	RetryDuration  time.Duration
	Concurrency    int
	LatencySamples int
	Logger         *log.Logger

	// Progress and OnCandidate are forwarded to the meters and the selector.
	Progress    func(dir meter.Direction, total int64, elapsed time.Duration)
	OnCandidate func(i int, s data.ServerRecord, outcome data.ProbeOutcome)
}

func New(client *http.Client, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	pinger := meter.NewLatencyMeter(client)
	download := meter.NewThroughputMeter(client, meter.Download, logger)
	upload := meter.NewThroughputMeter(client, meter.Upload, logger)
	if opts.Concurrency > 0 {
		download.Concurrency = opts.Concurrency
		upload.Concurrency = opts.Concurrency
	}
	if opts.Progress != nil {
		download.Progress = func(total int64, elapsed time.Duration) { opts.Progress(meter.Download, total, elapsed) }
		upload.Progress = func(total int64, elapsed time.Duration) { opts.Progress(meter.Upload, total, elapsed) }
	}
	selector := server.NewSelector(server.NewHTTPProber(client), pinger, logger)
	selector.OnCandidate = opts.OnCandidate

	return &Engine{
		Locator:        location.NewGeoLocator(client, opts.GeoIPURL),
		Catalog:        server.NewCatalog(client, opts.DirectoryURL),
		Selector:       selector,
		Pinger:         pinger,
		Download:       download,
		Upload:         upload,
		Duration:       opts.Duration,
		RetryDuration:  opts.RetryDuration,
		LatencySamples: opts.LatencySamples,
		Logger:         logger,
	}
}

func (e *Engine) Run(ctx context.Context) (*data.MeasurementResult, error) {
	ranked, err := e.Shortlist(ctx)
	if err != nil {
		return nil, err
	}

	e.phase("select")
	best, ok := e.Selector.Select(ctx, ranked)
	if !ok {
		return nil, ErrNoServerSelected
	}
	return e.RunWith(ctx, best)
}

// Shortlist resolves the caller's location, fetches the directory and
// returns the nearest servers.
func (e *Engine) Shortlist(ctx context.Context) ([]data.ServerRecord, error) {
	return e.shortlist(ctx, e.ShortlistSize)
}

// RunServer measures against the directory entry with the given id, which
// need not be among the nearest servers.
func (e *Engine) RunServer(ctx context.Context, id string) (*data.MeasurementResult, error) {
	ranked, err := e.shortlist(ctx, math.MaxInt)
	if err != nil {
		return nil, err
	}
	for _, s := range ranked {
		if s.ID == id {
			return e.RunWith(ctx, s)
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrServerNotFound, id)
}

func (e *Engine) shortlist(ctx context.Context, limit int) ([]data.ServerRecord, error) {
	e.phase("location")
	e.logf("Getting user location...")
	origin, err := e.Locator.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	e.logf("Location: %.2f, %.2f", origin.Lat, origin.Lon)

	e.phase("catalog")
	e.logf("Fetching speedtest servers...")
	all, err := e.Catalog.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	e.logf("Found %d servers", len(all))

	ranked := server.Rank(all, origin, limit)
	if len(ranked) == 0 {
		return nil, ErrNoServerSelected
	}
	return ranked, nil
}

func (e *Engine) RunWith(ctx context.Context, s data.ServerRecord) (*data.MeasurementResult, error) {
	serverInfo := s.DisplayName()
	e.logf("Using server: %s (%s)", serverInfo, s.URL)

	e.phase("latency")
	ping, err := e.measurePing(ctx, s.URL)
	if err != nil {
		return nil, err
	}
	e.logf("Average ping: %dms", ping)

	e.phase("download")
	download := e.measureWithRetry(ctx, meter.Download, e.Download, s.URL)

	e.phase("upload")
	upload := e.measureWithRetry(ctx, meter.Upload, e.Upload, s.URL)

	return &data.MeasurementResult{
		Ping: ping,
		Download: data.Speed{
			Mbps:           round2(download),
			ServerLocation: serverInfo,
		},
		Upload: data.Speed{
			Mbps:           round2(upload),
			ServerLocation: serverInfo,
		},
		Timestamp: time.Now(),
	}, nil
}

func (e *Engine) measurePing(ctx context.Context, url string) (int, error) {
	samples := e.LatencySamples
	if samples <= 0 {
		samples = DefaultLatencySamples
	}

	var sum time.Duration
	var n int
	for i := 0; i < samples; i++ {
		d, err := e.Pinger.Measure(ctx, url)
		if err != nil {
			e.logf("Ping attempt %d failed: %v", i+1, err)
			continue
		}
		e.logf("Ping %d: %dms", i+1, d.Milliseconds())
		sum += d
		n++
	}
	if n == 0 {
		return 0, ErrNoLatencySample
	}

	avg := float64(sum) / float64(n) / float64(time.Millisecond)
	return int(math.Round(avg)), nil
}

// measureWithRetry runs m at the full duration, then once more at the retry
// duration. A direction that fails both times is reported as 0.
func (e *Engine) measureWithRetry(ctx context.Context, dir meter.Direction, m Meter, url string) float64 {
	duration := e.Duration
	if duration <= 0 {
		duration = DefaultDuration
	}
	retry := e.RetryDuration
	if retry <= 0 {
		retry = duration / 2
	}

	e.logf("Testing %s speed (%s)...", dir, duration)
	speed, err := m.Measure(ctx, url, duration)
	if err == nil {
		e.logf("%s: %.2f Mbps", dir, speed)
		return speed
	}
	e.logf("%s test failed: %v", dir, err)
	e.logf("Retrying with shorter duration (%s)...", retry)

	speed, err = m.Measure(ctx, url, retry)
	if err != nil {
		e.logf("%s retry failed: %v", dir, err)
		return 0
	}
	e.logf("%s: %.2f Mbps", dir, speed)
	return speed
}

func (e *Engine) phase(name string) {
	if e.Phase != nil {
		e.Phase(name)
	}
}

func (e *Engine) logf(format string, args ...any) {
	if e.Logger != nil {
		e.Logger.Printf(format, args...)
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
