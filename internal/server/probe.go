package server

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/idanyas/netspeed/internal/data"
)

const (
	uploadSuffix  = "/upload.php"
	latencySuffix = "/latency.txt"

	DefaultProbeTimeout = 3 * time.Second
)

func LatencyURL(uploadURL string) string {
	if i := strings.LastIndex(uploadURL, uploadSuffix); i >= 0 {
		return uploadURL[:i] + latencySuffix + uploadURL[i+len(uploadSuffix):]
	}
	return strings.TrimSuffix(uploadURL, "/") + latencySuffix
}

type HTTPProber struct {
	client  *http.Client
	timeout time.Duration
}

func NewHTTPProber(client *http.Client) *HTTPProber {
	return &HTTPProber{client: client, timeout: DefaultProbeTimeout}
}

// Probe reports whether the full latency.txt response arrived in time.
// Every failure is reported as false.
func (p *HTTPProber) Probe(ctx context.Context, s data.ServerRecord) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", LatencyURL(s.URL), nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return false
	}
	return resp.StatusCode >= 200 && resp.StatusCode <= 299
}
