package meter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const DefaultLatencyTimeout = 5 * time.Second

var ErrLatencyTimeout = errors.New("ping timeout")

type LatencyMeter struct {
	client  *http.Client
	timeout time.Duration
}

func NewLatencyMeter(client *http.Client) *LatencyMeter {
	return &LatencyMeter{client: client, timeout: DefaultLatencyTimeout}
}

// Measure returns the time from sending the request until the whole
// response body has been read.
func (m *LatencyMeter) Measure(ctx context.Context, url string) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	resp, err := m.client.Do(req)
	if err != nil {
		return 0, latencyError(ctx, err)
	}
	_, err = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if err != nil {
		return 0, latencyError(ctx, err)
	}
	return time.Since(start), nil
}

func latencyError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrLatencyTimeout, err)
	}
	return err
}
