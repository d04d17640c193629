package meter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

const (
	DefaultConcurrency     = 4
	DefaultPollInterval    = 100 * time.Millisecond
	DefaultTransferTimeout = 30 * time.Second
)

var ErrNoDataTransferred = errors.New("no data transferred")

// Test object edge lengths served as random<N>x<N>.jpg.
var downloadSizes = []int{350, 500, 750, 1000, 1500, 2000, 2500, 3000, 3500, 4000}

// Upload payload sizes in KiB.
var uploadSizes = []int{32, 64, 128, 256, 512, 1024, 2048}

var uploadPattern = []byte("0123456789abcdefghijklmnopqrstuvwxyz")

type Direction int

const (
	Download Direction = iota
	Upload
)

func (d Direction) String() string {
	if d == Upload {
		return "upload"
	}
	return "download"
}

// ThroughputMeter keeps up to Concurrency transfers in flight against one
// server for a fixed window and reports the average rate.
type ThroughputMeter struct {
	client    *http.Client
	direction Direction
	logger    *log.Logger

	Concurrency     int
	PollInterval    time.Duration
	TransferTimeout time.Duration

	// Progress, if set, is called from the scheduling loop on every poll
	// with the bytes counted so far.
	Progress func(total int64, elapsed time.Duration)
}

func NewThroughputMeter(client *http.Client, direction Direction, logger *log.Logger) *ThroughputMeter {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &ThroughputMeter{
		client:          client,
		direction:       direction,
		logger:          logger,
		Concurrency:     DefaultConcurrency,
		PollInterval:    DefaultPollInterval,
		TransferTimeout: DefaultTransferTimeout,
	}
}

func (m *ThroughputMeter) Direction() Direction {
	return m.direction
}

// accumulator is the byte counter shared by all transfers of one run. Once
// stop has returned no further bytes are accepted.
type accumulator struct {
	mu       sync.Mutex
	counting bool
	total    int64
}

func (a *accumulator) add(n int64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.counting {
		return false
	}
	a.total += n
	return true
}

func (a *accumulator) stop() {
	a.mu.Lock()
	a.counting = false
	a.mu.Unlock()
}

func (a *accumulator) load() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total
}

type transfer func(ctx context.Context, acc *accumulator) error

// Measure runs the transfer loop for duration and returns Mbps. Transfers
// still running at the deadline are allowed to finish but what they move
// after that point is not counted.
func (m *ThroughputMeter) Measure(ctx context.Context, serverURL string, duration time.Duration) (float64, error) {
	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
	acc := &accumulator{counting: true}
	sem := semaphore.NewWeighted(int64(max(m.Concurrency, 1)))

	var wg sync.WaitGroup
	start := time.Now()
	deadline := start.Add(duration)

	ticker := time.NewTicker(m.PollInterval)
	defer ticker.Stop()

loop:
	for time.Now().Before(deadline) {
		for time.Now().Before(deadline) && sem.TryAcquire(1) {
			t := m.nextTransfer(rnd, serverURL)
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer sem.Release(1)
				if err := t(ctx, acc); err != nil {
					m.logger.Printf("%s error: %v", m.direction, err)
				}
			}()
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			break loop
		}
		if m.Progress != nil {
			m.Progress(acc.load(), time.Since(start))
		}
	}

	acc.stop()
	wg.Wait()

	return Mbps(acc.load(), time.Since(start))
}

// Mbps uses 2^20 bits per megabit.
func Mbps(totalBytes int64, elapsed time.Duration) (float64, error) {
	seconds := elapsed.Seconds()
	if totalBytes <= 0 || seconds <= 0 {
		return 0, ErrNoDataTransferred
	}
	return float64(totalBytes*8) / seconds / (1024 * 1024), nil
}

func (m *ThroughputMeter) nextTransfer(rnd *rand.Rand, serverURL string) transfer {
	if m.direction == Upload {
		sizeKB := uploadSizes[rnd.Intn(len(uploadSizes))]
		return func(ctx context.Context, acc *accumulator) error {
			return m.upload(ctx, serverURL, sizeKB, acc)
		}
	}
	size := downloadSizes[rnd.Intn(len(downloadSizes))]
	url := fmt.Sprintf("%s/random%dx%d.jpg", baseURL(serverURL), size, size)
	return func(ctx context.Context, acc *accumulator) error {
		return m.download(ctx, url, acc)
	}
}

func (m *ThroughputMeter) download(ctx context.Context, url string, acc *accumulator) error {
	ctx, cancel := context.WithTimeout(ctx, m.TransferTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept-Encoding", "identity")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			acc.add(int64(n))
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (m *ThroughputMeter) upload(ctx context.Context, url string, sizeKB int, acc *accumulator) error {
	ctx, cancel := context.WithTimeout(ctx, m.TransferTimeout)
	defer cancel()

	payload := uploadPayload(sizeKB)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	acc.add(int64(len(payload)))
	return nil
}

// uploadPayload fills sizeKB KiB with the alphanumeric pattern, restarting
// it at every KiB boundary.
func uploadPayload(sizeKB int) []byte {
	buf := make([]byte, sizeKB*1024)
	for i := range buf {
		buf[i] = uploadPattern[(i%1024)%len(uploadPattern)]
	}
	return buf
}

func baseURL(serverURL string) string {
	if i := strings.LastIndex(serverURL, "/upload.php"); i >= 0 {
		return serverURL[:i]
	}
	return strings.TrimSuffix(serverURL, "/")
}
