package meter

import (
	"context"
	"errors"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestMbps(t *testing.T) {
	// 12.5 MiB over 10s
	got, err := Mbps(13107200, 10*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(got-10.0) > 1e-9 {
		t.Errorf("Mbps = %f, want 10", got)
	}

	if _, err := Mbps(0, 10*time.Second); !errors.Is(err, ErrNoDataTransferred) {
		t.Errorf("zero bytes: err = %v", err)
	}
	if _, err := Mbps(100, 0); !errors.Is(err, ErrNoDataTransferred) {
		t.Errorf("zero elapsed: err = %v", err)
	}
}

func TestUploadPayload(t *testing.T) {
	p := uploadPayload(2)
	if len(p) != 2048 {
		t.Fatalf("len = %d", len(p))
	}
	if string(p[:36]) != "0123456789abcdefghijklmnopqrstuvwxyz" {
		t.Errorf("unexpected prefix %q", p[:36])
	}
	// pattern restarts at the KiB boundary
	if string(p[1024:1030]) != "012345" {
		t.Errorf("pattern did not restart: %q", p[1024:1030])
	}
	// 1024 = 28*36 + 16
	if string(p[1008:1024]) != "0123456789abcdef" {
		t.Errorf("tail of first KiB: %q", p[1008:1024])
	}
}

func TestBaseURL(t *testing.T) {
	cases := map[string]string{
		"http://a.net:8080/speedtest/upload.php": "http://a.net:8080/speedtest",
		"http://a.net/upload.php":                "http://a.net",
		"http://a.net/speedtest/":                "http://a.net/speedtest",
	}
	for in, want := range cases {
		if got := baseURL(in); got != want {
			t.Errorf("baseURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestAccumulatorStop(t *testing.T) {
	acc := &accumulator{counting: true}
	if !acc.add(10) {
		t.Fatal("add rejected while counting")
	}
	acc.stop()
	if acc.add(10) {
		t.Error("add accepted after stop")
	}
	if acc.load() != 10 {
		t.Errorf("total = %d", acc.load())
	}
}

type speedServer struct {
	*httptest.Server
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	requests    atomic.Int32
	paths       chan string
}

func newSpeedServer(t *testing.T, handler http.HandlerFunc) *speedServer {
	s := &speedServer{paths: make(chan string, 1024)}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := s.inFlight.Add(1)
		defer s.inFlight.Add(-1)
		for {
			m := s.maxInFlight.Load()
			if n <= m || s.maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		s.requests.Add(1)
		select {
		case s.paths <- r.Method + " " + r.URL.Path:
		default:
		}
		handler(w, r)
	}))
	t.Cleanup(s.Close)
	return s
}

func TestDownloadMeasure(t *testing.T) {
	chunk := make([]byte, 256*1024)
	srv := newSpeedServer(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/speedtest/random") || !strings.HasSuffix(r.URL.Path, ".jpg") {
			http.NotFound(w, r)
			return
		}
		time.Sleep(20 * time.Millisecond)
		w.Write(chunk)
	})

	m := NewThroughputMeter(srv.Client(), Download, nil)
	var progressCalls atomic.Int32
	m.Progress = func(total int64, elapsed time.Duration) { progressCalls.Add(1) }

	mbps, err := m.Measure(context.Background(), srv.URL+"/speedtest/upload.php", 400*time.Millisecond)
	if err != nil {
		t.Fatalf("Measure: %v", err)
	}
	if mbps <= 0 {
		t.Errorf("mbps = %f", mbps)
	}
	if got := srv.maxInFlight.Load(); got > DefaultConcurrency {
		t.Errorf("max in flight = %d, cap is %d", got, DefaultConcurrency)
	}
	if srv.requests.Load() < DefaultConcurrency {
		t.Errorf("only %d requests issued", srv.requests.Load())
	}
	if progressCalls.Load() == 0 {
		t.Error("progress hook never called")
	}
}

func TestUploadMeasure(t *testing.T) {
	var received atomic.Int64
	srv := newSpeedServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/upload.php" {
			http.NotFound(w, r)
			return
		}
		n, _ := io.Copy(io.Discard, r.Body)
		received.Add(n)
		w.Write([]byte("size=" + "ok"))
	})

	m := NewThroughputMeter(srv.Client(), Upload, nil)
	mbps, err := m.Measure(context.Background(), srv.URL+"/upload.php", 300*time.Millisecond)
	if err != nil {
		t.Fatalf("Measure: %v", err)
	}
	if mbps <= 0 {
		t.Errorf("mbps = %f", mbps)
	}
	if received.Load() == 0 {
		t.Error("server received no payload")
	}
	if got := srv.maxInFlight.Load(); got > DefaultConcurrency {
		t.Errorf("max in flight = %d, cap is %d", got, DefaultConcurrency)
	}
}

func TestMeasureZeroDuration(t *testing.T) {
	srv := newSpeedServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("data"))
	})
	for _, dir := range []Direction{Download, Upload} {
		m := NewThroughputMeter(srv.Client(), dir, nil)
		mbps, err := m.Measure(context.Background(), srv.URL+"/upload.php", 0)
		if !errors.Is(err, ErrNoDataTransferred) {
			t.Errorf("%s: err = %v, want ErrNoDataTransferred", dir, err)
		}
		if mbps != 0 || math.IsNaN(mbps) || math.IsInf(mbps, 0) {
			t.Errorf("%s: mbps = %f", dir, mbps)
		}
	}
	if srv.requests.Load() != 0 {
		t.Errorf("zero window issued %d requests", srv.requests.Load())
	}
}

func TestMeasureAllTransfersFail(t *testing.T) {
	srv := newSpeedServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	})
	for _, dir := range []Direction{Download, Upload} {
		m := NewThroughputMeter(srv.Client(), dir, nil)
		_, err := m.Measure(context.Background(), srv.URL+"/upload.php", 200*time.Millisecond)
		if !errors.Is(err, ErrNoDataTransferred) {
			t.Errorf("%s: err = %v, want ErrNoDataTransferred", dir, err)
		}
	}
}

func TestUploadAfterSoftStopNotCounted(t *testing.T) {
	srv := newSpeedServer(t, func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		time.Sleep(300 * time.Millisecond)
	})

	m := NewThroughputMeter(srv.Client(), Upload, nil)
	start := time.Now()
	_, err := m.Measure(context.Background(), srv.URL+"/upload.php", 50*time.Millisecond)
	if !errors.Is(err, ErrNoDataTransferred) {
		t.Errorf("err = %v, want ErrNoDataTransferred", err)
	}
	// in-flight uploads drained instead of being cancelled
	if elapsed := time.Since(start); elapsed < 300*time.Millisecond {
		t.Errorf("returned after %v, before in-flight uploads finished", elapsed)
	}
	if got := srv.requests.Load(); got > DefaultConcurrency {
		t.Errorf("issued %d uploads in a single poll window", got)
	}
}

func TestLatencyMeasure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/slow" {
			time.Sleep(200 * time.Millisecond)
		}
		w.Write([]byte("test=test"))
	}))
	defer srv.Close()

	m := NewLatencyMeter(srv.Client())
	d, err := m.Measure(context.Background(), srv.URL+"/fast")
	if err != nil {
		t.Fatalf("Measure: %v", err)
	}
	if d <= 0 || d > time.Second {
		t.Errorf("latency = %v", d)
	}

	m.timeout = 50 * time.Millisecond
	if _, err := m.Measure(context.Background(), srv.URL+"/slow"); !errors.Is(err, ErrLatencyTimeout) {
		t.Errorf("err = %v, want ErrLatencyTimeout", err)
	}
}

func TestLatencyTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewLatencyMeter(http.DefaultClient).Measure(context.Background(), url)
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ErrLatencyTimeout) {
		t.Errorf("connection refused reported as timeout: %v", err)
	}
}
