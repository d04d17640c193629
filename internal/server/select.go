package server

import (
	"context"
	"io"
	"log"
	"time"

	"github.com/idanyas/netspeed/internal/data"
)

const (
	MaxCandidates    = 5
	LatencyThreshold = 500 * time.Millisecond
)

type Prober interface {
	Probe(ctx context.Context, s data.ServerRecord) bool
}

type Pinger interface {
	Measure(ctx context.Context, url string) (time.Duration, error)
}

// Selector walks the ranked shortlist and picks the first server that is
// reachable and answers within LatencyThreshold.
type Selector struct {
	prober Prober
	pinger Pinger
	logger *log.Logger

	// OnCandidate, if set, is called after each candidate is tried.
	OnCandidate func(i int, s data.ServerRecord, outcome data.ProbeOutcome)
}

func NewSelector(prober Prober, pinger Pinger, logger *log.Logger) *Selector {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Selector{prober: prober, pinger: pinger, logger: logger}
}

// Select returns the chosen server. When none of the first MaxCandidates
// qualify the nearest one is returned anyway; ok is false only for an empty
// list.
func (s *Selector) Select(ctx context.Context, ranked []data.ServerRecord) (data.ServerRecord, bool) {
	n := min(len(ranked), MaxCandidates)
	s.logger.Printf("Testing %d nearest servers...", n)

	for i := 0; i < n; i++ {
		candidate := ranked[i]
		s.logger.Printf("Testing server %d: %s - %s", i+1, candidate.Sponsor, candidate.Name)

		outcome := data.ProbeOutcome{Reachable: s.prober.Probe(ctx, candidate)}
		if outcome.Reachable {
			latency, err := s.pinger.Measure(ctx, candidate.URL)
			if err != nil {
				s.logger.Printf("  server test failed: %v", err)
			} else {
				outcome.Latency = &latency
				s.logger.Printf("  ping: %dms", latency.Milliseconds())
			}
		} else {
			s.logger.Printf("  server unreachable")
		}

		if s.OnCandidate != nil {
			s.OnCandidate(i, candidate, outcome)
		}
		if outcome.Latency != nil && *outcome.Latency < LatencyThreshold {
			return candidate, true
		}
	}

	if len(ranked) > 0 {
		s.logger.Printf("No candidate qualified, using nearest server %s", ranked[0].DisplayName())
		return ranked[0], true
	}
	return data.ServerRecord{}, false
}
