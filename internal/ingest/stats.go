package ingest

import (
	"sort"
	"sync"
	"time"
)

// Status is the terminal outcome of one message.
type Status string

const (
	// StatusIndexed means the message was embedded and upserted.
	StatusIndexed Status = "indexed"

	// StatusSkipped means the message needed no index write (empty content,
	// bot author, unconfigured server).
	StatusSkipped Status = "skipped"

	// StatusFailed means a stage failed and the message was not indexed.
	StatusFailed Status = "failed"
)

// stageRingSize bounds how many recent latency samples each stage keeps for
// the percentile view.
const stageRingSize = 256

// latencyRing is a fixed-size ring of recent duration samples.
type latencyRing struct {
	samples []time.Duration
	next    int
	filled  bool
}

func (r *latencyRing) add(d time.Duration) {
	if r.samples == nil {
		r.samples = make([]time.Duration, stageRingSize)
	}
	r.samples[r.next] = d
	r.next = (r.next + 1) % len(r.samples)
	if r.next == 0 {
		r.filled = true
	}
}

// snapshot returns the populated samples in arbitrary order.
func (r *latencyRing) snapshot() []time.Duration {
	n := r.next
	if r.filled {
		n = len(r.samples)
	}
	out := make([]time.Duration, n)
	copy(out, r.samples[:n])
	return out
}

// Percentiles is the latency summary for one pipeline stage.
type Percentiles struct {
	P50 time.Duration
	P95 time.Duration

	// Samples is how many recent observations back the percentiles.
	Samples int
}

// ServerTotals counts terminal outcomes for one server.
type ServerTotals struct {
	Indexed int64
	Skipped int64
	Failed  int64
}

// Snapshot is a point-in-time copy of the ingest statistics.
type Snapshot struct {
	Totals    ServerTotals
	PerServer map[string]ServerTotals
	Stages    map[string]Percentiles
}

// Stats aggregates ingest outcomes and stage latencies for the !status
// command and the dashboard. Safe for concurrent use.
type Stats struct {
	mu        sync.Mutex
	totals    ServerTotals
	perServer map[string]*ServerTotals
	stages    map[string]*latencyRing
}

// NewStats returns an empty [Stats].
func NewStats() *Stats {
	return &Stats{
		perServer: make(map[string]*ServerTotals),
		stages:    make(map[string]*latencyRing),
	}
}

// RecordOutcome counts one terminal message status for serverID.
func (s *Stats) RecordOutcome(serverID string, status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()

	totals, ok := s.perServer[serverID]
	if !ok {
		totals = &ServerTotals{}
		s.perServer[serverID] = totals
	}
	switch status {
	case StatusIndexed:
		s.totals.Indexed++
		totals.Indexed++
	case StatusSkipped:
		s.totals.Skipped++
		totals.Skipped++
	case StatusFailed:
		s.totals.Failed++
		totals.Failed++
	}
}

// RecordStage adds one latency sample for the named stage.
func (s *Stats) RecordStage(stage string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ring, ok := s.stages[stage]
	if !ok {
		ring = &latencyRing{}
		s.stages[stage] = ring
	}
	ring.add(d)
}

// Snapshot returns a copy of the current statistics.
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Totals:    s.totals,
		PerServer: make(map[string]ServerTotals, len(s.perServer)),
		Stages:    make(map[string]Percentiles, len(s.stages)),
	}
	for id, t := range s.perServer {
		snap.PerServer[id] = *t
	}
	for stage, ring := range s.stages {
		samples := ring.snapshot()
		snap.Stages[stage] = Percentiles{
			P50:     percentile(samples, 0.50),
			P95:     percentile(samples, 0.95),
			Samples: len(samples),
		}
	}
	return snap
}

// percentile computes the pth percentile (0 < p <= 1) by nearest-rank over a
// copy of samples. Zero when there are no samples.
func percentile(samples []time.Duration, p float64) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	rank := int(float64(len(sorted))*p+0.5) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
