package router

import (
	"sort"
	"sync"
	"sync/atomic"
)

const latencySamples = 128

// Stats holds the per-backend runtime signals the scoring strategies read:
// in-flight request counts and a rolling latency window. State is keyed by
// backend id with per-backend synchronization.
type Stats struct {
	inflight sync.Map // backend id -> *atomic.Int64
	latency  sync.Map // backend id -> *latencyWindow
}

type latencyWindow struct {
	mu      sync.Mutex
	samples [latencySamples]float64
	n       int // total samples ever recorded
}

func NewStats() *Stats {
	return &Stats{}
}

func (s *Stats) inflightCounter(id string) *atomic.Int64 {
	if v, ok := s.inflight.Load(id); ok {
		return v.(*atomic.Int64)
	}
	v, _ := s.inflight.LoadOrStore(id, &atomic.Int64{})
	return v.(*atomic.Int64)
}

// Acquire marks a request in flight on the backend; the returned func
// releases it.
func (s *Stats) Acquire(id string) func() {
	c := s.inflightCounter(id)
	c.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() { c.Add(-1) })
	}
}

func (s *Stats) Inflight(id string) int64 {
	return s.inflightCounter(id).Load()
}

// RecordLatency adds an observed request latency in milliseconds.
func (s *Stats) RecordLatency(id string, ms float64) {
	v, ok := s.latency.Load(id)
	if !ok {
		v, _ = s.latency.LoadOrStore(id, &latencyWindow{})
	}
	w := v.(*latencyWindow)
	w.mu.Lock()
	w.samples[w.n%latencySamples] = ms
	w.n++
	w.mu.Unlock()
}

// LatencyP95 returns the rolling p95 latency in milliseconds, or 0 when no
// samples exist yet.
func (s *Stats) LatencyP95(id string) float64 {
	v, ok := s.latency.Load(id)
	if !ok {
		return 0
	}
	w := v.(*latencyWindow)
	w.mu.Lock()
	defer w.mu.Unlock()

	n := w.n
	if n > latencySamples {
		n = latencySamples
	}
	if n == 0 {
		return 0
	}

	sorted := make([]float64, n)
	copy(sorted, w.samples[:n])
	sort.Float64s(sorted)

	idx := (n * 95) / 100
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}
