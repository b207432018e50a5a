package pipeline

import (
	"sort"
	"sync"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/framesync/internal/correlate"
)

// DefaultStatsWindow is the number of recent matches kept for latency
// statistics.
const DefaultStatsWindow = 1000

// LatencySummary describes the matched exposure-to-delivery latencies in the
// current window, in milliseconds.
type LatencySummary struct {
	Samples int     `json:"samples"`
	MeanMs  float64 `json:"mean_ms"`
	StdDev  float64 `json:"stddev_ms"`
	MinMs   float64 `json:"min_ms"`
	MaxMs   float64 `json:"max_ms"`
	P50Ms   float64 `json:"p50_ms"`
	P95Ms   float64 `json:"p95_ms"`
}

// Counters tally every frame the synchroniser saw.
type Counters struct {
	Frames        uint64 `json:"frames"`
	Skipped       uint64 `json:"skipped"`
	MatchedPast   uint64 `json:"matched_past"`
	MatchedFuture uint64 `json:"matched_future"`
	Unmatched     uint64 `json:"unmatched"`
	Evicted       uint64 `json:"evicted"`
}

// Stats keeps a rolling window of results.
type Stats struct {
	mu       sync.Mutex
	window   int
	latency  []float64 // ring of matched latencies
	recent   []Output  // ring of recent outputs
	next     int
	nextOut  int
	counters Counters
}

// NewStats creates a Stats keeping the last window matches and outputs.
func NewStats(window int) *Stats {
	if window <= 0 {
		window = DefaultStatsWindow
	}
	return &Stats{
		window:  window,
		latency: make([]float64, 0, window),
		recent:  make([]Output, 0, window),
	}
}

// Skip counts a frame dropped by decimation.
func (s *Stats) Skip() {
	s.mu.Lock()
	s.counters.Frames++
	s.counters.Skipped++
	s.mu.Unlock()
}

// Observe adds a forwarded frame's output.
func (s *Stats) Observe(out Output) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := out.Result
	s.counters.Frames++
	s.counters.Evicted += uint64(res.Evicted)
	switch res.Class {
	case correlate.ClassPast:
		s.counters.MatchedPast++
	case correlate.ClassFuture:
		s.counters.MatchedFuture++
	default:
		s.counters.Unmatched++
	}

	if len(s.recent) < s.window {
		s.recent = append(s.recent, out)
	} else {
		s.recent[s.nextOut] = out
		s.nextOut = (s.nextOut + 1) % s.window
	}

	if !res.Matched {
		return
	}
	if len(s.latency) < s.window {
		s.latency = append(s.latency, res.LatencyMs())
		return
	}
	s.latency[s.next] = res.LatencyMs()
	s.next = (s.next + 1) % s.window
}

// Counters returns a copy of the frame counters.
func (s *Stats) Counters() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters
}

// Latencies returns the windowed latencies, oldest first.
func (s *Stats) Latencies() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]float64, 0, len(s.latency))
	if len(s.latency) < s.window {
		return append(out, s.latency...)
	}
	out = append(out, s.latency[s.next:]...)
	return append(out, s.latency[:s.next]...)
}

// Recent returns up to n outputs, newest first.
func (s *Stats) Recent(n int) []Output {
	s.mu.Lock()
	defer s.mu.Unlock()

	ordered := make([]Output, 0, len(s.recent))
	if len(s.recent) < s.window {
		ordered = append(ordered, s.recent...)
	} else {
		ordered = append(ordered, s.recent[s.nextOut:]...)
		ordered = append(ordered, s.recent[:s.nextOut]...)
	}
	if n <= 0 || n > len(ordered) {
		n = len(ordered)
	}
	out := make([]Output, 0, n)
	for i := len(ordered) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, ordered[i])
	}
	return out
}

// Latency summarises the current window.
func (s *Stats) Latency() LatencySummary {
	return Summarize(s.Latencies())
}

// Summarize computes a LatencySummary over xs.
func Summarize(xs []float64) LatencySummary {
	if len(xs) == 0 {
		return LatencySummary{}
	}
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)

	mean, std := stat.MeanStdDev(sorted, nil)
	if len(sorted) == 1 {
		std = 0
	}
	return LatencySummary{
		Samples: len(sorted),
		MeanMs:  mean,
		StdDev:  std,
		MinMs:   sorted[0],
		MaxMs:   sorted[len(sorted)-1],
		P50Ms:   stat.Quantile(0.5, stat.Empirical, sorted, nil),
		P95Ms:   stat.Quantile(0.95, stat.Empirical, sorted, nil),
	}
}
