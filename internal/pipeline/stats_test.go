package pipeline

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/banshee-data/framesync/internal/correlate"
)

func matched(seq uint64, latencyMs float64) Output {
	return Output{
		Seq:    seq,
		Synced: true,
		Result: correlate.Result{
			Matched:    true,
			Class:      correlate.ClassPast,
			HardwareNs: 0,
			DeliveryNs: int64(latencyMs * 1e6),
		},
	}
}

func TestSummarize(t *testing.T) {
	assert.Equal(t, LatencySummary{}, Summarize(nil))

	s := Summarize([]float64{150, 140, 160, 150})
	assert.Equal(t, 4, s.Samples)
	assert.InDelta(t, 150, s.MeanMs, 1e-9)
	assert.InDelta(t, math.Sqrt(200.0/3.0), s.StdDev, 1e-9)
	assert.Equal(t, 140.0, s.MinMs)
	assert.Equal(t, 160.0, s.MaxMs)
	assert.Equal(t, 150.0, s.P50Ms)
	assert.Equal(t, 160.0, s.P95Ms)

	one := Summarize([]float64{42})
	assert.Equal(t, 0.0, one.StdDev)
	assert.Equal(t, 42.0, one.P95Ms)
}

func TestStatsWindowWraps(t *testing.T) {
	s := NewStats(3)
	for i := 1; i <= 5; i++ {
		s.Observe(matched(uint64(i), float64(i*10)))
	}
	assert.Equal(t, []float64{30, 40, 50}, s.Latencies())

	recent := s.Recent(2)
	assert.Len(t, recent, 2)
	assert.Equal(t, uint64(5), recent[0].Seq)
	assert.Equal(t, uint64(4), recent[1].Seq)
	assert.Len(t, s.Recent(0), 3)
}

func TestStatsCounters(t *testing.T) {
	s := NewStats(0)
	s.Skip()
	s.Observe(matched(1, 150))
	s.Observe(Output{Seq: 2, Result: correlate.Result{Class: correlate.ClassNone}})
	s.Observe(Output{Seq: 3, Synced: true, Result: correlate.Result{Matched: true, Class: correlate.ClassFuture, Evicted: 2}})

	assert.Equal(t, Counters{
		Frames:        4,
		Skipped:       1,
		MatchedPast:   1,
		MatchedFuture: 1,
		Unmatched:     1,
		Evicted:       2,
	}, s.Counters())
	assert.Len(t, s.Latencies(), 2)
}
