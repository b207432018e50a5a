// Package pipeline runs trigger ingestion and frame correlation as two
// goroutines around a shared correlation engine.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/framesync/internal/correlate"
	"github.com/banshee-data/framesync/internal/frames"
	"github.com/banshee-data/framesync/internal/monitoring"
	"github.com/banshee-data/framesync/internal/timeutil"
	"github.com/banshee-data/framesync/internal/triggerbus"
)

// TriggerSource is the synchroniser's view of the trigger transport.
// *triggerbus.Subscription satisfies it.
type TriggerSource interface {
	correlate.BacklogSource
	C() <-chan correlate.Trigger
}

// Recorder receives every forwarded frame's result. Unmatched results are
// recorded too.
type Recorder interface {
	Record(ctx context.Context, seq uint64, res correlate.Result) error
}

// Output is one forwarded frame. Synced is false when no trigger matched.
type Output struct {
	Seq       uint64           `json:"seq"`
	Synced    bool             `json:"synced"`
	Result    correlate.Result `json:"result"`
	LatencyMs float64          `json:"latency_ms"`
	FrameSize int              `json:"frame_bytes"`
}

// Options configures a Synchronizer.
type Options struct {
	Recorders   []Recorder
	StatsWindow int
	Clock       timeutil.Clock
}

// Status is a point-in-time view for the HTTP API.
type Status struct {
	Running         bool                `json:"running"`
	StartedAt       time.Time           `json:"started_at,omitzero"`
	State           string              `json:"state"`
	QueueDepth      int                 `json:"queue_depth"`
	DecimationRatio uint32              `json:"decimation_ratio"`
	Engine          correlate.Stats     `json:"engine"`
	Counters        Counters            `json:"counters"`
	Latency         LatencySummary      `json:"latency"`
	Source          *frames.SourceStats `json:"source,omitempty"`
}

// Synchronizer pairs delivered frames with the triggers that caused them.
type Synchronizer struct {
	engine    *correlate.Engine
	decimator *correlate.Decimator
	triggers  TriggerSource
	source    frames.Source
	recorders []Recorder
	stats     *Stats
	clock     timeutil.Clock

	mu        sync.Mutex
	running   bool
	startedAt time.Time
}

// New builds a Synchronizer. The decimation ratio comes from the engine
// configuration.
func New(engine *correlate.Engine, triggers TriggerSource, source frames.Source, opts Options) *Synchronizer {
	clock := opts.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Synchronizer{
		engine:    engine,
		decimator: correlate.NewDecimator(engine.Config().DecimationRatio),
		triggers:  triggers,
		source:    source,
		recorders: opts.Recorders,
		stats:     NewStats(opts.StatsWindow),
		clock:     clock,
	}
}

// Engine returns the correlation engine.
func (s *Synchronizer) Engine() *correlate.Engine { return s.engine }

// Stats returns the rolling statistics.
func (s *Synchronizer) Stats() *Stats { return s.stats }

// Run drains the late-join backlog, then ingests triggers and correlates
// frames until ctx is cancelled (returns nil) or a fatal transport or
// acquisition error occurs.
func (s *Synchronizer) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("synchronizer already running")
	}
	s.running = true
	s.startedAt = s.clock.Now()
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	backlog := s.engine.DrainBacklog(s.triggers)
	for _, t := range backlog {
		monitoring.Logf("Historical trigger: id=%d, hw_ts=%d", t.ID, t.HardwareNs)
	}
	monitoring.Logf("Drained %d historical triggers; output decimation 1/%d", len(backlog), s.decimator.Ratio())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg        sync.WaitGroup
		ingestErr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.ingest(ctx); err != nil {
			ingestErr = err
			cancel()
		}
	}()

	err := s.correlate(ctx)
	cancel()
	wg.Wait()

	if ingestErr != nil {
		return ingestErr
	}
	return err
}

func (s *Synchronizer) ingest(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case t, ok := <-s.triggers.C():
			if !ok {
				return fmt.Errorf("trigger feed closed: %w", triggerbus.ErrBusClosed)
			}
			s.engine.Ingest(t)
			monitoring.Logf("Received trigger: id=%d, hw_ts=%d, ipc_latency=%dns", t.ID, t.HardwareNs, t.PublishNs-t.HardwareNs)
		}
	}
}

func (s *Synchronizer) correlate(ctx context.Context) error {
	for {
		f, err := s.source.Acquire(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("capture session ended: %w", err)
		}
		s.process(ctx, f)
	}
}

// process handles one acquired frame. The frame is released on every path.
func (s *Synchronizer) process(ctx context.Context, f correlate.Frame) {
	defer s.source.Release(f)

	if !s.decimator.Forward() {
		s.stats.Skip()
		monitoring.Logf("SKIPPED: Frame %d skipped (processing every %dth frame)", s.decimator.Count(), s.decimator.Ratio())
		return
	}

	res := s.engine.Correlate(f)
	out := Output{
		Seq:       f.Seq,
		Synced:    res.Matched,
		Result:    res,
		LatencyMs: res.LatencyMs(),
		FrameSize: payloadSize(f.Payload),
	}
	logResult(res, out.FrameSize, s.engine.Config().ToleranceMs)
	s.stats.Observe(out)

	for _, r := range s.recorders {
		if err := r.Record(ctx, f.Seq, res); err != nil {
			monitoring.Logf("failed to record frame %d: %v", f.Seq, err)
		}
	}
}

func logResult(res correlate.Result, frameSize int, toleranceMs float64) {
	if !res.Matched {
		monitoring.Logf("WARNING: frame at %dns - no matching trigger within %.0fms tolerance", res.DeliveryNs, toleranceMs)
		return
	}
	for _, id := range res.EvictedIDs {
		monitoring.Logf("CLEANUP: Removed old trigger id=%d (too old for future frames)", id)
	}
	if res.Evicted > 0 {
		monitoring.Logf("CLEANUP: %d triggers evicted %v", res.Evicted, res.EvictedIDs)
	}
	monitoring.Logf("SYNCED [%s]: trigger_id=%d, hw_exposure_ts=%d, delivery_ts=%d, total_latency=%.1fms, transport_delay=%.1fms, score=%.1fms, evicted=%d, frame_size=%dbytes",
		res.Class, res.TriggerID, res.HardwareNs, res.DeliveryNs, res.LatencyMs(), res.TransportDelayMs(), res.ScoreMs, res.Evicted, frameSize)
}

func payloadSize(p any) int {
	switch b := p.(type) {
	case []byte:
		return len(b)
	case *[]byte:
		if b != nil {
			return len(*b)
		}
	}
	return 0
}

// Status reports the current synchroniser state.
func (s *Synchronizer) Status() Status {
	s.mu.Lock()
	running, started := s.running, s.startedAt
	s.mu.Unlock()

	engineStats := s.engine.Stats()
	st := Status{
		Running:         running,
		StartedAt:       started,
		State:           engineStats.State,
		QueueDepth:      engineStats.QueueDepth,
		DecimationRatio: s.decimator.Ratio(),
		Engine:          engineStats,
		Counters:        s.stats.Counters(),
		Latency:         s.stats.Latency(),
	}
	if src, ok := s.source.(interface{ Stats() frames.SourceStats }); ok {
		ss := src.Stats()
		st.Source = &ss
	}
	return st
}
