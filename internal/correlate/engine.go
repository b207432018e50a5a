package correlate

import (
	"sync/atomic"

	"github.com/banshee-data/framesync/internal/monitoring"
)

// BacklogSource supplies the triggers a transport retained before this
// consumer joined. DrainHistory must not block.
type BacklogSource interface {
	DrainHistory() []Trigger
}

// Stats is a point-in-time view of the engine counters.
type Stats struct {
	Ingested      uint64 `json:"ingested"`
	Backlog       uint64 `json:"backlog"`
	Frames        uint64 `json:"frames"`
	MatchedPast   uint64 `json:"matched_past"`
	MatchedFuture uint64 `json:"matched_future"`
	Unmatched     uint64 `json:"unmatched"`
	Evicted       uint64 `json:"evicted"`
	Overflowed    uint64 `json:"overflowed"`
	QueueDepth    int    `json:"queue_depth"`
	LastMatchID   uint64 `json:"last_match_id"`
	State         string `json:"state"`
}

// Engine owns the pending trigger queue and correlates frames against it.
// Ingest and Correlate may be called from different goroutines.
type Engine struct {
	cfg   Config
	queue *Queue

	state atomic.Int32

	ingested      atomic.Uint64
	backlog       atomic.Uint64
	frames        atomic.Uint64
	matchedPast   atomic.Uint64
	matchedFuture atomic.Uint64
	unmatched     atomic.Uint64
	evicted       atomic.Uint64
	overflowed    atomic.Uint64
	lastMatchID   atomic.Uint64
}

// NewEngine validates cfg and returns an engine with an empty queue.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	capacity := cfg.MaxPending
	if capacity == 0 {
		capacity = DefaultMaxPending
	}
	return &Engine{
		cfg:   cfg,
		queue: NewQueue(capacity + 1),
	}, nil
}

// Config returns the engine's validated configuration.
func (e *Engine) Config() Config { return e.cfg }

// Queue exposes the pending queue for inspection.
func (e *Engine) Queue() *Queue { return e.queue }

// State returns the current per-frame state.
func (e *Engine) State() State { return State(e.state.Load()) }

func (e *Engine) setState(s State) { e.state.Store(int32(s)) }

// Ingest appends t to the tail of the queue.
func (e *Engine) Ingest(t Trigger) {
	e.queue.mu.Lock()
	dropped := e.queue.push(t, e.cfg.MaxPending)
	e.queue.mu.Unlock()

	e.ingested.Add(1)
	if len(dropped) > 0 {
		e.overflowed.Add(uint64(len(dropped)))
		for _, d := range dropped {
			monitoring.Logf("WARNING: dropped old trigger id=%d (frames too slow, %d pending)", d.ID, e.cfg.MaxPending)
		}
	}
}

// DrainBacklog pulls whatever history src currently holds and appends it in
// order. It returns immediately, possibly with nothing.
func (e *Engine) DrainBacklog(src BacklogSource) []Trigger {
	history := src.DrainHistory()
	for _, t := range history {
		e.Ingest(t)
	}
	e.backlog.Add(uint64(len(history)))
	return history
}

// Correlate scores every queued trigger against f, selects the best eligible
// one and evicts everything older than it. A frame with no eligible trigger
// yields a ClassNone result and leaves the queue untouched.
func (e *Engine) Correlate(f Frame) Result {
	e.setState(StateScoring)
	e.frames.Add(1)

	res := Result{DeliveryNs: f.DeliveryNs, Class: ClassNone}

	e.queue.mu.Lock()
	idx, score, diff := e.best(f.DeliveryNs)
	if idx < 0 {
		e.queue.mu.Unlock()
		e.setState(StateUnmatched)
		e.unmatched.Add(1)
		e.setState(StateAwaitingFrame)
		return res
	}

	t := e.queue.entries[idx]
	e.setState(StateMatched)
	res.Matched = true
	res.TriggerID = t.ID
	res.HardwareNs = t.HardwareNs
	res.PublishNs = t.PublishNs
	res.ScoreMs = score
	res.DiffMs = diff
	res.Class = ClassPast
	if t.HardwareNs >= f.DeliveryNs {
		res.Class = ClassFuture
	}

	e.setState(StateCleanup)
	removed := e.queue.popFront(idx)
	if e.cfg.EvictMatched {
		e.queue.removeAt(0)
	}
	e.queue.mu.Unlock()

	res.Evicted = len(removed)
	if len(removed) > 0 {
		res.EvictedIDs = make([]uint64, len(removed))
		for i, r := range removed {
			res.EvictedIDs[i] = r.ID
		}
	}

	if res.Class == ClassPast {
		e.matchedPast.Add(1)
	} else {
		e.matchedFuture.Add(1)
	}
	e.evicted.Add(uint64(res.Evicted))
	e.lastMatchID.Store(t.ID)
	e.setState(StateAwaitingFrame)
	return res
}

// best returns the index, score and distance of the winning candidate, or
// -1 when nothing is inside the tolerance window. Callers must hold the
// queue lock. Candidates are visited in ID order and only a strictly lower
// score replaces the current best, so ties resolve to the earlier trigger.
func (e *Engine) best(deliveryNs int64) (int, float64, float64) {
	bestIdx := -1
	var bestScore, bestDiff float64
	for i, t := range e.queue.entries {
		diffMs := float64(distanceNs(deliveryNs, t.HardwareNs)) / 1e6
		if diffMs >= e.cfg.ToleranceMs {
			continue
		}
		score := diffMs
		if t.HardwareNs >= deliveryNs {
			score = diffMs * e.cfg.FuturePenalty
		}
		if bestIdx < 0 || score < bestScore {
			bestIdx, bestScore, bestDiff = i, score, diffMs
		}
	}
	return bestIdx, bestScore, bestDiff
}

// distanceNs is |a-b|. The unsigned subtraction cannot overflow for any
// pair of int64 timestamps.
func distanceNs(a, b int64) uint64 {
	if a >= b {
		return uint64(a) - uint64(b)
	}
	return uint64(b) - uint64(a)
}

// Stats returns the current counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Ingested:      e.ingested.Load(),
		Backlog:       e.backlog.Load(),
		Frames:        e.frames.Load(),
		MatchedPast:   e.matchedPast.Load(),
		MatchedFuture: e.matchedFuture.Load(),
		Unmatched:     e.unmatched.Load(),
		Evicted:       e.evicted.Load(),
		Overflowed:    e.overflowed.Load(),
		QueueDepth:    e.queue.Len(),
		LastMatchID:   e.lastMatchID.Load(),
		State:         e.State().String(),
	}
}
