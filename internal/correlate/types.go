package correlate

import "fmt"

// Trigger is a hardware trigger event. ID is assigned by the producer and is
// strictly increasing across the process lifetime.
type Trigger struct {
	ID         uint64 `json:"trigger_id"`
	HardwareNs int64  `json:"hardware_timestamp_ns"`
	PublishNs  int64  `json:"publish_timestamp_ns"`
}

func (t Trigger) String() string {
	return fmt.Sprintf("trigger(id=%d hw=%d)", t.ID, t.HardwareNs)
}

// Frame is a frame-delivery event. Payload is an opaque handle owned by the
// frame source and must be handed back through the source's Release.
type Frame struct {
	Seq        uint64
	DeliveryNs int64
	Payload    any
}

// Class classifies a matched trigger relative to the frame delivery time.
type Class int

const (
	ClassNone Class = iota
	ClassPast
	ClassFuture
)

func (c Class) String() string {
	switch c {
	case ClassPast:
		return "PAST"
	case ClassFuture:
		return "FUTURE"
	default:
		return "NONE"
	}
}

// MarshalText lets Class render as its name in JSON payloads.
func (c Class) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText accepts the names produced by MarshalText.
func (c *Class) UnmarshalText(b []byte) error {
	switch string(b) {
	case "PAST":
		*c = ClassPast
	case "FUTURE":
		*c = ClassFuture
	case "NONE", "":
		*c = ClassNone
	default:
		return fmt.Errorf("unknown classification %q", b)
	}
	return nil
}

// Result is the outcome of one correlation attempt.
type Result struct {
	Matched    bool     `json:"matched"`
	TriggerID  uint64   `json:"trigger_id,omitempty"`
	HardwareNs int64    `json:"hardware_timestamp_ns,omitempty"`
	PublishNs  int64    `json:"publish_timestamp_ns,omitempty"`
	DeliveryNs int64    `json:"delivery_timestamp_ns"`
	Class      Class    `json:"classification"`
	ScoreMs    float64  `json:"score_ms"`
	DiffMs     float64  `json:"diff_ms"`
	Evicted    int      `json:"evicted_count"`
	EvictedIDs []uint64 `json:"evicted_ids,omitempty"`
}

// LatencyMs is the signed time from exposure to delivery. It is negative for
// FUTURE matches and zero when nothing matched.
func (r Result) LatencyMs() float64 {
	if !r.Matched {
		return 0
	}
	return float64(r.DeliveryNs-r.HardwareNs) / 1e6
}

// TransportDelayMs is the time from trigger publication to frame delivery.
func (r Result) TransportDelayMs() float64 {
	if !r.Matched || r.PublishNs == 0 {
		return 0
	}
	return (float64(r.DeliveryNs) - float64(r.PublishNs)) / 1e6
}

// State is the per-frame correlation state.
type State int

const (
	StateAwaitingFrame State = iota
	StateScoring
	StateMatched
	StateCleanup
	StateUnmatched
)

func (s State) String() string {
	switch s {
	case StateAwaitingFrame:
		return "AWAITING_FRAME"
	case StateScoring:
		return "SCORING"
	case StateMatched:
		return "MATCHED"
	case StateCleanup:
		return "CLEANUP"
	case StateUnmatched:
		return "UNMATCHED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}
