package triggerbus

import (
	"fmt"
	"strings"
)

// OverflowPolicy decides what happens when a subscriber's buffer is full.
type OverflowPolicy int

const (
	// DropOldest discards the oldest buffered trigger to make room ("safe
	// overflow"). The publisher never blocks and subscribers see the newest
	// triggers.
	DropOldest OverflowPolicy = iota
	// DropNewest discards the trigger being published.
	DropNewest
)

func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "drop_oldest"
	case DropNewest:
		return "drop_newest"
	default:
		return fmt.Sprintf("OverflowPolicy(%d)", int(p))
	}
}

// ParseOverflowPolicy accepts the names used in config files.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "drop_oldest", "safe", "safe_overflow":
		return DropOldest, nil
	case "drop_newest", "discard":
		return DropNewest, nil
	default:
		return 0, fmt.Errorf("unsupported overflow policy %q: expected drop_oldest or drop_newest", s)
	}
}

// Options configures retention and fan-out limits of a Bus.
type Options struct {
	// HistoryDepth is how many recent triggers are retained for late joiners.
	HistoryDepth int `json:"history_depth"`
	// SubscriberBuffer is the per-subscriber channel capacity.
	SubscriberBuffer int `json:"subscriber_max_buffer_size"`
	// MaxSubscribers limits concurrent subscriptions.
	MaxSubscribers int `json:"max_subscribers"`
	// MaxPublishers limits concurrent publishers.
	MaxPublishers int `json:"max_publishers"`
	// Overflow is applied when a subscriber buffer is full.
	Overflow OverflowPolicy `json:"-"`
}

// DefaultOptions mirrors the trigger service settings: history of 10,
// buffer of 20, up to 3 camera subscribers and a single trigger publisher.
func DefaultOptions() Options {
	return Options{
		HistoryDepth:     10,
		SubscriberBuffer: 20,
		MaxSubscribers:   3,
		MaxPublishers:    1,
		Overflow:         DropOldest,
	}
}

// Normalize validates the options and applies defaults for unset values.
func (o Options) Normalize() (Options, error) {
	opts := o
	def := DefaultOptions()

	if opts.HistoryDepth < 0 {
		return opts, fmt.Errorf("invalid history depth %d: must be >= 0", opts.HistoryDepth)
	}
	if opts.SubscriberBuffer == 0 {
		opts.SubscriberBuffer = def.SubscriberBuffer
	}
	if opts.SubscriberBuffer < 0 {
		return opts, fmt.Errorf("invalid subscriber buffer %d: must be > 0", opts.SubscriberBuffer)
	}
	if opts.MaxSubscribers == 0 {
		opts.MaxSubscribers = def.MaxSubscribers
	}
	if opts.MaxSubscribers < 0 {
		return opts, fmt.Errorf("invalid max subscribers %d: must be > 0", opts.MaxSubscribers)
	}
	if opts.MaxPublishers == 0 {
		opts.MaxPublishers = def.MaxPublishers
	}
	if opts.MaxPublishers < 0 {
		return opts, fmt.Errorf("invalid max publishers %d: must be > 0", opts.MaxPublishers)
	}
	if opts.Overflow != DropOldest && opts.Overflow != DropNewest {
		return opts, fmt.Errorf("unsupported overflow policy %v", opts.Overflow)
	}
	return opts, nil
}
