// Package producer turns hardware trigger pulses into published triggers.
//
// The Producer is the only place trigger IDs are allocated. IDs start at 1
// and increase by one per pulse for the life of the process.
package producer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/banshee-data/framesync/internal/correlate"
	"github.com/banshee-data/framesync/internal/monitoring"
	"github.com/banshee-data/framesync/internal/timeutil"
)

var logf = monitoring.Tagged("producer")

// Publisher accepts triggers for delivery to subscribers.
type Publisher interface {
	Publish(t correlate.Trigger) error
}

// PulseSource reports hardware pulses by calling emit with the capture
// timestamp in Unix nanoseconds. Run blocks until ctx is done or the source
// fails.
type PulseSource interface {
	Run(ctx context.Context, emit func(hwNs int64) error) error
}

// Producer stamps pulses with IDs and publish times.
type Producer struct {
	pub   Publisher
	clock timeutil.Clock

	lastID    atomic.Uint64
	published atomic.Uint64
	failed    atomic.Uint64

	// Verbose logs every published trigger.
	Verbose bool
}

// New creates a Producer publishing through pub.
func New(pub Publisher, clock timeutil.Clock) *Producer {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Producer{pub: pub, clock: clock}
}

// Pulse allocates the next ID and publishes a trigger captured at hwNs.
// The ID is consumed even when publishing fails so IDs never repeat.
func (p *Producer) Pulse(hwNs int64) (correlate.Trigger, error) {
	t := correlate.Trigger{
		ID:         p.lastID.Add(1),
		HardwareNs: hwNs,
		PublishNs:  timeutil.UnixNano(p.clock),
	}
	if err := p.pub.Publish(t); err != nil {
		p.failed.Add(1)
		return t, fmt.Errorf("publish trigger %d: %w", t.ID, err)
	}
	p.published.Add(1)
	if p.Verbose {
		logf("Published trigger: id=%d, hw_ts=%d, ipc_latency=%dns", t.ID, t.HardwareNs, t.PublishNs-t.HardwareNs)
	}
	return t, nil
}

// Run drives src until ctx is cancelled. A clean cancellation returns nil.
func (p *Producer) Run(ctx context.Context, src PulseSource) error {
	err := src.Run(ctx, func(hwNs int64) error {
		_, err := p.Pulse(hwNs)
		return err
	})
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// LastID returns the most recently allocated trigger ID, 0 before the first
// pulse.
func (p *Producer) LastID() uint64 { return p.lastID.Load() }

// Published returns the number of triggers successfully published.
func (p *Producer) Published() uint64 { return p.published.Load() }

// Failed returns the number of publish failures.
func (p *Producer) Failed() uint64 { return p.failed.Load() }
