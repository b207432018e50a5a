// Package triggerbus is the in-process publish/subscribe transport for
// trigger events. A Bus retains a short history for late-joining
// subscribers, fans every published trigger out to per-subscriber buffered
// channels and never blocks the publisher.
package triggerbus

import (
	crand "crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/banshee-data/framesync/internal/correlate"
	"github.com/banshee-data/framesync/internal/monitoring"
)

var (
	ErrBusClosed          = errors.New("trigger bus closed")
	ErrTooManySubscribers = errors.New("trigger bus subscriber limit reached")
	ErrTooManyPublishers  = errors.New("trigger bus publisher limit reached")
)

var logf = monitoring.Tagged("triggerbus")

// Bus fans trigger events out to subscribers.
type Bus struct {
	opts Options

	mu          sync.Mutex
	history     []correlate.Trigger
	subscribers map[string]*Subscription
	publishers  int
	closed      bool

	published atomic.Uint64
}

// Stats summarises bus activity.
type Stats struct {
	Published   uint64            `json:"published"`
	HistoryLen  int               `json:"history_len"`
	Publishers  int               `json:"publishers"`
	Subscribers []SubscriberStats `json:"subscribers"`
}

// SubscriberStats summarises one subscription.
type SubscriberStats struct {
	ID        string `json:"id"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
	Buffered  int    `json:"buffered"`
}

// New creates a Bus after normalising opts.
func New(opts Options) (*Bus, error) {
	normalized, err := opts.Normalize()
	if err != nil {
		return nil, err
	}
	return &Bus{
		opts:        normalized,
		history:     make([]correlate.Trigger, 0, normalized.HistoryDepth),
		subscribers: make(map[string]*Subscription),
	}, nil
}

// Options returns the normalised options the bus was built with.
func (b *Bus) Options() Options { return b.opts }

// randomID generates a random subscriber ID (8 byte random hex encoded value)
func randomID() string {
	buf := make([]byte, 8)
	_, _ = crand.Read(buf)
	return hex.EncodeToString(buf)
}

// Subscribe registers a new subscriber. The retained history at the moment
// of subscribing is available once through DrainHistory; everything
// published afterwards arrives on the subscription channel.
func (b *Bus) Subscribe() (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}
	if len(b.subscribers) >= b.opts.MaxSubscribers {
		return nil, ErrTooManySubscribers
	}

	s := &Subscription{
		id:      randomID(),
		bus:     b,
		ch:      make(chan correlate.Trigger, b.opts.SubscriberBuffer),
		backlog: append([]correlate.Trigger(nil), b.history...),
	}
	b.subscribers[s.id] = s
	logf("subscriber %s joined with %d retained triggers", s.id, len(s.backlog))
	return s, nil
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.subscribers[id]; ok {
		close(s.ch)
		delete(b.subscribers, id)
		logf("subscriber %s left (delivered=%d dropped=%d)", id, s.delivered.Load(), s.dropped.Load())
	}
}

// NewPublisher claims one of the bus's publisher slots.
func (b *Bus) NewPublisher() (*Publisher, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	if b.publishers >= b.opts.MaxPublishers {
		return nil, ErrTooManyPublishers
	}
	b.publishers++
	return &Publisher{bus: b}, nil
}

func (b *Bus) releasePublisher() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishers > 0 {
		b.publishers--
	}
}

func (b *Bus) publish(t correlate.Trigger) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}

	if b.opts.HistoryDepth > 0 {
		if len(b.history) == b.opts.HistoryDepth {
			copy(b.history, b.history[1:])
			b.history = b.history[:len(b.history)-1]
		}
		b.history = append(b.history, t)
	}
	b.published.Add(1)

	for _, s := range b.subscribers {
		s.deliver(t, b.opts.Overflow)
	}
	return nil
}

// History returns a copy of the retained triggers, oldest first.
func (b *Bus) History() []correlate.Trigger {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]correlate.Trigger(nil), b.history...)
}

// Stats returns current bus counters.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := Stats{
		Published:   b.published.Load(),
		HistoryLen:  len(b.history),
		Publishers:  b.publishers,
		Subscribers: make([]SubscriberStats, 0, len(b.subscribers)),
	}
	for _, s := range b.subscribers {
		st.Subscribers = append(st.Subscribers, s.Stats())
	}
	return st
}

// Close closes every subscriber channel and rejects further use.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, s := range b.subscribers {
		close(s.ch)
		delete(b.subscribers, id)
	}
	return nil
}

// Publisher publishes triggers onto a Bus.
type Publisher struct {
	bus    *Bus
	closed atomic.Bool
}

// Publish delivers t to every subscriber without blocking.
func (p *Publisher) Publish(t correlate.Trigger) error {
	if p.closed.Load() {
		return ErrBusClosed
	}
	return p.bus.publish(t)
}

// Close releases the publisher slot.
func (p *Publisher) Close() error {
	if p.closed.CompareAndSwap(false, true) {
		p.bus.releasePublisher()
	}
	return nil
}

// Subscription is one consumer's view of the bus.
type Subscription struct {
	id  string
	bus *Bus
	ch  chan correlate.Trigger

	mu      sync.Mutex
	backlog []correlate.Trigger

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// ID returns the subscriber id.
func (s *Subscription) ID() string { return s.id }

// C returns the live trigger channel. It is closed on Unsubscribe or when
// the bus closes.
func (s *Subscription) C() <-chan correlate.Trigger { return s.ch }

// Receive returns the next buffered trigger without blocking.
func (s *Subscription) Receive() (correlate.Trigger, bool) {
	select {
	case t, ok := <-s.ch:
		return t, ok
	default:
		return correlate.Trigger{}, false
	}
}

// DrainHistory hands over the triggers retained before this subscriber
// joined. It never blocks and returns them only once.
func (s *Subscription) DrainHistory() []correlate.Trigger {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.backlog
	s.backlog = nil
	return out
}

// Close unsubscribes from the bus.
func (s *Subscription) Close() error {
	s.bus.Unsubscribe(s.id)
	return nil
}

// Stats returns the subscriber counters.
func (s *Subscription) Stats() SubscriberStats {
	return SubscriberStats{
		ID:        s.id,
		Delivered: s.delivered.Load(),
		Dropped:   s.dropped.Load(),
		Buffered:  len(s.ch),
	}
}

// deliver is called with the bus lock held, which makes the bus the only
// sender on s.ch.
func (s *Subscription) deliver(t correlate.Trigger, policy OverflowPolicy) {
	select {
	case s.ch <- t:
		s.delivered.Add(1)
		return
	default:
	}

	if policy == DropNewest {
		s.dropped.Add(1)
		return
	}

	// make room by discarding the oldest buffered trigger
	select {
	case <-s.ch:
		s.dropped.Add(1)
	default:
	}
	select {
	case s.ch <- t:
		s.delivered.Add(1)
	default:
		s.dropped.Add(1)
	}
}
