package frames

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/framesync/internal/correlate"
	"github.com/banshee-data/framesync/internal/monitoring"
	"github.com/banshee-data/framesync/internal/timeutil"
)

var logf = monitoring.Tagged("camera")

// TriggerFeed is the camera's view of the trigger transport.
// *triggerbus.Subscription satisfies it.
type TriggerFeed interface {
	C() <-chan correlate.Trigger
}

// CameraConfig configures a SimulatedCamera.
type CameraConfig struct {
	// Delay between exposure and delivery.
	Delay time.Duration
	// Jitter adds a uniform random [0, Jitter] to each delivery.
	Jitter time.Duration
	// FrameBytes is the payload size of each frame.
	FrameBytes int
	// Seed makes jitter reproducible.
	Seed  uint64
	Clock timeutil.Clock
}

// SimulatedCamera produces one frame per trigger, delivered Delay after the
// trigger's hardware timestamp. Payloads are pooled byte slices.
type SimulatedCamera struct {
	cfg   CameraConfig
	feed  TriggerFeed
	clock timeutil.Clock

	rngMu sync.Mutex
	rng   *rand.Rand

	pool sync.Pool

	mu          sync.Mutex
	seq         uint64
	outstanding map[uint64]struct{}

	acquired       atomic.Uint64
	released       atomic.Uint64
	doubleReleases atomic.Uint64

	closed    chan struct{}
	closeOnce sync.Once
}

// NewSimulatedCamera creates a camera fed by feed.
func NewSimulatedCamera(feed TriggerFeed, cfg CameraConfig) (*SimulatedCamera, error) {
	if feed == nil {
		return nil, fmt.Errorf("%w: nil trigger feed", ErrAcquisition)
	}
	if cfg.Delay < 0 || cfg.Jitter < 0 {
		return nil, fmt.Errorf("%w: delay and jitter must be non-negative", ErrAcquisition)
	}
	if cfg.FrameBytes < 0 {
		return nil, fmt.Errorf("%w: frame size must be non-negative", ErrAcquisition)
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	c := &SimulatedCamera{
		cfg:         cfg,
		feed:        feed,
		clock:       cfg.Clock,
		rng:         rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
		outstanding: make(map[uint64]struct{}),
		closed:      make(chan struct{}),
	}
	size := cfg.FrameBytes
	c.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return c, nil
}

func (c *SimulatedCamera) jitter() time.Duration {
	if c.cfg.Jitter <= 0 {
		return 0
	}
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	return time.Duration(c.rng.Int64N(int64(c.cfg.Jitter) + 1))
}

// Acquire blocks until the next frame is delivered. Cancelling ctx returns
// ctx.Err(); a closed camera or trigger feed returns ErrAcquisition.
func (c *SimulatedCamera) Acquire(ctx context.Context) (correlate.Frame, error) {
	select {
	case <-c.closed:
		return correlate.Frame{}, fmt.Errorf("%w: camera closed", ErrAcquisition)
	default:
	}

	var trig correlate.Trigger
	select {
	case <-ctx.Done():
		return correlate.Frame{}, ctx.Err()
	case <-c.closed:
		return correlate.Frame{}, fmt.Errorf("%w: camera closed", ErrAcquisition)
	case t, ok := <-c.feed.C():
		if !ok {
			return correlate.Frame{}, fmt.Errorf("%w: trigger feed closed", ErrAcquisition)
		}
		trig = t
	}

	deliverNs := trig.HardwareNs + int64(c.cfg.Delay+c.jitter())
	if wait := time.Duration(deliverNs - timeutil.UnixNano(c.clock)); wait > 0 {
		timer := c.clock.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return correlate.Frame{}, ctx.Err()
		case <-c.closed:
			timer.Stop()
			return correlate.Frame{}, fmt.Errorf("%w: camera closed", ErrAcquisition)
		case <-timer.C():
		}
	}

	buf := c.pool.Get().(*[]byte)

	c.mu.Lock()
	c.seq++
	seq := c.seq
	c.outstanding[seq] = struct{}{}
	c.mu.Unlock()
	c.acquired.Add(1)

	return correlate.Frame{Seq: seq, DeliveryNs: deliverNs, Payload: buf}, nil
}

// Release returns a frame's buffer to the pool. Releasing a frame twice is
// logged and counted but otherwise ignored.
func (c *SimulatedCamera) Release(f correlate.Frame) {
	c.mu.Lock()
	_, ok := c.outstanding[f.Seq]
	delete(c.outstanding, f.Seq)
	c.mu.Unlock()

	if !ok {
		c.doubleReleases.Add(1)
		logf("WARNING: release of unknown or already released frame seq=%d", f.Seq)
		return
	}
	c.released.Add(1)
	if buf, ok := f.Payload.(*[]byte); ok && buf != nil {
		c.pool.Put(buf)
	}
}

// Close stops the camera. Pending and future Acquire calls fail.
func (c *SimulatedCamera) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// Stats reports buffer accounting.
func (c *SimulatedCamera) Stats() SourceStats {
	c.mu.Lock()
	outstanding := len(c.outstanding)
	c.mu.Unlock()
	return SourceStats{
		Acquired:       c.acquired.Load(),
		Released:       c.released.Load(),
		Outstanding:    outstanding,
		DoubleReleases: c.doubleReleases.Load(),
	}
}
