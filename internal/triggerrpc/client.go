package triggerrpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/banshee-data/framesync/internal/correlate"
	"github.com/banshee-data/framesync/internal/timeutil"
)

// ErrTransport marks a failure to reach the trigger service.
var ErrTransport = errors.New("trigger transport failure")

// Publisher receives triggers forwarded from the remote service.
type Publisher interface {
	Publish(t correlate.Trigger) error
}

// ClientConfig configures a Client.
type ClientConfig struct {
	// Target is a gRPC target such as "localhost:50061".
	Target string
	// Subscriber identifies this process in server logs.
	Subscriber string

	MinBackoff time.Duration
	MaxBackoff time.Duration

	Clock       timeutil.Clock
	DialOptions []grpc.DialOption
}

// ClientStats summarises client activity.
type ClientStats struct {
	Received   uint64 `json:"received"`
	Duplicates uint64 `json:"duplicates"`
	Reconnects uint64 `json:"reconnects"`
	LastID     uint64 `json:"last_id"`
}

// Client subscribes to a remote trigger service and republishes every
// trigger to a local Publisher.
//
// History replayed after a reconnect is filtered by ID so a trigger is
// forwarded at most once. Live triggers are always forwarded.
type Client struct {
	cfg  ClientConfig
	conn *grpc.ClientConn
	pub  Publisher

	lastID     atomic.Uint64
	received   atomic.Uint64
	duplicates atomic.Uint64
	reconnects atomic.Uint64

	readyOnce sync.Once
	ready     chan struct{}
}

// Dial creates a client for cfg.Target. No connection is made until Run.
func Dial(cfg ClientConfig, pub Publisher) (*Client, error) {
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = 100 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = max(5*time.Second, cfg.MinBackoff)
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}

	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, cfg.DialOptions...)
	conn, err := grpc.NewClient(cfg.Target, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrTransport, cfg.Target, err)
	}
	return &Client{cfg: cfg, conn: conn, pub: pub, ready: make(chan struct{})}, nil
}

// Ready is closed once the first history replay has completed.
func (c *Client) Ready() <-chan struct{} { return c.ready }

// Stats returns client counters.
func (c *Client) Stats() ClientStats {
	return ClientStats{
		Received:   c.received.Load(),
		Duplicates: c.duplicates.Load(),
		Reconnects: c.reconnects.Load(),
		LastID:     c.lastID.Load(),
	}
}

// Close tears down the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Run streams triggers until ctx is cancelled. Failing to open the first
// stream returns ErrTransport; later stream failures are retried with
// exponential backoff.
func (c *Client) Run(ctx context.Context) error {
	stream, err := c.open(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("%w: subscribe to %s: %v", ErrTransport, c.cfg.Target, err)
	}

	backoff := c.cfg.MinBackoff
	for {
		err := c.pump(stream)
		if ctx.Err() != nil {
			return nil
		}
		logf("trigger stream from %s lost: %v", c.cfg.Target, err)

		for {
			logf("reconnecting to %s in %s", c.cfg.Target, backoff)
			timer := c.cfg.Clock.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C():
			}

			stream, err = c.open(ctx)
			if err == nil {
				c.reconnects.Add(1)
				backoff = c.cfg.MinBackoff
				logf("reconnected to %s", c.cfg.Target)
				break
			}
			if ctx.Err() != nil {
				return nil
			}
			logf("reconnect to %s failed: %v", c.cfg.Target, err)
			backoff = min(backoff*2, c.cfg.MaxBackoff)
		}
	}
}

// open starts a stream and consumes the history replay.
func (c *Client) open(ctx context.Context) (grpc.ClientStream, error) {
	stream, err := c.conn.NewStream(ctx, &serviceDesc.Streams[0], subscribeMethod,
		grpc.CallContentSubtype(codecName))
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(&SubscribeRequest{Subscriber: c.cfg.Subscriber}); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}

	replayed := 0
	for {
		msg := new(TriggerMessage)
		if err := stream.RecvMsg(msg); err != nil {
			return nil, err
		}
		if msg.HistoryEnd {
			break
		}
		if c.forward(msg) {
			replayed++
		}
	}
	logf("subscribed to %s: replayed %d historical triggers", c.cfg.Target, replayed)
	c.readyOnce.Do(func() { close(c.ready) })
	return stream, nil
}

// pump forwards live triggers until the stream fails.
func (c *Client) pump(stream grpc.ClientStream) error {
	for {
		msg := new(TriggerMessage)
		if err := stream.RecvMsg(msg); err != nil {
			return err
		}
		if msg.HistoryEnd {
			continue
		}
		c.forward(msg)
	}
}

func (c *Client) forward(msg *TriggerMessage) bool {
	t := msg.Trigger()
	if msg.History && t.ID <= c.lastID.Load() {
		c.duplicates.Add(1)
		return false
	}
	c.received.Add(1)
	c.lastID.Store(t.ID)
	if err := c.pub.Publish(t); err != nil {
		logf("republish trigger %d failed: %v", t.ID, err)
	}
	return true
}
