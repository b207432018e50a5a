package triggerrpc

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/banshee-data/framesync/internal/correlate"
	"github.com/banshee-data/framesync/internal/monitoring"
	"github.com/banshee-data/framesync/internal/timeutil"
	"github.com/banshee-data/framesync/internal/triggerbus"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	m.Run()
}

// swappableListener lets a client reach whichever bufconn server is current.
type swappableListener struct {
	mu  sync.Mutex
	lis *bufconn.Listener
}

func (s *swappableListener) set(lis *bufconn.Listener) {
	s.mu.Lock()
	s.lis = lis
	s.mu.Unlock()
}

func (s *swappableListener) dial(ctx context.Context, _ string) (net.Conn, error) {
	s.mu.Lock()
	lis := s.lis
	s.mu.Unlock()
	return lis.DialContext(ctx)
}

func startServer(t *testing.T, bus *triggerbus.Bus) (*Server, *bufconn.Listener) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := NewServer(bus)
	go srv.ServeListener(lis)
	return srv, lis
}

func newBus(t *testing.T) (*triggerbus.Bus, *triggerbus.Publisher) {
	t.Helper()
	bus, err := triggerbus.New(triggerbus.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { bus.Close() })
	pub, err := bus.NewPublisher()
	require.NoError(t, err)
	return bus, pub
}

func receiveN(t *testing.T, sub *triggerbus.Subscription, n int) []uint64 {
	t.Helper()
	ids := make([]uint64, 0, n)
	for len(ids) < n {
		select {
		case tr := <-sub.C():
			ids = append(ids, tr.ID)
		case <-time.After(2 * time.Second):
			t.Fatalf("received %v, want %d triggers", ids, n)
		}
	}
	return ids
}

func TestMessageWireRoundTrip(t *testing.T) {
	in := &TriggerMessage{TriggerID: 42, HardwareNs: -5, PublishNs: 1700000000123456789, History: true}
	b := in.marshalWire(nil)
	// an unknown field from a newer peer must be skipped
	b = protowire.AppendTag(b, 9, protowire.BytesType)
	b = protowire.AppendString(b, "extra")

	var out TriggerMessage
	require.NoError(t, out.unmarshalWire(b))
	assert.Equal(t, *in, out)
	assert.Equal(t, correlate.Trigger{ID: 42, HardwareNs: -5, PublishNs: 1700000000123456789}, out.Trigger())

	req := &SubscribeRequest{Subscriber: "cam0", SkipHistory: true}
	var gotReq SubscribeRequest
	require.NoError(t, gotReq.unmarshalWire(req.marshalWire(nil)))
	assert.Equal(t, *req, gotReq)

	assert.Error(t, out.unmarshalWire([]byte{0x08}))
}

func TestCodecRejectsForeignTypes(t *testing.T) {
	_, err := wireCodec{}.Marshal("nope")
	assert.Error(t, err)
	assert.Error(t, wireCodec{}.Unmarshal(nil, new(int)))
	assert.Equal(t, "framesync", wireCodec{}.Name())
}

func TestClientReceivesHistoryThenLive(t *testing.T) {
	bus, pub := newBus(t)
	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, pub.Publish(correlate.Trigger{ID: i, HardwareNs: int64(i) * 1000}))
	}
	srv, lis := startServer(t, bus)
	defer srv.Stop()

	local, localPub := newBus(t)
	localSub, err := local.Subscribe()
	require.NoError(t, err)

	dialer := &swappableListener{}
	dialer.set(lis)
	client, err := Dial(ClientConfig{
		Target:      "passthrough:///bufnet",
		Subscriber:  "test",
		DialOptions: []grpc.DialOption{grpc.WithContextDialer(dialer.dial)},
	}, localPub)
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	select {
	case <-client.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("client never became ready")
	}
	assert.Equal(t, []uint64{1, 2, 3}, receiveN(t, localSub, 3))

	require.Eventually(t, func() bool { return srv.Streams() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, pub.Publish(correlate.Trigger{ID: 4, HardwareNs: 4000}))
	assert.Equal(t, []uint64{4}, receiveN(t, localSub, 1))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("client did not stop")
	}
	assert.Equal(t, ClientStats{Received: 4, LastID: 4}, client.Stats())
}

func TestClientConnectFailureIsFatal(t *testing.T) {
	lis := bufconn.Listen(1 << 10)
	require.NoError(t, lis.Close())

	dialer := &swappableListener{}
	dialer.set(lis)
	_, localPub := newBus(t)
	client, err := Dial(ClientConfig{
		Target:      "passthrough:///bufnet",
		DialOptions: []grpc.DialOption{grpc.WithContextDialer(dialer.dial)},
	}, localPub)
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = client.Run(ctx)
	assert.ErrorIs(t, err, ErrTransport)
}

func TestClientReconnectsAndDedupesHistory(t *testing.T) {
	bus, pub := newBus(t)
	for i := uint64(1); i <= 2; i++ {
		require.NoError(t, pub.Publish(correlate.Trigger{ID: i}))
	}
	srvA, lisA := startServer(t, bus)

	local, localPub := newBus(t)
	localSub, err := local.Subscribe()
	require.NoError(t, err)

	clock := timeutil.NewMockClock(time.Unix(0, 0))
	dialer := &swappableListener{}
	dialer.set(lisA)
	client, err := Dial(ClientConfig{
		Target:      "passthrough:///bufnet",
		MinBackoff:  100 * time.Millisecond,
		MaxBackoff:  time.Second,
		Clock:       clock,
		DialOptions: []grpc.DialOption{grpc.WithContextDialer(dialer.dial)},
	}, localPub)
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	select {
	case <-client.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("client never became ready")
	}
	require.Eventually(t, func() bool { return srvA.Streams() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, pub.Publish(correlate.Trigger{ID: 3}))
	assert.Equal(t, []uint64{1, 2, 3}, receiveN(t, localSub, 3))

	// Drop the server; the client parks on its backoff timer.
	srvA.Stop()
	require.Eventually(t, func() bool { return clock.PendingTimers() == 1 }, 2*time.Second, time.Millisecond)

	srvB, lisB := startServer(t, bus)
	defer srvB.Stop()
	dialer.set(lisB)

	// Keep firing backoff timers until the client is back on the new server.
	require.Eventually(t, func() bool {
		clock.Advance(time.Second)
		return srvB.Streams() == 1
	}, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, pub.Publish(correlate.Trigger{ID: 4}))
	assert.Equal(t, []uint64{4}, receiveN(t, localSub, 1))

	stats := client.Stats()
	assert.Equal(t, uint64(1), stats.Reconnects)
	assert.Equal(t, uint64(3), stats.Duplicates)
	assert.Equal(t, uint64(4), stats.Received)

	cancel()
	assert.NoError(t, <-done)
}

func TestServerSkipHistory(t *testing.T) {
	bus, pub := newBus(t)
	require.NoError(t, pub.Publish(correlate.Trigger{ID: 1}))
	srv, lis := startServer(t, bus)
	defer srv.Stop()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	stream, err := conn.NewStream(ctx, &serviceDesc.Streams[0], subscribeMethod, grpc.CallContentSubtype(codecName))
	require.NoError(t, err)
	require.NoError(t, stream.SendMsg(&SubscribeRequest{Subscriber: "raw", SkipHistory: true}))
	require.NoError(t, stream.CloseSend())

	var msg TriggerMessage
	require.NoError(t, stream.RecvMsg(&msg))
	assert.True(t, msg.HistoryEnd)
}
