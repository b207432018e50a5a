// Package triggerrpc carries triggers between processes over gRPC.
//
// The service has a single server-streaming method. A subscriber first
// receives the bus history (each message flagged History), then one message
// with HistoryEnd set, then live triggers in publish order.
package triggerrpc

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/banshee-data/framesync/internal/monitoring"
	"github.com/banshee-data/framesync/internal/triggerbus"
)

var logf = monitoring.Tagged("grpc")

const (
	serviceName     = "framesync.v1.TriggerService"
	subscribeMethod = "/" + serviceName + "/Subscribe"
)

// TriggerServiceServer is implemented by Server.
type TriggerServiceServer interface {
	Subscribe(req *SubscribeRequest, stream grpc.ServerStream) error
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	req := new(SubscribeRequest)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(TriggerServiceServer).Subscribe(req, stream)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*TriggerServiceServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Subscribe",
			Handler:       subscribeHandler,
			ServerStreams: true,
		},
	},
	Metadata: "framesync/v1/trigger.proto",
}

// Server streams a trigger bus to remote subscribers.
type Server struct {
	bus     *triggerbus.Bus
	streams atomic.Int64

	mu   sync.Mutex
	grpc *grpc.Server
}

// NewServer creates a Server for bus.
func NewServer(bus *triggerbus.Bus) *Server {
	return &Server{bus: bus}
}

// Register adds the trigger service to gs.
func (s *Server) Register(gs *grpc.Server) {
	gs.RegisterService(&serviceDesc, s)
}

// Serve listens on addr and serves until Stop is called.
func (s *Server) Serve(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: listen on %s: %v", ErrTransport, addr, err)
	}
	return s.ServeListener(lis)
}

// ServeListener serves on an existing listener until Stop is called.
func (s *Server) ServeListener(lis net.Listener) error {
	gs := grpc.NewServer()
	s.Register(gs)

	s.mu.Lock()
	s.grpc = gs
	s.mu.Unlock()

	logf("trigger service listening on %s", lis.Addr())
	if err := gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return nil
}

// Stop closes the listener and ends all streams.
func (s *Server) Stop() {
	s.mu.Lock()
	gs := s.grpc
	s.mu.Unlock()
	if gs != nil {
		gs.Stop()
		logf("trigger service stopped")
	}
}

// Streams returns the number of open subscriber streams.
func (s *Server) Streams() int64 { return s.streams.Load() }

func (s *Server) Subscribe(req *SubscribeRequest, stream grpc.ServerStream) error {
	sub, err := s.bus.Subscribe()
	if err != nil {
		if errors.Is(err, triggerbus.ErrTooManySubscribers) {
			return status.Error(codes.ResourceExhausted, err.Error())
		}
		return status.Error(codes.Unavailable, err.Error())
	}
	defer sub.Close()

	s.streams.Add(1)
	defer s.streams.Add(-1)
	logf("subscriber connected: name=%q id=%s skip_history=%v", req.Subscriber, sub.ID(), req.SkipHistory)

	history := sub.DrainHistory()
	if !req.SkipHistory {
		for _, t := range history {
			if err := stream.SendMsg(NewTriggerMessage(t, true)); err != nil {
				return err
			}
		}
	}
	if err := stream.SendMsg(&TriggerMessage{HistoryEnd: true}); err != nil {
		return err
	}

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			logf("subscriber disconnected: name=%q id=%s", req.Subscriber, sub.ID())
			return nil
		case t, ok := <-sub.C():
			if !ok {
				return status.Error(codes.Unavailable, "trigger bus closed")
			}
			if err := stream.SendMsg(NewTriggerMessage(t, false)); err != nil {
				logf("send error to %s: %v", sub.ID(), err)
				return err
			}
		}
	}
}
