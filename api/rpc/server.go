// Package rpc carries protocol messages between nodes over gRPC. Every node
// serves the single unary method TwoPhaseCommit/Deliver; Client implements
// transport.Transport on top of it.
package rpc

import (
	"context"
	"errors"
	"net"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/sushant-115/gojotxn/core/message"
	"github.com/sushant-115/gojotxn/core/transport"
)

const (
	serviceName   = "gojotxn.TwoPhaseCommit"
	deliverMethod = "/" + serviceName + "/Deliver"

	defaultQueueSize = 1024
	deliverWorkers   = 4
)

// TwoPhaseCommitServer is the server side of the Deliver method.
type TwoPhaseCommitServer interface {
	Deliver(ctx context.Context, msg *message.Message) (*Receipt, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*TwoPhaseCommitServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Deliver", Handler: deliverHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "gojotxn/rpc",
}

func deliverHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(message.Message)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TwoPhaseCommitServer).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: deliverMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(TwoPhaseCommitServer).Deliver(ctx, req.(*message.Message))
	}
	return interceptor(ctx, in, info, handler)
}

// RegisterTwoPhaseCommitServer registers srv on s.
func RegisterTwoPhaseCommitServer(s grpc.ServiceRegistrar, srv TwoPhaseCommitServer) {
	s.RegisterService(&serviceDesc, srv)
}

// Server hands every message delivered to nodeID to a transport.Handler.
// Deliver only queues the message: the handler runs on the server's own
// workers, so a call never stays open while the handler logs and sends.
type Server struct {
	nodeID  string
	handler transport.Handler
	logger  *zap.Logger
	grpc    *grpc.Server

	queue    chan message.Message
	stop     chan struct{}
	stopOnce sync.Once
	workers  sync.WaitGroup
}

func NewServer(nodeID string, handler transport.Handler, logger *zap.Logger, opts ...grpc.ServerOption) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		nodeID:  nodeID,
		handler: handler,
		logger:  logger.Named("rpc").With(zap.String("node_id", nodeID)),
		grpc:    grpc.NewServer(opts...),
		queue:   make(chan message.Message, defaultQueueSize),
		stop:    make(chan struct{}),
	}
	RegisterTwoPhaseCommitServer(s.grpc, s)
	for i := 0; i < deliverWorkers; i++ {
		s.workers.Add(1)
		go s.work()
	}
	return s
}

func (s *Server) work() {
	defer s.workers.Done()
	for {
		select {
		case <-s.stop:
			return
		case msg := <-s.queue:
			s.handler.HandleMessage(context.Background(), msg)
		}
	}
}

// Deliver queues msg for the handler and returns at once. A full queue is
// reported as ResourceExhausted; the sender's retransmission covers it.
func (s *Server) Deliver(ctx context.Context, msg *message.Message) (*Receipt, error) {
	if msg.To != s.nodeID {
		return nil, status.Errorf(codes.NotFound, "node %s does not serve %q", s.nodeID, msg.To)
	}
	select {
	case <-s.stop:
		return nil, status.Errorf(codes.Unavailable, "node %s is stopping", s.nodeID)
	default:
	}
	select {
	case s.queue <- *msg:
		return &Receipt{}, nil
	default:
		s.logger.Warn("delivery queue full, message refused", zap.Stringer("msg", *msg))
		return nil, status.Errorf(codes.ResourceExhausted, "node %s delivery queue is full", s.nodeID)
	}
}

// Serve accepts connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("gRPC server starting", zap.String("address", lis.Addr().String()))
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Stop drains in-flight calls, stops the server and then its workers.
// Messages still queued are dropped, as for a crashed process.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.grpc.GracefulStop()
		close(s.stop)
		s.workers.Wait()
		s.logger.Info("gRPC server stopped")
	})
}
