package rpc

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/sushant-115/gojotxn/core/coordinator"
	"github.com/sushant-115/gojotxn/core/message"
	"github.com/sushant-115/gojotxn/core/participant"
	"github.com/sushant-115/gojotxn/core/transaction"
	"github.com/sushant-115/gojotxn/core/transport"
	"github.com/sushant-115/gojotxn/core/write_engine/wal"
	internaltelemetry "github.com/sushant-115/gojotxn/internal/telemetry"
	"github.com/sushant-115/gojotxn/pkg/connection"
)

type inbox struct {
	mu   sync.Mutex
	msgs []message.Message
}

func (in *inbox) HandleMessage(_ context.Context, msg message.Message) {
	in.mu.Lock()
	in.msgs = append(in.msgs, msg)
	in.mu.Unlock()
}

func (in *inbox) received() []message.Message {
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]message.Message(nil), in.msgs...)
}

func serve(t *testing.T, id string, h transport.Handler, opts ...grpc.ServerOption) (*Server, string) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := NewServer(id, h, zap.NewNop(), opts...)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)
	return srv, lis.Addr().String()
}

func TestDeliver_RoundTrip(t *testing.T) {
	metrics, err := internaltelemetry.NewRPCMetrics(noop.NewMeterProvider().Meter(""))
	require.NoError(t, err)
	in := &inbox{}
	_, addr := serve(t, "A", in, grpc.ChainUnaryInterceptor(metrics.UnaryServerInterceptor()))

	pool := connection.NewPoolManager()
	defer pool.Close()
	client := NewClient(map[string]string{"A": addr}, pool, zap.NewNop())

	sent := message.Prepare("coordinator", "A", transaction.Record{Key: "k", Value: -9, TxnID: 42})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.Send(ctx, sent))

	require.Eventually(t, func() bool { return len(in.received()) == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, sent, in.received()[0])
}

// blocked holds every message in HandleMessage until release is closed.
type blocked struct {
	started chan message.Message
	release chan struct{}
}

func (b *blocked) HandleMessage(_ context.Context, msg message.Message) {
	b.started <- msg
	<-b.release
}

func TestDeliver_ReturnsBeforeHandlerFinishes(t *testing.T) {
	h := &blocked{started: make(chan message.Message, 1), release: make(chan struct{})}
	_, addr := serve(t, "A", h)
	t.Cleanup(func() { close(h.release) })

	pool := connection.NewPoolManager()
	defer pool.Close()
	client := NewClient(map[string]string{"A": addr}, pool, zap.NewNop())

	sent := message.Prepare("coordinator", "A", transaction.Record{Key: "k", Value: 1, TxnID: 7})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, client.Send(ctx, sent))

	select {
	case got := <-h.started:
		assert.Equal(t, sent, got)
	case <-time.After(5 * time.Second):
		t.Fatal("message never reached the handler")
	}
}

func TestDeliver_FullQueueIsRefused(t *testing.T) {
	h := &blocked{started: make(chan message.Message, defaultQueueSize+deliverWorkers), release: make(chan struct{})}
	srv := NewServer("A", h, zap.NewNop())
	t.Cleanup(srv.Stop)
	t.Cleanup(func() { close(h.release) })

	accepted := 0
	var err error
	for i := 0; i < 2*defaultQueueSize; i++ {
		msg := message.Ack("coordinator", "A", uint64(i+1))
		if _, err = srv.Deliver(context.Background(), &msg); err != nil {
			break
		}
		accepted++
	}
	require.Error(t, err)
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))
	assert.GreaterOrEqual(t, accepted, defaultQueueSize)
	assert.LessOrEqual(t, accepted, defaultQueueSize+deliverWorkers)
}

func TestSend_Failures(t *testing.T) {
	in := &inbox{}
	srv, addr := serve(t, "A", in)

	pool := connection.NewPoolManager()
	defer pool.Close()
	client := NewClient(map[string]string{"A": addr, "B": addr}, pool, zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := client.Send(ctx, message.Ack("coordinator", "nobody", 1))
	assert.ErrorIs(t, err, transaction.ErrParticipantUnreachable)

	// The server at B's address is node A.
	err = client.Send(ctx, message.Ack("coordinator", "B", 1))
	require.Error(t, err)
	assert.NotErrorIs(t, err, transaction.ErrParticipantUnreachable)

	srv.Stop()
	err = client.Send(ctx, message.Ack("coordinator", "A", 1))
	assert.ErrorIs(t, err, transaction.ErrParticipantUnreachable)
	assert.Empty(t, in.received())
}

// TestTwoPhaseCommitOverGRPC runs a coordinator and two participants, each
// with its own server and client, and commits one transaction.
func TestTwoPhaseCommitOverGRPC(t *testing.T) {
	ids := []string{"coordinator", "A", "B"}
	listeners := map[string]net.Listener{}
	book := map[string]string{}
	for _, id := range ids {
		lis, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		listeners[id] = lis
		book[id] = lis.Addr().String()
	}

	pool := connection.NewPoolManager()
	defer pool.Close()
	newClient := func() *Client { return NewClient(book, pool, zap.NewNop()) }

	ccfg := coordinator.DefaultConfig()
	ccfg.Participants = []string{"A", "B"}
	ccfg.RetryInitial = 50 * time.Millisecond
	ccfg.RetryMax = 200 * time.Millisecond
	coord, err := coordinator.New(ccfg, wal.NewMemoryLog(), newClient(), zap.NewNop())
	require.NoError(t, err)
	defer coord.Close()
	_, err = coord.Recover(context.Background())
	require.NoError(t, err)

	parts := map[string]*participant.Participant{}
	for _, id := range []string{"A", "B"} {
		pcfg := participant.DefaultConfig()
		pcfg.ID = id
		p, err := participant.New(pcfg, wal.NewMemoryLog(), newClient(), zap.NewNop())
		require.NoError(t, err)
		defer p.Close()
		parts[id] = p
	}

	handlers := map[string]transport.Handler{"coordinator": coord, "A": parts["A"], "B": parts["B"]}
	for _, id := range ids {
		srv := NewServer(id, handlers[id], zap.NewNop())
		go func(lis net.Listener) { _ = srv.Serve(lis) }(listeners[id])
		defer srv.Stop()
	}

	h, err := coord.Begin(context.Background(), transaction.Record{Key: "x", Value: 11, TxnID: 42})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := h.Wait(ctx)
	require.NoError(t, err)
	assert.True(t, out.Committed())

	select {
	case <-h.Done():
	case <-ctx.Done():
		t.Fatal("participants never acknowledged")
	}
	for id, p := range parts {
		got, ok := p.Read("x")
		require.True(t, ok, id)
		assert.Equal(t, participant.Committed{Value: 11, TxnID: 42}, got)
	}
}
