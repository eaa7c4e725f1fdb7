package rpc

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/sushant-115/gojotxn/core/message"
	"github.com/sushant-115/gojotxn/core/transaction"
	"github.com/sushant-115/gojotxn/pkg/connection"
)

// Client sends messages to other nodes by id, resolving ids through an
// address book. It implements transport.Transport.
type Client struct {
	mu     sync.RWMutex
	book   map[string]string
	pool   *connection.PoolManager
	logger *zap.Logger
}

func NewClient(book map[string]string, pool *connection.PoolManager, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		book:   make(map[string]string, len(book)),
		pool:   pool,
		logger: logger.Named("rpc"),
	}
	for id, addr := range book {
		c.book[id] = addr
	}
	return c
}

// SetAddress adds or moves a node. The old connection, if any, is dropped.
func (c *Client) SetAddress(id, address string) {
	c.mu.Lock()
	old, ok := c.book[id]
	c.book[id] = address
	c.mu.Unlock()
	if ok && old != address {
		_ = c.pool.Evict(old)
	}
}

// Send delivers msg to msg.To. Failures to reach the node are reported as
// transaction.ErrParticipantUnreachable.
func (c *Client) Send(ctx context.Context, msg message.Message) error {
	c.mu.RLock()
	addr, ok := c.book[msg.To]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no address for node %q: %w", msg.To, transaction.ErrParticipantUnreachable)
	}
	conn, err := c.pool.Get(addr)
	if err != nil {
		return fmt.Errorf("node %q at %s: %w: %v", msg.To, addr, transaction.ErrParticipantUnreachable, err)
	}

	var reply Receipt
	err = conn.Invoke(ctx, deliverMethod, &msg, &reply, grpc.CallContentSubtype(codecName))
	if err == nil {
		return nil
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
		return fmt.Errorf("deliver %s to %q at %s: %w: %v", msg.Type, msg.To, addr, transaction.ErrParticipantUnreachable, err)
	default:
		return fmt.Errorf("deliver %s to %q at %s: %w", msg.Type, msg.To, addr, err)
	}
}
