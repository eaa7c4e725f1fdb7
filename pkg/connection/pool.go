// Package connection manages the gRPC client connections a node keeps open
// to its peers. One connection is created per remote address and reused by
// every caller; gRPC multiplexes concurrent calls over it.
package connection

import (
	"errors"
	"fmt"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// ErrPoolClosed is returned by Get after Close.
var ErrPoolClosed = errors.New("connection pool is closed")

// PoolManager hands out shared client connections keyed by address.
type PoolManager struct {
	mu     sync.RWMutex
	conns  map[string]*grpc.ClientConn
	opts   []grpc.DialOption
	closed bool
}

// NewPoolManager creates a manager dialing with opts. Without opts the
// connections use plaintext transport credentials.
func NewPoolManager(opts ...grpc.DialOption) *PoolManager {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	return &PoolManager{
		conns: make(map[string]*grpc.ClientConn),
		opts:  opts,
	}
}

// Get returns the connection for address, creating it on first use.
// Connections are established lazily by gRPC on the first call.
func (m *PoolManager) Get(address string) (*grpc.ClientConn, error) {
	m.mu.RLock()
	conn, ok := m.conns[address]
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, ErrPoolClosed
	}
	if ok {
		return conn, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrPoolClosed
	}
	// Double-check after acquiring the write lock.
	if conn, ok = m.conns[address]; ok {
		return conn, nil
	}
	conn, err := grpc.NewClient(address, m.opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", address, err)
	}
	m.conns[address] = conn
	return conn, nil
}

// Evict closes and forgets the connection to address, if any.
func (m *PoolManager) Evict(address string) error {
	m.mu.Lock()
	conn, ok := m.conns[address]
	delete(m.conns, address)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return conn.Close()
}

// Close closes every connection. Later Get calls fail with ErrPoolClosed.
func (m *PoolManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	var errs []error
	for addr, conn := range m.conns {
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", addr, err))
		}
		delete(m.conns, addr)
	}
	return errors.Join(errs...)
}

// Len returns the number of open connections.
func (m *PoolManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}
