package transport

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/core/message"
	"github.com/sushant-115/gojotxn/core/transaction"
)

const defaultMailboxSize = 1024

// Bus is an in-process Transport. Every registered node gets a mailbox drained
// by its own goroutine, so handlers of one node run sequentially and never
// block the sender. Faults are injected from a seeded source:
//   - a message is dropped with probability DropRate,
//   - a delivered message is delivered twice with probability DuplicateRate,
//   - sends to or from an isolated node fail as unreachable,
//   - a message rejected by the filter is dropped,
//   - a full mailbox drops the message.
type Bus struct {
	mu       sync.RWMutex
	nodes    map[string]*mailbox
	isolated map[string]bool
	dropRate float64
	dupRate  float64
	filter   Filter

	rndMu sync.Mutex
	rnd   *rand.Rand

	delivered atomic.Int64
	dropped   atomic.Int64

	logger *zap.Logger
}

type mailbox struct {
	ch   chan message.Message
	stop chan struct{}
	done chan struct{}
}

// NewBus returns a fault-free bus whose fault injection is driven by seed.
func NewBus(seed int64, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		nodes:    make(map[string]*mailbox),
		isolated: make(map[string]bool),
		rnd:      rand.New(rand.NewSource(seed)),
		logger:   logger.Named("bus"),
	}
}

// Register attaches handler to id, replacing (and stopping) any previous one.
func (b *Bus) Register(id string, handler Handler) {
	mb := &mailbox{
		ch:   make(chan message.Message, defaultMailboxSize),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	old := b.nodes[id]
	b.nodes[id] = mb
	b.mu.Unlock()
	if old != nil {
		old.close()
	}

	go func() {
		defer close(mb.done)
		for {
			select {
			case <-mb.stop:
				return
			case msg := <-mb.ch:
				handler.HandleMessage(context.Background(), msg)
			}
		}
	}()
}

// Unregister detaches id. Messages still queued for it are lost, as they would
// be for a crashed process.
func (b *Bus) Unregister(id string) {
	b.mu.Lock()
	mb := b.nodes[id]
	delete(b.nodes, id)
	b.mu.Unlock()
	if mb != nil {
		mb.close()
	}
}

func (mb *mailbox) close() {
	close(mb.stop)
	<-mb.done
}

// Isolate cuts id off from every other node until Heal is called.
func (b *Bus) Isolate(id string) {
	b.mu.Lock()
	b.isolated[id] = true
	b.mu.Unlock()
}

func (b *Bus) Heal(id string) {
	b.mu.Lock()
	delete(b.isolated, id)
	b.mu.Unlock()
}

// SetDropRate sets the probability in [0,1] that a message is silently lost.
func (b *Bus) SetDropRate(rate float64) {
	b.mu.Lock()
	b.dropRate = rate
	b.mu.Unlock()
}

// Filter reports whether msg may travel. Messages it rejects are lost.
type Filter func(msg message.Message) bool

// SetFilter installs f; nil lets every message through.
func (b *Bus) SetFilter(f Filter) {
	b.mu.Lock()
	b.filter = f
	b.mu.Unlock()
}

// SetDuplicateRate sets the probability in [0,1] that a message is delivered twice.
func (b *Bus) SetDuplicateRate(rate float64) {
	b.mu.Lock()
	b.dupRate = rate
	b.mu.Unlock()
}

func (b *Bus) Send(ctx context.Context, msg message.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	mb, ok := b.nodes[msg.To]
	cut := b.isolated[msg.To] || b.isolated[msg.From]
	dropRate, dupRate, filter := b.dropRate, b.dupRate, b.filter
	b.mu.RUnlock()

	if !ok || cut {
		return fmt.Errorf("send %s to %s: %w", msg.Type, msg.To, transaction.ErrParticipantUnreachable)
	}
	if (filter != nil && !filter(msg)) || b.chance(dropRate) {
		b.dropped.Add(1)
		b.logger.Debug("dropping message", zap.Stringer("msg", msg))
		return nil
	}

	copies := 1
	if b.chance(dupRate) {
		copies = 2
	}
	for i := 0; i < copies; i++ {
		select {
		case mb.ch <- msg:
			b.delivered.Add(1)
		default:
			b.dropped.Add(1)
			b.logger.Warn("mailbox full, dropping message", zap.Stringer("msg", msg))
		}
	}
	return nil
}

func (b *Bus) chance(p float64) bool {
	if p <= 0 {
		return false
	}
	b.rndMu.Lock()
	defer b.rndMu.Unlock()
	return b.rnd.Float64() < p
}

// Stats returns how many messages were queued for delivery and how many were lost.
func (b *Bus) Stats() (delivered, dropped int64) {
	return b.delivered.Load(), b.dropped.Load()
}

// Close stops every mailbox.
func (b *Bus) Close() {
	b.mu.Lock()
	nodes := b.nodes
	b.nodes = make(map[string]*mailbox)
	b.mu.Unlock()
	for _, mb := range nodes {
		mb.close()
	}
}
