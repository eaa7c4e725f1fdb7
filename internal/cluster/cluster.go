// Package cluster runs a coordinator and its participants in one process on a
// transport.Bus, with logs that survive simulated crashes. It backs the CLI
// shell and the end-to-end tests.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/core/coordinator"
	"github.com/sushant-115/gojotxn/core/participant"
	"github.com/sushant-115/gojotxn/core/transaction"
	"github.com/sushant-115/gojotxn/core/transport"
	"github.com/sushant-115/gojotxn/core/write_engine/wal"
	internaltelemetry "github.com/sushant-115/gojotxn/internal/telemetry"
)

// ErrUnknownNode is returned for node ids that are not part of the cluster.
var ErrUnknownNode = errors.New("unknown node")

type Config struct {
	Coordinator coordinator.Config
	// Participant is the template for every participant; ID is filled in.
	Participant participant.Config
	// Validators holds the write checks of individual participants.
	Validators map[string]participant.Validator
	// Backend is "memory", "file" or "bolt"; the last two keep one log
	// directory per node under Dir.
	Backend     string
	Dir         string
	SegmentSize int64
	// Seed drives the bus fault injection and the random workload.
	Seed int64
	// TxnIDBase is the id after which generated transaction ids start.
	TxnIDBase uint64
}

// DefaultConfig returns a three-participant in-memory cluster with short timeouts.
func DefaultConfig() Config {
	cc := coordinator.DefaultConfig()
	cc.Participants = []string{"A", "B", "C"}
	cc.PrepareTimeout = 500 * time.Millisecond
	cc.RetryInitial = 20 * time.Millisecond
	cc.RetryMax = 200 * time.Millisecond

	pc := participant.DefaultConfig()
	pc.CoordinatorID = cc.ID
	pc.QueryInterval = 100 * time.Millisecond
	pc.QueryMax = 500 * time.Millisecond

	return Config{
		Coordinator: cc,
		Participant: pc,
		Backend:     "memory",
		SegmentSize: wal.DefaultSegmentSizeLimit,
		Seed:        1,
	}
}

type Option func(*Cluster)

func WithMetrics(m *internaltelemetry.TxnMetrics) Option {
	return func(c *Cluster) { c.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(c *Cluster) { c.tracer = t }
}

// Cluster owns every node, its log and the bus connecting them.
type Cluster struct {
	cfg     Config
	logger  *zap.Logger
	metrics *internaltelemetry.TxnMetrics
	tracer  trace.Tracer
	bus     *transport.Bus
	gen     *transaction.UniqueGenerator

	mu    sync.Mutex
	coord *coordinator.Coordinator
	parts map[string]*participant.Participant
	logs  map[string]wal.Log
	down  map[string]bool
}

// New starts every node and recovers it from its log.
func New(ctx context.Context, cfg Config, logger *zap.Logger, opts ...Option) (*Cluster, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.Participant.CoordinatorID = cfg.Coordinator.ID
	c := &Cluster{
		cfg:     cfg,
		logger:  logger,
		metrics: internaltelemetry.NopTxnMetrics(),
		bus:     transport.NewBus(cfg.Seed, logger),
		gen:     transaction.NewUniqueGenerator(transaction.NewRandomGenerator(cfg.Seed), cfg.TxnIDBase),
		parts:   make(map[string]*participant.Participant),
		logs:    make(map[string]wal.Log),
		down:    make(map[string]bool),
	}
	for _, opt := range opts {
		opt(c)
	}

	for _, id := range c.cfg.Coordinator.Participants {
		if err := c.start(ctx, id); err != nil {
			c.Close()
			return nil, err
		}
	}
	if err := c.start(ctx, c.cfg.Coordinator.ID); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Cluster) isCoordinator(id string) bool { return id == c.cfg.Coordinator.ID }

func (c *Cluster) known(id string) bool {
	if c.isCoordinator(id) {
		return true
	}
	for _, p := range c.cfg.Coordinator.Participants {
		if p == id {
			return true
		}
	}
	return false
}

// openLog returns the log of id, reopening the one kept across a crash.
func (c *Cluster) openLog(id string) (wal.Log, error) {
	if l, ok := c.logs[id]; ok {
		if ml, ok := l.(*wal.MemoryLog); ok {
			ml.Reopen()
			return ml, nil
		}
	}
	l, err := wal.Open(c.cfg.Backend, filepath.Join(c.cfg.Dir, id), c.cfg.SegmentSize, c.logger.With(zap.String("node_id", id)))
	if err != nil {
		return nil, fmt.Errorf("open log of %s: %w", id, err)
	}
	c.logs[id] = l
	return l, nil
}

// start builds node id from its log, recovers it and attaches it to the bus.
// MUST be called with c.mu held or before the cluster is shared.
func (c *Cluster) start(ctx context.Context, id string) error {
	log, err := c.openLog(id)
	if err != nil {
		return err
	}

	var handler transport.Handler
	if c.isCoordinator(id) {
		opts := []coordinator.Option{coordinator.WithMetrics(c.metrics)}
		if c.tracer != nil {
			opts = append(opts, coordinator.WithTracer(c.tracer))
		}
		coord, err := coordinator.New(c.cfg.Coordinator, log, c.bus, c.logger, opts...)
		if err != nil {
			return err
		}
		if _, err := coord.Recover(ctx); err != nil {
			coord.Close()
			return fmt.Errorf("recover %s: %w", id, err)
		}
		c.coord = coord
		handler = coord
	} else {
		pcfg := c.cfg.Participant
		pcfg.ID = id
		opts := []participant.Option{participant.WithMetrics(c.metrics)}
		if v, ok := c.cfg.Validators[id]; ok {
			opts = append(opts, participant.WithValidator(v))
		}
		p, err := participant.New(pcfg, log, c.bus, c.logger, opts...)
		if err != nil {
			return err
		}
		if _, err := p.Recover(ctx); err != nil {
			p.Close()
			return fmt.Errorf("recover %s: %w", id, err)
		}
		c.parts[id] = p
		handler = p
	}
	c.bus.Register(id, handler)
	delete(c.down, id)
	c.logger.Info("node started", zap.String("node_id", id))
	return nil
}

// Crash stops id abruptly: queued messages are lost, timers stop and its log
// is closed. Only what the log holds survives.
func (c *Cluster) Crash(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.known(id) {
		return fmt.Errorf("%q: %w", id, ErrUnknownNode)
	}
	if c.down[id] {
		return nil
	}
	c.bus.Unregister(id)
	if c.isCoordinator(id) {
		c.coord.Close()
	} else {
		c.parts[id].Close()
	}
	if err := c.logs[id].Close(); err != nil {
		c.logger.Warn("failed to close log", zap.String("node_id", id), zap.Error(err))
	}
	if _, ok := c.logs[id].(*wal.MemoryLog); !ok {
		delete(c.logs, id)
	}
	c.down[id] = true
	c.logger.Info("node crashed", zap.String("node_id", id))
	return nil
}

// Restart brings a crashed node back from its log.
func (c *Cluster) Restart(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.known(id) {
		return fmt.Errorf("%q: %w", id, ErrUnknownNode)
	}
	if !c.down[id] {
		return fmt.Errorf("node %s is running", id)
	}
	return c.start(ctx, id)
}

func (c *Cluster) Isolate(id string) error {
	if !c.known(id) {
		return fmt.Errorf("%q: %w", id, ErrUnknownNode)
	}
	c.bus.Isolate(id)
	return nil
}

func (c *Cluster) Heal(id string) error {
	if !c.known(id) {
		return fmt.Errorf("%q: %w", id, ErrUnknownNode)
	}
	c.bus.Heal(id)
	return nil
}

func (c *Cluster) SetDropRate(rate float64)      { c.bus.SetDropRate(rate) }
func (c *Cluster) SetDuplicateRate(rate float64) { c.bus.SetDuplicateRate(rate) }
func (c *Cluster) SetFilter(f transport.Filter)  { c.bus.SetFilter(f) }
func (c *Cluster) Bus() *transport.Bus           { return c.bus }

// Coordinator returns the running coordinator instance.
func (c *Cluster) Coordinator() *coordinator.Coordinator {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.coord
}

// Participant returns the current instance of participant id.
func (c *Cluster) Participant(id string) (*participant.Participant, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.parts[id]
	return p, ok
}

// ParticipantIDs lists the participants in configuration order.
func (c *Cluster) ParticipantIDs() []string {
	return append([]string(nil), c.cfg.Coordinator.Participants...)
}

// Down lists the crashed nodes.
func (c *Cluster) Down() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.down))
	for id := range c.down {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// NextRecord draws a record from the seeded generator with a fresh transaction id.
func (c *Cluster) NextRecord() transaction.Record { return c.gen.Next() }

// Begin starts rec on the current coordinator.
func (c *Cluster) Begin(ctx context.Context, rec transaction.Record) (*coordinator.Handle, error) {
	c.mu.Lock()
	coord, down := c.coord, c.down[c.cfg.Coordinator.ID]
	c.mu.Unlock()
	if down {
		return nil, fmt.Errorf("coordinator is down: %w", transaction.ErrCoordinatorHalted)
	}
	return coord.Begin(ctx, rec)
}

// Run starts rec and waits for its decision.
func (c *Cluster) Run(ctx context.Context, rec transaction.Record) (transaction.Outcome, error) {
	h, err := c.Begin(ctx, rec)
	if err != nil {
		return transaction.Outcome{TxnID: rec.TxnID}, err
	}
	return h.Wait(ctx)
}

// RunRandom starts n generated transactions concurrently and waits for all
// of their decisions.
func (c *Cluster) RunRandom(ctx context.Context, n int) ([]transaction.Outcome, error) {
	handles := make([]*coordinator.Handle, 0, n)
	for i := 0; i < n; i++ {
		h, err := c.Begin(ctx, c.NextRecord())
		if err != nil {
			return nil, err
		}
		handles = append(handles, h)
	}
	outcomes := make([]transaction.Outcome, 0, n)
	for _, h := range handles {
		out, err := h.Wait(ctx)
		if err != nil {
			return outcomes, err
		}
		outcomes = append(outcomes, out)
	}
	return outcomes, nil
}

// Close stops every node and closes every log.
func (c *Cluster) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bus.Close()
	if c.coord != nil {
		c.coord.Close()
	}
	for _, p := range c.parts {
		p.Close()
	}
	for id, l := range c.logs {
		if err := l.Close(); err != nil {
			c.logger.Warn("failed to close log", zap.String("node_id", id), zap.Error(err))
		}
	}
}
