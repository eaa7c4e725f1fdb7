// Package coordinator drives transactions through two-phase commit: it
// collects votes from every participant, writes the global decision to its log
// and only then tells the participants, retransmitting until each one
// acknowledges.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/simplelru"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sushant-115/gojotxn/core/message"
	"github.com/sushant-115/gojotxn/core/transaction"
	"github.com/sushant-115/gojotxn/core/transport"
	"github.com/sushant-115/gojotxn/core/write_engine/wal"
	internaltelemetry "github.com/sushant-115/gojotxn/internal/telemetry"
)

// Config holds the protocol parameters of a coordinator.
type Config struct {
	ID             string
	Participants   []string
	PrepareTimeout time.Duration // votes not in by then abort the transaction
	RetryInitial   time.Duration // first retransmission delay
	RetryMax       time.Duration // retransmission delay cap
	SendTimeout    time.Duration // bound on a single Transport.Send
	ResendRate     float64       // retransmission batches per second across all transactions; 0 is unlimited
	ResendBurst    int
	// Retain bounds how many finished transactions are remembered to answer
	// late votes and queries and to reject reused ids. The oldest are
	// forgotten first; 0 means DefaultRetain.
	Retain int
}

// DefaultRetain is the number of finished transactions kept when
// Config.Retain is unset.
const DefaultRetain = 10000

func DefaultConfig() Config {
	return Config{
		ID:             "coordinator",
		PrepareTimeout: 2 * time.Second,
		RetryInitial:   100 * time.Millisecond,
		RetryMax:       5 * time.Second,
		SendTimeout:    2 * time.Second,
		ResendBurst:    100,
	}
}

func (c Config) validate() error {
	if c.ID == "" {
		return errors.New("coordinator id is required")
	}
	if len(c.Participants) == 0 {
		return errors.New("at least one participant is required")
	}
	seen := make(map[string]bool, len(c.Participants))
	for _, p := range c.Participants {
		if p == "" || p == c.ID {
			return fmt.Errorf("invalid participant id %q", p)
		}
		if seen[p] {
			return fmt.Errorf("duplicate participant id %q", p)
		}
		seen[p] = true
	}
	if c.PrepareTimeout <= 0 || c.RetryInitial <= 0 || c.RetryMax < c.RetryInitial || c.SendTimeout <= 0 {
		return errors.New("timeouts must be positive and RetryMax must not be below RetryInitial")
	}
	if c.Retain < 0 {
		return errors.New("retain must not be negative")
	}
	return nil
}

// Status is a point-in-time view of one transaction.
type Status struct {
	Record       transaction.Record
	InstanceID   uuid.UUID
	Participants []string
	Phase        transaction.Phase
	Votes        map[string]transaction.Vote
	Decision     transaction.Decision
	Reason       transaction.AbortReason
	Acked        []string
}

// RecoveryStats summarises what Recover found in the log.
type RecoveryStats struct {
	Completed int // decided and fully acknowledged
	Resumed   int // decided, DECIDE broadcast resumed
	Aborted   int // undecided, aborted by recovery
}

type Option func(*Coordinator)

func WithMetrics(m *internaltelemetry.TxnMetrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(c *Coordinator) { c.tracer = t }
}

// Coordinator runs two-phase commit for any number of concurrent
// transactions. It implements transport.Handler for the VOTE, ACK and QUERY
// messages participants send back.
type Coordinator struct {
	cfg       Config
	log       wal.Log
	transport transport.Transport
	logger    *zap.Logger
	metrics   *internaltelemetry.TxnMetrics
	tracer    trace.Tracer
	limiter   *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.RWMutex
	txns      map[uint64]*txnState
	finished  *simplelru.LRU // txn id -> transaction.Outcome, guarded by mu
	halted    error
	recovered bool
}

// New builds a coordinator writing to log and talking through t. The log is
// owned by the caller. Call Recover before handing the coordinator to a
// transport when log may already hold entries.
func New(cfg Config, log wal.Log, t transport.Transport, logger *zap.Logger, opts ...Option) (*Coordinator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if log == nil || t == nil {
		return nil, errors.New("coordinator needs a log and a transport")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	retain := cfg.Retain
	if retain == 0 {
		retain = DefaultRetain
	}
	finished, err := simplelru.NewLRU(retain, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create finished transaction cache: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cfg:       cfg,
		log:       log,
		transport: t,
		logger:    logger.With(zap.String("role", "coordinator"), zap.String("node_id", cfg.ID)),
		metrics:   internaltelemetry.NopTxnMetrics(),
		tracer:    tracenoop.NewTracerProvider().Tracer(""),
		ctx:       ctx,
		cancel:    cancel,
		txns:      make(map[uint64]*txnState),
		finished:  finished,
	}
	if cfg.ResendRate > 0 {
		burst := cfg.ResendBurst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.ResendRate), burst)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Coordinator) ID() string { return c.cfg.ID }

// Handle tracks one transaction started by Begin.
type Handle struct {
	TxnID      uint64
	InstanceID uuid.UUID
	st         *txnState
}

// Decided is closed once the global decision is known.
func (h *Handle) Decided() <-chan struct{} { return h.st.decided }

// Done is closed once every participant has acknowledged the decision.
func (h *Handle) Done() <-chan struct{} { return h.st.done }

// Wait blocks until the transaction is decided or ctx ends.
func (h *Handle) Wait(ctx context.Context) (transaction.Outcome, error) {
	select {
	case <-h.st.decided:
		h.st.mu.Lock()
		defer h.st.mu.Unlock()
		return h.st.outcome(), nil
	case <-ctx.Done():
		return transaction.Outcome{TxnID: h.TxnID}, ctx.Err()
	}
}

// Begin logs the transaction and sends PREPARE to every participant. The
// returned handle reports the decision; Begin itself does not wait for votes.
func (c *Coordinator) Begin(ctx context.Context, rec transaction.Record) (*Handle, error) {
	if err := wal.CheckSize(wal.BeginEntry(rec, c.cfg.Participants)); err != nil {
		return nil, fmt.Errorf("txn %d: %w: %v", rec.TxnID, transaction.ErrRecordTooLarge, err)
	}
	c.mu.Lock()
	if c.halted != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", transaction.ErrCoordinatorHalted, c.halted)
	}
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		return nil, transaction.ErrCoordinatorHalted
	}
	if _, ok := c.txns[rec.TxnID]; ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("txn %d: %w", rec.TxnID, transaction.ErrDuplicateTransaction)
	}
	if c.finished.Contains(rec.TxnID) {
		c.mu.Unlock()
		return nil, fmt.Errorf("txn %d: %w", rec.TxnID, transaction.ErrDuplicateTransaction)
	}
	st := newTxnState(rec, c.cfg.Participants)
	c.txns[rec.TxnID] = st
	c.mu.Unlock()

	ctx, span := c.tracer.Start(ctx, "coordinator.Begin", trace.WithAttributes(
		attribute.Int64("txn.id", int64(rec.TxnID)),
		attribute.String("txn.instance", st.instanceID.String()),
		attribute.String("txn.key", rec.Key),
	))
	defer span.End()

	st.mu.Lock()
	if _, err := c.log.Append(wal.BeginEntry(rec, st.participants)); err != nil {
		st.mu.Unlock()
		c.mu.Lock()
		delete(c.txns, rec.TxnID)
		c.mu.Unlock()
		c.halt(err)
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, "begin not logged")
		return nil, fmt.Errorf("txn %d: %w: %v", rec.TxnID, transaction.ErrLogWriteFailure, err)
	}
	st.phase = transaction.PhasePreparing
	st.timer = time.AfterFunc(c.cfg.PrepareTimeout, func() { c.onPrepareTimeout(st) })
	c.startRetransmitter(st)
	out := st.pending(c.cfg.ID)
	st.mu.Unlock()

	c.metrics.Started(ctx)
	c.logger.Debug("transaction started",
		zap.Uint64("txn_id", rec.TxnID),
		zap.String("instance_id", st.instanceID.String()),
		zap.String("record", rec.String()))
	c.sendAll(st, out)
	span.SetStatus(otelcodes.Ok, "prepare sent")
	return &Handle{TxnID: rec.TxnID, InstanceID: st.instanceID, st: st}, nil
}

// HandleMessage processes a message addressed to the coordinator.
func (c *Coordinator) HandleMessage(ctx context.Context, msg message.Message) {
	if c.ctx.Err() != nil {
		return
	}
	switch msg.Type {
	case message.TypeVote:
		c.onVote(ctx, msg)
	case message.TypeAck:
		c.onAck(ctx, msg)
	case message.TypeQuery:
		c.onQuery(ctx, msg)
	default:
		c.logger.Warn("unexpected message", zap.Stringer("msg", msg))
	}
}

func (c *Coordinator) lookup(txnID uint64) (*txnState, transaction.Outcome, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if st, ok := c.txns[txnID]; ok {
		return st, transaction.Outcome{}, false
	}
	v, ok := c.finished.Peek(txnID)
	if !ok {
		return nil, transaction.Outcome{}, false
	}
	return nil, v.(transaction.Outcome), true
}

func (c *Coordinator) onVote(ctx context.Context, msg message.Message) {
	st, done, finished := c.lookup(msg.TxnID)
	if st == nil {
		if finished && c.isParticipant(msg.From) {
			c.metrics.Duplicate(ctx, msg.Type)
			c.reply(message.Decide(c.cfg.ID, msg.From, msg.TxnID, done.Decision))
		} else if !finished {
			c.logger.Warn("vote for unknown transaction", zap.Stringer("msg", msg))
		}
		return
	}

	st.mu.Lock()
	if st.failed || !st.isParticipant(msg.From) {
		st.mu.Unlock()
		return
	}
	if st.decision != transaction.DecisionUnknown {
		// Late or repeated vote: the participant still needs the decision.
		d := st.decision
		acked := st.acked[msg.From]
		st.mu.Unlock()
		c.metrics.Duplicate(ctx, msg.Type)
		if !acked {
			c.reply(message.Decide(c.cfg.ID, msg.From, msg.TxnID, d))
		}
		return
	}
	if _, ok := st.votes[msg.From]; ok {
		st.mu.Unlock()
		c.metrics.Duplicate(ctx, msg.Type)
		return
	}
	st.votes[msg.From] = msg.Vote
	c.logger.Debug("vote received",
		zap.Uint64("txn_id", msg.TxnID),
		zap.String("from", msg.From),
		zap.Stringer("vote", msg.Vote))

	var out []message.Message
	switch {
	case msg.Vote != transaction.VoteYes:
		out = c.decide(ctx, st, transaction.DecisionAbort, transaction.ReasonVoteRejected)
	case len(st.votes) == len(st.participants):
		out = c.decide(ctx, st, transaction.DecisionCommit, transaction.ReasonNone)
	}
	st.mu.Unlock()
	c.sendAll(st, out)
}

func (c *Coordinator) onPrepareTimeout(st *txnState) {
	if c.ctx.Err() != nil {
		return
	}
	st.mu.Lock()
	if st.failed || st.phase != transaction.PhasePreparing {
		st.mu.Unlock()
		return
	}
	reason := transaction.ReasonPrepareTimeout
	for _, p := range st.participants {
		if _, voted := st.votes[p]; !voted && st.unreachable[p] {
			reason = transaction.ReasonParticipantUnreachable
			break
		}
	}
	c.logger.Info("prepare timed out",
		zap.Uint64("txn_id", st.record.TxnID),
		zap.Int("votes", len(st.votes)),
		zap.Int("participants", len(st.participants)))
	out := c.decide(c.ctx, st, transaction.DecisionAbort, reason)
	st.mu.Unlock()
	c.sendAll(st, out)
}

// decide makes d the global decision of st, logging it before returning the
// DECIDE messages to broadcast. If the log write fails the transaction is
// aborted locally, nothing is broadcast and the coordinator halts. MUST be
// called with st.mu held.
func (c *Coordinator) decide(ctx context.Context, st *txnState, d transaction.Decision, reason transaction.AbortReason) []message.Message {
	if st.decision != transaction.DecisionUnknown || st.failed {
		return nil
	}
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	txnID := st.record.TxnID
	if _, err := c.log.Append(wal.DecisionEntry(txnID, d, reason)); err != nil {
		c.logger.Error("failed to log decision, transaction aborted locally",
			zap.Uint64("txn_id", txnID),
			zap.Stringer("decision", d),
			zap.Error(err))
		st.failed = true
		st.decision = transaction.DecisionAbort
		st.reason = transaction.ReasonLogWriteFailure
		st.phase = transaction.PhaseAborting
		close(st.decided)
		st.stop()
		c.halt(err)
		return nil
	}

	st.decision = d
	st.reason = reason
	if d == transaction.DecisionCommit {
		st.phase = transaction.PhaseCommitting
	} else {
		st.phase = transaction.PhaseAborting
	}
	close(st.decided)
	c.metrics.Decided(ctx, d, reason, st.startedAt)
	c.logger.Info("transaction decided",
		zap.Uint64("txn_id", txnID),
		zap.Stringer("decision", d),
		zap.Stringer("reason", reason))

	select {
	case st.kick <- struct{}{}:
	default:
	}
	return st.pending(c.cfg.ID)
}

func (c *Coordinator) onAck(ctx context.Context, msg message.Message) {
	st, _, finished := c.lookup(msg.TxnID)
	if st == nil {
		if finished {
			c.metrics.Duplicate(ctx, msg.Type)
		}
		return
	}

	st.mu.Lock()
	if st.failed || st.decision == transaction.DecisionUnknown || !st.isParticipant(msg.From) {
		st.mu.Unlock()
		return
	}
	if st.acked[msg.From] {
		st.mu.Unlock()
		c.metrics.Duplicate(ctx, msg.Type)
		return
	}
	st.acked[msg.From] = true
	if len(st.acked) < len(st.participants) {
		st.mu.Unlock()
		return
	}
	if _, err := c.log.Append(wal.CompleteEntry(msg.TxnID)); err != nil {
		// The decision is durable; recovery only resends DECIDE, which is idempotent.
		c.logger.Warn("failed to log completion", zap.Uint64("txn_id", msg.TxnID), zap.Error(err))
	}
	st.phase = transaction.PhaseDone
	close(st.done)
	st.stop()
	out := st.outcome()
	st.mu.Unlock()

	c.mu.Lock()
	delete(c.txns, msg.TxnID)
	c.finished.Add(msg.TxnID, out)
	c.mu.Unlock()
	c.metrics.Completed(ctx)
	c.logger.Debug("transaction complete", zap.Uint64("txn_id", msg.TxnID))
}

// onQuery answers a participant that is uncertain about a transaction. A
// transaction the coordinator has no record of was never decided and is
// reported as aborted.
func (c *Coordinator) onQuery(ctx context.Context, msg message.Message) {
	st, done, finished := c.lookup(msg.TxnID)
	switch {
	case st != nil:
		st.mu.Lock()
		d, failed := st.decision, st.failed
		st.mu.Unlock()
		if failed || d == transaction.DecisionUnknown {
			return
		}
		c.reply(message.Decide(c.cfg.ID, msg.From, msg.TxnID, d))
	case finished:
		c.reply(message.Decide(c.cfg.ID, msg.From, msg.TxnID, done.Decision))
	default:
		c.mu.RLock()
		recovered, halted := c.recovered, c.halted
		c.mu.RUnlock()
		if !recovered || halted != nil {
			return
		}
		c.logger.Debug("query for unknown transaction, presuming abort", zap.Uint64("txn_id", msg.TxnID))
		c.reply(message.Decide(c.cfg.ID, msg.From, msg.TxnID, transaction.DecisionAbort))
	}
}

// Recover replays the log: transactions decided but not complete get their
// DECIDE broadcast resumed, transactions never decided are aborted. It must
// run before the coordinator receives messages or begins new transactions.
func (c *Coordinator) Recover(ctx context.Context) (RecoveryStats, error) {
	type logged struct {
		rec          transaction.Record
		participants []string
		decision     transaction.Decision
		reason       transaction.AbortReason
		complete     bool
	}
	var (
		stats RecoveryStats
		order []uint64
		found = make(map[uint64]*logged)
	)
	err := c.log.Replay(func(e wal.Entry) error {
		switch e.Kind {
		case wal.KindBegin:
			if _, ok := found[e.TxnID]; !ok {
				order = append(order, e.TxnID)
			}
			found[e.TxnID] = &logged{rec: e.Record, participants: e.Participants}
		case wal.KindDecision:
			if l, ok := found[e.TxnID]; ok {
				l.decision, l.reason = e.Decision, e.Reason
			}
		case wal.KindComplete:
			if l, ok := found[e.TxnID]; ok {
				l.complete = true
			}
		}
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("replay coordinator log: %w", err)
	}

	var resumed []*txnState
	for _, id := range order {
		l := found[id]
		if l.complete {
			c.mu.Lock()
			c.finished.Add(id, transaction.Outcome{TxnID: id, Decision: l.decision, Reason: l.reason})
			c.mu.Unlock()
			stats.Completed++
			continue
		}

		participants := l.participants
		if len(participants) == 0 {
			participants = c.cfg.Participants
		}
		st := newTxnState(l.rec, participants)
		st.startedAt = time.Time{}
		c.mu.Lock()
		c.txns[id] = st
		c.mu.Unlock()

		st.mu.Lock()
		if l.decision != transaction.DecisionUnknown {
			st.decision, st.reason = l.decision, l.reason
			if l.decision == transaction.DecisionCommit {
				st.phase = transaction.PhaseCommitting
			} else {
				st.phase = transaction.PhaseAborting
			}
			close(st.decided)
			stats.Resumed++
		} else {
			st.phase = transaction.PhasePreparing
			c.decide(ctx, st, transaction.DecisionAbort, transaction.ReasonCoordinatorRecovery)
			if st.failed {
				st.mu.Unlock()
				return stats, fmt.Errorf("txn %d: %w", id, transaction.ErrLogWriteFailure)
			}
			stats.Aborted++
		}
		c.startRetransmitter(st)
		st.mu.Unlock()
		c.metrics.Started(ctx)
		resumed = append(resumed, st)
	}

	c.mu.Lock()
	c.recovered = true
	c.mu.Unlock()
	c.logger.Info("coordinator recovered",
		zap.Int("completed", stats.Completed),
		zap.Int("resumed", stats.Resumed),
		zap.Int("aborted", stats.Aborted))

	for _, st := range resumed {
		st.mu.Lock()
		out := st.pending(c.cfg.ID)
		st.mu.Unlock()
		c.sendAll(st, out)
	}
	return stats, nil
}

// Status reports the state of txnID, whether in flight or finished.
func (c *Coordinator) Status(txnID uint64) (Status, bool) {
	st, done, finished := c.lookup(txnID)
	if st != nil {
		st.mu.Lock()
		defer st.mu.Unlock()
		return st.status(), true
	}
	if finished {
		return Status{
			Record:   transaction.Record{TxnID: txnID},
			Phase:    transaction.PhaseDone,
			Decision: done.Decision,
			Reason:   done.Reason,
		}, true
	}
	return Status{}, false
}

// InFlight returns the ids of transactions not yet acknowledged by every participant.
func (c *Coordinator) InFlight() []uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]uint64, 0, len(c.txns))
	for id := range c.txns {
		ids = append(ids, id)
	}
	return ids
}

// Halted returns the log error that stopped the coordinator, if any.
func (c *Coordinator) Halted() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.halted
}

func (c *Coordinator) halt(err error) {
	c.mu.Lock()
	first := c.halted == nil
	if first {
		c.halted = err
	}
	c.mu.Unlock()
	if first {
		c.logger.Error("coordinator halted: log is not writable", zap.Error(err))
	}
}

// Close stops timers and retransmission. It does not close the log.
func (c *Coordinator) Close() error {
	c.cancel()
	c.mu.RLock()
	states := make([]*txnState, 0, len(c.txns))
	for _, st := range c.txns {
		states = append(states, st)
	}
	c.mu.RUnlock()
	for _, st := range states {
		st.mu.Lock()
		if st.timer != nil {
			st.timer.Stop()
		}
		st.mu.Unlock()
	}
	c.wg.Wait()
	return nil
}
