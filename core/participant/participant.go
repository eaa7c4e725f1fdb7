// Package participant implements the resource-manager side of two-phase
// commit: it votes on PREPARE after logging its vote, and applies the
// coordinator's decision exactly once.
package participant

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/hashicorp/golang-lru/simplelru"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/core/message"
	"github.com/sushant-115/gojotxn/core/transaction"
	"github.com/sushant-115/gojotxn/core/transport"
	"github.com/sushant-115/gojotxn/core/write_engine/wal"
	internaltelemetry "github.com/sushant-115/gojotxn/internal/telemetry"
)

// Validator is consulted on every PREPARE that passes the built-in checks. A
// non-nil error makes the participant vote NO.
type Validator func(rec transaction.Record) error

type Config struct {
	ID            string
	CoordinatorID string
	QueryInterval time.Duration // time spent UNCERTAIN before the first QUERY
	QueryMax      time.Duration // cap on the delay between QUERY retries
	SendTimeout   time.Duration
	// Retain bounds how many committed or aborted transactions are kept to
	// deduplicate late PREPARE and DECIDE messages; 0 means DefaultRetain.
	// Transactions still UNCERTAIN are never forgotten.
	Retain int
}

const DefaultRetain = 10000

func DefaultConfig() Config {
	return Config{
		CoordinatorID: "coordinator",
		QueryInterval: time.Second,
		QueryMax:      10 * time.Second,
		SendTimeout:   2 * time.Second,
	}
}

func (c Config) validate() error {
	if c.ID == "" || c.CoordinatorID == "" {
		return errors.New("participant and coordinator ids are required")
	}
	if c.ID == c.CoordinatorID {
		return fmt.Errorf("participant id %q collides with the coordinator id", c.ID)
	}
	if c.QueryInterval <= 0 || c.QueryMax < c.QueryInterval || c.SendTimeout <= 0 {
		return errors.New("query and send timeouts must be positive and QueryMax must not be below QueryInterval")
	}
	if c.Retain < 0 {
		return errors.New("retain must not be negative")
	}
	return nil
}

// Committed is a value installed by a committed transaction.
type Committed struct {
	Value int64
	TxnID uint64
}

// RecoveryStats summarises what Recover rebuilt from the log.
type RecoveryStats struct {
	Committed int
	Aborted   int
	Uncertain int // voted YES, decision unknown; the coordinator is queried for each
}

type Option func(*Participant)

func WithMetrics(m *internaltelemetry.TxnMetrics) Option {
	return func(p *Participant) { p.metrics = m }
}

func WithValidator(v Validator) Option {
	return func(p *Participant) { p.validator = v }
}

type txnState struct {
	mu        sync.Mutex
	record    transaction.Record
	vote      transaction.Vote
	state     transaction.ParticipantState
	decision  transaction.Decision
	decided   bool // a DECIDE was logged
	stopQuery context.CancelFunc
}

// Participant holds a committed key/value store and votes on transactions
// writing to it. It implements transport.Handler.
type Participant struct {
	cfg       Config
	log       wal.Log
	transport transport.Transport
	logger    *zap.Logger
	metrics   *internaltelemetry.TxnMetrics
	validator Validator

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	txns    map[uint64]*txnState
	retired *simplelru.LRU // ids of terminal txns, oldest evicted from txns first
	halted  error

	storeMu sync.RWMutex
	store   *treemap.Map      // key -> Committed
	locks   map[string]uint64 // key -> txn holding the tentative write

	applied atomic.Int64
}

// New builds a participant writing to log. The log is owned by the caller.
// Call Recover before handing the participant to a transport when log may
// already hold entries.
func New(cfg Config, log wal.Log, t transport.Transport, logger *zap.Logger, opts ...Option) (*Participant, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if log == nil || t == nil {
		return nil, errors.New("participant needs a log and a transport")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Participant{
		cfg:       cfg,
		log:       log,
		transport: t,
		logger:    logger.With(zap.String("role", "participant"), zap.String("node_id", cfg.ID)),
		metrics:   internaltelemetry.NopTxnMetrics(),
		ctx:       ctx,
		cancel:    cancel,
		txns:      make(map[uint64]*txnState),
		store:     treemap.NewWithStringComparator(),
		locks:     make(map[string]uint64),
	}
	retain := cfg.Retain
	if retain == 0 {
		retain = DefaultRetain
	}
	retired, err := simplelru.NewLRU(retain, func(key, _ interface{}) {
		delete(p.txns, key.(uint64))
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create retired transaction cache: %w", err)
	}
	p.retired = retired
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *Participant) ID() string { return p.cfg.ID }

// HandleMessage processes a message addressed to the participant.
func (p *Participant) HandleMessage(ctx context.Context, msg message.Message) {
	if p.ctx.Err() != nil || p.Halted() != nil {
		return
	}
	switch msg.Type {
	case message.TypePrepare:
		p.onPrepare(ctx, msg)
	case message.TypeDecide:
		p.onDecide(ctx, msg)
	default:
		p.logger.Warn("unexpected message", zap.Stringer("msg", msg))
	}
}

func (p *Participant) state(txnID uint64, rec transaction.Record, create bool) *txnState {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.txns[txnID]
	if !ok && create {
		st = &txnState{record: rec, stopQuery: func() {}}
		p.txns[txnID] = st
	}
	return st
}

// retire marks txnID as terminal. Once more than Retain transactions are
// terminal the oldest is dropped: a late PREPARE for it then fails the
// stale-write check and a late COMMIT is acknowledged without being applied.
func (p *Participant) retire(txnID uint64) {
	p.mu.Lock()
	p.retired.Add(txnID, struct{}{})
	p.mu.Unlock()
}

func (p *Participant) onPrepare(ctx context.Context, msg message.Message) {
	rec := msg.Record
	rec.TxnID = msg.TxnID
	st := p.state(msg.TxnID, rec, true)

	st.mu.Lock()
	if st.vote != transaction.VoteUnset {
		v := st.vote
		st.mu.Unlock()
		p.metrics.Duplicate(ctx, msg.Type)
		p.send(message.Vote(p.cfg.ID, msg.From, msg.TxnID, v))
		return
	}

	v := transaction.VoteNo
	var reason error
	vote := wal.VoteEntry(rec, transaction.VoteYes)
	if st.decided {
		reason = errors.New("already decided")
	} else if reason = wal.CheckSize(vote); reason != nil {
		// The NO vote is logged without the record that did not fit.
		vote = wal.VoteEntry(transaction.Record{TxnID: rec.TxnID}, transaction.VoteNo)
	} else if reason = p.lockForWrite(rec); reason == nil {
		v = transaction.VoteYes
	}
	vote.Vote = v

	if _, err := p.log.Append(vote); err != nil {
		if v == transaction.VoteYes {
			p.unlock(rec)
		}
		st.mu.Unlock()
		p.halt(fmt.Errorf("log vote for txn %d: %w", msg.TxnID, err))
		return
	}
	st.vote = v
	if v == transaction.VoteYes {
		st.state = transaction.StateUncertain
		p.startQueries(st, p.cfg.QueryInterval)
	} else if !st.decided {
		st.state = transaction.StateAborted
	}
	st.mu.Unlock()

	if v != transaction.VoteYes {
		p.retire(msg.TxnID)
	}
	p.metrics.Voted(ctx, v)
	if reason != nil {
		p.logger.Debug("voting no", zap.Uint64("txn_id", msg.TxnID), zap.String("key", rec.Key), zap.Error(reason))
	}
	p.send(message.Vote(p.cfg.ID, msg.From, msg.TxnID, v))
}

// lockForWrite checks rec against the committed store and the tentative
// locks, taking the key's lock when every check passes.
func (p *Participant) lockForWrite(rec transaction.Record) error {
	p.storeMu.Lock()
	defer p.storeMu.Unlock()
	if holder, ok := p.locks[rec.Key]; ok && holder != rec.TxnID {
		return fmt.Errorf("key %q locked by txn %d", rec.Key, holder)
	}
	if v, ok := p.store.Get(rec.Key); ok {
		if c := v.(Committed); c.TxnID >= rec.TxnID {
			return fmt.Errorf("key %q already written by txn %d", rec.Key, c.TxnID)
		}
	}
	if p.validator != nil {
		if err := p.validator(rec); err != nil {
			return err
		}
	}
	p.locks[rec.Key] = rec.TxnID
	return nil
}

func (p *Participant) unlock(rec transaction.Record) {
	p.storeMu.Lock()
	if p.locks[rec.Key] == rec.TxnID {
		delete(p.locks, rec.Key)
	}
	p.storeMu.Unlock()
}

func (p *Participant) onDecide(ctx context.Context, msg message.Message) {
	if msg.Decision != transaction.DecisionCommit && msg.Decision != transaction.DecisionAbort {
		// Neither logged nor acknowledged: the coordinator resends the real decision.
		p.logger.Warn("decision without outcome, dropped", zap.Stringer("msg", msg))
		return
	}
	st := p.state(msg.TxnID, transaction.Record{TxnID: msg.TxnID}, msg.Decision == transaction.DecisionAbort)
	if st == nil {
		// COMMIT for a transaction this participant never voted on.
		p.logger.Warn("commit decision for unknown transaction, not applied", zap.Uint64("txn_id", msg.TxnID))
		p.send(message.Ack(p.cfg.ID, msg.From, msg.TxnID))
		return
	}

	st.mu.Lock()
	if st.decided {
		st.mu.Unlock()
		p.metrics.Duplicate(ctx, msg.Type)
		p.send(message.Ack(p.cfg.ID, msg.From, msg.TxnID))
		return
	}
	if _, err := p.log.Append(wal.DecisionEntry(msg.TxnID, msg.Decision, transaction.ReasonNone)); err != nil {
		st.mu.Unlock()
		p.halt(fmt.Errorf("log decision for txn %d: %w", msg.TxnID, err))
		return
	}
	applied := p.apply(st, msg.Decision)
	st.mu.Unlock()
	p.retire(msg.TxnID)

	if applied {
		p.applied.Add(1)
	}
	p.metrics.Applied(ctx, msg.Decision)
	p.logger.Debug("decision applied",
		zap.Uint64("txn_id", msg.TxnID),
		zap.Stringer("decision", msg.Decision),
		zap.Bool("installed", applied))
	p.send(message.Ack(p.cfg.ID, msg.From, msg.TxnID))
}

// apply moves st to its final state, installing the tentative write on
// COMMIT. It reports whether a value was installed. MUST be called with
// st.mu held.
func (p *Participant) apply(st *txnState, d transaction.Decision) bool {
	st.decided = true
	st.decision = d
	st.stopQuery()

	installed := false
	p.storeMu.Lock()
	if d == transaction.DecisionCommit && st.vote == transaction.VoteYes {
		p.store.Put(st.record.Key, Committed{Value: st.record.Value, TxnID: st.record.TxnID})
		installed = true
	}
	if st.vote == transaction.VoteYes && p.locks[st.record.Key] == st.record.TxnID {
		delete(p.locks, st.record.Key)
	}
	p.storeMu.Unlock()

	if d == transaction.DecisionCommit {
		if st.vote != transaction.VoteYes {
			p.logger.Error("commit decided for a transaction voted no", zap.Uint64("txn_id", st.record.TxnID))
		}
		st.state = transaction.StateCommitted
	} else {
		st.state = transaction.StateAborted
	}
	return installed
}

// startQueries asks the coordinator for the decision of st after delay and
// keeps asking, backing off up to QueryMax, until a decision arrives. MUST be
// called with st.mu held.
func (p *Participant) startQueries(st *txnState, delay time.Duration) {
	st.stopQuery()
	ctx, cancel := context.WithCancel(p.ctx)
	st.stopQuery = cancel
	txnID := st.record.TxnID

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		backoff := p.cfg.QueryInterval
		timer := time.NewTimer(delay)
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}
			p.logger.Debug("uncertain, querying coordinator", zap.Uint64("txn_id", txnID))
			p.metrics.Retransmitted(ctx, message.TypeQuery, 1)
			p.send(message.Query(p.cfg.ID, p.cfg.CoordinatorID, txnID))

			backoff *= 2
			if backoff > p.cfg.QueryMax {
				backoff = p.cfg.QueryMax
			}
			timer.Reset(backoff)
		}
	}()
}

func (p *Participant) send(msg message.Message) {
	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.SendTimeout)
	defer cancel()
	if err := p.transport.Send(ctx, msg); err != nil {
		p.logger.Debug("send failed", zap.Stringer("msg", msg), zap.Error(err))
	}
}

func (p *Participant) halt(err error) {
	p.mu.Lock()
	first := p.halted == nil
	if first {
		p.halted = err
	}
	p.mu.Unlock()
	if first {
		p.logger.Error("participant halted: log is not writable", zap.Error(err))
	}
}

// Halted returns the log error that stopped the participant, if any.
func (p *Participant) Halted() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.halted
}

// Recover replays the log: committed values are reinstalled, and every
// transaction voted YES without a logged decision gets its lock back and a
// QUERY sent to the coordinator.
func (p *Participant) Recover(ctx context.Context) (RecoveryStats, error) {
	var (
		stats RecoveryStats
		order []uint64
		seen  = make(map[uint64]bool)
	)
	err := p.log.Replay(func(e wal.Entry) error {
		if (e.Kind == wal.KindVote || e.Kind == wal.KindDecision) && !seen[e.TxnID] {
			seen[e.TxnID] = true
			order = append(order, e.TxnID)
		}
		switch e.Kind {
		case wal.KindVote:
			st := p.state(e.TxnID, e.Record, true)
			st.mu.Lock()
			st.record, st.vote = e.Record, e.Vote
			if !st.decided {
				if e.Vote == transaction.VoteYes {
					st.state = transaction.StateUncertain
				} else {
					st.state = transaction.StateAborted
				}
			}
			st.mu.Unlock()
		case wal.KindDecision:
			st := p.state(e.TxnID, transaction.Record{TxnID: e.TxnID}, true)
			st.mu.Lock()
			if !st.decided {
				p.apply(st, e.Decision)
			}
			st.mu.Unlock()
		}
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("replay participant log: %w", err)
	}

	var uncertain, terminal []uint64
	for _, id := range order {
		st := p.state(id, transaction.Record{}, false)
		st.mu.Lock()
		switch st.state {
		case transaction.StateCommitted:
			stats.Committed++
			terminal = append(terminal, id)
		case transaction.StateAborted:
			stats.Aborted++
			terminal = append(terminal, id)
		case transaction.StateUncertain:
			stats.Uncertain++
			p.storeMu.Lock()
			p.locks[st.record.Key] = id
			p.storeMu.Unlock()
			p.startQueries(st, p.cfg.QueryInterval)
			uncertain = append(uncertain, id)
		}
		st.mu.Unlock()
	}
	for _, id := range terminal {
		p.retire(id)
	}

	p.logger.Info("participant recovered",
		zap.Int("committed", stats.Committed),
		zap.Int("aborted", stats.Aborted),
		zap.Int("uncertain", stats.Uncertain))
	for _, id := range uncertain {
		p.send(message.Query(p.cfg.ID, p.cfg.CoordinatorID, id))
	}
	return stats, nil
}

// Read returns the committed value of key and the transaction that wrote it.
func (p *Participant) Read(key string) (Committed, bool) {
	p.storeMu.RLock()
	defer p.storeMu.RUnlock()
	v, ok := p.store.Get(key)
	if !ok {
		return Committed{}, false
	}
	return v.(Committed), true
}

// Keys lists the committed keys in ascending order.
func (p *Participant) Keys() []string {
	p.storeMu.RLock()
	defer p.storeMu.RUnlock()
	keys := make([]string, 0, p.store.Size())
	for _, k := range p.store.Keys() {
		keys = append(keys, k.(string))
	}
	return keys
}

// State reports where txnID stands at this participant.
func (p *Participant) State(txnID uint64) (transaction.ParticipantState, bool) {
	st := p.state(txnID, transaction.Record{}, false)
	if st == nil {
		return transaction.StateNone, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.state, true
}

// Uncertain returns the transactions voted YES whose decision is still unknown.
func (p *Participant) Uncertain() []uint64 {
	p.mu.Lock()
	states := make(map[uint64]*txnState, len(p.txns))
	for id, st := range p.txns {
		states[id] = st
	}
	p.mu.Unlock()

	var ids []uint64
	for id, st := range states {
		st.mu.Lock()
		if st.state == transaction.StateUncertain {
			ids = append(ids, id)
		}
		st.mu.Unlock()
	}
	return ids
}

// Applied counts commits installed since the participant was created.
func (p *Participant) Applied() int64 { return p.applied.Load() }

// Close stops the query loops. It does not close the log.
func (p *Participant) Close() error {
	p.cancel()
	p.wg.Wait()
	return nil
}
