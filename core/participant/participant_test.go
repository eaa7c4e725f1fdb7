package participant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/core/message"
	"github.com/sushant-115/gojotxn/core/transaction"
	"github.com/sushant-115/gojotxn/core/transport"
	"github.com/sushant-115/gojotxn/core/write_engine/wal"
)

const coordinatorID = "coordinator"

func newTestParticipant(t *testing.T, log *wal.MemoryLog, opts ...Option) (*Participant, *transport.Recorder) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ID = "A"
	cfg.QueryInterval = 20 * time.Millisecond
	cfg.QueryMax = 40 * time.Millisecond
	rec := &transport.Recorder{}
	p, err := New(cfg, log, rec, zap.NewNop(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p, rec
}

func prepare(p *Participant, r transaction.Record) {
	p.HandleMessage(context.Background(), message.Prepare(coordinatorID, p.ID(), r))
}

func decide(p *Participant, txnID uint64, d transaction.Decision) {
	p.HandleMessage(context.Background(), message.Decide(coordinatorID, p.ID(), txnID, d))
}

func lastVote(t *testing.T, rec *transport.Recorder) transaction.Vote {
	t.Helper()
	votes := rec.Sent(message.TypeVote)
	require.NotEmpty(t, votes)
	return votes[len(votes)-1].Vote
}

func TestPrepare_LogsVoteBeforeReplying(t *testing.T) {
	log := wal.NewMemoryLog()
	p, rec := newTestParticipant(t, log)
	rec.OnSend = func(msg message.Message) error {
		if msg.Type == message.TypeVote && len(log.Entries()) == 0 {
			return errors.New("vote sent before it was logged")
		}
		return nil
	}

	prepare(p, transaction.Record{Key: "k", Value: 5, TxnID: 42})

	votes := rec.Sent(message.TypeVote)
	require.Len(t, votes, 1)
	assert.Equal(t, transaction.VoteYes, votes[0].Vote)
	assert.Equal(t, coordinatorID, votes[0].To)

	entries := log.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, wal.KindVote, entries[0].Kind)
	assert.Equal(t, transaction.VoteYes, entries[0].Vote)

	state, ok := p.State(42)
	require.True(t, ok)
	assert.Equal(t, transaction.StateUncertain, state)
}

func TestCommitInstallsValueOnce(t *testing.T) {
	p, rec := newTestParticipant(t, wal.NewMemoryLog())

	prepare(p, transaction.Record{Key: "k", Value: 5, TxnID: 42})
	decide(p, 42, transaction.DecisionCommit)
	decide(p, 42, transaction.DecisionCommit)

	got, ok := p.Read("k")
	require.True(t, ok)
	assert.Equal(t, Committed{Value: 5, TxnID: 42}, got)
	assert.Equal(t, int64(1), p.Applied())

	acks := rec.Sent(message.TypeAck)
	require.Len(t, acks, 2)
	assert.Equal(t, acks[0], acks[1])

	state, _ := p.State(42)
	assert.Equal(t, transaction.StateCommitted, state)
}

func TestDecideWithoutOutcomeIsDropped(t *testing.T) {
	log := wal.NewMemoryLog()
	p, rec := newTestParticipant(t, log)

	prepare(p, transaction.Record{Key: "k", Value: 42, TxnID: 42})
	decide(p, 42, transaction.DecisionUnknown)

	state, _ := p.State(42)
	assert.Equal(t, transaction.StateUncertain, state)
	assert.Empty(t, rec.Sent(message.TypeAck))
	assert.Len(t, log.Entries(), 1)

	decide(p, 42, transaction.DecisionCommit)
	got, ok := p.Read("k")
	require.True(t, ok)
	assert.Equal(t, Committed{Value: 42, TxnID: 42}, got)
	state, _ = p.State(42)
	assert.Equal(t, transaction.StateCommitted, state)
	assert.Len(t, rec.Sent(message.TypeAck), 1)
}

func TestTerminalTransactionsAreBounded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ID = "A"
	cfg.Retain = 2
	rec := &transport.Recorder{}
	p, err := New(cfg, wal.NewMemoryLog(), rec, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	for id := uint64(1); id <= 3; id++ {
		prepare(p, transaction.Record{Key: fmt.Sprintf("k%d", id), Value: int64(id), TxnID: id})
		decide(p, id, transaction.DecisionCommit)
	}
	prepare(p, transaction.Record{Key: "open", Value: 9, TxnID: 4})

	_, ok := p.State(1)
	assert.False(t, ok, "oldest terminal transaction is forgotten")
	for _, id := range []uint64{2, 3} {
		state, ok := p.State(id)
		require.True(t, ok)
		assert.Equal(t, transaction.StateCommitted, state)
	}
	state, _ := p.State(4)
	assert.Equal(t, transaction.StateUncertain, state, "undecided transactions are kept")

	// Late messages for the forgotten transaction change nothing.
	prepare(p, transaction.Record{Key: "k1", Value: 1, TxnID: 1})
	assert.Equal(t, transaction.VoteNo, lastVote(t, rec))
	decide(p, 1, transaction.DecisionCommit)
	assert.Equal(t, int64(3), p.Applied())
	got, _ := p.Read("k1")
	assert.Equal(t, Committed{Value: 1, TxnID: 1}, got)
}

func TestOversizedPrepareVotesNoWithoutHalting(t *testing.T) {
	log := wal.NewMemoryLog()
	p, rec := newTestParticipant(t, log)

	prepare(p, transaction.Record{Key: strings.Repeat("k", wal.MaxEntrySize), Value: 1, TxnID: 50})
	assert.Equal(t, transaction.VoteNo, lastVote(t, rec))
	assert.NoError(t, p.Halted())

	entries := log.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, transaction.VoteNo, entries[0].Vote)
	assert.Empty(t, entries[0].Record.Key)
	state, _ := p.State(50)
	assert.Equal(t, transaction.StateAborted, state)
}

func TestAbortDiscardsTentativeWrite(t *testing.T) {
	p, rec := newTestParticipant(t, wal.NewMemoryLog())

	prepare(p, transaction.Record{Key: "k", Value: 5, TxnID: 43})
	decide(p, 43, transaction.DecisionAbort)

	_, ok := p.Read("k")
	assert.False(t, ok)
	assert.Zero(t, p.Applied())
	assert.Len(t, rec.Sent(message.TypeAck), 1)

	// The lock is gone: a later transaction on the same key can vote YES.
	prepare(p, transaction.Record{Key: "k", Value: 6, TxnID: 44})
	assert.Equal(t, transaction.VoteYes, lastVote(t, rec))
}

func TestDuplicatePrepareResendsSameVote(t *testing.T) {
	log := wal.NewMemoryLog()
	p, rec := newTestParticipant(t, log)

	prepare(p, transaction.Record{Key: "k", Value: 5, TxnID: 42})
	prepare(p, transaction.Record{Key: "k", Value: 5, TxnID: 42})

	votes := rec.Sent(message.TypeVote)
	require.Len(t, votes, 2)
	assert.Equal(t, votes[0].Vote, votes[1].Vote)
	assert.Len(t, log.Entries(), 1, "a repeated PREPARE is not logged again")
}

func TestVotesNoOnConflicts(t *testing.T) {
	p, rec := newTestParticipant(t, wal.NewMemoryLog())

	prepare(p, transaction.Record{Key: "k", Value: 1, TxnID: 10})
	require.Equal(t, transaction.VoteYes, lastVote(t, rec))

	// Locked by txn 10.
	prepare(p, transaction.Record{Key: "k", Value: 2, TxnID: 11})
	assert.Equal(t, transaction.VoteNo, lastVote(t, rec))
	state, _ := p.State(11)
	assert.Equal(t, transaction.StateAborted, state)

	decide(p, 10, transaction.DecisionCommit)

	// Older than the committed write.
	prepare(p, transaction.Record{Key: "k", Value: 3, TxnID: 9})
	assert.Equal(t, transaction.VoteNo, lastVote(t, rec))

	prepare(p, transaction.Record{Key: "k", Value: 4, TxnID: 12})
	assert.Equal(t, transaction.VoteYes, lastVote(t, rec))
}

func TestValidatorCanRejectRecords(t *testing.T) {
	negative := WithValidator(func(r transaction.Record) error {
		if r.Value < 0 {
			return errors.New("negative values are not accepted")
		}
		return nil
	})
	p, rec := newTestParticipant(t, wal.NewMemoryLog(), negative)

	prepare(p, transaction.Record{Key: "k", Value: -1, TxnID: 1})
	assert.Equal(t, transaction.VoteNo, lastVote(t, rec))

	prepare(p, transaction.Record{Key: "k", Value: 1, TxnID: 2})
	assert.Equal(t, transaction.VoteYes, lastVote(t, rec))
}

func TestAbortBeforePrepareIsAcknowledged(t *testing.T) {
	p, rec := newTestParticipant(t, wal.NewMemoryLog())

	decide(p, 7, transaction.DecisionAbort)
	require.Len(t, rec.Sent(message.TypeAck), 1)

	// The PREPARE overtaken by the decision is refused.
	prepare(p, transaction.Record{Key: "k", Value: 1, TxnID: 7})
	assert.Equal(t, transaction.VoteNo, lastVote(t, rec))
	_, ok := p.Read("k")
	assert.False(t, ok)
}

func TestUncertainParticipantQueriesCoordinator(t *testing.T) {
	p, rec := newTestParticipant(t, wal.NewMemoryLog())

	prepare(p, transaction.Record{Key: "k", Value: 1, TxnID: 42})
	require.Eventually(t, func() bool { return len(rec.Sent(message.TypeQuery)) >= 2 }, time.Second, 5*time.Millisecond)
	q := rec.Sent(message.TypeQuery)[0]
	assert.Equal(t, uint64(42), q.TxnID)
	assert.Equal(t, coordinatorID, q.To)
	assert.Equal(t, []uint64{42}, p.Uncertain())

	decide(p, 42, transaction.DecisionCommit)
	time.Sleep(60 * time.Millisecond)
	n := len(rec.Sent(message.TypeQuery))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, n, len(rec.Sent(message.TypeQuery)), "queries stop once the decision is known")
}

func TestLogFailureHaltsWithoutReply(t *testing.T) {
	log := wal.NewMemoryLog()
	p, rec := newTestParticipant(t, log)
	log.FailAppends(errors.New("disk failure"))

	prepare(p, transaction.Record{Key: "k", Value: 1, TxnID: 1})
	assert.Empty(t, rec.Sent(message.TypeVote))
	assert.Error(t, p.Halted())

	log.FailAppends(nil)
	prepare(p, transaction.Record{Key: "j", Value: 1, TxnID: 2})
	assert.Empty(t, rec.Sent(message.TypeVote), "a halted participant stays silent")
}

func TestRecoverRebuildsStoreAndQueriesUncertain(t *testing.T) {
	log := wal.NewMemoryLog()
	first, _ := newTestParticipant(t, log)
	prepare(first, transaction.Record{Key: "a", Value: 1, TxnID: 1})
	decide(first, 1, transaction.DecisionCommit)
	prepare(first, transaction.Record{Key: "b", Value: 2, TxnID: 2})
	decide(first, 2, transaction.DecisionAbort)
	prepare(first, transaction.Record{Key: "c", Value: 3, TxnID: 3})
	require.NoError(t, first.Close())

	p, rec := newTestParticipant(t, log)
	stats, err := p.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RecoveryStats{Committed: 1, Aborted: 1, Uncertain: 1}, stats)

	got, ok := p.Read("a")
	require.True(t, ok)
	assert.Equal(t, Committed{Value: 1, TxnID: 1}, got)
	assert.Equal(t, []string{"a"}, p.Keys())

	queries := rec.Sent(message.TypeQuery)
	require.NotEmpty(t, queries)
	assert.Equal(t, uint64(3), queries[0].TxnID)

	// The uncertain transaction still holds its key.
	prepare(p, transaction.Record{Key: "c", Value: 9, TxnID: 4})
	assert.Equal(t, transaction.VoteNo, lastVote(t, rec))

	decide(p, 3, transaction.DecisionCommit)
	got, ok = p.Read("c")
	require.True(t, ok)
	assert.Equal(t, Committed{Value: 3, TxnID: 3}, got)
	assert.Equal(t, []string{"a", "c"}, p.Keys())
}
