package transaction

import (
	"errors"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRandomGenerator_SameSeedSameSequence(t *testing.T) {
	a := NewRandomGenerator(7)
	b := NewRandomGenerator(7)

	for i := 0; i < 50; i++ {
		require.Equal(t, a.Next(), b.Next())
	}
}

func TestRandomGenerator_StaysInRange(t *testing.T) {
	g := NewRandomGenerator(1)
	for i := 0; i < 500; i++ {
		rec := g.Next()
		k, err := strconv.Atoi(rec.Key)
		require.NoError(t, err)
		assert.True(t, k >= 0 && k < 100)
		assert.True(t, rec.Value >= 0 && rec.Value < 100)
		assert.Less(t, rec.TxnID, uint64(100))
	}
}

func TestUniqueGenerator_IdsStrictlyIncreaseUnderConcurrency(t *testing.T) {
	g := NewUniqueGenerator(NewRandomGenerator(3), 1000)

	const workers, perWorker = 8, 100
	ids := make(chan uint64, workers*perWorker)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				ids <- g.Next().TxnID
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[uint64]bool)
	for id := range ids {
		require.False(t, seen[id], "id %d handed out twice", id)
		require.Greater(t, id, uint64(1000))
		seen[id] = true
	}
	require.Len(t, seen, workers*perWorker)
}

func TestOutcome_ErrMapsReasons(t *testing.T) {
	require.NoError(t, Outcome{TxnID: 1, Decision: DecisionCommit}.Err())

	err := Outcome{TxnID: 2, Decision: DecisionAbort, Reason: ReasonVoteRejected}.Err()
	require.True(t, errors.Is(err, ErrVoteRejected))

	err = Outcome{TxnID: 3, Decision: DecisionAbort, Reason: ReasonParticipantUnreachable}.Err()
	require.True(t, errors.Is(err, ErrParticipantUnreachable))

	err = Outcome{TxnID: 4, Decision: DecisionAbort, Reason: ReasonPrepareTimeout}.Err()
	require.True(t, errors.Is(err, ErrAborted))
	require.Contains(t, err.Error(), "prepare_timeout")
}

func TestEnumsHaveStableNames(t *testing.T) {
	assert.Equal(t, "YES", VoteYes.String())
	assert.Equal(t, "ABORT", DecisionAbort.String())
	assert.Equal(t, "COMMITTING", PhaseCommitting.String())
	assert.Equal(t, "UNCERTAIN", StateUncertain.String())
	assert.Equal(t, "UNRECOGNIZED_PHASE", Phase(42).String())
}
