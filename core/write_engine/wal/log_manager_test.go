package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/core/transaction"
)

// --- Test Helpers ---

// setupLogManager creates a LogManager in a temporary directory for isolated testing.
func setupLogManager(t *testing.T, segmentSize int64) (*LogManager, string) {
	t.Helper()
	tempDir := t.TempDir()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	lm, err := NewLogManager(tempDir, segmentSize, logger)
	require.NoError(t, err)
	return lm, tempDir
}

func replayAll(t *testing.T, l Log) []Entry {
	t.Helper()
	var out []Entry
	require.NoError(t, l.Replay(func(e Entry) error {
		out = append(out, e)
		return nil
	}))
	return out
}

func testRecord(id uint64) transaction.Record {
	return transaction.Record{Key: fmt.Sprintf("key-%d", id), Value: int64(id) * -3, TxnID: id}
}

// --- Test Cases ---

// TestLogManager_AppendAndReplay writes one entry of every kind and reads them
// back in order with dense, 1-based LSNs.
func TestLogManager_AppendAndReplay(t *testing.T) {
	lm, _ := setupLogManager(t, 0)
	defer lm.Close()

	written := []*Entry{
		BeginEntry(testRecord(42), []string{"A", "B", "C"}),
		VoteEntry(testRecord(42), transaction.VoteYes),
		DecisionEntry(42, transaction.DecisionAbort, transaction.ReasonPrepareTimeout),
		CompleteEntry(42),
	}
	for i, e := range written {
		lsn, err := lm.Append(e)
		require.NoError(t, err)
		require.Equal(t, LSN(i+1), lsn, "LSN should be sequential and 1-based")
	}

	got := replayAll(t, lm)
	require.Len(t, got, len(written))
	for i, e := range got {
		require.Equal(t, *written[i], e)
	}
}

// TestLogManager_RecoveryContinuesLSN simulates a restart: a new LogManager on
// the same directory sees the old entries and keeps numbering after them.
func TestLogManager_RecoveryContinuesLSN(t *testing.T) {
	tempDir := t.TempDir()

	lm1, err := NewLogManager(tempDir, 0, zap.NewNop())
	require.NoError(t, err)
	_, err = lm1.Append(BeginEntry(testRecord(1), []string{"A"}))
	require.NoError(t, err)
	_, err = lm1.Append(DecisionEntry(1, transaction.DecisionCommit, transaction.ReasonNone))
	require.NoError(t, err)
	require.NoError(t, lm1.Close())

	lm2, err := NewLogManager(tempDir, 0, zap.NewNop())
	require.NoError(t, err)
	defer lm2.Close()

	lsn, err := lm2.Append(CompleteEntry(1))
	require.NoError(t, err)
	require.Equal(t, LSN(3), lsn)

	got := replayAll(t, lm2)
	require.Len(t, got, 3)
	require.Equal(t, KindBegin, got[0].Kind)
	require.Equal(t, []string{"A"}, got[0].Participants)
	require.Equal(t, transaction.DecisionCommit, got[1].Decision)
	require.Equal(t, KindComplete, got[2].Kind)
}

// TestLogManager_RollsSegments checks that a small segment limit spreads the
// log over several files and that replay crosses segment boundaries in order.
func TestLogManager_RollsSegments(t *testing.T) {
	lm, dir := setupLogManager(t, 128)

	for i := uint64(1); i <= 20; i++ {
		_, err := lm.Append(VoteEntry(testRecord(i), transaction.VoteYes))
		require.NoError(t, err)
	}
	require.Greater(t, lm.Segments(), 1)

	got := replayAll(t, lm)
	require.Len(t, got, 20)
	for i, e := range got {
		require.Equal(t, LSN(i+1), e.LSN)
		require.Equal(t, uint64(i+1), e.TxnID)
	}
	require.NoError(t, lm.Close())

	_, err := os.Stat(filepath.Join(dir, "wal-00000000000000000001.log"))
	require.NoError(t, err, "first segment should be named after LSN 1")

	reopened, err := NewLogManager(dir, 128, zap.NewNop())
	require.NoError(t, err)
	defer reopened.Close()
	require.Len(t, replayAll(t, reopened), 20)
}

// TestLogManager_TruncatesTornTail appends garbage that looks like the start of
// a frame, as a crash in the middle of a write would leave, and expects the
// reopened log to drop it and keep appending cleanly.
func TestLogManager_TruncatesTornTail(t *testing.T) {
	tempDir := t.TempDir()

	lm, err := NewLogManager(tempDir, 0, zap.NewNop())
	require.NoError(t, err)
	_, err = lm.Append(VoteEntry(testRecord(7), transaction.VoteYes))
	require.NoError(t, err)
	require.NoError(t, lm.Close())

	path := filepath.Join(tempDir, "wal-00000000000000000001.log")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0640)
	require.NoError(t, err)
	_, err = f.Write([]byte{0x20, 0x00, 0x00, 0x00, 0xde, 0xad})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := NewLogManager(tempDir, 0, zap.NewNop())
	require.NoError(t, err)
	defer reopened.Close()

	lsn, err := reopened.Append(DecisionEntry(7, transaction.DecisionCommit, transaction.ReasonNone))
	require.NoError(t, err)
	require.Equal(t, LSN(2), lsn)

	got := replayAll(t, reopened)
	require.Len(t, got, 2)
	require.Equal(t, KindVote, got[0].Kind)
	require.Equal(t, KindDecision, got[1].Kind)
}

// TestLogManager_RejectsOversizedEntry checks that an entry the log could not
// read back is refused up front, and that the log keeps accepting and
// persisting the entries that follow it.
func TestLogManager_RejectsOversizedEntry(t *testing.T) {
	tempDir := t.TempDir()
	lm, err := NewLogManager(tempDir, 0, zap.NewNop())
	require.NoError(t, err)

	_, err = lm.Append(BeginEntry(testRecord(1), []string{"A"}))
	require.NoError(t, err)

	huge := transaction.Record{Key: strings.Repeat("k", MaxEntrySize), Value: 1, TxnID: 2}
	lsn, err := lm.Append(BeginEntry(huge, []string{"A"}))
	require.ErrorIs(t, err, ErrEntryTooLarge)
	require.Equal(t, InvalidLSN, lsn)

	lsn, err = lm.Append(DecisionEntry(1, transaction.DecisionCommit, transaction.ReasonNone))
	require.NoError(t, err)
	require.Equal(t, LSN(2), lsn)
	require.NoError(t, lm.Close())

	reopened, err := NewLogManager(tempDir, 0, zap.NewNop())
	require.NoError(t, err)
	defer reopened.Close()
	got := replayAll(t, reopened)
	require.Len(t, got, 2)
	require.Equal(t, KindBegin, got[0].Kind)
	require.Equal(t, KindDecision, got[1].Kind)
	require.Equal(t, transaction.DecisionCommit, got[1].Decision)
}

func TestOpen_EveryBackendRejectsOversizedEntry(t *testing.T) {
	huge := transaction.Record{Key: strings.Repeat("k", MaxEntrySize), Value: 1, TxnID: 3}
	for _, backend := range []string{"file", "bolt", "memory"} {
		t.Run(backend, func(t *testing.T) {
			l, err := Open(backend, t.TempDir(), 0, zap.NewNop())
			require.NoError(t, err)
			defer l.Close()

			_, err = l.Append(VoteEntry(huge, transaction.VoteYes))
			require.ErrorIs(t, err, ErrEntryTooLarge)
			lsn, err := l.Append(CompleteEntry(3))
			require.NoError(t, err)
			require.Equal(t, LSN(1), lsn)
		})
	}
}

func TestLogManager_ClosedLogRejectsAppend(t *testing.T) {
	lm, _ := setupLogManager(t, 0)
	require.NoError(t, lm.Close())

	_, err := lm.Append(CompleteEntry(1))
	require.ErrorIs(t, err, ErrClosed)
}

func TestBoltStore_AppendReplayAndReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "txn.bolt")

	bs, err := NewBoltStore(path, zap.NewNop())
	require.NoError(t, err)
	_, err = bs.Append(BeginEntry(testRecord(43), []string{"A", "B"}))
	require.NoError(t, err)
	_, err = bs.Append(DecisionEntry(43, transaction.DecisionAbort, transaction.ReasonVoteRejected))
	require.NoError(t, err)
	require.NoError(t, bs.Close())

	reopened, err := NewBoltStore(path, zap.NewNop())
	require.NoError(t, err)
	defer reopened.Close()

	lsn, err := reopened.Append(CompleteEntry(43))
	require.NoError(t, err)
	require.Equal(t, LSN(3), lsn)

	got := replayAll(t, reopened)
	require.Len(t, got, 3)
	require.Equal(t, testRecord(43), got[0].Record)
	require.Equal(t, transaction.ReasonVoteRejected, got[1].Reason)
	require.Equal(t, KindComplete, got[2].Kind)
}

func TestMemoryLog_SurvivesReopen(t *testing.T) {
	ml := NewMemoryLog()
	_, err := ml.Append(VoteEntry(testRecord(5), transaction.VoteNo))
	require.NoError(t, err)
	require.NoError(t, ml.Close())

	_, err = ml.Append(CompleteEntry(5))
	require.ErrorIs(t, err, ErrClosed)

	ml.Reopen()
	lsn, err := ml.Append(CompleteEntry(5))
	require.NoError(t, err)
	require.Equal(t, LSN(2), lsn)
	require.Len(t, ml.Entries(), 2)
}

func TestMemoryLog_FailAppends(t *testing.T) {
	ml := NewMemoryLog()
	diskFull := fmt.Errorf("no space left on device")
	ml.FailAppends(diskFull)

	_, err := ml.Append(CompleteEntry(1))
	require.ErrorIs(t, err, diskFull)
	require.Empty(t, ml.Entries())

	ml.FailAppends(nil)
	lsn, err := ml.Append(CompleteEntry(1))
	require.NoError(t, err)
	require.Equal(t, LSN(1), lsn)
}

func TestOpen_Backends(t *testing.T) {
	for _, backend := range []string{"file", "bolt", "memory"} {
		t.Run(backend, func(t *testing.T) {
			l, err := Open(backend, filepath.Join(t.TempDir(), "log"), DefaultSegmentSizeLimit, zap.NewNop())
			require.NoError(t, err)
			defer l.Close()

			_, err = l.Append(BeginEntry(testRecord(1), []string{"A"}))
			require.NoError(t, err)
			got := replayAll(t, l)
			require.Len(t, got, 1)
			require.Equal(t, testRecord(1), got[0].Record)
		})
	}

	_, err := Open("tape", t.TempDir(), 0, zap.NewNop())
	require.Error(t, err)
}
