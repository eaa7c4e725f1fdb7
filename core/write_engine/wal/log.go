// Package wal implements the append-only transaction logs owned by the
// coordinator and by every participant.
//
// Every implementation is durable when Append returns: callers rely on that to
// send a message only after the record that justifies it is on stable storage.
package wal

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// ErrClosed is returned by operations on a closed log.
var ErrClosed = errors.New("log is closed")

// ErrEntryTooLarge is returned by Append for an entry whose encoding exceeds
// MaxEntrySize. Nothing is written and the log stays usable.
var ErrEntryTooLarge = errors.New("log entry too large")

// MaxEntrySize bounds the encoded size of a single entry on every backend.
const MaxEntrySize = 1 << 20

// CheckSize reports whether entry would exceed MaxEntrySize once stamped, so
// callers can refuse it before it reaches Append.
func CheckSize(entry *Entry) error {
	e := *entry
	e.LSN = LSN(math.MaxUint64)
	if e.Timestamp == 0 {
		e.Timestamp = math.MinInt64
	}
	return checkEntrySize(&e, e.Serialize())
}

// checkEntrySize rejects payloads that the file log could not read back.
func checkEntrySize(entry *Entry, payload []byte) error {
	if len(payload) > MaxEntrySize {
		return fmt.Errorf("%w: txn %d %s entry is %d bytes, limit %d",
			ErrEntryTooLarge, entry.TxnID, entry.Kind, len(payload), MaxEntrySize)
	}
	return nil
}

// Log is an append-only, replayable transaction log with a single writer.
type Log interface {
	// Append assigns the next LSN to entry and persists it before returning.
	Append(entry *Entry) (LSN, error)
	// Replay calls fn for every entry in LSN order. It stops at the first error fn returns.
	Replay(fn func(Entry) error) error
	Close() error
}

// Open opens the log backend named by backend under dir: "file" for the
// segmented write-ahead log, "bolt" for a BoltDB log store, "memory" for a
// volatile log.
func Open(backend, dir string, segmentSize int64, logger *zap.Logger) (Log, error) {
	switch backend {
	case "file":
		return NewLogManager(dir, segmentSize, logger)
	case "bolt":
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create log directory %s: %w", dir, err)
		}
		return NewBoltStore(filepath.Join(dir, "txn.bolt"), logger)
	case "memory":
		return NewMemoryLog(), nil
	default:
		return nil, fmt.Errorf("unknown log backend %q", backend)
	}
}

// MemoryLog keeps entries in memory. It survives a simulated crash of its
// owner as long as the same instance is handed to the restarted process.
type MemoryLog struct {
	mu      sync.Mutex
	entries []Entry
	closed  bool
	failErr error
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

func (m *MemoryLog) Append(entry *Entry) (LSN, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return InvalidLSN, ErrClosed
	}
	if m.failErr != nil {
		return InvalidLSN, m.failErr
	}
	entry.stamp(LSN(len(m.entries) + 1))
	if err := checkEntrySize(entry, entry.Serialize()); err != nil {
		entry.LSN = InvalidLSN
		return InvalidLSN, err
	}
	e := *entry
	e.Participants = append([]string(nil), entry.Participants...)
	m.entries = append(m.entries, e)
	return entry.LSN, nil
}

func (m *MemoryLog) Replay(fn func(Entry) error) error {
	m.mu.Lock()
	entries := make([]Entry, len(m.entries))
	copy(entries, m.entries)
	m.mu.Unlock()

	for _, e := range entries {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// Reopen makes a closed MemoryLog writable again, the in-memory equivalent of
// a restarted process opening its log file.
func (m *MemoryLog) Reopen() {
	m.mu.Lock()
	m.closed = false
	m.mu.Unlock()
}

// FailAppends makes every following Append return err without writing
// anything, as a full or failing disk would. A nil err clears the fault.
func (m *MemoryLog) FailAppends(err error) {
	m.mu.Lock()
	m.failErr = err
	m.mu.Unlock()
}

func (m *MemoryLog) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Entries returns a copy of every entry written so far.
func (m *MemoryLog) Entries() []Entry {
	var out []Entry
	_ = m.Replay(func(e Entry) error {
		out = append(out, e)
		return nil
	})
	return out
}
