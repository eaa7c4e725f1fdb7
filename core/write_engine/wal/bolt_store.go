package wal

import (
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"go.uber.org/zap"
)

// boltTerm is written into every raft.Log. The store is used as a plain
// indexed log, so there is only ever one term.
const boltTerm = 1

// BoltStore is a Log kept in a BoltDB file through raft-boltdb's log store.
// Each Append is one committed (and fsynced) BoltDB transaction.
type BoltStore struct {
	mu      sync.Mutex
	store   *raftboltdb.BoltStore
	path    string
	nextLSN LSN
	closed  bool
	logger  *zap.Logger
}

// NewBoltStore opens the BoltDB file at path, creating it if needed.
func NewBoltStore(path string, logger *zap.Logger) (*BoltStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	store, err := raftboltdb.NewBoltStore(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt log %s: %w", path, err)
	}
	last, err := store.LastIndex()
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to read last index of bolt log %s: %w", path, err)
	}

	bs := &BoltStore{
		store:   store,
		path:    path,
		nextLSN: LSN(last) + 1,
		logger:  logger.Named("wal"),
	}
	bs.logger.Info("bolt log opened", zap.String("path", path), zap.Uint64("nextLSN", uint64(bs.nextLSN)))
	return bs, nil
}

func (b *BoltStore) Append(entry *Entry) (LSN, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return InvalidLSN, ErrClosed
	}

	entry.stamp(b.nextLSN)
	payload := entry.Serialize()
	if err := checkEntrySize(entry, payload); err != nil {
		entry.LSN = InvalidLSN
		return InvalidLSN, err
	}
	rl := &raft.Log{
		Index:      uint64(entry.LSN),
		Term:       boltTerm,
		Type:       raft.LogCommand,
		Data:       payload,
		AppendedAt: time.Unix(0, entry.Timestamp),
	}
	if err := b.store.StoreLog(rl); err != nil {
		return InvalidLSN, fmt.Errorf("failed to store log entry %d: %w", entry.LSN, err)
	}
	b.nextLSN++
	return entry.LSN, nil
}

func (b *BoltStore) Replay(fn func(Entry) error) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	last := b.nextLSN - 1
	b.mu.Unlock()

	first, err := b.store.FirstIndex()
	if err != nil {
		return fmt.Errorf("failed to read first index: %w", err)
	}
	if first == 0 {
		return nil
	}
	for idx := first; idx <= uint64(last); idx++ {
		var rl raft.Log
		if err := b.store.GetLog(idx, &rl); err != nil {
			return fmt.Errorf("failed to read log entry %d: %w", idx, err)
		}
		var e Entry
		if err := e.Deserialize(rl.Data); err != nil {
			return fmt.Errorf("failed to decode log entry %d: %w", idx, err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func (b *BoltStore) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.store.Close()
}
