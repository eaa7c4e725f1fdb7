package coordinator

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sushant-115/gojotxn/core/message"
	"github.com/sushant-115/gojotxn/core/transaction"
)

// txnState is the coordinator's view of one transaction. Every field is
// guarded by mu. Coordinator.mu is never held while acquiring mu.
type txnState struct {
	mu           sync.Mutex
	record       transaction.Record
	instanceID   uuid.UUID
	participants []string
	phase        transaction.Phase
	votes        map[string]transaction.Vote
	unreachable  map[string]bool
	decision     transaction.Decision
	reason       transaction.AbortReason
	acked        map[string]bool
	failed       bool // decision could not be logged; nothing more is sent for this txn
	startedAt    time.Time

	timer   *time.Timer   // prepare timeout, nil once decided or when recovered
	kick    chan struct{} // resets the retransmission backoff
	decided chan struct{}
	done    chan struct{}
	stop    context.CancelFunc // stops the retransmitter
}

func newTxnState(rec transaction.Record, participants []string) *txnState {
	return &txnState{
		record:       rec,
		instanceID:   uuid.New(),
		participants: append([]string(nil), participants...),
		phase:        transaction.PhaseInit,
		votes:        make(map[string]transaction.Vote, len(participants)),
		unreachable:  make(map[string]bool),
		acked:        make(map[string]bool, len(participants)),
		startedAt:    time.Now(),
		kick:         make(chan struct{}, 1),
		decided:      make(chan struct{}),
		done:         make(chan struct{}),
		stop:         func() {},
	}
}

func (st *txnState) isParticipant(id string) bool {
	return slices.Contains(st.participants, id)
}

// isParticipant reports whether id is one of the configured participants.
// Finished transactions no longer carry their own list.
func (c *Coordinator) isParticipant(id string) bool {
	return slices.Contains(c.cfg.Participants, id)
}

func (st *txnState) outcome() transaction.Outcome {
	return transaction.Outcome{TxnID: st.record.TxnID, Decision: st.decision, Reason: st.reason}
}

// pending returns the messages still owed to participants: PREPARE to those
// that have not voted while preparing, DECIDE to those that have not acked
// once decided. MUST be called with st.mu held.
func (st *txnState) pending(from string) []message.Message {
	if st.failed {
		return nil
	}
	var out []message.Message
	switch st.phase {
	case transaction.PhasePreparing:
		for _, p := range st.participants {
			if _, voted := st.votes[p]; !voted {
				out = append(out, message.Prepare(from, p, st.record))
			}
		}
	case transaction.PhaseCommitting, transaction.PhaseAborting:
		for _, p := range st.participants {
			if !st.acked[p] {
				out = append(out, message.Decide(from, p, st.record.TxnID, st.decision))
			}
		}
	}
	return out
}

// status snapshots st. MUST be called with st.mu held.
func (st *txnState) status() Status {
	votes := make(map[string]transaction.Vote, len(st.votes))
	for p, v := range st.votes {
		votes[p] = v
	}
	acked := make([]string, 0, len(st.acked))
	for _, p := range st.participants {
		if st.acked[p] {
			acked = append(acked, p)
		}
	}
	return Status{
		Record:       st.record,
		InstanceID:   st.instanceID,
		Participants: append([]string(nil), st.participants...),
		Phase:        st.phase,
		Votes:        votes,
		Decision:     st.decision,
		Reason:       st.reason,
		Acked:        acked,
	}
}
