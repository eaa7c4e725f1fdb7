package transaction

import "fmt"

// Record is the unit of work fed to the coordinator: a single key/value write
// tagged with the id of the transaction that carries it.
type Record struct {
	Key   string `json:"key"`
	Value int64  `json:"value"`
	TxnID uint64 `json:"txn_id"`
}

func (r Record) String() string {
	return fmt.Sprintf("txn=%d %s=%d", r.TxnID, r.Key, r.Value)
}

// Vote is a participant's answer to PREPARE.
type Vote uint8

const (
	VoteUnset Vote = iota
	VoteYes
	VoteNo
)

func (v Vote) String() string {
	switch v {
	case VoteYes:
		return "YES"
	case VoteNo:
		return "NO"
	default:
		return "UNSET"
	}
}

// Decision is the coordinator's global outcome for a transaction.
type Decision uint8

const (
	DecisionUnknown Decision = iota
	DecisionCommit
	DecisionAbort
)

func (d Decision) String() string {
	switch d {
	case DecisionCommit:
		return "COMMIT"
	case DecisionAbort:
		return "ABORT"
	default:
		return "UNKNOWN"
	}
}

// Phase is the coordinator-side state of a transaction.
type Phase uint8

const (
	PhaseInit Phase = iota
	PhasePreparing
	PhaseCommitting
	PhaseAborting
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "INIT"
	case PhasePreparing:
		return "PREPARING"
	case PhaseCommitting:
		return "COMMITTING"
	case PhaseAborting:
		return "ABORTING"
	case PhaseDone:
		return "DONE"
	default:
		return "UNRECOGNIZED_PHASE"
	}
}

// ParticipantState represents the state of a transaction on a participant.
type ParticipantState uint8

const (
	StateNone      ParticipantState = iota // Nothing known about the transaction
	StateUncertain                         // Voted YES, waiting for the global decision
	StateCommitted                         // COMMIT applied
	StateAborted                           // ABORT applied, or voted NO
)

func (s ParticipantState) String() string {
	switch s {
	case StateNone:
		return "NONE"
	case StateUncertain:
		return "UNCERTAIN"
	case StateCommitted:
		return "COMMITTED"
	case StateAborted:
		return "ABORTED"
	default:
		return "UNRECOGNIZED_STATE"
	}
}

// AbortReason explains why a transaction aborted. ReasonNone accompanies COMMIT.
type AbortReason uint8

const (
	ReasonNone AbortReason = iota
	ReasonVoteRejected
	ReasonPrepareTimeout
	ReasonParticipantUnreachable
	ReasonCoordinatorRecovery
	ReasonLogWriteFailure
)

func (r AbortReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonVoteRejected:
		return "vote_rejected"
	case ReasonPrepareTimeout:
		return "prepare_timeout"
	case ReasonParticipantUnreachable:
		return "participant_unreachable"
	case ReasonCoordinatorRecovery:
		return "coordinator_recovery"
	case ReasonLogWriteFailure:
		return "log_write_failure"
	default:
		return "unknown"
	}
}

// Outcome is what a client learns about its transaction.
type Outcome struct {
	TxnID    uint64
	Decision Decision
	Reason   AbortReason
}

// Committed reports whether the transaction committed.
func (o Outcome) Committed() bool {
	return o.Decision == DecisionCommit
}

// Err maps an aborted outcome onto the error taxonomy. It returns nil for COMMIT.
func (o Outcome) Err() error {
	if o.Decision == DecisionCommit {
		return nil
	}
	switch o.Reason {
	case ReasonVoteRejected:
		return fmt.Errorf("txn %d: %w", o.TxnID, ErrVoteRejected)
	case ReasonParticipantUnreachable:
		return fmt.Errorf("txn %d: %w", o.TxnID, ErrParticipantUnreachable)
	case ReasonLogWriteFailure:
		return fmt.Errorf("txn %d: %w", o.TxnID, ErrLogWriteFailure)
	default:
		return fmt.Errorf("txn %d: %w (%s)", o.TxnID, ErrAborted, o.Reason)
	}
}

func (o Outcome) String() string {
	if o.Decision == DecisionCommit {
		return fmt.Sprintf("txn %d COMMIT", o.TxnID)
	}
	return fmt.Sprintf("txn %d %s (%s)", o.TxnID, o.Decision, o.Reason)
}
