package transaction

import "errors"

var (
	// ErrParticipantUnreachable is returned when a message could not be handed to a participant.
	ErrParticipantUnreachable = errors.New("participant unreachable")
	// ErrVoteRejected reports that at least one participant voted NO.
	ErrVoteRejected = errors.New("vote rejected")
	// ErrLogWriteFailure is fatal for the process that hit it: nothing may be sent
	// that depends on a record which did not reach the log.
	ErrLogWriteFailure = errors.New("transaction log write failed")
	// ErrDuplicateMessage marks a message that was already processed. It is never surfaced to clients.
	ErrDuplicateMessage = errors.New("duplicate message")
	// ErrAborted is the generic abort for reasons without a dedicated error.
	ErrAborted = errors.New("transaction aborted")

	// ErrRecordTooLarge rejects a record whose log entry would not fit in the transaction log.
	ErrRecordTooLarge = errors.New("record too large")

	ErrDuplicateTransaction = errors.New("transaction id already in use")
	ErrUnknownTransaction   = errors.New("unknown transaction")
	ErrCoordinatorHalted    = errors.New("coordinator halted")
	ErrParticipantHalted    = errors.New("participant halted")
)
