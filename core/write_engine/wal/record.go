package wal

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/sushant-115/gojotxn/core/transaction"
)

// LSN is the log sequence number of an entry. LSNs start at 1 and are dense.
type LSN uint64

const InvalidLSN LSN = 0

// EntryKind defines what a log entry records.
type EntryKind uint8

const (
	// Coordinator entries
	KindBegin    EntryKind = iota + 1 // Record and participant set of a new transaction
	KindDecision                      // Global decision (also written by participants before applying)
	KindComplete                      // Every participant acknowledged the decision
	// Participant entries
	KindVote // Vote cast in answer to PREPARE, with the record it covers
)

func (k EntryKind) String() string {
	switch k {
	case KindBegin:
		return "BEGIN"
	case KindDecision:
		return "DECISION"
	case KindComplete:
		return "COMPLETE"
	case KindVote:
		return "VOTE"
	default:
		return "UNKNOWN"
	}
}

// Entry is a single append-only record of the transaction log.
type Entry struct {
	LSN          LSN
	TxnID        uint64
	Kind         EntryKind
	Timestamp    int64
	Record       transaction.Record
	Participants []string
	Vote         transaction.Vote
	Decision     transaction.Decision
	Reason       transaction.AbortReason
}

func BeginEntry(rec transaction.Record, participants []string) *Entry {
	return &Entry{TxnID: rec.TxnID, Kind: KindBegin, Record: rec, Participants: participants}
}

func DecisionEntry(txnID uint64, d transaction.Decision, reason transaction.AbortReason) *Entry {
	return &Entry{TxnID: txnID, Kind: KindDecision, Decision: d, Reason: reason}
}

func CompleteEntry(txnID uint64) *Entry {
	return &Entry{TxnID: txnID, Kind: KindComplete}
}

func VoteEntry(rec transaction.Record, v transaction.Vote) *Entry {
	return &Entry{TxnID: rec.TxnID, Kind: KindVote, Record: rec, Vote: v}
}

// stamp fills in the fields owned by the log.
func (e *Entry) stamp(lsn LSN) {
	e.LSN = lsn
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixNano()
	}
}

const (
	fieldLSN          protowire.Number = 1
	fieldTxnID        protowire.Number = 2
	fieldKind         protowire.Number = 3
	fieldTimestamp    protowire.Number = 4
	fieldKey          protowire.Number = 5
	fieldValue        protowire.Number = 6
	fieldRecordTxnID  protowire.Number = 7
	fieldParticipants protowire.Number = 8
	fieldVote         protowire.Number = 9
	fieldDecision     protowire.Number = 10
	fieldReason       protowire.Number = 11
)

// Serialize converts an Entry into protobuf wire format.
// This format must be stable for recovery.
func (e *Entry) Serialize() []byte {
	b := make([]byte, 0, 64)
	b = protowire.AppendTag(b, fieldLSN, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.LSN))
	b = protowire.AppendTag(b, fieldTxnID, protowire.VarintType)
	b = protowire.AppendVarint(b, e.TxnID)
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Kind))
	b = protowire.AppendTag(b, fieldTimestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(e.Timestamp))

	if e.Kind == KindBegin || e.Kind == KindVote {
		b = protowire.AppendTag(b, fieldKey, protowire.BytesType)
		b = protowire.AppendString(b, e.Record.Key)
		b = protowire.AppendTag(b, fieldValue, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(e.Record.Value))
		b = protowire.AppendTag(b, fieldRecordTxnID, protowire.VarintType)
		b = protowire.AppendVarint(b, e.Record.TxnID)
	}
	for _, p := range e.Participants {
		b = protowire.AppendTag(b, fieldParticipants, protowire.BytesType)
		b = protowire.AppendString(b, p)
	}
	if e.Vote != transaction.VoteUnset {
		b = protowire.AppendTag(b, fieldVote, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(e.Vote))
	}
	if e.Decision != transaction.DecisionUnknown {
		b = protowire.AppendTag(b, fieldDecision, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(e.Decision))
	}
	if e.Reason != transaction.ReasonNone {
		b = protowire.AppendTag(b, fieldReason, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(e.Reason))
	}
	return b
}

// Deserialize reads a byte slice produced by Serialize into e.
func (e *Entry) Deserialize(data []byte) error {
	*e = Entry{}
	b := data
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("failed to deserialize tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("failed to deserialize field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldLSN:
				e.LSN = LSN(v)
			case fieldTxnID:
				e.TxnID = v
			case fieldKind:
				e.Kind = EntryKind(v)
			case fieldTimestamp:
				e.Timestamp = protowire.DecodeZigZag(v)
			case fieldValue:
				e.Record.Value = protowire.DecodeZigZag(v)
			case fieldRecordTxnID:
				e.Record.TxnID = v
			case fieldVote:
				e.Vote = transaction.Vote(v)
			case fieldDecision:
				e.Decision = transaction.Decision(v)
			case fieldReason:
				e.Reason = transaction.AbortReason(v)
			}
		case protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return fmt.Errorf("failed to deserialize field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldKey:
				e.Record.Key = v
			case fieldParticipants:
				e.Participants = append(e.Participants, v)
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("failed to skip field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if e.Kind == 0 {
		return fmt.Errorf("log entry without kind")
	}
	return nil
}
