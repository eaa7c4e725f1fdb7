package message

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/sushant-115/gojotxn/core/transaction"
)

// Field numbers of the wire format. Unknown fields are skipped on decode so
// that newer peers can add fields.
const (
	fieldType     protowire.Number = 1
	fieldTxnID    protowire.Number = 2
	fieldFrom     protowire.Number = 3
	fieldTo       protowire.Number = 4
	fieldKey      protowire.Number = 5
	fieldValue    protowire.Number = 6
	fieldRecordID protowire.Number = 7
	fieldVote     protowire.Number = 8
	fieldDecision protowire.Number = 9
)

// Marshal encodes m in protobuf wire format.
func Marshal(m *Message) []byte {
	b := make([]byte, 0, 64)
	b = appendVarint(b, fieldType, uint64(m.Type))
	b = appendVarint(b, fieldTxnID, m.TxnID)
	b = appendString(b, fieldFrom, m.From)
	b = appendString(b, fieldTo, m.To)
	if m.Type == TypePrepare {
		b = appendString(b, fieldKey, m.Record.Key)
		b = appendVarint(b, fieldValue, protowire.EncodeZigZag(m.Record.Value))
		b = appendVarint(b, fieldRecordID, m.Record.TxnID)
	}
	b = appendVarint(b, fieldVote, uint64(m.Vote))
	b = appendVarint(b, fieldDecision, uint64(m.Decision))
	return b
}

// Unmarshal decodes b into m.
func Unmarshal(b []byte, m *Message) error {
	*m = Message{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("failed to read message tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("failed to read field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldType:
				m.Type = Type(v)
			case fieldTxnID:
				m.TxnID = v
			case fieldValue:
				m.Record.Value = protowire.DecodeZigZag(v)
			case fieldRecordID:
				m.Record.TxnID = v
			case fieldVote:
				m.Vote = transaction.Vote(v)
			case fieldDecision:
				m.Decision = transaction.Decision(v)
			}
		case typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return fmt.Errorf("failed to read field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldFrom:
				m.From = v
			case fieldTo:
				m.To = v
			case fieldKey:
				m.Record.Key = v
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("failed to skip field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if m.Type == TypeUnknown {
		return fmt.Errorf("message without type")
	}
	if m.Type == TypeDecide && m.Decision != transaction.DecisionCommit && m.Decision != transaction.DecisionAbort {
		return fmt.Errorf("decide for txn %d without a commit or abort decision", m.TxnID)
	}
	return nil
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}
