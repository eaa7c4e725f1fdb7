// Package message defines the messages exchanged between a coordinator and its
// participants, and their binary encoding.
package message

import (
	"fmt"

	"github.com/sushant-115/gojotxn/core/transaction"
)

// Type identifies a protocol message.
type Type uint8

const (
	TypeUnknown Type = iota
	TypePrepare      // coordinator -> participant, carries the record
	TypeVote         // participant -> coordinator
	TypeDecide       // coordinator -> participant
	TypeAck          // participant -> coordinator
	TypeQuery        // uncertain participant -> coordinator
)

func (t Type) String() string {
	switch t {
	case TypePrepare:
		return "PREPARE"
	case TypeVote:
		return "VOTE"
	case TypeDecide:
		return "DECIDE"
	case TypeAck:
		return "ACK"
	case TypeQuery:
		return "QUERY"
	default:
		return "UNKNOWN"
	}
}

// Message is a single protocol message. Only the fields relevant to Type are set.
type Message struct {
	Type     Type
	TxnID    uint64
	From     string
	To       string
	Record   transaction.Record
	Vote     transaction.Vote
	Decision transaction.Decision
}

func (m Message) String() string {
	switch m.Type {
	case TypePrepare:
		return fmt.Sprintf("%s(%d) %s->%s %s", m.Type, m.TxnID, m.From, m.To, m.Record)
	case TypeVote:
		return fmt.Sprintf("%s(%d, %s) %s->%s", m.Type, m.TxnID, m.Vote, m.From, m.To)
	case TypeDecide:
		return fmt.Sprintf("%s(%d, %s) %s->%s", m.Type, m.TxnID, m.Decision, m.From, m.To)
	default:
		return fmt.Sprintf("%s(%d) %s->%s", m.Type, m.TxnID, m.From, m.To)
	}
}

func Prepare(from, to string, rec transaction.Record) Message {
	return Message{Type: TypePrepare, TxnID: rec.TxnID, From: from, To: to, Record: rec}
}

func Vote(from, to string, txnID uint64, v transaction.Vote) Message {
	return Message{Type: TypeVote, TxnID: txnID, From: from, To: to, Vote: v}
}

func Decide(from, to string, txnID uint64, d transaction.Decision) Message {
	return Message{Type: TypeDecide, TxnID: txnID, From: from, To: to, Decision: d}
}

func Ack(from, to string, txnID uint64) Message {
	return Message{Type: TypeAck, TxnID: txnID, From: from, To: to}
}

func Query(from, to string, txnID uint64) Message {
	return Message{Type: TypeQuery, TxnID: txnID, From: from, To: to}
}
