// Package transport moves protocol messages between a coordinator and its participants.
package transport

import (
	"context"

	"github.com/sushant-115/gojotxn/core/message"
)

// Transport delivers a message to msg.To. Delivery is at-least-once at best:
// a nil error only means the message was handed off, not that it arrived.
// Implementations return an error wrapping transaction.ErrParticipantUnreachable
// when the destination is known to be down.
type Transport interface {
	Send(ctx context.Context, msg message.Message) error
}

// Handler consumes messages addressed to one node.
type Handler interface {
	HandleMessage(ctx context.Context, msg message.Message)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg message.Message)

func (f HandlerFunc) HandleMessage(ctx context.Context, msg message.Message) { f(ctx, msg) }
