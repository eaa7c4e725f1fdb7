package transport

import (
	"context"
	"sync"

	"github.com/sushant-115/gojotxn/core/message"
)

// Recorder is a Transport that keeps every message it is asked to send.
// OnSend, when set, runs before the message is recorded; a non-nil error is
// returned to the sender and the message is not recorded.
type Recorder struct {
	OnSend func(msg message.Message) error

	mu   sync.Mutex
	sent []message.Message
}

func (r *Recorder) Send(_ context.Context, msg message.Message) error {
	if r.OnSend != nil {
		if err := r.OnSend(msg); err != nil {
			return err
		}
	}
	r.mu.Lock()
	r.sent = append(r.sent, msg)
	r.mu.Unlock()
	return nil
}

// Sent returns the recorded messages matching every given type (all if none given).
func (r *Recorder) Sent(types ...message.Type) []message.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []message.Message
	for _, m := range r.sent {
		if len(types) == 0 {
			out = append(out, m)
			continue
		}
		for _, t := range types {
			if m.Type == t {
				out = append(out, m)
				break
			}
		}
	}
	return out
}

// Reset forgets everything recorded so far.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.sent = nil
	r.mu.Unlock()
}
