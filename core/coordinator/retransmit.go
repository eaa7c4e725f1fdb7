package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/core/message"
	"github.com/sushant-115/gojotxn/core/transaction"
)

// startRetransmitter runs the resend loop of st until it completes or the
// coordinator closes. MUST be called with st.mu held.
func (c *Coordinator) startRetransmitter(st *txnState) {
	ctx, cancel := context.WithCancel(c.ctx)
	st.stop = cancel
	c.wg.Add(1)
	go c.retransmit(ctx, st)
}

// retransmit resends whatever st still owes its participants, doubling the
// delay after every round up to RetryMax. A new decision resets the delay.
func (c *Coordinator) retransmit(ctx context.Context, st *txnState) {
	defer c.wg.Done()
	backoff := c.cfg.RetryInitial
	timer := time.NewTimer(backoff)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-st.kick:
			backoff = c.cfg.RetryInitial
			resetTimer(timer, backoff)
			continue
		case <-timer.C:
		}

		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return
			}
		}
		st.mu.Lock()
		out := st.pending(c.cfg.ID)
		st.mu.Unlock()
		if len(out) > 0 {
			c.metrics.Retransmitted(ctx, out[0].Type, len(out))
			c.logger.Debug("retransmitting",
				zap.Uint64("txn_id", st.record.TxnID),
				zap.Stringer("type", out[0].Type),
				zap.Int("count", len(out)),
				zap.Duration("backoff", backoff))
			c.sendAll(st, out)
		}

		backoff *= 2
		if backoff > c.cfg.RetryMax {
			backoff = c.cfg.RetryMax
		}
		timer.Reset(backoff)
	}
}

// resetTimer re-arms t whether or not it has fired.
func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// sendAll sends msgs concurrently. Participants the transport reports as
// unreachable are remembered on st so a later timeout names the cause.
func (c *Coordinator) sendAll(st *txnState, msgs []message.Message) {
	if len(msgs) == 0 {
		return
	}
	var wg sync.WaitGroup
	for _, msg := range msgs {
		wg.Add(1)
		go func(msg message.Message) {
			defer wg.Done()
			if err := c.send(msg); err != nil && errors.Is(err, transaction.ErrParticipantUnreachable) {
				st.mu.Lock()
				st.unreachable[msg.To] = true
				st.mu.Unlock()
			}
		}(msg)
	}
	wg.Wait()
}

func (c *Coordinator) reply(msg message.Message) {
	_ = c.send(msg)
}

func (c *Coordinator) send(msg message.Message) error {
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.SendTimeout)
	defer cancel()
	err := c.transport.Send(ctx, msg)
	if err != nil {
		c.logger.Debug("send failed",
			zap.Stringer("msg", msg),
			zap.Error(err))
	}
	return err
}
