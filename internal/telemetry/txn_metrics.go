package internaltelemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/sushant-115/gojotxn/core/message"
	"github.com/sushant-115/gojotxn/core/transaction"
)

// TxnMetrics holds the instruments of the coordination core, shared by the
// coordinator and participant roles.
type TxnMetrics struct {
	StartedCounter          metric.Int64Counter
	DecidedCounter          metric.Int64Counter
	DecisionLatency         metric.Int64Histogram
	RetransmitCounter       metric.Int64Counter
	InFlightUpDownCounter   metric.Int64UpDownCounter
	VotesCounter            metric.Int64Counter
	AppliedCounter          metric.Int64Counter
	DuplicateMessageCounter metric.Int64Counter
}

// NewTxnMetrics creates and registers the transaction instruments on meter.
func NewTxnMetrics(meter metric.Meter) (*TxnMetrics, error) {
	m := &TxnMetrics{}
	var err error

	if m.StartedCounter, err = meter.Int64Counter("gojotxn.txn.started_total",
		metric.WithDescription("Transactions handed to the coordinator."),
		metric.WithUnit("1")); err != nil {
		return nil, err
	}
	if m.DecidedCounter, err = meter.Int64Counter("gojotxn.txn.decided_total",
		metric.WithDescription("Decisions written to the coordinator log."),
		metric.WithUnit("1")); err != nil {
		return nil, err
	}
	if m.DecisionLatency, err = meter.Int64Histogram("gojotxn.txn.decision_latency",
		metric.WithDescription("Time from Begin to a logged decision."),
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if m.RetransmitCounter, err = meter.Int64Counter("gojotxn.txn.retransmits_total",
		metric.WithDescription("PREPARE, DECIDE and QUERY messages sent again after a timeout."),
		metric.WithUnit("1")); err != nil {
		return nil, err
	}
	if m.InFlightUpDownCounter, err = meter.Int64UpDownCounter("gojotxn.txn.in_flight",
		metric.WithDescription("Transactions not yet acknowledged by every participant."),
		metric.WithUnit("1")); err != nil {
		return nil, err
	}
	if m.VotesCounter, err = meter.Int64Counter("gojotxn.participant.votes_total",
		metric.WithDescription("Votes cast by participants."),
		metric.WithUnit("1")); err != nil {
		return nil, err
	}
	if m.AppliedCounter, err = meter.Int64Counter("gojotxn.participant.applied_total",
		metric.WithDescription("Decisions applied by participants."),
		metric.WithUnit("1")); err != nil {
		return nil, err
	}
	if m.DuplicateMessageCounter, err = meter.Int64Counter("gojotxn.message.duplicates_total",
		metric.WithDescription("Messages recognised as duplicates and absorbed."),
		metric.WithUnit("1")); err != nil {
		return nil, err
	}
	return m, nil
}

// NopTxnMetrics returns instruments that record nothing.
func NopTxnMetrics() *TxnMetrics {
	m, _ := NewTxnMetrics(noop.NewMeterProvider().Meter(""))
	return m
}

func (m *TxnMetrics) Started(ctx context.Context) {
	m.StartedCounter.Add(ctx, 1)
	m.InFlightUpDownCounter.Add(ctx, 1)
}

func (m *TxnMetrics) Decided(ctx context.Context, d transaction.Decision, reason transaction.AbortReason, since time.Time) {
	attrs := metric.WithAttributes(
		attribute.String("decision", d.String()),
		attribute.String("reason", reason.String()),
	)
	m.DecidedCounter.Add(ctx, 1, attrs)
	if !since.IsZero() {
		m.DecisionLatency.Record(ctx, time.Since(since).Milliseconds(), attrs)
	}
}

func (m *TxnMetrics) Completed(ctx context.Context) {
	m.InFlightUpDownCounter.Add(ctx, -1)
}

func (m *TxnMetrics) Retransmitted(ctx context.Context, t message.Type, n int) {
	m.RetransmitCounter.Add(ctx, int64(n), metric.WithAttributes(attribute.String("type", t.String())))
}

func (m *TxnMetrics) Voted(ctx context.Context, v transaction.Vote) {
	m.VotesCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("vote", v.String())))
}

func (m *TxnMetrics) Applied(ctx context.Context, d transaction.Decision) {
	m.AppliedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("decision", d.String())))
}

func (m *TxnMetrics) Duplicate(ctx context.Context, t message.Type) {
	m.DuplicateMessageCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("type", t.String())))
}
