package otelx

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "tracewait"

// Metrics holds all OTEL metric instruments for tracewait.
// All counters are cumulative (monotonic) and safe for concurrent use.
type Metrics struct {
	// Wait outcome counters, partitioned by terminal state via attributes.
	WaitOutcomes metric.Int64Counter

	// BacklogDrops counts records evicted from a Bus backlog on overflow.
	BacklogDrops metric.Int64Counter

	// SubscriberDrops counts waits that ended Cancelled/Overflow because
	// their subscriber's mailbox was full and dropped records.
	SubscriberDrops metric.Int64Counter

	// ProcessKills counts the termination escalation path taken by the
	// Process Controller (graceful vs forced).
	ProcessKills metric.Int64Counter

	// WaitDuration records wall-clock time spent inside Wait calls.
	WaitDuration metric.Float64Histogram
}

// NewMetrics creates all metric instruments. Returns no-op instruments
// when no MeterProvider is registered (safe to call unconditionally).
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.WaitOutcomes, err = meter.Int64Counter("wait.outcomes",
		metric.WithDescription("Terminal wait outcomes partitioned by state (accepted, rejected, timeout, cancelled, transport_closed, process_exited)"))
	if err != nil {
		return nil, err
	}

	m.BacklogDrops, err = meter.Int64Counter("tracebus.backlog_drops",
		metric.WithDescription("Number of records evicted from the backlog due to capacity overflow"))
	if err != nil {
		return nil, err
	}

	m.SubscriberDrops, err = meter.Int64Counter("tracebus.subscriber_drops",
		metric.WithDescription("Number of waits cancelled because their subscriber's mailbox was full and dropped records"))
	if err != nil {
		return nil, err
	}

	m.ProcessKills, err = meter.Int64Counter("procctl.kills",
		metric.WithDescription("Process tree termination escalations partitioned by signal (graceful, forced)"))
	if err != nil {
		return nil, err
	}

	m.WaitDuration, err = meter.Float64Histogram("wait.duration_ms",
		metric.WithDescription("Wall-clock duration of Wait calls in milliseconds"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordOutcome records a terminal wait outcome.
func (m *Metrics) RecordOutcome(ctx context.Context, state string) {
	if m == nil {
		return
	}
	m.WaitOutcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("wait.state", state)))
}

// RecordBacklogDrop records a backlog eviction.
func (m *Metrics) RecordBacklogDrop(ctx context.Context) {
	if m == nil {
		return
	}
	m.BacklogDrops.Add(ctx, 1)
}

// RecordSubscriberDrop records one wait cancelled by a per-subscriber
// mailbox overflow.
func (m *Metrics) RecordSubscriberDrop(ctx context.Context) {
	if m == nil {
		return
	}
	m.SubscriberDrops.Add(ctx, 1)
}

// RecordProcessKill records a process-tree termination escalation.
func (m *Metrics) RecordProcessKill(ctx context.Context, signal string) {
	if m == nil {
		return
	}
	m.ProcessKills.Add(ctx, 1, metric.WithAttributes(attribute.String("procctl.signal", signal)))
}

// RecordWaitDuration records the wall-clock duration of a completed Wait call.
func (m *Metrics) RecordWaitDuration(ctx context.Context, ms float64) {
	if m == nil {
		return
	}
	m.WaitDuration.Record(ctx, ms)
}
