// Package observability provides the OpenTelemetry metric instruments the
// runtime emits. All record helpers are nil-receiver safe so callers never
// guard metric calls.
package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the metric instruments for the Grain runtime.
type Metrics struct {
	CommandDuration metric.Float64Histogram
	CommandTotal    metric.Int64Counter
	CommandErrors   metric.Int64Counter

	QueryDuration metric.Float64Histogram
	QueryTotal    metric.Int64Counter
	QueryErrors   metric.Int64Counter

	EventsAppended  metric.Int64Counter
	EventsPublished metric.Int64Counter

	TodoProcessed metric.Int64Counter
	TodoErrors    metric.Int64Counter

	SnapshotHits   metric.Int64Counter
	SnapshotMisses metric.Int64Counter
}

// NewMetrics creates all metric instruments on the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.CommandDuration, err = meter.Float64Histogram(
		"grain.command.duration",
		metric.WithDescription("Command processing duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating command.duration: %w", err)
	}

	m.CommandTotal, err = meter.Int64Counter(
		"grain.command.total",
		metric.WithDescription("Total commands processed"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating command.total: %w", err)
	}

	m.CommandErrors, err = meter.Int64Counter(
		"grain.command.errors",
		metric.WithDescription("Total command anomalies"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating command.errors: %w", err)
	}

	m.QueryDuration, err = meter.Float64Histogram(
		"grain.query.duration",
		metric.WithDescription("Query processing duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating query.duration: %w", err)
	}

	m.QueryTotal, err = meter.Int64Counter(
		"grain.query.total",
		metric.WithDescription("Total queries processed"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating query.total: %w", err)
	}

	m.QueryErrors, err = meter.Int64Counter(
		"grain.query.errors",
		metric.WithDescription("Total query anomalies"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating query.errors: %w", err)
	}

	m.EventsAppended, err = meter.Int64Counter(
		"grain.events.appended",
		metric.WithDescription("Total events appended to the event store"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating events.appended: %w", err)
	}

	m.EventsPublished, err = meter.Int64Counter(
		"grain.events.published",
		metric.WithDescription("Total events published to the bus"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating events.published: %w", err)
	}

	m.TodoProcessed, err = meter.Int64Counter(
		"grain.todo.processed",
		metric.WithDescription("Events handled by todo processors"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating todo.processed: %w", err)
	}

	m.TodoErrors, err = meter.Int64Counter(
		"grain.todo.errors",
		metric.WithDescription("Handler anomalies and panics in todo processors"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating todo.errors: %w", err)
	}

	m.SnapshotHits, err = meter.Int64Counter(
		"grain.snapshot.hits",
		metric.WithDescription("Projection snapshot cache hits"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating snapshot.hits: %w", err)
	}

	m.SnapshotMisses, err = meter.Int64Counter(
		"grain.snapshot.misses",
		metric.WithDescription("Projection snapshot cache misses"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating snapshot.misses: %w", err)
	}

	return m, nil
}

// RecordCommand records one command execution.
func (m *Metrics) RecordCommand(ctx context.Context, name string, d time.Duration, failed bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("command", name))
	m.CommandTotal.Add(ctx, 1, attrs)
	m.CommandDuration.Record(ctx, d.Seconds(), attrs)
	if failed {
		m.CommandErrors.Add(ctx, 1, attrs)
	}
}

// RecordQuery records one query execution.
func (m *Metrics) RecordQuery(ctx context.Context, name string, d time.Duration, failed bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("query", name))
	m.QueryTotal.Add(ctx, 1, attrs)
	m.QueryDuration.Record(ctx, d.Seconds(), attrs)
	if failed {
		m.QueryErrors.Add(ctx, 1, attrs)
	}
}

// RecordAppend records n events appended.
func (m *Metrics) RecordAppend(ctx context.Context, n int) {
	if m == nil {
		return
	}
	m.EventsAppended.Add(ctx, int64(n))
}

// RecordPublish records one event published to the bus.
func (m *Metrics) RecordPublish(ctx context.Context, topic string) {
	if m == nil {
		return
	}
	m.EventsPublished.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

// RecordTodo records one event handled by a todo processor.
func (m *Metrics) RecordTodo(ctx context.Context, processor string, failed bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("processor", processor))
	m.TodoProcessed.Add(ctx, 1, attrs)
	if failed {
		m.TodoErrors.Add(ctx, 1, attrs)
	}
}

// RecordSnapshot records a snapshot cache lookup.
func (m *Metrics) RecordSnapshot(ctx context.Context, name string, hit bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("projection", name))
	if hit {
		m.SnapshotHits.Add(ctx, 1, attrs)
	} else {
		m.SnapshotMisses.Add(ctx, 1, attrs)
	}
}
