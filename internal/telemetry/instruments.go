package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Pipeline bundles the enforcer's domain counters. Instruments are created
// against the global MeterProvider at construction time; before
// InitMeterProvider runs (and in tests) that provider is a no-op, so
// recording is always safe.
type Pipeline struct {
	eventsConsumed    metric.Int64Counter
	eventsPoisoned    metric.Int64Counter
	enforcements      metric.Int64Counter
	taskRetries       metric.Int64Counter
	reconcileVerdicts metric.Int64Counter
}

// NewPipeline creates the instrument set under the given meter name.
func NewPipeline(name string) *Pipeline {
	meter := otel.GetMeterProvider().Meter(name)

	consumed, _ := meter.Int64Counter("enforcer_events_consumed_total",
		metric.WithDescription("Session events processed to completion, by event type"))
	poisoned, _ := meter.Int64Counter("enforcer_events_poisoned_total",
		metric.WithDescription("Session events terminated as poison pills"))
	enforcements, _ := meter.Int64Counter("enforcer_enforcements_total",
		metric.WithDescription("Facade enforcement outcomes, by action and status"))
	retries, _ := meter.Int64Counter("enforcer_task_retries_total",
		metric.WithDescription("Task retries scheduled by the dispatcher, by task kind"))
	verdicts, _ := meter.Int64Counter("enforcer_reconcile_verdicts_total",
		metric.WithDescription("Reconciliation sweep verdicts, by verdict"))

	return &Pipeline{
		eventsConsumed:    consumed,
		eventsPoisoned:    poisoned,
		enforcements:      enforcements,
		taskRetries:       retries,
		reconcileVerdicts: verdicts,
	}
}

// EventConsumed records one fully processed session event.
func (p *Pipeline) EventConsumed(ctx context.Context, eventType string) {
	p.eventsConsumed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
	))
}

// EventPoisoned records one event terminated to the dead-letter stream.
func (p *Pipeline) EventPoisoned(ctx context.Context) {
	p.eventsPoisoned.Add(ctx, 1)
}

// Enforcement records one facade mutation outcome.
func (p *Pipeline) Enforcement(ctx context.Context, action, status string) {
	p.enforcements.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", action),
		attribute.String("status", status),
	))
}

// TaskRetry records one retry scheduled for a failed task.
func (p *Pipeline) TaskRetry(ctx context.Context, kind string) {
	p.taskRetries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
	))
}

// ReconcileVerdict records one sweep verdict (verified, orphaned, error).
func (p *Pipeline) ReconcileVerdict(ctx context.Context, verdict string) {
	p.reconcileVerdicts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("verdict", verdict),
	))
}
