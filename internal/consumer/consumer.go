// Package consumer contains the NATS JetStream pull consumer that drives the
// enforcement pipeline from session lifecycle events published by the packet
// gateway.
//
// Design principles:
//   - Pull-based subscription (not push) for backpressure control.
//   - msg.Ack() is called ONLY after the event is fully applied: session
//     index updated and, where enforcement is due, the task admitted to the
//     dispatcher.
//   - msg.Nak() requeues transient failures (store down, dispatcher full);
//     msg.Term() discards poison pills after parking a copy on the
//     dead-letter stream.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ashmanpan/perental-controle-demo/internal/model"
	"github.com/ashmanpan/perental-controle-demo/internal/natsclient"
	"github.com/ashmanpan/perental-controle-demo/internal/sessionindex"
	"github.com/ashmanpan/perental-controle-demo/internal/telemetry"
)

// Resolver yields the enforceable rules for a subscriber at an instant.
type Resolver interface {
	Resolve(ctx context.Context, msisdn string, now time.Time) ([]model.ResolvedRule, error)
}

// Sink admits enforcement tasks; the dispatcher implements it.
type Sink interface {
	Enqueue(ctx context.Context, task *model.Task) error
}

// Stats is a point-in-time snapshot of consumer counters.
type Stats struct {
	Processed uint64 `json:"processed"`
	Poisoned  uint64 `json:"poisoned"`
	Requeued  uint64 `json:"requeued"`
}

// SessionConsumer turns session events into index mutations and enforcement
// tasks.
type SessionConsumer struct {
	nats     *natsclient.Client
	index    *sessionindex.Index
	resolver Resolver
	sink     Sink
	logger   *zap.Logger
	tracer   trace.Tracer
	metrics  *telemetry.Pipeline

	subject string
	durable string

	processed atomic.Uint64
	poisoned  atomic.Uint64
	requeued  atomic.Uint64
}

// NewSessionConsumer constructs a SessionConsumer bound to the given subject
// filter and durable name. All enforcer replicas share the durable so each
// event is processed once.
func NewSessionConsumer(n *natsclient.Client, ix *sessionindex.Index, r Resolver, s Sink, subject, durable string, l *zap.Logger) *SessionConsumer {
	return &SessionConsumer{
		nats:     n,
		index:    ix,
		resolver: r,
		sink:     s,
		logger:   l,
		tracer:   otel.Tracer("session-event-consumer"),
		metrics:  telemetry.NewPipeline("session-event-consumer"),
		subject:  subject,
		durable:  durable,
	}
}

// Start creates the durable pull subscription and launches the processing
// loop in a background goroutine. It returns immediately. The stream must
// already exist (guaranteed by natsclient.ProvisionStreams).
func (c *SessionConsumer) Start(ctx context.Context) error {
	sub, err := c.nats.JS.PullSubscribe(
		c.subject,
		c.durable,
		nats.BindStream(natsclient.StreamSessionEvents),
	)
	if err != nil {
		return fmt.Errorf("session consumer: PullSubscribe: %w", err)
	}

	c.logger.Info("session consumer initialised",
		zap.String("stream", natsclient.StreamSessionEvents),
		zap.String("durable", c.durable),
		zap.String("subject", c.subject),
	)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.logger.Info("session consumer stopping")
				return
			default:
				msgs, err := sub.Fetch(10, nats.Context(ctx))
				if err != nil {
					// Fetch returns nats.ErrTimeout on empty queue; not an error.
					continue
				}
				for _, msg := range msgs {
					c.processMessage(ctx, msg)
				}
			}
		}
	}()

	return nil
}

// Snapshot returns the consumer counters for the ops API.
func (c *SessionConsumer) Snapshot() Stats {
	return Stats{
		Processed: c.processed.Load(),
		Poisoned:  c.poisoned.Load(),
		Requeued:  c.requeued.Load(),
	}
}

// ── message dispatch ──────────────────────────────────────────────────────

// processMessage handles ACK/NAK/Term around processEvent, which stays free
// of NATS types for unit-testability.
func (c *SessionConsumer) processMessage(ctx context.Context, msg *nats.Msg) {
	err := c.processEvent(ctx, msg.Data)
	if err != nil {
		var poison *poisonPillError
		if errors.As(err, &poison) {
			// Malformed: park on the DLQ and terminate so it is never
			// redelivered.
			c.logger.Warn("terminating poison-pill session event", zap.Error(err))
			c.deadLetter(msg.Data)
			c.poisoned.Add(1)
			c.metrics.EventPoisoned(ctx)
			_ = msg.Term()
			return
		}
		// Transient (store down, dispatcher full): NAK to redeliver.
		c.logger.Error("NAK session event (transient error)", zap.Error(err))
		c.requeued.Add(1)
		_ = msg.Nak()
		return
	}
	c.processed.Add(1)
	_ = msg.Ack()
}

// deadLetter parks a copy of a poison message for operator inspection.
// A DLQ publish failure is logged but never blocks the Term: the original
// bytes remain in the log line.
func (c *SessionConsumer) deadLetter(data []byte) {
	if _, err := c.nats.JS.Publish(natsclient.SubjectDeadLetter, data); err != nil {
		c.logger.Error("failed to publish to dead-letter stream",
			zap.ByteString("event", data),
			zap.Error(err),
		)
	}
}

// ── event routing ─────────────────────────────────────────────────────────

// processEvent decodes, validates and applies one session event. Returns a
// *poisonPillError for structural defects and a plain (or kind-tagged)
// error for transient failures.
func (c *SessionConsumer) processEvent(ctx context.Context, data []byte) error {
	var event sessionEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return &poisonPillError{msg: fmt.Sprintf("unmarshal envelope: %v", err)}
	}
	if err := event.validate(); err != nil {
		return &poisonPillError{msg: err.Error()}
	}

	ctx, span := c.tracer.Start(ctx, "consumer."+event.EventType)
	defer span.End()

	var routeErr error
	switch event.EventType {
	case EventSessionStart:
		routeErr = c.handleStart(ctx, event)
	case EventIPChange:
		routeErr = c.handleIPChange(ctx, event)
	default:
		routeErr = c.handleEnd(ctx, event)
	}
	if routeErr == nil {
		c.metrics.EventConsumed(ctx, event.EventType)
	}
	return routeErr
}

// handleStart registers the session and, when the subscriber has
// enforceable policies right now, queues an INSTALL.
func (c *SessionConsumer) handleStart(ctx context.Context, event sessionEvent) error {
	now := eventTime(event)
	c.index.UpsertStart(ctx, model.Session{
		SessionID:    event.SessionID,
		SubscriberID: event.SubscriberID,
		MSISDN:       event.MSISDN,
		PrivateIP:    event.PrivateIP,
		PublicIP:     event.PublicIP,
		CreatedAt:    now,
		LastSeenAt:   now,
		Status:       model.SessionActive,
	})

	rules, err := c.resolver.Resolve(ctx, event.MSISDN, now)
	if err != nil {
		return fmt.Errorf("resolve policies for %s: %w", event.MSISDN, err)
	}
	if len(rules) == 0 {
		c.logger.Debug("no enforceable policies at session start",
			zap.String("msisdn", event.MSISDN))
		return nil
	}

	return c.sink.Enqueue(ctx, &model.Task{
		SubscriberID: event.SubscriberID,
		MSISDN:       event.MSISDN,
		Kind:         model.KindInstall,
		CurrentIP:    event.PrivateIP,
		Policies:     rules,
	})
}

// handleIPChange rebinds the session to its new address and queues a
// MIGRATE. An IP change for a session the index never saw still migrates:
// the device may hold rules from before a restart, and the executor falls
// back to a fresh install when no mappings exist.
func (c *SessionConsumer) handleIPChange(ctx context.Context, event sessionEvent) error {
	now := eventTime(event)
	previous := event.OldPrivateIP

	oldPrivate, _, err := c.index.MigrateAddress(ctx, event.SubscriberID, event.NewPrivateIP, event.NewPublicIP, now)
	switch {
	case err == nil:
		previous = oldPrivate
	case errors.Is(err, sessionindex.ErrNoActiveSession):
		c.logger.Warn("IP change for unknown session, enforcing on new address",
			zap.String("subscriber_id", event.SubscriberID),
			zap.String("msisdn", event.MSISDN),
			zap.String("new_ip", event.NewPrivateIP),
		)
	default:
		return fmt.Errorf("migrate session for %s: %w", event.SubscriberID, err)
	}

	rules, err := c.resolver.Resolve(ctx, event.MSISDN, now)
	if err != nil {
		return fmt.Errorf("resolve policies for %s: %w", event.MSISDN, err)
	}

	// The MIGRATE is queued even when no rule is admissible right now: rules
	// installed while a time window was open must follow the subscriber to
	// the new address after the window closes. The executor no-ops when the
	// subscriber has nothing installed.
	return c.sink.Enqueue(ctx, &model.Task{
		SubscriberID: event.SubscriberID,
		MSISDN:       event.MSISDN,
		Kind:         model.KindMigrate,
		CurrentIP:    event.NewPrivateIP,
		PreviousIP:   previous,
		Policies:     rules,
	})
}

// handleEnd evicts the session and queues a REMOVE so no rule outlives its
// session. Removal is unconditional: it does not depend on current policy
// state, only on what is installed.
func (c *SessionConsumer) handleEnd(ctx context.Context, event sessionEvent) error {
	evicted, err := c.index.Terminate(ctx, event.SessionID)
	if err != nil {
		if !errors.Is(err, sessionindex.ErrNoActiveSession) {
			return fmt.Errorf("terminate session %s: %w", event.SessionID, err)
		}
		// Duplicate SESSION_END or post-restart gap: the index never saw the
		// session, but installed rules may exist. Tear down on the envelope's
		// identity.
		c.logger.Warn("SESSION_END for unknown session, tearing down from envelope",
			zap.String("session_id", event.SessionID),
			zap.String("msisdn", event.MSISDN),
		)
		evicted = model.Session{
			SubscriberID: event.SubscriberID,
			MSISDN:       event.MSISDN,
			PrivateIP:    event.PrivateIP,
		}
	}

	return c.sink.Enqueue(ctx, &model.Task{
		SubscriberID: evicted.SubscriberID,
		MSISDN:       evicted.MSISDN,
		Kind:         model.KindRemove,
		CurrentIP:    evicted.PrivateIP,
	})
}

// ── TTL sweep ─────────────────────────────────────────────────────────────

// RunSweeper evicts sessions idle past the index TTL on the given interval
// and queues a REMOVE for each, so a lost SESSION_END cannot leave rules
// behind forever.
func (c *SessionConsumer) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("session sweeper stopped")
			return
		case <-ticker.C:
			for _, s := range c.index.SweepExpired(ctx, time.Now()) {
				c.logger.Warn("session expired without SESSION_END",
					zap.String("session_id", s.SessionID),
					zap.String("msisdn", s.MSISDN),
				)
				err := c.sink.Enqueue(ctx, &model.Task{
					SubscriberID: s.SubscriberID,
					MSISDN:       s.MSISDN,
					Kind:         model.KindRemove,
					CurrentIP:    s.PrivateIP,
				})
				if err != nil {
					// The mapping rows persist; the reconciler sweep is the
					// long-stop for rules this drop leaves behind.
					c.logger.Error("failed to queue teardown for expired session",
						zap.String("msisdn", s.MSISDN),
						zap.Error(err),
					)
				}
			}
		}
	}
}

// ── helpers ───────────────────────────────────────────────────────────────

// poisonPillError wraps structural parse failures. processMessage terminates
// (rather than NAKs) messages wrapped in this type.
type poisonPillError struct{ msg string }

func (e *poisonPillError) Error() string { return "poison pill: " + e.msg }

func eventTime(event sessionEvent) time.Time {
	if event.Timestamp.IsZero() {
		return time.Now()
	}
	return event.Timestamp
}
