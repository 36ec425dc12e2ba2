package natsclient

import (
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	// StreamSessionEvents captures session lifecycle events published by
	// the packet gateway, one subject per phone number so that JetStream
	// preserves per-subscriber ordering.
	StreamSessionEvents = "SESSION_EVENTS"
	// SubjectSessions is the wildcard subject hierarchy for session events.
	SubjectSessions = "sessions.>"

	// StreamDeadLetter retains poison messages for operator inspection.
	StreamDeadLetter = "SESSION_EVENTS_DLQ"
	// SubjectDeadLetter is where the consumer parks unparseable events.
	SubjectDeadLetter = "sessions-dlq.poison"
)

// ProvisionStreams idempotently creates the required JetStream streams.
func (c *Client) ProvisionStreams() error {
	streams := []*nats.StreamConfig{
		{
			Name:      StreamSessionEvents,
			Subjects:  []string{SubjectSessions},
			Storage:   nats.FileStorage,
			Retention: nats.LimitsPolicy,
		},
		{
			Name:      StreamDeadLetter,
			Subjects:  []string{SubjectDeadLetter},
			Storage:   nats.FileStorage,
			Retention: nats.LimitsPolicy,
		},
	}

	for _, cfg := range streams {
		_, err := c.JS.StreamInfo(cfg.Name)
		if err == nil {
			c.Log.Info("NATS stream exists", zap.String("stream", cfg.Name))
			continue
		}
		if err != nats.ErrStreamNotFound {
			return fmt.Errorf("failed to check stream info: %w", err)
		}
		if _, err := c.JS.AddStream(cfg); err != nil {
			return fmt.Errorf("failed to create stream %s: %w", cfg.Name, err)
		}
		c.Log.Info("NATS stream provisioned", zap.String("stream", cfg.Name))
	}
	return nil
}
