// Package notify delivers formatted flood alerts to external channels.
package notify

import (
	"context"
	"log/slog"
	"time"
)

// Message is a rendered alert ready for delivery.
type Message struct {
	CreatedAt  time.Time `json:"created_at"`
	Details    any       `json:"details,omitempty"`
	NodeID     string    `json:"node_id"`
	Kind       string    `json:"kind"`
	Level      string    `json:"risk_level"`
	Title      string    `json:"title"`
	HTML       string    `json:"html"`
	Percentage float64   `json:"risk_percentage"`
}

// Notifier sends a message over one channel. Send makes a single attempt
// and returns an error unless the channel confirmed delivery.
type Notifier interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// Log writes alerts to the structured log. Useful when no channel is configured.
type Log struct {
	logger *slog.Logger
}

// NewLog creates a log-only notifier.
func NewLog(logger *slog.Logger) *Log {
	return &Log{logger: logger}
}

func (l *Log) Name() string { return "log" }

func (l *Log) Send(_ context.Context, msg Message) error {
	l.logger.Warn("flood alert",
		"node_id", msg.NodeID,
		"kind", msg.Kind,
		"risk_level", msg.Level,
		"risk_percentage", msg.Percentage,
		"title", msg.Title,
	)
	return nil
}
