// Package stream mirrors published events onto NATS subjects so other
// processes can consume the event stream without registering a webhook.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/telhawk-systems/telhawk-events/internal/models"
)

// SubjectPrefix is the root of the broadcast subject hierarchy. Each
// event goes to SubjectPrefix + "." + its type, so consumers can use
// NATS wildcards to filter (e.g. "events.published.auth.>").
const SubjectPrefix = "events.published"

// SubjectFor returns the broadcast subject for an event type.
func SubjectFor(eventType string) string {
	return SubjectPrefix + "." + eventType
}

// Config holds NATS connection settings for the broadcaster.
type Config struct {
	URL  string
	Name string

	// MaxReconnects is the reconnection attempt budget; -1 means retry
	// forever.
	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// DefaultConfig returns connection defaults.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Name:          "telhawk-events",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	}
}

// Broadcaster publishes event wire payloads to NATS.
type Broadcaster struct {
	conn   *nats.Conn
	logger *slog.Logger
}

// Connect establishes the NATS connection for broadcasting.
func Connect(cfg Config, logger *slog.Logger) (*Broadcaster, error) {
	d := DefaultConfig()
	if cfg.URL == "" {
		cfg.URL = d.URL
	}
	if cfg.Name == "" {
		cfg.Name = d.Name
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = d.MaxReconnects
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = d.ReconnectWait
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = d.Timeout
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &Broadcaster{conn: conn, logger: logger}, nil
}

// Broadcast publishes the event's wire payload to its type subject.
func (b *Broadcaster) Broadcast(ctx context.Context, event *models.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(event.Wire())
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := b.conn.Publish(SubjectFor(event.Type), data); err != nil {
		return fmt.Errorf("failed to publish event to NATS: %w", err)
	}
	return nil
}

// IsConnected reports whether the NATS connection is up.
func (b *Broadcaster) IsConnected() bool {
	return b.conn.IsConnected()
}

// Close drains and closes the connection.
func (b *Broadcaster) Close() {
	if err := b.conn.Drain(); err != nil {
		b.logger.Warn("nats drain failed", "error", err)
		b.conn.Close()
	}
}
