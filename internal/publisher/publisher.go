// Package publisher is the entry point for domain events: it persists
// them, hands them to the webhook delivery queue, notifies live
// in-process subscribers, and mirrors them onto NATS when a broker is
// configured.
package publisher

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/telhawk-systems/telhawk-events/internal/metrics"
	"github.com/telhawk-systems/telhawk-events/internal/models"
)

// DefaultRetention is how long published events are kept before the
// retention sweep deletes them.
const DefaultRetention = 30 * 24 * time.Hour

// Store is the slice of the repository the publisher needs.
type Store interface {
	SaveEvent(ctx context.Context, event *models.Event) error
	DeleteOldEvents(ctx context.Context, cutoff time.Time) (int, error)
}

// Queue accepts events for webhook fan-out. Implemented by the delivery
// engine.
type Queue interface {
	QueueDelivery(event *models.Event)
}

// Broadcaster mirrors events to external consumers. Implemented by the
// stream package; optional.
type Broadcaster interface {
	Broadcast(ctx context.Context, event *models.Event) error
}

// Publisher accepts domain events and distributes them.
type Publisher struct {
	store     Store
	queue     Queue
	stream    Broadcaster
	subs      *subscriptionRegistry
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time

	sweeping atomic.Bool
}

// New creates a publisher. stream may be nil when no broker is
// configured. A non-positive retention falls back to DefaultRetention.
func New(store Store, queue Queue, stream Broadcaster, retention time.Duration, logger *slog.Logger) *Publisher {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Publisher{
		store:     store,
		queue:     queue,
		stream:    stream,
		subs:      newSubscriptionRegistry(),
		retention: retention,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// PublishEvent persists the event and dispatches it to webhooks, live
// subscribers, and the broker. Only the persist step can fail; delivery
// failures surface later through the delivery engine and dead letter
// store, never here.
func (p *Publisher) PublishEvent(ctx context.Context, req *models.PublishEventRequest) (*models.Event, error) {
	if err := req.Validate(); err != nil {
		metrics.EventsPublishedTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}

	event := &models.Event{
		ID:            newID(),
		Type:          req.Type,
		Data:          req.Data,
		UserID:        req.UserID,
		SessionID:     req.SessionID,
		Timestamp:     p.now(),
		Metadata:      req.Metadata,
		CorrelationID: req.CorrelationID,
	}

	if err := p.store.SaveEvent(ctx, event); err != nil {
		metrics.EventsPublishedTotal.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("failed to persist event: %w", err)
	}
	metrics.EventsPublishedTotal.WithLabelValues("published").Inc()

	p.queue.QueueDelivery(event)
	p.mirror(ctx, event)
	p.notifySubscribers(event)

	return event, nil
}

// PublishEvents publishes a batch with per-event isolation: one bad
// event never blocks the rest. Results are positional.
func (p *Publisher) PublishEvents(ctx context.Context, reqs []models.PublishEventRequest) []models.PublishResult {
	results := make([]models.PublishResult, len(reqs))
	for i := range reqs {
		event, err := p.PublishEvent(ctx, &reqs[i])
		if err != nil {
			results[i] = models.PublishResult{Error: err.Error()}
			continue
		}
		results[i] = models.PublishResult{EventID: event.ID}
	}
	return results
}

// SubscribeToEventStream registers a live callback for events matching
// the patterns. A non-empty userID restricts the stream to that user's
// events. Returns the subscription id for UnsubscribeFromEventStream.
func (p *Publisher) SubscribeToEventStream(userID string, patterns []string, callback Callback) (string, error) {
	if callback == nil {
		return "", fmt.Errorf("callback is required")
	}
	if len(patterns) == 0 {
		return "", fmt.Errorf("at least one pattern is required")
	}

	sub := p.subs.add(userID, patterns, callback)
	p.logger.Debug("live subscription added",
		"subscription_id", sub.ID, "user_id", userID, "patterns", patterns)
	return sub.ID, nil
}

// UnsubscribeFromEventStream removes a live subscription. Unknown ids
// are a no-op.
func (p *Publisher) UnsubscribeFromEventStream(id string) {
	if p.subs.remove(id) {
		p.logger.Debug("live subscription removed", "subscription_id", id)
	}
}

// SubscriberCount returns the number of live subscriptions.
func (p *Publisher) SubscriberCount() int {
	return p.subs.count()
}

// notifySubscribers invokes matching callbacks synchronously. A panic
// in one callback is recovered and logged so it cannot take down the
// publisher or starve later subscribers.
func (p *Publisher) notifySubscribers(event *models.Event) {
	for _, sub := range p.subs.matching(event) {
		p.invoke(sub, event)
	}
}

func (p *Publisher) invoke(sub *Subscription, event *models.Event) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("live subscriber panicked",
				"subscription_id", sub.ID, "event_id", event.ID, "panic", r)
		}
	}()
	sub.callback(event)
	metrics.LiveNotificationsTotal.Inc()
}

// mirror publishes to NATS best-effort; broker trouble never blocks or
// fails publication.
func (p *Publisher) mirror(ctx context.Context, event *models.Event) {
	if p.stream == nil {
		return
	}
	if err := p.stream.Broadcast(ctx, event); err != nil {
		p.logger.Warn("failed to broadcast event",
			"event_id", event.ID, "event_type", event.Type, "error", err)
	}
}

// SweepExpiredEvents deletes events older than the retention window and
// returns how many were removed. Overlapping sweeps are skipped.
func (p *Publisher) SweepExpiredEvents(ctx context.Context) (int, error) {
	if !p.sweeping.CompareAndSwap(false, true) {
		return 0, nil
	}
	defer p.sweeping.Store(false)

	cutoff := p.now().Add(-p.retention)
	removed, err := p.store.DeleteOldEvents(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired events: %w", err)
	}
	return removed, nil
}

// RunRetentionSweep runs retention sweeps on the given interval until
// ctx is cancelled. Call in a goroutine.
func (p *Publisher) RunRetentionSweep(ctx context.Context, interval time.Duration) {
	p.logger.Info("event retention sweep started",
		"interval", interval, "retention", p.retention)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if removed, err := p.SweepExpiredEvents(ctx); err != nil {
				p.logger.Error("event retention sweep failed", "error", err)
			} else if removed > 0 {
				p.logger.Info("expired events removed", "count", removed)
			}
		case <-ctx.Done():
			p.logger.Info("event retention sweep stopped")
			return
		}
	}
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
