// Package dlq implements the dead letter store: the durable holding area
// for webhook deliveries that exhausted their retry budget or aged out,
// with sweeps for automatic retry, expiry, and cleanup.
package dlq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/telhawk-systems/telhawk-events/internal/metrics"
	"github.com/telhawk-systems/telhawk-events/internal/models"
	"github.com/telhawk-systems/telhawk-events/internal/repository"
)

// Config holds dead letter queue policy.
type Config struct {
	MaxRetentionDays int
	MaxRetryAttempts int
	BatchSize        int

	// FailureCeiling is the total entry count above which the queue
	// reports unhealthy.
	FailureCeiling int
}

// DefaultConfig returns the standard dead letter policy.
func DefaultConfig() Config {
	return Config{
		MaxRetentionDays: 7,
		MaxRetryAttempts: 3,
		BatchSize:        50,
		FailureCeiling:   1000,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxRetentionDays <= 0 {
		c.MaxRetentionDays = d.MaxRetentionDays
	}
	if c.MaxRetryAttempts <= 0 {
		c.MaxRetryAttempts = d.MaxRetryAttempts
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.FailureCeiling <= 0 {
		c.FailureCeiling = d.FailureCeiling
	}
	return c
}

// Repo is the slice of the repository the dead letter store needs:
// entries plus the webhooks and events required for redelivery.
type Repo interface {
	repository.DeadLetterRepository
	GetWebhookByID(ctx context.Context, id string) (*models.Webhook, error)
	GetEventByID(ctx context.Context, id string) (*models.Event, error)
}

// Redeliverer re-enters the full delivery pipeline, including the
// webhook's circuit breaker. Implemented by the delivery engine.
type Redeliverer interface {
	DeliverEvent(ctx context.Context, webhook *models.Webhook, event *models.Event) (*models.DeliveryResult, error)
}

// Store is the dead letter queue service.
type Store struct {
	repo   Repo
	engine Redeliverer
	stats  *StatsStore
	config Config
	logger *slog.Logger
	now    func() time.Time

	sweeping atomic.Bool
	cleaning atomic.Bool
}

// NewStore creates a dead letter store. engine may be nil when retry
// sweeps are not used (tests exercising only add/remove).
func NewStore(repo Repo, engine Redeliverer, stats *StatsStore, config Config, logger *slog.Logger) *Store {
	return &Store{
		repo:   repo,
		engine: engine,
		stats:  stats,
		config: config.withDefaults(),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// AddFailedDelivery records a delivery attempt that exhausted its retry
// budget. Called by the delivery engine.
func (s *Store) AddFailedDelivery(ctx context.Context, attempt *models.DeliveryAttempt) error {
	entry := &models.DeadLetterEntry{
		ID:        newID(),
		WebhookID: attempt.WebhookID,
		EventID:   attempt.EventID,
		Attempt:   attempt.Attempt,
		Status:    attempt.Status,
		CreatedAt: attempt.CreatedAt,
		AddedAt:   s.now(),
	}
	if attempt.ErrorMessage != nil {
		entry.ErrorMessage = *attempt.ErrorMessage
	}

	if err := s.repo.AddDeadLetter(ctx, entry); err != nil {
		return fmt.Errorf("failed to add dead letter: %w", err)
	}

	s.record(ctx, entry.WebhookID, models.DeadLetterActionFailed)
	s.updateSizeGauge(ctx)

	s.logger.Warn("delivery dead-lettered",
		"webhook_id", entry.WebhookID,
		"event_id", entry.EventID,
		"attempt", entry.Attempt,
	)
	return nil
}

// GetFailedDeliveries returns up to limit entries, oldest first.
func (s *Store) GetFailedDeliveries(ctx context.Context, limit int) ([]*models.DeadLetterEntry, error) {
	if limit <= 0 {
		limit = s.config.BatchSize
	}
	return s.repo.ListDeadLetters(ctx, limit)
}

// RemoveFailedDelivery deletes an entry. Removing a missing or
// already-removed entry is a no-op.
func (s *Store) RemoveFailedDelivery(ctx context.Context, id string) error {
	if err := s.repo.RemoveDeadLetter(ctx, id); err != nil {
		return err
	}
	s.updateSizeGauge(ctx)
	return nil
}

// RetryFailedDeliveries runs one retry sweep and returns how many
// entries were re-dispatched. Per-entry outcomes are isolated; one
// broken entry never aborts the sweep. Overlapping sweeps are skipped.
func (s *Store) RetryFailedDeliveries(ctx context.Context) (int, error) {
	if !s.sweeping.CompareAndSwap(false, true) {
		return 0, nil
	}
	defer s.sweeping.Store(false)

	entries, err := s.repo.ListDeadLetters(ctx, s.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list dead letters: %w", err)
	}

	retried := 0
	maxAge := time.Duration(s.config.MaxRetentionDays) * 24 * time.Hour
	now := s.now()

	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}

		switch {
		case entry.Attempt >= s.config.MaxRetryAttempts:
			s.resolve(ctx, entry, models.DeadLetterActionAbandoned)

		case now.Sub(entry.AddedAt) > maxAge:
			s.resolve(ctx, entry, models.DeadLetterActionExpired)

		default:
			if s.redeliver(ctx, entry) {
				s.resolve(ctx, entry, models.DeadLetterActionRetried)
				retried++
			}
		}
	}

	s.updateSizeGauge(ctx)
	return retried, nil
}

// redeliver pushes one entry back through the full delivery pipeline so
// the webhook's circuit breaker still protects the destination. Returns
// false when the entry must stay queued (transient load error).
func (s *Store) redeliver(ctx context.Context, entry *models.DeadLetterEntry) bool {
	if s.engine == nil {
		return false
	}

	webhook, err := s.repo.GetWebhookByID(ctx, entry.WebhookID)
	if err != nil {
		if errors.Is(err, repository.ErrWebhookNotFound) {
			// Destination is gone; the entry can never deliver.
			s.resolve(ctx, entry, models.DeadLetterActionAbandoned)
			return false
		}
		s.logger.Error("failed to load webhook for dlq retry",
			"webhook_id", entry.WebhookID, "error", err)
		return false
	}
	if !webhook.Active {
		s.resolve(ctx, entry, models.DeadLetterActionAbandoned)
		return false
	}

	event, err := s.repo.GetEventByID(ctx, entry.EventID)
	if err != nil {
		if errors.Is(err, repository.ErrEventNotFound) {
			s.resolve(ctx, entry, models.DeadLetterActionExpired)
			return false
		}
		s.logger.Error("failed to load event for dlq retry",
			"event_id", entry.EventID, "error", err)
		return false
	}

	if _, err := s.engine.DeliverEvent(ctx, webhook, event); err != nil {
		s.logger.Error("dlq redelivery error",
			"webhook_id", entry.WebhookID, "event_id", entry.EventID, "error", err)
		return false
	}
	return true
}

// resolve removes an entry and records the action taken.
func (s *Store) resolve(ctx context.Context, entry *models.DeadLetterEntry, action string) {
	if err := s.repo.RemoveDeadLetter(ctx, entry.ID); err != nil {
		s.logger.Error("failed to remove dead letter",
			"entry_id", entry.ID, "error", err)
		return
	}
	s.record(ctx, entry.WebhookID, action)
	s.logger.Info("dead letter resolved",
		"entry_id", entry.ID,
		"webhook_id", entry.WebhookID,
		"event_id", entry.EventID,
		"action", action,
	)
}

// Cleanup removes entries older than the retention window regardless of
// attempt count, plus any entry whose stored data is unusable. Returns
// the number removed. Overlapping cleanups are skipped.
func (s *Store) Cleanup(ctx context.Context) (int, error) {
	if !s.cleaning.CompareAndSwap(false, true) {
		return 0, nil
	}
	defer s.cleaning.Store(false)

	cutoff := s.now().Add(-time.Duration(s.config.MaxRetentionDays) * 24 * time.Hour)
	removed, err := s.repo.RemoveDeadLettersOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up dead letters: %w", err)
	}

	// Entries missing their identity can never be retried; drop them as
	// corrupted instead of letting them cycle through sweeps forever.
	entries, err := s.repo.ListDeadLetters(ctx, 0)
	if err != nil {
		return removed, fmt.Errorf("failed to scan for corrupted dead letters: %w", err)
	}
	for _, entry := range entries {
		if corrupted(entry) {
			if err := s.repo.RemoveDeadLetter(ctx, entry.ID); err != nil {
				s.logger.Error("failed to remove corrupted dead letter",
					"entry_id", entry.ID, "error", err)
				continue
			}
			removed++
			s.logger.Warn("removed corrupted dead letter", "entry_id", entry.ID)
		}
	}

	s.updateSizeGauge(ctx)
	return removed, nil
}

func corrupted(entry *models.DeadLetterEntry) bool {
	return entry.WebhookID == "" || entry.EventID == "" || entry.Attempt <= 0 || entry.AddedAt.IsZero()
}

// GetStats reports dead letter totals, per-webhook and per-action
// counters, and the timestamp of the oldest unresolved failure.
func (s *Store) GetStats(ctx context.Context) (*models.DeadLetterStats, error) {
	total, err := s.repo.CountDeadLetters(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count dead letters: %w", err)
	}

	byAction, err := s.stats.ByAction(ctx)
	if err != nil {
		return nil, err
	}
	byWebhook, err := s.stats.ByWebhook(ctx)
	if err != nil {
		return nil, err
	}

	oldest, err := s.repo.OldestDeadLetter(ctx)
	if err != nil {
		return nil, err
	}

	return &models.DeadLetterStats{
		TotalFailed:    total,
		ByWebhook:      byWebhook,
		ByAction:       byAction,
		OldestFailure:  oldest,
		Healthy:        total <= s.config.FailureCeiling,
		FailureCeiling: s.config.FailureCeiling,
	}, nil
}

// Healthy reports whether the queue is below the failure ceiling.
func (s *Store) Healthy(ctx context.Context) bool {
	total, err := s.repo.CountDeadLetters(ctx)
	if err != nil {
		return false
	}
	return total <= s.config.FailureCeiling
}

// RunRetrySweep runs retry sweeps on the given interval until ctx is
// cancelled. Call in a goroutine.
func (s *Store) RunRetrySweep(ctx context.Context, interval time.Duration) {
	s.logger.Info("dead letter retry sweep started", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.RetryFailedDeliveries(ctx); err != nil {
				s.logger.Error("dead letter retry sweep failed", "error", err)
			}
		case <-ctx.Done():
			s.logger.Info("dead letter retry sweep stopped")
			return
		}
	}
}

// RunCleanupLoop runs cleanups on the given interval until ctx is
// cancelled. Call in a goroutine.
func (s *Store) RunCleanupLoop(ctx context.Context, interval time.Duration) {
	s.logger.Info("dead letter cleanup loop started", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if removed, err := s.Cleanup(ctx); err != nil {
				s.logger.Error("dead letter cleanup failed", "error", err)
			} else if removed > 0 {
				s.logger.Info("dead letter cleanup removed entries", "count", removed)
			}
		case <-ctx.Done():
			s.logger.Info("dead letter cleanup loop stopped")
			return
		}
	}
}

func (s *Store) record(ctx context.Context, webhookID, action string) {
	metrics.DeadLettersTotal.WithLabelValues(action).Inc()
	if err := s.stats.Record(ctx, webhookID, action); err != nil {
		s.logger.Error("failed to record dlq stats",
			"webhook_id", webhookID, "action", action, "error", err)
	}
}

func (s *Store) updateSizeGauge(ctx context.Context) {
	if count, err := s.repo.CountDeadLetters(ctx); err == nil {
		metrics.DeadLetterQueueSize.Set(float64(count))
	}
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
