package delivery

import (
	"context"
	"errors"
	"time"

	"github.com/telhawk-systems/telhawk-events/internal/models"
	"github.com/telhawk-systems/telhawk-events/internal/repository"
)

// retryBatchSize bounds how many due retries one poll re-dispatches.
const retryBatchSize = 100

// ProcessDueRetries re-dispatches pending attempts whose NextRetryAt has
// passed. Retries for a given (webhook, event) pair stay strictly
// sequential: each due attempt is the pair's only pending attempt, and a
// follow-up is created only after this one fails. Single-flight guarded.
func (e *Engine) ProcessDueRetries(ctx context.Context) int {
	if !e.retryGuard.tryAcquire() {
		return 0
	}
	defer e.retryGuard.release()

	due, err := e.store.FindPendingRetries(ctx, e.now(), retryBatchSize)
	if err != nil {
		e.logger.Error("failed to find pending retries", "error", err)
		return 0
	}

	dispatched := 0
	for _, attempt := range due {
		if ctx.Err() != nil {
			return dispatched
		}
		if e.retryOne(ctx, attempt) {
			dispatched++
		}
	}
	return dispatched
}

// retryOne executes a single due attempt. Failures are isolated per
// attempt; a webhook or event that disappeared fails the attempt without
// aborting the sweep.
func (e *Engine) retryOne(ctx context.Context, attempt *models.DeliveryAttempt) bool {
	webhook, err := e.store.GetWebhookByID(ctx, attempt.WebhookID)
	if err != nil {
		if errors.Is(err, repository.ErrWebhookNotFound) {
			e.failOrphanedAttempt(ctx, attempt, "webhook no longer exists")
			return false
		}
		e.logger.Error("failed to load webhook for retry",
			"webhook_id", attempt.WebhookID, "error", err)
		return false
	}
	if !webhook.Active {
		e.failOrphanedAttempt(ctx, attempt, "webhook is inactive")
		return false
	}

	event, err := e.store.GetEventByID(ctx, attempt.EventID)
	if err != nil {
		if errors.Is(err, repository.ErrEventNotFound) {
			e.failOrphanedAttempt(ctx, attempt, "event purged before retry")
			return false
		}
		e.logger.Error("failed to load event for retry",
			"event_id", attempt.EventID, "error", err)
		return false
	}

	if _, err := e.ExecuteAttempt(ctx, webhook, event, attempt); err != nil {
		e.logger.Error("retry dispatch error",
			"webhook_id", attempt.WebhookID, "event_id", attempt.EventID, "error", err)
		return false
	}
	return true
}

// failOrphanedAttempt terminates an attempt whose webhook or event is
// gone so it cannot stay pending forever.
func (e *Engine) failOrphanedAttempt(ctx context.Context, attempt *models.DeliveryAttempt, reason string) {
	attempt.Status = models.AttemptStatusFailed
	attempt.ErrorMessage = &reason
	attempt.NextRetryAt = nil
	if err := e.store.UpdateAttempt(ctx, attempt); err != nil {
		e.logger.Error("failed to terminate orphaned attempt",
			"attempt_id", attempt.ID, "error", err)
	}
}

// RunRetryLoop polls for due retries on the given interval until ctx is
// cancelled. Call in a goroutine.
func (e *Engine) RunRetryLoop(ctx context.Context, interval time.Duration) {
	e.logger.Info("delivery retry loop started", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.ProcessDueRetries(ctx)
		case <-ctx.Done():
			e.logger.Info("delivery retry loop stopped")
			return
		}
	}
}
