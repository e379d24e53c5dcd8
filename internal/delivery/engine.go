// Package delivery implements the webhook delivery engine: signed HTTP
// delivery attempts, per-webhook circuit breaking, exponential retry
// scheduling, and the in-memory fan-out queue.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/telhawk-systems/telhawk-events/internal/breaker"
	"github.com/telhawk-systems/telhawk-events/internal/metrics"
	"github.com/telhawk-systems/telhawk-events/internal/models"
	"github.com/telhawk-systems/telhawk-events/internal/repository"
	"github.com/telhawk-systems/telhawk-events/internal/signing"
)

// Store is the slice of the repository the delivery engine needs.
type Store interface {
	repository.EventRepository
	repository.WebhookRepository
	repository.DeliveryRepository
}

// DeadLetterSink receives delivery attempts that exhausted their retry
// budget. Implemented by the dlq package.
type DeadLetterSink interface {
	AddFailedDelivery(ctx context.Context, attempt *models.DeliveryAttempt) error
}

// Engine performs webhook deliveries. Failures are recorded and retried
// asynchronously; they never propagate to event publishers.
type Engine struct {
	store    Store
	breakers *breaker.Registry
	signer   *signing.Signer
	sink     DeadLetterSink
	client   *http.Client
	logger   *slog.Logger
	now      func() time.Time

	queue      *eventQueue
	drainGuard singleFlight
	retryGuard singleFlight
}

// NewEngine creates a delivery engine. The sink may be nil, in which case
// exhausted deliveries are only logged (tests). The breaker registry is
// owned by the engine for the process lifetime.
func NewEngine(store Store, breakers *breaker.Registry, signer *signing.Signer, sink DeadLetterSink, logger *slog.Logger) *Engine {
	return &Engine{
		store:    store,
		breakers: breakers,
		signer:   signer,
		sink:     sink,
		client:   &http.Client{},
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		queue:    newEventQueue(),
	}
}

// SetDeadLetterSink installs the dead letter sink. The sink re-enters
// deliveries through this engine, so the two are wired after both are
// constructed. Call before any delivery work starts.
func (e *Engine) SetDeadLetterSink(sink DeadLetterSink) {
	e.sink = sink
}

// statusError is a non-2xx response from the webhook endpoint.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("webhook returned status %d", e.code)
}

// DeliverEvent performs one delivery of event to webhook through the
// webhook's circuit breaker. When a pending attempt already exists for
// the pair it is executed instead of creating a new one, preserving
// monotonic attempt numbering.
func (e *Engine) DeliverEvent(ctx context.Context, webhook *models.Webhook, event *models.Event) (*models.DeliveryResult, error) {
	pending, err := e.store.HasPendingAttempt(ctx, webhook.ID, event.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to check pending attempt: %w", err)
	}

	var attempt *models.DeliveryAttempt
	if pending {
		attempt, err = e.latestPendingAttempt(ctx, webhook.ID, event.ID)
		if err != nil {
			return nil, err
		}
	} else {
		count, err := e.store.CountAttempts(ctx, webhook.ID, event.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to count attempts: %w", err)
		}
		attempt = &models.DeliveryAttempt{
			ID:        newID(),
			WebhookID: webhook.ID,
			EventID:   event.ID,
			Attempt:   count + 1,
			Status:    models.AttemptStatusPending,
			CreatedAt: e.now(),
		}
		if err := e.store.SaveAttempt(ctx, attempt); err != nil {
			return nil, fmt.Errorf("failed to save attempt: %w", err)
		}
	}

	return e.ExecuteAttempt(ctx, webhook, event, attempt)
}

// ExecuteAttempt runs one already-persisted pending attempt: POST the
// signed payload, record the outcome, and schedule the next retry or
// hand the delivery to the dead letter sink.
func (e *Engine) ExecuteAttempt(ctx context.Context, webhook *models.Webhook, event *models.Event, attempt *models.DeliveryAttempt) (*models.DeliveryResult, error) {
	started := e.now()

	var httpStatus int
	var responseBody string

	deliverErr := e.breakers.For(webhook.ID).Execute(ctx, func(ctx context.Context) error {
		status, body, err := e.post(ctx, webhook, event)
		httpStatus = status
		responseBody = body
		return err
	})

	elapsed := e.now().Sub(started)
	metrics.DeliveryDuration.Observe(elapsed.Seconds())
	metrics.BreakersOpen.Set(float64(e.breakers.OpenCount()))

	if deliverErr == nil {
		return e.markSuccess(ctx, attempt, httpStatus, responseBody, elapsed)
	}
	if errors.Is(deliverErr, breaker.ErrCircuitOpen) {
		metrics.BreakerRejectionsTotal.Inc()
	}
	return e.markFailure(ctx, webhook, attempt, deliverErr, httpStatus, responseBody, elapsed)
}

// post performs the HTTP call with the webhook's timeout and returns the
// status code and truncated response body. A non-2xx status is an error.
func (e *Engine) post(ctx context.Context, webhook *models.Webhook, event *models.Event) (int, string, error) {
	payload, err := json.Marshal(event.Wire())
	if err != nil {
		return 0, "", fmt.Errorf("failed to marshal event payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, webhook.DeliveryTimeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhook.Config.URL, bytes.NewReader(payload))
	if err != nil {
		return 0, "", fmt.Errorf("failed to create webhook request: %w", err)
	}

	headers := e.signer.CreateDeliveryHeaders(
		payload,
		webhook.Config.Secret,
		webhook.SignatureHeader(),
		webhook.TimestampHeader(),
		webhook.Config.Headers,
	)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "TelHawk-Events/1.0")

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("failed to send webhook request: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	body := models.TruncateResponseBody(string(raw))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, body, &statusError{code: resp.StatusCode, body: body}
	}
	return resp.StatusCode, body, nil
}

func (e *Engine) markSuccess(ctx context.Context, attempt *models.DeliveryAttempt, httpStatus int, body string, elapsed time.Duration) (*models.DeliveryResult, error) {
	now := e.now()
	ms := elapsed.Milliseconds()

	attempt.Status = models.AttemptStatusSuccess
	attempt.HTTPStatus = &httpStatus
	attempt.ResponseBody = &body
	attempt.ResponseTime = &ms
	attempt.NextRetryAt = nil
	attempt.DeliveredAt = &now

	if err := e.store.UpdateAttempt(ctx, attempt); err != nil {
		return nil, fmt.Errorf("failed to record successful attempt: %w", err)
	}

	metrics.DeliveriesTotal.WithLabelValues("success").Inc()
	e.logger.Debug("webhook delivered",
		"webhook_id", attempt.WebhookID,
		"event_id", attempt.EventID,
		"attempt", attempt.Attempt,
		"status", httpStatus,
	)

	return &models.DeliveryResult{
		WebhookID:    attempt.WebhookID,
		EventID:      attempt.EventID,
		Attempt:      attempt.Attempt,
		Success:      true,
		HTTPStatus:   httpStatus,
		ResponseTime: elapsed,
	}, nil
}

func (e *Engine) markFailure(ctx context.Context, webhook *models.Webhook, attempt *models.DeliveryAttempt, cause error, httpStatus int, body string, elapsed time.Duration) (*models.DeliveryResult, error) {
	ms := elapsed.Milliseconds()
	msg := cause.Error()

	attempt.Status = models.AttemptStatusFailed
	attempt.ErrorMessage = &msg
	attempt.ResponseTime = &ms
	attempt.NextRetryAt = nil
	if httpStatus != 0 {
		attempt.HTTPStatus = &httpStatus
	}
	if body != "" {
		attempt.ResponseBody = &body
	}

	if err := e.store.UpdateAttempt(ctx, attempt); err != nil {
		return nil, fmt.Errorf("failed to record failed attempt: %w", err)
	}

	result := &models.DeliveryResult{
		WebhookID:    attempt.WebhookID,
		EventID:      attempt.EventID,
		Attempt:      attempt.Attempt,
		HTTPStatus:   httpStatus,
		ResponseTime: elapsed,
		Error:        msg,
	}

	if webhook.ShouldRetry(attempt.Attempt) {
		nextAt := e.now().Add(webhook.NextRetryDelay(attempt.Attempt))
		next := &models.DeliveryAttempt{
			ID:          newID(),
			WebhookID:   attempt.WebhookID,
			EventID:     attempt.EventID,
			Attempt:     attempt.Attempt + 1,
			Status:      models.AttemptStatusPending,
			NextRetryAt: &nextAt,
			CreatedAt:   e.now(),
		}
		if err := e.store.SaveAttempt(ctx, next); err != nil {
			return nil, fmt.Errorf("failed to schedule retry attempt: %w", err)
		}

		metrics.DeliveriesTotal.WithLabelValues("retried").Inc()
		e.logger.Warn("webhook delivery failed, retry scheduled",
			"webhook_id", attempt.WebhookID,
			"event_id", attempt.EventID,
			"attempt", attempt.Attempt,
			"next_retry_at", nextAt,
			"error", msg,
		)
		result.WillRetry = true
		return result, nil
	}

	metrics.DeliveriesTotal.WithLabelValues("failed").Inc()
	e.logger.Error("webhook delivery exhausted retries",
		"webhook_id", attempt.WebhookID,
		"event_id", attempt.EventID,
		"attempt", attempt.Attempt,
		"error", msg,
	)

	if e.sink != nil {
		if err := e.sink.AddFailedDelivery(ctx, attempt); err != nil {
			return nil, fmt.Errorf("failed to dead-letter delivery: %w", err)
		}
	}
	return result, nil
}

func (e *Engine) latestPendingAttempt(ctx context.Context, webhookID, eventID string) (*models.DeliveryAttempt, error) {
	attempts, err := e.store.ListAttempts(ctx, webhookID, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	for i := len(attempts) - 1; i >= 0; i-- {
		if attempts[i].Status == models.AttemptStatusPending {
			return attempts[i], nil
		}
	}
	return nil, repository.ErrAttemptNotFound
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
