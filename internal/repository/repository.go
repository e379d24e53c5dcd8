package repository

import (
	"context"
	"errors"
	"time"

	"github.com/telhawk-systems/telhawk-events/internal/models"
)

var (
	ErrEventNotFound      = errors.New("event not found")
	ErrWebhookNotFound    = errors.New("webhook not found")
	ErrAttemptNotFound    = errors.New("delivery attempt not found")
	ErrDeadLetterNotFound = errors.New("dead letter entry not found")
	ErrDuplicateAttempt   = errors.New("delivery attempt already exists for this attempt number")
)

// Repository is the durable store behind the event distribution core. In a
// multi-process deployment the database is the source of truth; nothing in
// this service assumes in-process caching survives a restart.
type Repository interface {
	EventRepository
	WebhookRepository
	DeliveryRepository
	DeadLetterRepository

	Close() error
}

// EventRepository persists published events for the retention window.
type EventRepository interface {
	SaveEvent(ctx context.Context, event *models.Event) error
	GetEventByID(ctx context.Context, id string) (*models.Event, error)
	DeleteOldEvents(ctx context.Context, cutoff time.Time) (int, error)
}

// WebhookRepository reads webhook destinations. Webhooks are created and
// updated by an external management surface; this service only selects
// and deactivates.
type WebhookRepository interface {
	SaveWebhook(ctx context.Context, webhook *models.Webhook) error
	GetWebhookByID(ctx context.Context, id string) (*models.Webhook, error)

	// FindActiveWebhooksForEvent returns active webhooks whose event type
	// patterns match the given event type.
	FindActiveWebhooksForEvent(ctx context.Context, eventType string) ([]*models.Webhook, error)

	UpdateWebhook(ctx context.Context, webhook *models.Webhook) error

	// CancelPendingDeliveries marks every pending attempt for the webhook
	// as failed, used when a destination is deactivated.
	CancelPendingDeliveries(ctx context.Context, webhookID string) (int, error)
}

// DeliveryRepository persists per-attempt retry state.
type DeliveryRepository interface {
	SaveAttempt(ctx context.Context, attempt *models.DeliveryAttempt) error
	UpdateAttempt(ctx context.Context, attempt *models.DeliveryAttempt) error
	GetAttemptByID(ctx context.Context, id string) (*models.DeliveryAttempt, error)

	// CountAttempts returns how many attempts exist for the pair, used to
	// derive the next monotonic attempt number.
	CountAttempts(ctx context.Context, webhookID, eventID string) (int, error)

	// HasPendingAttempt reports whether an attempt for the pair is still
	// pending. A new attempt must never be created while one is.
	HasPendingAttempt(ctx context.Context, webhookID, eventID string) (bool, error)

	// FindPendingRetries returns pending attempts whose NextRetryAt is at
	// or before now, ordered oldest first.
	FindPendingRetries(ctx context.Context, now time.Time, limit int) ([]*models.DeliveryAttempt, error)

	ListAttempts(ctx context.Context, webhookID, eventID string) ([]*models.DeliveryAttempt, error)
}

// DeadLetterRepository stores deliveries that exhausted their retry budget.
type DeadLetterRepository interface {
	AddDeadLetter(ctx context.Context, entry *models.DeadLetterEntry) error

	// ListDeadLetters returns entries oldest first. A limit of zero or
	// less returns every entry.
	ListDeadLetters(ctx context.Context, limit int) ([]*models.DeadLetterEntry, error)
	GetDeadLetterByID(ctx context.Context, id string) (*models.DeadLetterEntry, error)

	// RemoveDeadLetter deletes an entry. Removing a nonexistent entry is a
	// no-op, not an error.
	RemoveDeadLetter(ctx context.Context, id string) error

	RemoveDeadLettersOlderThan(ctx context.Context, cutoff time.Time) (int, error)
	CountDeadLetters(ctx context.Context) (int, error)

	// OldestDeadLetter returns the AddedAt of the oldest entry, or nil
	// when the queue is empty.
	OldestDeadLetter(ctx context.Context) (*time.Time, error)
}
