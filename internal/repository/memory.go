package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/telhawk-systems/telhawk-events/internal/matcher"
	"github.com/telhawk-systems/telhawk-events/internal/models"
)

// InMemoryRepository implements Repository for tests and single-node
// development runs.
type InMemoryRepository struct {
	events      map[string]*models.Event
	webhooks    map[string]*models.Webhook
	attempts    map[string]*models.DeliveryAttempt
	deadLetters map[string]*models.DeadLetterEntry
	mu          sync.RWMutex
}

// NewInMemoryRepository creates an empty in-memory repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		events:      make(map[string]*models.Event),
		webhooks:    make(map[string]*models.Webhook),
		attempts:    make(map[string]*models.DeliveryAttempt),
		deadLetters: make(map[string]*models.DeadLetterEntry),
	}
}

func (r *InMemoryRepository) SaveEvent(ctx context.Context, event *models.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events[event.ID] = event
	return nil
}

func (r *InMemoryRepository) GetEventByID(ctx context.Context, id string) (*models.Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	event, exists := r.events[id]
	if !exists {
		return nil, ErrEventNotFound
	}
	return event, nil
}

func (r *InMemoryRepository) DeleteOldEvents(ctx context.Context, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, event := range r.events {
		if event.Timestamp.Before(cutoff) {
			delete(r.events, id)
			removed++
		}
	}
	return removed, nil
}

func (r *InMemoryRepository) SaveWebhook(ctx context.Context, webhook *models.Webhook) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.webhooks[webhook.ID] = webhook
	return nil
}

func (r *InMemoryRepository) GetWebhookByID(ctx context.Context, id string) (*models.Webhook, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	webhook, exists := r.webhooks[id]
	if !exists {
		return nil, ErrWebhookNotFound
	}
	return webhook, nil
}

func (r *InMemoryRepository) FindActiveWebhooksForEvent(ctx context.Context, eventType string) ([]*models.Webhook, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []*models.Webhook
	for _, webhook := range r.webhooks {
		if webhook.Active && matcher.MatchesAny(webhook.EventTypes, eventType) {
			matched = append(matched, webhook)
		}
	}
	// Deterministic order for tests.
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })
	return matched, nil
}

func (r *InMemoryRepository) UpdateWebhook(ctx context.Context, webhook *models.Webhook) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.webhooks[webhook.ID]; !exists {
		return ErrWebhookNotFound
	}
	r.webhooks[webhook.ID] = webhook
	return nil
}

func (r *InMemoryRepository) CancelPendingDeliveries(ctx context.Context, webhookID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cancelled := 0
	for _, attempt := range r.attempts {
		if attempt.WebhookID == webhookID && attempt.Status == models.AttemptStatusPending {
			attempt.Status = models.AttemptStatusFailed
			msg := "cancelled: webhook deactivated"
			attempt.ErrorMessage = &msg
			attempt.NextRetryAt = nil
			cancelled++
		}
	}
	return cancelled, nil
}

func (r *InMemoryRepository) SaveAttempt(ctx context.Context, attempt *models.DeliveryAttempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.attempts {
		if existing.WebhookID == attempt.WebhookID &&
			existing.EventID == attempt.EventID &&
			existing.Attempt == attempt.Attempt {
			return ErrDuplicateAttempt
		}
	}
	r.attempts[attempt.ID] = attempt
	return nil
}

func (r *InMemoryRepository) UpdateAttempt(ctx context.Context, attempt *models.DeliveryAttempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.attempts[attempt.ID]; !exists {
		return ErrAttemptNotFound
	}
	r.attempts[attempt.ID] = attempt
	return nil
}

func (r *InMemoryRepository) GetAttemptByID(ctx context.Context, id string) (*models.DeliveryAttempt, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	attempt, exists := r.attempts[id]
	if !exists {
		return nil, ErrAttemptNotFound
	}
	return attempt, nil
}

func (r *InMemoryRepository) CountAttempts(ctx context.Context, webhookID, eventID string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, attempt := range r.attempts {
		if attempt.WebhookID == webhookID && attempt.EventID == eventID {
			count++
		}
	}
	return count, nil
}

func (r *InMemoryRepository) HasPendingAttempt(ctx context.Context, webhookID, eventID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, attempt := range r.attempts {
		if attempt.WebhookID == webhookID && attempt.EventID == eventID &&
			attempt.Status == models.AttemptStatusPending {
			return true, nil
		}
	}
	return false, nil
}

func (r *InMemoryRepository) FindPendingRetries(ctx context.Context, now time.Time, limit int) ([]*models.DeliveryAttempt, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var due []*models.DeliveryAttempt
	for _, attempt := range r.attempts {
		if attempt.Status == models.AttemptStatusPending &&
			attempt.NextRetryAt != nil && !attempt.NextRetryAt.After(now) {
			due = append(due, attempt)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRetryAt.Before(*due[j].NextRetryAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (r *InMemoryRepository) ListAttempts(ctx context.Context, webhookID, eventID string) ([]*models.DeliveryAttempt, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var attempts []*models.DeliveryAttempt
	for _, attempt := range r.attempts {
		if attempt.WebhookID == webhookID && attempt.EventID == eventID {
			attempts = append(attempts, attempt)
		}
	}
	sort.Slice(attempts, func(i, j int) bool { return attempts[i].Attempt < attempts[j].Attempt })
	return attempts, nil
}

func (r *InMemoryRepository) AddDeadLetter(ctx context.Context, entry *models.DeadLetterEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.deadLetters[entry.ID] = entry
	return nil
}

func (r *InMemoryRepository) ListDeadLetters(ctx context.Context, limit int) ([]*models.DeadLetterEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]*models.DeadLetterEntry, 0, len(r.deadLetters))
	for _, entry := range r.deadLetters {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].AddedAt.Before(entries[j].AddedAt) })
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (r *InMemoryRepository) GetDeadLetterByID(ctx context.Context, id string) (*models.DeadLetterEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, exists := r.deadLetters[id]
	if !exists {
		return nil, ErrDeadLetterNotFound
	}
	return entry, nil
}

func (r *InMemoryRepository) RemoveDeadLetter(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.deadLetters, id)
	return nil
}

func (r *InMemoryRepository) RemoveDeadLettersOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, entry := range r.deadLetters {
		if entry.AddedAt.Before(cutoff) {
			delete(r.deadLetters, id)
			removed++
		}
	}
	return removed, nil
}

func (r *InMemoryRepository) CountDeadLetters(ctx context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.deadLetters), nil
}

func (r *InMemoryRepository) OldestDeadLetter(ctx context.Context) (*time.Time, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var oldest *time.Time
	for _, entry := range r.deadLetters {
		if oldest == nil || entry.AddedAt.Before(*oldest) {
			t := entry.AddedAt
			oldest = &t
		}
	}
	return oldest, nil
}

func (r *InMemoryRepository) Close() error {
	return nil
}
