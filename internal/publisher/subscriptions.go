package publisher

import (
	"sync"

	"github.com/google/uuid"

	"github.com/telhawk-systems/telhawk-events/internal/matcher"
	"github.com/telhawk-systems/telhawk-events/internal/models"
)

// Callback receives a published event on a live subscription. It runs
// synchronously on the publishing goroutine; long work belongs in the
// subscriber's own goroutine.
type Callback func(event *models.Event)

// Subscription is one live in-process subscription.
type Subscription struct {
	ID       string
	UserID   string
	Patterns []string
	callback Callback
}

// wants reports whether the subscription should receive the event. A
// subscription with a user id only sees that user's events.
func (s *Subscription) wants(event *models.Event) bool {
	if s.UserID != "" && s.UserID != event.UserID {
		return false
	}
	return matcher.MatchesAny(s.Patterns, event.Type)
}

// subscriptionRegistry holds live subscriptions. Iteration order is
// subscription order, so callback sequencing is deterministic.
type subscriptionRegistry struct {
	mu    sync.RWMutex
	subs  map[string]*Subscription
	order []string
}

func newSubscriptionRegistry() *subscriptionRegistry {
	return &subscriptionRegistry{subs: make(map[string]*Subscription)}
}

func (r *subscriptionRegistry) add(userID string, patterns []string, callback Callback) *Subscription {
	sub := &Subscription{
		ID:       uuid.NewString(),
		UserID:   userID,
		Patterns: patterns,
		callback: callback,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[sub.ID] = sub
	r.order = append(r.order, sub.ID)
	return sub
}

// remove deletes a subscription. Removing an unknown id is a no-op.
func (r *subscriptionRegistry) remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.subs[id]; !exists {
		return false
	}
	delete(r.subs, id)
	for i, sid := range r.order {
		if sid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// matching returns the subscriptions that want the event, in
// subscription order.
func (r *subscriptionRegistry) matching(event *models.Event) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []*Subscription
	for _, id := range r.order {
		if sub := r.subs[id]; sub != nil && sub.wants(event) {
			matched = append(matched, sub)
		}
	}
	return matched
}

func (r *subscriptionRegistry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}
