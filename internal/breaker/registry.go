package breaker

import (
	"sync"
)

// Registry owns one breaker per webhook id, created lazily on first use
// and kept for the process lifetime. Breaker state is intentionally not
// persisted; after a restart every destination starts closed.
type Registry struct {
	config Config

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates an empty registry using config for new breakers.
func NewRegistry(config Config) *Registry {
	return &Registry{
		config:   config.withDefaults(),
		breakers: make(map[string]*Breaker),
	}
}

// For returns the breaker for the given webhook id, creating it if needed.
func (r *Registry) For(webhookID string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[webhookID]
	if !ok {
		b = New(r.config)
		r.breakers[webhookID] = b
	}
	return b
}

// BreakerStatus is a point-in-time view of one breaker for health
// reporting.
type BreakerStatus struct {
	WebhookID string `json:"webhook_id"`
	State     State  `json:"state"`
	Failures  int    `json:"failures"`
}

// Snapshot returns the status of every known breaker.
func (r *Registry) Snapshot() []BreakerStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	statuses := make([]BreakerStatus, 0, len(r.breakers))
	for id, b := range r.breakers {
		statuses = append(statuses, BreakerStatus{
			WebhookID: id,
			State:     b.State(),
			Failures:  b.Failures(),
		})
	}
	return statuses
}

// OpenCount returns how many breakers are currently open.
func (r *Registry) OpenCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	open := 0
	for _, b := range r.breakers {
		if b.State() == StateOpen {
			open++
		}
	}
	return open
}
