// Package breaker provides a per-webhook circuit breaker that stops
// delivery to a destination after repeated failures and periodically
// re-tests it with a single trial call.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Execute when the breaker rejects a call
// without invoking the operation.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the current breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Config holds breaker thresholds.
type Config struct {
	// FailureThreshold is the consecutive failure count that opens the
	// breaker.
	FailureThreshold int

	// RecoveryTimeout is how long an open breaker rejects calls before
	// allowing a half-open trial.
	RecoveryTimeout time.Duration

	// MonitoringPeriod bounds how long consecutive failures accumulate;
	// a failure older than this resets the count.
	MonitoringPeriod time.Duration
}

// DefaultConfig returns the standard breaker thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		MonitoringPeriod: 5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = d.RecoveryTimeout
	}
	if c.MonitoringPeriod <= 0 {
		c.MonitoringPeriod = d.MonitoringPeriod
	}
	return c
}

// Breaker is a circuit breaker for a single delivery destination.
// It is safe for concurrent use.
type Breaker struct {
	config Config
	now    func() time.Time

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	openedAt    time.Time
}

// New creates a closed breaker with the given config.
func New(config Config) *Breaker {
	return &Breaker{
		config: config.withDefaults(),
		now:    func() time.Time { return time.Now().UTC() },
		state:  StateClosed,
	}
}

// Execute runs op through the breaker. When the breaker is open and the
// recovery timeout has not elapsed, it returns ErrCircuitOpen without
// invoking op. When the timeout has elapsed, exactly one trial call is
// allowed; its outcome closes or re-opens the breaker.
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	if err := b.before(); err != nil {
		return err
	}

	err := op(ctx)
	b.after(err)
	return err
}

// before decides whether the call may proceed, transitioning open breakers
// to half-open when the recovery timeout has elapsed.
func (b *Breaker) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return nil
	}
	if b.now().Sub(b.openedAt) < b.config.RecoveryTimeout {
		return ErrCircuitOpen
	}
	b.state = StateHalfOpen
	return nil
}

func (b *Breaker) after(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.state = StateClosed
		b.failures = 0
		return
	}

	now := b.now()

	// A half-open trial failure re-opens immediately.
	if b.state == StateHalfOpen {
		b.state = StateOpen
		b.failures++
		b.lastFailure = now
		b.openedAt = now
		return
	}

	// Failures outside the monitoring window do not accumulate.
	if !b.lastFailure.IsZero() && now.Sub(b.lastFailure) > b.config.MonitoringPeriod {
		b.failures = 0
	}

	b.failures++
	b.lastFailure = now

	if b.failures >= b.config.FailureThreshold {
		b.state = StateOpen
		b.openedAt = now
	}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
