package models

import (
	"time"
)

// Default webhook delivery policy values, applied when a webhook's config
// leaves the corresponding field zero.
const (
	DefaultDeliveryTimeout = 30 * time.Second
	DefaultMaxRetries      = 3
	DefaultRetryBackoff    = 1 * time.Second
	DefaultMaxBackoff      = 5 * time.Minute

	DefaultSignatureHeader = "X-Webhook-Signature"
	DefaultTimestampHeader = "X-Webhook-Timestamp"
)

// WebhookConfig holds the destination and delivery policy for a webhook.
type WebhookConfig struct {
	URL     string            `json:"url"`
	Secret  string            `json:"secret"`
	Headers map[string]string `json:"headers,omitempty"`

	// Timeout bounds a single delivery attempt.
	Timeout time.Duration `json:"timeout"`

	// MaxRetries is the number of redelivery attempts after the first
	// failure. Zero means use DefaultMaxRetries.
	MaxRetries int `json:"max_retries"`

	// RetryBackoff is the initial delay before the first retry; each
	// subsequent retry doubles it up to MaxBackoff.
	RetryBackoff time.Duration `json:"retry_backoff"`
	MaxBackoff   time.Duration `json:"max_backoff"`

	// SignatureHeader and TimestampHeader override the default header
	// names on the outbound request.
	SignatureHeader string `json:"signature_header,omitempty"`
	TimestampHeader string `json:"timestamp_header,omitempty"`
}

// Webhook is a registered HTTP delivery destination. Webhooks are managed
// by an external surface; this service reads them.
type Webhook struct {
	ID         string        `json:"id"`
	UserID     string        `json:"user_id"`
	Config     WebhookConfig `json:"config"`
	EventTypes []string      `json:"event_types"` // patterns, see matcher package
	Active     bool          `json:"active"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  *time.Time    `json:"updated_at,omitempty"`
}

// DeliveryTimeout returns the configured attempt timeout or the default.
func (w *Webhook) DeliveryTimeout() time.Duration {
	if w.Config.Timeout > 0 {
		return w.Config.Timeout
	}
	return DefaultDeliveryTimeout
}

// MaxRetries returns the configured retry budget or the default.
func (w *Webhook) MaxRetries() int {
	if w.Config.MaxRetries > 0 {
		return w.Config.MaxRetries
	}
	return DefaultMaxRetries
}

// ShouldRetry reports whether another attempt may follow the given
// attempt number.
func (w *Webhook) ShouldRetry(attempt int) bool {
	return attempt < w.MaxRetries()
}

// NextRetryDelay returns the exponential backoff delay before the attempt
// following the given attempt number.
func (w *Webhook) NextRetryDelay(attempt int) time.Duration {
	initial := w.Config.RetryBackoff
	if initial <= 0 {
		initial = DefaultRetryBackoff
	}
	maximum := w.Config.MaxBackoff
	if maximum <= 0 {
		maximum = DefaultMaxBackoff
	}

	delay := initial
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maximum {
			return maximum
		}
	}
	if delay > maximum {
		return maximum
	}
	return delay
}

// SignatureHeader returns the configured signature header name or the default.
func (w *Webhook) SignatureHeader() string {
	if w.Config.SignatureHeader != "" {
		return w.Config.SignatureHeader
	}
	return DefaultSignatureHeader
}

// TimestampHeader returns the configured timestamp header name or the default.
func (w *Webhook) TimestampHeader() string {
	if w.Config.TimestampHeader != "" {
		return w.Config.TimestampHeader
	}
	return DefaultTimestampHeader
}
