package models

import (
	"time"
)

// Delivery attempt statuses.
const (
	AttemptStatusPending = "pending"
	AttemptStatusSuccess = "success"
	AttemptStatusFailed  = "failed"
)

// Dead letter sweep actions, recorded in statistics.
const (
	DeadLetterActionFailed    = "failed"
	DeadLetterActionRetried   = "retried"
	DeadLetterActionAbandoned = "abandoned"
	DeadLetterActionExpired   = "expired"
)

// MaxResponseBodyLen caps the captured response body on a delivery attempt.
const MaxResponseBodyLen = 1000

// DeliveryAttempt is one try at sending one event to one webhook.
// Attempt numbers for a (webhook, event) pair start at 1 and increase
// monotonically; a new attempt is created only after the previous one
// reached a terminal status.
type DeliveryAttempt struct {
	ID           string     `json:"id"`
	WebhookID    string     `json:"webhook_id"`
	EventID      string     `json:"event_id"`
	Attempt      int        `json:"attempt"`
	Status       string     `json:"status"`
	HTTPStatus   *int       `json:"http_status,omitempty"`
	ResponseBody *string    `json:"response_body,omitempty"`
	ResponseTime *int64     `json:"response_time_ms,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	NextRetryAt  *time.Time `json:"next_retry_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	DeliveredAt  *time.Time `json:"delivered_at,omitempty"`
}

// DeliveryResult summarizes the outcome of a delivery attempt for callers
// of the delivery engine.
type DeliveryResult struct {
	WebhookID    string        `json:"webhook_id"`
	EventID      string        `json:"event_id"`
	Attempt      int           `json:"attempt"`
	Success      bool          `json:"success"`
	HTTPStatus   int           `json:"http_status,omitempty"`
	ResponseTime time.Duration `json:"response_time_ms,omitempty"`
	Error        string        `json:"error,omitempty"`
	WillRetry    bool          `json:"will_retry"`
}

// DeadLetterEntry is a delivery that exhausted its retry budget or aged
// out, held for inspection, manual retry, or expiry.
type DeadLetterEntry struct {
	ID           string    `json:"id"`
	WebhookID    string    `json:"webhook_id"`
	EventID      string    `json:"event_id"`
	Attempt      int       `json:"attempt"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	AddedAt      time.Time `json:"added_to_dlq_at"`
}

// TruncateResponseBody trims a captured response body to MaxResponseBodyLen.
func TruncateResponseBody(body string) string {
	if len(body) <= MaxResponseBodyLen {
		return body
	}
	return body[:MaxResponseBodyLen]
}
