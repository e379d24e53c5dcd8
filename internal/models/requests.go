package models

import (
	"fmt"
	"strings"
	"time"
)

// PublishEventRequest is the payload accepted by the publish endpoint.
type PublishEventRequest struct {
	Type          string         `json:"type"`
	Data          map[string]any `json:"data"`
	UserID        string         `json:"user_id,omitempty"`
	SessionID     string         `json:"session_id,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// Validate checks the request for required fields.
func (r *PublishEventRequest) Validate() error {
	if strings.TrimSpace(r.Type) == "" {
		return fmt.Errorf("event type is required")
	}
	return nil
}

// PublishBatchRequest wraps a batch of events for the batch endpoint.
type PublishBatchRequest struct {
	Events []PublishEventRequest `json:"events"`
}

// PublishResult reports the outcome of publishing a single event within a
// batch. Failures are isolated per event.
type PublishResult struct {
	EventID string `json:"event_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

// DeadLetterStats summarizes dead letter queue activity.
type DeadLetterStats struct {
	TotalFailed    int            `json:"total_failed"`
	ByWebhook      map[string]int `json:"by_webhook"`
	ByAction       map[string]int `json:"by_action"`
	OldestFailure  *time.Time     `json:"oldest_failure,omitempty"`
	Healthy        bool           `json:"healthy"`
	FailureCeiling int            `json:"failure_ceiling"`
}
