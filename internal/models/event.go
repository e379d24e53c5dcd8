package models

import (
	"time"
)

// Event represents an immutable domain event produced by the platform
// (logins, MFA challenges, role changes, security alerts).
type Event struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"` // dot-namespaced, e.g. "authentication.login.success"
	Data          map[string]any `json:"data"`
	UserID        string         `json:"user_id,omitempty"`
	SessionID     string         `json:"session_id,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// WirePayload is the JSON body a webhook endpoint receives.
// It is a stable subset of Event; internal-only fields stay internal.
type WirePayload struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	Data          map[string]any `json:"data"`
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Wire returns the outbound representation of the event.
func (e *Event) Wire() WirePayload {
	return WirePayload{
		ID:            e.ID,
		Type:          e.Type,
		Data:          e.Data,
		Timestamp:     e.Timestamp,
		CorrelationID: e.CorrelationID,
		Metadata:      e.Metadata,
	}
}
