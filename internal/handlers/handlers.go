// Package handlers exposes the event service over HTTP: publishing,
// dead letter administration, statistics, and health.
package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/telhawk-systems/telhawk-events/internal/breaker"
	"github.com/telhawk-systems/telhawk-events/internal/dlq"
	"github.com/telhawk-systems/telhawk-events/internal/models"
	"github.com/telhawk-systems/telhawk-events/internal/publisher"
)

// QueueStatus reports delivery queue depth. Implemented by the delivery
// engine.
type QueueStatus interface {
	QueueDepth() int
}

type Handler struct {
	publisher *publisher.Publisher
	dlq       *dlq.Store
	breakers  *breaker.Registry
	queue     QueueStatus
	logger    *slog.Logger
}

func NewHandler(pub *publisher.Publisher, dlqStore *dlq.Store, breakers *breaker.Registry, queue QueueStatus, logger *slog.Logger) *Handler {
	return &Handler{
		publisher: pub,
		dlq:       dlqStore,
		breakers:  breakers,
		queue:     queue,
		logger:    logger,
	}
}

// HealthCheck handles GET /healthz. Degraded when the dead letter queue
// is above its failure ceiling.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if !h.dlq.Healthy(r.Context()) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// PublishEvent handles POST /api/v1/events.
func (h *Handler) PublishEvent(w http.ResponseWriter, r *http.Request) {
	var req models.PublishEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := req.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	event, err := h.publisher.PublishEvent(r.Context(), &req)
	if err != nil {
		h.logger.Error("failed to publish event", "event_type", req.Type, "error", err)
		http.Error(w, "Failed to publish event", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, event)
}

// PublishBatch handles POST /api/v1/events/batch.
func (h *Handler) PublishBatch(w http.ResponseWriter, r *http.Request) {
	var req models.PublishBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Events) == 0 {
		http.Error(w, "At least one event is required", http.StatusBadRequest)
		return
	}

	results := h.publisher.PublishEvents(r.Context(), req.Events)
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// ListDeadLetters handles GET /api/v1/dlq.
func (h *Handler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := parseInt(r.URL.Query().Get("limit"), 50)

	entries, err := h.dlq.GetFailedDeliveries(r.Context(), limit)
	if err != nil {
		h.logger.Error("failed to list dead letters", "error", err)
		http.Error(w, "Failed to list dead letters", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

// RetryDeadLetters handles POST /api/v1/dlq/retry, triggering one sweep.
func (h *Handler) RetryDeadLetters(w http.ResponseWriter, r *http.Request) {
	retried, err := h.dlq.RetryFailedDeliveries(r.Context())
	if err != nil {
		h.logger.Error("dead letter retry sweep failed", "error", err)
		http.Error(w, "Failed to retry dead letters", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"retried": retried})
}

// RemoveDeadLetter handles DELETE /api/v1/dlq/{id}. Removal is
// idempotent; deleting an unknown id still returns 204.
func (h *Handler) RemoveDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/dlq/")
	if id == "" {
		http.Error(w, "Entry ID required", http.StatusBadRequest)
		return
	}

	if err := h.dlq.RemoveFailedDelivery(r.Context(), id); err != nil {
		h.logger.Error("failed to remove dead letter", "entry_id", id, "error", err)
		http.Error(w, "Failed to remove dead letter", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetStats handles GET /api/v1/stats.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.dlq.GetStats(r.Context())
	if err != nil {
		h.logger.Error("failed to get dead letter stats", "error", err)
		http.Error(w, "Failed to get stats", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"dead_letters":     stats,
		"queue_depth":      h.queue.QueueDepth(),
		"breakers":         h.breakers.Snapshot(),
		"breakers_open":    h.breakers.OpenCount(),
		"live_subscribers": h.publisher.SubscriberCount(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Headers are already sent; nothing useful left to do.
		slog.Default().Error("failed to encode response", "error", err)
	}
}

func parseInt(s string, defaultVal int) int {
	if s == "" {
		return defaultVal
	}
	if v, err := strconv.Atoi(s); err == nil {
		return v
	}
	return defaultVal
}
