package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-events/internal/breaker"
	"github.com/telhawk-systems/telhawk-events/internal/dlq"
	"github.com/telhawk-systems/telhawk-events/internal/handlers"
	"github.com/telhawk-systems/telhawk-events/internal/models"
	"github.com/telhawk-systems/telhawk-events/internal/publisher"
	"github.com/telhawk-systems/telhawk-events/internal/repository"
	"github.com/telhawk-systems/telhawk-events/internal/server"
)

type stubQueue struct {
	events []*models.Event
}

func (q *stubQueue) QueueDelivery(event *models.Event) { q.events = append(q.events, event) }
func (q *stubQueue) QueueDepth() int                   { return len(q.events) }

type fixture struct {
	router http.Handler
	repo   *repository.InMemoryRepository
	queue  *stubQueue
	dlq    *dlq.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := repository.NewInMemoryRepository()
	queue := &stubQueue{}

	pub := publisher.New(repo, queue, nil, 0, logger)
	dlqStore := dlq.NewStore(repo, nil, dlq.NewStatsStore(nil, false), dlq.DefaultConfig(), logger)
	breakers := breaker.NewRegistry(breaker.DefaultConfig())

	h := handlers.NewHandler(pub, dlqStore, breakers, queue, logger)
	return &fixture{
		router: server.NewRouter(h),
		repo:   repo,
		queue:  queue,
		dlq:    dlqStore,
	}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) seedDeadLetter(t *testing.T, webhookID, eventID string, attempt int) string {
	t.Helper()
	msg := "connection refused"
	err := f.dlq.AddFailedDelivery(context.Background(), &models.DeliveryAttempt{
		ID:           "att-" + eventID,
		WebhookID:    webhookID,
		EventID:      eventID,
		Attempt:      attempt,
		Status:       models.AttemptStatusFailed,
		ErrorMessage: &msg,
		CreatedAt:    time.Now().UTC(),
	})
	require.NoError(t, err)

	entries, err := f.dlq.GetFailedDeliveries(context.Background(), 0)
	require.NoError(t, err)
	return entries[len(entries)-1].ID
}

func TestPublishEvent(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/events", models.PublishEventRequest{
		Type:   "authentication.login.success",
		Data:   map[string]any{"method": "password"},
		UserID: "user-1",
	})

	require.Equal(t, http.StatusCreated, rec.Code)

	var event models.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &event))
	assert.NotEmpty(t, event.ID)
	assert.Equal(t, "authentication.login.success", event.Type)

	require.Len(t, f.queue.events, 1)
	stored, err := f.repo.GetEventByID(context.Background(), event.ID)
	require.NoError(t, err)
	assert.Equal(t, event.ID, stored.ID)
}

func TestPublishEventValidation(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/events", models.PublishEventRequest{
		Data: map[string]any{"k": "v"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/events", bytes.NewBufferString("{not json"))
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/events", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestPublishBatch(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/events/batch", models.PublishBatchRequest{
		Events: []models.PublishEventRequest{
			{Type: "authentication.login.success"},
			{}, // invalid
		},
	})

	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Results []models.PublishResult `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 2)
	assert.NotEmpty(t, resp.Results[0].EventID)
	assert.NotEmpty(t, resp.Results[1].Error)
}

func TestPublishBatchEmpty(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/events/batch", models.PublishBatchRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListDeadLetters(t *testing.T) {
	f := newFixture(t)
	f.seedDeadLetter(t, "wh-1", "evt-1", 3)
	f.seedDeadLetter(t, "wh-2", "evt-2", 3)

	rec := f.do(t, http.MethodGet, "/api/v1/dlq?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Entries []models.DeadLetterEntry `json:"entries"`
		Count   int                      `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)
	require.Len(t, resp.Entries, 1)
	assert.Equal(t, "wh-1", resp.Entries[0].WebhookID)
}

func TestRemoveDeadLetter(t *testing.T) {
	f := newFixture(t)
	id := f.seedDeadLetter(t, "wh-1", "evt-1", 3)

	rec := f.do(t, http.MethodDelete, "/api/v1/dlq/"+id, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	// Idempotent: deleting again still succeeds.
	rec = f.do(t, http.MethodDelete, "/api/v1/dlq/"+id, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/dlq", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Zero(t, resp.Count)
}

func TestRetryDeadLetters(t *testing.T) {
	f := newFixture(t)
	// Attempt at the cap, so the sweep abandons it without an engine.
	f.seedDeadLetter(t, "wh-1", "evt-1", 3)

	rec := f.do(t, http.MethodPost, "/api/v1/dlq/retry", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Retried int `json:"retried"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Zero(t, resp.Retried)

	entries, err := f.dlq.GetFailedDeliveries(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, entries, "abandoned entry removed by the sweep")
}

func TestGetStats(t *testing.T) {
	f := newFixture(t)
	f.seedDeadLetter(t, "wh-1", "evt-1", 3)

	rec := f.do(t, http.MethodGet, "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		DeadLetters     models.DeadLetterStats  `json:"dead_letters"`
		QueueDepth      int                     `json:"queue_depth"`
		Breakers        []breaker.BreakerStatus `json:"breakers"`
		LiveSubscribers int                     `json:"live_subscribers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.DeadLetters.TotalFailed)
	assert.True(t, resp.DeadLetters.Healthy)
	assert.Zero(t, resp.QueueDepth)
	assert.Empty(t, resp.Breakers)
}

func TestHealthCheck(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())
}

func TestHealthCheckDegraded(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := repository.NewInMemoryRepository()
	queue := &stubQueue{}
	pub := publisher.New(repo, queue, nil, 0, logger)

	cfg := dlq.DefaultConfig()
	cfg.FailureCeiling = 1
	dlqStore := dlq.NewStore(repo, nil, dlq.NewStatsStore(nil, false), cfg, logger)
	h := handlers.NewHandler(pub, dlqStore, breaker.NewRegistry(breaker.DefaultConfig()), queue, logger)
	router := server.NewRouter(h)

	msg := "connection refused"
	for i, eventID := range []string{"evt-1", "evt-2"} {
		err := dlqStore.AddFailedDelivery(context.Background(), &models.DeliveryAttempt{
			ID:           "att-" + eventID,
			WebhookID:    "wh-1",
			EventID:      eventID,
			Attempt:      i + 1,
			Status:       models.AttemptStatusFailed,
			ErrorMessage: &msg,
			CreatedAt:    time.Now().UTC(),
		})
		require.NoError(t, err)
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "telhawk_events_")
}
