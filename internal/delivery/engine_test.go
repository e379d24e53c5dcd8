package delivery

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-events/internal/breaker"
	"github.com/telhawk-systems/telhawk-events/internal/models"
	"github.com/telhawk-systems/telhawk-events/internal/repository"
	"github.com/telhawk-systems/telhawk-events/internal/signing"
)

type fakeSink struct {
	mu      sync.Mutex
	entries []*models.DeliveryAttempt
}

func (s *fakeSink) AddFailedDelivery(ctx context.Context, attempt *models.DeliveryAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, attempt)
	return nil
}

func (s *fakeSink) all() []*models.DeliveryAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.DeliveryAttempt(nil), s.entries...)
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, breakerCfg breaker.Config) (*Engine, *repository.InMemoryRepository, *fakeSink, *testClock) {
	t.Helper()
	repo := repository.NewInMemoryRepository()
	sink := &fakeSink{}
	clock := &testClock{t: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}

	engine := NewEngine(repo, breaker.NewRegistry(breakerCfg), signing.NewSigner(), sink, discardLogger())
	engine.now = clock.now
	return engine, repo, sink, clock
}

func testEvent(id string) *models.Event {
	return &models.Event{
		ID:        id,
		Type:      "authentication.login.success",
		Data:      map[string]any{"user": "u1"},
		UserID:    "u1",
		Timestamp: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
	}
}

func testWebhook(id, url string, maxRetries int) *models.Webhook {
	return &models.Webhook{
		ID:     id,
		UserID: "u1",
		Config: models.WebhookConfig{
			URL:        url,
			Secret:     "secret-1",
			Timeout:    time.Second,
			MaxRetries: maxRetries,
			Headers:    map[string]string{"X-Custom": "events"},
		},
		EventTypes: []string{"authentication.*"},
		Active:     true,
	}
}

func TestDeliverEvent_Success(t *testing.T) {
	var gotSignature, gotTimestamp, gotCustom string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSignature = r.Header.Get("X-Webhook-Signature")
		gotTimestamp = r.Header.Get("X-Webhook-Timestamp")
		gotCustom = r.Header.Get("X-Custom")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	engine, repo, sink, _ := newTestEngine(t, breaker.DefaultConfig())
	webhook := testWebhook("wh-1", server.URL, 2)
	event := testEvent("evt-1")

	result, err := engine.DeliverEvent(context.Background(), webhook, event)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, http.StatusOK, result.HTTPStatus)
	assert.Equal(t, 1, result.Attempt)

	require.NotEmpty(t, gotSignature)
	require.NotEmpty(t, gotTimestamp)
	assert.Equal(t, "events", gotCustom)
	assert.Contains(t, string(gotBody), `"authentication.login.success"`)

	attempts, err := repo.ListAttempts(context.Background(), "wh-1", "evt-1")
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, models.AttemptStatusSuccess, attempts[0].Status)
	require.NotNil(t, attempts[0].DeliveredAt)
	assert.Empty(t, sink.all())
}

func TestDeliverEvent_FailureSchedulesRetry(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusInternalServerError)
	}))
	defer server.Close()

	engine, repo, _, _ := newTestEngine(t, breaker.DefaultConfig())
	webhook := testWebhook("wh-1", server.URL, 2)
	event := testEvent("evt-1")

	result, err := engine.DeliverEvent(context.Background(), webhook, event)
	require.NoError(t, err, "delivery failures are recorded, not raised")
	assert.False(t, result.Success)
	assert.True(t, result.WillRetry)
	assert.Equal(t, http.StatusInternalServerError, result.HTTPStatus)

	attempts, err := repo.ListAttempts(context.Background(), "wh-1", "evt-1")
	require.NoError(t, err)
	require.Len(t, attempts, 2)

	assert.Equal(t, models.AttemptStatusFailed, attempts[0].Status)
	require.NotNil(t, attempts[0].ErrorMessage)
	assert.Contains(t, *attempts[0].ErrorMessage, "500")

	assert.Equal(t, 2, attempts[1].Attempt)
	assert.Equal(t, models.AttemptStatusPending, attempts[1].Status)
	require.NotNil(t, attempts[1].NextRetryAt)
}

func TestDeliverEvent_ExhaustedRetriesDeadLetter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "always failing", http.StatusInternalServerError)
	}))
	defer server.Close()

	engine, repo, sink, clock := newTestEngine(t, breaker.DefaultConfig())
	webhook := testWebhook("wh-1", server.URL, 2)
	require.NoError(t, repo.SaveWebhook(context.Background(), webhook))
	event := testEvent("evt-1")
	require.NoError(t, repo.SaveEvent(context.Background(), event))

	// Attempt 1 fails and schedules attempt 2.
	_, err := engine.DeliverEvent(context.Background(), webhook, event)
	require.NoError(t, err)

	// Let attempt 2 come due and dispatch it.
	clock.advance(time.Hour)
	dispatched := engine.ProcessDueRetries(context.Background())
	assert.Equal(t, 1, dispatched)

	attempts, err := repo.ListAttempts(context.Background(), "wh-1", "evt-1")
	require.NoError(t, err)
	require.Len(t, attempts, 2, "maxRetries=2 means exactly two attempts")
	assert.Equal(t, models.AttemptStatusFailed, attempts[0].Status)
	assert.Equal(t, models.AttemptStatusFailed, attempts[1].Status)

	entries := sink.all()
	require.Len(t, entries, 1)
	assert.Equal(t, 2, entries[0].Attempt)
	assert.Equal(t, "wh-1", entries[0].WebhookID)
	assert.Equal(t, "evt-1", entries[0].EventID)
}

func TestDeliverEvent_SecondAttemptSucceeds(t *testing.T) {
	var calls int
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			http.Error(w, "transient", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	engine, repo, sink, clock := newTestEngine(t, breaker.DefaultConfig())
	webhook := testWebhook("wh-1", server.URL, 2)
	require.NoError(t, repo.SaveWebhook(context.Background(), webhook))
	event := testEvent("evt-1")
	require.NoError(t, repo.SaveEvent(context.Background(), event))

	_, err := engine.DeliverEvent(context.Background(), webhook, event)
	require.NoError(t, err)

	clock.advance(time.Hour)
	engine.ProcessDueRetries(context.Background())

	attempts, err := repo.ListAttempts(context.Background(), "wh-1", "evt-1")
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, models.AttemptStatusFailed, attempts[0].Status)
	assert.Equal(t, models.AttemptStatusSuccess, attempts[1].Status)
	assert.Empty(t, sink.all(), "successful retry must not dead-letter")
}

func TestDeliverEvent_BreakerOpenRecordedWithoutNetworkCall(t *testing.T) {
	var calls int
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	engine, repo, _, clock := newTestEngine(t, breaker.Config{FailureThreshold: 5, RecoveryTimeout: time.Hour})
	webhook := testWebhook("wh-1", server.URL, 10)
	require.NoError(t, repo.SaveWebhook(context.Background(), webhook))

	// Five consecutive failures across distinct events open the breaker.
	for i := 0; i < 5; i++ {
		event := testEvent(fmt.Sprintf("evt-%d", i))
		require.NoError(t, repo.SaveEvent(context.Background(), event))
		_, err := engine.DeliverEvent(context.Background(), webhook, event)
		require.NoError(t, err)
		clock.advance(time.Second)
	}

	mu.Lock()
	callsBefore := calls
	mu.Unlock()

	// The sixth delivery is rejected by the breaker before the network.
	event := testEvent("evt-final")
	require.NoError(t, repo.SaveEvent(context.Background(), event))
	result, err := engine.DeliverEvent(context.Background(), webhook, event)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "circuit breaker is open")

	mu.Lock()
	assert.Equal(t, callsBefore, calls, "breaker-open delivery must not hit the endpoint")
	mu.Unlock()

	attempts, err := repo.ListAttempts(context.Background(), "wh-1", "evt-final")
	require.NoError(t, err)
	require.NotEmpty(t, attempts)
	require.NotNil(t, attempts[0].ErrorMessage)
	assert.Contains(t, *attempts[0].ErrorMessage, "circuit breaker is open")
}

func TestDeliverEvent_TimeoutTreatedAsFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	engine, repo, _, _ := newTestEngine(t, breaker.DefaultConfig())
	webhook := testWebhook("wh-1", server.URL, 2)
	webhook.Config.Timeout = 20 * time.Millisecond
	event := testEvent("evt-1")

	result, err := engine.DeliverEvent(context.Background(), webhook, event)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.True(t, result.WillRetry)

	attempts, err := repo.ListAttempts(context.Background(), "wh-1", "evt-1")
	require.NoError(t, err)
	assert.Equal(t, models.AttemptStatusFailed, attempts[0].Status)
}

func TestDeliverEvent_ResponseBodyTruncated(t *testing.T) {
	long := strings.Repeat("x", 3000)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(long))
	}))
	defer server.Close()

	engine, repo, _, _ := newTestEngine(t, breaker.DefaultConfig())
	webhook := testWebhook("wh-1", server.URL, 1)
	event := testEvent("evt-1")

	_, err := engine.DeliverEvent(context.Background(), webhook, event)
	require.NoError(t, err)

	attempts, err := repo.ListAttempts(context.Background(), "wh-1", "evt-1")
	require.NoError(t, err)
	require.NotNil(t, attempts[0].ResponseBody)
	assert.Len(t, *attempts[0].ResponseBody, models.MaxResponseBodyLen)
}

func TestQueue_FIFOAndFanOut(t *testing.T) {
	var mu sync.Mutex
	var received []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		received = append(received, string(body))
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	engine, repo, _, _ := newTestEngine(t, breaker.DefaultConfig())
	webhook := testWebhook("wh-1", server.URL, 1)
	require.NoError(t, repo.SaveWebhook(context.Background(), webhook))

	first := testEvent("evt-1")
	second := testEvent("evt-2")
	engine.QueueDelivery(first)
	engine.QueueDelivery(second)
	assert.Equal(t, 2, engine.QueueDepth())

	engine.ProcessQueue(context.Background())
	assert.Zero(t, engine.QueueDepth())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 2)
	assert.Contains(t, received[0], "evt-1")
	assert.Contains(t, received[1], "evt-2")
}

func TestQueue_UnmatchedEventDeliversNothing(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no delivery expected for unmatched event type")
	}))
	defer server.Close()

	engine, repo, _, _ := newTestEngine(t, breaker.DefaultConfig())
	webhook := testWebhook("wh-1", server.URL, 1)
	webhook.EventTypes = []string{"mfa.*"}
	require.NoError(t, repo.SaveWebhook(context.Background(), webhook))

	engine.QueueDelivery(testEvent("evt-1"))
	engine.ProcessQueue(context.Background())
}

func TestProcessDueRetries_SkipsInactiveWebhook(t *testing.T) {
	engine, repo, _, clock := newTestEngine(t, breaker.DefaultConfig())
	ctx := context.Background()

	webhook := testWebhook("wh-1", "http://unreachable.test", 3)
	webhook.Active = false
	require.NoError(t, repo.SaveWebhook(ctx, webhook))
	require.NoError(t, repo.SaveEvent(ctx, testEvent("evt-1")))

	due := clock.now().Add(-time.Minute)
	require.NoError(t, repo.SaveAttempt(ctx, &models.DeliveryAttempt{
		ID: "a1", WebhookID: "wh-1", EventID: "evt-1", Attempt: 2,
		Status: models.AttemptStatusPending, NextRetryAt: &due, CreatedAt: clock.now(),
	}))

	dispatched := engine.ProcessDueRetries(ctx)
	assert.Zero(t, dispatched)

	attempt, err := repo.GetAttemptByID(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, models.AttemptStatusFailed, attempt.Status)
}
