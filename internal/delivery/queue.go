package delivery

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/telhawk-systems/telhawk-events/internal/metrics"
	"github.com/telhawk-systems/telhawk-events/internal/models"
)

// eventQueue is the process-wide FIFO delivery queue. Events are drained
// sequentially, which preserves per-webhook delivery order.
type eventQueue struct {
	mu     sync.Mutex
	events []*models.Event
}

func newEventQueue() *eventQueue {
	return &eventQueue{}
}

func (q *eventQueue) push(event *models.Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events = append(q.events, event)
	metrics.QueueDepth.Set(float64(len(q.events)))
}

func (q *eventQueue) pop() (*models.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.events) == 0 {
		return nil, false
	}
	event := q.events[0]
	q.events = q.events[1:]
	metrics.QueueDepth.Set(float64(len(q.events)))
	return event, true
}

func (q *eventQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// QueueDelivery enqueues an event for webhook fan-out by the next drain.
func (e *Engine) QueueDelivery(event *models.Event) {
	e.queue.push(event)
}

// QueueDepth returns the current number of queued events.
func (e *Engine) QueueDepth() int {
	return e.queue.len()
}

// singleFlight guards a background sweep so a tick that fires while the
// previous run is still going is skipped, not queued.
type singleFlight struct {
	busy atomic.Bool
}

func (s *singleFlight) tryAcquire() bool { return s.busy.CompareAndSwap(false, true) }
func (s *singleFlight) release()         { s.busy.Store(false) }

// ProcessQueue drains the delivery queue FIFO. For each event the set of
// active webhooks whose filter matches is resolved and delivery fans out
// to each concurrently; the queue itself is drained sequentially. Only
// one drain runs per engine at a time; overlapping calls return
// immediately.
func (e *Engine) ProcessQueue(ctx context.Context) {
	if !e.drainGuard.tryAcquire() {
		return
	}
	defer e.drainGuard.release()

	for {
		if ctx.Err() != nil {
			return
		}
		event, ok := e.queue.pop()
		if !ok {
			return
		}
		e.fanOut(ctx, event)
	}
}

// fanOut delivers one event to every matching webhook concurrently.
// Individual failures are logged and isolated; they never abort the
// batch.
func (e *Engine) fanOut(ctx context.Context, event *models.Event) {
	webhooks, err := e.store.FindActiveWebhooksForEvent(ctx, event.Type)
	if err != nil {
		e.logger.Error("failed to resolve webhooks for event",
			"event_id", event.ID, "event_type", event.Type, "error", err)
		return
	}
	if len(webhooks) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, webhook := range webhooks {
		wg.Add(1)
		go func(wh *models.Webhook) {
			defer wg.Done()
			if _, err := e.DeliverEvent(ctx, wh, event); err != nil {
				e.logger.Error("delivery pipeline error",
					"webhook_id", wh.ID, "event_id", event.ID, "error", err)
			}
		}(webhook)
	}
	wg.Wait()
}

// RunDrainLoop drains the queue on the given interval until ctx is
// cancelled. Call in a goroutine.
func (e *Engine) RunDrainLoop(ctx context.Context, interval time.Duration) {
	e.logger.Info("delivery queue drain loop started", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.ProcessQueue(ctx)
		case <-ctx.Done():
			e.logger.Info("delivery queue drain loop stopped")
			return
		}
	}
}
