package dlq

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

const (
	statsByActionKey  = "events:dlq:stats:by_action"
	statsByWebhookKey = "events:dlq:stats:by_webhook"
)

// StatsStore accumulates dead letter action counters per webhook and
// globally by action. When Redis is enabled the counters are shared
// across processes; otherwise they live in process memory.
type StatsStore struct {
	redis   *redis.Client
	enabled bool

	mu        sync.Mutex
	byAction  map[string]int
	byWebhook map[string]int
}

// NewStatsStore creates a stats store. redisClient may be nil when
// enabled is false.
func NewStatsStore(redisClient *redis.Client, enabled bool) *StatsStore {
	return &StatsStore{
		redis:     redisClient,
		enabled:   enabled,
		byAction:  make(map[string]int),
		byWebhook: make(map[string]int),
	}
}

// IsEnabled reports whether the Redis backing is active.
func (s *StatsStore) IsEnabled() bool {
	return s.enabled && s.redis != nil
}

// Record counts one dead letter action for a webhook.
func (s *StatsStore) Record(ctx context.Context, webhookID, action string) error {
	if !s.IsEnabled() {
		s.mu.Lock()
		s.byAction[action]++
		s.byWebhook[webhookID]++
		s.mu.Unlock()
		return nil
	}

	pipe := s.redis.Pipeline()
	pipe.HIncrBy(ctx, statsByActionKey, action, 1)
	pipe.HIncrBy(ctx, statsByWebhookKey, webhookID, 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record dlq stats: %w", err)
	}
	return nil
}

// ByAction returns the global action counters.
func (s *StatsStore) ByAction(ctx context.Context) (map[string]int, error) {
	if !s.IsEnabled() {
		s.mu.Lock()
		defer s.mu.Unlock()
		return copyCounts(s.byAction), nil
	}
	return s.readHash(ctx, statsByActionKey)
}

// ByWebhook returns the per-webhook counters.
func (s *StatsStore) ByWebhook(ctx context.Context) (map[string]int, error) {
	if !s.IsEnabled() {
		s.mu.Lock()
		defer s.mu.Unlock()
		return copyCounts(s.byWebhook), nil
	}
	return s.readHash(ctx, statsByWebhookKey)
}

func (s *StatsStore) readHash(ctx context.Context, key string) (map[string]int, error) {
	raw, err := s.redis.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read dlq stats: %w", err)
	}
	counts := make(map[string]int, len(raw))
	for field, value := range raw {
		var n int
		if _, err := fmt.Sscanf(value, "%d", &n); err != nil {
			continue // skip corrupted counters rather than failing the read
		}
		counts[field] = n
	}
	return counts, nil
}

func copyCounts(src map[string]int) map[string]int {
	dst := make(map[string]int, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
