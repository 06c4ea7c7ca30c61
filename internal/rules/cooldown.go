package rules

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// CooldownStore is the single read/write path for per-(rule, lead) cooldown
// state. Different leads are independent; the pair is the unit.
type CooldownStore interface {
	// TryAcquire records a firing if the pair is not cooling down. Returns
	// false when a previous firing is still inside the window.
	TryAcquire(ctx context.Context, ruleID, leadID uuid.UUID, window time.Duration) (bool, error)
}

// RedisCooldowns implements CooldownStore on Redis. SET NX with a TTL equal
// to the window makes acquire-and-expire one atomic operation shared by every
// instance, so two concurrently processed triggers can not both fire.
type RedisCooldowns struct {
	client redis.Cmdable
}

// NewRedisCooldowns wraps a Redis client.
func NewRedisCooldowns(client redis.Cmdable) *RedisCooldowns {
	if client == nil {
		panic("rules: redis client required")
	}
	return &RedisCooldowns{client: client}
}

func cooldownKey(ruleID, leadID uuid.UUID) string {
	return fmt.Sprintf("rule_cooldown:%s:%s", ruleID, leadID)
}

// TryAcquire implements CooldownStore.
func (r *RedisCooldowns) TryAcquire(ctx context.Context, ruleID, leadID uuid.UUID, window time.Duration) (bool, error) {
	if window <= 0 {
		return true, nil
	}
	ok, err := r.client.SetNX(ctx, cooldownKey(ruleID, leadID), time.Now().UTC().Format(time.RFC3339), window).Result()
	if err != nil {
		return false, fmt.Errorf("rules: acquire cooldown: %w", err)
	}
	return ok, nil
}

// MemoryCooldowns implements CooldownStore in-process. Only correct for a
// single instance; deployments with Redis configured never use it.
type MemoryCooldowns struct {
	mu      sync.Mutex
	expires map[string]time.Time
}

// NewMemoryCooldowns creates an in-process cooldown store.
func NewMemoryCooldowns() *MemoryCooldowns {
	return &MemoryCooldowns{expires: make(map[string]time.Time)}
}

// TryAcquire implements CooldownStore.
func (m *MemoryCooldowns) TryAcquire(_ context.Context, ruleID, leadID uuid.UUID, window time.Duration) (bool, error) {
	if window <= 0 {
		return true, nil
	}
	key := cooldownKey(ruleID, leadID)
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	if until, ok := m.expires[key]; ok && now.Before(until) {
		return false, nil
	}
	m.expires[key] = now.Add(window)
	return true, nil
}
