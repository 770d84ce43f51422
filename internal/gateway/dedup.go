package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultDedupTTL covers the platform's own redelivery burst window
const DefaultDedupTTL = 10 * time.Minute

// DedupWindow remembers recently seen delivery ids. It is a coarse filter in
// front of the broker; the idempotency ledger stays authoritative.
type DedupWindow interface {
	// Mark records id and reports whether it was not already present.
	Mark(ctx context.Context, deliveryID string) (bool, error)
	// Forget removes id so a redelivery is processed again.
	Forget(ctx context.Context, deliveryID string) error
}

// redisClient is the subset of *redis.Client the window uses
type redisClient interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// RedisWindow shares the window across gateway replicas using SET NX EX
type RedisWindow struct {
	client redisClient
	ttl    time.Duration
	prefix string
}

// NewRedisWindow wraps client; keys are prefixed "harborbot:delivery:"
func NewRedisWindow(client redisClient, ttl time.Duration) *RedisWindow {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	return &RedisWindow{client: client, ttl: ttl, prefix: "harborbot:delivery:"}
}

func (w *RedisWindow) Mark(ctx context.Context, deliveryID string) (bool, error) {
	return w.client.SetNX(ctx, w.prefix+deliveryID, 1, w.ttl).Result()
}

func (w *RedisWindow) Forget(ctx context.Context, deliveryID string) error {
	return w.client.Del(ctx, w.prefix+deliveryID).Err()
}

// Ping reports whether Redis is reachable
func (w *RedisWindow) Ping(ctx context.Context) error {
	return w.client.Ping(ctx).Err()
}

// MemoryWindow is a single-process window with lazy expiry
type MemoryWindow struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
	now  func() time.Time
}

func NewMemoryWindow(ttl time.Duration) *MemoryWindow {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	return &MemoryWindow{seen: make(map[string]time.Time), ttl: ttl, now: time.Now}
}

func (w *MemoryWindow) Mark(_ context.Context, deliveryID string) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	if exp, ok := w.seen[deliveryID]; ok && now.Before(exp) {
		return false, nil
	}
	w.seen[deliveryID] = now.Add(w.ttl)
	// sweep expired ids once the map grows
	if len(w.seen) > 1024 {
		for id, exp := range w.seen {
			if !now.Before(exp) {
				delete(w.seen, id)
			}
		}
	}
	return true, nil
}

func (w *MemoryWindow) Forget(_ context.Context, deliveryID string) error {
	w.mu.Lock()
	delete(w.seen, deliveryID)
	w.mu.Unlock()
	return nil
}

// Ping always succeeds
func (w *MemoryWindow) Ping(context.Context) error { return nil }
