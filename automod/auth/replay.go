package auth

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
)

// Records token ids, so that each credential is only accepted once.
type ReplayGuard interface {
	// Returns true if jti had not been seen before. The id is remembered until `until`.
	Claim(ctx context.Context, jti string, until time.Time) (bool, error)
}

type RedisReplayGuard struct {
	Client *redis.Client
}

func (g *RedisReplayGuard) Claim(ctx context.Context, jti string, until time.Time) (bool, error) {
	ttl := time.Until(until)
	if ttl < time.Second {
		ttl = time.Second
	}
	return g.Client.SetNX(ctx, "veritas/jti/"+jti, 1, ttl).Result()
}

// Single-instance fallback. Capacity bounds memory; the TTL bounds how long an id is remembered.
type MemReplayGuard struct {
	mu   sync.Mutex
	seen *expirable.LRU[string, time.Time]
}

func NewMemReplayGuard(capacity int, ttl time.Duration) *MemReplayGuard {
	return &MemReplayGuard{
		seen: expirable.NewLRU[string, time.Time](capacity, nil, ttl),
	}
}

func (g *MemReplayGuard) Claim(ctx context.Context, jti string, until time.Time) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if exp, ok := g.seen.Get(jti); ok && time.Now().Before(exp) {
		return false, nil
	}
	g.seen.Add(jti, until)
	return true, nil
}
