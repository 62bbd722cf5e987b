package relay

import (
	"context"
	"sync"
	"time"

	redisSvc "passkey_relay/internal/service/redis"
)

// Guard claims a correlation id. Claim reports true exactly once per id
// within the guard's retention window.
type Guard interface {
	Claim(ctx context.Context, id string) (bool, error)
}

type (
	MemoryGuard struct {
		mu   sync.Mutex
		ttl  time.Duration
		seen map[string]time.Time
		now  func() time.Time
		hits int
	}

	RedisGuard struct {
		redis  *redisSvc.RedisService
		prefix string
		ttl    time.Duration
	}
)

// NewMemoryGuard remembers ids for ttl; ttl <= 0 remembers them forever.
func NewMemoryGuard(ttl time.Duration) *MemoryGuard {
	return &MemoryGuard{
		ttl:  ttl,
		seen: make(map[string]time.Time),
		now:  time.Now,
	}
}

func (g *MemoryGuard) Claim(_ context.Context, id string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.hits++
	if g.ttl > 0 && g.hits%256 == 0 {
		for k, at := range g.seen {
			if now.Sub(at) > g.ttl {
				delete(g.seen, k)
			}
		}
	}

	if at, ok := g.seen[id]; ok && (g.ttl <= 0 || now.Sub(at) <= g.ttl) {
		return false, nil
	}
	g.seen[id] = now
	return true, nil
}

// NewRedisGuard keeps claimed ids for ttl; ttl <= 0 keeps them with no expiry.
func NewRedisGuard(redis *redisSvc.RedisService, ttl time.Duration) *RedisGuard {
	if ttl < 0 {
		ttl = 0
	}
	return &RedisGuard{
		redis:  redis,
		prefix: "relay:envelope:",
		ttl:    ttl,
	}
}

func (g *RedisGuard) Claim(ctx context.Context, id string) (bool, error) {
	return g.redis.SetNX(ctx, g.prefix+id, time.Now().Unix(), g.ttl)
}
