package server

import (
	"context"
	"encoding/json"
	"time"

	"passkey_relay/internal/model"
	"passkey_relay/internal/service/redis"
)

// PendingCache holds replies that could not be delivered over a websocket,
// keyed by the dapp's sender key, until it reconnects. A nil cache drops them.
type PendingCache struct {
	redisService *redis.RedisService
	ttl          time.Duration
}

func NewPendingCache(redisSvc *redis.RedisService, ttl time.Duration) *PendingCache {
	if redisSvc == nil {
		return nil
	}
	return &PendingCache{
		redisService: redisSvc,
		ttl:          ttl,
	}
}

func pendingKey(to string) string {
	return "relay:pending:" + to
}

func (c *PendingCache) Put(ctx context.Context, to string, replies ...*model.Reply) error {
	if c == nil || len(replies) == 0 {
		return nil
	}

	vals := make([]any, 0, len(replies))
	for _, r := range replies {
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		vals = append(vals, data)
	}

	key := pendingKey(to)
	if err := c.redisService.RPush(ctx, key, vals...); err != nil {
		return err
	}
	if c.ttl > 0 {
		return c.redisService.Expire(ctx, key, c.ttl)
	}
	return nil
}

// Take returns and removes every reply queued for to, oldest first.
func (c *PendingCache) Take(ctx context.Context, to string) ([]json.RawMessage, error) {
	if c == nil {
		return nil, nil
	}

	vals, err := c.redisService.Drain(ctx, pendingKey(to))
	if err != nil {
		return nil, err
	}

	res := make([]json.RawMessage, 0, len(vals))
	for _, v := range vals {
		res = append(res, json.RawMessage(v))
	}
	return res, nil
}
