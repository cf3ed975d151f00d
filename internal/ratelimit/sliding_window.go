// Package ratelimit provides a distributed sliding-window limiter on Redis.
// The scheduler already spreads slots evenly; this limiter is the
// cross-process check consulted at send time, so clock skew between worker
// hosts cannot push a (rule, target) pair over its configured limit.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// SlidingWindow counts events in a rolling window per key.
type SlidingWindow struct {
	client *redis.Client
}

// NewSlidingWindow constructs a limiter over the given client.
func NewSlidingWindow(client *redis.Client) *SlidingWindow {
	return &SlidingWindow{client: client}
}

// Allow records one event under key if fewer than limit happened within the
// window, and reports whether it was admitted.
func (w *SlidingWindow) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	now := time.Now().UnixMilli()
	member := fmt.Sprintf("%d-%s", now, uuid.New().String())
	res, err := windowScript.Run(ctx, w.client, []string{key},
		now, window.Milliseconds(), limit, member).Result()
	if err != nil {
		return false, fmt.Errorf("sliding window script: %w", err)
	}
	n, ok := res.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected type from window script: %T", res)
	}
	return n == 1, nil
}

var windowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count >= limit then
  return 0
end
redis.call('ZADD', key, now, member)
redis.call('PEXPIRE', key, window)
return 1
`)
