// ABOUTME: Redis-backed sliding-window rate limiter shared across instances
// ABOUTME: Trim, count and insert run inside one Lua script so they are atomic on the server

package admission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// KEYS[1] sorted set of admitted request times (ms), KEYS[2] violation counter.
// ARGV: now_ms, window_ms, limit, member, violation_ttl_ms.
var redisSlidingWindow = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", now - window)
local count = redis.call("ZCARD", KEYS[1])

local allowed = 0
local violations = 0
if count < limit then
  redis.call("ZADD", KEYS[1], now, ARGV[4])
  count = count + 1
  allowed = 1
  redis.call("DEL", KEYS[2])
else
  violations = redis.call("INCR", KEYS[2])
  redis.call("PEXPIRE", KEYS[2], ARGV[5])
end

local reset = now + window
local oldest = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
if oldest[2] then
  reset = tonumber(oldest[2]) + window
end
redis.call("PEXPIRE", KEYS[1], window)

return {allowed, count, reset, violations}
`)

// RedisLimiter is a sliding-window log kept in a Redis sorted set per key.
type RedisLimiter struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// RedisLimiterConfig configures NewRedisLimiter.
type RedisLimiterConfig struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces the keys. Defaults to "coven:rl:".
	Prefix string
	Now    func() time.Time
}

// NewRedisLimiter connects to Redis. The connection is lazy; the first Allow
// surfaces connectivity errors.
func NewRedisLimiter(cfg RedisLimiterConfig) (*RedisLimiter, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisLimiterWithClient(client, cfg.Prefix, cfg.Now), nil
}

// NewRedisLimiterWithClient wraps an existing client.
func NewRedisLimiterWithClient(client redis.UniversalClient, prefix string, now func() time.Time) *RedisLimiter {
	if prefix == "" {
		prefix = "coven:rl:"
	}
	if now == nil {
		now = time.Now
	}
	return &RedisLimiter{client: client, prefix: prefix, now: now}
}

// Allow runs the sliding-window script for key.
func (r *RedisLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (Decision, error) {
	if limit <= 0 {
		return Decision{Allowed: true, Limit: limit, Remaining: limit}, nil
	}
	windowMillis := window.Milliseconds()
	if windowMillis <= 0 {
		windowMillis = 1000
	}
	nowMillis := r.now().UnixMilli()

	keys := []string{r.prefix + key, r.prefix + key + ":violations"}
	result, err := redisSlidingWindow.Run(ctx, r.client, keys,
		nowMillis,
		windowMillis,
		limit,
		uuid.New().String(),
		// violation streaks outlive a quiet window so repeat offenders keep escalating
		windowMillis*4,
	).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("running rate limit script: %w", err)
	}

	values, ok := result.([]any)
	if !ok || len(values) < 4 {
		return Decision{}, errors.New("unexpected redis rate limit response")
	}
	ints := make([]int64, 4)
	for i := range ints {
		v, ok := values[i].(int64)
		if !ok {
			return Decision{}, fmt.Errorf("invalid redis rate limit field %d", i)
		}
		ints[i] = v
	}

	count := int(ints[1])
	d := Decision{
		Allowed:    ints[0] == 1,
		Limit:      limit,
		ResetAt:    time.UnixMilli(ints[2]),
		Violations: int(ints[3]),
	}
	if d.Allowed {
		d.Remaining = limit - count
	}
	return d, nil
}

// Close closes the Redis client.
func (r *RedisLimiter) Close() error {
	return r.client.Close()
}
