package ratelimit

import (
	"context"
	"time"

	"github.com/adamscao/fairaudit/internal/errors"
	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix = "fairaudit:ratelimit:"
	redisWindow    = time.Minute
)

var redisAllowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {current, ttl}
`)

// RedisLimiter is a fixed-window counter shared by every server instance
type RedisLimiter struct {
	client *redis.Client
	limit  int
	now    func() time.Time
}

// NewRedisLimiter creates a limiter allowing limit requests per minute per key
func NewRedisLimiter(addr, password string, db, limit int, now func() time.Time) (*RedisLimiter, error) {
	if addr == "" {
		return nil, errors.New("redis addr is required")
	}
	if now == nil {
		now = time.Now
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisLimiter{client: client, limit: limit, now: now}, nil
}

// Allow increments key's counter for the current window
func (r *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	if r.limit <= 0 {
		return Decision{Allowed: true}, nil
	}

	result, err := redisAllowScript.Run(ctx, r.client, []string{redisKeyPrefix + key}, redisWindow.Milliseconds()).Result()
	if err != nil {
		return Decision{}, errors.Wrap(err, "redis rate limit")
	}
	values, ok := result.([]interface{})
	if !ok || len(values) < 2 {
		return Decision{}, errors.New("unexpected redis rate limit response")
	}
	current, ok := values[0].(int64)
	if !ok {
		return Decision{}, errors.New("invalid redis counter response")
	}
	ttlMillis, _ := values[1].(int64)

	resetAt := r.now()
	if ttlMillis > 0 {
		resetAt = resetAt.Add(time.Duration(ttlMillis) * time.Millisecond)
	}
	remaining := r.limit - int(current)
	if remaining < 0 {
		remaining = 0
	}

	return Decision{
		Allowed:   current <= int64(r.limit),
		Limit:     r.limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}, nil
}

// Close releases the Redis connection pool
func (r *RedisLimiter) Close() error {
	return r.client.Close()
}
