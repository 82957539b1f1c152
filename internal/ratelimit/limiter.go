// Package ratelimit throttles requests per client key, in process or shared through Redis.
package ratelimit

import (
	"context"
	"time"
)

// Decision is the outcome of one Allow call
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter decides whether a request for key may proceed
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// Options selects and sizes a limiter
type Options struct {
	RequestsPerMinute int
	Burst             int
	MaxKeys           int
	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	Now               func() time.Time
}

// New returns a Redis limiter when an address is configured, otherwise an in-memory one
func New(opts Options) (Limiter, error) {
	if opts.RedisAddr != "" {
		return NewRedisLimiter(opts.RedisAddr, opts.RedisPassword, opts.RedisDB, opts.RequestsPerMinute, opts.Now)
	}
	return NewMemoryLimiter(MemoryLimiterConfig{
		RequestsPerMinute: opts.RequestsPerMinute,
		Burst:             opts.Burst,
		MaxKeys:           opts.MaxKeys,
		Now:               opts.Now,
	}), nil
}
