package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/adamscao/fairaudit/internal/errors"
	"golang.org/x/time/rate"
)

// idleTTL is how long an untouched key is kept before gc may drop it
const idleTTL = 10 * time.Minute

// MemoryLimiterConfig configures the in-process token bucket limiter
type MemoryLimiterConfig struct {
	RequestsPerMinute int
	Burst             int
	MaxKeys           int
	Now               func() time.Time
}

type memoryEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// MemoryLimiter keeps one token bucket per key
type MemoryLimiter struct {
	mu sync.Mutex

	now     func() time.Time
	every   rate.Limit
	burst   int
	perMin  int
	maxKeys int
	data    map[string]*memoryEntry
}

// NewMemoryLimiter creates an in-process limiter
func NewMemoryLimiter(cfg MemoryLimiterConfig) *MemoryLimiter {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = 10000
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &MemoryLimiter{
		now:     cfg.Now,
		every:   rate.Limit(float64(cfg.RequestsPerMinute) / 60.0),
		burst:   cfg.Burst,
		perMin:  cfg.RequestsPerMinute,
		maxKeys: cfg.MaxKeys,
		data:    make(map[string]*memoryEntry),
	}
}

// Allow takes one token from key's bucket
func (m *MemoryLimiter) Allow(_ context.Context, key string) (Decision, error) {
	if m.perMin <= 0 {
		return Decision{Allowed: true}, nil
	}
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.data[key]
	if !ok {
		if len(m.data) >= m.maxKeys {
			m.gc(now)
		}
		if len(m.data) >= m.maxKeys {
			return Decision{}, errors.New("rate limiter capacity exceeded")
		}
		entry = &memoryEntry{limiter: rate.NewLimiter(m.every, m.burst)}
		m.data[key] = entry
	}
	entry.lastSeen = now

	allowed := entry.limiter.AllowN(now, 1)
	tokens := entry.limiter.TokensAt(now)

	remaining := int(tokens)
	if remaining < 0 {
		remaining = 0
	}

	// time until one full token is available again
	resetAt := now
	if tokens < 1 && m.every > 0 {
		resetAt = now.Add(time.Duration((1 - tokens) / float64(m.every) * float64(time.Second)))
	}

	return Decision{
		Allowed:   allowed,
		Limit:     m.burst,
		Remaining: remaining,
		ResetAt:   resetAt,
	}, nil
}

// Len returns the number of tracked keys
func (m *MemoryLimiter) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data)
}

func (m *MemoryLimiter) gc(now time.Time) {
	for key, entry := range m.data {
		if now.Sub(entry.lastSeen) > idleTTL {
			delete(m.data, key)
		}
	}
}
