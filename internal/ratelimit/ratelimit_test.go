package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestMemoryLimiterBurstAndRefill(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	lim := NewMemoryLimiter(MemoryLimiterConfig{RequestsPerMinute: 60, Burst: 2, Now: clock.Now})
	ctx := context.Background()

	d, err := lim.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 2, d.Limit)
	assert.Equal(t, 1, d.Remaining)

	d, err = lim.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)

	d, err = lim.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, clock.Now().Add(time.Second), d.ResetAt)

	// Other keys have their own bucket
	d, err = lim.Allow(ctx, "10.0.0.2")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	clock.Advance(time.Second)
	d, err = lim.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestMemoryLimiterDisabled(t *testing.T) {
	lim := NewMemoryLimiter(MemoryLimiterConfig{})
	for i := 0; i < 100; i++ {
		d, err := lim.Allow(context.Background(), "k")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}
	assert.Equal(t, 0, lim.Len())
}

func TestMemoryLimiterEvictsIdleKeys(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	lim := NewMemoryLimiter(MemoryLimiterConfig{RequestsPerMinute: 60, Burst: 1, MaxKeys: 2, Now: clock.Now})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := lim.Allow(ctx, fmt.Sprintf("k%d", i))
		require.NoError(t, err)
	}

	_, err := lim.Allow(ctx, "k2")
	assert.Error(t, err)

	clock.Advance(idleTTL + time.Second)
	d, err := lim.Allow(ctx, "k2")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, lim.Len())
}

func TestNewSelectsBackend(t *testing.T) {
	lim, err := New(Options{RequestsPerMinute: 10, Burst: 5})
	require.NoError(t, err)
	assert.IsType(t, &MemoryLimiter{}, lim)

	lim, err = New(Options{RequestsPerMinute: 10, RedisAddr: "127.0.0.1:6379"})
	require.NoError(t, err)
	require.IsType(t, &RedisLimiter{}, lim)
	assert.NoError(t, lim.(*RedisLimiter).Close())

	_, err = NewRedisLimiter("", "", 0, 10, nil)
	assert.Error(t, err)
}

func TestRedisLimiterDisabledSkipsRedis(t *testing.T) {
	lim, err := NewRedisLimiter("127.0.0.1:1", "", 0, 0, nil)
	require.NoError(t, err)
	defer lim.Close()

	d, err := lim.Allow(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}
