package ratelimit

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

// =============================================================================
// MEMORY
// =============================================================================

func TestMemory_SlidingWindow(t *testing.T) {
	// GIVEN: 3 requests per minute
	// WHEN: A key spends its budget and time slides forward
	// THEN: Requests are refused until the oldest hit leaves the window

	ctx := context.Background()
	c := &clock{t: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)}
	m, err := NewMemory(Policy{Limit: 3, Window: time.Minute})
	require.NoError(t, err)
	m.WithClock(c.now)

	for i := 0; i < 3; i++ {
		d, err := m.Allow(ctx, "alice")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, 2-i, d.Remaining)
		c.advance(10 * time.Second)
	}

	d, err := m.Allow(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 30*time.Second, d.RetryAfter)

	other, err := m.Allow(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, other.Allowed, "keys are independent")

	c.advance(30 * time.Second)
	d, err = m.Allow(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestMemory_IdleKeysExpire(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)}
	m, err := NewMemory(Policy{Limit: 1, Window: time.Second})
	require.NoError(t, err)
	m.WithClock(c.now)

	for i := 0; i < sweepEvery-1; i++ {
		_, err := m.Allow(ctx, fmt.Sprintf("k-%d", i))
		require.NoError(t, err)
	}
	assert.Equal(t, sweepEvery-1, m.Len())

	c.advance(2 * time.Second)
	_, err = m.Allow(ctx, "fresh")
	require.NoError(t, err)

	assert.Equal(t, 1, m.Len())
}

func TestNewMemory_RejectsBadPolicy(t *testing.T) {
	_, err := NewMemory(Policy{Limit: 0, Window: time.Second})
	assert.Error(t, err)
	_, err = NewMemory(Policy{Limit: 1})
	assert.Error(t, err)
}

// =============================================================================
// REDIS
// =============================================================================

func TestRedis_SlidingWindow(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })
	require.NoError(t, client.Ping(ctx).Err())

	c := &clock{t: time.Now()}
	limiter, err := NewRedis(client, Policy{Limit: 2, Window: time.Minute}, "test:"+uuid.NewString()+":")
	require.NoError(t, err)
	limiter.now = c.now

	for i := 0; i < 2; i++ {
		d, err := limiter.Allow(ctx, "alice")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		c.advance(time.Second)
	}

	d, err := limiter.Allow(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.InDelta(t, float64(58*time.Second), float64(d.RetryAfter), float64(time.Millisecond))

	c.advance(59 * time.Second)
	d, err = limiter.Allow(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	ttl, err := client.PTTL(ctx, limiter.prefix+"alice").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0), "keys carry an explicit expiry")
}
