package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestNoOpRateLimiter(t *testing.T) {
	limiter := &NoOpRateLimiter{}
	ctx := context.Background()

	for _, key := range []string{"10.0.0.1", "10.0.0.1", ""} {
		for i := 0; i < 10; i++ {
			allowed, err := limiter.Allow(ctx, key)
			require.NoError(t, err)
			assert.True(t, allowed)
		}
	}
	assert.NoError(t, limiter.Close())
}

func TestRedisRateLimiter_LimitsPerKey(t *testing.T) {
	_, client := setupTestRedis(t)
	limiter := NewRedisRateLimiter(client, 3, time.Minute, "ingest")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, err := limiter.Allow(ctx, "10.0.0.1")
		require.NoError(t, err)
		assert.True(t, allowed, "request %d", i+1)
	}

	allowed, err := limiter.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, allowed)

	allowed, err = limiter.Allow(ctx, "10.0.0.2")
	require.NoError(t, err)
	assert.True(t, allowed, "keys are independent")
}

func TestRedisRateLimiter_WindowSlides(t *testing.T) {
	_, client := setupTestRedis(t)
	rl := NewRedisRateLimiter(client, 2, time.Second, "ingest").(*redisRateLimiter)
	ctx := context.Background()

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		allowed, err := rl.Allow(ctx, "gw")
		require.NoError(t, err)
		assert.True(t, allowed)
	}
	allowed, err := rl.Allow(ctx, "gw")
	require.NoError(t, err)
	assert.False(t, allowed)

	now = now.Add(1100 * time.Millisecond)
	allowed, err = rl.Allow(ctx, "gw")
	require.NoError(t, err)
	assert.True(t, allowed, "old entries fall out of the window")
}

func TestRedisRateLimiter_SetsExpiry(t *testing.T) {
	mr, client := setupTestRedis(t)
	limiter := NewRedisRateLimiter(client, 5, 30*time.Second, "ingest")

	_, err := limiter.Allow(context.Background(), "gw")
	require.NoError(t, err)

	assert.True(t, mr.Exists("ratelimit:ingest:gw"))
	assert.Equal(t, 30*time.Second, mr.TTL("ratelimit:ingest:gw"))
}

func TestRedisRateLimiter_RedisDown(t *testing.T) {
	mr, client := setupTestRedis(t)
	limiter := NewRedisRateLimiter(client, 5, time.Minute, "ingest")
	mr.Close()

	_, err := limiter.Allow(context.Background(), "gw")
	assert.Error(t, err)
}
