package devicestats

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

func TestClient_RecordAndGet(t *testing.T) {
	_, rdb := setupTestRedis(t)
	c := NewClient(rdb)
	ctx := context.Background()
	now := time.Date(2024, 3, 10, 12, 30, 0, 0, time.UTC)

	require.NoError(t, c.Record(ctx, Usage{DeviceID: "abc123", SlotIndex: 1, Count: 2, SourceIP: "10.1.1.5", At: now}))
	require.NoError(t, c.Record(ctx, Usage{DeviceID: "abc123", SlotIndex: 0, Count: 1, At: now.Add(-2 * time.Hour)}))

	stats, err := c.Get(ctx, "abc123", now.Add(time.Minute), 5*time.Minute)
	require.NoError(t, err)

	assert.Equal(t, int64(3), stats.TotalMessages)
	assert.Equal(t, int64(2), stats.MessagesLastHour)
	assert.Equal(t, int64(3), stats.MessagesLast24h)
	assert.Equal(t, int64(3), stats.MessagesToday)
	assert.Equal(t, map[string]int64{"0": 1, "1": 2}, stats.PerSlot)
	assert.Equal(t, "10.1.1.5", stats.LastSourceIP)
	require.NotNil(t, stats.LastSeenAt)
	assert.True(t, stats.Online)
}

func TestClient_UnknownSlotSkipsPerSlot(t *testing.T) {
	_, rdb := setupTestRedis(t)
	c := NewClient(rdb)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, c.Record(ctx, Usage{DeviceID: "gateway-legacy", SlotIndex: -1, Count: 1, At: now}))

	stats, err := c.Get(ctx, "gateway-legacy", now, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalMessages)
	assert.Empty(t, stats.PerSlot)
}

func TestClient_GetUnknownDevice(t *testing.T) {
	_, rdb := setupTestRedis(t)
	stats, err := NewClient(rdb).Get(context.Background(), "missing", time.Now(), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.TotalMessages)
	assert.Nil(t, stats.LastSeenAt)
	assert.False(t, stats.Online)
}

func TestClient_ZeroCountIsNoop(t *testing.T) {
	mr, rdb := setupTestRedis(t)
	require.NoError(t, NewClient(rdb).Record(context.Background(), Usage{DeviceID: "abc123", Count: 0}))
	assert.Empty(t, mr.Keys())
}

func TestClient_CounterExpiry(t *testing.T) {
	mr, rdb := setupTestRedis(t)
	now := time.Now().UTC()
	require.NoError(t, NewClient(rdb).Record(context.Background(), Usage{DeviceID: "abc123", SlotIndex: 0, Count: 1, At: now}))

	assert.True(t, mr.Exists(hourlyKey("abc123", now)))
	mr.FastForward(49 * time.Hour)
	assert.False(t, mr.Exists(hourlyKey("abc123", now)))
	assert.True(t, mr.Exists(dailyKey("abc123", now)))
}

func TestIsOnline(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 10, 0, 0, time.UTC)
	recent := now.Add(-2 * time.Minute)
	stale := now.Add(-20 * time.Minute)

	assert.True(t, IsOnline(&recent, now, 5*time.Minute))
	assert.False(t, IsOnline(&stale, now, 5*time.Minute))
	assert.False(t, IsOnline(nil, now, 5*time.Minute))
}

func TestCollector_FlushAggregates(t *testing.T) {
	_, rdb := setupTestRedis(t)
	client := NewClient(rdb)
	col := NewCollector(client, time.Hour, nil)
	defer col.Stop()

	now := time.Now().UTC()
	col.Record("abc123", 1, "10.0.0.1", now)
	col.Record("abc123", 1, "", now)
	col.Record("abc123", 0, "", now)
	col.Record("def456", -1, "", now)

	assert.Equal(t, map[string]int64{"abc123": 3, "def456": 1}, col.Pending())

	col.Flush()
	assert.Empty(t, col.Pending())

	stats, err := client.Get(context.Background(), "abc123", now, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.TotalMessages)
	assert.Equal(t, int64(2), stats.PerSlot["1"])
	assert.Equal(t, "10.0.0.1", stats.LastSourceIP)
}

func TestCollector_StopFlushes(t *testing.T) {
	_, rdb := setupTestRedis(t)
	client := NewClient(rdb)
	col := NewCollector(client, time.Hour, nil)

	now := time.Now().UTC()
	col.Record("abc123", 0, "", now)
	col.Stop()

	stats, err := client.Get(context.Background(), "abc123", now, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalMessages)
}

func TestCollector_RequeueOnFailure(t *testing.T) {
	mr, rdb := setupTestRedis(t)
	col := NewCollector(NewClient(rdb), time.Hour, nil)

	col.Record("abc123", 0, "", time.Now())
	mr.SetError("LOADING")
	col.Flush()
	assert.Equal(t, map[string]int64{"abc123": 1}, col.Pending())

	mr.SetError("")
	col.Stop()
	assert.Empty(t, col.Pending())
}
