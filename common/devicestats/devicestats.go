// Package devicestats keeps per-device SMS traffic counters in Redis.
//
// Several relay instances may write concurrently; all updates are increments
// or last-writer-wins timestamps.
//
// Key layout:
//
//	goip:stats:{device}                 hash: last_seen, last_ip, total
//	goip:slots:{device}                 hash: slot index -> message count
//	goip:hourly:{device}:{YYYYMMDDHH}   counter, expires after 48h
//	goip:daily:{device}:{YYYYMMDD}      counter, expires after 7d
package devicestats

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "goip:"

// Usage is one observed batch of messages from a device slot.
type Usage struct {
	DeviceID  string
	SlotIndex int // -1 when the slot is unknown
	Count     int64
	SourceIP  string
	At        time.Time
}

// Stats is the read model for one device. Online is derived at read time
// from LastSeenAt and is never stored.
type Stats struct {
	DeviceID         string           `json:"device_id"`
	LastSeenAt       *time.Time       `json:"last_seen_at,omitempty"`
	LastSourceIP     string           `json:"last_source_ip,omitempty"`
	TotalMessages    int64            `json:"total_messages"`
	MessagesLastHour int64            `json:"messages_last_hour"`
	MessagesLast24h  int64            `json:"messages_last_24h"`
	MessagesToday    int64            `json:"messages_today"`
	PerSlot          map[string]int64 `json:"per_slot"`
	Online           bool             `json:"is_online"`
}

// IsOnline reports whether the device was seen within window of now.
func IsOnline(lastSeen *time.Time, now time.Time, window time.Duration) bool {
	if lastSeen == nil {
		return false
	}
	return now.Sub(*lastSeen) <= window
}

// Client records and reads device statistics.
type Client struct {
	redis *redis.Client
}

func NewClient(rdb *redis.Client) *Client {
	return &Client{redis: rdb}
}

func statsKey(device string) string { return keyPrefix + "stats:" + device }
func slotsKey(device string) string { return keyPrefix + "slots:" + device }
func hourlyKey(device string, t time.Time) string {
	return keyPrefix + "hourly:" + device + ":" + t.UTC().Format("2006010215")
}
func dailyKey(device string, t time.Time) string {
	return keyPrefix + "daily:" + device + ":" + t.UTC().Format("20060102")
}

// Record applies u in a single pipeline.
func (c *Client) Record(ctx context.Context, u Usage) error {
	if u.Count <= 0 {
		return nil
	}
	at := u.At
	if at.IsZero() {
		at = time.Now()
	}

	pipe := c.redis.Pipeline()

	fields := map[string]any{"last_seen": strconv.FormatInt(at.Unix(), 10)}
	if u.SourceIP != "" {
		fields["last_ip"] = u.SourceIP
	}
	pipe.HSet(ctx, statsKey(u.DeviceID), fields)
	pipe.HIncrBy(ctx, statsKey(u.DeviceID), "total", u.Count)

	if u.SlotIndex >= 0 {
		pipe.HIncrBy(ctx, slotsKey(u.DeviceID), strconv.Itoa(u.SlotIndex), u.Count)
	}

	hk := hourlyKey(u.DeviceID, at)
	pipe.IncrBy(ctx, hk, u.Count)
	pipe.Expire(ctx, hk, 48*time.Hour)

	dk := dailyKey(u.DeviceID, at)
	pipe.IncrBy(ctx, dk, u.Count)
	pipe.Expire(ctx, dk, 7*24*time.Hour)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record device usage: %w", err)
	}
	return nil
}

// Get reads the statistics for device as of now.
func (c *Client) Get(ctx context.Context, device string, now time.Time, onlineWindow time.Duration) (*Stats, error) {
	pipe := c.redis.Pipeline()
	statsCmd := pipe.HGetAll(ctx, statsKey(device))
	slotsCmd := pipe.HGetAll(ctx, slotsKey(device))
	todayCmd := pipe.Get(ctx, dailyKey(device, now))

	hourly := make([]*redis.StringCmd, 24)
	for i := range hourly {
		hourly[i] = pipe.Get(ctx, hourlyKey(device, now.Add(-time.Duration(i)*time.Hour)))
	}

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read device stats: %w", err)
	}

	s := &Stats{DeviceID: device, PerSlot: map[string]int64{}}

	if m, err := statsCmd.Result(); err == nil {
		if v, ok := m["last_seen"]; ok {
			if unix, err := strconv.ParseInt(v, 10, 64); err == nil {
				t := time.Unix(unix, 0).UTC()
				s.LastSeenAt = &t
			}
		}
		s.LastSourceIP = m["last_ip"]
		s.TotalMessages, _ = strconv.ParseInt(m["total"], 10, 64)
	}
	if m, err := slotsCmd.Result(); err == nil {
		for slot, v := range m {
			s.PerSlot[slot], _ = strconv.ParseInt(v, 10, 64)
		}
	}
	if v, err := todayCmd.Int64(); err == nil {
		s.MessagesToday = v
	}
	for i, cmd := range hourly {
		if v, err := cmd.Int64(); err == nil {
			if i == 0 {
				s.MessagesLastHour = v
			}
			s.MessagesLast24h += v
		}
	}

	s.Online = IsOnline(s.LastSeenAt, now, onlineWindow)
	return s, nil
}

func (c *Client) Close() error {
	return c.redis.Close()
}
