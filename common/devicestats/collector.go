package devicestats

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"
)

type slotKey struct {
	device string
	slot   int
}

// Collector buffers usage in memory and flushes it to Redis periodically,
// keeping Redis off the ingestion hot path. Safe for concurrent use.
type Collector struct {
	client        *Client
	flushInterval time.Duration
	logger        *slog.Logger

	mu      sync.Mutex
	pending map[slotKey]*Usage

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewCollector(client *Client, flushInterval time.Duration, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Collector{
		client:        client,
		flushInterval: flushInterval,
		logger:        logger.With(slog.String("component", "devicestats")),
		pending:       make(map[slotKey]*Usage),
		stop:          make(chan struct{}),
	}

	c.wg.Add(1)
	go c.loop()
	return c
}

// Record accumulates one message from device/slot.
func (c *Collector) Record(device string, slot int, sourceIP string, at time.Time) {
	k := slotKey{device: device, slot: slot}

	c.mu.Lock()
	defer c.mu.Unlock()

	u, ok := c.pending[k]
	if !ok {
		u = &Usage{DeviceID: device, SlotIndex: slot}
		c.pending[k] = u
	}
	u.Count++
	if sourceIP != "" {
		u.SourceIP = sourceIP
	}
	if at.After(u.At) {
		u.At = at
	}
}

func (c *Collector) loop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			c.Flush()
			return
		case <-ticker.C:
			c.Flush()
		}
	}
}

// Flush writes everything buffered so far. Failed entries are merged back
// and retried on the next flush.
func (c *Collector) Flush() {
	c.mu.Lock()
	batch := c.pending
	c.pending = make(map[slotKey]*Usage)
	c.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var flushed int64
	for k, u := range batch {
		if err := c.client.Record(ctx, *u); err != nil {
			c.logger.Error("failed to flush device stats",
				slog.String("device_id", u.DeviceID),
				slog.String("slot", strconv.Itoa(u.SlotIndex)),
				slog.String("error", err.Error()),
			)
			c.requeue(k, u)
			continue
		}
		flushed += u.Count
	}

	if flushed > 0 {
		c.logger.Debug("flushed device stats", slog.Int64("messages", flushed))
	}
}

func (c *Collector) requeue(k slotKey, u *Usage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.pending[k]; ok {
		existing.Count += u.Count
		if u.At.After(existing.At) {
			existing.At = u.At
		}
		if existing.SourceIP == "" {
			existing.SourceIP = u.SourceIP
		}
		return
	}
	c.pending[k] = u
}

// Pending returns buffered message counts per device.
func (c *Collector) Pending() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]int64)
	for k, u := range c.pending {
		out[k.device] += u.Count
	}
	return out
}

// Stop flushes remaining usage and stops the background loop.
func (c *Collector) Stop() {
	close(c.stop)
	c.wg.Wait()
}
