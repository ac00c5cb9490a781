// Package events publishes live relay activity (received messages, delivery
// outcomes, placeholder devices) for dashboards and downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/goip-relay/goip-relay/common/logging"
	"github.com/goip-relay/goip-relay/common/messaging"
	"github.com/goip-relay/goip-relay/relay/internal/metrics"
)

// Bus delivers JSON-encoded events to subjects.
type Bus interface {
	Publish(ctx context.Context, subject string, v any) error
	Close() error
}

// NoopBus discards every event.
type NoopBus struct{}

func (NoopBus) Publish(context.Context, string, any) error { return nil }
func (NoopBus) Close() error                               { return nil }

// MessageReceived is published after an inbound SMS is persisted.
type MessageReceived struct {
	MessageID  string    `json:"messageId"`
	DeviceRef  string    `json:"deviceRef"`
	DeviceID   string    `json:"deviceId"`
	SlotIndex  *int      `json:"slotIndex,omitempty"`
	Sender     string    `json:"sender"`
	Receiver   string    `json:"receiver"`
	Resolution string    `json:"resolution"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// DeviceFallback is published when a port token could not be decoded and
// the message was attributed to a legacy or placeholder device.
type DeviceFallback struct {
	Port      string    `json:"port"`
	DeviceRef string    `json:"deviceRef"`
	DeviceID  string    `json:"deviceId"`
	Kind      string    `json:"kind"`
	At        time.Time `json:"at"`
}

// Emitter publishes events without ever failing the caller. Errors are
// logged and counted.
type Emitter struct {
	bus     Bus
	logger  *slog.Logger
	timeout time.Duration
}

// NewEmitter wraps bus. A nil bus behaves like NoopBus.
func NewEmitter(bus Bus, logger *slog.Logger) *Emitter {
	if bus == nil {
		bus = NoopBus{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{bus: bus, logger: logger, timeout: 5 * time.Second}
}

// Emit publishes v on subject. The caller's cancellation is not inherited so
// events still go out after the HTTP request that produced them returns.
func (e *Emitter) Emit(ctx context.Context, subject string, v any) {
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	defer cancel()

	if err := e.bus.Publish(pubCtx, subject, v); err != nil {
		metrics.EventPublishErrors.WithLabelValues(subject).Inc()
		e.logger.WarnContext(ctx, "failed to publish event",
			logging.Subject(subject),
			logging.Error(err))
	}
}

func (e *Emitter) Close() error {
	return e.bus.Close()
}

// PublisherBus adapts a messaging.Publisher (core NATS) to Bus.
type PublisherBus struct {
	pub messaging.Publisher
}

func NewPublisherBus(pub messaging.Publisher) *PublisherBus {
	return &PublisherBus{pub: pub}
}

func (b *PublisherBus) Publish(ctx context.Context, subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return b.pub.PublishMsg(ctx, &messaging.Message{
		Subject:   subject,
		Data:      data,
		Metadata:  map[string]string{"Content-Type": "application/json"},
		Timestamp: time.Now().UTC(),
	})
}

func (b *PublisherBus) Close() error {
	return b.pub.Close()
}
