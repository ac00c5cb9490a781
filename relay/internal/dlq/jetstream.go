// Package dlq keeps webhook deliveries that exhausted their retry budget.
package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/goip-relay/goip-relay/common/logging"
	"github.com/goip-relay/goip-relay/common/messaging"
	"github.com/goip-relay/goip-relay/common/messaging/nats"
	"github.com/goip-relay/goip-relay/relay/internal/models"
)

// ReasonDeliveryExhausted is the reason recorded for deliveries that ran out
// of attempts.
const ReasonDeliveryExhausted = "delivery_exhausted"

var ErrDisabled = errors.New("dlq not enabled")

// FailedDelivery is one dead-lettered webhook delivery. The payload is kept
// so the delivery can be replayed as-is.
type FailedDelivery struct {
	Timestamp      time.Time             `json:"timestamp"`
	Reason         string                `json:"reason"`
	SubscriptionID string                `json:"subscriptionId"`
	URL            string                `json:"url"`
	Attempts       int                   `json:"attempts"`
	StatusCode     int                   `json:"statusCode,omitempty"`
	LastError      string                `json:"lastError,omitempty"`
	Payload        models.WebhookPayload `json:"payload"`
}

// Subject returns the subject f is published on.
func (f *FailedDelivery) Subject() string {
	return messaging.DeadLetterSubject(f.Reason)
}

// JetStreamQueue writes failed deliveries to a JetStream stream shared by
// every relay instance. A nil *JetStreamQueue is a disabled queue.
type JetStreamQueue struct {
	js      *nats.JetStreamClient
	stream  jetstream.Stream
	logger  *slog.Logger
	written atomic.Uint64
}

func NewJetStreamQueue(ctx context.Context, js *nats.JetStreamClient, logger *slog.Logger) (*JetStreamQueue, error) {
	if js == nil {
		return nil, fmt.Errorf("jetstream client is nil")
	}

	stream, err := js.CreateOrUpdateStream(ctx, nats.DeadLetterStream)
	if err != nil {
		return nil, fmt.Errorf("create dlq stream: %w", err)
	}

	logger = logger.With(logging.Component("dlq"))
	logger.Info("dead-letter stream ready", slog.String("stream", nats.DeadLetterStream.Name))

	return &JetStreamQueue{js: js, stream: stream, logger: logger}, nil
}

func (q *JetStreamQueue) Write(ctx context.Context, f *FailedDelivery) error {
	if q == nil {
		return nil
	}
	if f.Timestamp.IsZero() {
		f.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal dlq entry: %w", err)
	}

	_, err = q.js.PublishSync(ctx, &messaging.Message{
		Subject: f.Subject(),
		Data:    data,
		Metadata: map[string]string{
			"Content-Type":    "application/json",
			"Subscription-Id": f.SubscriptionID,
			"Message-Id":      f.Payload.ID,
		},
	})
	if err != nil {
		return fmt.Errorf("publish dlq entry: %w", err)
	}

	q.written.Add(1)
	q.logger.DebugContext(ctx, "dead-lettered delivery",
		logging.MessageID(f.Payload.ID),
		logging.Subscription(f.SubscriptionID))
	return nil
}

// Stats reports local and stream-wide counts.
func (q *JetStreamQueue) Stats(ctx context.Context) map[string]any {
	if q == nil {
		return map[string]any{"enabled": false, "backend": "jetstream"}
	}

	stats := map[string]any{
		"enabled":       true,
		"backend":       "jetstream",
		"written_local": q.written.Load(),
	}
	info, err := q.stream.Info(ctx)
	if err != nil {
		stats["error"] = err.Error()
		return stats
	}
	stats["total_messages"] = info.State.Msgs
	stats["total_bytes"] = info.State.Bytes
	stats["first_seq"] = info.State.FirstSeq
	stats["last_seq"] = info.State.LastSeq
	return stats
}

// List fetches up to limit dead-lettered deliveries, oldest first.
func (q *JetStreamQueue) List(ctx context.Context, limit int) ([]FailedDelivery, error) {
	if q == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 100
	}

	consumer, err := q.stream.OrderedConsumer(ctx, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{messaging.SubjectDeadLetterWildcard},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("create list consumer: %w", err)
	}

	batch, err := consumer.Fetch(limit, jetstream.FetchMaxWait(2*time.Second))
	if err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}

	var out []FailedDelivery
	for msg := range batch.Messages() {
		var f FailedDelivery
		if err := json.Unmarshal(msg.Data(), &f); err != nil {
			q.logger.WarnContext(ctx, "skipping unreadable dlq entry", logging.Error(err))
			continue
		}
		out = append(out, f)
	}
	if err := batch.Error(); err != nil && !errors.Is(err, jetstream.ErrNoMessages) {
		q.logger.WarnContext(ctx, "dlq fetch completed with error", logging.Error(err))
	}
	return out, nil
}
