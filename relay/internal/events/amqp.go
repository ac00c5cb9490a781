package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// AMQPConfig selects the broker and queue naming for AMQPBus.
type AMQPConfig struct {
	URL         string `mapstructure:"url"`
	QueuePrefix string `mapstructure:"queue_prefix"`
}

// AMQPBus publishes each subject to its own durable queue named
// <prefix>_<subject with dots replaced by underscores>.
type AMQPBus struct {
	conn   *amqp091.Connection
	prefix string
	logger *slog.Logger

	mu       sync.Mutex
	ch       *amqp091.Channel
	declared map[string]bool
}

func NewAMQPBus(cfg AMQPConfig, logger *slog.Logger) (*AMQPBus, error) {
	conn, err := amqp091.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open RabbitMQ channel: %w", err)
	}

	prefix := cfg.QueuePrefix
	if prefix == "" {
		prefix = "relay"
	}
	logger.Info("connected to RabbitMQ", slog.String("prefix", prefix))

	return &AMQPBus{
		conn:     conn,
		ch:       ch,
		prefix:   prefix,
		logger:   logger,
		declared: make(map[string]bool),
	}, nil
}

// QueueName returns the queue a subject is published to.
func QueueName(prefix, subject string) string {
	return prefix + "_" + strings.ReplaceAll(subject, ".", "_")
}

func (b *AMQPBus) Publish(ctx context.Context, subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	queue := QueueName(b.prefix, subject)

	// Channels are not safe for concurrent use.
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.declared[queue] {
		if _, err := b.ch.QueueDeclare(
			queue,
			true,  // durable
			false, // auto-delete
			false, // exclusive
			false, // no-wait
			nil,
		); err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", queue, err)
		}
		b.declared[queue] = true
	}

	err = b.ch.PublishWithContext(ctx,
		"",    // default exchange
		queue, // routing key = queue
		false,
		false,
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			Timestamp:    time.Now().UTC(),
			Type:         subject,
			Body:         data,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", queue, err)
	}
	return nil
}

func (b *AMQPBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ch != nil {
		_ = b.ch.Close()
	}
	return b.conn.Close()
}
