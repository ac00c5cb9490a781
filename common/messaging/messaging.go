// Package messaging defines broker-neutral publish/subscribe contracts used
// by the relay to fan live SMS events out to dashboards and other consumers.
package messaging

import (
	"context"
	"time"
)

// Message is a payload received from or sent to a broker.
type Message struct {
	Subject   string
	Data      []byte
	Metadata  map[string]string
	Timestamp time.Time
}

// MessageHandler processes a received message.
type MessageHandler func(ctx context.Context, msg *Message) error

// Subscription is an active interest in a subject.
type Subscription interface {
	Unsubscribe() error
	Subject() string
	IsValid() bool
}

// Publisher sends messages to subjects.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
	PublishMsg(ctx context.Context, msg *Message) error
	Close() error
}

// Subscriber receives messages from subjects.
type Subscriber interface {
	Subscribe(subject string, handler MessageHandler) (Subscription, error)
	Close() error
}

// Client is a full broker connection.
type Client interface {
	Publisher
	Subscriber

	// Drain flushes pending publishes and closes the connection.
	Drain() error
	IsConnected() bool
}
