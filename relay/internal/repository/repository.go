// Package repository persists devices, messages and forwarding subscriptions.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/goip-relay/goip-relay/relay/internal/models"
)

var (
	ErrDeviceNotFound        = errors.New("device not found")
	ErrSlotNotFound          = errors.New("slot not found")
	ErrMessageNotFound       = errors.New("message not found")
	ErrSubscriptionNotFound  = errors.New("subscription not found")
	ErrDuplicateSubscription = errors.New("subscription name already exists")
	ErrInvalidCounter        = errors.New("invalid counter field")
)

// CounterField names a subscription statistic that can be incremented.
type CounterField string

const (
	SuccessCount CounterField = "success_count"
	FailureCount CounterField = "failure_count"
)

func (f CounterField) valid() bool {
	return f == SuccessCount || f == FailureCount
}

// SubscriptionQuery selects active subscriptions whose filters accept a
// message. DeviceRef is optional.
type SubscriptionQuery struct {
	DeviceID  string
	DeviceRef string
	Receiver  string
}

// MessageQuery pages through stored messages, newest first.
type MessageQuery struct {
	DeviceID string
	Limit    int
	Offset   int
}

// DeviceStore resolves and registers gateways.
type DeviceStore interface {
	// FindDeviceByPortOrID matches token against the hardware identifier or
	// the record ID.
	FindDeviceByPortOrID(ctx context.Context, token string) (*models.Device, error)
	// CreateDevice inserts d, or returns the existing row for d.DeviceID.
	CreateDevice(ctx context.Context, d *models.Device) (*models.Device, error)
	TouchDevice(ctx context.Context, deviceRef string, at time.Time) error
	FindSlot(ctx context.Context, deviceRef string, slotIndex int) (*models.Slot, error)
	UpsertSlot(ctx context.Context, slot *models.Slot) error
}

// MessageStore persists inbound messages.
type MessageStore interface {
	CreateMessage(ctx context.Context, msg *models.Message) error
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	ListMessages(ctx context.Context, q MessageQuery) ([]*models.Message, int, error)
}

// SubscriptionStore is what the forwarding engine and admin API need.
type SubscriptionStore interface {
	// FindSubscriptions returns matching active subscriptions ordered by
	// name, then ID.
	FindSubscriptions(ctx context.Context, q SubscriptionQuery) ([]*models.Subscription, error)
	IncrementCounter(ctx context.Context, id string, field CounterField, amount int64) error
	SetLastUsedAt(ctx context.Context, id string, at time.Time) error

	ListSubscriptions(ctx context.Context) ([]*models.Subscription, error)
	GetSubscription(ctx context.Context, id string) (*models.Subscription, error)
	CreateSubscription(ctx context.Context, s *models.Subscription) error
}

// Store is the full persistence surface of the relay.
type Store interface {
	DeviceStore
	MessageStore
	SubscriptionStore

	Ping(ctx context.Context) error
	Close() error
}
