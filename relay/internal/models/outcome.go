package models

import "time"

// DeliveryStatus is the terminal state of one subscription's delivery.
type DeliveryStatus string

const (
	Delivered DeliveryStatus = "delivered"
	Failed    DeliveryStatus = "failed"
)

// DeliveryOutcome summarizes delivering one message to one subscription.
type DeliveryOutcome struct {
	MessageID        string         `json:"messageId"`
	SubscriptionID   string         `json:"subscriptionId"`
	SubscriptionName string         `json:"subscriptionName"`
	Status           DeliveryStatus `json:"outcome"`
	AttemptsMade     int            `json:"attemptsMade"`
	StatusCode       int            `json:"statusCode,omitempty"`
	LastError        string         `json:"lastError,omitempty"`
	Duration         time.Duration  `json:"durationNs"`
	CompletedAt      time.Time      `json:"completedAt"`
}
