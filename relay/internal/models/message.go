package models

import "time"

// Message is a persisted inbound SMS.
type Message struct {
	ID         string    `json:"id"`
	DeviceRef  string    `json:"deviceRef"`
	DeviceID   string    `json:"deviceId"`
	SlotIndex  *int      `json:"slotIndex,omitempty"`
	Sender     string    `json:"sender"`
	Receiver   string    `json:"receiver"`
	Port       string    `json:"port"`
	Body       string    `json:"body"`
	OccurredAt time.Time `json:"occurredAt"`
	ReceivedAt time.Time `json:"receivedAt"`
	Raw        string    `json:"-"`
}
