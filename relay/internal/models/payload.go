package models

import "time"

// WebhookPayload is the JSON body POSTed to every forwarding subscription.
// Optional fields are omitted when the slot is unknown.
type WebhookPayload struct {
	ID          string    `json:"id"`
	DeviceID    string    `json:"deviceId"`
	DeviceIDStr string    `json:"deviceIdStr"`
	Sender      string    `json:"sender"`
	Recipient   string    `json:"recipient"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	ReceivedAt  time.Time `json:"receivedAt"`
	SlotIndex   *int      `json:"slotIndex,omitempty"`
	CarrierName string    `json:"carrierName,omitempty"`
	SlotInfo    *SlotInfo `json:"slotInfo,omitempty"`
}

type SlotInfo struct {
	SlotIndex   int    `json:"slotIndex"`
	CarrierName string `json:"carrierName"`
	PhoneNumber string `json:"phoneNumber"`
}

// NewWebhookPayload builds the outbound body for msg. slot may be nil.
func NewWebhookPayload(msg *Message, slot *Slot) WebhookPayload {
	p := WebhookPayload{
		ID:          msg.ID,
		DeviceID:    msg.DeviceRef,
		DeviceIDStr: msg.DeviceID,
		Sender:      msg.Sender,
		Recipient:   msg.Receiver,
		Message:     msg.Body,
		Timestamp:   msg.OccurredAt,
		ReceivedAt:  msg.ReceivedAt,
		SlotIndex:   msg.SlotIndex,
	}
	if slot != nil {
		idx := slot.SlotIndex
		p.SlotIndex = &idx
		p.CarrierName = slot.CarrierName
		p.SlotInfo = &SlotInfo{
			SlotIndex:   slot.SlotIndex,
			CarrierName: slot.CarrierName,
			PhoneNumber: slot.PhoneNumber,
		}
	}
	return p
}
