package models

import (
	"time"

	"github.com/goip-relay/goip-relay/relay/pkg/goip"
)

// PlaceholderPrefix marks devices synthesized for unresolvable port tokens.
const PlaceholderPrefix = "gateway-"

// Device is a registered GOIP gateway. ID is the record key; DeviceID is the
// hardware identifier that appears in port tokens.
type Device struct {
	ID            string     `json:"id"`
	DeviceID      string     `json:"deviceId"`
	Name          string     `json:"name"`
	IsPlaceholder bool       `json:"isPlaceholder"`
	CreatedAt     time.Time  `json:"createdAt"`
	LastSeenAt    *time.Time `json:"lastSeenAt,omitempty"`
}

// PlaceholderDeviceID returns the bookkeeping identifier used when a port
// token cannot be tied to any known device.
func PlaceholderDeviceID(port string) string {
	return PlaceholderPrefix + port
}

// Slot describes a SIM card position on a device.
type Slot struct {
	DeviceRef   string `json:"-"`
	SlotIndex   int    `json:"slotIndex"`
	CarrierName string `json:"carrierName,omitempty"`
	PhoneNumber string `json:"phoneNumber,omitempty"`
}

// Resolution is the device context attached to one inbound message.
type Resolution struct {
	Device  *Device
	Context *goip.DeviceContext // nil when the port did not decode
	Slot    *Slot               // nil when no slot metadata is known
	Kind    ResolutionKind
}

// SlotIndex returns the resolved slot index, if any.
func (r *Resolution) SlotIndex() *int {
	if r.Context == nil {
		return nil
	}
	idx := r.Context.SlotIndex
	return &idx
}

// ResolutionKind records which resolver path produced a Resolution.
type ResolutionKind string

const (
	ResolvedKnown       ResolutionKind = "known"
	ResolvedRegistered  ResolutionKind = "registered"
	ResolvedLegacy      ResolutionKind = "legacy"
	ResolvedPlaceholder ResolutionKind = "placeholder"
)

// Degraded reports whether the fallback path was taken.
func (k ResolutionKind) Degraded() bool {
	return k == ResolvedLegacy || k == ResolvedPlaceholder
}
