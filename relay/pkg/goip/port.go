package goip

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// SubSlot is the only sub-slot value gateways currently emit.
const SubSlot = "01"

var (
	// ErrInvalidDeviceID is returned for device IDs that cannot appear in a
	// port token at all.
	ErrInvalidDeviceID = errors.New("invalid device id")

	// ErrAmbiguousDeviceID is returned for device IDs ending in a
	// -<digits>.<digits> suffix. Such IDs are indistinguishable from an
	// encoded port token when used as a legacy flat identifier.
	ErrAmbiguousDeviceID = errors.New("device id ends with a port-like suffix")
)

// The device capture is greedy so the match is anchored on the last
// -<digits>.<digits> in the token.
var (
	portPattern       = regexp.MustCompile(`^(.+)-(\d+)\.(\d+)$`)
	portSuffixPattern = regexp.MustCompile(`-\d+\.\d+$`)
)

// DeviceContext identifies a SIM slot on a device. SlotIndex is 0-based.
type DeviceContext struct {
	DeviceID  string `json:"deviceId"`
	SlotIndex int    `json:"slotIndex"`
	SubSlot   string `json:"subSlot"`
}

// Port returns the wire token for c.
func (c DeviceContext) Port() string {
	return EncodePort(c.DeviceID, c.SlotIndex)
}

// EncodePort renders "{deviceID}-{slotIndex+1}.01".
func EncodePort(deviceID string, slotIndex int) string {
	return deviceID + "-" + strconv.Itoa(slotIndex+1) + "." + SubSlot
}

// DecodePort parses a port token. ok is false when the token does not have
// the {device}-{slot}.{sub} shape or names slot 0; callers fall back to
// treating the token as a flat device identifier.
func DecodePort(token string) (ctx DeviceContext, ok bool) {
	m := portPattern.FindStringSubmatch(strings.TrimSpace(token))
	if m == nil {
		return DeviceContext{}, false
	}

	slotNumber, err := strconv.Atoi(m[2])
	if err != nil || slotNumber < 1 {
		return DeviceContext{}, false
	}

	return DeviceContext{
		DeviceID:  m[1],
		SlotIndex: slotNumber - 1,
		SubSlot:   m[3],
	}, true
}

// ValidateDeviceID reports whether id can be registered as a device
// identifier without making port tokens ambiguous.
func ValidateDeviceID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidDeviceID)
	}
	if strings.ContainsAny(id, "\" \t\r\n") {
		return fmt.Errorf("%w: %q contains quotes or whitespace", ErrInvalidDeviceID, id)
	}
	if portSuffixPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrAmbiguousDeviceID, id)
	}
	return nil
}
