package messaging

import "strings"

// Subjects published by the relay. Pattern: {domain}.{resource}.{event}.
const (
	SubjectMessageReceived    = "sms.message.received"
	SubjectForwardingOutcome  = "sms.forwarding.outcome"
	SubjectDevicePlaceholder  = "sms.device.placeholder"
	SubjectDeviceRegistered   = "sms.device.registered"
	SubjectAll                = "sms.>"
	SubjectDeadLetterPrefix   = "relay.dlq"
	SubjectDeadLetterWildcard = SubjectDeadLetterPrefix + ".>"
)

// DeadLetterSubject returns relay.dlq.<reason> with the reason lower-cased
// and spaces replaced so it stays a single subject token.
func DeadLetterSubject(reason string) string {
	reason = strings.ToLower(strings.TrimSpace(reason))
	reason = strings.NewReplacer(" ", "_", ".", "_").Replace(reason)
	if reason == "" {
		reason = "unknown"
	}
	return SubjectDeadLetterPrefix + "." + reason
}
