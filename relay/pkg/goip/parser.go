package goip

import (
	"errors"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

// Unknown is the placeholder for any field missing from a payload.
const Unknown = "Unknown"

// Line prefixes gateways use for header lines. Lines starting with one of
// these never contribute to the message body.
const (
	PrefixSender   = "Sender:"
	PrefixReceiver = "Receiver:"
	PrefixSCTS     = "SCTS:"
	PrefixSMSC     = "SMSC:"
	PrefixSlot     = "Slot:"
)

var reservedPrefixes = []string{PrefixSender, PrefixReceiver, PrefixSCTS, PrefixSMSC, PrefixSlot}

// ErrMalformedPayload is returned when a payload cannot be interpreted as
// gateway text at all.
var ErrMalformedPayload = errors.New("malformed GOIP payload")

var (
	senderPattern   = regexp.MustCompile(`(?m)^[ \t]*Sender:[ \t]*(.*)$`)
	receiverPattern = regexp.MustCompile(`(?m)^[ \t]*Receiver:[ \t]*(.*)$`)
	quotedPattern   = regexp.MustCompile(`"([^"]+)"`)
	sctsPattern     = regexp.MustCompile(`(?m)^[ \t]*SCTS:[ \t]*(\d+)`)
	smscPattern     = regexp.MustCompile(`(?m)^[ \t]*SMSC:[ \t]*(.*)$`)
	slotPattern     = regexp.MustCompile(`(?m)^[ \t]*Slot:[ \t]*(.*)$`)
	whitespace      = regexp.MustCompile(`\s+`)
)

// ParsedMessage is the structured form of one gateway payload.
type ParsedMessage struct {
	Sender     string    `json:"sender"`
	Receiver   string    `json:"receiver"`
	Port       string    `json:"port"`
	OccurredAt time.Time `json:"occurredAt"`
	Body       string    `json:"body"`

	// SMSC and Slot carry the raw values of the optional header lines.
	SMSC string `json:"smsc,omitempty"`
	Slot string `json:"slot,omitempty"`

	// DeviceTime is true when OccurredAt came from the SCTS header rather
	// than the parse time.
	DeviceTime bool `json:"deviceTime"`
}

// Parser turns gateway payloads into ParsedMessages.
type Parser struct {
	// Now supplies the fallback timestamp. Defaults to time.Now.
	Now func() time.Time
	// Location interprets SCTS values, which carry no zone. Defaults to time.Local.
	Location *time.Location
}

// Parse uses a zero Parser.
func Parse(raw string) (*ParsedMessage, error) {
	return Parser{}.Parse(raw)
}

// Parse extracts sender, receiver, port, timestamp and body from raw.
// Missing fields default to Unknown; the only error is ErrMalformedPayload.
func (p Parser) Parse(raw string) (*ParsedMessage, error) {
	if !utf8.ValidString(raw) || strings.ContainsRune(raw, 0) {
		return nil, ErrMalformedPayload
	}
	raw = strings.ReplaceAll(raw, "\r\n", "\n")

	msg := &ParsedMessage{
		Sender:   firstGroup(senderPattern, raw),
		Receiver: Unknown,
		Port:     Unknown,
		SMSC:     firstGroup(smscPattern, raw),
		Slot:     firstGroup(slotPattern, raw),
		Body:     CleanBody(raw),
	}
	if msg.Sender == "" {
		msg.Sender = Unknown
	}

	if line := firstGroup(receiverPattern, raw); line != "" {
		if m := quotedPattern.FindStringSubmatch(line); m != nil {
			msg.Port = m[1]
			line = strings.Replace(line, m[0], "", 1)
		}
		if r := strings.TrimSpace(line); r != "" {
			msg.Receiver = NormalizeReceiver(r)
		}
	}

	if m := sctsPattern.FindStringSubmatch(raw); m != nil {
		if t, ok := parseSCTS(m[1], p.location()); ok {
			msg.OccurredAt = t
			msg.DeviceTime = true
		}
	}
	if !msg.DeviceTime {
		msg.OccurredAt = p.now()
	}

	return msg, nil
}

func (p Parser) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p Parser) location() *time.Location {
	if p.Location != nil {
		return p.Location
	}
	return time.Local
}

func firstGroup(re *regexp.Regexp, s string) string {
	m := re.FindStringSubmatch(s)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

// NormalizeReceiver strips a leading "91" from 12-digit numbers only.
// Every other value, including 10-digit numbers starting with 91, is
// returned unchanged.
func NormalizeReceiver(receiver string) string {
	if len(receiver) == 12 && strings.HasPrefix(receiver, "91") && allDigits(receiver) {
		return receiver[2:]
	}
	return receiver
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// parseSCTS decodes the compact YYMMDDHHMMSS service-centre timestamp.
// Values that are not exactly 12 digits or name an impossible date are
// rejected.
func parseSCTS(digits string, loc *time.Location) (time.Time, bool) {
	if len(digits) != 12 {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation("20060102150405", "20"+digits, loc)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// CleanBody keeps every non-header line, trimmed and joined by single
// spaces, with internal whitespace runs collapsed.
func CleanBody(raw string) string {
	lines := strings.Split(raw, "\n")
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || isHeaderLine(line) {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(whitespace.ReplaceAllString(strings.Join(kept, " "), " "))
}

func isHeaderLine(line string) bool {
	for _, prefix := range reservedPrefixes {
		if strings.HasPrefix(line, prefix) {
			return true
		}
	}
	return false
}
