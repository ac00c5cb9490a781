package logging

import (
	"log/slog"
	"time"
)

// Field names shared by every relay component.
const (
	FieldService      = "service"
	FieldComponent    = "component"
	FieldRequestID    = "request_id"
	FieldError        = "error"
	FieldIP           = "ip"
	FieldMethod       = "method"
	FieldPath         = "path"
	FieldStatus       = "status"
	FieldDuration     = "duration_ms"
	FieldDeviceID     = "device_id"
	FieldPort         = "port"
	FieldSlotIndex    = "slot_index"
	FieldMessageID    = "message_id"
	FieldSubscription = "subscription"
	FieldAttempt      = "attempt"
	FieldCount        = "count"
	FieldSubject      = "subject"
)

func Service(name string) slog.Attr {
	return slog.String(FieldService, name)
}

func Component(name string) slog.Attr {
	return slog.String(FieldComponent, name)
}

// Error returns an error attribute. A nil error renders as an empty string.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(FieldError, "")
	}
	return slog.String(FieldError, err.Error())
}

func IP(ip string) slog.Attr {
	return slog.String(FieldIP, ip)
}

func Method(method string) slog.Attr {
	return slog.String(FieldMethod, method)
}

func Path(path string) slog.Attr {
	return slog.String(FieldPath, path)
}

func Status(code int) slog.Attr {
	return slog.Int(FieldStatus, code)
}

// Duration reports d in milliseconds.
func Duration(d time.Duration) slog.Attr {
	return slog.Int64(FieldDuration, d.Milliseconds())
}

func DeviceID(id string) slog.Attr {
	return slog.String(FieldDeviceID, id)
}

// Port returns the raw wire port token.
func Port(token string) slog.Attr {
	return slog.String(FieldPort, token)
}

func SlotIndex(idx int) slog.Attr {
	return slog.Int(FieldSlotIndex, idx)
}

func MessageID(id string) slog.Attr {
	return slog.String(FieldMessageID, id)
}

// Subscription identifies a forwarding subscription by name.
func Subscription(name string) slog.Attr {
	return slog.String(FieldSubscription, name)
}

func Attempt(n int) slog.Attr {
	return slog.Int(FieldAttempt, n)
}

func Count(n int) slog.Attr {
	return slog.Int(FieldCount, n)
}

func Subject(s string) slog.Attr {
	return slog.String(FieldSubject, s)
}
