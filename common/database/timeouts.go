// Package database holds helpers shared by the SQL-backed stores.
package database

import (
	"context"
	"time"
)

const (
	DefaultReadTimeout  = 5 * time.Second
	DefaultWriteTimeout = 10 * time.Second
)

// Timeouts bounds individual statements. Zero disables the bound.
type Timeouts struct {
	Read  time.Duration
	Write time.Duration
}

// WithDefaults fills zero fields.
func (t Timeouts) WithDefaults() Timeouts {
	if t.Read <= 0 {
		t.Read = DefaultReadTimeout
	}
	if t.Write <= 0 {
		t.Write = DefaultWriteTimeout
	}
	return t
}

// ForRead derives a context for SELECTs.
func (t Timeouts) ForRead(parent context.Context) (context.Context, context.CancelFunc) {
	return bounded(parent, t.Read)
}

// ForWrite derives a context for INSERT and UPDATE statements.
func (t Timeouts) ForWrite(parent context.Context) (context.Context, context.CancelFunc) {
	return bounded(parent, t.Write)
}

// bounded keeps a caller deadline that is already tighter than d.
func bounded(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(parent)
	}
	if dl, ok := parent.Deadline(); ok && time.Until(dl) <= d {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, d)
}
