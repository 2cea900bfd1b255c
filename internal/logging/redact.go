package logging

import (
	"log/slog"
	"sync/atomic"
)

// RedactedValue replaces sensitive values while safe mode is on.
const RedactedValue = "[REDACTED]"

var safeMode atomic.Bool

func init() {
	safeMode.Store(true)
}

// SetSafeMode toggles redaction of sensitive attributes.
func SetSafeMode(enabled bool) {
	safeMode.Store(enabled)
}

// SafeMode reports whether sensitive attributes are currently redacted.
func SafeMode() bool {
	return safeMode.Load()
}

type sensitive struct {
	value any
}

func (s sensitive) LogValue() slog.Value {
	if safeMode.Load() {
		return slog.StringValue(RedactedValue)
	}
	return slog.AnyValue(s.value)
}

// Sensitive wraps a value so it is rendered as RedactedValue in safe mode.
// The check happens when the record is written, not when the attribute is built.
func Sensitive(value any) slog.LogValuer {
	return sensitive{value: value}
}

// Addr returns a "peer" attribute for a network address, redacted in safe mode.
func Addr(value any) slog.Attr {
	return slog.Any("peer", Sensitive(value))
}
