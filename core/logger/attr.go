package logger

import (
	"log/slog"
	"time"
)

// Attribute helpers use the empty Attr pattern for nil safety, so call sites
// can pass logger.Error(err) without checking for nil first.

// Error creates an attribute for a single error under the key "error".
func Error(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.Any("error", err)
}

// Component identifies the subsystem emitting the record.
func Component(name string) slog.Attr {
	return slog.String("component", name)
}

// Event names a discrete occurrence (e.g. "renewal_started").
func Event(name string) slog.Attr {
	return slog.String("event", name)
}

// Duration records elapsed time under the key "duration".
func Duration(d time.Duration) slog.Attr {
	return slog.Duration("duration", d)
}

// OperationID tags records with the tracked operation identifier.
func OperationID(id string) slog.Attr {
	return slog.String("operation_id", id)
}

// TargetID tags records with the appliance/connection identifier.
func TargetID(id string) slog.Attr {
	return slog.String("target_id", id)
}

// Domain tags records with the certificate domain being processed.
func Domain(domain string) slog.Attr {
	return slog.String("domain", domain)
}
