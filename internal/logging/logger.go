// Package logging defines a minimal structured-logging interface used across
// the project. Implementations can wrap slog, zap, zerolog, etc.
package logging

import "context"

// Logger is a context-aware, structured logger.
//
// The variadic args are interpreted as key-value pairs, e.g.:
//
//	log.Info(ctx, "upload finished", "attachment_id", id, "attempt", n)
type Logger interface {
	// Debug logs verbose diagnostics (per-attempt transfer details).
	Debug(ctx context.Context, msg string, args ...any)

	// Info logs an informational message.
	Info(ctx context.Context, msg string, args ...any)

	// Warn logs a warning message for unusual but non-fatal conditions.
	Warn(ctx context.Context, msg string, args ...any)

	// Error logs an error message for failures.
	Error(ctx context.Context, msg string, args ...any)

	// With returns a child logger that always includes the given key-value pairs.
	With(args ...any) Logger
}

// Common attribute keys.
const (
	KeyAttachmentID = "attachment_id"
	KeyOp           = "op"
	KeyAttempt      = "attempt"
	KeyError        = "error"
)

// Noop returns a Logger that discards everything.
func Noop() Logger { return noop{} }

// OrNoop returns l, or a discarding logger when l is nil.
func OrNoop(l Logger) Logger {
	if l == nil {
		return noop{}
	}
	return l
}

type noop struct{}

func (noop) Debug(context.Context, string, ...any) {}
func (noop) Info(context.Context, string, ...any)  {}
func (noop) Warn(context.Context, string, ...any)  {}
func (noop) Error(context.Context, string, ...any) {}
func (n noop) With(...any) Logger                  { return n }
