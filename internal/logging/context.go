package logging

import (
	"context"
	"log/slog"
)

const (
	// FieldComponent is the standardized structured logging key for component names.
	FieldComponent = "component"
	// FieldEventType names the machine-readable event a log line describes.
	FieldEventType = "event_type"
	// FieldErrorHint tells the operator what to try next.
	FieldErrorHint = "error_hint"
	// FieldImpact is the standardized key for user-facing consequence of a warning.
	FieldImpact = "impact"
	// FieldAlert flags warnings or anomalies that should stand out in structured logs.
	FieldAlert = "alert"
	// FieldSocket is the socket path a line refers to.
	FieldSocket = "socket"
	// FieldState is the supervisor state observed by a probe.
	FieldState = "state"
	// FieldPID is the process identifier of a spawned helper.
	FieldPID = "pid"
	// FieldExecutable is the resolved helper executable.
	FieldExecutable = "executable"
	// FieldCommand is the Assuan command verb being processed.
	FieldCommand = "command"
	// FieldAttempt is the 1-based attempt counter of a bounded retry loop.
	FieldAttempt = "attempt"
	// FieldConnID identifies one accepted helper connection.
	FieldConnID = "conn_id"
)

type connIDKey struct{}

// WithConnID stores a connection identifier on ctx.
func WithConnID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, connIDKey{}, id)
}

// ConnIDFromContext returns the connection identifier stored by WithConnID.
func ConnIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	id, ok := ctx.Value(connIDKey{}).(string)
	return id, ok && id != ""
}

// ContextFields extracts standardized slog attributes from the provided context.
func ContextFields(ctx context.Context) []slog.Attr {
	if id, ok := ConnIDFromContext(ctx); ok {
		return []slog.Attr{slog.String(FieldConnID, id)}
	}
	return nil
}

// WithContext returns a logger augmented with structured fields derived from the supplied context.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	fields := ContextFields(ctx)
	if len(fields) == 0 {
		return logger
	}
	return logger.With(attrsToArgs(fields)...)
}
