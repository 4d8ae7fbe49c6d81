package logger

import "context"

// contextKey is a type for context keys to avoid collisions.
type contextKey string

const (
	loggerKey    contextKey = "ksefsync.logger"
	runIDKey     contextKey = "ksefsync.run_id"
	referenceKey contextKey = "ksefsync.reference_number"
)

// WithLogger adds a logger to the context.
func WithLogger(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// FromContext extracts the logger from context.
// Returns the default logger if none is set.
func FromContext(ctx context.Context) Logger {
	if l, ok := ctx.Value(loggerKey).(Logger); ok {
		return l
	}
	return Default()
}

// WithRunID adds a sync or batch run id to the context.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

// RunIDFromContext extracts the run id from context.
func RunIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(runIDKey).(string); ok {
		return id
	}
	return ""
}

// WithReference adds a remote reference number to the context.
func WithReference(ctx context.Context, ref string) context.Context {
	return context.WithValue(ctx, referenceKey, ref)
}

// ReferenceFromContext extracts the remote reference number from context.
func ReferenceFromContext(ctx context.Context) string {
	if ref, ok := ctx.Value(referenceKey).(string); ok {
		return ref
	}
	return ""
}

// L returns the context logger bound to ctx, so records carry the run id
// and reference number stored in it.
func L(ctx context.Context) Logger {
	return FromContext(ctx).WithContext(ctx)
}
