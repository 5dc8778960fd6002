package events

import "context"

type contextKey int

const (
	loggerKey contextKey = iota
	requestIDKey
	entityKey
)

var defaultLogger = NopLogger()

// FromContext extracts logger from context.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey).(*Logger); ok {
		return l
	}
	return defaultLogger
}

// WithLogger adds logger to context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// WithRequestID adds request ID to context and the contextual logger.
func WithRequestID(ctx context.Context, id string) context.Context {
	logger := FromContext(ctx).WithField("request_id", id)
	ctx = context.WithValue(ctx, requestIDKey, id)
	return WithLogger(ctx, logger)
}

// WithEntity tags the context and its logger with the entity being synced.
func WithEntity(ctx context.Context, entity string) context.Context {
	logger := FromContext(ctx).WithField("entity", entity)
	ctx = context.WithValue(ctx, entityKey, entity)
	return WithLogger(ctx, logger)
}

// GetRequestID retrieves request ID from context.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// GetEntity retrieves the tagged entity name from context.
func GetEntity(ctx context.Context) string {
	if e, ok := ctx.Value(entityKey).(string); ok {
		return e
	}
	return ""
}
