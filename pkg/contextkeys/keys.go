// Package contextkeys provides centralized context key definitions
//
// IMPORTANT: All context keys used across the application must be defined here.
// This prevents typos, documents dependencies, and makes key usage discoverable.
//
// USAGE PATTERN:
//   import "github.com/opsgraph/rbacengine/pkg/contextkeys"
//   ctx = context.WithValue(ctx, contextkeys.RequestIDKey, requestID)
//   requestID := contextkeys.GetRequestID(ctx)
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// ActorIDKey contains the acting user's ID for the current call.
	// Set by: callers of Engine.GivePermission/RemovePermission and the
	// trigger entry points, before the call.
	// Used by: logging, role_definition_id/created_by bookkeeping.
	// Type: int64
	ActorIDKey Key = "actor_id"

	// RequestIDKey contains request ID string (UUID)
	// Set by: the process embedding this engine, at its own request boundary.
	// Used by: Logger, distributed tracing correlation.
	// Type: string
	RequestIDKey Key = "request_id"

	// LoggerKey contains *observability.Logger
	// Set by: the process embedding this engine.
	// Used by: engine code that wants request-scoped structured logging.
	// Type: *observability.Logger
	LoggerKey Key = "logger"

	// TraceIDKey contains the active OpenTelemetry trace ID as a string.
	// Set by: tracing middleware/span start.
	// Used by: logger field enrichment so log lines correlate with traces.
	// Type: string
	TraceIDKey Key = "trace_id"
)

// WithActorID adds the acting user's ID to the context.
func WithActorID(ctx context.Context, actorID int64) context.Context {
	return context.WithValue(ctx, ActorIDKey, actorID)
}

// WithRequestID adds request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithLogger adds logger to the context
func WithLogger(ctx context.Context, logger interface{}) context.Context {
	return context.WithValue(ctx, LoggerKey, logger)
}

// WithTraceID adds the active trace ID to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// GetActorID retrieves the acting user's ID from context.
func GetActorID(ctx context.Context) (int64, bool) {
	actorID, ok := ctx.Value(ActorIDKey).(int64)
	return actorID, ok
}

// GetRequestID retrieves request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// GetTraceID retrieves the active trace ID from context.
func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}

// GetLogger retrieves whatever was stored under LoggerKey. The return type
// is interface{} rather than a concrete logger type to keep this package
// free of a dependency on pkg/observability; callers type-assert to the
// logger type they actually use.
func GetLogger(ctx context.Context) (interface{}, bool) {
	logger := ctx.Value(LoggerKey)
	return logger, logger != nil
}
