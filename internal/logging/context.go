package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type ctxKey int

const (
	sessionKey ctxKey = iota
	requestKey
)

// maxIDLen bounds ids taken from clients before they reach a log line.
const maxIDLen = 128

// ContextFields returns the trace, session and request fields found in ctx.
func ContextFields(ctx context.Context) []zap.Field {
	var fields []zap.Field
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()))
	}
	if id := SessionIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("session.id", id))
	}
	if id := RequestIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("request.id", id))
	}
	return fields
}

// WithSessionID attaches a session id for logging. Session ids arrive from
// clients, so anything other than a short run of letters, digits, '-' and
// '_' is ignored and ctx is returned unchanged.
func WithSessionID(ctx context.Context, id string) context.Context {
	if !loggableID(id) {
		return ctx
	}
	return context.WithValue(ctx, sessionKey, id)
}

// SessionIDFromContext returns the session id attached by WithSessionID.
func SessionIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(sessionKey).(string)
	return id
}

// WithRequestID attaches a request id for logging, with the same rules as
// WithSessionID.
func WithRequestID(ctx context.Context, id string) context.Context {
	if !loggableID(id) {
		return ctx
	}
	return context.WithValue(ctx, requestKey, id)
}

// RequestIDFromContext returns the request id attached by WithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestKey).(string)
	return id
}

func loggableID(id string) bool {
	if id == "" || len(id) > maxIDLen {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}
