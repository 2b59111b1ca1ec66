package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type sourceKey struct{}
type messageIDKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithSource attaches the originating messenger source to the context.
func WithSource(ctx context.Context, source string) context.Context {
	return context.WithValue(ctx, sourceKey{}, source)
}

// Source extracts the messenger source from context. Returns "" if absent.
func Source(ctx context.Context) string {
	if v, ok := ctx.Value(sourceKey{}).(string); ok {
		return v
	}
	return ""
}

// WithMessageID attaches the message id being processed to the context.
func WithMessageID(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, messageIDKey{}, id)
}

// MessageID extracts the message id from context. Returns 0 if absent.
func MessageID(ctx context.Context) int64 {
	if v, ok := ctx.Value(messageIDKey{}).(int64); ok {
		return v
	}
	return 0
}
