// Package trace carries request correlation ids from API handlers down into
// lifecycle operations and gateway calls.
package trace

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

type traceKey struct{}

// GenerateID returns a new trace id of the form "t_<32 hex>".
func GenerateID() string {
	id := uuid.New()
	return "t_" + hexOf(id)
}

// NewRequestID returns an id suitable for a gateway request frame.
func NewRequestID() string {
	return uuid.NewString()
}

// NewIdempotencyKey returns a fresh idempotency key for chat.send.
func NewIdempotencyKey() string {
	return uuid.NewString()
}

// WithTraceID returns a child context carrying id.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceKey{}, id)
}

// FromContext extracts the trace id from ctx, returning "" if absent.
func FromContext(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok {
		return v
	}
	return ""
}

// Ensure returns ctx unchanged when it already carries a trace id, otherwise
// a child context with a freshly generated one.
func Ensure(ctx context.Context) (context.Context, string) {
	if id := FromContext(ctx); id != "" {
		return ctx, id
	}
	id := GenerateID()
	return WithTraceID(ctx, id), id
}

// Attr returns a slog attribute for the trace id in ctx, or an empty
// attribute when none is set.
func Attr(ctx context.Context) slog.Attr {
	id := FromContext(ctx)
	if id == "" {
		return slog.Attr{}
	}
	return slog.String("trace_id", id)
}

func hexOf(id uuid.UUID) string {
	const digits = "0123456789abcdef"
	out := make([]byte, 32)
	for i, b := range id {
		out[i*2] = digits[b>>4]
		out[i*2+1] = digits[b&0x0f]
	}
	return string(out)
}
