// Package observability provides structured logging helpers for aether.
//
// It wraps log/slog with trace ID propagation and redaction of attributes
// whose keys look sensitive (tokens, keys, secrets).
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/aetherhub/aether/common/redact"
	"github.com/aetherhub/aether/common/trace"
)

// ParseLevel maps "debug", "warn" and "error" to their slog levels;
// anything else is info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewHandler builds a text or JSON handler writing to w.
func NewHandler(w io.Writer, level, format string) slog.Handler {
	opts := &slog.HandlerOptions{
		Level: ParseLevel(level),
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Value.Kind() == slog.KindString && redact.IsSensitiveKey(a.Key) && a.Value.String() != "" {
				return slog.String(a.Key, "[REDACTED]")
			}
			return a
		},
	}
	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// Setup configures the global slog logger according to the provided level and
// format strings (e.g. level="info", format="json").
func Setup(level, format string) {
	slog.SetDefault(slog.New(NewHandler(os.Stdout, level, format)))
}

// WithTrace returns a child logger that always includes the trace_id from ctx.
func WithTrace(ctx context.Context) *slog.Logger {
	traceID := trace.FromContext(ctx)
	if traceID == "" {
		return slog.Default()
	}
	return slog.With("trace_id", traceID)
}
