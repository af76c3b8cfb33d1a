package observability

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/aetherhub/aether/common/trace"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
		"bogus": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewHandler_RedactsSensitiveAttrs(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewHandler(&buf, "info", "json"))
	log.Info("deploy: configured", "gateway_token", "abcdef0123456789", "port", 10042)

	out := buf.String()
	if strings.Contains(out, "abcdef0123456789") {
		t.Errorf("token leaked: %s", out)
	}
	if !strings.Contains(out, `"port":10042`) {
		t.Errorf("port missing: %s", out)
	}
}

func TestNewHandler_Level(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewHandler(&buf, "warn", "text"))
	log.Info("hidden")
	log.Warn("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Errorf("output = %q", buf.String())
	}
}

func TestWithTrace(t *testing.T) {
	if WithTrace(context.Background()) != slog.Default() {
		t.Error("expected default logger without trace id")
	}
	ctx := trace.WithTraceID(context.Background(), "t-123")
	if WithTrace(ctx) == slog.Default() {
		t.Error("expected child logger with trace id")
	}
}
