package trace_test

import (
	"context"
	"strings"
	"testing"

	"github.com/aetherhub/aether/common/trace"
)

func TestGenerateID_Format(t *testing.T) {
	id := trace.GenerateID()
	if !strings.HasPrefix(id, "t_") {
		t.Fatalf("expected t_ prefix, got %q", id)
	}
	if len(id) != 34 {
		t.Fatalf("expected 34 chars, got %d (%q)", len(id), id)
	}
	if id == trace.GenerateID() {
		t.Fatal("two generated ids should differ")
	}
}

func TestContextRoundtrip(t *testing.T) {
	ctx := trace.WithTraceID(context.Background(), "t_abc")
	if got := trace.FromContext(ctx); got != "t_abc" {
		t.Fatalf("expected t_abc, got %q", got)
	}
	if got := trace.FromContext(context.Background()); got != "" {
		t.Fatalf("expected empty id, got %q", got)
	}
}

func TestEnsure(t *testing.T) {
	ctx, id := trace.Ensure(context.Background())
	if id == "" || trace.FromContext(ctx) != id {
		t.Fatalf("Ensure did not attach id: %q", id)
	}
	ctx2, id2 := trace.Ensure(ctx)
	if id2 != id || ctx2 != ctx {
		t.Fatalf("Ensure replaced an existing id: %q vs %q", id2, id)
	}
}

func TestAttr(t *testing.T) {
	if a := trace.Attr(context.Background()); a.Key != "" {
		t.Fatalf("expected empty attr, got %v", a)
	}
	a := trace.Attr(trace.WithTraceID(context.Background(), "t_1"))
	if a.Key != "trace_id" || a.Value.String() != "t_1" {
		t.Fatalf("unexpected attr %v", a)
	}
}

func TestRequestIDsUnique(t *testing.T) {
	if trace.NewRequestID() == trace.NewRequestID() {
		t.Fatal("request ids should be unique")
	}
	if trace.NewIdempotencyKey() == "" {
		t.Fatal("empty idempotency key")
	}
}
