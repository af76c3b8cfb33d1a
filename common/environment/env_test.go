package environment_test

import (
	"testing"
	"time"

	"github.com/aetherhub/aether/common/environment"
)

func TestStringOr(t *testing.T) {
	t.Setenv("AETHER_TEST_STRING", "hello")
	if got := environment.StringOr("AETHER_TEST_STRING", "default"); got != "hello" {
		t.Errorf("expected %q, got %q", "hello", got)
	}
	if got := environment.StringOr("AETHER_TEST_STRING_MISSING", "default"); got != "default" {
		t.Errorf("expected %q, got %q", "default", got)
	}
}

func TestRequiredString(t *testing.T) {
	t.Setenv("AETHER_TEST_REQUIRED", "value")
	v, err := environment.RequiredString("AETHER_TEST_REQUIRED")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "value" {
		t.Errorf("expected %q, got %q", "value", v)
	}

	if _, err := environment.RequiredString("AETHER_TEST_REQUIRED_MISSING"); err == nil {
		t.Error("expected error for missing variable, got nil")
	}
}

func TestBoolOr(t *testing.T) {
	t.Setenv("AETHER_TEST_BOOL", "true")
	if !environment.BoolOr("AETHER_TEST_BOOL", false) {
		t.Error("expected true")
	}
	t.Setenv("AETHER_TEST_BOOL", "nope")
	if environment.BoolOr("AETHER_TEST_BOOL", false) {
		t.Error("expected default for unparsable value")
	}
}

func TestIntOr(t *testing.T) {
	t.Setenv("AETHER_TEST_INT", "42")
	if got := environment.IntOr("AETHER_TEST_INT", 1); got != 42 {
		t.Errorf("expected 42, got %d", got)
	}
	if got := environment.IntOr("AETHER_TEST_INT_MISSING", 7); got != 7 {
		t.Errorf("expected 7, got %d", got)
	}
}

func TestDurationOr(t *testing.T) {
	t.Setenv("AETHER_TEST_DURATION", "1500ms")
	if got := environment.DurationOr("AETHER_TEST_DURATION", time.Second); got != 1500*time.Millisecond {
		t.Errorf("expected 1.5s, got %s", got)
	}
	t.Setenv("AETHER_TEST_DURATION", "30")
	if got := environment.DurationOr("AETHER_TEST_DURATION", time.Second); got != 30*time.Second {
		t.Errorf("bare integer should be seconds, got %s", got)
	}
	t.Setenv("AETHER_TEST_DURATION", "soon")
	if got := environment.DurationOr("AETHER_TEST_DURATION", time.Second); got != time.Second {
		t.Errorf("expected default, got %s", got)
	}
}

func TestStringSliceOr(t *testing.T) {
	t.Setenv("AETHER_TEST_SLICE", " a, b ,,c ")
	got := environment.StringSliceOr("AETHER_TEST_SLICE", nil)
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("[%d] expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestPortRangeOr(t *testing.T) {
	cases := []struct {
		value  string
		lo, hi int
	}{
		{"20000-20010", 20000, 20010},
		{" 3000 - 4000 ", 3000, 4000},
		{"4000-3000", 10000, 65000},
		{"0-100", 10000, 65000},
		{"abc", 10000, 65000},
		{"", 10000, 65000},
	}
	for _, tc := range cases {
		t.Setenv("AETHER_TEST_PORTS", tc.value)
		lo, hi := environment.PortRangeOr("AETHER_TEST_PORTS", 10000, 65000)
		if lo != tc.lo || hi != tc.hi {
			t.Errorf("PortRangeOr(%q) = %d-%d, want %d-%d", tc.value, lo, hi, tc.lo, tc.hi)
		}
	}
}
