package logbuf

import (
	"testing"
	"time"
)

func TestParseContainerLines_Timestamps(t *testing.T) {
	fetched := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	raw := "gateway-1  | plain first\ngateway-1  | 2026-03-01T10:00:00Z stamped\ngateway-1  | trailing"
	got := ParseContainerLines(raw, nil, fetched)
	if len(got) != 3 {
		t.Fatalf("got %d entries", len(got))
	}
	stamped := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i, e := range got {
		if !e.Timestamp.Equal(stamped) {
			t.Errorf("entry %d timestamp %v, want %v", i, e.Timestamp, stamped)
		}
	}
	if got[0].Message != "plain first" || got[1].Message != "stamped" {
		t.Errorf("messages: %v", got)
	}
}

func TestParseContainerLines_NoTimestamps(t *testing.T) {
	fetched := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	got := ParseContainerLines("svc-1 | a\nsvc-1 | b", nil, fetched)
	if len(got) != 2 || !got[0].Timestamp.Equal(fetched) || !got[1].Timestamp.Equal(fetched) {
		t.Fatalf("unexpected %v", got)
	}
}

func TestParseNoise(t *testing.T) {
	rules := ParseNoise([]string{"FALLBACKS && variable is not set", " ", "conn="})
	if len(rules) != 2 {
		t.Fatalf("got %d rules", len(rules))
	}
	if !rules[0].Match("the FALLBACKS variable is not set") {
		t.Error("rule 0 should match")
	}
	if rules[0].Match("FALLBACKS only") {
		t.Error("rule 0 requires both substrings")
	}
}
