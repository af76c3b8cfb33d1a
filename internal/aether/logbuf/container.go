package logbuf

import (
	"strings"
	"time"

	"github.com/charmbracelet/x/ansi"
)

// NoiseRule drops a container line when every substring is present.
type NoiseRule []string

// Match reports whether line contains every substring of r.
func (r NoiseRule) Match(line string) bool {
	if len(r) == 0 {
		return false
	}
	for _, s := range r {
		if !strings.Contains(line, s) {
			return false
		}
	}
	return true
}

// DefaultNoise returns the built-in denylist of benign compose and gateway
// warnings.
func DefaultNoise() []NoiseRule {
	return []NoiseRule{
		{"FALLBACKS", "variable is not set"},
		{"closed before connect conn="},
	}
}

// ParseNoise builds rules from strings where "&&" joins substrings that must
// all match, e.g. "FALLBACKS&&variable is not set".
func ParseNoise(specs []string) []NoiseRule {
	var out []NoiseRule
	for _, spec := range specs {
		var r NoiseRule
		for _, part := range strings.Split(spec, "&&") {
			if p := strings.TrimSpace(part); p != "" {
				r = append(r, p)
			}
		}
		if len(r) > 0 {
			out = append(out, r)
		}
	}
	return out
}

func noisy(line string, rules []NoiseRule) bool {
	for _, r := range rules {
		if r.Match(line) {
			return true
		}
	}
	return false
}

// ParseContainerLines converts raw "compose logs --timestamps" output into
// CONTAINER entries: ANSI escapes are stripped, the "service | " prefix is
// removed and noisy lines are dropped. Lines without a parsable timestamp
// inherit the previous line's, or fetchedAt when none precedes them.
func ParseContainerLines(raw string, rules []NoiseRule, fetchedAt time.Time) []Entry {
	var out []Entry
	var last time.Time
	pendingFrom := -1

	for _, line := range strings.Split(ansi.Strip(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || noisy(line, rules) {
			continue
		}
		if _, rest, ok := strings.Cut(line, " | "); ok {
			line = strings.TrimSpace(rest)
		} else if _, rest, ok := strings.Cut(line, "  |"); ok {
			line = strings.TrimSpace(rest)
		}
		if line == "" {
			continue
		}

		ts, msg, ok := splitTimestamp(line)
		if ok {
			if pendingFrom >= 0 {
				for i := pendingFrom; i < len(out); i++ {
					out[i].Timestamp = ts
				}
				pendingFrom = -1
			}
			last = ts
		} else {
			msg = line
			if last.IsZero() {
				if pendingFrom < 0 {
					pendingFrom = len(out)
				}
			}
			ts = last
		}
		out = append(out, Entry{Timestamp: ts, Level: LevelContainer, Message: msg})
	}

	if pendingFrom >= 0 {
		for i := pendingFrom; i < len(out); i++ {
			out[i].Timestamp = fetchedAt
		}
	}
	return out
}

func splitTimestamp(line string) (time.Time, string, bool) {
	head, rest, _ := strings.Cut(line, " ")
	ts, err := time.Parse(time.RFC3339Nano, head)
	if err != nil {
		return time.Time{}, "", false
	}
	return ts.UTC(), strings.TrimSpace(rest), true
}
