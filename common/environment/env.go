// Package environment provides helpers for loading configuration from
// environment variables.
//
// Every helper reads one variable and returns either its parsed value or the
// supplied default. Required variables return an error rather than exiting,
// keeping process control in cmd/.
package environment

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// String returns the value of the named environment variable and whether it
// was set (even if set to the empty string).
func String(name string) (string, bool) {
	return os.LookupEnv(name)
}

// StringOr returns the named variable, or defaultValue when unset or empty.
func StringOr(name, defaultValue string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return defaultValue
}

// RequiredString returns the named variable or an error when unset or empty.
func RequiredString(name string) (string, error) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return "", fmt.Errorf("required environment variable %q is not set", name)
	}
	return v, nil
}

// BoolOr parses the named variable with strconv.ParseBool. Unset, empty or
// unparsable values yield defaultValue.
func BoolOr(name string, defaultValue bool) bool {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultValue
	}
	return b
}

// IntOr parses the named variable as a decimal integer.
func IntOr(name string, defaultValue int) int {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultValue
	}
	return n
}

// DurationOr parses the named variable as a time.Duration ("2s", "5m").
// A bare integer is interpreted as seconds, matching the *_SECONDS knobs
// operators tend to write.
func DurationOr(name string, defaultValue time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return defaultValue
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultValue
	}
	return d
}

// StringSliceOr parses the named variable as a comma-separated list, trimming
// whitespace and dropping empty elements.
func StringSliceOr(name string, defaultValue []string) []string {
	v := os.Getenv(name)
	if strings.TrimSpace(v) == "" {
		return defaultValue
	}
	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			result = append(result, t)
		}
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}

// PortRangeOr parses a "low-high" port range such as "10000-65000".
// Malformed or inverted ranges, and ports outside 1-65535, yield the defaults.
func PortRangeOr(name string, lo, hi int) (int, int) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return lo, hi
	}
	a, b, ok := strings.Cut(v, "-")
	if !ok {
		return lo, hi
	}
	pl, err1 := strconv.Atoi(strings.TrimSpace(a))
	ph, err2 := strconv.Atoi(strings.TrimSpace(b))
	if err1 != nil || err2 != nil || pl < 1 || ph > 65535 || pl > ph {
		return lo, hi
	}
	return pl, ph
}
