// Package redact strips sensitive values from log output and structured data
// before it leaves the process boundary.
//
// Gateway tokens and provider API keys flow through lifecycle logs, compose
// output and audit notices. Redaction operates on string representations and
// relies on callers to pass the right set of sensitive terms.
package redact

import (
	"strings"
	"sync"
)

const placeholder = "[REDACTED]"

// minLength is the shortest value that is ever redacted; shorter values
// would produce spurious matches on common substrings.
const minLength = 4

// String replaces every occurrence of each sensitive value in s with
// [REDACTED]. Values shorter than four characters are skipped.
//
//	safe := redact.String(line, gatewayToken, apiKey)
func String(s string, sensitiveValues ...string) string {
	for _, v := range sensitiveValues {
		if len(v) < minLength {
			continue
		}
		s = strings.ReplaceAll(s, v, placeholder)
	}
	return s
}

// Map returns a shallow copy of m with string values replaced by [REDACTED]
// for every key whose name suggests a secret.
func Map(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if IsSensitiveKey(k) {
			if str, ok := v.(string); ok && str != "" {
				out[k] = placeholder
				continue
			}
		}
		out[k] = v
	}
	return out
}

// StringMap is Map for map[string]string, used for env field sets.
func StringMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		if v != "" && IsSensitiveKey(k) {
			out[k] = placeholder
			continue
		}
		out[k] = v
	}
	return out
}

// IsSensitiveKey reports whether a key name suggests it holds a secret.
func IsSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, word := range []string{"password", "passwd", "token", "secret", "key", "credential", "auth", "apikey"} {
		if strings.Contains(lower, word) {
			return true
		}
	}
	return false
}

// Registry tracks sensitive values per owner (e.g. a deployment id) so that
// log writers can scrub every secret belonging to that owner.
type Registry struct {
	mu     sync.RWMutex
	values map[string][]string
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{values: make(map[string][]string)}
}

// Add registers values for owner. Empty and short values are ignored.
func (r *Registry) Add(owner string, values ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range values {
		if len(v) < minLength {
			continue
		}
		r.values[owner] = append(r.values[owner], v)
	}
}

// Forget drops every value registered for owner.
func (r *Registry) Forget(owner string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.values, owner)
}

// Apply redacts every value registered for owner from s.
func (r *Registry) Apply(owner, s string) string {
	if r == nil {
		return s
	}
	r.mu.RLock()
	vals := r.values[owner]
	r.mu.RUnlock()
	return String(s, vals...)
}
