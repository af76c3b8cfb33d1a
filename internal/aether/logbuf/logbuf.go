// Package logbuf keeps the per-deployment lifecycle log: STEP/INFO/ERROR
// entries emitted by the orchestrator itself, merged on read with a fresh
// tail of the container engine's output.
package logbuf

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/aetherhub/aether/common/redact"
)

// Level classifies an entry.
type Level string

const (
	LevelStep      Level = "STEP"
	LevelInfo      Level = "INFO"
	LevelError     Level = "ERROR"
	LevelWarn      Level = "WARN"
	LevelContainer Level = "CONTAINER"
)

// Entry is one log line. Entries are never mutated after append.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     Level     `json:"level"`
	Message   string    `json:"message"`
}

// String renders e as "[2006-01-02T15:04:05.000Z] [LEVEL] message".
func (e Entry) String() string {
	return fmt.Sprintf("[%s] [%s] %s", e.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z"), e.Level, e.Message)
}

// Source fetches the last tail lines of raw container output.
type Source interface {
	Logs(ctx context.Context, tail int) (string, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, tail int) (string, error)

func (f SourceFunc) Logs(ctx context.Context, tail int) (string, error) { return f(ctx, tail) }

// Options configures a Buffer.
type Options struct {
	// MaxEntries caps each deployment's buffer. Zero means unbounded. When
	// exceeded the oldest INFO entries are discarded; STEP and ERROR
	// entries are always kept.
	MaxEntries int
	// Noise lists container-line filters; nil selects DefaultNoise.
	Noise []NoiseRule
	// Secrets scrubs registered values from every stored and returned line.
	Secrets *redact.Registry
	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

// Buffer holds lifecycle logs for every deployment.
type Buffer struct {
	mu      sync.RWMutex
	entries map[string][]Entry
	opts    Options
}

// New creates an empty Buffer.
func New(opts Options) *Buffer {
	if opts.Noise == nil {
		opts.Noise = DefaultNoise()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Buffer{entries: make(map[string][]Entry), opts: opts}
}

// Emit timestamps and appends an entry for deployment id.
func (b *Buffer) Emit(id string, level Level, message string) Entry {
	e := Entry{
		Timestamp: b.opts.Now().UTC(),
		Level:     level,
		Message:   b.opts.Secrets.Apply(id, message),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	list := append(b.entries[id], e)
	if b.opts.MaxEntries > 0 && len(list) > b.opts.MaxEntries {
		list = trim(list, b.opts.MaxEntries)
	}
	b.entries[id] = list
	return e
}

// Step appends a STEP entry.
func (b *Buffer) Step(id, format string, args ...any) {
	b.Emit(id, LevelStep, fmt.Sprintf(format, args...))
}

// Info appends an INFO entry.
func (b *Buffer) Info(id, format string, args ...any) {
	b.Emit(id, LevelInfo, fmt.Sprintf(format, args...))
}

// Error appends an ERROR entry.
func (b *Buffer) Error(id, format string, args ...any) {
	b.Emit(id, LevelError, fmt.Sprintf(format, args...))
}

// trim discards the oldest INFO entries until list fits max or no INFO
// entries remain.
func trim(list []Entry, max int) []Entry {
	excess := len(list) - max
	out := make([]Entry, 0, len(list))
	for _, e := range list {
		if excess > 0 && e.Level == LevelInfo {
			excess--
			continue
		}
		out = append(out, e)
	}
	return out
}

// Entries returns a copy of the buffered entries for id.
func (b *Buffer) Entries(id string) []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	src := b.entries[id]
	out := make([]Entry, len(src))
	copy(out, src)
	return out
}

// Drop forgets every entry for id.
func (b *Buffer) Drop(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, id)
}

// Read returns every buffered entry for id merged with up to tail lines of
// container output from src, in chronological order. Buffer entries win
// timestamp ties. A failed fetch adds a WARN entry instead of failing.
func (b *Buffer) Read(ctx context.Context, id string, tail int, src Source) []Entry {
	buffered := b.Entries(id)
	if src == nil || tail <= 0 {
		return buffered
	}

	fetchedAt := b.opts.Now().UTC()
	raw, err := src.Logs(ctx, tail)
	if err != nil {
		warn := Entry{Timestamp: fetchedAt, Level: LevelWarn, Message: "could not fetch container logs: " + b.opts.Secrets.Apply(id, err.Error())}
		return append(buffered, warn)
	}

	lines := ParseContainerLines(raw, b.opts.Noise, fetchedAt)
	for i := range lines {
		lines[i].Message = b.opts.Secrets.Apply(id, lines[i].Message)
	}
	// Multi-service output is multiplexed per stream, not globally ordered.
	slices.SortStableFunc(lines, func(x, y Entry) int {
		return x.Timestamp.Compare(y.Timestamp)
	})
	return Merge(buffered, lines)
}

// Merge interleaves two individually ordered entry lists by timestamp,
// keeping each list's internal order and preferring a on ties.
func Merge(a, c []Entry) []Entry {
	out := make([]Entry, 0, len(a)+len(c))
	i, j := 0, 0
	for i < len(a) && j < len(c) {
		if !c[j].Timestamp.Before(a[i].Timestamp) {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, c[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	return append(out, c[j:]...)
}

// Lines renders entries with Entry.String.
func Lines(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.String()
	}
	return out
}

// Text joins rendered entries with newlines.
func Text(entries []Entry) string {
	return strings.Join(Lines(entries), "\n")
}
