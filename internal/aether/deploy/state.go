package deploy

import (
	"errors"
	"fmt"
)

// Status is a deployment's lifecycle state.
type Status string

const (
	StatusUnconfigured Status = "unconfigured"
	StatusConfigured   Status = "configured"
	StatusLaunching    Status = "launching"
	StatusRunning      Status = "running"
	StatusStopping     Status = "stopping"
	StatusStopped      Status = "stopped"
	StatusFailed       Status = "failed"
)

// ErrInvalidTransition is returned when an operation would move a
// deployment along an edge the lifecycle does not allow.
var ErrInvalidTransition = errors.New("invalid status transition")

// transitions lists every allowed edge. Nothing else is ever written.
var transitions = map[Status][]Status{
	StatusUnconfigured: {StatusConfigured},
	StatusConfigured:   {StatusLaunching},
	StatusLaunching:    {StatusRunning, StatusFailed, StatusStopping},
	StatusRunning:      {StatusStopping, StatusFailed},
	StatusStopping:     {StatusStopped, StatusFailed},
	StatusStopped:      {StatusLaunching},
	StatusFailed:       {StatusLaunching, StatusStopping},
}

// CanTransition reports whether from→to is an allowed edge.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// sourcesOf returns every status that may move to to.
func sourcesOf(to Status) []string {
	var out []string
	for _, from := range []Status{
		StatusUnconfigured, StatusConfigured, StatusLaunching, StatusRunning,
		StatusStopping, StatusStopped, StatusFailed,
	} {
		if CanTransition(from, to) {
			out = append(out, string(from))
		}
	}
	return out
}

func invalidTransition(id string, from, to Status) error {
	return fmt.Errorf("%s: %s -> %s: %w", id, from, to, ErrInvalidTransition)
}
