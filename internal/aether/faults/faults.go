// Package faults defines the error taxonomy shared by the deployment
// lifecycle, the health prober and the gateway client. Every terminal
// failure carries a Reason code that is persisted on the deployment record
// and surfaced through the API.
package faults

import (
	"errors"
	"fmt"
)

// Reason is a stable, machine-readable failure code.
type Reason string

const (
	ReasonConfiguration Reason = "configuration_error"
	ReasonLaunch        Reason = "launch_error"
	ReasonHealthPhase1  Reason = "health_timeout_phase1"
	ReasonHealthPhase2  Reason = "health_timeout_phase2"
	ReasonProtocol      Reason = "protocol_error"
	ReasonAuth          Reason = "auth_error"
	ReasonConnection    Reason = "connection_lost"
	ReasonTimeout       Reason = "request_timeout"
)

// Reasoner is implemented by errors that carry a Reason.
type Reasoner interface {
	Reason() Reason
}

// ReasonOf returns the Reason of the first error in err's chain that has
// one, or "" if none does.
func ReasonOf(err error) Reason {
	var r Reasoner
	if errors.As(err, &r) {
		return r.Reason()
	}
	return ""
}

// Error is a generic reason-tagged error.
type Error struct {
	Code Reason
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Code, e.Msg)
	}
}

func (e *Error) Unwrap() error  { return e.Err }
func (e *Error) Reason() Reason { return e.Code }

// New returns an error with the given reason and message.
func New(code Reason, format string, args ...any) error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Wrap tags err with code. A nil err yields nil.
func Wrap(code Reason, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Msg: msg, Err: err}
}

// Configuration reports invalid or missing deployment fields.
func Configuration(err error) error { return Wrap(ReasonConfiguration, err, "") }

// Launch reports a failed container engine invocation.
func Launch(format string, args ...any) error { return New(ReasonLaunch, format, args...) }

// Protocol reports a malformed handshake or unexpected frame.
func Protocol(format string, args ...any) error { return New(ReasonProtocol, format, args...) }

// Auth reports a rejected handshake.
func Auth(format string, args ...any) error { return New(ReasonAuth, format, args...) }

// HealthTimeout reports an exhausted probe phase (1 or 2).
type HealthTimeout struct {
	Phase    int
	Attempts int
	Last     string
}

func (e *HealthTimeout) Error() string {
	msg := fmt.Sprintf("health check phase %d timed out after %d attempts", e.Phase, e.Attempts)
	if e.Last != "" {
		msg += " (last: " + e.Last + ")"
	}
	return msg
}

func (e *HealthTimeout) Reason() Reason {
	if e.Phase == 1 {
		return ReasonHealthPhase1
	}
	return ReasonHealthPhase2
}

// RemoteError is a failed response returned by the gateway for one request.
// It is not a connection fault and carries no Reason.
type RemoteError struct {
	Method  string
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("gateway %s failed: %s: %s", e.Method, e.Code, e.Message)
}

// Sentinels for the connection-level taxonomy; match with errors.Is.
var (
	ErrConnectionLost = &Error{Code: ReasonConnection, Msg: "connection lost"}
	ErrRequestTimeout = &Error{Code: ReasonTimeout, Msg: "request timed out"}
)

// Is matches any *Error with the same code, so callers can test
// errors.Is(err, faults.ErrConnectionLost).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}
