// Package envelope defines the JSON frames exchanged with an agent gateway
// over its WebSocket endpoint.
//
// Three frame types exist:
//
//	{"type":"req",   "id":"…", "method":"…", "params":{…}}
//	{"type":"res",   "id":"…", "ok":true,  "payload":{…}}
//	{"type":"res",   "id":"…", "ok":false, "error":{"code":"…","message":"…"}}
//	{"type":"event", "event":"…", "payload":{…}, "seq":42}
package envelope

import (
	"encoding/json"
	"fmt"
)

// Frame types.
const (
	TypeRequest  = "req"
	TypeResponse = "res"
	TypeEvent    = "event"
)

// Well-known event and method names used during the handshake.
const (
	EventChallenge    = "connect.challenge"
	EventConnectError = "connect.error"
	MethodConnect     = "connect"
)

// Frame is the union of every frame shape. Only the fields relevant to Type
// are populated.
type Frame struct {
	Type string `json:"type"`

	// req / res
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`

	// res
	OK      *bool           `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *FrameError     `json:"error,omitempty"`

	// event
	Event string `json:"event,omitempty"`
	Seq   *int64 `json:"seq,omitempty"`
}

// FrameError is the error body of a failed response.
type FrameError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *FrameError) Error() string {
	if e == nil {
		return ""
	}
	return e.Code + ": " + e.Message
}

// Succeeded reports whether a response frame carries ok=true.
func (f *Frame) Succeeded() bool {
	return f.OK != nil && *f.OK
}

// Validate checks that a Frame is structurally valid for its type.
func (f *Frame) Validate() error {
	if f == nil {
		return fmt.Errorf("frame must not be nil")
	}
	switch f.Type {
	case TypeRequest:
		if f.ID == "" {
			return fmt.Errorf("req frame: id must not be empty")
		}
		if f.Method == "" {
			return fmt.Errorf("req frame: method must not be empty")
		}
	case TypeResponse:
		if f.ID == "" {
			return fmt.Errorf("res frame: id must not be empty")
		}
		if f.OK == nil {
			return fmt.Errorf("res frame: ok must be set")
		}
	case TypeEvent:
		if f.Event == "" {
			return fmt.Errorf("event frame: event must not be empty")
		}
	case "":
		return fmt.Errorf("frame type must not be empty")
	default:
		return fmt.Errorf("unknown frame type %q", f.Type)
	}
	return nil
}

// Parse decodes and validates a single frame.
func Parse(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("envelope parse: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("envelope validate: %w", err)
	}
	return &f, nil
}

// NewRequest builds a req frame. params may be nil, in which case an empty
// object is sent.
func NewRequest(id, method string, params any) (*Frame, error) {
	raw := json.RawMessage(`{}`)
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params for %s: %w", method, err)
		}
		raw = b
	}
	return &Frame{Type: TypeRequest, ID: id, Method: method, Params: raw}, nil
}

// NewResponse builds a successful res frame.
func NewResponse(id string, payload any) (*Frame, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	ok := true
	return &Frame{Type: TypeResponse, ID: id, OK: &ok, Payload: b}, nil
}

// NewErrorResponse builds a failed res frame.
func NewErrorResponse(id, code, message string) *Frame {
	ok := false
	return &Frame{Type: TypeResponse, ID: id, OK: &ok, Error: &FrameError{Code: code, Message: message}}
}

// NewEvent builds an event frame. A negative seq omits the field.
func NewEvent(name string, payload any, seq int64) (*Frame, error) {
	f := &Frame{Type: TypeEvent, Event: name}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal event payload: %w", err)
		}
		f.Payload = b
	}
	if seq >= 0 {
		s := seq
		f.Seq = &s
	}
	return f, nil
}
