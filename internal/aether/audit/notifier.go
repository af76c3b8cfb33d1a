// Package audit posts short notices about deployment lifecycle and gateway
// connection events to a Matrix room, so operators can follow activity
// without tailing logs.
//
// Supported event kinds:
//   - KindConfigured, KindLaunching, KindRunning, KindFailed, KindStopped,
//     KindRemoved, KindLost
//   - KindGatewayConnected, KindGatewayLost, KindGatewayDisconnected
//   - KindError
//
// Every notice carries the originating trace ID when one is known.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aetherhub/aether/common/trace"
)

// Kind is a machine-readable event category.
type Kind string

const (
	KindConfigured          Kind = "deployment.configured"
	KindLaunching           Kind = "deployment.launching"
	KindRunning             Kind = "deployment.running"
	KindFailed              Kind = "deployment.failed"
	KindStopped             Kind = "deployment.stopped"
	KindRemoved             Kind = "deployment.removed"
	KindLost                Kind = "deployment.lost"
	KindGatewayConnected    Kind = "gateway.connected"
	KindGatewayLost         Kind = "gateway.lost"
	KindGatewayDisconnected Kind = "gateway.disconnected"
	KindError               Kind = "error"
)

// Event is one notice.
type Event struct {
	Kind Kind
	// Target is the deployment id or connection role.
	Target  string
	Message string
	// TraceID defaults to the trace id carried by the context.
	TraceID   string
	Timestamp time.Time
}

// Notifier delivers audit events. Implementations must not block the caller
// for long; send failures are logged, never returned.
type Notifier interface {
	Notify(ctx context.Context, evt Event)
}

// Sender is the subset of the Matrix client MatrixNotifier needs.
type Sender interface {
	SendNotice(ctx context.Context, roomID, message string) error
}

// MatrixNotifier posts formatted notices to one room.
type MatrixNotifier struct {
	sender  Sender
	roomID  string
	timeout time.Duration
}

// NewMatrixNotifier creates a MatrixNotifier that posts to roomID via sender.
func NewMatrixNotifier(sender Sender, roomID string) *MatrixNotifier {
	return &MatrixNotifier{sender: sender, roomID: roomID, timeout: 10 * time.Second}
}

// Notify formats evt and posts it. It detaches from ctx's cancellation so a
// finished HTTP request does not abort the notice.
func (n *MatrixNotifier) Notify(ctx context.Context, evt Event) {
	if n.roomID == "" {
		return
	}
	msg := Format(ctx, evt)

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
	defer cancel()
	if err := n.sender.SendNotice(sctx, n.roomID, msg); err != nil {
		slog.Warn("audit: failed to send room notice", "room", n.roomID, "kind", evt.Kind, "err", err)
		return
	}
	slog.Debug("audit: sent notice", "room", n.roomID, "kind", evt.Kind)
}

// Format renders evt as a one- to two-line notice.
func Format(ctx context.Context, evt Event) string {
	tid := evt.TraceID
	if tid == "" {
		tid = trace.FromContext(ctx)
	}
	icon := kindIcon(evt.Kind)
	msg := fmt.Sprintf("%s [%s] %s", icon, evt.Kind, evt.Message)
	if evt.Target != "" {
		msg = fmt.Sprintf("%s %s → %s", icon, evt.Target, evt.Message)
	}
	if tid != "" {
		msg = fmt.Sprintf("%s\n  trace: %s", msg, tid)
	}
	return msg
}

// Noop discards every event.
type Noop struct{}

// Notify does nothing.
func (Noop) Notify(context.Context, Event) {}

// Recorder keeps events in memory; tests use it to assert notices.
type Recorder struct {
	ch chan Event
}

// NewRecorder returns a Recorder that holds up to size events.
func NewRecorder(size int) *Recorder { return &Recorder{ch: make(chan Event, size)} }

// Notify records evt, dropping it when the recorder is full.
func (r *Recorder) Notify(_ context.Context, evt Event) {
	select {
	case r.ch <- evt:
	default:
	}
}

// Events drains and returns everything recorded so far.
func (r *Recorder) Events() []Event {
	var out []Event
	for {
		select {
		case e := <-r.ch:
			out = append(out, e)
		default:
			return out
		}
	}
}

func kindIcon(k Kind) string {
	switch k {
	case KindConfigured:
		return "🟢"
	case KindLaunching:
		return "🚀"
	case KindRunning:
		return "▶️"
	case KindStopped:
		return "⏹️"
	case KindRemoved:
		return "🗑️"
	case KindFailed, KindLost:
		return "❌"
	case KindGatewayConnected:
		return "🔌"
	case KindGatewayLost:
		return "⚠️"
	case KindGatewayDisconnected:
		return "⏏️"
	case KindError:
		return "🚨"
	default:
		return "ℹ️"
	}
}
