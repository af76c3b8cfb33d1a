package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/aetherhub/aether/common/spec/envelope"
	"github.com/aetherhub/aether/common/version"
	"github.com/aetherhub/aether/internal/aether/faults"
)

const (
	// maxHandshakeFrames bounds how many events may precede the connect
	// response before the handshake is declared broken.
	maxHandshakeFrames = 20

	probeDialTimeout      = 8 * time.Second
	probeHandshakeTimeout = 5 * time.Second

	writeWait = 10 * time.Second
)

// dial opens the WebSocket. An HTTP 401/403 on the upgrade is an auth
// failure; anything else is a connection failure.
func dial(ctx context.Context, d *websocket.Dialer, url string, headers http.Header, timeout time.Duration) (*websocket.Conn, error) {
	if d == nil {
		d = websocket.DefaultDialer
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, resp, err := d.DialContext(dctx, url, headers)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, faults.Auth("gateway refused upgrade: HTTP %d", resp.StatusCode)
		}
		return nil, faults.Wrap(faults.ReasonConnection, err, "dial "+url)
	}
	return conn, nil
}

// handshake runs the challenge / connect exchange on a freshly dialled
// connection and returns the server's hello payload.
func handshake(ctx context.Context, conn *websocket.Conn, params envelope.ConnectParams, timeout time.Duration) (*envelope.Hello, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	deadline := time.Now().Add(timeout)
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, faults.Wrap(faults.ReasonConnection, err, "set read deadline")
	}

	first, err := readFrame(conn)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, faults.Wrap(faults.ReasonProtocol, err, "waiting for connect.challenge")
	}
	if first.Type != envelope.TypeEvent || first.Event != envelope.EventChallenge {
		return nil, faults.Protocol("expected %s event, got %s %q", envelope.EventChallenge, first.Type, first.Event+first.Method)
	}

	id := uuid.NewString()
	req, err := envelope.NewRequest(id, envelope.MethodConnect, params)
	if err != nil {
		return nil, err
	}
	if err := writeFrame(conn, req); err != nil {
		return nil, faults.Wrap(faults.ReasonConnection, err, "send connect")
	}

	for i := 0; i < maxHandshakeFrames; i++ {
		f, err := readFrame(conn)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, faults.Wrap(faults.ReasonProtocol, err, "waiting for connect response")
		}
		switch {
		case f.Type == envelope.TypeEvent && f.Event == envelope.EventConnectError:
			return nil, faults.Wrap(faults.ReasonAuth, eventRejection(f.Payload), "gateway rejected connect")
		case f.Type == envelope.TypeResponse && f.ID == id:
			if !f.Succeeded() {
				rej := &ConnectRejected{Code: "UNKNOWN", Message: "connect rejected"}
				if f.Error != nil {
					rej.Code, rej.Message = f.Error.Code, f.Error.Message
				}
				return nil, faults.Wrap(faults.ReasonAuth, rej, "gateway rejected connect")
			}
			var hello envelope.Hello
			if len(f.Payload) > 0 {
				if err := json.Unmarshal(f.Payload, &hello); err != nil {
					return nil, faults.Wrap(faults.ReasonProtocol, err, "decode hello")
				}
			}
			if hello.Protocol < params.MinProtocol || hello.Protocol > params.MaxProtocol {
				return nil, faults.Protocol("gateway negotiated protocol %d, want %d..%d",
					hello.Protocol, params.MinProtocol, params.MaxProtocol)
			}
			if err := conn.SetReadDeadline(time.Time{}); err != nil {
				return nil, faults.Wrap(faults.ReasonConnection, err, "clear read deadline")
			}
			return &hello, nil
		}
	}
	return nil, faults.Protocol("no connect response within %d frames", maxHandshakeFrames)
}

// Probe dials url, completes one handshake and closes the connection. It is
// the gateway half of a health check.
func Probe(ctx context.Context, url, token, clientID string, headers http.Header) (*envelope.Hello, error) {
	conn, err := dial(ctx, nil, url, headers, probeDialTimeout)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	params := envelope.NewConnectParams(clientID, uuid.NewString(), token, version.UserAgent())
	hello, err := handshake(ctx, conn, params, probeHandshakeTimeout)
	if err != nil {
		return nil, err
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "probe complete"),
		time.Now().Add(time.Second))
	return hello, nil
}

func readFrame(conn *websocket.Conn) (*envelope.Frame, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return envelope.Parse(data)
}

func writeFrame(conn *websocket.Conn, f *envelope.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// ConnectRejected is the gateway's refusal of a connect request.
type ConnectRejected struct {
	Code    string
	Message string
}

func (e *ConnectRejected) Error() string { return e.Code + ": " + e.Message }

// eventRejection decodes a connect.error payload.
func eventRejection(payload json.RawMessage) *ConnectRejected {
	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	rej := &ConnectRejected{Code: "UNKNOWN", Message: string(payload)}
	if err := json.Unmarshal(payload, &body); err != nil {
		return rej
	}
	if body.Code != "" {
		rej.Code = body.Code
	}
	switch {
	case body.Message != "":
		rej.Message = body.Message
	case body.Error != "":
		rej.Message = body.Error
	}
	return rej
}

// IsAuthError reports whether err is a rejected handshake.
func IsAuthError(err error) bool {
	return faults.ReasonOf(err) == faults.ReasonAuth
}
