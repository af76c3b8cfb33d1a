package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aetherhub/aether/common/trace"
	"github.com/aetherhub/aether/internal/aether/connmgr"
	"github.com/aetherhub/aether/internal/aether/gateway"
)

const (
	eventBuffer    = 256
	streamPingTime = 30 * time.Second
	streamWriteMax = 10 * time.Second
)

type eventFrame struct {
	Type string       `json:"type"`
	Role connmgr.Role `json:"role"`
	gateway.Event
}

type stateFrame struct {
	Type  string        `json:"type"`
	Role  connmgr.Role  `json:"role"`
	State gateway.State `json:"state"`
	Error string        `json:"error,omitempty"`
	At    time.Time     `json:"at"`
}

// handleEvents upgrades to a WebSocket and forwards the role's gateway
// events and connection state changes as JSON text frames. The stream ends
// when the role is disconnected or the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	role, err := connmgr.ParseRole(r.PathValue("role"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	sub, err := s.conns.Subscribe(role, eventBuffer)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer sub.Close()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("api: event stream upgrade failed", "role", role, "err", err, trace.Attr(r.Context()))
		return
	}
	defer conn.Close()
	slog.Info("api: event stream opened", "role", role, "remote", r.RemoteAddr, trace.Attr(r.Context()))

	// Inbound frames are discarded; reading surfaces the peer's close.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingTime)
	defer ping.Stop()

	for {
		var frame any
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				closeStream(conn, "connection closed")
				return
			}
			frame = eventFrame{Type: "event", Role: role, Event: ev}
		case sc, ok := <-sub.States():
			if !ok {
				closeStream(conn, "connection closed")
				return
			}
			f := stateFrame{Type: "state", Role: role, State: sc.State, At: sc.At}
			if sc.Err != nil {
				f.Error = sc.Err.Error()
			}
			frame = f
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteMax)); err != nil {
				return
			}
			continue
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}

		conn.SetWriteDeadline(time.Now().Add(streamWriteMax))
		if err := conn.WriteJSON(frame); err != nil {
			slog.Debug("api: event stream write failed", "role", role, "err", err)
			return
		}
	}
}

func closeStream(conn *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}
