// Package gatewaytest provides an in-process agent gateway for tests. It
// speaks the handshake and the request/event framing, keeps a per-session
// chat history and answers the common read-only methods.
package gatewaytest

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/aetherhub/aether/common/spec/envelope"
)

// HandlerFunc answers one request. Returning handled=false falls through to
// the built-in methods.
type HandlerFunc func(method string, params json.RawMessage) (payload any, ferr *envelope.FrameError, handled bool)

// Options configures a Server.
type Options struct {
	// Token, when set, must match auth.token.
	Token string
	// ClientID, when set, must match client.id.
	ClientID string
	// Protocol is reported in the hello payload; zero selects 3.
	Protocol int
	// HTTPStatus answers plain (non-upgrade) GETs; zero selects 200.
	HTTPStatus int
	// SkipChallenge sends a non-challenge event where the challenge belongs.
	SkipChallenge bool
	// Silent lists methods that are never answered.
	Silent []string
	// Handler overrides individual methods.
	Handler HandlerFunc
	// Reply builds the assistant message appended after chat.send. A nil
	// result appends nothing. Defaults to an echo from "test-model".
	Reply func(text string) map[string]any
}

// Server is a fake gateway backed by httptest.
type Server struct {
	opts     Options
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu          sync.Mutex
	conns       map[*peer]struct{}
	connects    int
	attempts    int
	rejectCode  string
	lastConnect envelope.ConnectParams
	requests    []string
	history     map[string][]map[string]any
}

type peer struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (p *peer) send(f *envelope.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return p.ws.WriteMessage(websocket.TextMessage, data)
}

// New starts a fake gateway on a loopback port.
func New(opts Options) *Server {
	if opts.Protocol == 0 {
		opts.Protocol = envelope.ProtocolVersion
	}
	if opts.HTTPStatus == 0 {
		opts.HTTPStatus = http.StatusOK
	}
	if opts.Reply == nil {
		opts.Reply = func(text string) map[string]any {
			return map[string]any{
				"role":    "assistant",
				"model":   "test-model",
				"content": []map[string]string{{"type": "text", "text": "echo: " + text}},
			}
		}
	}
	s := &Server{
		opts:     opts,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		conns:    make(map[*peer]struct{}),
		history:  make(map[string][]map[string]any),
	}
	s.srv = httptest.NewServer(s)
	return s
}

// URL is the ws:// endpoint.
func (s *Server) URL() string { return "ws://" + s.srv.Listener.Addr().String() }

// HTTPURL is the http:// endpoint.
func (s *Server) HTTPURL() string { return s.srv.URL }

// Host returns the listener's IP.
func (s *Server) Host() string {
	return s.srv.Listener.Addr().(*net.TCPAddr).IP.String()
}

// Port returns the listener's port.
func (s *Server) Port() int {
	return s.srv.Listener.Addr().(*net.TCPAddr).Port
}

// Close drops every connection and stops the listener.
func (s *Server) Close() {
	s.DropConnections()
	s.srv.Close()
}

// Connects returns how many handshakes succeeded.
func (s *Server) Connects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects
}

// Attempts returns how many connect requests arrived.
func (s *Server) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// LastConnect returns the params of the most recent connect request.
func (s *Server) LastConnect() envelope.ConnectParams {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastConnect
}

// Requests lists the methods received after the handshake, in order.
func (s *Server) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

// RejectAll makes every subsequent connect fail with code. An empty code
// restores normal authentication.
func (s *Server) RejectAll(code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectCode = code
}

// AppendHistory adds a raw message to a session's chat history.
func (s *Server) AppendHistory(sessionKey string, msg map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[sessionKey] = append(s.history[sessionKey], msg)
}

// Emit pushes an event to every connected client. A negative seq omits it.
func (s *Server) Emit(event string, payload any, seq int64) {
	f, err := envelope.NewEvent(event, payload, seq)
	if err != nil {
		return
	}
	for _, p := range s.peers() {
		_ = p.send(f)
	}
}

// DropConnections closes every socket without a close frame.
func (s *Server) DropConnections() {
	for _, p := range s.peers() {
		_ = p.ws.Close()
	}
}

func (s *Server) peers() []*peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*peer, 0, len(s.conns))
	for p := range s.conns {
		out = append(out, p)
	}
	return out
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		w.WriteHeader(s.opts.HTTPStatus)
		_, _ = w.Write([]byte("gateway"))
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.serve(&peer{ws: ws})
}

func (s *Server) serve(p *peer) {
	defer p.ws.Close()

	first := envelope.EventChallenge
	if s.opts.SkipChallenge {
		first = "tick"
	}
	challenge, _ := envelope.NewEvent(first, map[string]any{"nonce": uuid.NewString(), "ts": time.Now().UnixMilli()}, -1)
	if err := p.send(challenge); err != nil {
		return
	}

	_ = p.ws.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, data, err := p.ws.ReadMessage()
	if err != nil {
		return
	}
	_ = p.ws.SetReadDeadline(time.Time{})
	f, err := envelope.Parse(data)
	if err != nil || f.Type != envelope.TypeRequest || f.Method != envelope.MethodConnect {
		return
	}
	var params envelope.ConnectParams
	_ = json.Unmarshal(f.Params, &params)

	s.mu.Lock()
	s.attempts++
	s.lastConnect = params
	code, msg := s.authorize(params)
	if code == "" {
		s.connects++
		s.conns[p] = struct{}{}
	}
	s.mu.Unlock()

	if code != "" {
		_ = p.send(envelope.NewErrorResponse(f.ID, code, msg))
		return
	}
	defer func() {
		s.mu.Lock()
		delete(s.conns, p)
		s.mu.Unlock()
	}()

	hello, _ := envelope.NewResponse(f.ID, map[string]any{
		"protocol": s.opts.Protocol,
		"server":   map[string]any{"version": "test", "host": "gatewaytest"},
		"snapshot": map[string]any{"uptimeMs": 1},
	})
	if err := p.send(hello); err != nil {
		return
	}

	for {
		_, data, err := p.ws.ReadMessage()
		if err != nil {
			return
		}
		req, err := envelope.Parse(data)
		if err != nil || req.Type != envelope.TypeRequest {
			continue
		}
		s.mu.Lock()
		s.requests = append(s.requests, req.Method)
		s.mu.Unlock()
		go s.answer(p, req)
	}
}

// authorize must be called with s.mu held.
func (s *Server) authorize(p envelope.ConnectParams) (string, string) {
	switch {
	case s.rejectCode != "":
		return s.rejectCode, "connect rejected"
	case s.opts.Token != "" && p.Auth.Token != s.opts.Token:
		return "UNAUTHORIZED", "invalid gateway token"
	case s.opts.ClientID != "" && p.Client.ID != s.opts.ClientID:
		return "INVALID_REQUEST", "invalid client id " + p.Client.ID
	}
	return "", ""
}

func (s *Server) answer(p *peer, req *envelope.Frame) {
	for _, m := range s.opts.Silent {
		if m == req.Method {
			return
		}
	}
	if s.opts.Handler != nil {
		if payload, ferr, handled := s.opts.Handler(req.Method, req.Params); handled {
			s.respond(p, req.ID, payload, ferr)
			return
		}
	}
	payload, ferr := s.builtin(req.Method, req.Params)
	s.respond(p, req.ID, payload, ferr)
}

func (s *Server) respond(p *peer, id string, payload any, ferr *envelope.FrameError) {
	if ferr != nil {
		_ = p.send(envelope.NewErrorResponse(id, ferr.Code, ferr.Message))
		return
	}
	res, err := envelope.NewResponse(id, payload)
	if err != nil {
		_ = p.send(envelope.NewErrorResponse(id, "INTERNAL", err.Error()))
		return
	}
	_ = p.send(res)
}

type chatParams struct {
	SessionKey     string `json:"sessionKey"`
	IdempotencyKey string `json:"idempotencyKey"`
	Message        string `json:"message"`
}

func (s *Server) builtin(method string, raw json.RawMessage) (any, *envelope.FrameError) {
	var params chatParams
	_ = json.Unmarshal(raw, &params)

	switch method {
	case "health":
		return map[string]any{"ok": true}, nil
	case "status":
		s.mu.Lock()
		n := len(s.history)
		s.mu.Unlock()
		return map[string]any{"sessions": n}, nil
	case "agents.list":
		return map[string]any{"agents": []map[string]string{{"id": "main"}}}, nil
	case "sessions.list":
		return map[string]any{"sessions": []map[string]string{{"key": "agent:main:main"}}}, nil
	case "models.list":
		return map[string]any{"models": []map[string]string{{"id": "test-model"}}}, nil
	case "chat.history":
		s.mu.Lock()
		msgs := append([]map[string]any{}, s.history[params.SessionKey]...)
		s.mu.Unlock()
		return map[string]any{"sessionKey": params.SessionKey, "messages": msgs}, nil
	case "chat.send":
		if strings.TrimSpace(params.Message) == "" {
			return nil, &envelope.FrameError{Code: "INVALID_REQUEST", Message: "message is required"}
		}
		if params.IdempotencyKey == "" {
			return nil, &envelope.FrameError{Code: "INVALID_REQUEST", Message: "idempotencyKey is required"}
		}
		s.mu.Lock()
		s.history[params.SessionKey] = append(s.history[params.SessionKey],
			map[string]any{"role": "user", "content": params.Message})
		if reply := s.opts.Reply(params.Message); reply != nil {
			s.history[params.SessionKey] = append(s.history[params.SessionKey], reply)
		}
		s.mu.Unlock()
		return map[string]any{"status": "started", "runId": uuid.NewString()}, nil
	case "chat.abort":
		return map[string]any{"ok": true, "aborted": true}, nil
	}
	return nil, &envelope.FrameError{Code: "UNKNOWN_METHOD", Message: "unknown method " + method}
}
