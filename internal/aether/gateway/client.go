// Package gateway is the client side of the agent gateway's WebSocket RPC
// protocol: handshake, request/response correlation, event fan-out,
// keepalive and automatic reconnection.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/aetherhub/aether/common/retry"
	"github.com/aetherhub/aether/common/spec/envelope"
	"github.com/aetherhub/aether/common/trace"
	"github.com/aetherhub/aether/common/version"
	"github.com/aetherhub/aether/internal/aether/faults"
)

// DefaultSessionKey addresses the main agent's main session.
const DefaultSessionKey = "agent:main:main"

const maxFrameBytes = 16 << 20

var (
	// ErrNotConnected is returned by Request when no session is live.
	ErrNotConnected = errors.New("gateway: not connected")
	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("gateway: client closed")
	// ErrConnectInProgress is returned when Connect races another attempt.
	ErrConnectInProgress = errors.New("gateway: connect already in progress")
)

// State is the connection state of a Client.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText parses a name produced by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	for st := StateDisconnected; st <= StateReconnecting; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("gateway: unknown state %q", text)
}

// Config configures a Client.
type Config struct {
	// URL is the ws:// or wss:// endpoint. Use NormalizeURL for operator input.
	URL   string
	Token string
	// ClientID is presented in the handshake; see envelope.ClientIDLocal and
	// envelope.ClientIDRemote.
	ClientID   string
	SessionKey string
	// InstanceID identifies this process to the gateway; generated if empty.
	InstanceID string
	Headers    http.Header
	UserAgent  string
	// Name labels log lines ("local", "remote").
	Name string

	HandshakeTimeout time.Duration
	DialTimeout      time.Duration
	RequestTimeout   time.Duration
	PingInterval     time.Duration
	PongTimeout      time.Duration
	EventQueueSize   int

	Reconnect        retry.Config
	DisableReconnect bool

	Dialer   *websocket.Dialer
	Observer Observer
}

// DefaultReconnect is the reconnect policy used when Config.Reconnect is
// zero: ten attempts starting at one second, growing 1.5x up to 30s.
var DefaultReconnect = retry.Config{
	MaxAttempts:  10,
	InitialDelay: time.Second,
	MaxDelay:     30 * time.Second,
	Multiplier:   1.5,
}

func (c *Config) applyDefaults() {
	if c.SessionKey == "" {
		c.SessionKey = DefaultSessionKey
	}
	if c.InstanceID == "" {
		c.InstanceID = uuid.NewString()
	}
	if c.UserAgent == "" {
		c.UserAgent = version.UserAgent()
	}
	if c.Name == "" {
		c.Name = c.ClientID
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 15 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 20 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 10 * time.Second
	}
	if c.EventQueueSize <= 0 {
		c.EventQueueSize = 500
	}
	if c.Reconnect.MaxAttempts <= 0 {
		c.Reconnect = DefaultReconnect
	}
	if c.Observer == nil {
		c.Observer = nopObserver{}
	}
}

// Session describes one successful handshake. Every reconnect yields a new
// Session with a fresh ID.
type Session struct {
	ID          string          `json:"id"`
	SessionKey  string          `json:"session_key"`
	Protocol    int             `json:"protocol_version"`
	ClientID    string          `json:"client_id"`
	Server      json.RawMessage `json:"server,omitempty"`
	Snapshot    json.RawMessage `json:"-"`
	ConnectedAt time.Time       `json:"connected_at"`
}

type result struct {
	payload json.RawMessage
	err     error
}

type pendingRequest struct {
	method   string
	sentAt   time.Time
	deadline time.Time
	// done is buffered; whoever removes the entry from the pending map is
	// the only writer.
	done chan result
}

// link is one live socket. It is replaced, never reused, on reconnect.
type link struct {
	conn *websocket.Conn
	done chan struct{}
	once sync.Once
}

func (l *link) close() {
	l.once.Do(func() {
		close(l.done)
		_ = l.conn.Close()
	})
}

// Client maintains one authenticated gateway connection.
type Client struct {
	cfg Config
	obs Observer

	mu      sync.Mutex
	state   State
	link    *link
	session *Session
	pending map[string]*pendingRequest
	lastSeq int64
	haveSeq bool
	gaps    int64
	closed  bool

	writeMu sync.Mutex

	events     *eventQueue
	subsMu     sync.Mutex
	subs       map[*Subscription]struct{}
	subsClosed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a disconnected Client. Call Connect to establish a session.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("gateway: url is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("gateway: client id is required")
	}
	cfg.applyDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:     cfg,
		obs:     cfg.Observer,
		pending: make(map[string]*pendingRequest),
		events:  newEventQueue(cfg.EventQueueSize),
		subs:    make(map[*Subscription]struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	c.wg.Add(1)
	go c.dispatch()
	return c, nil
}

// URL returns the endpoint the client dials.
func (c *Client) URL() string { return c.cfg.URL }

// ClientID returns the handshake client id.
func (c *Client) ClientID() string { return c.cfg.ClientID }

// SessionKey returns the chat session key used by the chat helpers.
func (c *Client) SessionKey() string { return c.cfg.SessionKey }

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Session returns the live session, or nil when not connected.
func (c *Client) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// SequenceGaps returns how many event sequence gaps have been observed.
func (c *Client) SequenceGaps() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gaps
}

// DroppedEvents returns how many events the queue discarded because it was
// full.
func (c *Client) DroppedEvents() int64 { return c.events.droppedCount() }

// Connect dials and authenticates. It returns the live session immediately
// when already connected.
func (c *Client) Connect(ctx context.Context) (*Session, error) {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return nil, ErrClosed
	case c.state == StateConnected:
		s := c.session
		c.mu.Unlock()
		return s, nil
	case c.state != StateDisconnected:
		c.mu.Unlock()
		return nil, ErrConnectInProgress
	}
	c.state = StateConnecting
	c.mu.Unlock()
	c.notify(StateConnecting, nil, nil)

	slog.Info("gateway: connecting", "name", c.cfg.Name, "url", c.cfg.URL, "client_id", c.cfg.ClientID)
	sess, err := c.establish(ctx)
	if err != nil {
		slog.Warn("gateway: connect failed", "name", c.cfg.Name, "url", c.cfg.URL, "err", err)
		c.setState(StateDisconnected, err)
		return nil, err
	}
	return sess, nil
}

// establish dials, runs the handshake and installs the new link.
func (c *Client) establish(ctx context.Context) (*Session, error) {
	conn, err := dial(ctx, c.cfg.Dialer, c.cfg.URL, c.cfg.Headers, c.cfg.DialTimeout)
	if err != nil {
		return nil, err
	}
	c.setState(StateAuthenticating, nil)

	params := envelope.NewConnectParams(c.cfg.ClientID, c.cfg.InstanceID, c.cfg.Token, c.cfg.UserAgent)
	hello, err := handshake(ctx, conn, params, c.cfg.HandshakeTimeout)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	sess := &Session{
		ID:          uuid.NewString(),
		SessionKey:  c.cfg.SessionKey,
		Protocol:    hello.Protocol,
		ClientID:    c.cfg.ClientID,
		Server:      hello.Server,
		Snapshot:    hello.Snapshot,
		ConnectedAt: time.Now().UTC(),
	}
	l := &link{conn: conn, done: make(chan struct{})}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return nil, ErrClosed
	}
	c.link = l
	c.session = sess
	c.haveSeq = false
	c.state = StateConnected
	c.wg.Add(2)
	c.mu.Unlock()

	go c.readLoop(l)
	go c.keepalive(l)

	slog.Info("gateway: connected",
		"name", c.cfg.Name,
		"session", sess.ID,
		"protocol", sess.Protocol,
		"client_id", sess.ClientID,
	)
	c.notify(StateConnected, nil, sess)
	return sess, nil
}

// setState moves to s and notifies listeners when the state changed.
func (c *Client) setState(s State, cause error) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	sess := c.session
	c.mu.Unlock()
	if prev == s {
		return
	}
	c.notify(s, cause, sess)
}

func (c *Client) notify(s State, cause error, sess *Session) {
	c.obs.StateChanged(s)
	c.fanoutState(StateChange{State: s, Err: cause, Session: sess, At: time.Now().UTC()})
}

// Request sends one req frame and waits for the matching res. Only this
// call fails on timeout; the connection stays up.
func (c *Client) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := trace.NewRequestID()
	f, err := envelope.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", method, err)
	}

	timeout := c.cfg.RequestTimeout
	now := time.Now()
	p := &pendingRequest{method: method, sentAt: now, deadline: now.Add(timeout), done: make(chan result, 1)}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	l := c.link
	if l == nil || c.state != StateConnected {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.pending[id] = p
	c.mu.Unlock()

	if err := c.write(l, data); err != nil {
		if c.take(id) == nil {
			r := <-p.done
			return r.payload, r.err
		}
		c.obs.RequestDone(method, time.Since(now), err)
		return nil, faults.Wrap(faults.ReasonConnection, err, "send "+method)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var r result
	select {
	case r = <-p.done:
	case <-timer.C:
		if c.take(id) == nil {
			r = <-p.done
			break
		}
		r.err = fmt.Errorf("gateway %s after %s: %w", method, timeout, faults.ErrRequestTimeout)
		slog.Warn("gateway: request timed out", "name", c.cfg.Name, "method", method, "id", id, trace.Attr(ctx))
	case <-ctx.Done():
		if c.take(id) == nil {
			r = <-p.done
			break
		}
		r.err = ctx.Err()
	}
	c.obs.RequestDone(method, time.Since(now), r.err)
	return r.payload, r.err
}

// take removes a pending request and returns it, or nil if another party
// already completed it.
func (c *Client) take(id string) *pendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return p
}

func (c *Client) write(l *link, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = l.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return l.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) readWindow() time.Duration {
	return c.cfg.PingInterval + c.cfg.PongTimeout
}

func (c *Client) readLoop(l *link) {
	defer c.wg.Done()

	l.conn.SetReadLimit(maxFrameBytes)
	_ = l.conn.SetReadDeadline(time.Now().Add(c.readWindow()))
	l.conn.SetPongHandler(func(string) error {
		return l.conn.SetReadDeadline(time.Now().Add(c.readWindow()))
	})

	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			c.handleDrop(l, err)
			return
		}
		_ = l.conn.SetReadDeadline(time.Now().Add(c.readWindow()))

		f, err := envelope.Parse(data)
		if err != nil {
			slog.Warn("gateway: dropping malformed frame", "name", c.cfg.Name, "err", err)
			continue
		}
		switch f.Type {
		case envelope.TypeResponse:
			c.resolve(f)
		case envelope.TypeEvent:
			c.receiveEvent(f)
		default:
			slog.Debug("gateway: ignoring frame", "name", c.cfg.Name, "type", f.Type, "method", f.Method)
		}
	}
}

func (c *Client) resolve(f *envelope.Frame) {
	p := c.take(f.ID)
	if p == nil {
		slog.Debug("gateway: response for unknown request", "name", c.cfg.Name, "id", f.ID)
		return
	}
	if f.Succeeded() {
		p.done <- result{payload: f.Payload}
		return
	}
	remote := &faults.RemoteError{Method: p.method, Code: "UNKNOWN", Message: "request failed"}
	if f.Error != nil {
		remote.Code, remote.Message = f.Error.Code, f.Error.Message
	}
	p.done <- result{err: remote}
}

func (c *Client) receiveEvent(f *envelope.Frame) {
	ev := Event{Name: f.Event, Payload: f.Payload, Received: time.Now().UTC()}
	if f.Seq != nil {
		ev.Seq, ev.HasSeq = *f.Seq, true
		c.checkSeq(ev.Seq)
	}
	c.obs.EventReceived(ev.Name)
	if c.events.push(ev) {
		c.obs.EventDropped()
		slog.Debug("gateway: event queue full, dropped oldest", "name", c.cfg.Name)
	}
}

// checkSeq records gaps in the per-connection event sequence.
func (c *Client) checkSeq(seq int64) {
	c.mu.Lock()
	last, have := c.lastSeq, c.haveSeq
	var missing int64
	if have && seq > last+1 {
		missing = seq - last - 1
		c.gaps++
	}
	if !have || seq > last {
		c.lastSeq, c.haveSeq = seq, true
	}
	c.mu.Unlock()

	if missing == 0 {
		return
	}
	c.obs.SequenceGap(missing)
	if missing > 100 {
		slog.Error("gateway: large event sequence gap", "name", c.cfg.Name, "last", last, "seq", seq, "missing", missing)
		return
	}
	slog.Warn("gateway: event sequence gap", "name", c.cfg.Name, "last", last, "seq", seq, "missing", missing)
}

func (c *Client) keepalive(l *link) {
	defer c.wg.Done()
	t := time.NewTicker(c.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-c.ctx.Done():
			return
		case <-t.C:
			if err := l.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.PongTimeout)); err != nil {
				slog.Warn("gateway: ping failed", "name", c.cfg.Name, "err", err)
				l.close()
				return
			}
		}
	}
}

// handleDrop tears down l after an unexpected read error and starts the
// reconnect loop.
func (c *Client) handleDrop(l *link, cause error) {
	c.mu.Lock()
	if c.link != l {
		c.mu.Unlock()
		l.close()
		return
	}
	c.link = nil
	c.session = nil
	pending := c.pending
	c.pending = make(map[string]*pendingRequest)
	closed := c.closed
	c.mu.Unlock()
	l.close()

	lost := fmt.Errorf("%w: %v", faults.ErrConnectionLost, cause)
	rejectAll(pending, lost)
	if closed {
		return
	}

	if websocket.IsCloseError(cause, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		slog.Info("gateway: connection closed by peer", "name", c.cfg.Name, "err", cause, "pending", len(pending))
	} else {
		slog.Warn("gateway: connection lost", "name", c.cfg.Name, "err", cause, "pending", len(pending))
	}

	if c.cfg.DisableReconnect || c.ctx.Err() != nil {
		c.setState(StateDisconnected, lost)
		return
	}
	c.setState(StateReconnecting, lost)
	c.wg.Add(1)
	go c.reconnect()
}

func (c *Client) reconnect() {
	defer c.wg.Done()

	policy := c.cfg.Reconnect
	policy.DelayFirst = true
	policy.OnRetry = func(attempt int, err error, next time.Duration) {
		slog.Warn("gateway: reconnect attempt failed",
			"name", c.cfg.Name, "attempt", attempt, "max", policy.MaxAttempts, "err", err, "next", next)
	}

	attempts := 0
	err := retry.Do(c.ctx, policy, func() error {
		attempts++
		_, err := c.establish(c.ctx)
		if err == nil {
			return nil
		}
		c.setState(StateReconnecting, err)
		if IsAuthError(err) || errors.Is(err, ErrClosed) {
			return retry.Permanent(err)
		}
		return err
	})
	if err == nil {
		slog.Info("gateway: reconnected", "name", c.cfg.Name, "attempts", attempts)
		return
	}
	if c.ctx.Err() != nil {
		return
	}
	slog.Error("gateway: giving up reconnecting", "name", c.cfg.Name, "attempts", attempts, "err", err)
	c.setState(StateDisconnected, fmt.Errorf("reconnect failed after %d attempts: %w", attempts, err))
}

func rejectAll(pending map[string]*pendingRequest, err error) {
	for _, p := range pending {
		p.done <- result{err: err}
	}
}

// Close disconnects, cancels any reconnection in progress, rejects pending
// requests and closes every subscription. The client cannot be reused.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	l := c.link
	c.link = nil
	c.session = nil
	pending := c.pending
	c.pending = make(map[string]*pendingRequest)
	c.mu.Unlock()

	c.cancel()
	if l != nil {
		_ = l.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing"),
			time.Now().Add(time.Second))
		l.close()
	}
	rejectAll(pending, fmt.Errorf("%w: client closed", faults.ErrConnectionLost))
	c.setState(StateDisconnected, nil)

	c.wg.Wait()
	c.closeSubscriptions()
	slog.Info("gateway: disconnected", "name", c.cfg.Name, "url", c.cfg.URL)
	return nil
}
