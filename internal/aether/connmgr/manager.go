// Package connmgr holds the orchestrator's gateway connections: at most one
// client per role, where "local" chats with a deployment launched on this
// host and "remote" talks to an externally reachable gateway.
package connmgr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aetherhub/aether/common/naming"
	"github.com/aetherhub/aether/common/retry"
	"github.com/aetherhub/aether/common/spec/envelope"
	"github.com/aetherhub/aether/common/trace"
	"github.com/aetherhub/aether/internal/aether/audit"
	"github.com/aetherhub/aether/internal/aether/gateway"
	"github.com/aetherhub/aether/internal/aether/health"
	"github.com/aetherhub/aether/internal/aether/metrics"
)

// Role names a connection slot.
type Role string

const (
	RoleLocal  Role = "local"
	RoleRemote Role = "remote"
)

var (
	// ErrNotConnected is returned when the role has no live client.
	ErrNotConnected = errors.New("not connected")
	// ErrUnknownRole is returned for roles other than local and remote.
	ErrUnknownRole = errors.New("unknown connection role")
	// ErrInvalidRemote is returned for unusable remote gateway settings.
	ErrInvalidRemote = errors.New("invalid remote gateway settings")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("connection manager closed")
)

// ParseRole validates a role name.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleLocal, RoleRemote:
		return Role(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownRole, s)
}

// Endpoints resolves a running deployment's gateway address and token.
type Endpoints interface {
	Endpoint(ctx context.Context, deploymentID string) (health.Endpoint, error)
}

// RemoteConfig describes an external gateway.
type RemoteConfig struct {
	URL        string `json:"url" yaml:"url"`
	Token      string `json:"token" yaml:"token"`
	SessionKey string `json:"session_key,omitempty" yaml:"session_key"`
	// CFClientID and CFClientSecret are Cloudflare Access service-token
	// credentials, sent only when both are set.
	CFClientID     string `json:"cf_client_id,omitempty" yaml:"cf_client_id"`
	CFClientSecret string `json:"cf_client_secret,omitempty" yaml:"cf_client_secret"`
}

// Config tunes the clients the manager creates.
type Config struct {
	// LocalReconnect and RemoteReconnect are per-role reconnect policies;
	// zero values select gateway.DefaultReconnect.
	LocalReconnect  retry.Config
	RemoteReconnect retry.Config
	RequestTimeout  time.Duration
	Chat            gateway.ChatOptions
	// LocalName and RemoteName label agent messages when no session name
	// applies.
	LocalName  string
	RemoteName string
}

// Deps are the manager's collaborators.
type Deps struct {
	Endpoints Endpoints
	Notifier  audit.Notifier
	Metrics   *metrics.Metrics
}

type conn struct {
	role         Role
	client       *gateway.Client
	session      *gateway.Session
	deploymentID string
	sessionName  string
	port         int
	watchDone    chan struct{}
}

// Manager is the role-keyed connection registry.
type Manager struct {
	cfg       Config
	endpoints Endpoints
	notifier  audit.Notifier
	metrics   *metrics.Metrics

	// opMu serializes connect and disconnect so a role is always torn down
	// before it is replaced.
	opMu sync.Mutex

	mu     sync.RWMutex
	conns  map[Role]*conn
	closed bool
}

// New creates an empty Manager.
func New(cfg Config, deps Deps) *Manager {
	if cfg.LocalName == "" {
		cfg.LocalName = "Deployed Agent"
	}
	if cfg.RemoteName == "" {
		cfg.RemoteName = "Remote Agent"
	}
	if deps.Notifier == nil {
		deps.Notifier = audit.Noop{}
	}
	return &Manager{
		cfg:       cfg,
		endpoints: deps.Endpoints,
		notifier:  deps.Notifier,
		metrics:   deps.Metrics,
		conns:     make(map[Role]*conn),
	}
}

// ConnectLocal connects the local role to a running deployment, replacing
// any previous local connection. An empty sessionName is generated.
func (m *Manager) ConnectLocal(ctx context.Context, deploymentID, sessionName string) (*Info, error) {
	if m.endpoints == nil {
		return nil, fmt.Errorf("connmgr: no deployment source configured")
	}
	ep, err := m.endpoints.Endpoint(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	if sessionName == "" {
		sessionName = naming.Generate()
	}
	cfg := gateway.Config{
		URL:            gateway.LocalURL(ep.Host, ep.Port),
		Token:          ep.Token,
		ClientID:       envelope.ClientIDLocal,
		SessionKey:     gateway.DefaultSessionKey,
		Name:           string(RoleLocal),
		RequestTimeout: m.cfg.RequestTimeout,
		Reconnect:      m.cfg.LocalReconnect,
	}
	c := &conn{role: RoleLocal, deploymentID: deploymentID, sessionName: sessionName, port: ep.Port}
	if err := m.connect(ctx, c, cfg); err != nil {
		return nil, fmt.Errorf("connect to deployment %s at %s: %w", deploymentID, cfg.URL, err)
	}
	slog.Info("connmgr: connected to deployment", "deployment", deploymentID, "url", cfg.URL, "session", sessionName, trace.Attr(ctx))
	return m.Info(ctx, RoleLocal)
}

// ConnectRemote connects the remote role to an external gateway, replacing
// any previous remote connection.
func (m *Manager) ConnectRemote(ctx context.Context, rc RemoteConfig) (*Info, error) {
	url, err := gateway.NormalizeURL(rc.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRemote, err)
	}
	if rc.Token == "" {
		return nil, fmt.Errorf("%w: token is required", ErrInvalidRemote)
	}
	cfg := gateway.Config{
		URL:            url,
		Token:          rc.Token,
		ClientID:       envelope.ClientIDRemote,
		SessionKey:     rc.SessionKey,
		Headers:        gateway.AccessHeaders(rc.CFClientID, rc.CFClientSecret),
		Name:           string(RoleRemote),
		RequestTimeout: m.cfg.RequestTimeout,
		Reconnect:      m.cfg.RemoteReconnect,
	}
	c := &conn{role: RoleRemote}
	if err := m.connect(ctx, c, cfg); err != nil {
		return nil, fmt.Errorf("connect to remote gateway %s: %w", url, err)
	}
	slog.Info("connmgr: connected to remote gateway", "url", url, trace.Attr(ctx))
	return m.Info(ctx, RoleRemote)
}

// connect tears down c.role, then dials a fresh client and installs it.
func (m *Manager) connect(ctx context.Context, c *conn, cfg gateway.Config) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	m.teardown(ctx, c.role, false)

	cfg.Observer = m.metrics.Gateway(string(c.role))
	client, err := gateway.New(cfg)
	if err != nil {
		return err
	}
	states := client.Subscribe(0)
	sess, err := client.Connect(ctx)
	if err != nil {
		client.Close()
		return err
	}
	c.client = client
	c.session = sess
	c.watchDone = make(chan struct{})
	go m.watch(c, states)

	m.mu.Lock()
	m.conns[c.role] = c
	m.mu.Unlock()

	m.notifier.Notify(ctx, audit.Event{
		Kind:    audit.KindGatewayConnected,
		Target:  string(c.role),
		Message: fmt.Sprintf("connected to %s (protocol %d)", cfg.URL, sess.Protocol),
	})
	return nil
}

// watch follows one client's state changes until the client is closed.
func (m *Manager) watch(c *conn, sub *gateway.Subscription) {
	defer close(c.watchDone)
	ctx := context.Background()
	for {
		select {
		case _, ok := <-sub.Events():
			if !ok {
				return
			}
		case sc, ok := <-sub.States():
			if !ok {
				return
			}
			switch {
			case sc.State == gateway.StateConnected && sc.Session != nil:
				m.mu.Lock()
				c.session = sc.Session
				m.mu.Unlock()
			case sc.State == gateway.StateReconnecting && sc.Err != nil:
				slog.Warn("connmgr: connection lost, reconnecting", "role", c.role, "err", sc.Err)
			case sc.State == gateway.StateDisconnected && sc.Err != nil:
				slog.Error("connmgr: connection lost", "role", c.role, "err", sc.Err)
				m.notifier.Notify(ctx, audit.Event{
					Kind:    audit.KindGatewayLost,
					Target:  string(c.role),
					Message: sc.Err.Error(),
				})
			}
		}
	}
}

// Disconnect closes the role's client. Disconnecting an idle role is a
// no-op.
func (m *Manager) Disconnect(ctx context.Context, role Role) error {
	if _, err := ParseRole(string(role)); err != nil {
		return err
	}
	m.opMu.Lock()
	defer m.opMu.Unlock()
	m.teardown(ctx, role, true)
	return nil
}

// teardown must be called with opMu held.
func (m *Manager) teardown(ctx context.Context, role Role, announce bool) {
	m.mu.Lock()
	c := m.conns[role]
	delete(m.conns, role)
	m.mu.Unlock()
	if c == nil {
		return
	}
	c.client.Close()
	<-c.watchDone
	slog.Info("connmgr: disconnected", "role", role, "session", c.sessionName)
	if announce {
		m.notifier.Notify(ctx, audit.Event{Kind: audit.KindGatewayDisconnected, Target: string(role), Message: "disconnected"})
	}
}

// Close disconnects every role. Later connects fail with ErrClosed.
func (m *Manager) Close() {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	for _, r := range []Role{RoleLocal, RoleRemote} {
		m.teardown(context.Background(), r, false)
	}
}

// Info describes a role's connection.
type Info struct {
	Role          Role            `json:"role"`
	Connected     bool            `json:"connected"`
	State         gateway.State   `json:"state"`
	URL           string          `json:"url,omitempty"`
	DeploymentID  string          `json:"deployment_id,omitempty"`
	SessionName   string          `json:"session_name,omitempty"`
	Port          int             `json:"port,omitempty"`
	SessionKey    string          `json:"session_key,omitempty"`
	SessionID     string          `json:"session_id,omitempty"`
	Protocol      int             `json:"protocol,omitempty"`
	Server        json.RawMessage `json:"server,omitempty"`
	Health        json.RawMessage `json:"health,omitempty"`
	ConnectedAt   *time.Time      `json:"connected_at,omitempty"`
	SequenceGaps  int64           `json:"sequence_gaps"`
	DroppedEvents int64           `json:"dropped_events"`
}

// Info reports the role's state. A connected role is asked for its health,
// which is omitted when the request fails.
func (m *Manager) Info(ctx context.Context, role Role) (*Info, error) {
	if _, err := ParseRole(string(role)); err != nil {
		return nil, err
	}
	c := m.get(role)
	if c == nil {
		return &Info{Role: role, State: gateway.StateDisconnected}, nil
	}

	m.mu.RLock()
	sess := c.session
	m.mu.RUnlock()

	state := c.client.State()
	info := &Info{
		Role:          role,
		Connected:     state == gateway.StateConnected,
		State:         state,
		URL:           c.client.URL(),
		DeploymentID:  c.deploymentID,
		SessionName:   c.sessionName,
		Port:          c.port,
		SessionKey:    c.client.SessionKey(),
		SequenceGaps:  c.client.SequenceGaps(),
		DroppedEvents: c.client.DroppedEvents(),
	}
	if sess != nil {
		info.SessionID = sess.ID
		info.Protocol = sess.Protocol
		info.Server = sess.Server
		at := sess.ConnectedAt
		info.ConnectedAt = &at
	}
	if info.Connected {
		if h, err := c.client.Health(ctx); err == nil {
			info.Health = h
		} else {
			slog.Debug("connmgr: health request failed", "role", role, "err", err)
		}
	}
	return info, nil
}

func (m *Manager) get(role Role) *conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conns[role]
}

// live returns the role's client when it is connected.
func (m *Manager) live(role Role) (*conn, error) {
	if _, err := ParseRole(string(role)); err != nil {
		return nil, err
	}
	c := m.get(role)
	if c == nil || c.client.State() != gateway.StateConnected {
		return nil, fmt.Errorf("%s: %w", role, ErrNotConnected)
	}
	return c, nil
}

// Subscribe attaches a listener to the role's client. It survives the
// client's own reconnects and is closed when the role is torn down.
func (m *Manager) Subscribe(role Role, buffer int) (*gateway.Subscription, error) {
	if _, err := ParseRole(string(role)); err != nil {
		return nil, err
	}
	c := m.get(role)
	if c == nil {
		return nil, fmt.Errorf("%s: %w", role, ErrNotConnected)
	}
	return c.client.Subscribe(buffer), nil
}

// Request forwards a raw RPC to the role's gateway.
func (m *Manager) Request(ctx context.Context, role Role, method string, params any) (json.RawMessage, error) {
	c, err := m.live(role)
	if err != nil {
		return nil, err
	}
	return c.client.Request(ctx, method, params)
}
