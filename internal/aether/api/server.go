// Package api serves the HTTP surface: deployment lifecycle routes, chat
// through the local and remote gateway connections, a WebSocket stream of
// gateway events, and the /health, /status and /metrics endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/aetherhub/aether/common/spec/deployfields"
	"github.com/aetherhub/aether/common/version"
	"github.com/aetherhub/aether/internal/aether/connmgr"
	"github.com/aetherhub/aether/internal/aether/deploy"
	"github.com/aetherhub/aether/internal/aether/gateway"
	"github.com/aetherhub/aether/internal/aether/health"
	"github.com/aetherhub/aether/internal/aether/logbuf"
	"github.com/aetherhub/aether/internal/aether/metrics"
)

const maxBodyBytes = 1 << 20

// Deployer is the part of deploy.Manager the API drives.
type Deployer interface {
	FieldSchema() deployfields.Schema
	Configure(ctx context.Context, fields deployfields.Values) (*deploy.Deployment, error)
	Launch(ctx context.Context, id string) (*deploy.Deployment, error)
	Stop(ctx context.Context, id string) (*deploy.Deployment, error)
	Remove(ctx context.Context, id string) error
	Status(ctx context.Context, id string) (*deploy.StatusReport, error)
	Logs(ctx context.Context, id string, tail int) ([]logbuf.Entry, error)
	List(ctx context.Context) ([]*deploy.Deployment, error)
	GatewayHealth(ctx context.Context, id string) (health.Result, error)
}

// Connections is the part of connmgr.Manager the API drives.
type Connections interface {
	ConnectLocal(ctx context.Context, deploymentID, sessionName string) (*connmgr.Info, error)
	ConnectRemote(ctx context.Context, rc connmgr.RemoteConfig) (*connmgr.Info, error)
	Disconnect(ctx context.Context, role connmgr.Role) error
	Info(ctx context.Context, role connmgr.Role) (*connmgr.Info, error)
	Send(ctx context.Context, role connmgr.Role, content string) (*connmgr.ChatMessage, error)
	History(ctx context.Context, role connmgr.Role) ([]connmgr.ChatMessage, error)
	Subscribe(role connmgr.Role, buffer int) (*gateway.Subscription, error)
}

// Config holds the server's settings.
type Config struct {
	Addr string
	// SendRate is the sustained chat sends per second allowed per role;
	// zero disables limiting.
	SendRate  float64
	SendBurst int
	// AllowedOrigins lists the Origin values accepted on the event stream.
	// Same-host origins are always accepted; "*" accepts any.
	AllowedOrigins []string
}

// Deps are the server's collaborators. Metrics and Gatherer may be nil.
type Deps struct {
	Deployer    Deployer
	Connections Connections
	Metrics     *metrics.Metrics
	Gatherer    prometheus.Gatherer
}

// Server routes API requests. It is an http.Handler, so tests can drive it
// without a listener.
type Server struct {
	cfg       Config
	deploy    Deployer
	conns     Connections
	metrics   *metrics.Metrics
	gatherer  prometheus.Gatherer
	limiters  map[connmgr.Role]*rate.Limiter
	upgrader  websocket.Upgrader
	startedAt time.Time
	mux       *http.ServeMux
	server    *http.Server
}

// New builds the server and registers every route.
func New(cfg Config, deps Deps) *Server {
	s := &Server{
		cfg:       cfg,
		deploy:    deps.Deployer,
		conns:     deps.Connections,
		metrics:   deps.Metrics,
		gatherer:  deps.Gatherer,
		limiters:  map[connmgr.Role]*rate.Limiter{},
		startedAt: time.Now(),
		mux:       http.NewServeMux(),
	}
	if cfg.SendRate > 0 {
		burst := cfg.SendBurst
		if burst < 1 {
			burst = 1
		}
		for _, role := range []connmgr.Role{connmgr.RoleLocal, connmgr.RoleRemote} {
			s.limiters[role] = rate.NewLimiter(rate.Limit(cfg.SendRate), burst)
		}
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  4096,
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin:      s.checkOrigin,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.handle("GET /health", s.handleHealth)
	s.handle("GET /status", s.handleStatus)
	if s.gatherer != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	s.handle("GET /api/deploy/schema", s.handleSchema)
	s.handle("POST /api/deploy/configure", s.handleConfigure)
	s.handle("POST /api/deploy/launch", s.handleLaunch)
	s.handle("POST /api/deploy/stop", s.handleStop)
	s.handle("DELETE /api/deploy/{id}", s.handleRemove)
	s.handle("GET /api/deploy/status/{id}", s.handleDeployStatus)
	s.handle("GET /api/deploy/logs/{id}", s.handleLogs)
	s.handle("GET /api/deploy/list", s.handleList)
	s.handle("GET /api/deploy/gateway-health/{id}", s.handleGatewayHealth)

	s.handle("POST /api/deploy-chat/connect", s.handleLocalConnect)
	s.handle("POST /api/deploy-chat/disconnect", s.disconnect(connmgr.RoleLocal))
	s.handle("GET /api/deploy-chat/status", s.handleLocalStatus)
	s.handle("POST /api/deploy-chat/send", s.withSendLimit(connmgr.RoleLocal, s.send(connmgr.RoleLocal)))
	s.handle("GET /api/deploy-chat/history", s.history(connmgr.RoleLocal))

	s.handle("POST /api/remote/connect", s.handleRemoteConnect)
	s.handle("POST /api/remote/disconnect", s.disconnect(connmgr.RoleRemote))
	s.handle("GET /api/remote/status", s.handleRemoteStatus)
	s.handle("POST /api/remote/send", s.withSendLimit(connmgr.RoleRemote, s.send(connmgr.RoleRemote)))
	s.handle("GET /api/remote/history", s.history(connmgr.RoleRemote))

	s.handle("GET /api/events/{role}", s.handleEvents)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Start begins listening in the background. It returns once the listener
// is open, and shuts the server down when ctx is cancelled.
func (s *Server) Start(ctx context.Context) (net.Addr, error) {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("api: listen %s: %w", s.cfg.Addr, err)
	}

	// No write timeout: chat sends wait for the agent and event streams
	// stay open.
	s.server = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("api: listening", "addr", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("api: server stopped", "err", err)
		}
	}()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	return ln.Addr(), nil
}

// Stop shuts down the HTTP server.
func (s *Server) Stop() {
	if s.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		slog.Warn("api: shutdown error", "err", err)
	}
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:  "ok",
		Version: version.Version,
		Commit:  version.GitCommit,
	})
}

type statusResponse struct {
	Status      string                `json:"status"`
	Version     string                `json:"version"`
	Commit      string                `json:"commit"`
	BuildTime   string                `json:"build_time"`
	StartedAt   time.Time             `json:"started_at"`
	UptimeSecs  float64               `json:"uptime_seconds"`
	Deployments map[string]int        `json:"deployments"`
	Connections map[connmgr.Role]bool `json:"connections"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Status:      "ok",
		Version:     version.Version,
		Commit:      version.GitCommit,
		BuildTime:   version.BuildTime,
		StartedAt:   s.startedAt,
		UptimeSecs:  time.Since(s.startedAt).Seconds(),
		Deployments: map[string]int{},
		Connections: map[connmgr.Role]bool{},
	}
	if list, err := s.deploy.List(r.Context()); err == nil {
		for _, d := range list {
			resp.Deployments[string(d.Status)]++
		}
	} else {
		slog.Warn("api: list deployments for status", "err", err)
	}
	for _, role := range []connmgr.Role{connmgr.RoleLocal, connmgr.RoleRemote} {
		resp.Connections[role] = s.connected(r.Context(), role)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) connected(ctx context.Context, role connmgr.Role) bool {
	info, err := s.conns.Info(ctx, role)
	return err == nil && info.Connected
}

// writeJSON serialises v as JSON and writes it to w with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("api: failed to encode JSON response", "err", err)
	}
}

// decode reads a JSON request body into v.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}
