package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aetherhub/aether/common/spec/deployfields"
	"github.com/aetherhub/aether/internal/aether/connmgr"
	"github.com/aetherhub/aether/internal/aether/deploy"
	"github.com/aetherhub/aether/internal/aether/faults"
	"github.com/aetherhub/aether/internal/aether/gateway"
	"github.com/aetherhub/aether/internal/aether/health"
	"github.com/aetherhub/aether/internal/aether/logbuf"
	"github.com/aetherhub/aether/internal/aether/metrics"
)

type fakeDeployer struct {
	mu         sync.Mutex
	configured deployfields.Values
	tail       int
	deps       map[string]*deploy.Deployment
	launchErr  error
	entries    []logbuf.Entry
}

func newFakeDeployer() *fakeDeployer {
	return &fakeDeployer{deps: map[string]*deploy.Deployment{
		"abc123": {ID: "abc123", Name: "Silent Nova", Port: 23456, GatewayToken: "tok", Status: deploy.StatusConfigured},
	}}
}

func (f *fakeDeployer) get(id string) (*deploy.Deployment, error) {
	d, ok := f.deps[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, deploy.ErrNotFound)
	}
	return d, nil
}

func (f *fakeDeployer) FieldSchema() deployfields.Schema { return deployfields.Describe() }

func (f *fakeDeployer) Configure(_ context.Context, v deployfields.Values) (*deploy.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configured = v
	if _, err := deployfields.Validate(v); err != nil {
		return nil, faults.Configuration(err)
	}
	d := &deploy.Deployment{ID: "new1", Name: "Crimson Falcon", Port: 31000, GatewayToken: "secret", Status: deploy.StatusConfigured}
	f.deps[d.ID] = d
	return d, nil
}

func (f *fakeDeployer) Launch(_ context.Context, id string) (*deploy.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.launchErr != nil {
		return nil, f.launchErr
	}
	d, err := f.get(id)
	if err != nil {
		return nil, err
	}
	d.Status = deploy.StatusLaunching
	return d, nil
}

func (f *fakeDeployer) Stop(_ context.Context, id string) (*deploy.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, err := f.get(id)
	if err != nil {
		return nil, err
	}
	d.Status = deploy.StatusStopped
	return d, nil
}

func (f *fakeDeployer) Remove(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.get(id); err != nil {
		return err
	}
	delete(f.deps, id)
	return nil
}

func (f *fakeDeployer) Status(_ context.Context, id string) (*deploy.StatusReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, err := f.get(id)
	if err != nil {
		return nil, err
	}
	return &deploy.StatusReport{DeploymentID: d.ID, Name: d.Name, Status: d.Status, Port: d.Port}, nil
}

func (f *fakeDeployer) Logs(_ context.Context, id string, tail int) ([]logbuf.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.get(id); err != nil {
		return nil, err
	}
	f.tail = tail
	return f.entries, nil
}

func (f *fakeDeployer) List(context.Context) ([]*deploy.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*deploy.Deployment
	for _, d := range f.deps {
		out = append(out, d)
	}
	return out, nil
}

func (f *fakeDeployer) GatewayHealth(_ context.Context, id string) (health.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, err := f.get(id)
	if err != nil {
		return health.Result{}, err
	}
	return health.NotRunning(string(d.Status)), nil
}

// fakeConns answers chat sends without a gateway.
type fakeConns struct {
	sends int
}

func (f *fakeConns) ConnectLocal(context.Context, string, string) (*connmgr.Info, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeConns) ConnectRemote(context.Context, connmgr.RemoteConfig) (*connmgr.Info, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeConns) Disconnect(context.Context, connmgr.Role) error { return nil }

func (f *fakeConns) Info(_ context.Context, role connmgr.Role) (*connmgr.Info, error) {
	return &connmgr.Info{Role: role, State: gateway.StateDisconnected}, nil
}

func (f *fakeConns) Send(_ context.Context, _ connmgr.Role, content string) (*connmgr.ChatMessage, error) {
	f.sends++
	return &connmgr.ChatMessage{Role: "agent", Content: "re: " + content}, nil
}

func (f *fakeConns) History(context.Context, connmgr.Role) ([]connmgr.ChatMessage, error) {
	return nil, nil
}

func (f *fakeConns) Subscribe(role connmgr.Role, _ int) (*gateway.Subscription, error) {
	return nil, fmt.Errorf("%s: %w", role, connmgr.ErrNotConnected)
}

func newTestServer(t *testing.T, cfg Config, d Deployer, c Connections) *Server {
	t.Helper()
	if d == nil {
		d = newFakeDeployer()
	}
	if c == nil {
		c = &fakeConns{}
	}
	return New(cfg, Deps{Deployer: d, Connections: c})
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, Config{}, nil, nil)
	rr := do(t, s, http.MethodGet, "/health", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var resp healthResponse
	decodeBody(t, rr, &resp)
	if resp.Status != "ok" || resp.Version == "" {
		t.Errorf("resp = %+v", resp)
	}
	if rr.Header().Get(traceHeader) == "" {
		t.Error("missing trace header")
	}
}

func TestTraceHeaderEchoed(t *testing.T) {
	s := newTestServer(t, Config{}, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(traceHeader, "t_abc")
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	if got := rr.Header().Get(traceHeader); got != "t_abc" {
		t.Errorf("trace header = %q", got)
	}
}

func TestStatusCounts(t *testing.T) {
	s := newTestServer(t, Config{}, nil, nil)
	rr := do(t, s, http.MethodGet, "/status", "")
	var resp statusResponse
	decodeBody(t, rr, &resp)
	if resp.Deployments["configured"] != 1 {
		t.Errorf("deployments = %v", resp.Deployments)
	}
	if resp.Connections[connmgr.RoleLocal] || resp.Connections[connmgr.RoleRemote] {
		t.Errorf("connections = %v", resp.Connections)
	}
}

func TestSchema(t *testing.T) {
	s := newTestServer(t, Config{}, nil, nil)
	rr := do(t, s, http.MethodGet, "/api/deploy/schema", "")
	var schema deployfields.Schema
	decodeBody(t, rr, &schema)
	if _, ok := schema.Mandatory[deployfields.FieldOpenRouterKey]; !ok {
		t.Errorf("schema = %+v", schema)
	}
}

func TestConfigure(t *testing.T) {
	fd := newFakeDeployer()
	s := newTestServer(t, Config{}, fd, nil)

	rr := do(t, s, http.MethodPost, "/api/deploy/configure",
		`{"openrouter_api_key":"sk-or-123456","telegram_bot_token":null,"ANTHROPIC_API_KEY":"sk-ant-1"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rr.Code, rr.Body)
	}
	var resp configureResponse
	decodeBody(t, rr, &resp)
	if !resp.OK || resp.DeploymentID != "new1" || resp.GatewayToken != "secret" || resp.Status != deploy.StatusConfigured {
		t.Errorf("resp = %+v", resp)
	}
	if !strings.Contains(resp.Message, "31000") {
		t.Errorf("message = %q", resp.Message)
	}

	want := deployfields.Values{"OPENROUTER_API_KEY": "sk-or-123456", "ANTHROPIC_API_KEY": "sk-ant-1"}
	if len(fd.configured) != len(want) {
		t.Fatalf("configured = %v", fd.configured)
	}
	for k, v := range want {
		if fd.configured[k] != v {
			t.Errorf("configured[%s] = %q", k, fd.configured[k])
		}
	}
}

func TestConfigure_Invalid(t *testing.T) {
	s := newTestServer(t, Config{}, nil, nil)

	rr := do(t, s, http.MethodPost, "/api/deploy/configure", `{"anthropic_api_key":"x"}`)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d body = %s", rr.Code, rr.Body)
	}
	var body errorBody
	decodeBody(t, rr, &body)
	if body.Reason != faults.ReasonConfiguration || len(body.Problems) == 0 {
		t.Errorf("body = %+v", body)
	}

	if rr := do(t, s, http.MethodPost, "/api/deploy/configure", `{not json`); rr.Code != http.StatusBadRequest {
		t.Errorf("bad json status = %d", rr.Code)
	}
}

func TestLaunchAndStop(t *testing.T) {
	s := newTestServer(t, Config{}, nil, nil)

	rr := do(t, s, http.MethodPost, "/api/deploy/launch", `{"deployment_id":"abc123"}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("launch status = %d body = %s", rr.Code, rr.Body)
	}
	var launched configureResponse
	decodeBody(t, rr, &launched)
	if launched.Status != deploy.StatusLaunching || launched.Port != 23456 {
		t.Errorf("launch = %+v", launched)
	}

	rr = do(t, s, http.MethodPost, "/api/deploy/stop", `{"deployment_id":"abc123"}`)
	var stopped stopResponse
	decodeBody(t, rr, &stopped)
	if rr.Code != http.StatusOK || stopped.Status != deploy.StatusStopped {
		t.Errorf("stop = %d %+v", rr.Code, stopped)
	}
}

func TestLaunch_Errors(t *testing.T) {
	fd := newFakeDeployer()
	s := newTestServer(t, Config{}, fd, nil)

	if rr := do(t, s, http.MethodPost, "/api/deploy/launch", `{}`); rr.Code != http.StatusBadRequest {
		t.Errorf("missing id status = %d", rr.Code)
	}
	if rr := do(t, s, http.MethodPost, "/api/deploy/launch", `{"deployment_id":"nope"}`); rr.Code != http.StatusNotFound {
		t.Errorf("unknown id status = %d", rr.Code)
	}
	fd.launchErr = fmt.Errorf("abc123: %w", deploy.ErrLaunchInProgress)
	if rr := do(t, s, http.MethodPost, "/api/deploy/launch", `{"deployment_id":"abc123"}`); rr.Code != http.StatusConflict {
		t.Errorf("in progress status = %d", rr.Code)
	}
	if rr := do(t, s, http.MethodGet, "/api/deploy/launch", ""); rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET launch status = %d", rr.Code)
	}
}

func TestRemove(t *testing.T) {
	s := newTestServer(t, Config{}, nil, nil)
	if rr := do(t, s, http.MethodDelete, "/api/deploy/abc123", ""); rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if rr := do(t, s, http.MethodGet, "/api/deploy/status/abc123", ""); rr.Code != http.StatusNotFound {
		t.Errorf("status after remove = %d", rr.Code)
	}
}

func TestLogs(t *testing.T) {
	fd := newFakeDeployer()
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	fd.entries = []logbuf.Entry{{Timestamp: at, Level: logbuf.LevelInfo, Message: "hello"}}
	s := newTestServer(t, Config{}, fd, nil)

	rr := do(t, s, http.MethodGet, "/api/deploy/logs/abc123?tail=5000", "")
	var resp logsResponse
	decodeBody(t, rr, &resp)
	if resp.DeploymentID != "abc123" || len(resp.Logs) != 1 || !strings.Contains(resp.Logs[0], "hello") {
		t.Errorf("resp = %+v", resp)
	}
	if fd.tail != maxLogTail {
		t.Errorf("tail = %d", fd.tail)
	}

	if rr := do(t, s, http.MethodGet, "/api/deploy/logs/abc123?tail=-1", ""); rr.Code != http.StatusBadRequest {
		t.Errorf("negative tail status = %d", rr.Code)
	}

	fd.entries = nil
	rr = do(t, s, http.MethodGet, "/api/deploy/logs/abc123", "")
	if !strings.Contains(rr.Body.String(), `"logs":[]`) {
		t.Errorf("empty logs body = %s", rr.Body)
	}
}

func TestListAndGatewayHealth(t *testing.T) {
	s := newTestServer(t, Config{}, nil, nil)

	var list listResponse
	decodeBody(t, do(t, s, http.MethodGet, "/api/deploy/list", ""), &list)
	if list.Count != 1 || list.Deployments[0].ID != "abc123" {
		t.Errorf("list = %+v", list)
	}
	if strings.Contains(do(t, s, http.MethodGet, "/api/deploy/list", "").Body.String(), "tok") {
		t.Error("gateway token leaked in list")
	}

	var hr gatewayHealthResponse
	decodeBody(t, do(t, s, http.MethodGet, "/api/deploy/gateway-health/abc123", ""), &hr)
	if hr.DeploymentID != "abc123" || hr.Healthy || hr.Detail != "Container not running (status: configured)" {
		t.Errorf("health = %+v", hr)
	}
}

func TestSendRateLimited(t *testing.T) {
	fc := &fakeConns{}
	s := newTestServer(t, Config{SendRate: 0.001, SendBurst: 1}, nil, fc)

	if rr := do(t, s, http.MethodPost, "/api/remote/send", `{"content":"one"}`); rr.Code != http.StatusOK {
		t.Fatalf("first send = %d", rr.Code)
	}
	rr := do(t, s, http.MethodPost, "/api/remote/send", `{"content":"two"}`)
	if rr.Code != http.StatusTooManyRequests || rr.Header().Get("Retry-After") == "" {
		t.Errorf("second send = %d", rr.Code)
	}
	// Roles are limited separately.
	if rr := do(t, s, http.MethodPost, "/api/deploy-chat/send", `{"content":"three"}`); rr.Code != http.StatusOK {
		t.Errorf("local send = %d", rr.Code)
	}
	if fc.sends != 2 {
		t.Errorf("sends = %d", fc.sends)
	}
}

func TestSend_EmptyContent(t *testing.T) {
	s := newTestServer(t, Config{}, nil, nil)
	if rr := do(t, s, http.MethodPost, "/api/deploy-chat/send", `{"content":"  "}`); rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d", rr.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	if err != nil {
		t.Fatal(err)
	}
	s := New(Config{}, Deps{Deployer: newFakeDeployer(), Connections: &fakeConns{}, Metrics: m, Gatherer: reg})

	do(t, s, http.MethodGet, "/api/deploy/list", "")
	rr := do(t, s, http.MethodGet, "/metrics", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if !bytes.Contains(rr.Body.Bytes(), []byte(`aether_api_http_requests_total{method="GET",route="GET /api/deploy/list",status="200"} 1`)) {
		t.Errorf("metrics body missing request counter:\n%s", rr.Body)
	}
}

func TestStatusOf(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"validation", faults.Configuration(&deployfields.ValidationError{Problems: []string{"x"}}), http.StatusUnprocessableEntity},
		{"bad id", faults.New(faults.ReasonConfiguration, "invalid deployment id"), http.StatusUnprocessableEntity},
		{"bad request", fmt.Errorf("%w: nope", errBadRequest), http.StatusBadRequest},
		{"invalid remote", fmt.Errorf("%w: token is required", connmgr.ErrInvalidRemote), http.StatusBadRequest},
		{"not found", fmt.Errorf("x: %w", deploy.ErrNotFound), http.StatusNotFound},
		{"unknown role", connmgr.ErrUnknownRole, http.StatusNotFound},
		{"launch in progress", deploy.ErrLaunchInProgress, http.StatusConflict},
		{"transition", fmt.Errorf("x: running -> launching: %w", deploy.ErrInvalidTransition), http.StatusConflict},
		{"not running", fmt.Errorf("x: %w", deploy.ErrNotRunning), http.StatusConflict},
		{"not connected", fmt.Errorf("local: %w", connmgr.ErrNotConnected), http.StatusServiceUnavailable},
		{"no port", deploy.ErrNoPortAvailable, http.StatusServiceUnavailable},
		{"chat timeout", fmt.Errorf("%w (2m0s)", gateway.ErrChatTimeout), http.StatusGatewayTimeout},
		{"request timeout", fmt.Errorf("gateway chat.send: %w", faults.ErrRequestTimeout), http.StatusGatewayTimeout},
		{"launch", faults.Launch("compose up failed"), http.StatusBadGateway},
		{"auth", faults.Auth("rejected"), http.StatusBadGateway},
		{"provider", &gateway.ProviderError{Message: "402"}, http.StatusBadGateway},
		{"remote", &faults.RemoteError{Method: "chat.history", Code: "X", Message: "y"}, http.StatusBadGateway},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := statusOf(tc.err); got != tc.want {
				t.Errorf("statusOf(%v) = %d, want %d", tc.err, got, tc.want)
			}
		})
	}
}
