package app

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aetherhub/aether/internal/aether/audit"
	"github.com/aetherhub/aether/internal/aether/config"
	"github.com/aetherhub/aether/internal/aether/gateway/gatewaytest"
	"github.com/aetherhub/aether/internal/aether/runtime"
)

const template = `services:
  gateway:
    image: example/gateway:latest
    ports:
      - "${PORT}:18789"
    environment:
      OPENCLAW_GATEWAY_TOKEN: ${OPENCLAW_GATEWAY_TOKEN}
`

type idleDriver struct{}

func (idleDriver) Up(context.Context, runtime.Project, runtime.UpOptions) (*runtime.Result, error) {
	return &runtime.Result{}, nil
}
func (idleDriver) Pull(context.Context, runtime.Project) (*runtime.Result, error) {
	return &runtime.Result{}, nil
}
func (idleDriver) Down(context.Context, runtime.Project, runtime.DownOptions) (*runtime.Result, error) {
	return &runtime.Result{}, nil
}
func (idleDriver) Status(context.Context, runtime.Project) ([]runtime.ContainerInfo, error) {
	return nil, nil
}
func (idleDriver) Logs(context.Context, runtime.Project, int) (string, error) { return "", nil }

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	compose := filepath.Join(dir, "docker-compose.yml")
	if err := os.WriteFile(compose, []byte(template), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg := config.Default()
	cfg.Listen = "127.0.0.1:0"
	cfg.DatabasePath = filepath.Join(dir, "aether.db")
	cfg.MasterKey = strings.Repeat("ab", 32)
	cfg.Deploy.Root = filepath.Join(dir, "deployments")
	cfg.Deploy.ComposeFile = compose
	cfg.Deploy.DockerInspect = false
	cfg.Deploy.PortMin = 41000
	cfg.Deploy.PortMax = 41999
	return cfg
}

// start runs a in the background and returns its base URL and a stop func
// that waits for shutdown.
func start(t *testing.T, a *App) (string, func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	select {
	case <-a.Ready():
	case err := <-done:
		cancel()
		t.Fatalf("Run: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("app did not start")
	}
	return "http://" + a.Addr().String(), func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run: %v", err)
			}
		case <-time.After(10 * time.Second):
			t.Error("app did not stop")
		}
	}
}

func getJSON(t *testing.T, url string, v any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s = %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatal(err)
	}
}

func TestNew_RejectsTemplateWithoutPort(t *testing.T) {
	cfg := testConfig(t)
	if err := os.WriteFile(cfg.Deploy.ComposeFile, []byte("services:\n  gateway:\n    image: x\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := New(context.Background(), cfg, Options{Driver: idleDriver{}, Notifier: audit.Noop{}})
	if err == nil || !strings.Contains(err.Error(), "PORT") {
		t.Fatalf("err = %v", err)
	}
}

func TestNew_RejectsBadMasterKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.MasterKey = "not-hex"
	if _, err := New(context.Background(), cfg, Options{Driver: idleDriver{}, Notifier: audit.Noop{}}); err == nil {
		t.Fatal("expected error")
	}
}

func TestRun_ServesAndRestores(t *testing.T) {
	cfg := testConfig(t)
	rec := audit.NewRecorder(16)

	a, err := New(context.Background(), cfg, Options{Driver: idleDriver{}, Notifier: rec})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	base, stop := start(t, a)

	var health struct {
		Status string `json:"status"`
	}
	getJSON(t, base+"/health", &health)
	if health.Status != "ok" {
		t.Errorf("health = %+v", health)
	}

	resp, err := http.Post(base+"/api/deploy/configure", "application/json",
		strings.NewReader(`{"openrouter_api_key":"sk-or-v1-abcdef"}`))
	if err != nil {
		t.Fatal(err)
	}
	var configured struct {
		DeploymentID string `json:"deployment_id"`
		Port         int    `json:"port"`
	}
	json.NewDecoder(resp.Body).Decode(&configured)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || configured.DeploymentID == "" {
		t.Fatalf("configure = %d %+v", resp.StatusCode, configured)
	}
	if configured.Port < cfg.Deploy.PortMin || configured.Port > cfg.Deploy.PortMax {
		t.Errorf("port %d outside range", configured.Port)
	}
	events := rec.Events()
	if len(events) != 1 || events[0].Kind != audit.KindConfigured || events[0].Target != configured.DeploymentID {
		t.Errorf("audit events = %+v", events)
	}

	metrics, err := http.Get(base + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	metrics.Body.Close()
	if metrics.StatusCode != http.StatusOK {
		t.Errorf("metrics = %d", metrics.StatusCode)
	}
	stop()

	b, err := New(context.Background(), cfg, Options{Driver: idleDriver{}, Notifier: audit.Noop{}})
	if err != nil {
		t.Fatalf("New after restart: %v", err)
	}
	base, stop = start(t, b)
	defer stop()

	var list struct {
		Deployments []struct {
			ID     string `json:"deployment_id"`
			Status string `json:"status"`
		} `json:"deployments"`
		Count int `json:"count"`
	}
	getJSON(t, base+"/api/deploy/list", &list)
	if list.Count != 1 || list.Deployments[0].ID != configured.DeploymentID {
		t.Errorf("list after restart = %+v", list)
	}
}

func TestAutoConnectRemote_AuthRejectionNotRetried(t *testing.T) {
	gw := gatewaytest.New(gatewaytest.Options{Token: "right"})
	defer gw.Close()

	cfg := testConfig(t)
	cfg.Remote.URL = gw.URL()
	cfg.Remote.Token = "wrong"
	a, err := New(context.Background(), cfg, Options{Driver: idleDriver{}, Notifier: audit.Noop{}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	start := time.Now()
	a.autoConnectRemote(ctx)

	if got := gw.Attempts(); got != 1 {
		t.Errorf("connect attempts = %d, want 1", got)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("auto-connect took %v; rejected token was retried", elapsed)
	}
}
