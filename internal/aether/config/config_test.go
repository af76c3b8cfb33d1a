package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "aether.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen != ":8080" || cfg.Deploy.PortMin != 10000 || cfg.Deploy.PortMax != 65000 {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Health.Phase1MaxAttempts != 90 || cfg.Health.Phase2Interval != 5*time.Second {
		t.Errorf("health = %+v", cfg.Health)
	}
	if cfg.Remote.Enabled() || cfg.Matrix.Enabled() {
		t.Error("remote and matrix should be disabled by default")
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := writeFile(t, `
listen: ":9000"
deploy:
  root: /srv/deployments
  port_min: 20000
  port_max: 20100
  reconcile_interval: 1m
health:
  phase2_attempts: 12
remote:
  url: https://gw.example.com
  token: file-token
`)
	t.Setenv("AETHER_LISTEN", ":9100")
	t.Setenv("AETHER_PORT_RANGE", "30000-30010")
	t.Setenv("AETHER_REMOTE_TOKEN", "env-token")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen != ":9100" {
		t.Errorf("listen = %q, env should win", cfg.Listen)
	}
	if cfg.Deploy.Root != "/srv/deployments" || cfg.Deploy.ReconcileInterval != time.Minute {
		t.Errorf("deploy = %+v", cfg.Deploy)
	}
	if cfg.Deploy.PortMin != 30000 || cfg.Deploy.PortMax != 30010 {
		t.Errorf("ports = %d-%d", cfg.Deploy.PortMin, cfg.Deploy.PortMax)
	}
	if cfg.Health.Phase2MaxAttempts != 12 || cfg.Health.Phase1MaxAttempts != 90 {
		t.Errorf("health = %+v", cfg.Health)
	}
	if cfg.Remote.Token != "env-token" || !cfg.Remote.Enabled() {
		t.Errorf("remote = %+v", cfg.Remote)
	}
}

func TestRemoteAutoConnectOptOut(t *testing.T) {
	t.Setenv("AETHER_REMOTE_URL", "gw.example.com:18789")
	t.Setenv("AETHER_REMOTE_TOKEN", "tok")
	t.Setenv("AETHER_REMOTE_AUTOCONNECT", "false")
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Remote.Enabled() {
		t.Error("auto-connect should be disabled")
	}
}

func TestValidate(t *testing.T) {
	t.Setenv("AETHER_MASTER_KEY", "abcd")
	t.Setenv("AETHER_REMOTE_URL", "gw.example.com")
	t.Setenv("CF_ACCESS_CLIENT_ID", "only-id")

	_, err := Load("")
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{"master key", "remote token", "cf access"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestLoad_BadFile(t *testing.T) {
	if _, err := Load(writeFile(t, "listen: [unclosed")); err == nil {
		t.Error("expected parse error")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected read error")
	}
}

func TestTokenKey(t *testing.T) {
	cfg := Default()
	if key, err := cfg.TokenKey(); key != nil || err != nil {
		t.Errorf("TokenKey() = %v, %v", key, err)
	}
	cfg.MasterKey = strings.Repeat("ab", 32)
	key, err := cfg.TokenKey()
	if err != nil || len(key) != 32 {
		t.Errorf("TokenKey() = %d bytes, %v", len(key), err)
	}
}
