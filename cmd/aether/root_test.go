package main

import (
	"bytes"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func TestVersionCmd(t *testing.T) {
	out, err := run(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "aether ") {
		t.Errorf("output = %q", out)
	}

	flag, err := run(t, "--version")
	if err != nil {
		t.Fatalf("--version: %v", err)
	}
	if flag != out {
		t.Errorf("--version = %q, version = %q", flag, out)
	}
}

func TestKeygenCmd(t *testing.T) {
	out, err := run(t, "keygen")
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	key, err := hex.DecodeString(strings.TrimSpace(out))
	if err != nil || len(key) != 32 {
		t.Errorf("key = %q (%v)", out, err)
	}
}

func TestFieldsCmd(t *testing.T) {
	out, err := run(t, "fields")
	if err != nil {
		t.Fatalf("fields: %v", err)
	}
	for _, want := range []string{"NAME", "OPENROUTER_API_KEY", "mandatory"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestCheckCmd(t *testing.T) {
	dir := t.TempDir()
	composeFile := filepath.Join(dir, "docker-compose.yml")
	body := "services:\n  gateway:\n    image: x\n    ports: [\"${PORT}:18789\"]\n    environment:\n      OPENCLAW_GATEWAY_TOKEN: ${OPENCLAW_GATEWAY_TOKEN}\n"
	if err := os.WriteFile(composeFile, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("AETHER_COMPOSE_FILE", composeFile)
	t.Setenv("AETHER_MASTER_KEY", "")

	out, err := run(t, "check")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !strings.Contains(out, "token storage: plaintext") || !strings.HasSuffix(out, "ok\n") {
		t.Errorf("output = %q", out)
	}

	if err := os.WriteFile(composeFile, []byte("services:\n  gateway:\n    image: x\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := run(t, "check"); err == nil {
		t.Error("expected template without PORT to fail")
	}
}

func TestCheckCmd_MissingConfigFile(t *testing.T) {
	_, err := run(t, "check", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil || !strings.Contains(err.Error(), "load config") {
		t.Errorf("err = %v", err)
	}
}
