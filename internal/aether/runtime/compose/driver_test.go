package compose_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/aetherhub/aether/internal/aether/runtime"
	"github.com/aetherhub/aether/internal/aether/runtime/compose"
)

type call struct {
	dir  string
	name string
	args []string
}

type fakeRunner struct {
	mu      sync.Mutex
	calls   []call
	respond func(name string, args []string) (string, string, int, error)
}

func (f *fakeRunner) Run(_ context.Context, dir, name string, args ...string) (string, string, int, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call{dir: dir, name: name, args: args})
	f.mu.Unlock()
	return f.respond(name, args)
}

func (f *fakeRunner) last() call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func v2Runner(body func(args []string) (string, string, int, error)) *fakeRunner {
	return &fakeRunner{respond: func(name string, args []string) (string, string, int, error) {
		if name == "docker" && len(args) == 2 && args[1] == "version" {
			return "Docker Compose version v2.29.1", "", 0, nil
		}
		return body(args)
	}}
}

var project = runtime.Project{
	Name:        "aether-a1b2c3d4e5",
	Dir:         "/srv/deployments/a1b2c3d4e5",
	ComposeFile: "/etc/aether/docker-compose.yml",
	EnvFile:     "/srv/deployments/a1b2c3d4e5/.env",
}

func TestUp_BuildsArguments(t *testing.T) {
	r := v2Runner(func([]string) (string, string, int, error) { return "", "Container started", 0, nil })
	d := compose.New(r, compose.Config{})

	res, err := d.Up(context.Background(), project, runtime.UpOptions{ForceRecreate: true, RemoveOrphans: true})
	if err != nil {
		t.Fatalf("Up: %v", err)
	}
	got := r.last()
	want := "compose -p aether-a1b2c3d4e5 -f /etc/aether/docker-compose.yml --env-file /srv/deployments/a1b2c3d4e5/.env up -d --force-recreate --remove-orphans"
	if got.name != "docker" || strings.Join(got.args, " ") != want {
		t.Errorf("got %s %v", got.name, got.args)
	}
	if got.dir != project.Dir {
		t.Errorf("dir: %q", got.dir)
	}
	if res.ExitCode != 0 || res.Stderr != "Container started" {
		t.Errorf("result: %+v", res)
	}
}

func TestUp_NonZeroExit(t *testing.T) {
	r := v2Runner(func([]string) (string, string, int, error) {
		return "", "Error response from daemon: pull access denied", 1, nil
	})
	d := compose.New(r, compose.Config{})
	res, err := d.Up(context.Background(), project, runtime.UpOptions{})
	if !errors.Is(err, runtime.ErrNonZeroExit) {
		t.Fatalf("expected ErrNonZeroExit, got %v", err)
	}
	if res == nil || res.ExitCode != 1 {
		t.Fatalf("result should carry exit code, got %+v", res)
	}
}

func TestDetect_FallsBackToStandalone(t *testing.T) {
	r := &fakeRunner{respond: func(name string, args []string) (string, string, int, error) {
		switch {
		case name == "docker":
			return "", "docker: 'compose' is not a docker command.", 1, nil
		case name == "docker-compose" && len(args) == 1 && args[0] == "--version":
			return "docker-compose version 1.29.2", "", 0, nil
		}
		return "", "", 0, nil
	}}
	d := compose.New(r, compose.Config{})
	cmd, err := d.Command(context.Background())
	if err != nil {
		t.Fatalf("Command: %v", err)
	}
	if strings.Join(cmd, " ") != "docker-compose" {
		t.Fatalf("got %v", cmd)
	}

	if _, err := d.Down(context.Background(), project, runtime.DownOptions{RemoveOrphans: true}); err != nil {
		t.Fatalf("Down: %v", err)
	}
	got := r.last()
	if got.name != "docker-compose" || got.args[0] != "-p" || got.args[len(got.args)-1] != "--remove-orphans" {
		t.Errorf("unexpected call %s %v", got.name, got.args)
	}
}

func TestDetect_NotFound(t *testing.T) {
	r := &fakeRunner{respond: func(string, []string) (string, string, int, error) {
		return "", "", -1, errors.New("executable file not found in $PATH")
	}}
	d := compose.New(r, compose.Config{})
	if _, err := d.Status(context.Background(), project); !errors.Is(err, compose.ErrComposeNotFound) {
		t.Fatalf("expected ErrComposeNotFound, got %v", err)
	}
}

func TestStatus_ParsesNDJSON(t *testing.T) {
	out := `{"ID":"abc","Name":"aether-a1b2c3d4e5-gateway-1","Service":"gateway","State":"running","Status":"Up 5 seconds (healthy)","Health":"","ExitCode":0,"Publishers":[{"URL":"0.0.0.0","TargetPort":18789,"PublishedPort":23456,"Protocol":"tcp"},{"URL":"","TargetPort":9000,"PublishedPort":0,"Protocol":"tcp"}]}
{"ID":"def","Name":"aether-a1b2c3d4e5-sidecar-1","Service":"sidecar","State":"exited","Status":"Exited (1) 2 seconds ago","ExitCode":1}`
	r := v2Runner(func(args []string) (string, string, int, error) { return out, "", 0, nil })
	d := compose.New(r, compose.Config{})

	cs, err := d.Status(context.Background(), project)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if len(cs) != 2 {
		t.Fatalf("got %d containers", len(cs))
	}
	if cs[0].State != runtime.StateRunning || cs[0].Health != "healthy" {
		t.Errorf("container 0: %+v", cs[0])
	}
	if len(cs[0].Ports) != 1 || cs[0].Ports[0].HostPort != 23456 || cs[0].Ports[0].ContainerPort != 18789 {
		t.Errorf("ports: %+v", cs[0].Ports)
	}
	if cs[1].State != runtime.StateExited || cs[1].ExitCode != 1 {
		t.Errorf("container 1: %+v", cs[1])
	}
	if args := strings.Join(r.last().args, " "); !strings.HasSuffix(args, "ps -a --format json") {
		t.Errorf("args: %s", args)
	}
}

func TestParsePS_Array(t *testing.T) {
	cs, err := compose.ParsePS(`[{"ID":"1","Name":"n","State":"running","Status":"Up (unhealthy)"}]`)
	if err != nil {
		t.Fatalf("ParsePS: %v", err)
	}
	if len(cs) != 1 || cs[0].Health != "unhealthy" {
		t.Fatalf("got %+v", cs)
	}
	if cs, err := compose.ParsePS("  "); err != nil || cs != nil {
		t.Fatalf("empty output: %v %v", cs, err)
	}
	if _, err := compose.ParsePS("{not json"); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLogs_Arguments(t *testing.T) {
	r := v2Runner(func(args []string) (string, string, int, error) {
		return "gateway-1  | 2026-03-01T12:00:00Z ready\n", "", 0, nil
	})
	d := compose.New(r, compose.Config{})
	out, err := d.Logs(context.Background(), project, 25)
	if err != nil {
		t.Fatalf("Logs: %v", err)
	}
	if !strings.Contains(out, "ready") {
		t.Errorf("output: %q", out)
	}
	if args := strings.Join(r.last().args, " "); !strings.HasSuffix(args, "logs --tail 25 --no-color --timestamps") {
		t.Errorf("args: %s", args)
	}
}

func TestValidateTemplate(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yml")
	os.WriteFile(good, []byte(`services:
  gateway:
    image: ghcr.io/openclaw/openclaw:latest
    ports:
      - "${PORT}:18789"
    environment:
      OPENCLAW_GATEWAY_TOKEN: ${OPENCLAW_GATEWAY_TOKEN}
`), 0o644)
	if err := compose.ValidateTemplate(good, "PORT", "OPENCLAW_GATEWAY_TOKEN"); err != nil {
		t.Fatalf("ValidateTemplate: %v", err)
	}
	if err := compose.ValidateTemplate(good, "MISSING_VAR"); err == nil {
		t.Fatal("expected missing variable error")
	}

	empty := filepath.Join(dir, "empty.yml")
	os.WriteFile(empty, []byte("version: '3'\n"), 0o644)
	if err := compose.ValidateTemplate(empty); err == nil {
		t.Fatal("expected no-services error")
	}
	if err := compose.ValidateTemplate(filepath.Join(dir, "nope.yml")); err == nil {
		t.Fatal("expected read error")
	}
}
