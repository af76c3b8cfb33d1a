// Package compose implements runtime.Driver by shelling out to the Docker
// Compose CLI. Both the v2 plugin ("docker compose") and the v1 standalone
// binary ("docker-compose") are supported; the first one that answers a
// version query is used for the life of the driver.
package compose

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aetherhub/aether/internal/aether/runtime"
)

// ErrComposeNotFound is returned when neither compose flavour is installed.
var ErrComposeNotFound = errors.New("docker compose not found")

// Config holds the per-command timeouts.
type Config struct {
	UpTimeout    time.Duration
	DownTimeout  time.Duration
	QueryTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.UpTimeout <= 0 {
		c.UpTimeout = 5 * time.Minute
	}
	if c.DownTimeout <= 0 {
		c.DownTimeout = 5 * time.Minute
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = 30 * time.Second
	}
}

// Driver runs compose commands for deployment projects.
type Driver struct {
	runner Runner
	cfg    Config

	mu      sync.Mutex
	command []string
}

// New returns a Driver. A nil runner selects ExecRunner.
func New(runner Runner, cfg Config) *Driver {
	if runner == nil {
		runner = ExecRunner{}
	}
	cfg.applyDefaults()
	return &Driver{runner: runner, cfg: cfg}
}

var _ runtime.Driver = (*Driver)(nil)

// Command returns the detected compose command, e.g. ["docker", "compose"].
// Detection is retried on the next call if it fails.
func (d *Driver) Command(ctx context.Context) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.command != nil {
		return append([]string(nil), d.command...), nil
	}

	candidates := []struct {
		cmd   []string
		probe []string
	}{
		{[]string{"docker", "compose"}, []string{"version"}},
		{[]string{"docker-compose"}, []string{"--version"}},
	}
	for _, c := range candidates {
		probeCtx, cancel := context.WithTimeout(ctx, d.cfg.QueryTimeout)
		args := append(append([]string(nil), c.cmd[1:]...), c.probe...)
		_, _, code, err := d.runner.Run(probeCtx, "", c.cmd[0], args...)
		cancel()
		if err == nil && code == 0 {
			slog.Info("compose: detected command", "command", strings.Join(c.cmd, " "))
			d.command = c.cmd
			return append([]string(nil), c.cmd...), nil
		}
	}
	return nil, ErrComposeNotFound
}

func projectArgs(p runtime.Project) []string {
	args := []string{"-p", p.Name}
	if p.ComposeFile != "" {
		args = append(args, "-f", p.ComposeFile)
	}
	if p.EnvFile != "" {
		args = append(args, "--env-file", p.EnvFile)
	}
	return args
}

func (d *Driver) run(ctx context.Context, p runtime.Project, timeout time.Duration, sub ...string) (*runtime.Result, error) {
	cmd, err := d.Command(ctx)
	if err != nil {
		return nil, err
	}
	args := append(append(cmd[1:len(cmd):len(cmd)], projectArgs(p)...), sub...)

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	stdout, stderr, code, err := d.runner.Run(runCtx, p.Dir, cmd[0], args...)
	res := &runtime.Result{
		Command:  cmd[0] + " " + strings.Join(args, " "),
		ExitCode: code,
		Stdout:   stdout,
		Stderr:   stderr,
		Duration: time.Since(start),
	}
	slog.Debug("compose: ran", "project", p.Name, "command", res.Command, "exit_code", code, "duration", res.Duration)

	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return res, fmt.Errorf("%s: timed out after %s", strings.Join(sub, " "), timeout)
		}
		return res, fmt.Errorf("%s: %w", strings.Join(sub, " "), err)
	}
	if code != 0 {
		return res, fmt.Errorf("%s exited with code %d: %w", strings.Join(sub, " "), code, runtime.ErrNonZeroExit)
	}
	return res, nil
}

// Up runs "up -d" with the requested flags.
func (d *Driver) Up(ctx context.Context, p runtime.Project, opts runtime.UpOptions) (*runtime.Result, error) {
	sub := []string{"up", "-d"}
	if opts.ForceRecreate {
		sub = append(sub, "--force-recreate")
	}
	if opts.RemoveOrphans {
		sub = append(sub, "--remove-orphans")
	}
	return d.run(ctx, p, d.cfg.UpTimeout, sub...)
}

// Pull runs "pull".
func (d *Driver) Pull(ctx context.Context, p runtime.Project) (*runtime.Result, error) {
	return d.run(ctx, p, d.cfg.UpTimeout, "pull")
}

// Down runs "down".
func (d *Driver) Down(ctx context.Context, p runtime.Project, opts runtime.DownOptions) (*runtime.Result, error) {
	sub := []string{"down"}
	if opts.RemoveOrphans {
		sub = append(sub, "--remove-orphans")
	}
	return d.run(ctx, p, d.cfg.DownTimeout, sub...)
}

// Status runs "ps -a --format json".
func (d *Driver) Status(ctx context.Context, p runtime.Project) ([]runtime.ContainerInfo, error) {
	res, err := d.run(ctx, p, d.cfg.QueryTimeout, "ps", "-a", "--format", "json")
	if err != nil {
		return nil, err
	}
	return ParsePS(res.Stdout)
}

// Logs runs "logs --tail N --no-color --timestamps".
func (d *Driver) Logs(ctx context.Context, p runtime.Project, tail int) (string, error) {
	if tail <= 0 {
		tail = 50
	}
	res, err := d.run(ctx, p, d.cfg.QueryTimeout, "logs", "--tail", strconv.Itoa(tail), "--no-color", "--timestamps")
	if err != nil {
		return "", err
	}
	return res.Output(), nil
}
