package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/x/ansi"

	"github.com/aetherhub/aether/common/spec/envelope"
	"github.com/aetherhub/aether/common/trace"
	"github.com/aetherhub/aether/internal/aether/audit"
	"github.com/aetherhub/aether/internal/aether/faults"
	"github.com/aetherhub/aether/internal/aether/health"
	"github.com/aetherhub/aether/internal/aether/logbuf"
	"github.com/aetherhub/aether/internal/aether/runtime"
	"github.com/aetherhub/aether/internal/aether/store"
)

// Launch moves the deployment to launching and starts the launch sequence
// in the background. It returns as soon as the status has changed.
func (m *Manager) Launch(ctx context.Context, id string) (*Deployment, error) {
	rec, err := m.lockIdle(ctx, id)
	if err != nil {
		return nil, err
	}
	prev, ok, err := m.setStatus(ctx, id, StatusLaunching, store.StatusUpdate{ClearError: true})
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if !ok {
		m.mu.Unlock()
		return nil, invalidTransition(id, prev, StatusLaunching)
	}

	jctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	j := &job{cancel: cancel, done: make(chan struct{})}
	m.jobs[id] = j
	m.mu.Unlock()

	d := fromRecord(rec)
	slog.Info("deploy: launching", "deployment", id, "port", d.Port)
	m.notify(ctx, audit.KindLaunching, id, fmt.Sprintf("launching %s on port %d", d.Name, d.Port))
	go m.runLaunch(jctx, d, j)

	return m.Get(ctx, id)
}

// lockIdle returns the record with m.mu held once no launch job is active
// for id. A job that is still winding down after a failure or stop is
// waited for.
func (m *Manager) lockIdle(ctx context.Context, id string) (*store.Deployment, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrClosed
		}
		rec, err := m.store.GetDeployment(ctx, id)
		if err != nil {
			m.mu.Unlock()
			return nil, err
		}
		if Status(rec.Status) == StatusLaunching {
			m.mu.Unlock()
			return nil, fmt.Errorf("%s: %w", id, ErrLaunchInProgress)
		}
		j, busy := m.jobs[id]
		if !busy {
			return rec, nil
		}
		m.mu.Unlock()
		if Status(rec.Status) == StatusRunning {
			return nil, invalidTransition(id, StatusRunning, StatusLaunching)
		}
		select {
		case <-j.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// cancelJob cancels id's launch, if any, and waits for it to return.
func (m *Manager) cancelJob(id string) {
	m.mu.Lock()
	j := m.jobs[id]
	m.mu.Unlock()
	if j == nil {
		return
	}
	j.cancel()
	<-j.done
}

func (m *Manager) runLaunch(ctx context.Context, d *Deployment, j *job) {
	defer func() {
		m.mu.Lock()
		if m.jobs[d.ID] == j {
			delete(m.jobs, d.ID)
		}
		m.mu.Unlock()
		j.cancel()
		close(j.done)
	}()

	start := time.Now()
	if err := m.startContainer(ctx, d); err != nil {
		if ctx.Err() != nil {
			m.logs.Info(d.ID, "Launch cancelled")
			slog.Info("deploy: launch cancelled", "deployment", d.ID)
			return
		}
		m.fail(ctx, d, err)
		m.metrics.LaunchFinished(string(reasonOf(err)), time.Since(start))
		return
	}

	_, ok, err := m.setStatus(ctx, d.ID, StatusRunning, store.StatusUpdate{
		From:       []string{string(StatusLaunching)},
		ClearError: true,
	})
	if err != nil || !ok {
		slog.Warn("deploy: could not mark running", "deployment", d.ID, "applied", ok, "err", err)
		return
	}
	m.metrics.LaunchFinished(string(StatusRunning), time.Since(start))
	m.notify(ctx, audit.KindRunning, d.ID, fmt.Sprintf("%s running on port %d", d.Name, d.Port))

	m.awaitGateway(ctx, d)
}

// startContainer runs launch steps 1 to 4: cleanup, pull, up and waiting
// for the container to run.
func (m *Manager) startContainer(ctx context.Context, d *Deployment) error {
	id := d.ID
	p := m.project(d)

	m.logs.Step(id, "─── LAUNCH SEQUENCE STARTED ───")
	m.logs.Info(id, "Target port: %d", d.Port)
	if cmd := m.composeCommand(ctx); cmd != "" {
		m.logs.Info(id, "Using: %s", cmd)
	}

	m.logs.Step(id, "STEP 1/5: Cleaning up stale containers...")
	res, err := m.driver.Down(ctx, p, runtime.DownOptions{RemoveOrphans: true})
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil && res == nil {
		return faults.Launch("cleanup failed: %v", err)
	}
	if res != nil {
		m.logOutput(id, res.Stderr)
	}
	m.logs.Info(id, "Cleanup complete ✓")

	stale := filepath.Join(d.Directory, "config", staleConfigFile)
	if err := os.Remove(stale); err == nil {
		m.logs.Info(id, "Removed stale openclaw.json config")
	}

	m.logs.Step(id, "STEP 2/5: Pulling container image (if needed)...")
	res, err = m.driver.Pull(ctx, p)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		m.logs.Info(id, "Image pull did not complete, using local image: %s", firstLine(failureText(res, err)))
	} else {
		m.logOutput(id, res.Output())
	}

	m.logs.Step(id, "STEP 3/5: Creating and starting container...")
	res, err = m.driver.Up(ctx, p, runtime.UpOptions{ForceRecreate: true, RemoveOrphans: true})
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if res != nil {
		m.logOutput(id, res.Output())
	}
	if err != nil {
		return faults.Launch("docker compose up failed: %s", failureText(res, err))
	}
	if stderr := res.Stderr; strings.Contains(strings.ToLower(stderr), "error") && !strings.Contains(stderr, "FALLBACKS") {
		return faults.Launch("docker compose up had errors: %s", strings.TrimSpace(ansi.Strip(stderr)))
	}
	m.logs.Info(id, "Container started successfully ✓")

	m.logs.Step(id, "STEP 4/5: Establishing network connectivity...")
	limit := m.prober.Config().Phase1MaxAttempts
	_, err = m.prober.WaitContainer(ctx, m.source(p), func(_, attempt int, detail string) {
		m.logs.Info(id, "Waiting for container (%d/%d): %s", attempt, limit, detail)
	})
	if err != nil {
		return err
	}
	m.logs.Info(id, "Container listening on port %d", d.Port)
	return nil
}

// awaitGateway runs step 5. A timeout leaves the deployment running with
// the phase-2 reason recorded as its last error.
func (m *Manager) awaitGateway(ctx context.Context, d *Deployment) {
	id := d.ID
	m.logs.Step(id, "STEP 5/5: Waiting for gateway to initialize...")

	limit := m.prober.Config().Phase2MaxAttempts
	res, err := m.prober.WaitGateway(ctx, m.endpoint(d), func(_, attempt int, detail string) {
		m.logs.Info(id, "Gateway not ready (%d/%d): %s", attempt, limit, detail)
	})
	if ctx.Err() != nil {
		return
	}
	m.saveHealth(ctx, id, res)

	if err != nil {
		msg := m.secrets.Apply(id, err.Error())
		m.logs.Error(id, "Gateway did not become healthy: %s", msg)
		if serr := m.store.SetLastError(ctx, id, string(reasonOf(err)), msg); serr != nil {
			slog.Warn("deploy: record gateway timeout failed", "deployment", id, "err", serr)
		}
		slog.Warn("deploy: gateway unhealthy after launch", "deployment", id, "err", msg)
		m.notify(ctx, audit.KindError, id, "gateway did not become healthy: "+msg)
		return
	}
	m.logs.Info(id, "Gateway healthy: %s", res.Detail)
	m.logs.Step(id, "─── CONTAINER IS RUNNING ───")
	slog.Info("deploy: launched", "deployment", id, "port", d.Port)
}

// fail records a terminal launch failure.
func (m *Manager) fail(ctx context.Context, d *Deployment, err error) {
	msg := m.secrets.Apply(d.ID, err.Error())
	m.logs.Error(d.ID, "LAUNCH FAILED: %s", msg)
	slog.Error("deploy: launch failed", "deployment", d.ID, "reason", reasonOf(err), "err", msg)

	_, ok, serr := m.setStatus(ctx, d.ID, StatusFailed, store.StatusUpdate{
		From:    []string{string(StatusLaunching), string(StatusRunning)},
		Reason:  string(reasonOf(err)),
		Message: msg,
	})
	if serr != nil || !ok {
		slog.Warn("deploy: could not mark failed", "deployment", d.ID, "applied", ok, "err", serr)
		return
	}
	m.notify(ctx, audit.KindFailed, d.ID, "launch failed: "+msg)
}

// Stop cancels any launch in flight and tears the deployment down.
// Deployments that are not running are returned unchanged.
func (m *Manager) Stop(ctx context.Context, id string) (*Deployment, error) {
	d, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch d.Status {
	case StatusUnconfigured, StatusConfigured, StatusStopped, StatusStopping:
		return d, nil
	}

	// Entering stopping under mu makes a concurrent Launch fail its
	// transition instead of registering a job after the cancel below.
	m.mu.Lock()
	prev, ok, err := m.setStatus(ctx, id, StatusStopping, store.StatusUpdate{})
	j := m.jobs[id]
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if !ok {
		switch prev {
		case StatusConfigured, StatusStopped, StatusStopping:
			return m.Get(ctx, id)
		}
		return nil, invalidTransition(id, prev, StatusStopping)
	}
	if j != nil {
		j.cancel()
		<-j.done
	}

	m.logs.Step(id, "Stopping deployment...")
	dctx := context.WithoutCancel(ctx)
	res, err := m.driver.Down(dctx, m.project(d), runtime.DownOptions{RemoveOrphans: true})
	if err != nil {
		msg := m.secrets.Apply(id, failureText(res, err))
		m.logs.Error(id, "STOP FAILED: %s", msg)
		if _, _, serr := m.setStatus(dctx, id, StatusFailed, store.StatusUpdate{
			From:    []string{string(StatusStopping)},
			Reason:  string(faults.ReasonLaunch),
			Message: "docker compose down failed: " + msg,
		}); serr != nil {
			slog.Warn("deploy: could not mark failed", "deployment", id, "err", serr)
		}
		m.notify(ctx, audit.KindFailed, id, "stop failed: "+msg)
		return nil, faults.Launch("docker compose down failed: %s", msg)
	}

	if _, _, err := m.setStatus(dctx, id, StatusStopped, store.StatusUpdate{ClearError: true}); err != nil {
		return nil, err
	}
	m.logs.Info(id, "Container stopped ✓")
	slog.Info("deploy: stopped", "deployment", id, trace.Attr(ctx))
	m.notify(ctx, audit.KindStopped, id, fmt.Sprintf("%s stopped", d.Name))
	return m.Get(ctx, id)
}

func (m *Manager) composeCommand(ctx context.Context) string {
	c, ok := m.driver.(interface {
		Command(context.Context) ([]string, error)
	})
	if !ok {
		return ""
	}
	cmd, err := c.Command(ctx)
	if err != nil {
		return ""
	}
	return strings.Join(cmd, " ")
}

// logOutput copies compose output into the lifecycle log, indented.
func (m *Manager) logOutput(id, out string) {
	for _, line := range strings.Split(ansi.Strip(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.Contains(line, "FALLBACKS") {
			continue
		}
		m.logs.Emit(id, logbuf.LevelInfo, "  "+line)
	}
}

func (m *Manager) endpoint(d *Deployment) health.Endpoint {
	return health.Endpoint{
		Host:     m.cfg.GatewayHost,
		Port:     d.Port,
		Token:    d.GatewayToken,
		ClientID: envelope.ClientIDLocal,
	}
}

// failureText extracts the most useful message from a failed command.
func failureText(res *runtime.Result, err error) string {
	if res != nil {
		if s := strings.TrimSpace(ansi.Strip(res.Stderr)); s != "" {
			return s
		}
		if s := strings.TrimSpace(ansi.Strip(res.Stdout)); s != "" {
			return s
		}
	}
	if err != nil {
		return err.Error()
	}
	return "unknown error"
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

func reasonOf(err error) faults.Reason {
	if r := faults.ReasonOf(err); r != "" {
		return r
	}
	return faults.ReasonLaunch
}
