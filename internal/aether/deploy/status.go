package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/aetherhub/aether/common/naming"
	"github.com/aetherhub/aether/common/spec/deployfields"
	"github.com/aetherhub/aether/internal/aether/audit"
	"github.com/aetherhub/aether/internal/aether/faults"
	"github.com/aetherhub/aether/internal/aether/health"
	"github.com/aetherhub/aether/internal/aether/logbuf"
	"github.com/aetherhub/aether/internal/aether/runtime"
	"github.com/aetherhub/aether/internal/aether/store"
)

// Status reports the recorded state plus live container metadata. A
// failed container query is reported in the Error field, not returned.
func (m *Manager) Status(ctx context.Context, id string) (*StatusReport, error) {
	d, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	r := &StatusReport{
		DeploymentID: d.ID,
		Name:         d.Name,
		Status:       d.Status,
		Port:         d.Port,
		LastError:    d.LastError,
		Health:       d.Health,
		Containers:   []runtime.ContainerInfo{},
		UpdatedAt:    d.UpdatedAt,
	}
	if d.Status == StatusConfigured {
		return r, nil
	}
	cs, err := m.containers(ctx, m.project(d))
	if err != nil {
		r.Error = m.secrets.Apply(id, err.Error())
		return r, nil
	}
	if cs != nil {
		r.Containers = cs
	}
	return r, nil
}

// Logs returns the lifecycle log merged with the last tail lines of
// container output. tail <= 0 selects the configured default.
func (m *Manager) Logs(ctx context.Context, id string, tail int) ([]logbuf.Entry, error) {
	d, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if tail <= 0 {
		tail = m.cfg.LogTail
	}
	if d.Status == StatusConfigured {
		return m.logs.Entries(id), nil
	}
	p := m.project(d)
	return m.logs.Read(ctx, id, tail, logbuf.SourceFunc(func(ctx context.Context, n int) (string, error) {
		return m.driver.Logs(ctx, p, n)
	})), nil
}

// GatewayHealth runs one gateway check. Deployments that are not running
// report unhealthy without probing.
func (m *Manager) GatewayHealth(ctx context.Context, id string) (health.Result, error) {
	d, err := m.Get(ctx, id)
	if err != nil {
		return health.Result{}, err
	}
	if d.Status != StatusRunning {
		return health.NotRunning(string(d.Status)), nil
	}
	r := m.prober.Check(ctx, m.endpoint(d))
	m.saveHealth(ctx, id, r)
	return r, nil
}

// Endpoint returns how to reach a running deployment's gateway.
func (m *Manager) Endpoint(ctx context.Context, id string) (health.Endpoint, error) {
	d, err := m.Get(ctx, id)
	if err != nil {
		return health.Endpoint{}, err
	}
	if d.Status != StatusRunning {
		return health.Endpoint{}, fmt.Errorf("%s: %w (status: %s)", id, ErrNotRunning, d.Status)
	}
	if d.Port == 0 || d.GatewayToken == "" {
		return health.Endpoint{}, fmt.Errorf("deployment %s has no port or gateway token", id)
	}
	return m.endpoint(d), nil
}

func (m *Manager) saveHealth(ctx context.Context, id string, r health.Result) {
	data, err := json.Marshal(r)
	if err != nil {
		return
	}
	if err := m.store.SetHealth(context.WithoutCancel(ctx), id, string(data)); err != nil {
		slog.Warn("deploy: save health failed", "deployment", id, "err", err)
	}
}

// containers lists a project's containers, enriched by the inspector when
// one is configured.
func (m *Manager) containers(ctx context.Context, p runtime.Project) ([]runtime.ContainerInfo, error) {
	cs, err := m.driver.Status(ctx, p)
	if err != nil {
		return nil, err
	}
	if m.inspector == nil || len(cs) == 0 {
		return cs, nil
	}
	inspected, err := m.inspector.Containers(ctx, p.Name)
	if err != nil {
		slog.Debug("deploy: inspect failed", "project", p.Name, "err", err)
		return cs, nil
	}
	return runtime.Merge(cs, inspected), nil
}

type projectSource struct {
	m *Manager
	p runtime.Project
}

func (s projectSource) Containers(ctx context.Context) ([]runtime.ContainerInfo, error) {
	return s.m.containers(ctx, s.p)
}

func (s projectSource) Logs(ctx context.Context, tail int) (string, error) {
	return s.m.driver.Logs(ctx, s.p, tail)
}

func (m *Manager) source(p runtime.Project) health.ContainerSource {
	return projectSource{m: m, p: p}
}

// ExpectedRunning implements runtime.Target.
func (m *Manager) ExpectedRunning(ctx context.Context) ([]runtime.Tracked, error) {
	recs, err := m.store.ListDeployments(ctx)
	if err != nil {
		return nil, err
	}
	var out []runtime.Tracked
	for _, r := range recs {
		if Status(r.Status) != StatusRunning {
			continue
		}
		out = append(out, runtime.Tracked{ID: r.ID, Project: m.project(fromRecord(r))})
	}
	return out, nil
}

// MarkLost implements runtime.Target: a running deployment whose
// container disappeared or exited becomes failed.
func (m *Manager) MarkLost(ctx context.Context, id, detail string) error {
	_, ok, err := m.setStatus(ctx, id, StatusFailed, store.StatusUpdate{
		From:    []string{string(StatusRunning)},
		Reason:  string(faults.ReasonLaunch),
		Message: "container lost: " + detail,
	})
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	m.logs.Error(id, "Container lost: %s", detail)
	m.notify(ctx, audit.KindLost, id, "container lost: "+detail)
	return nil
}

// Restore reconciles recorded deployments with the container engine after
// a restart, re-registers their secrets and adopts deployment directories
// that have no record.
func (m *Manager) Restore(ctx context.Context) error {
	recs, err := m.store.ListDeployments(ctx)
	if err != nil {
		return fmt.Errorf("list deployments: %w", err)
	}
	known := make(map[string]bool, len(recs))
	for _, r := range recs {
		known[r.ID] = true
		d := fromRecord(r)
		m.registerSecrets(d)
		if err := m.restoreOne(ctx, d); err != nil {
			slog.Warn("deploy: restore failed", "deployment", d.ID, "err", err)
		}
	}

	entries, err := os.ReadDir(m.cfg.Root)
	if err != nil {
		return fmt.Errorf("scan deployments root: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() || known[e.Name()] || !validID.MatchString(e.Name()) {
			continue
		}
		if err := m.adopt(ctx, e.Name()); err != nil {
			slog.Warn("deploy: adopt failed", "deployment", e.Name(), "err", err)
		}
	}
	m.refreshGauge(ctx)
	return nil
}

func (m *Manager) registerSecrets(d *Deployment) {
	m.secrets.Add(d.ID, d.GatewayToken)
	f, err := os.Open(filepath.Join(d.Directory, envFileName))
	if err != nil {
		return
	}
	defer f.Close()
	env, err := deployfields.ReadEnvFile(f)
	if err != nil {
		return
	}
	m.secrets.Add(d.ID, deployfields.SensitiveValues(env.Values)...)
}

// restoreOne resolves states that were in flight when the process stopped.
func (m *Manager) restoreOne(ctx context.Context, d *Deployment) error {
	switch d.Status {
	case StatusLaunching, StatusStopping, StatusRunning:
	default:
		return nil
	}

	cs, err := m.containers(ctx, m.project(d))
	if err != nil {
		return err
	}
	running := runtime.AnyRunning(cs)

	switch {
	case d.Status == StatusRunning && !running:
		return m.MarkLost(ctx, d.ID, "container not running after restart")

	case d.Status == StatusLaunching && running:
		if _, _, err := m.setStatus(ctx, d.ID, StatusRunning, store.StatusUpdate{From: []string{string(StatusLaunching)}}); err != nil {
			return err
		}
		m.logs.Info(d.ID, "Restored: container running")

	case d.Status == StatusLaunching:
		if _, _, err := m.setStatus(ctx, d.ID, StatusStopping, store.StatusUpdate{From: []string{string(StatusLaunching)}}); err != nil {
			return err
		}
		if _, _, err := m.setStatus(ctx, d.ID, StatusStopped, store.StatusUpdate{}); err != nil {
			return err
		}
		m.logs.Info(d.ID, "Restored: launch was interrupted, deployment stopped")

	case d.Status == StatusStopping:
		if running {
			if res, err := m.driver.Down(ctx, m.project(d), runtime.DownOptions{RemoveOrphans: true}); err != nil {
				msg := failureText(res, err)
				_, _, serr := m.setStatus(ctx, d.ID, StatusFailed, store.StatusUpdate{
					From:    []string{string(StatusStopping)},
					Reason:  string(faults.ReasonLaunch),
					Message: "docker compose down failed: " + msg,
				})
				return errors.Join(faults.Launch("docker compose down failed: %s", msg), serr)
			}
		}
		if _, _, err := m.setStatus(ctx, d.ID, StatusStopped, store.StatusUpdate{}); err != nil {
			return err
		}
		m.logs.Info(d.ID, "Restored: stop completed")
	}
	slog.Info("deploy: restored", "deployment", d.ID, "recorded", d.Status, "container_running", running)
	return nil
}

// adopt records a deployment directory that has an env file but no record.
func (m *Manager) adopt(ctx context.Context, id string) error {
	dir := filepath.Join(m.cfg.Root, id)
	f, err := os.Open(filepath.Join(dir, envFileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	env, err := deployfields.ReadEnvFile(f)
	f.Close()
	if err != nil {
		return err
	}
	if env.Port == 0 || env.GatewayToken == "" {
		return fmt.Errorf("env file lacks %s or %s", deployfields.FieldPort, deployfields.FieldGatewayToken)
	}
	name := env.Name
	if name == "" {
		name = naming.Generate()
	}

	rec := &store.Deployment{
		ID:           id,
		Name:         name,
		Port:         env.Port,
		GatewayToken: env.GatewayToken,
		Status:       string(StatusStopped),
		Directory:    dir,
		Project:      runtime.ProjectNameFor(id),
	}
	if cs, err := m.containers(ctx, m.project(fromRecord(rec))); err == nil && runtime.AnyRunning(cs) {
		rec.Status = string(StatusRunning)
	}
	if err := m.store.CreateDeployment(ctx, rec); err != nil {
		return err
	}
	m.registerSecrets(fromRecord(rec))
	m.logs.Info(id, "Adopted existing deployment directory (port=%d, status=%s)", rec.Port, rec.Status)
	slog.Info("deploy: adopted", "deployment", id, "port", rec.Port, "status", rec.Status)
	return nil
}
