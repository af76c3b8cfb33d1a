package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Tracked is a deployment the reconciler expects to be running.
type Tracked struct {
	ID      string
	Project Project
}

// Target is the owner of deployment state. The reconciler never mutates
// records itself; it reports drift back through MarkLost.
type Target interface {
	// ExpectedRunning lists deployments whose recorded status is running.
	ExpectedRunning(ctx context.Context) ([]Tracked, error)
	// MarkLost records that a running deployment's container disappeared
	// or stopped.
	MarkLost(ctx context.Context, id, detail string) error
}

// ReconcilerConfig configures the reconciliation loop.
type ReconcilerConfig struct {
	// Interval is how often to poll container state. Defaults to 30s.
	Interval time.Duration
	// AlertFunc is called when drift is detected. If nil, drift is only
	// logged.
	AlertFunc func(deploymentID, message string)
}

// Reconciler periodically compares recorded running deployments with the
// container engine's view.
type Reconciler struct {
	driver Driver
	target Target
	cfg    ReconcilerConfig
}

// NewReconciler creates a new Reconciler.
func NewReconciler(d Driver, t Target, cfg ReconcilerConfig) *Reconciler {
	if cfg.Interval == 0 {
		cfg.Interval = 30 * time.Second
	}
	return &Reconciler{driver: d, target: t, cfg: cfg}
}

// Run starts the reconciliation loop. Blocks until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	slog.Info("reconciler: starting", "interval", r.cfg.Interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("reconciler: stopping")
			return
		case <-ticker.C:
			if err := r.Reconcile(ctx); err != nil {
				slog.Warn("reconciler: pass failed", "err", err)
			}
		}
	}
}

// Reconcile runs a single pass.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	tracked, err := r.target.ExpectedRunning(ctx)
	if err != nil {
		return fmt.Errorf("list running deployments: %w", err)
	}

	for _, t := range tracked {
		containers, err := r.driver.Status(ctx, t.Project)
		if err != nil {
			slog.Warn("reconciler: status failed", "deployment", t.ID, "err", err)
			continue
		}
		if AnyRunning(containers) {
			continue
		}

		detail := describeDrift(containers)
		slog.Warn("reconciler: deployment drifted", "deployment", t.ID, "detail", detail)
		if err := r.target.MarkLost(ctx, t.ID, detail); err != nil {
			slog.Warn("reconciler: mark lost failed", "deployment", t.ID, "err", err)
			continue
		}
		r.alert(t.ID, detail)
	}
	return nil
}

func (r *Reconciler) alert(id, message string) {
	if r.cfg.AlertFunc != nil {
		r.cfg.AlertFunc(id, message)
	}
}

func describeDrift(cs []ContainerInfo) string {
	if len(cs) == 0 {
		return "container missing; expected running"
	}
	c := cs[0]
	msg := fmt.Sprintf("container %s is %s (exit_code=%d)", c.Name, c.State, c.ExitCode)
	if c.OOMKilled {
		msg += ", OOM killed"
	}
	return msg
}
