// Package app wires the orchestrator together: record store, compose
// driver, health prober, deployment manager, gateway connections,
// reconciler, audit notices and the HTTP API.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/aetherhub/aether/common/redact"
	"github.com/aetherhub/aether/common/retry"
	"github.com/aetherhub/aether/common/spec/deployfields"
	"github.com/aetherhub/aether/common/version"
	"github.com/aetherhub/aether/internal/aether/api"
	"github.com/aetherhub/aether/internal/aether/audit"
	"github.com/aetherhub/aether/internal/aether/config"
	"github.com/aetherhub/aether/internal/aether/connmgr"
	"github.com/aetherhub/aether/internal/aether/deploy"
	"github.com/aetherhub/aether/internal/aether/gateway"
	"github.com/aetherhub/aether/internal/aether/health"
	"github.com/aetherhub/aether/internal/aether/logbuf"
	"github.com/aetherhub/aether/internal/aether/matrix"
	"github.com/aetherhub/aether/internal/aether/metrics"
	"github.com/aetherhub/aether/internal/aether/runtime"
	"github.com/aetherhub/aether/internal/aether/runtime/compose"
	"github.com/aetherhub/aether/internal/aether/runtime/docker"
	"github.com/aetherhub/aether/internal/aether/store"
)

// Options replaces collaborators New would otherwise build from the
// configuration. Every field is optional.
type Options struct {
	// Driver defaults to the docker compose CLI.
	Driver runtime.Driver
	// Inspector defaults to the Docker engine API when
	// Deploy.DockerInspect is set and the engine answers a ping.
	Inspector runtime.Inspector
	// Notifier defaults to the Matrix audit room when configured.
	Notifier audit.Notifier
	// Registry defaults to a fresh registry with Go and process collectors.
	Registry *prometheus.Registry
}

// App is a fully wired orchestrator.
type App struct {
	cfg        config.Config
	store      *store.Store
	deploy     *deploy.Manager
	conns      *connmgr.Manager
	reconciler *runtime.Reconciler
	api        *api.Server
	notifier   audit.Notifier

	ready chan struct{}
	addr  net.Addr
}

// New builds every component and restores recorded deployments. It does
// not start serving; call Run.
func New(ctx context.Context, cfg config.Config, opts Options) (*App, error) {
	key, err := cfg.TokenKey()
	if err != nil {
		return nil, err
	}
	if err := compose.ValidateTemplate(cfg.Deploy.ComposeFile, deployfields.FieldPort, deployfields.FieldGatewayToken); err != nil {
		return nil, err
	}

	st, err := store.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	if key != nil {
		st.SetTokenKey(key)
	} else {
		slog.Warn("app: no master key configured; gateway tokens are stored in plaintext")
	}

	a, err := build(ctx, cfg, opts, st)
	if err != nil {
		st.Close()
		return nil, err
	}
	return a, nil
}

func build(ctx context.Context, cfg config.Config, opts Options, st *store.Store) (*App, error) {
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	m, err := metrics.New(reg)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	driver := opts.Driver
	if driver == nil {
		driver = compose.New(nil, compose.Config{
			UpTimeout:    cfg.Deploy.UpTimeout,
			DownTimeout:  cfg.Deploy.DownTimeout,
			QueryTimeout: cfg.Deploy.QueryTimeout,
		})
	}
	inspector := opts.Inspector
	if inspector == nil && cfg.Deploy.DockerInspect {
		inspector = dockerInspector(ctx)
	}

	notifier := opts.Notifier
	if notifier == nil {
		notifier = matrixNotifier(ctx, cfg.Matrix)
	}

	secrets := redact.NewRegistry()
	logs := logbuf.New(logbuf.Options{
		MaxEntries: cfg.Deploy.LogMaxEntries,
		Noise:      logbuf.ParseNoise(cfg.Deploy.LogNoise),
		Secrets:    secrets,
	})
	prober := health.New(health.Config{
		Phase1Interval:    cfg.Health.Phase1Interval,
		Phase1MaxAttempts: cfg.Health.Phase1MaxAttempts,
		Phase2Interval:    cfg.Health.Phase2Interval,
		Phase2MaxAttempts: cfg.Health.Phase2MaxAttempts,
		HTTPTimeout:       cfg.Health.HTTPTimeout,
		WSTimeout:         cfg.Health.WSTimeout,
		LogTail:           cfg.Deploy.LogTail,
		FatalPatterns:     cfg.Health.FatalPatterns,
	}, nil)

	dm, err := deploy.New(deploy.Config{
		Root:        cfg.Deploy.Root,
		ComposeFile: cfg.Deploy.ComposeFile,
		GatewayHost: cfg.Deploy.GatewayHost,
		PortMin:     cfg.Deploy.PortMin,
		PortMax:     cfg.Deploy.PortMax,
		LogTail:     cfg.Deploy.LogTail,
	}, deploy.Deps{
		Store:     st,
		Driver:    driver,
		Inspector: inspector,
		Prober:    prober,
		Logs:      logs,
		Secrets:   secrets,
		Notifier:  notifier,
		Metrics:   m,
	})
	if err != nil {
		return nil, err
	}
	if err := dm.Restore(ctx); err != nil {
		slog.Warn("app: restore deployments", "err", err)
	}

	reconnect := retry.Config{
		MaxAttempts:  cfg.Gateway.ReconnectAttempts,
		InitialDelay: cfg.Gateway.ReconnectInitialDelay,
		MaxDelay:     cfg.Gateway.ReconnectMaxDelay,
		Multiplier:   2,
		DelayFirst:   true,
	}
	cm := connmgr.New(connmgr.Config{
		LocalReconnect:  reconnect,
		RemoteReconnect: reconnect,
		RequestTimeout:  cfg.Gateway.RequestTimeout,
		Chat:            gateway.ChatOptions{Timeout: cfg.Gateway.ChatTimeout},
	}, connmgr.Deps{Endpoints: dm, Notifier: notifier, Metrics: m})

	srv := api.New(api.Config{
		Addr:           cfg.Listen,
		SendRate:       cfg.API.SendRate,
		SendBurst:      cfg.API.SendBurst,
		AllowedOrigins: cfg.API.AllowedOrigins,
	}, api.Deps{Deployer: dm, Connections: cm, Metrics: m, Gatherer: reg})

	return &App{
		cfg:        cfg,
		store:      st,
		deploy:     dm,
		conns:      cm,
		reconciler: runtime.NewReconciler(driver, dm, runtime.ReconcilerConfig{Interval: cfg.Deploy.ReconcileInterval}),
		api:        srv,
		notifier:   notifier,
		ready:      make(chan struct{}),
	}, nil
}

// dockerInspector returns an engine client, or nil when the engine is not
// reachable. Status then relies on compose output alone.
func dockerInspector(ctx context.Context) runtime.Inspector {
	ins, err := docker.New()
	if err != nil {
		slog.Warn("app: docker inspector disabled", "err", err)
		return nil
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := ins.Ping(pctx); err != nil {
		slog.Warn("app: docker inspector disabled", "err", err)
		return nil
	}
	return ins
}

// matrixNotifier joins the audit room and returns a notifier posting to it.
// Without a room it returns a no-op notifier.
func matrixNotifier(ctx context.Context, cfg config.Matrix) audit.Notifier {
	if !cfg.Enabled() {
		return audit.Noop{}
	}
	client, err := matrix.New(matrix.Config{
		Homeserver:  cfg.Homeserver,
		UserID:      cfg.UserID,
		AccessToken: cfg.AccessToken,
	})
	if err != nil {
		slog.Warn("app: audit notices disabled", "err", err)
		return audit.Noop{}
	}
	jctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := client.JoinRoom(jctx, cfg.Room); err != nil {
		slog.Warn("app: failed to join audit room", "room", cfg.Room, "err", err)
	}
	slog.Info("app: audit notices enabled", "room", cfg.Room)
	return audit.NewMatrixNotifier(client, cfg.Room)
}

// Run serves the API and runs background loops until ctx is cancelled,
// then shuts everything down.
func (a *App) Run(ctx context.Context) error {
	addr, err := a.api.Start(ctx)
	if err != nil {
		a.close()
		return err
	}
	a.addr = addr
	close(a.ready)
	slog.Info("app: started", "version", version.Info(), "addr", addr.String(), "deploy_root", a.cfg.Deploy.Root)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.reconciler.Run(gctx)
		return nil
	})
	if a.cfg.Remote.Enabled() {
		g.Go(func() error {
			a.autoConnectRemote(gctx)
			return nil
		})
	}

	<-ctx.Done()
	slog.Info("app: shutting down")
	a.api.Stop()
	err = g.Wait()
	a.close()
	return err
}

// Ready is closed once Run is listening.
func (a *App) Ready() <-chan struct{} { return a.ready }

// Addr is the API listener's address. It is nil until Ready is closed.
func (a *App) Addr() net.Addr { return a.addr }

// autoConnectRemote connects the remote role from configuration, retrying
// transient failures. A rejected token is not retried.
func (a *App) autoConnectRemote(ctx context.Context) {
	rc := connmgr.RemoteConfig{
		URL:            a.cfg.Remote.URL,
		Token:          a.cfg.Remote.Token,
		SessionKey:     a.cfg.Remote.SessionKey,
		CFClientID:     a.cfg.Remote.CFClientID,
		CFClientSecret: a.cfg.Remote.CFClientSecret,
	}
	policy := retry.Config{
		MaxAttempts:  5,
		InitialDelay: 2 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
	}
	err := retry.Do(ctx, policy, func() error {
		_, err := a.conns.ConnectRemote(ctx, rc)
		if gateway.IsAuthError(err) || errors.Is(err, connmgr.ErrInvalidRemote) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		if ctx.Err() == nil {
			slog.Warn("app: remote auto-connect failed", "url", rc.URL, "err", err)
		}
		return
	}
	slog.Info("app: remote gateway connected", "url", rc.URL)
}

func (a *App) close() {
	a.conns.Close()
	a.deploy.Close()
	if err := a.store.Close(); err != nil {
		slog.Warn("app: close store", "err", err)
	}
}
