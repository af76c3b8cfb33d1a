// Package deploy owns the deployment lifecycle: configuration, launch,
// health verification, teardown and removal. It is the only writer of
// deployment records and lifecycle logs.
package deploy

import (
	"context"
	cryptorand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/aetherhub/aether/common/naming"
	"github.com/aetherhub/aether/common/redact"
	"github.com/aetherhub/aether/common/spec/deployfields"
	"github.com/aetherhub/aether/common/trace"
	"github.com/aetherhub/aether/internal/aether/audit"
	"github.com/aetherhub/aether/internal/aether/faults"
	"github.com/aetherhub/aether/internal/aether/health"
	"github.com/aetherhub/aether/internal/aether/logbuf"
	"github.com/aetherhub/aether/internal/aether/metrics"
	"github.com/aetherhub/aether/internal/aether/runtime"
	"github.com/aetherhub/aether/internal/aether/store"
)

var (
	// ErrNotFound is returned for unknown deployment ids.
	ErrNotFound = store.ErrNotFound
	// ErrAlreadyConfigured is returned when configuring an id that exists.
	ErrAlreadyConfigured = errors.New("deployment already configured")
	// ErrLaunchInProgress is returned when a launch is already running.
	ErrLaunchInProgress = errors.New("launch already in progress")
	// ErrNoPortAvailable is returned when no free port was found in range.
	ErrNoPortAvailable = errors.New("no free port available")
	// ErrNotRunning is returned when an operation needs a running gateway.
	ErrNotRunning = errors.New("deployment is not running")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("deployment manager closed")
)

const (
	envFileName      = ".env"
	staleConfigFile  = "openclaw.json"
	portAttempts     = 50
	defaultLogTail   = 50
	defaultPortMin   = 10000
	defaultPortMax   = 65000
	tokenBytes       = 16
	deploymentIDSize = 10
)

var validID = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,62}$`)

// Config holds the manager's settings.
type Config struct {
	// Root holds one directory per deployment.
	Root string
	// ComposeFile is the read-only compose template every project uses.
	ComposeFile string
	// GatewayHost is where published gateway ports are reachable.
	GatewayHost string
	PortMin     int
	PortMax     int
	// LogTail is the default number of container lines merged into Logs.
	LogTail int
	// PortFree reports whether a port can be bound; nil probes with
	// net.Listen.
	PortFree func(port int) bool
}

func (c *Config) applyDefaults() {
	if c.GatewayHost == "" {
		c.GatewayHost = "localhost"
	}
	if c.PortMin <= 0 {
		c.PortMin = defaultPortMin
	}
	if c.PortMax <= 0 || c.PortMax < c.PortMin {
		c.PortMax = defaultPortMax
	}
	if c.LogTail <= 0 {
		c.LogTail = defaultLogTail
	}
	if c.PortFree == nil {
		c.PortFree = portFree
	}
}

// Deps are the collaborators the manager drives.
type Deps struct {
	Store  *store.Store
	Driver runtime.Driver
	// Inspector adds engine-level details to compose status. Optional.
	Inspector runtime.Inspector
	Prober    *health.Prober
	Logs      *logbuf.Buffer
	Secrets   *redact.Registry
	Notifier  audit.Notifier
	Metrics   *metrics.Metrics
}

type job struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager drives deployments through their lifecycle.
type Manager struct {
	cfg       Config
	store     *store.Store
	driver    runtime.Driver
	inspector runtime.Inspector
	prober    *health.Prober
	logs      *logbuf.Buffer
	secrets   *redact.Registry
	notifier  audit.Notifier
	metrics   *metrics.Metrics

	configMu sync.Mutex

	mu     sync.Mutex
	jobs   map[string]*job
	closed bool
}

var _ runtime.Target = (*Manager)(nil)

// New creates a Manager.
func New(cfg Config, deps Deps) (*Manager, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("deploy: root directory is required")
	}
	if deps.Store == nil || deps.Driver == nil {
		return nil, fmt.Errorf("deploy: store and driver are required")
	}
	cfg.applyDefaults()

	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("deploy: resolve root: %w", err)
	}
	cfg.Root = root
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("deploy: create root: %w", err)
	}

	if deps.Secrets == nil {
		deps.Secrets = redact.NewRegistry()
	}
	if deps.Logs == nil {
		deps.Logs = logbuf.New(logbuf.Options{Secrets: deps.Secrets})
	}
	if deps.Prober == nil {
		deps.Prober = health.New(health.Config{}, nil)
	}
	if deps.Notifier == nil {
		deps.Notifier = audit.Noop{}
	}

	return &Manager{
		cfg:       cfg,
		store:     deps.Store,
		driver:    deps.Driver,
		inspector: deps.Inspector,
		prober:    deps.Prober,
		logs:      deps.Logs,
		secrets:   deps.Secrets,
		notifier:  deps.Notifier,
		metrics:   deps.Metrics,
		jobs:      make(map[string]*job),
	}, nil
}

// Close cancels in-flight launches and waits for them to return.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	jobs := make([]*job, 0, len(m.jobs))
	for _, j := range m.jobs {
		jobs = append(jobs, j)
	}
	m.mu.Unlock()

	for _, j := range jobs {
		j.cancel()
		<-j.done
	}
}

// FieldSchema describes the fields Configure accepts.
func (m *Manager) FieldSchema() deployfields.Schema {
	return deployfields.Describe()
}

// Configure validates fields and materializes a new deployment with a
// fresh id, port and gateway token. Invalid fields yield a configuration
// error and create nothing.
func (m *Manager) Configure(ctx context.Context, fields deployfields.Values) (*Deployment, error) {
	return m.ConfigureID(ctx, newDeploymentID(), fields)
}

// ConfigureID is Configure with a caller-chosen id. Configuring an id that
// already exists fails with ErrAlreadyConfigured.
func (m *Manager) ConfigureID(ctx context.Context, id string, fields deployfields.Values) (*Deployment, error) {
	values, err := deployfields.Validate(fields)
	if err != nil {
		return nil, faults.Configuration(err)
	}
	if !validID.MatchString(id) {
		return nil, faults.New(faults.ReasonConfiguration, "invalid deployment id %q", id)
	}

	m.configMu.Lock()
	defer m.configMu.Unlock()

	if _, err := m.store.GetDeployment(ctx, id); err == nil {
		return nil, fmt.Errorf("%s: %w", id, ErrAlreadyConfigured)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	dir := filepath.Join(m.cfg.Root, id)
	if err := os.Mkdir(dir, 0o750); err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%s: %w", id, ErrAlreadyConfigured)
		}
		return nil, fmt.Errorf("create deployment directory: %w", err)
	}
	d, err := m.materialize(ctx, id, dir, values)
	if err != nil {
		os.RemoveAll(dir)
		m.logs.Drop(id)
		m.secrets.Forget(id)
		return nil, err
	}

	slog.Info("deploy: configured", "deployment", id, "port", d.Port, "dir", dir, trace.Attr(ctx))
	m.recordTransition(ctx, StatusUnconfigured, StatusConfigured)
	m.notify(ctx, audit.KindConfigured, id, fmt.Sprintf("%s configured on port %d", d.Name, d.Port))
	return d, nil
}

func (m *Manager) materialize(ctx context.Context, id, dir string, values deployfields.Values) (*Deployment, error) {
	m.logs.Info(id, "Starting deployment configuration...")
	m.logs.Info(id, "Deployment ID: %s", id)
	m.logs.Info(id, "Mandatory fields validated ✓")

	for _, sub := range []string{"config", "workspace"} {
		if err := os.Mkdir(filepath.Join(dir, sub), 0o750); err != nil {
			return nil, fmt.Errorf("create %s directory: %w", sub, err)
		}
	}
	m.logs.Info(id, "Deployment directory created: %s/", filepath.Join(filepath.Base(m.cfg.Root), id))

	token, err := newToken()
	if err != nil {
		return nil, err
	}
	m.secrets.Add(id, token)
	m.secrets.Add(id, deployfields.SensitiveValues(values)...)

	port, err := m.allocatePort(ctx)
	if err != nil {
		return nil, err
	}
	m.logs.Info(id, "Auto-generated PORT=%d", port)
	m.logs.Info(id, "Auto-generated OPENCLAW_GATEWAY_TOKEN ✓")

	name := naming.Generate()
	m.logs.Info(id, "Deployment name: %s", name)

	env := deployfields.EnvFile{DeploymentID: id, Name: name, Port: port, GatewayToken: token, Dir: dir, Values: values}
	if err := writeEnvFile(filepath.Join(dir, envFileName), env); err != nil {
		return nil, err
	}
	m.logs.Info(id, "Environment file (.env) written ✓")

	if values[deployfields.FieldTelegramBotToken] != "" {
		m.logs.Info(id, "Telegram integration configured ✓")
	}
	if values[deployfields.FieldAnthropicKey] != "" {
		m.logs.Info(id, "Anthropic API key configured ✓")
	}
	if values[deployfields.FieldOpenAIKey] != "" {
		m.logs.Info(id, "OpenAI API key configured ✓")
	}

	rec := &store.Deployment{
		ID:           id,
		Name:         name,
		Port:         port,
		GatewayToken: token,
		Status:       string(StatusConfigured),
		Directory:    dir,
		Project:      runtime.ProjectNameFor(id),
	}
	if err := m.store.CreateDeployment(ctx, rec); err != nil {
		return nil, err
	}
	m.logs.Info(id, "Configuration complete. Ready to launch.")
	return fromRecord(rec), nil
}

func writeEnvFile(path string, env deployfields.EnvFile) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("create env file: %w", err)
	}
	if _, err := env.WriteTo(f); err != nil {
		f.Close()
		return fmt.Errorf("write env file: %w", err)
	}
	return f.Close()
}

// allocatePort picks a random port in range that no record holds and that
// nothing on this host is listening on.
func (m *Manager) allocatePort(ctx context.Context) (int, error) {
	span := m.cfg.PortMax - m.cfg.PortMin + 1
	for i := 0; i < portAttempts; i++ {
		port := m.cfg.PortMin + rand.IntN(span)
		taken, err := m.store.PortAllocated(ctx, port)
		if err != nil {
			return 0, err
		}
		if !taken && m.cfg.PortFree(port) {
			return port, nil
		}
	}
	return 0, fmt.Errorf("%w in %d-%d", ErrNoPortAvailable, m.cfg.PortMin, m.cfg.PortMax)
}

func portFree(port int) bool {
	l, err := net.Listen("tcp", ":"+strconv.Itoa(port))
	if err != nil {
		return false
	}
	l.Close()
	return true
}

func newDeploymentID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:deploymentIDSize]
}

func newToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := cryptorand.Read(b); err != nil {
		return "", fmt.Errorf("generate gateway token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Get returns one deployment.
func (m *Manager) Get(ctx context.Context, id string) (*Deployment, error) {
	rec, err := m.store.GetDeployment(ctx, id)
	if err != nil {
		return nil, err
	}
	return fromRecord(rec), nil
}

// List returns every recorded deployment.
func (m *Manager) List(ctx context.Context) ([]*Deployment, error) {
	recs, err := m.store.ListDeployments(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Deployment, len(recs))
	for i, r := range recs {
		out[i] = fromRecord(r)
	}
	return out, nil
}

// Remove stops the deployment if needed, then deletes its directory,
// record and logs, releasing its port.
func (m *Manager) Remove(ctx context.Context, id string) error {
	d, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	if d.Status != StatusConfigured && d.Status != StatusStopped {
		if _, err := m.Stop(ctx, id); err != nil {
			return fmt.Errorf("stop before remove: %w", err)
		}
	}
	m.cancelJob(id)

	if err := m.removeDir(d.Directory); err != nil {
		return err
	}
	if err := m.store.DeleteDeployment(ctx, id); err != nil {
		return err
	}
	m.logs.Drop(id)
	m.secrets.Forget(id)

	slog.Info("deploy: removed", "deployment", id, trace.Attr(ctx))
	m.notify(ctx, audit.KindRemoved, id, fmt.Sprintf("%s removed", d.Name))
	m.refreshGauge(ctx)
	return nil
}

// removeDir deletes dir only when it lies directly under the root.
func (m *Manager) removeDir(dir string) error {
	if filepath.Dir(filepath.Clean(dir)) != m.cfg.Root {
		return fmt.Errorf("refusing to remove %s: outside %s", dir, m.cfg.Root)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove deployment directory: %w", err)
	}
	return nil
}

func (m *Manager) project(d *Deployment) runtime.Project {
	return runtime.Project{
		Name:        d.Project,
		Dir:         d.Directory,
		ComposeFile: m.cfg.ComposeFile,
		EnvFile:     filepath.Join(d.Directory, envFileName),
	}
}

// setStatus applies a checked transition. With u.From unset every allowed
// source of to is accepted.
func (m *Manager) setStatus(ctx context.Context, id string, to Status, u store.StatusUpdate) (Status, bool, error) {
	if len(u.From) == 0 {
		u.From = sourcesOf(to)
	}
	for _, f := range u.From {
		if !CanTransition(Status(f), to) {
			return "", false, invalidTransition(id, Status(f), to)
		}
	}
	u.To = string(to)
	if u.TraceID == "" {
		u.TraceID = trace.FromContext(ctx)
	}
	prev, ok, err := m.store.CompareAndSetStatus(ctx, id, u)
	if err != nil {
		return Status(prev), false, err
	}
	if ok {
		m.recordTransition(ctx, Status(prev), to)
	}
	return Status(prev), ok, nil
}

func (m *Manager) recordTransition(ctx context.Context, from, to Status) {
	if m.metrics == nil {
		return
	}
	m.metrics.Transition(string(from), string(to))
	m.refreshGauge(ctx)
}

func (m *Manager) refreshGauge(ctx context.Context) {
	if m.metrics == nil {
		return
	}
	recs, err := m.store.ListDeployments(ctx)
	if err != nil {
		return
	}
	counts := map[string]int{}
	for _, r := range recs {
		counts[r.Status]++
	}
	m.metrics.SetDeployments(counts)
}

func (m *Manager) notify(ctx context.Context, kind audit.Kind, id, message string) {
	m.notifier.Notify(ctx, audit.Event{Kind: kind, Target: id, Message: m.secrets.Apply(id, message)})
}
