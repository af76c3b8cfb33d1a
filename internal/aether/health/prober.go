// Package health verifies that a launched deployment came up: phase 1 waits
// for the container to run, phase 2 waits for its gateway to answer both an
// HTTP request and a WebSocket handshake.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/aetherhub/aether/common/redact"
	"github.com/aetherhub/aether/common/spec/envelope"
	"github.com/aetherhub/aether/internal/aether/faults"
	"github.com/aetherhub/aether/internal/aether/gateway"
	"github.com/aetherhub/aether/internal/aether/runtime"
)

// DefaultFatalPatterns mark container output that means the gateway will
// never come up, so waiting out the phase budget is pointless.
var DefaultFatalPatterns = []string{
	"EADDRINUSE",
	"Cannot find module",
	"FATAL ERROR",
	"Invalid config",
	"exec format error",
}

// Config holds the probe budgets.
type Config struct {
	Phase1Interval    time.Duration
	Phase1MaxAttempts int
	Phase2Interval    time.Duration
	Phase2MaxAttempts int
	HTTPTimeout       time.Duration
	WSTimeout         time.Duration
	// LogTail is how many container lines are scanned for fatal patterns.
	LogTail       int
	FatalPatterns []string
}

// DefaultConfig: phase 1 polls every 2s for up to 3 minutes, phase 2 every
// 5s for up to 3 minutes.
var DefaultConfig = Config{
	Phase1Interval:    2 * time.Second,
	Phase1MaxAttempts: 90,
	Phase2Interval:    5 * time.Second,
	Phase2MaxAttempts: 36,
	HTTPTimeout:       5 * time.Second,
	WSTimeout:         8 * time.Second,
	LogTail:           50,
	FatalPatterns:     DefaultFatalPatterns,
}

func (c *Config) applyDefaults() {
	d := DefaultConfig
	if c.Phase1Interval <= 0 {
		c.Phase1Interval = d.Phase1Interval
	}
	if c.Phase1MaxAttempts <= 0 {
		c.Phase1MaxAttempts = d.Phase1MaxAttempts
	}
	if c.Phase2Interval <= 0 {
		c.Phase2Interval = d.Phase2Interval
	}
	if c.Phase2MaxAttempts <= 0 {
		c.Phase2MaxAttempts = d.Phase2MaxAttempts
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = d.HTTPTimeout
	}
	if c.WSTimeout <= 0 {
		c.WSTimeout = d.WSTimeout
	}
	if c.LogTail <= 0 {
		c.LogTail = d.LogTail
	}
	if c.FatalPatterns == nil {
		c.FatalPatterns = d.FatalPatterns
	}
}

// ContainerSource exposes one deployment's containers to phase 1.
type ContainerSource interface {
	Containers(ctx context.Context) ([]runtime.ContainerInfo, error)
	Logs(ctx context.Context, tail int) (string, error)
}

// Endpoint locates a deployment's gateway.
type Endpoint struct {
	Host     string
	Port     int
	Token    string
	ClientID string
}

func (e Endpoint) hostPort() string {
	host := e.Host
	if host == "" {
		host = "localhost"
	}
	return net.JoinHostPort(host, strconv.Itoa(e.Port))
}

// Result is the outcome of one gateway check.
type Result struct {
	Healthy   bool      `json:"healthy"`
	HTTPOK    bool      `json:"http_ok"`
	WSOK      bool      `json:"ws_ok"`
	Port      int       `json:"port,omitempty"`
	Detail    string    `json:"detail"`
	Attempts  int       `json:"attempts,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// NotRunning is the result reported for deployments that are not running.
func NotRunning(status string) Result {
	return Result{
		Detail:    fmt.Sprintf("Container not running (status: %s)", status),
		CheckedAt: time.Now().UTC(),
	}
}

// Progress reports each attempt of a phase.
type Progress func(phase, attempt int, detail string)

// ProbeFunc performs the WebSocket handshake half of a check.
type ProbeFunc func(ctx context.Context, url, token, clientID string, headers http.Header) (*envelope.Hello, error)

// Prober runs health checks. It is safe for concurrent use.
type Prober struct {
	cfg    Config
	client *http.Client
	probe  ProbeFunc
}

// New creates a Prober. A nil probe selects gateway.Probe.
func New(cfg Config, probe ProbeFunc) *Prober {
	cfg.applyDefaults()
	if probe == nil {
		probe = gateway.Probe
	}
	return &Prober{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.HTTPTimeout},
		probe:  probe,
	}
}

// Config returns the effective configuration.
func (p *Prober) Config() Config { return p.cfg }

// WaitContainer polls src until a container is running. It fails early
// with a launch error when a container exits non-zero, is OOM-killed or
// prints a fatal pattern, and with *faults.HealthTimeout when the attempts
// run out.
func (p *Prober) WaitContainer(ctx context.Context, src ContainerSource, progress Progress) (*runtime.ContainerInfo, error) {
	last := ""
	for attempt := 1; attempt <= p.cfg.Phase1MaxAttempts; attempt++ {
		info, detail, err := p.containerAttempt(ctx, src)
		if err != nil {
			return nil, err
		}
		if info != nil {
			return info, nil
		}
		last = detail
		report(progress, 1, attempt, detail)

		if attempt < p.cfg.Phase1MaxAttempts {
			if err := sleep(ctx, p.cfg.Phase1Interval); err != nil {
				return nil, err
			}
		}
	}
	return nil, &faults.HealthTimeout{Phase: 1, Attempts: p.cfg.Phase1MaxAttempts, Last: last}
}

func (p *Prober) containerAttempt(ctx context.Context, src ContainerSource) (*runtime.ContainerInfo, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	containers, err := src.Containers(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		return nil, "container status unavailable: " + err.Error(), nil
	}
	if len(containers) == 0 {
		return nil, "no containers yet", nil
	}

	var running *runtime.ContainerInfo
	states := make([]string, 0, len(containers))
	for i := range containers {
		c := containers[i]
		switch {
		case c.OOMKilled:
			return nil, "", faults.Launch("container %s was OOM-killed", c.Name)
		case (c.State == runtime.StateExited || c.State == runtime.StateDead) && c.ExitCode != 0:
			return nil, "", faults.Launch("container %s exited with code %d", c.Name, c.ExitCode)
		case c.State == runtime.StateRunning && running == nil:
			running = &containers[i]
		}
		states = append(states, c.Name+"="+string(c.State))
	}

	if line := p.fatalLine(ctx, src); line != "" {
		return nil, "", faults.Launch("fatal container output: %s", line)
	}
	if running != nil {
		return running, "", nil
	}
	return nil, "waiting for container: " + strings.Join(states, ", "), nil
}

// fatalLine returns the first tail line matching a fatal pattern.
func (p *Prober) fatalLine(ctx context.Context, src ContainerSource) string {
	if len(p.cfg.FatalPatterns) == 0 {
		return ""
	}
	out, err := src.Logs(ctx, p.cfg.LogTail)
	if err != nil {
		slog.Debug("health: log scan failed", "err", err)
		return ""
	}
	for _, line := range strings.Split(out, "\n") {
		for _, pat := range p.cfg.FatalPatterns {
			if strings.Contains(line, pat) {
				return strings.TrimSpace(line)
			}
		}
	}
	return ""
}

// WaitGateway repeats Check until the gateway is healthy or the phase
// budget runs out. Partial successes go to progress.
func (p *Prober) WaitGateway(ctx context.Context, ep Endpoint, progress Progress) (Result, error) {
	var r Result
	for attempt := 1; attempt <= p.cfg.Phase2MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return r, err
		}
		r = p.Check(ctx, ep)
		r.Attempts = attempt
		if r.Healthy {
			return r, nil
		}
		if ctx.Err() != nil {
			return r, ctx.Err()
		}
		report(progress, 2, attempt, r.Detail)

		if attempt < p.cfg.Phase2MaxAttempts {
			if err := sleep(ctx, p.cfg.Phase2Interval); err != nil {
				return r, err
			}
		}
	}
	return r, &faults.HealthTimeout{Phase: 2, Attempts: p.cfg.Phase2MaxAttempts, Last: r.Detail}
}

// Check performs one HTTP probe and, if that passes, one handshake probe.
// The deployment is healthy only when both succeed.
func (p *Prober) Check(ctx context.Context, ep Endpoint) Result {
	r := Result{Port: ep.Port}
	var detail strings.Builder

	httpURL := "http://" + ep.hostPort() + "/?token=" + url.QueryEscape(ep.Token)
	hctx, cancel := context.WithTimeout(ctx, p.cfg.HTTPTimeout)
	req, err := http.NewRequestWithContext(hctx, http.MethodGet, httpURL, nil)
	if err == nil {
		var resp *http.Response
		resp, err = p.client.Do(req)
		if err == nil {
			resp.Body.Close()
			r.HTTPOK = resp.StatusCode < http.StatusInternalServerError
			fmt.Fprintf(&detail, "HTTP %d", resp.StatusCode)
		}
	}
	cancel()
	if err != nil {
		fmt.Fprintf(&detail, "HTTP probe failed: %v", err)
	}

	if r.HTTPOK {
		clientID := ep.ClientID
		if clientID == "" {
			clientID = envelope.ClientIDLocal
		}
		wctx, cancel := context.WithTimeout(ctx, p.cfg.WSTimeout)
		_, err := p.probe(wctx, gateway.LocalURL(ep.Host, ep.Port), ep.Token, clientID, nil)
		cancel()

		var rej *gateway.ConnectRejected
		switch {
		case err == nil:
			r.WSOK = true
			detail.WriteString(" | WS handshake OK")
		case errors.As(err, &rej):
			fmt.Fprintf(&detail, " | WS connect rejected: %s: %s", rej.Code, rej.Message)
		default:
			fmt.Fprintf(&detail, " | WS probe failed: %v", err)
		}
	}

	r.Healthy = r.HTTPOK && r.WSOK
	r.Detail = redact.String(detail.String(), ep.Token, url.QueryEscape(ep.Token))
	r.CheckedAt = time.Now().UTC()
	return r
}

func report(progress Progress, phase, attempt int, detail string) {
	if progress != nil {
		progress(phase, attempt, detail)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
