// Package config loads the orchestrator's settings: an optional YAML file
// overlaid by environment variables. Environment variables always win.
//
// Recognised variables:
//
//	AETHER_LISTEN                 HTTP listen address (default ":8080")
//	AETHER_DATABASE_PATH          SQLite file (default "./aether.db")
//	AETHER_MASTER_KEY             64 hex chars; encrypts gateway tokens at rest
//	AETHER_DEPLOY_ROOT            deployment directories (default "./deployments")
//	AETHER_COMPOSE_FILE           compose template (default "./docker-compose.yml")
//	AETHER_GATEWAY_HOST           where published ports are reachable (default "localhost")
//	AETHER_PORT_RANGE             "low-high" (default "10000-65000")
//	AETHER_LOG_TAIL               container lines merged into logs (default 50)
//	AETHER_LOG_MAX_ENTRIES        per-deployment lifecycle log cap (default 2000)
//	AETHER_LOG_NOISE              comma list of noise filters, "a&&b" joins substrings
//	AETHER_DOCKER_INSPECT         enrich status via the Docker API (default true)
//	AETHER_RECONCILE_INTERVAL     container drift check period (default 30s)
//	AETHER_PHASE1_INTERVAL, AETHER_PHASE1_ATTEMPTS
//	AETHER_PHASE2_INTERVAL, AETHER_PHASE2_ATTEMPTS
//	AETHER_REQUEST_TIMEOUT        gateway RPC timeout (default 30s)
//	AETHER_RECONNECT_ATTEMPTS     gateway reconnect budget (default 10)
//	AETHER_CHAT_TIMEOUT           wait for a chat reply (default 180s)
//	AETHER_SEND_RATE              chat sends per second per role (default 1)
//	AETHER_SEND_BURST             (default 5)
//	AETHER_ALLOWED_ORIGINS        comma list for the event stream; empty allows any
//	AETHER_REMOTE_URL, AETHER_REMOTE_TOKEN, AETHER_REMOTE_SESSION_KEY
//	AETHER_REMOTE_AUTOCONNECT     connect the remote role at startup (default true when a URL is set)
//	CF_ACCESS_CLIENT_ID, CF_ACCESS_CLIENT_SECRET
//	MATRIX_HOMESERVER, MATRIX_USER_ID, MATRIX_ACCESS_TOKEN, AETHER_AUDIT_ROOM
//	LOG_LEVEL                     debug, info, warn, error (default "info")
//	LOG_FORMAT                    text or json (default "text")
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aetherhub/aether/common/crypto"
	"github.com/aetherhub/aether/common/environment"
)

// Config is the full set of settings.
type Config struct {
	Listen       string `yaml:"listen"`
	DatabasePath string `yaml:"database_path"`
	// MasterKey is hex encoded; see crypto.ParseMasterKey.
	MasterKey string `yaml:"master_key"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	Deploy  Deploy  `yaml:"deploy"`
	Health  Health  `yaml:"health"`
	Gateway Gateway `yaml:"gateway"`
	API     API     `yaml:"api"`
	Remote  Remote  `yaml:"remote"`
	Matrix  Matrix  `yaml:"matrix"`
}

// Deploy configures deployment directories, ports and compose.
type Deploy struct {
	Root              string        `yaml:"root"`
	ComposeFile       string        `yaml:"compose_file"`
	GatewayHost       string        `yaml:"gateway_host"`
	PortMin           int           `yaml:"port_min"`
	PortMax           int           `yaml:"port_max"`
	LogTail           int           `yaml:"log_tail"`
	LogMaxEntries     int           `yaml:"log_max_entries"`
	LogNoise          []string      `yaml:"log_noise"`
	DockerInspect     bool          `yaml:"docker_inspect"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	UpTimeout         time.Duration `yaml:"up_timeout"`
	DownTimeout       time.Duration `yaml:"down_timeout"`
	QueryTimeout      time.Duration `yaml:"query_timeout"`
}

// Health configures the two probe phases.
type Health struct {
	Phase1Interval    time.Duration `yaml:"phase1_interval"`
	Phase1MaxAttempts int           `yaml:"phase1_attempts"`
	Phase2Interval    time.Duration `yaml:"phase2_interval"`
	Phase2MaxAttempts int           `yaml:"phase2_attempts"`
	HTTPTimeout       time.Duration `yaml:"http_timeout"`
	WSTimeout         time.Duration `yaml:"ws_timeout"`
	FatalPatterns     []string      `yaml:"fatal_patterns"`
}

// Gateway configures the gateway clients.
type Gateway struct {
	RequestTimeout        time.Duration `yaml:"request_timeout"`
	ReconnectAttempts     int           `yaml:"reconnect_attempts"`
	ReconnectInitialDelay time.Duration `yaml:"reconnect_initial_delay"`
	ReconnectMaxDelay     time.Duration `yaml:"reconnect_max_delay"`
	ChatTimeout           time.Duration `yaml:"chat_timeout"`
}

// API configures the HTTP surface.
type API struct {
	SendRate       float64  `yaml:"send_rate"`
	SendBurst      int      `yaml:"send_burst"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Remote is the optional external gateway.
type Remote struct {
	URL            string `yaml:"url"`
	Token          string `yaml:"token"`
	SessionKey     string `yaml:"session_key"`
	CFClientID     string `yaml:"cf_client_id"`
	CFClientSecret string `yaml:"cf_client_secret"`
	AutoConnect    *bool  `yaml:"auto_connect"`
}

// Enabled reports whether the remote role should connect at startup.
func (r Remote) Enabled() bool {
	if r.URL == "" || r.Token == "" {
		return false
	}
	return r.AutoConnect == nil || *r.AutoConnect
}

// Matrix is the optional audit room.
type Matrix struct {
	Homeserver  string `yaml:"homeserver"`
	UserID      string `yaml:"user_id"`
	AccessToken string `yaml:"access_token"`
	Room        string `yaml:"room"`
}

// Enabled reports whether audit notices should be posted.
func (m Matrix) Enabled() bool {
	return m.Homeserver != "" && m.AccessToken != "" && m.Room != ""
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Listen:       ":8080",
		DatabasePath: "./aether.db",
		LogLevel:     "info",
		LogFormat:    "text",
		Deploy: Deploy{
			Root:              "./deployments",
			ComposeFile:       "./docker-compose.yml",
			GatewayHost:       "localhost",
			PortMin:           10000,
			PortMax:           65000,
			LogTail:           50,
			LogMaxEntries:     2000,
			DockerInspect:     true,
			ReconcileInterval: 30 * time.Second,
			UpTimeout:         5 * time.Minute,
			DownTimeout:       5 * time.Minute,
			QueryTimeout:      30 * time.Second,
		},
		Health: Health{
			Phase1Interval:    2 * time.Second,
			Phase1MaxAttempts: 90,
			Phase2Interval:    5 * time.Second,
			Phase2MaxAttempts: 36,
			HTTPTimeout:       5 * time.Second,
			WSTimeout:         8 * time.Second,
		},
		Gateway: Gateway{
			RequestTimeout:        30 * time.Second,
			ReconnectAttempts:     10,
			ReconnectInitialDelay: time.Second,
			ReconnectMaxDelay:     30 * time.Second,
			ChatTimeout:           180 * time.Second,
		},
		API: API{
			SendRate:  1,
			SendBurst: 5,
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path when
// path is non-empty, then environment variables.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Listen = environment.StringOr("AETHER_LISTEN", c.Listen)
	c.DatabasePath = environment.StringOr("AETHER_DATABASE_PATH", c.DatabasePath)
	c.MasterKey = environment.StringOr("AETHER_MASTER_KEY", c.MasterKey)
	c.LogLevel = environment.StringOr("LOG_LEVEL", c.LogLevel)
	c.LogFormat = environment.StringOr("LOG_FORMAT", c.LogFormat)

	d := &c.Deploy
	d.Root = environment.StringOr("AETHER_DEPLOY_ROOT", d.Root)
	d.ComposeFile = environment.StringOr("AETHER_COMPOSE_FILE", d.ComposeFile)
	d.GatewayHost = environment.StringOr("AETHER_GATEWAY_HOST", d.GatewayHost)
	d.PortMin, d.PortMax = environment.PortRangeOr("AETHER_PORT_RANGE", d.PortMin, d.PortMax)
	d.LogTail = environment.IntOr("AETHER_LOG_TAIL", d.LogTail)
	d.LogMaxEntries = environment.IntOr("AETHER_LOG_MAX_ENTRIES", d.LogMaxEntries)
	d.LogNoise = environment.StringSliceOr("AETHER_LOG_NOISE", d.LogNoise)
	d.DockerInspect = environment.BoolOr("AETHER_DOCKER_INSPECT", d.DockerInspect)
	d.ReconcileInterval = environment.DurationOr("AETHER_RECONCILE_INTERVAL", d.ReconcileInterval)

	h := &c.Health
	h.Phase1Interval = environment.DurationOr("AETHER_PHASE1_INTERVAL", h.Phase1Interval)
	h.Phase1MaxAttempts = environment.IntOr("AETHER_PHASE1_ATTEMPTS", h.Phase1MaxAttempts)
	h.Phase2Interval = environment.DurationOr("AETHER_PHASE2_INTERVAL", h.Phase2Interval)
	h.Phase2MaxAttempts = environment.IntOr("AETHER_PHASE2_ATTEMPTS", h.Phase2MaxAttempts)

	g := &c.Gateway
	g.RequestTimeout = environment.DurationOr("AETHER_REQUEST_TIMEOUT", g.RequestTimeout)
	g.ReconnectAttempts = environment.IntOr("AETHER_RECONNECT_ATTEMPTS", g.ReconnectAttempts)
	g.ChatTimeout = environment.DurationOr("AETHER_CHAT_TIMEOUT", g.ChatTimeout)

	a := &c.API
	a.SendRate = floatOr("AETHER_SEND_RATE", a.SendRate)
	a.SendBurst = environment.IntOr("AETHER_SEND_BURST", a.SendBurst)
	a.AllowedOrigins = environment.StringSliceOr("AETHER_ALLOWED_ORIGINS", a.AllowedOrigins)

	r := &c.Remote
	r.URL = environment.StringOr("AETHER_REMOTE_URL", r.URL)
	r.Token = environment.StringOr("AETHER_REMOTE_TOKEN", r.Token)
	r.SessionKey = environment.StringOr("AETHER_REMOTE_SESSION_KEY", r.SessionKey)
	r.CFClientID = environment.StringOr("CF_ACCESS_CLIENT_ID", r.CFClientID)
	r.CFClientSecret = environment.StringOr("CF_ACCESS_CLIENT_SECRET", r.CFClientSecret)
	if _, ok := environment.String("AETHER_REMOTE_AUTOCONNECT"); ok {
		v := environment.BoolOr("AETHER_REMOTE_AUTOCONNECT", true)
		r.AutoConnect = &v
	}

	m := &c.Matrix
	m.Homeserver = environment.StringOr("MATRIX_HOMESERVER", m.Homeserver)
	m.UserID = environment.StringOr("MATRIX_USER_ID", m.UserID)
	m.AccessToken = environment.StringOr("MATRIX_ACCESS_TOKEN", m.AccessToken)
	m.Room = environment.StringOr("AETHER_AUDIT_ROOM", m.Room)
}

func floatOr(name string, def float64) float64 {
	v := environment.StringOr(name, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return def
	}
	return f
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	if c.DatabasePath == "" {
		errs = append(errs, errors.New("database path is required"))
	}
	if c.Deploy.Root == "" {
		errs = append(errs, errors.New("deploy root is required"))
	}
	if c.Deploy.ComposeFile == "" {
		errs = append(errs, errors.New("compose file is required"))
	}
	if c.Deploy.PortMin < 1 || c.Deploy.PortMax > 65535 || c.Deploy.PortMin > c.Deploy.PortMax {
		errs = append(errs, fmt.Errorf("invalid port range %d-%d", c.Deploy.PortMin, c.Deploy.PortMax))
	}
	if c.MasterKey != "" {
		if _, err := crypto.ParseMasterKey(c.MasterKey); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Remote.URL != "" && c.Remote.Token == "" {
		errs = append(errs, errors.New("remote url is set but remote token is empty"))
	}
	if (c.Remote.CFClientID == "") != (c.Remote.CFClientSecret == "") {
		errs = append(errs, errors.New("cf access client id and secret must be set together"))
	}
	if c.Matrix.Room != "" && (c.Matrix.Homeserver == "" || c.Matrix.AccessToken == "") {
		errs = append(errs, errors.New("audit room requires matrix homeserver and access token"))
	}
	return errors.Join(errs...)
}

// TokenKey returns the decoded master key, or nil when none is configured.
func (c Config) TokenKey() ([]byte, error) {
	if c.MasterKey == "" {
		return nil, nil
	}
	return crypto.ParseMasterKey(c.MasterKey)
}
