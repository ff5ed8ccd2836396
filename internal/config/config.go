// Package config loads and normalizes the manager's config.yaml.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig describes the supervised agent server process.
type ServerConfig struct {
	// Mode is "spawn" (manager owns the child process) or "attach"
	// (connect to an externally-owned instance, never signal it).
	Mode string `yaml:"mode"`

	// Command is the agent server binary for spawn mode.
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`

	Host        string `yaml:"host"`
	DefaultPort int    `yaml:"default_port"`

	// MinVersion is the minimum supported server version. Older versions are
	// reported as unsupported but the connection stays usable.
	MinVersion string `yaml:"min_version"`

	HealthIntervalSeconds int `yaml:"health_interval_seconds"`
	StartupTimeoutSeconds int `yaml:"startup_timeout_seconds"`
	StopGraceSeconds      int `yaml:"stop_grace_seconds"`

	ReconnectBaseSeconds int `yaml:"reconnect_base_seconds"`
	ReconnectMaxSeconds  int `yaml:"reconnect_max_seconds"`
}

// DiscoveryConfig controls the instance discovery loop.
type DiscoveryConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`

	// ProcessNames are the process names counted as the agent server family
	// when enumerating listening ports.
	ProcessNames []string `yaml:"process_names"`

	// PortRange bounds the candidate ports considered during enumeration.
	PortMin int `yaml:"port_min"`
	PortMax int `yaml:"port_max"`
}

// EventsConfig controls the upstream bridge and downstream fan-out.
type EventsConfig struct {
	FeedRetrySeconds int `yaml:"feed_retry_seconds"`
	ReconcileSeconds int `yaml:"reconcile_seconds"`

	// ClientBuffer is the per-client delivery channel depth. Full buffers
	// drop events for that client rather than blocking dispatch.
	ClientBuffer int `yaml:"client_buffer"`

	HeartbeatSeconds int `yaml:"heartbeat_seconds"`
}

// ScheduleConfig is one maintenance schedule entry.
type ScheduleConfig struct {
	Name string `yaml:"name"`
	Cron string `yaml:"cron"`
	// Job names a built-in maintenance action: "discovery_sweep" or
	// "session_refresh".
	Job string `yaml:"job"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// AuthEnabled gates token auth on the HTTP surface. The token itself
	// lives in auth.token under HomeDir, or OPENCODE_MANAGER_AUTH_TOKEN.
	AuthEnabled bool `yaml:"auth_enabled"`

	// AllowOrigins controls accepted Origin headers for browser WebSocket
	// connections. Empty means same-origin only.
	AllowOrigins []string `yaml:"allow_origins"`

	Server    ServerConfig     `yaml:"server"`
	Discovery DiscoveryConfig  `yaml:"discovery"`
	Events    EventsConfig     `yaml:"events"`
	Schedules []ScheduleConfig `yaml:"schedules"`
	Telemetry TelemetryConfig  `yaml:"telemetry"`
}

func defaultConfig() Config {
	return Config{
		BindAddr: "127.0.0.1:5003",
		LogLevel: "info",
		Server: ServerConfig{
			Mode:                  "spawn",
			Command:               "opencode",
			Args:                  []string{"serve"},
			Host:                  "127.0.0.1",
			DefaultPort:           4096,
			HealthIntervalSeconds: 5,
			StartupTimeoutSeconds: 30,
			StopGraceSeconds:      5,
			ReconnectBaseSeconds:  1,
			ReconnectMaxSeconds:   30,
		},
		Discovery: DiscoveryConfig{
			IntervalSeconds: 5,
			ProcessNames:    []string{"opencode", "node", "bun"},
			PortMin:         1024,
			PortMax:         65535,
		},
		Events: EventsConfig{
			FeedRetrySeconds: 5,
			ReconcileSeconds: 30,
			ClientBuffer:     64,
			HeartbeatSeconds: 30,
		},
	}
}

// HomeDir resolves the manager home directory, honoring the
// OPENCODE_MANAGER_HOME override.
func HomeDir() string {
	if override := os.Getenv("OPENCODE_MANAGER_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".opencode-manager")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml from the manager home, applying defaults and
// environment overrides. A missing file is not an error.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom is Load with an explicit home directory, used by tests.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create manager home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:5003"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Server.Mode == "" {
		cfg.Server.Mode = "spawn"
	}
	if cfg.Server.Command == "" {
		cfg.Server.Command = "opencode"
	}
	if len(cfg.Server.Args) == 0 {
		cfg.Server.Args = []string{"serve"}
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.DefaultPort <= 0 {
		cfg.Server.DefaultPort = 4096
	}
	if cfg.Server.HealthIntervalSeconds <= 0 {
		cfg.Server.HealthIntervalSeconds = 5
	}
	if cfg.Server.StartupTimeoutSeconds <= 0 {
		cfg.Server.StartupTimeoutSeconds = 30
	}
	if cfg.Server.StopGraceSeconds <= 0 {
		cfg.Server.StopGraceSeconds = 5
	}
	if cfg.Server.ReconnectBaseSeconds <= 0 {
		cfg.Server.ReconnectBaseSeconds = 1
	}
	if cfg.Server.ReconnectMaxSeconds <= 0 {
		cfg.Server.ReconnectMaxSeconds = 30
	}
	if cfg.Discovery.IntervalSeconds <= 0 {
		cfg.Discovery.IntervalSeconds = 5
	}
	if len(cfg.Discovery.ProcessNames) == 0 {
		cfg.Discovery.ProcessNames = []string{"opencode", "node", "bun"}
	}
	if cfg.Discovery.PortMin <= 0 {
		cfg.Discovery.PortMin = 1024
	}
	if cfg.Discovery.PortMax <= 0 || cfg.Discovery.PortMax > 65535 {
		cfg.Discovery.PortMax = 65535
	}
	if cfg.Events.FeedRetrySeconds <= 0 {
		cfg.Events.FeedRetrySeconds = 5
	}
	if cfg.Events.ReconcileSeconds <= 0 {
		cfg.Events.ReconcileSeconds = 30
	}
	if cfg.Events.ClientBuffer <= 0 {
		cfg.Events.ClientBuffer = 64
	}
	if cfg.Events.HeartbeatSeconds <= 0 {
		cfg.Events.HeartbeatSeconds = 30
	}
}

func validate(cfg *Config) error {
	switch cfg.Server.Mode {
	case "spawn", "attach":
	default:
		return fmt.Errorf("server.mode must be \"spawn\" or \"attach\", got %q", cfg.Server.Mode)
	}
	if cfg.Discovery.PortMin > cfg.Discovery.PortMax {
		return fmt.Errorf("discovery.port_min (%d) must not exceed port_max (%d)",
			cfg.Discovery.PortMin, cfg.Discovery.PortMax)
	}
	for _, s := range cfg.Schedules {
		switch s.Job {
		case "discovery_sweep", "session_refresh":
		default:
			return fmt.Errorf("unknown schedule job %q for schedule %q", s.Job, s.Name)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("OPENCODE_MANAGER_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("OPENCODE_MANAGER_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("OPENCODE_MANAGER_MODE"); raw != "" {
		cfg.Server.Mode = raw
	}
	if raw := os.Getenv("OPENCODE_MANAGER_SERVER_COMMAND"); raw != "" {
		cfg.Server.Command = raw
	}
	if raw := os.Getenv("OPENCODE_MANAGER_SERVER_PORT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Server.DefaultPort = v
		}
	}
	if raw := os.Getenv("OPENCODE_MANAGER_MIN_VERSION"); raw != "" {
		cfg.Server.MinVersion = raw
	}
}

// HealthInterval returns the health-check interval as a duration.
func (c ServerConfig) HealthInterval() time.Duration {
	return time.Duration(c.HealthIntervalSeconds) * time.Second
}

// StartupTimeout returns the spawn-mode startup timeout as a duration.
func (c ServerConfig) StartupTimeout() time.Duration {
	return time.Duration(c.StartupTimeoutSeconds) * time.Second
}

// StopGrace returns the graceful-terminate grace period as a duration.
func (c ServerConfig) StopGrace() time.Duration {
	return time.Duration(c.StopGraceSeconds) * time.Second
}

// Fingerprint returns a stable hash of the active config, exposed on the
// status surface so operators can confirm which config a daemon is running.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|mode=%s|cmd=%s|port=%d|minver=%s|origins=%v",
		c.BindAddr, c.LogLevel, c.Server.Mode, c.Server.Command,
		c.Server.DefaultPort, c.Server.MinVersion, c.AllowOrigins)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// Redacted returns a single-line summary safe for logging.
func (c Config) Redacted() string {
	return strings.Join([]string{
		"bind=" + c.BindAddr,
		"mode=" + c.Server.Mode,
		"port=" + strconv.Itoa(c.Server.DefaultPort),
	}, " ")
}
