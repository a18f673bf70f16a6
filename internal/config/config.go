// Package config handles loading and validating warden configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// validate is a package-level singleton; building a validator is expensive.
var validate = validator.New()

// Defaults used when a field is unset.
const (
	DefaultRateLimitWindowSeconds = 60
	DefaultRateLimitMaxEvents     = 10
	DefaultDedupIntervalSeconds   = 5
	DefaultMaxFieldLength         = 512
	DefaultExecutionSeconds       = 300
	DefaultMaxOutputBytes         = 1 << 20
	DefaultAgentTimeoutSeconds    = 60
	DefaultCredentialSeconds      = 60
	DefaultRetentionDays          = 90
	DefaultRetentionSchedule      = "0 3 * * *"
	DefaultListenAddr             = "127.0.0.1:9465"
	DefaultSystemLogDir           = "/var/log/warden"
)

// DefaultTrustedDomains are the domains URLs may be opened on. Subdomains
// match through their registrable domain.
var DefaultTrustedDomains = []string{
	"archlinux.org",
	"security.archlinux.org",
	"forum.manjaro.org",
	"endeavouros.com",
	"archlinux32.org",
}

// DefaultAllowedRoots are the directories file paths must resolve into.
var DefaultAllowedRoots = []string{"~", "/tmp", "/var/cache/pacman/pkg", "/var/log"}

// Config is the root configuration for warden.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Persistent state. Default: ~/.local/state/warden. Override: WARDEN_DATA_DIR env var.
	Security      SecurityConfig       `json:"security" yaml:"security"`
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Auth          AuthConfig           `json:"auth" yaml:"auth"`
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"` // nil = SQLite under DataDir
	Retention     RetentionConfig      `json:"retention" yaml:"retention"`
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	Server        ServerConfig         `json:"server" yaml:"server"`
	Lock          LockConfig           `json:"lock" yaml:"lock"`
}

// SecurityConfig configures input validation, the command whitelist, and
// the security event log.
type SecurityConfig struct {
	TrustedDomains []string `json:"trusted_domains" yaml:"trusted_domains"`
	AllowedRoots   []string `json:"allowed_roots" yaml:"allowed_roots"`

	// SystemLogDir is tried first for the event log. Override: WARDEN_LOG_DIR env var.
	SystemLogDir string `json:"system_log_dir" yaml:"system_log_dir"`
	UserLogDir   string `json:"user_log_dir" yaml:"user_log_dir"`

	RateLimitWindowSeconds int `json:"rate_limit_window_seconds" yaml:"rate_limit_window_seconds" validate:"gte=0"`
	RateLimitMaxEvents     int `json:"rate_limit_max_events" yaml:"rate_limit_max_events" validate:"gte=0"`
	DedupIntervalSeconds   int `json:"dedup_interval_seconds" yaml:"dedup_interval_seconds" validate:"gte=-1"` // -1 disables deduplication.
	MaxFieldLength         int `json:"max_field_length" yaml:"max_field_length" validate:"gte=0,lte=65536"`

	// Services replaces the built-in allow-list of services that may be
	// started, stopped, enabled, or disabled.
	Services []string `json:"services,omitempty" yaml:"services,omitempty" validate:"dive,required"`

	// TrustedBinDirs replaces /usr/bin, /usr/sbin, /bin, /sbin.
	TrustedBinDirs []string `json:"trusted_bin_dirs,omitempty" yaml:"trusted_bin_dirs,omitempty" validate:"dive,required"`

	// ProfileOverrides maps a request category to a sandbox level.
	ProfileOverrides map[string]string `json:"profile_overrides,omitempty" yaml:"profile_overrides,omitempty"`
}

// SandboxConfig configures isolation and process execution.
type SandboxConfig struct {
	Backend               string `json:"backend" yaml:"backend" validate:"omitempty,oneof=auto bwrap firejail none"` // Override: WARDEN_SANDBOX_BACKEND env var.
	ScratchDir            string `json:"scratch_dir" yaml:"scratch_dir"`
	DefaultTimeoutSeconds int    `json:"default_timeout_seconds" yaml:"default_timeout_seconds" validate:"gte=0"`
	MaxOutputBytes        int    `json:"max_output_bytes" yaml:"max_output_bytes" validate:"gte=0"`
	KillGraceSeconds      int    `json:"kill_grace_seconds" yaml:"kill_grace_seconds" validate:"gte=0"`
}

// AuthConfig configures the authentication chain.
type AuthConfig struct {
	AgentTimeoutSeconds       int    `json:"agent_timeout_seconds" yaml:"agent_timeout_seconds" validate:"gte=0"`
	CredentialTimeoutSeconds  int    `json:"credential_timeout_seconds" yaml:"credential_timeout_seconds" validate:"gte=0"`
	SkipAgentOnHardenedKernel *bool  `json:"skip_agent_on_hardened_kernel,omitempty" yaml:"skip_agent_on_hardened_kernel,omitempty"` // nil = true
	PkexecPath                string `json:"pkexec_path,omitempty" yaml:"pkexec_path,omitempty"`
	SudoPath                  string `json:"sudo_path,omitempty" yaml:"sudo_path,omitempty"`
}

// StorageConfig configures the security metrics store.
// When nil, defaults to SQLite with the database path derived from DataDir.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver" validate:"omitempty,oneof=sqlite postgres"` // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"`
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: <data_dir>/events.db.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`                                                  // Override: WARDEN_DB_DSN env var.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns" validate:"gte=0"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns" validate:"gte=0"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s" validate:"gte=0"` // Default: 1800
}

// RetentionConfig configures pruning of the metrics store.
type RetentionConfig struct {
	Days     int    `json:"days" yaml:"days" validate:"gte=0"`
	Schedule string `json:"schedule" yaml:"schedule"` // Cron expression. Default: "0 3 * * *".
}

// ObservabilityConfig configures metrics, tracing, health checks, and anomaly detection.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint" validate:"required_if=Enabled true"`  // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol" validate:"omitempty,oneof=grpc http"` // Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"`                              // Default: "warden"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate" validate:"gte=0,lte=1"`         // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`                                      // Skip TLS for dev
}

// HealthConfig configures dependency health checks for readiness probes.
type HealthConfig struct {
	IncludeDB      bool `json:"include_db" yaml:"include_db"`
	IncludeSandbox bool `json:"include_sandbox" yaml:"include_sandbox"`
}

// AnomalyConfig configures threshold-based anomaly detection.
type AnomalyConfig struct {
	Enabled             bool    `json:"enabled" yaml:"enabled"`
	DenialRateThreshold float64 `json:"denial_rate_threshold" yaml:"denial_rate_threshold" validate:"gte=0,lte=1"` // e.g. 0.5 = half of requests denied
	FailureBurst        int     `json:"failure_burst" yaml:"failure_burst" validate:"gte=0"`                       // Auth failures per window. Default: 5
	WindowSeconds       int     `json:"window_seconds" yaml:"window_seconds" validate:"gte=0"`                     // Sliding window. Default: 300
}

// ServerConfig configures the loopback ops server of "warden serve".
type ServerConfig struct {
	ListenAddr string `json:"listen_addr" yaml:"listen_addr"` // Default: 127.0.0.1:9465. Must be a loopback address.
}

// LockConfig configures the single-instance lock.
type LockConfig struct {
	Dir string `json:"dir" yaml:"dir"` // Default: /run/user/<uid>, else the OS temp dir.
}

// DefaultConfigPath returns the default config file path (~/.config/warden/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/warden.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".config", "warden", "config.yaml")
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// A missing file is not an error; defaults are used. Environment variables
// take precedence over file values.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		// Expand ~ in config path.
		resolved, err := resolvePath(path)
		if err != nil {
			return nil, fmt.Errorf("resolving config path %s: %w", path, err)
		}

		data, err := os.ReadFile(resolved)
		switch {
		case errors.Is(err, os.ErrNotExist):
			// Defaults only.
		case err != nil:
			return nil, fmt.Errorf("reading config %s: %w", resolved, err)
		default:
			switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
			case ".yml", ".yaml":
				if err := yaml.Unmarshal(data, &cfg); err != nil {
					return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
				}
			default:
				if err := json.Unmarshal(data, &cfg); err != nil {
					return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
				}
			}
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// applyEnv applies environment overrides.
func (c *Config) applyEnv() {
	if v := os.Getenv("WARDEN_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("WARDEN_LOG_DIR"); v != "" {
		c.Security.SystemLogDir = v
	}
	if v := os.Getenv("WARDEN_SANDBOX_BACKEND"); v != "" {
		c.Sandbox.Backend = v
	}
	if v := os.Getenv("WARDEN_DB_DSN"); v != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{}
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = v
		if c.Storage.Driver == "" {
			c.Storage.Driver = "postgres"
		}
	}
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.DataDir = filepath.Join(home, ".local", "state", "warden")
		}
	} else if resolved, err := resolvePath(c.DataDir); err == nil {
		c.DataDir = resolved
	}

	s := &c.Security
	if len(s.TrustedDomains) == 0 {
		s.TrustedDomains = append([]string(nil), DefaultTrustedDomains...)
	}
	if len(s.AllowedRoots) == 0 {
		s.AllowedRoots = append([]string(nil), DefaultAllowedRoots...)
	}
	if s.SystemLogDir == "" {
		s.SystemLogDir = DefaultSystemLogDir
	}
	if s.UserLogDir == "" {
		s.UserLogDir = c.DataDir
	}
	if s.RateLimitWindowSeconds == 0 {
		s.RateLimitWindowSeconds = DefaultRateLimitWindowSeconds
	}
	if s.RateLimitMaxEvents == 0 {
		s.RateLimitMaxEvents = DefaultRateLimitMaxEvents
	}
	if s.DedupIntervalSeconds == 0 {
		s.DedupIntervalSeconds = DefaultDedupIntervalSeconds
	}
	if s.MaxFieldLength == 0 {
		s.MaxFieldLength = DefaultMaxFieldLength
	}

	if c.Sandbox.Backend == "" {
		c.Sandbox.Backend = "auto"
	}
	if c.Sandbox.DefaultTimeoutSeconds == 0 {
		c.Sandbox.DefaultTimeoutSeconds = DefaultExecutionSeconds
	}
	if c.Sandbox.MaxOutputBytes == 0 {
		c.Sandbox.MaxOutputBytes = DefaultMaxOutputBytes
	}

	if c.Auth.AgentTimeoutSeconds == 0 {
		c.Auth.AgentTimeoutSeconds = DefaultAgentTimeoutSeconds
	}
	if c.Auth.CredentialTimeoutSeconds == 0 {
		c.Auth.CredentialTimeoutSeconds = DefaultCredentialSeconds
	}

	if c.Retention.Days == 0 {
		c.Retention.Days = DefaultRetentionDays
	}
	if c.Retention.Schedule == "" {
		c.Retention.Schedule = DefaultRetentionSchedule
	}
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = DefaultListenAddr
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// DatabasePath returns the SQLite database path.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		if p, err := resolvePath(c.Storage.SQLite.Path); err == nil {
			return p
		}
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.DataDir, "events.db")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	return c.Storage.StorageDriver()
}

// RateLimitWindow returns the security log rate-limit window.
func (c *Config) RateLimitWindow() time.Duration {
	return time.Duration(c.Security.RateLimitWindowSeconds) * time.Second
}

// DedupInterval returns the duplicate-event interval. Negative disables.
func (c *Config) DedupInterval() time.Duration {
	return time.Duration(c.Security.DedupIntervalSeconds) * time.Second
}

// ExecutionTimeout returns the default execution timeout.
func (c *Config) ExecutionTimeout() time.Duration {
	return time.Duration(c.Sandbox.DefaultTimeoutSeconds) * time.Second
}

// KillGrace returns the SIGTERM-to-SIGKILL grace period. 0 = runner default.
func (c *Config) KillGrace() time.Duration {
	return time.Duration(c.Sandbox.KillGraceSeconds) * time.Second
}

// AgentTimeout bounds the interactive agent pre-flight.
func (c *Config) AgentTimeout() time.Duration {
	return time.Duration(c.Auth.AgentTimeoutSeconds) * time.Second
}

// CredentialTimeout bounds the terminal credential prompt.
func (c *Config) CredentialTimeout() time.Duration {
	return time.Duration(c.Auth.CredentialTimeoutSeconds) * time.Second
}

// SkipAgentOnHardened reports whether the agent is skipped on hardened kernels.
func (a AuthConfig) SkipAgentOnHardened() bool {
	return a.SkipAgentOnHardenedKernel == nil || *a.SkipAgentOnHardenedKernel
}

// MetricsEnabled reports whether Prometheus metrics are on.
func (c *Config) MetricsEnabled() bool {
	return c.Observability != nil && c.Observability.Metrics != nil && c.Observability.Metrics.Enabled
}

// MetricsPath returns the metrics endpoint path.
func (c *Config) MetricsPath() string {
	if c.Observability != nil && c.Observability.Metrics != nil && c.Observability.Metrics.Path != "" {
		return c.Observability.Metrics.Path
	}
	return "/metrics"
}

func (c *Config) validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	for i, d := range c.Security.TrustedDomains {
		if strings.TrimSpace(d) == "" || strings.ContainsAny(d, "/:@ ") {
			return fmt.Errorf("security.trusted_domains[%d] %q is not a domain name", i, d)
		}
	}
	for i, r := range c.Security.AllowedRoots {
		if r != "~" && !strings.HasPrefix(r, "~/") && !filepath.IsAbs(r) {
			return fmt.Errorf("security.allowed_roots[%d] %q must be absolute", i, r)
		}
	}
	if c.Security.allowsFilesystemRoot() {
		return fmt.Errorf("security.allowed_roots must not contain /")
	}
	if _, err := cron.ParseStandard(c.Retention.Schedule); err != nil {
		return fmt.Errorf("retention.schedule %q: %w", c.Retention.Schedule, err)
	}
	if err := checkLoopback(c.Server.ListenAddr); err != nil {
		return fmt.Errorf("server.listen_addr: %w", err)
	}
	if c.StorageDriverName() == "postgres" {
		if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required (set it or WARDEN_DB_DSN)")
		}
	}
	return nil
}

func (s SecurityConfig) allowsFilesystemRoot() bool {
	for _, r := range s.AllowedRoots {
		if filepath.Clean(r) == "/" {
			return true
		}
	}
	return false
}

func checkLoopback(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if host == "localhost" {
		return nil
	}
	ip, err := netip.ParseAddr(host)
	if err != nil || !ip.IsLoopback() {
		return fmt.Errorf("%q is not a loopback address", addr)
	}
	return nil
}
