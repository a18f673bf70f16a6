package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if cfg.RateLimitWindow() != 60*time.Second || cfg.Security.RateLimitMaxEvents != 10 {
		t.Errorf("rate limit = %s/%d", cfg.RateLimitWindow(), cfg.Security.RateLimitMaxEvents)
	}
	if cfg.DedupInterval() != 5*time.Second {
		t.Errorf("dedup = %s", cfg.DedupInterval())
	}
	if cfg.ExecutionTimeout() != 300*time.Second || cfg.AgentTimeout() != 60*time.Second {
		t.Errorf("timeouts = %s, %s", cfg.ExecutionTimeout(), cfg.AgentTimeout())
	}
	if cfg.Retention.Days != 90 || cfg.Retention.Schedule != "0 3 * * *" {
		t.Errorf("retention = %+v", cfg.Retention)
	}
	if len(cfg.Security.TrustedDomains) != len(DefaultTrustedDomains) {
		t.Errorf("trusted domains = %v", cfg.Security.TrustedDomains)
	}
	if cfg.StorageDriverName() != "sqlite" || !strings.HasSuffix(cfg.DatabasePath(), "events.db") {
		t.Errorf("storage = %s %s", cfg.StorageDriverName(), cfg.DatabasePath())
	}
	if !cfg.Auth.SkipAgentOnHardened() {
		t.Error("hardened-kernel skip should default to true")
	}
	if cfg.Sandbox.Backend != "auto" {
		t.Errorf("backend = %q", cfg.Sandbox.Backend)
	}
}

func TestLoad_YAML(t *testing.T) {
	path := writeConfig(t, "warden.yaml", `
security:
  trusted_domains: [example.org]
  rate_limit_max_events: 3
  dedup_interval_seconds: -1
sandbox:
  backend: firejail
  default_timeout_seconds: 30
auth:
  skip_agent_on_hardened_kernel: false
retention:
  days: 7
  schedule: "@daily"
observability:
  metrics:
    enabled: true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if cfg.Security.TrustedDomains[0] != "example.org" || cfg.Security.RateLimitMaxEvents != 3 {
		t.Errorf("security = %+v", cfg.Security)
	}
	if cfg.DedupInterval() >= 0 {
		t.Errorf("dedup = %s, want disabled", cfg.DedupInterval())
	}
	if cfg.Sandbox.Backend != "firejail" || cfg.ExecutionTimeout() != 30*time.Second {
		t.Errorf("sandbox = %+v", cfg.Sandbox)
	}
	if cfg.Auth.SkipAgentOnHardened() {
		t.Error("skip_agent_on_hardened_kernel: false ignored")
	}
	if !cfg.MetricsEnabled() || cfg.MetricsPath() != "/metrics" {
		t.Error("metrics not enabled")
	}
}

func TestLoad_JSON(t *testing.T) {
	path := writeConfig(t, "warden.json", `{"retention": {"days": 30}, "server": {"listen_addr": "[::1]:9000"}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if cfg.Retention.Days != 30 || cfg.Server.ListenAddr != "[::1]:9000" {
		t.Errorf("cfg = %+v %+v", cfg.Retention, cfg.Server)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("WARDEN_DATA_DIR", dir)
	t.Setenv("WARDEN_LOG_DIR", filepath.Join(dir, "log"))
	t.Setenv("WARDEN_SANDBOX_BACKEND", "none")
	t.Setenv("WARDEN_DB_DSN", "postgres://warden@localhost/warden")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if cfg.DataDir != dir || cfg.Security.UserLogDir != dir {
		t.Errorf("data dir = %q, user log dir = %q", cfg.DataDir, cfg.Security.UserLogDir)
	}
	if cfg.Security.SystemLogDir != filepath.Join(dir, "log") {
		t.Errorf("system log dir = %q", cfg.Security.SystemLogDir)
	}
	if cfg.Sandbox.Backend != "none" {
		t.Errorf("backend = %q", cfg.Sandbox.Backend)
	}
	if cfg.StorageDriverName() != "postgres" || cfg.Storage.Postgres.DSN == "" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"unknown backend", "sandbox:\n  backend: docker\n", "Backend"},
		{"negative timeout", "sandbox:\n  default_timeout_seconds: -5\n", "DefaultTimeoutSeconds"},
		{"bad cron", "retention:\n  schedule: \"every day\"\n", "retention.schedule"},
		{"public listener", "server:\n  listen_addr: \"0.0.0.0:9465\"\n", "loopback"},
		{"relative root", "security:\n  allowed_roots: [docs]\n", "must be absolute"},
		{"filesystem root", "security:\n  allowed_roots: [/]\n", "must not contain /"},
		{"domain with path", "security:\n  trusted_domains: [\"example.org/x\"]\n", "not a domain"},
		{"postgres without dsn", "storage:\n  driver: postgres\n", "dsn is required"},
		{"unknown driver", "storage:\n  driver: mysql\n", "Driver"},
		{"tracing without endpoint", "observability:\n  tracing:\n    enabled: true\n", "Endpoint"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "warden.yaml", tt.content))
			if err == nil {
				t.Fatal("Load() succeeded")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestLoad_MalformedFile(t *testing.T) {
	if _, err := Load(writeConfig(t, "warden.json", "{not json")); err == nil {
		t.Error("malformed JSON accepted")
	}
	if _, err := Load(writeConfig(t, "warden.yml", "security: [")); err == nil {
		t.Error("malformed YAML accepted")
	}
}
