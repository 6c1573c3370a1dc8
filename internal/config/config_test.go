// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults and validation

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
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_YAML(t *testing.T) {
	path := writeConfig(t, "witness.yaml", `
server:
  http_addr: "0.0.0.0:8080"
  grpc_addr: "0.0.0.0:50051"

database:
  path: "./test.db"

auth:
  challenge_ttl: "30s"
  token_ttl: "15m"
  uniform_challenge_errors: false

keys:
  rotation_interval: "24h"
  grace_period: "2h"

rate_limit:
  backend: "redis"
  redis_addr: "localhost:6379"
  auth_limit: 5
  auth_window: "30s"
  fail_closed: false

gates:
  reputation_alpha: 0.5
  gate_timeout: "500ms"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:8080" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:8080")
	}
	if cfg.Database.Path != "./test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "./test.db")
	}
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("Database.Driver = %q, want default %q", cfg.Database.Driver, "sqlite")
	}
	if cfg.Auth.ChallengeTTL != 30*time.Second {
		t.Errorf("Auth.ChallengeTTL = %v, want 30s", cfg.Auth.ChallengeTTL)
	}
	if cfg.Auth.TokenTTL != 15*time.Minute {
		t.Errorf("Auth.TokenTTL = %v, want 15m", cfg.Auth.TokenTTL)
	}
	if cfg.Auth.Uniform() {
		t.Error("Auth.Uniform() = true, want false when explicitly disabled")
	}
	if cfg.Keys.RotationInterval != 24*time.Hour || cfg.Keys.GracePeriod != 2*time.Hour {
		t.Errorf("Keys = %v/%v, want 24h/2h", cfg.Keys.RotationInterval, cfg.Keys.GracePeriod)
	}
	if cfg.RateLimit.Backend != "redis" || cfg.RateLimit.RedisAddr != "localhost:6379" {
		t.Errorf("RateLimit backend = %q addr = %q", cfg.RateLimit.Backend, cfg.RateLimit.RedisAddr)
	}
	if cfg.RateLimit.AuthLimit != 5 || cfg.RateLimit.AuthWindow != 30*time.Second {
		t.Errorf("RateLimit auth = %d/%v, want 5/30s", cfg.RateLimit.AuthLimit, cfg.RateLimit.AuthWindow)
	}
	if cfg.RateLimit.ContentLimit != 60 {
		t.Errorf("RateLimit.ContentLimit = %d, want default 60", cfg.RateLimit.ContentLimit)
	}
	if cfg.RateLimit.Closed() {
		t.Error("RateLimit.Closed() = true, want false when explicitly disabled")
	}
	if cfg.Gates.ReputationAlpha != 0.5 {
		t.Errorf("Gates.ReputationAlpha = %v, want 0.5", cfg.Gates.ReputationAlpha)
	}
	if cfg.Gates.GateTimeout != 500*time.Millisecond {
		t.Errorf("Gates.GateTimeout = %v, want 500ms", cfg.Gates.GateTimeout)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want json", cfg.Logging.Format)
	}
}

func TestLoad_TOML(t *testing.T) {
	path := writeConfig(t, "witness.toml", `
[server]
http_addr = "127.0.0.1:9090"

[database]
driver = "sqlite3"
path = "/var/lib/coven/witness.db"

[auth]
token_ttl = "30m"

[circuit_breaker]
failure_threshold = 3
cooldown = "10s"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "127.0.0.1:9090" {
		t.Errorf("Server.HTTPAddr = %q", cfg.Server.HTTPAddr)
	}
	if cfg.Database.Driver != "sqlite3" {
		t.Errorf("Database.Driver = %q, want sqlite3", cfg.Database.Driver)
	}
	if cfg.Auth.TokenTTL != 30*time.Minute {
		t.Errorf("Auth.TokenTTL = %v, want 30m", cfg.Auth.TokenTTL)
	}
	if cfg.CircuitBreaker.FailureThreshold != 3 || cfg.CircuitBreaker.Cooldown != 10*time.Second {
		t.Errorf("CircuitBreaker = %+v", cfg.CircuitBreaker)
	}
	if cfg.CircuitBreaker.Window != time.Minute {
		t.Errorf("CircuitBreaker.Window = %v, want default 1m", cfg.CircuitBreaker.Window)
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "empty.yaml", "")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	checks := []struct {
		name string
		got  any
		want any
	}{
		{"challenge_ttl", cfg.Auth.ChallengeTTL, 60 * time.Second},
		{"token_ttl", cfg.Auth.TokenTTL, time.Hour},
		{"rotation_interval", cfg.Keys.RotationInterval, 720 * time.Hour},
		{"grace_period", cfg.Keys.GracePeriod, 25 * time.Hour},
		{"check_interval", cfg.Keys.CheckInterval, time.Hour},
		{"auth_limit", cfg.RateLimit.AuthLimit, 10},
		{"content_limit", cfg.RateLimit.ContentLimit, 60},
		{"base_backoff", cfg.RateLimit.BaseBackoff, time.Second},
		{"max_backoff", cfg.RateLimit.MaxBackoff, 15 * time.Minute},
		{"failure_threshold", cfg.CircuitBreaker.FailureThreshold, 5},
		{"cooldown", cfg.CircuitBreaker.Cooldown, 30 * time.Second},
		{"gate_timeout", cfg.Gates.GateTimeout, 2 * time.Second},
		{"reputation_alpha", cfg.Gates.ReputationAlpha, 0.2},
		{"max_body_length", cfg.Gates.MaxBodyLength, 10000},
		{"min_reputation", cfg.Gates.MinReputation, 0.05},
		{"backend", cfg.RateLimit.Backend, "memory"},
		{"format", cfg.Logging.Format, "text"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
	if !cfg.Auth.Uniform() {
		t.Error("uniform challenge errors should default to true")
	}
	if !cfg.RateLimit.Closed() {
		t.Error("fail_closed should default to true")
	}
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("TEST_WITNESS_DB", "/tmp/from-env.db")
	t.Setenv("TEST_REDIS_PASS", "hunter2")

	path := writeConfig(t, "witness.yaml", `
database:
  path: "${TEST_WITNESS_DB}"
rate_limit:
  redis_password: "${TEST_REDIS_PASS}"
tailscale:
  auth_key: "${TEST_UNSET_VARIABLE_XYZ}"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.Path != "/tmp/from-env.db" {
		t.Errorf("Database.Path = %q, want /tmp/from-env.db", cfg.Database.Path)
	}
	if cfg.RateLimit.RedisPassword != "hunter2" {
		t.Errorf("RateLimit.RedisPassword = %q", cfg.RateLimit.RedisPassword)
	}
	if cfg.Tailscale.AuthKey != "" {
		t.Errorf("Tailscale.AuthKey = %q, want empty for unset variable", cfg.Tailscale.AuthKey)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "grace shorter than token ttl",
			content: "auth:\n  token_ttl: \"2h\"\nkeys:\n  grace_period: \"1h\"\n",
			wantErr: "grace_period",
		},
		{
			name:    "bad duration",
			content: "auth:\n  challenge_ttl: \"soon\"\n",
			wantErr: "auth.challenge_ttl",
		},
		{
			name:    "negative duration",
			content: "auth:\n  challenge_ttl: \"-5s\"\n",
			wantErr: "must not be negative",
		},
		{
			name:    "redis without addr",
			content: "rate_limit:\n  backend: \"redis\"\n",
			wantErr: "redis_addr",
		},
		{
			name:    "unknown backend",
			content: "rate_limit:\n  backend: \"memcached\"\n",
			wantErr: "rate_limit.backend",
		},
		{
			name:    "unknown driver",
			content: "database:\n  driver: \"postgres\"\n",
			wantErr: "database.driver",
		},
		{
			name:    "alpha out of range",
			content: "gates:\n  reputation_alpha: 1.5\n",
			wantErr: "reputation_alpha",
		},
		{
			name:    "bad log format",
			content: "logging:\n  format: \"xml\"\n",
			wantErr: "logging.format",
		},
		{
			name:    "malformed yaml",
			content: "server: [unclosed",
			wantErr: "parsing config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "witness.yaml", tt.content))
			if err == nil {
				t.Fatal("Load() expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("Load() expected error for missing file")
	}
}

func TestTemplate_Parses(t *testing.T) {
	cfg, err := Parse([]byte(Template()), false)
	if err != nil {
		t.Fatalf("Parse(Template()) error = %v", err)
	}
	if cfg.Keys.GracePeriod != 25*time.Hour {
		t.Errorf("template grace_period = %v, want 25h", cfg.Keys.GracePeriod)
	}
}

func TestDefaultPath_Env(t *testing.T) {
	t.Setenv(EnvConfigPath, "/etc/coven/witness.toml")
	if got := DefaultPath(); got != "/etc/coven/witness.toml" {
		t.Errorf("DefaultPath() = %q", got)
	}
}
