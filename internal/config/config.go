// ABOUTME: Configuration loading and parsing for coven-witness
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable that overrides the config location.
const EnvConfigPath = "COVEN_WITNESS_CONFIG"

// Config represents the complete coven-witness configuration
type Config struct {
	Server         ServerConfig         `yaml:"server" toml:"server"`
	Tailscale      TailscaleConfig      `yaml:"tailscale" toml:"tailscale"`
	Database       DatabaseConfig       `yaml:"database" toml:"database"`
	Auth           AuthConfig           `yaml:"auth" toml:"auth"`
	Keys           KeysConfig           `yaml:"keys" toml:"keys"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit" toml:"rate_limit"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" toml:"circuit_breaker"`
	Gates          GatesConfig          `yaml:"gates" toml:"gates"`
	Logging        LoggingConfig        `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"` // sqlite (pure Go) or sqlite3 (cgo)
	Path   string `yaml:"path" toml:"path"`
}

// AuthConfig holds challenge and session token configuration
type AuthConfig struct {
	ChallengeTTL time.Duration `yaml:"-" toml:"-"`
	TokenTTL     time.Duration `yaml:"-" toml:"-"`

	// UniformChallengeErrors hides whether an address is registered. Nil means true.
	UniformChallengeErrors *bool `yaml:"uniform_challenge_errors" toml:"uniform_challenge_errors"`

	ChallengeTTLRaw string `yaml:"challenge_ttl" toml:"challenge_ttl"`
	TokenTTLRaw     string `yaml:"token_ttl" toml:"token_ttl"`
}

// Uniform reports whether challenge issuance hides unknown addresses.
func (a AuthConfig) Uniform() bool {
	return a.UniformChallengeErrors == nil || *a.UniformChallengeErrors
}

// KeysConfig holds signing key rotation configuration
type KeysConfig struct {
	RotationInterval time.Duration `yaml:"-" toml:"-"`
	GracePeriod      time.Duration `yaml:"-" toml:"-"`
	CheckInterval    time.Duration `yaml:"-" toml:"-"`

	// EvidenceKeyPath is the Ed25519 seed used to sign evidence receipts.
	// Generated on first start if missing.
	EvidenceKeyPath string `yaml:"evidence_key_path" toml:"evidence_key_path"`

	RotationIntervalRaw string `yaml:"rotation_interval" toml:"rotation_interval"`
	GracePeriodRaw      string `yaml:"grace_period" toml:"grace_period"`
	CheckIntervalRaw    string `yaml:"check_interval" toml:"check_interval"`
}

// RateLimitConfig holds admission control configuration
type RateLimitConfig struct {
	Backend       string `yaml:"backend" toml:"backend"` // memory or redis
	RedisAddr     string `yaml:"redis_addr" toml:"redis_addr"`
	RedisPassword string `yaml:"redis_password" toml:"redis_password"`
	RedisDB       int    `yaml:"redis_db" toml:"redis_db"`
	AuthLimit     int    `yaml:"auth_limit" toml:"auth_limit"`
	ContentLimit  int    `yaml:"content_limit" toml:"content_limit"`

	// FailClosed rejects requests while the redis backend is unavailable.
	// When false the gateway falls back to a per-process limiter. Nil means true.
	FailClosed *bool `yaml:"fail_closed" toml:"fail_closed"`

	AuthWindow    time.Duration `yaml:"-" toml:"-"`
	ContentWindow time.Duration `yaml:"-" toml:"-"`
	BaseBackoff   time.Duration `yaml:"-" toml:"-"`
	MaxBackoff    time.Duration `yaml:"-" toml:"-"`

	AuthWindowRaw    string `yaml:"auth_window" toml:"auth_window"`
	ContentWindowRaw string `yaml:"content_window" toml:"content_window"`
	BaseBackoffRaw   string `yaml:"base_backoff" toml:"base_backoff"`
	MaxBackoffRaw    string `yaml:"max_backoff" toml:"max_backoff"`
}

// Closed reports whether admission fails closed when redis is down.
func (r RateLimitConfig) Closed() bool {
	return r.FailClosed == nil || *r.FailClosed
}

// CircuitBreakerConfig guards calls to the shared rate limiter
type CircuitBreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold" toml:"failure_threshold"`

	Window   time.Duration `yaml:"-" toml:"-"`
	Cooldown time.Duration `yaml:"-" toml:"-"`

	WindowRaw   string `yaml:"window" toml:"window"`
	CooldownRaw string `yaml:"cooldown" toml:"cooldown"`
}

// GatesConfig holds gate protocol configuration
type GatesConfig struct {
	PolicyPath      string  `yaml:"policy_path" toml:"policy_path"`
	ReputationAlpha float64 `yaml:"reputation_alpha" toml:"reputation_alpha"`
	MaxBodyLength   int     `yaml:"max_body_length" toml:"max_body_length"`
	MinReputation   float64 `yaml:"min_reputation" toml:"min_reputation"`
	MaxRecentPosts  int     `yaml:"max_recent_posts" toml:"max_recent_posts"`

	GateTimeout    time.Duration `yaml:"-" toml:"-"`
	GateTimeoutRaw string        `yaml:"gate_timeout" toml:"gate_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// DefaultPath returns $COVEN_WITNESS_CONFIG, or ~/.config/coven/witness.yaml.
func DefaultPath() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "witness.yaml"
	}
	return filepath.Join(home, ".config", "coven", "witness.yaml")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded, duration strings
// are parsed and unset fields receive defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data, strings.EqualFold(filepath.Ext(path), ".toml"))
}

// Parse decodes raw configuration. isTOML selects the TOML decoder.
func Parse(data []byte, isTOML bool) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if isTOML {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// ApplyDefaults fills every unset field.
func (c *Config) ApplyDefaults() {
	setString(&c.Server.HTTPAddr, "127.0.0.1:8080")
	setString(&c.Server.GRPCAddr, "127.0.0.1:50051")
	setString(&c.Tailscale.Hostname, "coven-witness")
	setString(&c.Database.Driver, "sqlite")
	setString(&c.Database.Path, "coven-witness.db")

	setDuration(&c.Auth.ChallengeTTL, 60*time.Second)
	setDuration(&c.Auth.TokenTTL, time.Hour)

	setDuration(&c.Keys.RotationInterval, 720*time.Hour)
	setDuration(&c.Keys.GracePeriod, 25*time.Hour)
	setDuration(&c.Keys.CheckInterval, time.Hour)
	setString(&c.Keys.EvidenceKeyPath, "evidence.key")

	setString(&c.RateLimit.Backend, "memory")
	setInt(&c.RateLimit.AuthLimit, 10)
	setDuration(&c.RateLimit.AuthWindow, time.Minute)
	setInt(&c.RateLimit.ContentLimit, 60)
	setDuration(&c.RateLimit.ContentWindow, time.Minute)
	setDuration(&c.RateLimit.BaseBackoff, time.Second)
	setDuration(&c.RateLimit.MaxBackoff, 15*time.Minute)

	setInt(&c.CircuitBreaker.FailureThreshold, 5)
	setDuration(&c.CircuitBreaker.Window, time.Minute)
	setDuration(&c.CircuitBreaker.Cooldown, 30*time.Second)

	setDuration(&c.Gates.GateTimeout, 2*time.Second)
	if c.Gates.ReputationAlpha == 0 {
		c.Gates.ReputationAlpha = 0.2
	}
	setInt(&c.Gates.MaxBodyLength, 10000)
	if c.Gates.MinReputation == 0 {
		c.Gates.MinReputation = 0.05
	}
	setInt(&c.Gates.MaxRecentPosts, 50)

	setString(&c.Logging.Level, "info")
	setString(&c.Logging.Format, "text")
}

func setString(dst *string, v string) {
	if *dst == "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if *dst == 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v time.Duration) {
	if *dst == 0 {
		*dst = v
	}
}

// Validate checks that all configuration fields are present and consistent.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Database.Driver {
	case "sqlite", "sqlite3":
	default:
		return fmt.Errorf("database.driver must be sqlite or sqlite3, got %q", c.Database.Driver)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Keys.GracePeriod < c.Auth.TokenTTL {
		return fmt.Errorf("keys.grace_period (%s) must be at least auth.token_ttl (%s)", c.Keys.GracePeriod, c.Auth.TokenTTL)
	}
	if c.Keys.RotationInterval <= 0 || c.Keys.CheckInterval <= 0 {
		return fmt.Errorf("keys.rotation_interval and keys.check_interval must be positive")
	}

	switch c.RateLimit.Backend {
	case "memory":
	case "redis":
		if c.RateLimit.RedisAddr == "" {
			return fmt.Errorf("rate_limit.redis_addr is required when backend is redis")
		}
	default:
		return fmt.Errorf("rate_limit.backend must be memory or redis, got %q", c.RateLimit.Backend)
	}
	if c.RateLimit.AuthLimit < 0 || c.RateLimit.ContentLimit < 0 {
		return fmt.Errorf("rate_limit limits must not be negative")
	}
	if c.RateLimit.MaxBackoff < c.RateLimit.BaseBackoff {
		return fmt.Errorf("rate_limit.max_backoff must be at least base_backoff")
	}

	if c.Gates.ReputationAlpha <= 0 || c.Gates.ReputationAlpha > 1 {
		return fmt.Errorf("gates.reputation_alpha must be in (0, 1], got %v", c.Gates.ReputationAlpha)
	}
	if c.Gates.MinReputation < 0 || c.Gates.MinReputation > 1 {
		return fmt.Errorf("gates.min_reputation must be in [0, 1], got %v", c.Gates.MinReputation)
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"auth.challenge_ttl", cfg.Auth.ChallengeTTLRaw, &cfg.Auth.ChallengeTTL},
		{"auth.token_ttl", cfg.Auth.TokenTTLRaw, &cfg.Auth.TokenTTL},
		{"keys.rotation_interval", cfg.Keys.RotationIntervalRaw, &cfg.Keys.RotationInterval},
		{"keys.grace_period", cfg.Keys.GracePeriodRaw, &cfg.Keys.GracePeriod},
		{"keys.check_interval", cfg.Keys.CheckIntervalRaw, &cfg.Keys.CheckInterval},
		{"rate_limit.auth_window", cfg.RateLimit.AuthWindowRaw, &cfg.RateLimit.AuthWindow},
		{"rate_limit.content_window", cfg.RateLimit.ContentWindowRaw, &cfg.RateLimit.ContentWindow},
		{"rate_limit.base_backoff", cfg.RateLimit.BaseBackoffRaw, &cfg.RateLimit.BaseBackoff},
		{"rate_limit.max_backoff", cfg.RateLimit.MaxBackoffRaw, &cfg.RateLimit.MaxBackoff},
		{"circuit_breaker.window", cfg.CircuitBreaker.WindowRaw, &cfg.CircuitBreaker.Window},
		{"circuit_breaker.cooldown", cfg.CircuitBreaker.CooldownRaw, &cfg.CircuitBreaker.Cooldown},
		{"gates.gate_timeout", cfg.Gates.GateTimeoutRaw, &cfg.Gates.GateTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", f.name)
		}
		*f.dst = d
	}

	return nil
}

// Template returns a commented YAML configuration with every default spelled out.
func Template() string {
	return `# coven-witness configuration

server:
  http_addr: "127.0.0.1:8080"
  grpc_addr: "127.0.0.1:50051"

tailscale:
  enabled: false
  hostname: "coven-witness"
  auth_key: "${TS_AUTHKEY}"
  state_dir: ""
  ephemeral: false

database:
  driver: "sqlite"   # sqlite (pure Go) or sqlite3 (cgo)
  path: "coven-witness.db"

auth:
  challenge_ttl: "60s"
  token_ttl: "1h"
  uniform_challenge_errors: true

keys:
  rotation_interval: "720h"
  grace_period: "25h"   # must be at least auth.token_ttl
  check_interval: "1h"
  evidence_key_path: "evidence.key"

rate_limit:
  backend: "memory"   # memory or redis
  redis_addr: ""
  redis_password: "${COVEN_REDIS_PASSWORD}"
  redis_db: 0
  auth_limit: 10
  auth_window: "1m"
  content_limit: 60
  content_window: "1m"
  base_backoff: "1s"
  max_backoff: "15m"
  fail_closed: true

circuit_breaker:
  failure_threshold: 5
  window: "1m"
  cooldown: "30s"

gates:
  policy_path: ""   # optional Rego module defining data.coven.gates.deny
  gate_timeout: "2s"
  reputation_alpha: 0.2
  max_body_length: 10000
  min_reputation: 0.05
  max_recent_posts: 50

logging:
  level: "info"   # debug, info, warn, error
  format: "text"  # text, json
`
}
