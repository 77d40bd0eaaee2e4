// ABOUTME: Configuration loading and parsing for agentmux
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

	"github.com/2389/agentmux/internal/backend"
)

// Default values applied before validation.
const (
	DefaultDialTimeout   = 5 * time.Second
	DefaultTailnetPort   = 7448
	DefaultTailscaleHost = "agentmux"
	MinJWTSecretLength   = 32
)

// Config represents the complete agentmux configuration
type Config struct {
	Listen    string          `yaml:"listen" toml:"listen"`
	Backends  []string        `yaml:"backends" toml:"backends"`
	Agent     AgentConfig     `yaml:"agent" toml:"agent"`
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`

	// Parsed forms of Listen and Backends, filled in by Validate.
	ListenDescriptor   backend.Descriptor   `yaml:"-" toml:"-"`
	BackendDescriptors []backend.Descriptor `yaml:"-" toml:"-"`
}

// AgentConfig holds per-session timing configuration
type AgentConfig struct {
	DialTimeout      time.Duration `yaml:"-" toml:"-"`
	IdentityCacheTTL time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	DialTimeoutRaw      string `yaml:"dial_timeout" toml:"dial_timeout"`
	IdentityCacheTTLRaw string `yaml:"identity_cache_ttl" toml:"identity_cache_ttl"`
}

// ServerConfig holds the optional status server addresses
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
	Port      int    `yaml:"port" toml:"port"` // tailnet port serving the agent protocol
}

// DatabaseConfig holds the audit database configuration. An empty path
// disables auditing.
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds authentication configuration for the HTTP API
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed,
// validated Config.
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Finalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read decodes a configuration file without validating it, so that command
// line overrides can be applied before Finalize.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
func Read(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}
	return &cfg, nil
}

// Override replaces the listen descriptor and backend list when the
// corresponding values are non-empty.
func (c *Config) Override(listen string, backends []string) {
	if listen != "" {
		c.Listen = listen
	}
	if len(backends) > 0 {
		c.Backends = append([]string(nil), backends...)
	}
}

// Finalize parses durations, applies defaults and validates the config.
// Load calls it; callers building a Config by hand must call it too.
func (c *Config) Finalize() error {
	if err := parseDurations(c); err != nil {
		return fmt.Errorf("parsing durations: %w", err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}
	return nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Agent.DialTimeoutRaw == "" {
		c.Agent.DialTimeout = DefaultDialTimeout
	}
	if c.Tailscale.Hostname == "" {
		c.Tailscale.Hostname = DefaultTailscaleHost
	}
	if c.Tailscale.Port == 0 {
		c.Tailscale.Port = DefaultTailnetPort
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
// On success the parsed descriptors are stored on the Config.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen is required")
	}
	listen, err := backend.ParseDescriptor(c.Listen)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	if listen.Scheme == backend.SchemeTailnet {
		return fmt.Errorf("listen: tailnet listening is configured with tailscale.enabled, not a descriptor")
	}

	if len(c.Backends) == 0 {
		return fmt.Errorf("at least one backend is required")
	}
	backends, err := backend.ParseDescriptors(c.Backends)
	if err != nil {
		return fmt.Errorf("backends: %w", err)
	}
	for i, d := range backends {
		if d.Scheme == backend.SchemeTailnet && !c.Tailscale.Enabled {
			return fmt.Errorf("backends: entry %d (%s) requires tailscale.enabled", i, d)
		}
	}

	if c.Agent.DialTimeout < 0 {
		return fmt.Errorf("agent.dial_timeout must not be negative")
	}
	if c.Agent.IdentityCacheTTL < 0 {
		return fmt.Errorf("agent.identity_cache_ttl must not be negative")
	}

	if c.Tailscale.Enabled && (c.Tailscale.Port <= 0 || c.Tailscale.Port > 65535) {
		return fmt.Errorf("tailscale.port %d is out of range", c.Tailscale.Port)
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < MinJWTSecretLength {
		return fmt.Errorf("auth.jwt_secret must be at least %d bytes", MinJWTSecretLength)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format)
	}

	c.ListenDescriptor = listen
	c.BackendDescriptors = backends
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Agent.DialTimeoutRaw != "" {
		cfg.Agent.DialTimeout, err = time.ParseDuration(cfg.Agent.DialTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing dial_timeout %q: %w", cfg.Agent.DialTimeoutRaw, err)
		}
	}

	if cfg.Agent.IdentityCacheTTLRaw != "" {
		cfg.Agent.IdentityCacheTTL, err = time.ParseDuration(cfg.Agent.IdentityCacheTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing identity_cache_ttl %q: %w", cfg.Agent.IdentityCacheTTLRaw, err)
		}
	}

	return nil
}
