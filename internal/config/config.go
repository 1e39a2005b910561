// ABOUTME: Configuration loading and parsing for taskbridge
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete taskbridge configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Cost      CostConfig      `yaml:"cost"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// BridgeConfig holds agent bridge timing configuration
type BridgeConfig struct {
	HeartbeatTimeout time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	HeartbeatTimeoutRaw string `yaml:"heartbeat_timeout"`
}

// RateLimitConfig holds sliding-window admission limits. A non-positive limit
// disables that dimension.
type RateLimitConfig struct {
	Window time.Duration `yaml:"-"`

	WindowRaw     string `yaml:"window"`
	AgentLimit    int    `yaml:"agent_limit"`
	ClientIPLimit int    `yaml:"client_ip_limit"`
}

// CostConfig holds token pricing and budget limits. Limits at or below zero
// disable enforcement.
type CostConfig struct {
	PricePer1KTokens float64 `yaml:"price_per_1k_tokens"`
	SessionLimitUSD  float64 `yaml:"session_limit_usd"`
	DailyLimitUSD    float64 `yaml:"daily_limit_usd"`
	WarningThreshold float64 `yaml:"warning_threshold"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
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

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}

	if c.Cost.WarningThreshold < 0 || c.Cost.WarningThreshold > 1 {
		return fmt.Errorf("cost.warning_threshold must be between 0 and 1")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Bridge.HeartbeatTimeoutRaw != "" {
		cfg.Bridge.HeartbeatTimeout, err = time.ParseDuration(cfg.Bridge.HeartbeatTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing heartbeat_timeout %q: %w", cfg.Bridge.HeartbeatTimeoutRaw, err)
		}
	}

	if cfg.RateLimit.WindowRaw != "" {
		cfg.RateLimit.Window, err = time.ParseDuration(cfg.RateLimit.WindowRaw)
		if err != nil {
			return fmt.Errorf("parsing ratelimit window %q: %w", cfg.RateLimit.WindowRaw, err)
		}
	}

	return nil
}
