// Package config loads and validates the agent configuration.
//
// Precedence, lowest to highest: built-in defaults, YAML file, environment
// variables (HGA_* prefix). Validation is fail-fast: the process refuses to
// start with a configuration that could violate the HAProxy response budget.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

// Config represents the main configuration structure
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Check    CheckConfig    `yaml:"check"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
	Shutdown ShutdownConfig `yaml:"shutdown"`
}

// ServerConfig contains the agent TCP listener configuration
type ServerConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

// CheckConfig contains the outbound health check timing configuration.
// ConnectTimeout bounds channel establishment, RPCTimeout bounds the
// Health/Check call, and their sum must stay strictly under ResponseBudget,
// which mirrors HAProxy's agent-check response window.
type CheckConfig struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	RPCTimeout     time.Duration `yaml:"rpc_timeout"`
	ResponseBudget time.Duration `yaml:"response_budget"`
}

// MetricsConfig contains the Prometheus metrics listener configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bind    string `yaml:"bind"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	File   string `yaml:"file"`
}

// ShutdownConfig contains graceful shutdown configuration
type ShutdownConfig struct {
	GracePeriod time.Duration `yaml:"grace_period"`
}

// DefaultConfig returns a configuration with sensible defaults.
// The default sub-deadlines (500ms connect + 1s RPC) leave headroom inside
// the 2s response budget HAProxy applies to agent checks.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Bind: "0.0.0.0",
			Port: 5555,
		},
		Check: CheckConfig{
			ConnectTimeout: 500 * time.Millisecond,
			RPCTimeout:     1000 * time.Millisecond,
			ResponseBudget: 2 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Bind:    "0.0.0.0",
			Port:    9090,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Shutdown: ShutdownConfig{
			GracePeriod: 5 * time.Second,
		},
	}
}

// LoadConfig loads configuration with file and environment precedence.
// The file path comes from the argument or, when empty, the CONFIG_FILE
// environment variable; a missing file is only an error when explicitly
// requested.
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()

	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	config.loadFromEnvironment()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return config, nil
}

// loadFromEnvironment applies HGA_* environment overrides on top of the
// current values
func (c *Config) loadFromEnvironment() {
	if bind := os.Getenv("HGA_SERVER_BIND"); bind != "" {
		c.Server.Bind = bind
	}
	if port := os.Getenv("HGA_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}
	if timeout := os.Getenv("HGA_CONNECT_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			c.Check.ConnectTimeout = d
		}
	}
	if timeout := os.Getenv("HGA_RPC_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			c.Check.RPCTimeout = d
		}
	}
	if budget := os.Getenv("HGA_RESPONSE_BUDGET"); budget != "" {
		if d, err := time.ParseDuration(budget); err == nil {
			c.Check.ResponseBudget = d
		}
	}
	if enabled := os.Getenv("HGA_METRICS_ENABLED"); enabled != "" {
		c.Metrics.Enabled = enabled == "true"
	}
	if bind := os.Getenv("HGA_METRICS_BIND"); bind != "" {
		c.Metrics.Bind = bind
	}
	if port := os.Getenv("HGA_METRICS_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Metrics.Port = p
		}
	}
	if path := os.Getenv("HGA_METRICS_PATH"); path != "" {
		c.Metrics.Path = path
	}
	if level := os.Getenv("HGA_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if format := os.Getenv("HGA_LOG_FORMAT"); format != "" {
		c.Logging.Format = format
	}
	if output := os.Getenv("HGA_LOG_OUTPUT"); output != "" {
		c.Logging.Output = output
	}
	if grace := os.Getenv("HGA_SHUTDOWN_GRACE"); grace != "" {
		if d, err := time.ParseDuration(grace); err == nil {
			c.Shutdown.GracePeriod = d
		}
	}
}

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range [1,65535]", c.Server.Port)
	}
	if c.Metrics.Enabled {
		if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
			return fmt.Errorf("metrics port %d out of range [1,65535]", c.Metrics.Port)
		}
		if c.Metrics.Port == c.Server.Port {
			return fmt.Errorf("server port and metrics port must differ (both %d)", c.Server.Port)
		}
		if c.Metrics.Path == "" {
			return fmt.Errorf("metrics path must not be empty")
		}
	}
	if c.Check.ConnectTimeout <= 0 {
		return fmt.Errorf("connect timeout must be positive, got %s", c.Check.ConnectTimeout)
	}
	if c.Check.RPCTimeout <= 0 {
		return fmt.Errorf("rpc timeout must be positive, got %s", c.Check.RPCTimeout)
	}
	if c.Check.ResponseBudget <= 0 {
		return fmt.Errorf("response budget must be positive, got %s", c.Check.ResponseBudget)
	}
	// The two sub-deadlines must fit strictly inside the response budget,
	// otherwise a slow backend can make HAProxy time out the agent itself.
	if total := c.Check.ConnectTimeout + c.Check.RPCTimeout; total >= c.Check.ResponseBudget {
		return fmt.Errorf(
			"connect timeout + rpc timeout (%s) must stay under the response budget (%s)",
			total, c.Check.ResponseBudget,
		)
	}
	if c.Shutdown.GracePeriod <= 0 {
		return fmt.Errorf("shutdown grace period must be positive, got %s", c.Shutdown.GracePeriod)
	}
	return nil
}

// ListenAddr returns the agent listener address in host:port form
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}

// MetricsAddr returns the metrics listener address in host:port form
func (c *Config) MetricsAddr() string {
	return fmt.Sprintf("%s:%d", c.Metrics.Bind, c.Metrics.Port)
}
