// Package config loads the client configuration: where the backend
// lives, how to authenticate, and how the transport should behave.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the client configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Logging LoggingConfig `yaml:"logging"`
	History HistoryConfig `yaml:"history"`
}

type ServerConfig struct {
	URL       string `yaml:"url"`
	TokenPath string `yaml:"token_path"`
	// Insecure allows plain ws:// to non-loopback hosts (dev setups).
	Insecure bool `yaml:"insecure"`

	ConnectTimeoutSecs int `yaml:"connect_timeout_secs"`
	BackoffBaseMS      int `yaml:"backoff_base_ms"`
	MaxReconnects      int `yaml:"max_reconnects"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

type HistoryConfig struct {
	Path string `yaml:"path"`
}

// Load reads configuration from a file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration used when no file exists yet,
// with env overrides applied.
func Default() *Config {
	cfg := &Config{
		Server:  ServerConfig{URL: "wss://localhost:8443/ws"},
		Logging: LoggingConfig{Level: "info"},
	}
	cfg.applyEnv()
	return cfg
}

func (c *Config) applyEnv() {
	if url := os.Getenv("PERCH_URL"); url != "" {
		c.Server.URL = url
	}
	if tokenPath := os.Getenv("PERCH_TOKEN_PATH"); tokenPath != "" {
		c.Server.TokenPath = tokenPath
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.URL == "" {
		return fmt.Errorf("server.url is required")
	}
	if c.Server.ConnectTimeoutSecs < 0 {
		return fmt.Errorf("server.connect_timeout_secs must not be negative")
	}
	if c.Server.BackoffBaseMS < 0 {
		return fmt.Errorf("server.backoff_base_ms must not be negative")
	}
	if c.Server.MaxReconnects < 0 {
		return fmt.Errorf("server.max_reconnects must not be negative")
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error")
	}
	return nil
}

// ConnectTimeout returns the configured dial timeout, or zero to let
// the transport default apply.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.Server.ConnectTimeoutSecs) * time.Second
}

// BackoffBase returns the configured reconnect base delay, or zero to
// let the transport default apply.
func (c *Config) BackoffBase() time.Duration {
	return time.Duration(c.Server.BackoffBaseMS) * time.Millisecond
}
