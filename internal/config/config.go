// Package config holds the on-disk/env configuration for the chain
// indexer binary, in the teacher's load-order: defaults, then YAML file,
// then environment overrides, then validate. Grounded on
// internal/config/config.go.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the chainindexer binary.
type Config struct {
	RPC      RPCConfig      `yaml:"rpc"`
	Database DatabaseConfig `yaml:"database"`
	Log      LogConfig      `yaml:"log"`
	Indexer  IndexerConfig  `yaml:"indexer"`
	API      APIConfig      `yaml:"api"`
}

// RPCConfig holds the upstream JSON-RPC endpoint configuration.
type RPCConfig struct {
	Endpoint string `yaml:"endpoint"`
	// Concurrency bounds in-flight RPC calls. Default 5.
	Concurrency int `yaml:"concurrency"`
	// MaxRetries bounds retry attempts for transient errors. Default 5.
	MaxRetries int `yaml:"max_retries"`
	// RetryDelay is the fixed delay between retries. Default 1s.
	RetryDelay time.Duration `yaml:"retry_delay"`
	// RateLimit bounds requests per second. 0 disables rate limiting.
	RateLimit float64 `yaml:"rate_limit"`
}

// DatabaseConfig holds the pebble cache/subscription-store location.
type DatabaseConfig struct {
	Path     string `yaml:"path"`
	ReadOnly bool   `yaml:"readonly"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// IndexerConfig holds engine-specific configuration (spec §6.1).
type IndexerConfig struct {
	// PollingInterval is the delay between ticks once caught up to the
	// chain head. Default 1000ms.
	PollingInterval time.Duration `yaml:"polling_interval"`
	// ChainID is the chain id attached to the binary's log lines. It is not
	// compared with the chain id the RPC endpoint reports.
	ChainID uint64 `yaml:"chain_id"`
}

// APIConfig holds the optional read-only HTTP/websocket status shell
// configuration.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// NewConfig creates a new Config with default values applied.
func NewConfig() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults fills in zero-valued fields with the spec's defaults.
func (c *Config) SetDefaults() {
	if c.RPC.Concurrency == 0 {
		c.RPC.Concurrency = 5
	}
	if c.RPC.MaxRetries == 0 {
		c.RPC.MaxRetries = 5
	}
	if c.RPC.RetryDelay == 0 {
		c.RPC.RetryDelay = time.Second
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}

	if c.Indexer.PollingInterval == 0 {
		c.Indexer.PollingInterval = time.Second
	}

	if c.API.Addr == "" {
		c.API.Addr = ":8080"
	}
}

// LoadFromFile merges YAML configuration from filename into c.
func (c *Config) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

// LoadFromEnv overlays environment variables onto c. Environment
// variables take precedence over file configuration.
func (c *Config) LoadFromEnv() error {
	if endpoint := os.Getenv("CHAININDEXER_RPC_ENDPOINT"); endpoint != "" {
		c.RPC.Endpoint = endpoint
	}
	if v := os.Getenv("CHAININDEXER_RPC_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid CHAININDEXER_RPC_CONCURRENCY: %w", err)
		}
		c.RPC.Concurrency = n
	}
	if v := os.Getenv("CHAININDEXER_RPC_MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid CHAININDEXER_RPC_MAX_RETRIES: %w", err)
		}
		c.RPC.MaxRetries = n
	}
	if v := os.Getenv("CHAININDEXER_RPC_RETRY_DELAY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid CHAININDEXER_RPC_RETRY_DELAY: %w", err)
		}
		c.RPC.RetryDelay = d
	}
	if v := os.Getenv("CHAININDEXER_RPC_RATE_LIMIT"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid CHAININDEXER_RPC_RATE_LIMIT: %w", err)
		}
		c.RPC.RateLimit = f
	}

	if path := os.Getenv("CHAININDEXER_DB_PATH"); path != "" {
		c.Database.Path = path
	}
	if v := os.Getenv("CHAININDEXER_DB_READONLY"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid CHAININDEXER_DB_READONLY: %w", err)
		}
		c.Database.ReadOnly = b
	}

	if level := os.Getenv("CHAININDEXER_LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
	if format := os.Getenv("CHAININDEXER_LOG_FORMAT"); format != "" {
		c.Log.Format = format
	}

	if v := os.Getenv("CHAININDEXER_POLLING_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid CHAININDEXER_POLLING_INTERVAL: %w", err)
		}
		c.Indexer.PollingInterval = d
	}
	if v := os.Getenv("CHAININDEXER_CHAIN_ID"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid CHAININDEXER_CHAIN_ID: %w", err)
		}
		c.Indexer.ChainID = n
	}

	if v := os.Getenv("CHAININDEXER_API_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid CHAININDEXER_API_ENABLED: %w", err)
		}
		c.API.Enabled = b
	}
	if addr := os.Getenv("CHAININDEXER_API_ADDR"); addr != "" {
		c.API.Addr = addr
	}

	return nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.RPC.Endpoint == "" {
		return fmt.Errorf("RPC endpoint is required (use --rpc or CHAININDEXER_RPC_ENDPOINT)")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path is required (use --db or CHAININDEXER_DB_PATH)")
	}
	if c.RPC.Concurrency <= 0 {
		return fmt.Errorf("rpc concurrency must be positive")
	}
	if c.RPC.MaxRetries < 0 {
		return fmt.Errorf("rpc max retries cannot be negative")
	}
	if c.Indexer.PollingInterval <= 0 {
		return fmt.Errorf("polling interval must be positive")
	}
	return nil
}

// Load loads configuration in the teacher's order: defaults, file,
// environment, validate.
func Load(configFile string) (*Config, error) {
	cfg := NewConfig()

	if configFile != "" {
		if err := cfg.LoadFromFile(configFile); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("load config from environment: %w", err)
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}
