// Package config provides configuration loading and management for the
// recipe pipeline engine.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete engine configuration
type Config struct {
	NATS     NATSConfig     `yaml:"nats"`
	Redis    RedisConfig    `yaml:"redis"`
	Database DatabaseConfig `yaml:"database"`
	Workers  WorkersConfig  `yaml:"workers"`
	Ingest   IngestConfig   `yaml:"ingest"`
	HTTP     HTTPConfig     `yaml:"http"`
}

// NATSConfig configures the NATS connection used for job transport and
// status broadcasting
type NATSConfig struct {
	// URL is the NATS server URL (empty = use the in-process broker)
	URL string `yaml:"url"`
	// Embedded indicates whether to run without an external server
	Embedded bool `yaml:"embedded"`
}

// RedisConfig configures the cache connection
type RedisConfig struct {
	// Host is the Redis host:port (empty = cache disabled)
	Host string `yaml:"host"`
	// Password is the optional Redis auth password
	Password string `yaml:"password"`
	// DB selects the Redis logical database
	DB int `yaml:"db"`
	// KeyPrefix namespaces all cache keys
	KeyPrefix string `yaml:"key_prefix"`
}

// DatabaseConfig configures the repository backend
type DatabaseConfig struct {
	// Path is the SQLite database file (":memory:" for ephemeral)
	Path string `yaml:"path"`
}

// WorkersConfig configures the queue consumers
type WorkersConfig struct {
	// Concurrency maps queue name to parallel handler count
	Concurrency map[string]int `yaml:"concurrency"`
	// MaxRetries bounds retry attempts per job
	MaxRetries int `yaml:"max_retries"`
	// BackoffMs is the base retry delay in milliseconds
	BackoffMs int `yaml:"backoff_ms"`
	// BackoffMultiplier is the exponential backoff factor
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
	// MaxBackoffMs caps the retry delay in milliseconds
	MaxBackoffMs int `yaml:"max_backoff_ms"`
}

// IngestConfig configures file ingestion
type IngestConfig struct {
	// Dir is the directory scanned for source files
	Dir string `yaml:"dir"`
	// Includes are the doublestar globs files must match
	Includes []string `yaml:"includes"`
	// MaxFileSizeBytes caps the size of a single file
	MaxFileSizeBytes int64 `yaml:"max_file_size_bytes"`
	// Concurrency bounds parallel file processing
	Concurrency int `yaml:"concurrency"`
	// Watch keeps ingesting as new files appear
	Watch bool `yaml:"watch"`
}

// HTTPConfig configures the metrics and health server
type HTTPConfig struct {
	// Addr is the listen address
	Addr string `yaml:"addr"`
	// Enabled toggles the HTTP surface
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		NATS: NATSConfig{
			URL:      "",
			Embedded: true,
		},
		Redis: RedisConfig{
			Host:      "",
			DB:        0,
			KeyPrefix: "peas",
		},
		Database: DatabaseConfig{
			Path: "recipeline.db",
		},
		Workers: WorkersConfig{
			Concurrency: map[string]int{
				"note":             2,
				"ingredient":       4,
				"instruction":      4,
				"categorization":   2,
				"pattern_tracking": 2,
			},
			MaxRetries:        3,
			BackoffMs:         2000,
			BackoffMultiplier: 2.0,
			MaxBackoffMs:      30000,
		},
		Ingest: IngestConfig{
			Dir:              "import",
			Includes:         []string{"**/*.html", "**/*.htm"},
			MaxFileSizeBytes: 50 * 1024 * 1024,
			Concurrency:      4,
			Watch:            false,
		},
		HTTP: HTTPConfig{
			Addr:    ":8080",
			Enabled: true,
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Workers.MaxRetries < 0 {
		return fmt.Errorf("workers.max_retries must not be negative")
	}
	if c.Workers.BackoffMs <= 0 {
		return fmt.Errorf("workers.backoff_ms must be positive")
	}
	if c.Workers.BackoffMultiplier < 1 {
		return fmt.Errorf("workers.backoff_multiplier must be at least 1")
	}
	if c.Workers.MaxBackoffMs < c.Workers.BackoffMs {
		return fmt.Errorf("workers.max_backoff_ms must not be below workers.backoff_ms")
	}
	for queue, n := range c.Workers.Concurrency {
		if n <= 0 {
			return fmt.Errorf("workers.concurrency[%s] must be positive", queue)
		}
	}
	if c.Ingest.MaxFileSizeBytes <= 0 {
		return fmt.Errorf("ingest.max_file_size_bytes must be positive")
	}
	if c.Ingest.Concurrency <= 0 {
		return fmt.Errorf("ingest.concurrency must be positive")
	}
	if c.HTTP.Enabled && c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr is required when http is enabled")
	}
	return nil
}

// BackoffDuration returns the configured base retry delay
func (c *Config) BackoffDuration() time.Duration {
	return time.Duration(c.Workers.BackoffMs) * time.Millisecond
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// NATS
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
		c.NATS.Embedded = false
	}

	// Redis
	if other.Redis.Host != "" {
		c.Redis.Host = other.Redis.Host
	}
	if other.Redis.Password != "" {
		c.Redis.Password = other.Redis.Password
	}
	if other.Redis.DB != 0 {
		c.Redis.DB = other.Redis.DB
	}
	if other.Redis.KeyPrefix != "" {
		c.Redis.KeyPrefix = other.Redis.KeyPrefix
	}

	// Database
	if other.Database.Path != "" {
		c.Database.Path = other.Database.Path
	}

	// Workers
	for queue, n := range other.Workers.Concurrency {
		if c.Workers.Concurrency == nil {
			c.Workers.Concurrency = map[string]int{}
		}
		c.Workers.Concurrency[queue] = n
	}
	if other.Workers.MaxRetries != 0 {
		c.Workers.MaxRetries = other.Workers.MaxRetries
	}
	if other.Workers.BackoffMs != 0 {
		c.Workers.BackoffMs = other.Workers.BackoffMs
	}
	if other.Workers.BackoffMultiplier != 0 {
		c.Workers.BackoffMultiplier = other.Workers.BackoffMultiplier
	}
	if other.Workers.MaxBackoffMs != 0 {
		c.Workers.MaxBackoffMs = other.Workers.MaxBackoffMs
	}

	// Ingest
	if other.Ingest.Dir != "" {
		c.Ingest.Dir = other.Ingest.Dir
	}
	if len(other.Ingest.Includes) > 0 {
		c.Ingest.Includes = other.Ingest.Includes
	}
	if other.Ingest.MaxFileSizeBytes != 0 {
		c.Ingest.MaxFileSizeBytes = other.Ingest.MaxFileSizeBytes
	}
	if other.Ingest.Concurrency != 0 {
		c.Ingest.Concurrency = other.Ingest.Concurrency
	}
	if other.Ingest.Watch {
		c.Ingest.Watch = true
	}

	// HTTP
	if other.HTTP.Addr != "" {
		c.HTTP.Addr = other.HTTP.Addr
	}
}
