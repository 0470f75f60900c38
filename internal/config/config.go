// Package config loads and validates the YAML configuration for
// cryptoetl, the way internal/config/providers.go does for its
// upstream provider operations.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration document.
type Config struct {
	Postgres     PostgresConfig          `yaml:"postgres"`
	Redis        RedisConfig             `yaml:"redis"`
	Sources      map[string]SourceConfig `yaml:"sources"`
	Orchestrator OrchestratorConfig      `yaml:"orchestrator"`
	HTTP         HTTPConfig              `yaml:"http"`
	Scheduler    SchedulerConfig         `yaml:"scheduler"`
}

// PostgresConfig holds the document-store connection.
type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig backs the short-TTL payload cache used by the rate gate.
type RedisConfig struct {
	Addr string `yaml:"addr"`
}

// SourceConfig describes one upstream source: its transport (HTTP JSON
// API or tabular file), rate budget, and record cap.
type SourceConfig struct {
	Kind           string        `yaml:"kind"` // "http" or "csv"
	URL            string        `yaml:"url"`
	Path           string        `yaml:"path"` // for kind=csv
	RequestsPerMin int           `yaml:"requests_per_minute"`
	BurstCapacity  int           `yaml:"burst_capacity"`
	RetryBackoff   time.Duration `yaml:"retry_backoff"`
	RecordCap      int           `yaml:"record_cap"`
	FetchTimeout   time.Duration `yaml:"fetch_timeout"`
}

// OrchestratorConfig governs run-level batching and fault injection.
type OrchestratorConfig struct {
	BatchSize      int      `yaml:"batch_size"`
	FaultInjection bool     `yaml:"fault_injection"`
	SourceOrder    []string `yaml:"source_order"`
}

// HTTPConfig configures the exposition/control-plane server.
type HTTPConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// SchedulerConfig configures the background trigger cadence.
type SchedulerConfig struct {
	Interval time.Duration `yaml:"interval"`
	Enabled  bool          `yaml:"enabled"`
}

// Load reads and validates configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Orchestrator.BatchSize <= 0 {
		c.Orchestrator.BatchSize = 5
	}
	if c.HTTP.Port == 0 {
		c.HTTP.Port = 8080
	}
	if c.HTTP.Host == "" {
		c.HTTP.Host = "0.0.0.0"
	}
	if c.Scheduler.Interval == 0 {
		c.Scheduler.Interval = 15 * time.Minute
	}
	if c.Postgres.MaxOpenConns == 0 {
		c.Postgres.MaxOpenConns = 10
	}
	for name, sc := range c.Sources {
		if sc.RetryBackoff == 0 {
			sc.RetryBackoff = 2 * time.Second
		}
		if sc.FetchTimeout == 0 {
			sc.FetchTimeout = 10 * time.Second
		}
		if sc.BurstCapacity == 0 {
			sc.BurstCapacity = sc.RequestsPerMin
		}
		c.Sources[name] = sc
	}
}

// Validate ensures the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Postgres.DSN == "" {
		return fmt.Errorf("postgres.dsn cannot be empty")
	}
	if c.Orchestrator.BatchSize < 1 {
		return fmt.Errorf("orchestrator.batch_size must be >= 1, got %d", c.Orchestrator.BatchSize)
	}
	if len(c.Sources) == 0 {
		return fmt.Errorf("at least one source must be configured")
	}
	for name, sc := range c.Sources {
		if err := sc.Validate(name); err != nil {
			return fmt.Errorf("source %s: %w", name, err)
		}
	}
	return nil
}

// Validate ensures a single source's configuration is usable.
func (sc *SourceConfig) Validate(name string) error {
	switch sc.Kind {
	case "http":
		if sc.URL == "" {
			return fmt.Errorf("url cannot be empty for http source")
		}
	case "csv":
		if sc.Path == "" {
			return fmt.Errorf("path cannot be empty for csv source")
		}
	default:
		return fmt.Errorf("unknown kind %q (want http or csv)", sc.Kind)
	}
	if sc.RequestsPerMin <= 0 {
		return fmt.Errorf("requests_per_minute must be positive, got %d", sc.RequestsPerMin)
	}
	if sc.BurstCapacity < sc.RequestsPerMin {
		return fmt.Errorf("burst_capacity (%d) must be >= requests_per_minute (%d)", sc.BurstCapacity, sc.RequestsPerMin)
	}
	if sc.RecordCap < 0 {
		return fmt.Errorf("record_cap cannot be negative, got %d", sc.RecordCap)
	}
	return nil
}
