package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/oriys/quasar/internal/cache"
	"github.com/oriys/quasar/internal/circuitbreaker"
	"github.com/oriys/quasar/internal/observability"
	"github.com/oriys/quasar/internal/ratelimit"
	"github.com/oriys/quasar/internal/replyio"
	"github.com/oriys/quasar/internal/retry"
)

// CacheConfig holds cache limits
type CacheConfig struct {
	MaxEntries     int           `json:"max_entries" yaml:"max_entries"`
	MaxMemoryBytes int64         `json:"max_memory_bytes" yaml:"max_memory_bytes"`
	SweepInterval  time.Duration `json:"sweep_interval" yaml:"sweep_interval"`
}

// RateLimitConfig holds the provider quota table
type RateLimitConfig struct {
	Backend   string                      `json:"backend" yaml:"backend"` // local, redis
	Default   ratelimit.Config            `json:"default" yaml:"default"`
	Providers map[string]ratelimit.Config `json:"providers" yaml:"providers"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

// DaemonConfig holds daemon-specific settings
type DaemonConfig struct {
	HTTPAddr    string `json:"http_addr" yaml:"http_addr"`
	LogLevel    string `json:"log_level" yaml:"log_level"`
	LogFormat   string `json:"log_format" yaml:"log_format"` // text, json
	CallLogFile string `json:"call_log_file" yaml:"call_log_file"`
}

// MetricsConfig holds Prometheus settings
type MetricsConfig struct {
	Enabled   bool      `json:"enabled" yaml:"enabled"`
	Namespace string    `json:"namespace" yaml:"namespace"`
	Buckets   []float64 `json:"buckets,omitempty" yaml:"buckets,omitempty"`
}

// ObservabilityConfig groups tracing and metrics
type ObservabilityConfig struct {
	Tracing observability.Config `json:"tracing" yaml:"tracing"`
	Metrics MetricsConfig        `json:"metrics" yaml:"metrics"`
}

// Config is the central configuration struct embedding all component configs
type Config struct {
	Cache         CacheConfig             `json:"cache" yaml:"cache"`
	RateLimit     RateLimitConfig         `json:"rate_limit" yaml:"rate_limit"`
	Queue         ratelimit.QueueConfig   `json:"queue" yaml:"queue"`
	Retry         map[string]retry.Policy `json:"retry" yaml:"retry"`
	Breaker       circuitbreaker.Config   `json:"breaker" yaml:"breaker"`
	Redis         RedisConfig             `json:"redis" yaml:"redis"`
	ReplyIO       replyio.Config          `json:"replyio" yaml:"replyio"`
	Daemon        DaemonConfig            `json:"daemon" yaml:"daemon"`
	Observability ObservabilityConfig     `json:"observability" yaml:"observability"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Cache: CacheConfig{
			MaxEntries:     cache.DefaultMaxEntries,
			MaxMemoryBytes: cache.DefaultMaxMemoryBytes,
			SweepInterval:  cache.DefaultSweepInterval,
		},
		RateLimit: RateLimitConfig{
			Backend:   "local",
			Default:   ratelimit.DefaultConfig(),
			Providers: ratelimit.DefaultProviders(),
		},
		Queue: ratelimit.QueueConfig{
			DrainInterval:       ratelimit.DefaultDrainInterval,
			MaxWait:             ratelimit.DefaultMaxWait,
			MaxExecutionRetries: ratelimit.DefaultMaxExecutionRetries,
		},
		Retry: map[string]retry.Policy{
			"reply.io": retry.ReplyIOPolicy(),
		},
		Breaker: circuitbreaker.DefaultConfig(),
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		ReplyIO: replyio.DefaultConfig(),
		Daemon: DaemonConfig{
			HTTPAddr:  ":9090",
			LogLevel:  "info",
			LogFormat: "text",
		},
		Observability: ObservabilityConfig{
			Tracing: observability.Config{
				Exporter:    "otlp-http",
				Endpoint:    "localhost:4318",
				ServiceName: "quasar",
				SampleRate:  1.0,
			},
			Metrics: MetricsConfig{
				Enabled:   true,
				Namespace: "quasar",
			},
		},
	}
}

// LoadFromFile loads configuration from a JSON or YAML file on top of the defaults
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromEnv applies environment variable overrides to the config
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("QUASAR_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("QUASAR_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("QUASAR_RATELIMIT_BACKEND"); v != "" {
		cfg.RateLimit.Backend = v
	}
	if v := os.Getenv("QUASAR_HTTP_ADDR"); v != "" {
		cfg.Daemon.HTTPAddr = v
	}
	if v := os.Getenv("QUASAR_LOG_LEVEL"); v != "" {
		cfg.Daemon.LogLevel = v
	}
	if v := os.Getenv("QUASAR_LOG_FORMAT"); v != "" {
		cfg.Daemon.LogFormat = v
	}
	if v := os.Getenv("QUASAR_CALL_LOG_FILE"); v != "" {
		cfg.Daemon.CallLogFile = v
	}
	if v := os.Getenv("QUASAR_CACHE_MAX_ENTRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Cache.MaxEntries = n
		}
	}
	if v := os.Getenv("QUASAR_REPLYIO_BASE_URL"); v != "" {
		cfg.ReplyIO.BaseURL = v
	}
	if v := os.Getenv("QUASAR_REPLYIO_API_KEY"); v != "" {
		cfg.ReplyIO.APIKey = v
	}
	if v := os.Getenv("QUASAR_TRACING_ENABLED"); v != "" {
		cfg.Observability.Tracing.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("QUASAR_TRACING_ENDPOINT"); v != "" {
		cfg.Observability.Tracing.Endpoint = v
	}
}

// Validate reports the first setting that cannot work
func (c *Config) Validate() error {
	if c.Cache.MaxEntries < 0 || c.Cache.MaxMemoryBytes < 0 {
		return fmt.Errorf("cache: limits cannot be negative")
	}
	switch c.RateLimit.Backend {
	case "local", "redis":
	default:
		return fmt.Errorf("rate_limit.backend: unknown backend %q", c.RateLimit.Backend)
	}
	if err := c.RateLimit.Default.Validate(); err != nil {
		return fmt.Errorf("rate_limit.default: %w", err)
	}
	for name, p := range c.RateLimit.Providers {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("rate_limit.providers[%s]: %w", name, err)
		}
	}
	if c.Queue.MaxExecutionRetries < 0 {
		return fmt.Errorf("queue.max_execution_retries cannot be negative")
	}
	for name, p := range c.Retry {
		if p.MaxRetries < 0 || p.Multiplier < 0 {
			return fmt.Errorf("retry[%s]: negative setting", name)
		}
	}
	if c.Breaker.ErrorPct < 0 || c.Breaker.ErrorPct > 100 {
		return fmt.Errorf("breaker.error_pct must be within 0-100 (got %v)", c.Breaker.ErrorPct)
	}
	switch c.Daemon.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("daemon.log_format: unknown format %q", c.Daemon.LogFormat)
	}
	return nil
}
