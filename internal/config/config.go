package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the event pipeline.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Queue      QueueConfig      `yaml:"queue"`
	Delivery   DeliveryConfig   `yaml:"delivery"`
	Reputation ReputationConfig `yaml:"reputation"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Worker     WorkerConfig     `yaml:"worker"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// GetHost returns the server host, with container detection.
func (c ServerConfig) GetHost() string {
	// On ECS/container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// DatabaseConfig holds Postgres connection settings.
type DatabaseConfig struct {
	URL                string `yaml:"url"`
	MaxOpenConns       int    `yaml:"max_open_conns"`
	MaxIdleConns       int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMin int    `yaml:"conn_max_lifetime_minutes"`
}

// ConnMaxLifetime returns the pool connection lifetime.
func (c DatabaseConfig) ConnMaxLifetime() time.Duration {
	return time.Duration(c.ConnMaxLifetimeMin) * time.Minute
}

// RedisConfig holds the shared counter store connection.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// QueueConfig holds the durable work queue settings.
type QueueConfig struct {
	DeliveryQueueURL     string `yaml:"delivery_queue_url"`
	AWSRegion            string `yaml:"aws_region"`
	SchedulerIntervalSec int    `yaml:"scheduler_interval_seconds"`
}

// SchedulerInterval returns how often the retry scheduler sweeps for due
// deliveries.
func (c QueueConfig) SchedulerInterval() time.Duration {
	return time.Duration(c.SchedulerIntervalSec) * time.Second
}

// DeliveryConfig holds webhook delivery tuning. Retry count and backoff
// constants are operational tuning, not structure, so they live here
// rather than in the dispatcher.
type DeliveryConfig struct {
	MaxAttempts           int     `yaml:"max_attempts"`
	TimeoutSeconds        int     `yaml:"timeout_seconds"`
	BackoffBaseSeconds    int     `yaml:"backoff_base_seconds"`
	BackoffFactor         float64 `yaml:"backoff_factor"`
	BackoffCapSeconds     int     `yaml:"backoff_cap_seconds"`
	BackoffJitterFraction float64 `yaml:"backoff_jitter_fraction"`
	AutoDisableAfter      int     `yaml:"auto_disable_after"`
	MaxInFlightPerTarget  int     `yaml:"max_in_flight_per_target"`
}

// Timeout returns the per-attempt HTTP timeout.
func (c DeliveryConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// BackoffBase returns the first retry delay.
func (c DeliveryConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseSeconds) * time.Second
}

// BackoffCap returns the upper bound on a retry delay.
func (c DeliveryConfig) BackoffCap() time.Duration {
	return time.Duration(c.BackoffCapSeconds) * time.Second
}

// ReputationConfig holds the rolling window and classification thresholds.
// RISK is checked before WARNING; first true wins.
type ReputationConfig struct {
	WindowDays           int     `yaml:"window_days"`
	RiskBounceRate       float64 `yaml:"risk_bounce_rate"`
	RiskComplaintRate    float64 `yaml:"risk_complaint_rate"`
	WarningBounceRate    float64 `yaml:"warning_bounce_rate"`
	WarningComplaintRate float64 `yaml:"warning_complaint_rate"`
}

// Window returns the trailing aggregation period.
func (c ReputationConfig) Window() time.Duration {
	return time.Duration(c.WindowDays) * 24 * time.Hour
}

// RateLimitConfig holds inbound API gating (token bucket per API key).
type RateLimitConfig struct {
	RequestsPerWindow int `yaml:"requests_per_window"`
	WindowSeconds     int `yaml:"window_seconds"`
}

// Window returns the fixed limiter window.
func (c RateLimitConfig) Window() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

// WorkerConfig holds dispatcher worker pool settings.
type WorkerConfig struct {
	NumWorkers int `yaml:"num_workers"`
}

// Load reads and parses the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 50
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 10
	}
	if cfg.Database.ConnMaxLifetimeMin == 0 {
		cfg.Database.ConnMaxLifetimeMin = 5
	}
	if cfg.Queue.AWSRegion == "" {
		cfg.Queue.AWSRegion = "us-west-2"
	}
	if cfg.Queue.SchedulerIntervalSec == 0 {
		cfg.Queue.SchedulerIntervalSec = 15
	}
	if cfg.Delivery.MaxAttempts == 0 {
		cfg.Delivery.MaxAttempts = 5
	}
	if cfg.Delivery.TimeoutSeconds == 0 {
		cfg.Delivery.TimeoutSeconds = 10
	}
	if cfg.Delivery.BackoffBaseSeconds == 0 {
		cfg.Delivery.BackoffBaseSeconds = 30
	}
	if cfg.Delivery.BackoffFactor == 0 {
		cfg.Delivery.BackoffFactor = 2
	}
	if cfg.Delivery.BackoffCapSeconds == 0 {
		cfg.Delivery.BackoffCapSeconds = 3600
	}
	if cfg.Delivery.BackoffJitterFraction == 0 {
		cfg.Delivery.BackoffJitterFraction = 0.2
	}
	if cfg.Delivery.AutoDisableAfter == 0 {
		cfg.Delivery.AutoDisableAfter = 3
	}
	if cfg.Delivery.MaxInFlightPerTarget == 0 {
		cfg.Delivery.MaxInFlightPerTarget = 2
	}
	if cfg.Reputation.WindowDays == 0 {
		cfg.Reputation.WindowDays = 7
	}
	if cfg.Reputation.RiskBounceRate == 0 {
		cfg.Reputation.RiskBounceRate = 5.0
	}
	if cfg.Reputation.RiskComplaintRate == 0 {
		cfg.Reputation.RiskComplaintRate = 0.3
	}
	if cfg.Reputation.WarningBounceRate == 0 {
		cfg.Reputation.WarningBounceRate = 2.0
	}
	if cfg.Reputation.WarningComplaintRate == 0 {
		cfg.Reputation.WarningComplaintRate = 0.1
	}
	if cfg.RateLimit.RequestsPerWindow == 0 {
		cfg.RateLimit.RequestsPerWindow = 120
	}
	if cfg.RateLimit.WindowSeconds == 0 {
		cfg.RateLimit.WindowSeconds = 60
	}
	if cfg.Worker.NumWorkers == 0 {
		cfg.Worker.NumWorkers = 10
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// A .env file (if present) is loaded first so secrets can live there
// locally and in real env vars on ECS.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("DELIVERY_QUEUE_URL"); v != "" {
		cfg.Queue.DeliveryQueueURL = v
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.Queue.AWSRegion = v
	}
	if v := os.Getenv("DELIVERY_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Delivery.MaxAttempts = n
		}
	}
	if v := os.Getenv("WORKER_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Worker.NumWorkers = n
		}
	}

	return cfg, nil
}
