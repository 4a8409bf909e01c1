// Package config loads engine configuration from YAML with environment
// variable overrides.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the delivery engine.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	SES       SESConfig       `yaml:"ses"`
	Delivery  DeliveryConfig  `yaml:"delivery"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL             string `yaml:"url"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_minutes"`
}

// RedisConfig holds Redis settings for the scheduler lock. Optional; when
// Addr is empty the scheduler falls back to PostgreSQL advisory locks.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// SESConfig holds AWS SES credentials for the mailer adapter.
type SESConfig struct {
	AccessKey      string `yaml:"access_key"`
	SecretKey      string `yaml:"secret_key"`
	Region         string `yaml:"region"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// DeliveryConfig tunes the send worker pool and retry policy.
type DeliveryConfig struct {
	NumWorkers         int     `yaml:"num_workers"`
	BatchSize          int     `yaml:"batch_size"`
	PollIntervalMs     int     `yaml:"poll_interval_ms"`
	MaxAttempts        int     `yaml:"max_attempts"`
	RetryBaseSeconds   int     `yaml:"retry_base_seconds"`
	RetryCapMinutes    int     `yaml:"retry_cap_minutes"`
	MailerTimeoutSecs  int     `yaml:"mailer_timeout_seconds"`
	RetryJitterPercent float64 `yaml:"retry_jitter_percent"`
}

// SchedulerConfig tunes the campaign lifecycle tick loop.
type SchedulerConfig struct {
	TickIntervalSeconds int `yaml:"tick_interval_seconds"`
	LockTTLSeconds      int `yaml:"lock_ttl_seconds"`
}

// Load reads configuration from the YAML file at path and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// LoadFromEnv loads the YAML file (if present) and then overlays environment
// variables. A .env file is honored for local development.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if path != "" {
		if loaded, err := Load(path); err == nil {
			cfg = loaded
		}
	}

	if v := os.Getenv("SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("AWS_SES_ACCESS_KEY"); v != "" {
		cfg.SES.AccessKey = v
	}
	if v := os.Getenv("AWS_SES_SECRET_KEY"); v != "" {
		cfg.SES.SecretKey = v
	}
	if v := os.Getenv("AWS_SES_REGION"); v != "" {
		cfg.SES.Region = v
	}
	if v := os.Getenv("DELIVERY_NUM_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Delivery.NumWorkers = n
		}
	}
	if v := os.Getenv("DELIVERY_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Delivery.MaxAttempts = n
		}
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "localhost"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Database.ConnMaxLifetime == 0 {
		c.Database.ConnMaxLifetime = 5
	}
	if c.SES.Region == "" {
		c.SES.Region = "us-east-1"
	}
	if c.SES.TimeoutSeconds == 0 {
		c.SES.TimeoutSeconds = 30
	}
	if c.Delivery.NumWorkers == 0 {
		c.Delivery.NumWorkers = 8
	}
	if c.Delivery.BatchSize == 0 {
		c.Delivery.BatchSize = 100
	}
	if c.Delivery.PollIntervalMs == 0 {
		c.Delivery.PollIntervalMs = 500
	}
	if c.Delivery.MaxAttempts == 0 {
		c.Delivery.MaxAttempts = 3
	}
	if c.Delivery.RetryBaseSeconds == 0 {
		c.Delivery.RetryBaseSeconds = 60
	}
	if c.Delivery.RetryCapMinutes == 0 {
		c.Delivery.RetryCapMinutes = 60
	}
	if c.Delivery.MailerTimeoutSecs == 0 {
		c.Delivery.MailerTimeoutSecs = 30
	}
	if c.Delivery.RetryJitterPercent == 0 {
		c.Delivery.RetryJitterPercent = 0.2
	}
	if c.Scheduler.TickIntervalSeconds == 0 {
		c.Scheduler.TickIntervalSeconds = 15
	}
	if c.Scheduler.LockTTLSeconds == 0 {
		c.Scheduler.LockTTLSeconds = 60
	}
}

// MailerTimeout returns the per-call mailer timeout as a duration.
func (c *Config) MailerTimeout() time.Duration {
	return time.Duration(c.Delivery.MailerTimeoutSecs) * time.Second
}

// PollInterval returns the worker poll interval as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Delivery.PollIntervalMs) * time.Millisecond
}
