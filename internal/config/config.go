// Package config loads ingestor configuration from a JSON file with
// environment variable overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the full ingestor configuration.
type Config struct {
	API       APIConfig       `json:"govinfo_api"`
	Database  DatabaseConfig  `json:"database"`
	Redis     RedisConfig     `json:"redis"`
	RateLimit RateLimitConfig `json:"rate_limit"`
	Ingest    IngestConfig    `json:"ingest"`
	LogLevel  string          `json:"log_level"`
}

// APIConfig configures access to the GovInfo API.
type APIConfig struct {
	APIKey    string `json:"api_key"`
	BaseURL   string `json:"base_url"`
	UserAgent string `json:"user_agent"`
	TimeoutS  int    `json:"timeout_seconds"`
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
}

// DatabaseConfig holds the PostgreSQL connection settings.
type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Database string `json:"database"`
	User     string `json:"user"`
	Password string `json:"password"`
	MaxConns int32  `json:"max_connections"`
}

// DSN builds a pgx connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
		d.User, d.Password, d.Host, d.Port, d.Database)
}

// RedisConfig holds the shared budget tracker's Redis address.
// An empty Addr disables the tracker.
type RedisConfig struct {
	Addr string `json:"addr"`
}

// RateLimitConfig configures the local token bucket.
type RateLimitConfig struct {
	RequestsPerHour int `json:"requests_per_hour"`
	MinIntervalMS   int `json:"min_interval_ms"`
}

// MinInterval returns the configured spacing between requests.
func (r RateLimitConfig) MinInterval() time.Duration {
	return time.Duration(r.MinIntervalMS) * time.Millisecond
}

// IngestConfig tunes the orchestrator.
type IngestConfig struct {
	Workers     int `json:"workers"`
	PageSize    int `json:"page_size"`
	MaxAttempts int `json:"max_attempts"`
}

// Default returns the baseline configuration before file and env overrides.
func Default() Config {
	return Config{
		API: APIConfig{
			BaseURL:   "https://api.govinfo.gov",
			UserAgent: "congress-api-ingestion/1.0",
			TimeoutS:  30,
		},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			Database: "opendiscourse",
			User:     "opendiscourse",
			MaxConns: 10,
		},
		RateLimit: RateLimitConfig{
			RequestsPerHour: 1000,
			MinIntervalMS:   100,
		},
		Ingest: IngestConfig{
			Workers:     4,
			PageSize:    100,
			MaxAttempts: 4,
		},
		LogLevel: "info",
	}
}

// Load reads the config file at path (if non-empty), then applies
// environment overrides, then validates.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overrides file values from the environment. Only settings that
// differ per deployment (credentials, endpoints) get env names.
func applyEnv(cfg *Config) {
	if v := os.Getenv("GOVINFO_API_KEY"); v != "" {
		cfg.API.APIKey = v
	}
	if v := os.Getenv("GOVINFO_BASE_URL"); v != "" {
		cfg.API.BaseURL = v
	}
	if v := os.Getenv("DATABASE_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("DATABASE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Database.Port = port
		}
	}
	if v := os.Getenv("DATABASE_NAME"); v != "" {
		cfg.Database.Database = v
	}
	if v := os.Getenv("DATABASE_USER"); v != "" {
		cfg.Database.User = v
	}
	if v := os.Getenv("DATABASE_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

// Validate checks settings the engine cannot run without.
func (c Config) Validate() error {
	if c.API.APIKey == "" {
		return fmt.Errorf("api key is required (govinfo_api.api_key or GOVINFO_API_KEY)")
	}
	if c.RateLimit.RequestsPerHour <= 0 {
		return fmt.Errorf("rate_limit.requests_per_hour must be positive")
	}
	if c.Ingest.Workers <= 0 {
		return fmt.Errorf("ingest.workers must be positive")
	}
	if c.Ingest.PageSize <= 0 || c.Ingest.PageSize > 1000 {
		return fmt.Errorf("ingest.page_size must be between 1 and 1000")
	}
	return nil
}
