// Package config loads server configuration: environment variables
// first, optionally overridden by a YAML file named by WORKTREE_CONFIG
// or the -config flag.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds server configuration.
type Config struct {
	Port        string        `yaml:"port"`
	DatabaseURL string        `yaml:"database_url"`
	JWTSecret   string        `yaml:"jwt_secret"`
	TokenTTL    time.Duration `yaml:"token_ttl"`
	LogLevel    string        `yaml:"log_level"`

	RateRPS   int `yaml:"rate_rps"`
	RateBurst int `yaml:"rate_burst"`

	HistoryRetries    int           `yaml:"history_retries"`
	HistoryRetryDelay time.Duration `yaml:"history_retry_delay"`

	MetricsEnabled bool   `yaml:"metrics_enabled"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
}

// Load reads configuration from environment variables, applying
// defaults for everything unset.
func Load() *Config {
	cfg := &Config{
		Port:              envOr("PORT", "8240"),
		DatabaseURL:       envOr("DATABASE_URL", "worktree.db"),
		JWTSecret:         os.Getenv("JWT_SECRET_KEY"),
		TokenTTL:          envDurationOr("TOKEN_TTL", time.Hour),
		LogLevel:          envOr("LOG_LEVEL", "INFO"),
		RateRPS:           envIntOr("RATE_RPS", 20),
		RateBurst:         envIntOr("RATE_BURST", 40),
		HistoryRetries:    envIntOr("HISTORY_RETRIES", 3),
		HistoryRetryDelay: envDurationOr("HISTORY_RETRY_DELAY", 50*time.Millisecond),
		MetricsEnabled:    os.Getenv("METRICS_ENABLED") == "true",
		OTLPEndpoint:      envOr("OTLP_ENDPOINT", "localhost:4317"),
	}
	return cfg
}

// LoadFile overlays a YAML file onto cfg. Zero values in the file keep
// the existing setting.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	var overlay Config
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	c.merge(&overlay)
	return nil
}

func (c *Config) merge(o *Config) {
	if o.Port != "" {
		c.Port = o.Port
	}
	if o.DatabaseURL != "" {
		c.DatabaseURL = o.DatabaseURL
	}
	if o.JWTSecret != "" {
		c.JWTSecret = o.JWTSecret
	}
	if o.TokenTTL != 0 {
		c.TokenTTL = o.TokenTTL
	}
	if o.LogLevel != "" {
		c.LogLevel = o.LogLevel
	}
	if o.RateRPS != 0 {
		c.RateRPS = o.RateRPS
	}
	if o.RateBurst != 0 {
		c.RateBurst = o.RateBurst
	}
	if o.HistoryRetries != 0 {
		c.HistoryRetries = o.HistoryRetries
	}
	if o.HistoryRetryDelay != 0 {
		c.HistoryRetryDelay = o.HistoryRetryDelay
	}
	if o.MetricsEnabled {
		c.MetricsEnabled = true
	}
	if o.OTLPEndpoint != "" {
		c.OTLPEndpoint = o.OTLPEndpoint
	}
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("config: JWT_SECRET_KEY is required")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
