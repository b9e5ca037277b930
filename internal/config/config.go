// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Monitoring engine
	PollInterval     time.Duration // how often the monitor samples activity
	DebounceWindow   time.Duration // per-action-kind cooldown in the policy loop
	MonitorDisabled  bool          // start with the monitor loop off
	NotifyWebhookURL string        // optional webhook for notification fan-out

	// Security
	NaviSecret   string // shared secret authenticating the autonomous loop
	RateLimitRPM int
}

// Defaults
const (
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultPollInterval   = 30 * time.Second
	DefaultDebounceWindow = 5 * time.Minute
	DefaultRateLimit      = 120
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:             getEnv("PORT", DefaultPort),
		Env:              getEnv("ENV", DefaultEnv),
		LogLevel:         getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:      os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		PollInterval:     getEnvDuration("POLL_INTERVAL", DefaultPollInterval),
		DebounceWindow:   getEnvDuration("DEBOUNCE_WINDOW", DefaultDebounceWindow),
		MonitorDisabled:  getEnvBool("MONITOR_DISABLED", false),
		NotifyWebhookURL: os.Getenv("NOTIFY_WEBHOOK_URL"),
		NaviSecret:       os.Getenv("NAVI_SECRET"), // Required, no default
		RateLimitRPM:     int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.NaviSecret == "" {
		return fmt.Errorf("NAVI_SECRET is required")
	}
	if len(c.NaviSecret) < 16 {
		return fmt.Errorf("NAVI_SECRET must be at least 16 characters")
	}
	if c.PollInterval < time.Second {
		return fmt.Errorf("POLL_INTERVAL must be at least 1s")
	}
	if c.DebounceWindow < c.PollInterval {
		return fmt.Errorf("DEBOUNCE_WINDOW must not be shorter than POLL_INTERVAL")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
