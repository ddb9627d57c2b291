// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Idempotency guard behaviour when the entry log cannot be queried.
const (
	FailOpen   = "open"
	FailClosed = "closed"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Security
	ServiceToken string // Shared secret for internal callers (generation services, dashboards)
	AdminSecret  string

	// Payment providers
	RazorpayWebhookSecret string
	StripeWebhookSecret   string

	// Ledger
	IdempotencyFailMode string        // FailOpen or FailClosed
	ReconcileInterval   time.Duration // 0 disables the periodic check

	// Notifications
	NATSURL           string
	NATSSubjectPrefix string
	NotifyTimeout     time.Duration

	// Tracing
	OTLPEndpoint string

	// Generation jobs (river); disabled unless a compute URL and a database are configured
	GenerationComputeURL  string
	GenerationMaxAttempts int
	GenerationWorkers     int
}

const (
	DefaultPort                  = "8080"
	DefaultEnv                   = "development"
	DefaultLogLevel              = "info"
	DefaultLogFormat             = "json"
	DefaultNATSSubjectPrefix     = "credits"
	DefaultNotifyTimeout         = 10 * time.Second
	DefaultReconcileInterval     = 5 * time.Minute
	DefaultGenerationMaxAttempts = 3
	DefaultGenerationWorkers     = 10
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                  getEnv("PORT", DefaultPort),
		Env:                   getEnv("ENV", DefaultEnv),
		LogLevel:              getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:             getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		ServiceToken:          os.Getenv("SERVICE_TOKEN"),
		AdminSecret:           os.Getenv("ADMIN_SECRET"),
		RazorpayWebhookSecret: os.Getenv("RAZORPAY_WEBHOOK_SECRET"),
		StripeWebhookSecret:   os.Getenv("STRIPE_WEBHOOK_SECRET"),
		IdempotencyFailMode:   strings.ToLower(getEnv("IDEMPOTENCY_FAIL_MODE", FailOpen)),
		ReconcileInterval:     getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		NATSURL:               os.Getenv("NATS_URL"),
		NATSSubjectPrefix:     getEnv("NATS_SUBJECT_PREFIX", DefaultNATSSubjectPrefix),
		NotifyTimeout:         getEnvDuration("NOTIFY_TIMEOUT", DefaultNotifyTimeout),
		OTLPEndpoint:          os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		GenerationComputeURL:  os.Getenv("GENERATION_COMPUTE_URL"),
		GenerationMaxAttempts: int(getEnvInt64("GENERATION_MAX_ATTEMPTS", DefaultGenerationMaxAttempts)),
		GenerationWorkers:     int(getEnvInt64("GENERATION_WORKERS", DefaultGenerationWorkers)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return fmt.Errorf("PORT must be numeric, got %q", c.Port)
	}

	switch c.IdempotencyFailMode {
	case FailOpen, FailClosed:
	default:
		return fmt.Errorf("IDEMPOTENCY_FAIL_MODE must be %q or %q", FailOpen, FailClosed)
	}

	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("LOG_FORMAT must be text or json")
	}

	if c.GenerationMaxAttempts < 1 {
		return fmt.Errorf("GENERATION_MAX_ATTEMPTS must be at least 1")
	}
	if c.GenerationWorkers < 1 {
		return fmt.Errorf("GENERATION_WORKERS must be at least 1")
	}

	if c.IsProduction() {
		if c.ServiceToken == "" {
			return fmt.Errorf("SERVICE_TOKEN is required in production")
		}
		if c.RazorpayWebhookSecret == "" && c.StripeWebhookSecret == "" {
			return fmt.Errorf("at least one of RAZORPAY_WEBHOOK_SECRET or STRIPE_WEBHOOK_SECRET is required in production")
		}
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
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

// GenerationEnabled reports whether the river-backed generation runner should start.
func (c *Config) GenerationEnabled() bool {
	return c.GenerationComputeURL != "" && c.DatabaseURL != ""
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
