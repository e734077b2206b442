// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/yaqeenpay/ledger/internal/money"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL  string // PostgreSQL connection string (optional, uses in-memory if not set)
	MaxOpenConns int
	MaxIdleConns int

	// Ledger
	DefaultCurrency string

	// Payment gateways
	GatewayBaseURL string // Where sandbox gateways send the payer
	WebhookSecret  string // HMAC key for gateway callbacks

	// Background jobs
	TopUpTTL           time.Duration
	TopUpSweepInterval time.Duration
	ReconcileInterval  time.Duration

	// Tracing
	OTLPEndpoint string // empty disables export

	// Access control
	AdminRole      string
	AllowedOrigins []string // CORS; empty allows any origin
	RateLimitRPM   int
	RateLimitBurst int
}

const (
	DefaultPort               = "8080"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "text"
	DefaultCurrency           = "PKR"
	DefaultGatewayBaseURL     = "http://localhost:8080/sandbox"
	DefaultTopUpTTL           = 30 * time.Minute
	DefaultTopUpSweepInterval = 5 * time.Minute
	DefaultReconcileInterval  = 10 * time.Minute
	DefaultAdminRole          = "admin"
	DefaultMaxOpenConns       = 25
	DefaultMaxIdleConns       = 10
	DefaultRateLimitRPM       = 120
	DefaultRateLimitBurst     = 20
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:          getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		MaxOpenConns:       int(getEnvInt64("DB_MAX_OPEN_CONNS", DefaultMaxOpenConns)),
		MaxIdleConns:       int(getEnvInt64("DB_MAX_IDLE_CONNS", DefaultMaxIdleConns)),
		DefaultCurrency:    getEnv("DEFAULT_CURRENCY", DefaultCurrency),
		GatewayBaseURL:     getEnv("GATEWAY_BASE_URL", DefaultGatewayBaseURL),
		WebhookSecret:      os.Getenv("WEBHOOK_SECRET"),
		TopUpTTL:           getEnvDuration("TOPUP_TTL", DefaultTopUpTTL),
		TopUpSweepInterval: getEnvDuration("TOPUP_SWEEP_INTERVAL", DefaultTopUpSweepInterval),
		ReconcileInterval:  getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		AdminRole:          getEnv("ADMIN_ROLE", DefaultAdminRole),
		AllowedOrigins:     getEnvList("CORS_ORIGINS"),
		RateLimitRPM:       int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		RateLimitBurst:     int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if !money.ValidCurrency(c.DefaultCurrency) {
		return fmt.Errorf("DEFAULT_CURRENCY must be a 3-letter upper-case code, got %q", c.DefaultCurrency)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat)
	}
	if c.TopUpTTL <= 0 {
		return fmt.Errorf("TOPUP_TTL must be positive")
	}
	if c.TopUpSweepInterval <= 0 || c.ReconcileInterval <= 0 {
		return fmt.Errorf("job intervals must be positive")
	}
	if c.RateLimitRPM <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("rate limits must be positive")
	}
	if c.AdminRole == "" {
		return fmt.Errorf("ADMIN_ROLE must not be empty")
	}
	if c.IsProduction() {
		if c.WebhookSecret == "" {
			return fmt.Errorf("WEBHOOK_SECRET is required in production")
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

func getEnvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
