package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if had {
			os.Setenv(key, old)
		} else {
			os.Unsetenv(key)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "ENV", "development")
	setEnv(t, "DEFAULT_CURRENCY", "")
	setEnv(t, "TOPUP_TTL", "")
	setEnv(t, "LOG_FORMAT", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "PKR", cfg.DefaultCurrency)
	assert.Equal(t, 30*time.Minute, cfg.TopUpTTL)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, "PORT", "9090")
	setEnv(t, "TOPUP_TTL", "45m")
	setEnv(t, "RECONCILE_INTERVAL", "1h")
	setEnv(t, "DEFAULT_CURRENCY", "USD")
	setEnv(t, "CORS_ORIGINS", "https://app.yaqeenpay.pk, ,https://ops.yaqeenpay.pk")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 45*time.Minute, cfg.TopUpTTL)
	assert.Equal(t, time.Hour, cfg.ReconcileInterval)
	assert.Equal(t, "USD", cfg.DefaultCurrency)
	assert.Equal(t, []string{"https://app.yaqeenpay.pk", "https://ops.yaqeenpay.pk"}, cfg.AllowedOrigins)
}

func TestLoad_BadDurationFallsBack(t *testing.T) {
	setEnv(t, "TOPUP_SWEEP_INTERVAL", "soon")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultTopUpSweepInterval, cfg.TopUpSweepInterval)
}

func TestLoad_ProductionNeedsWebhookSecret(t *testing.T) {
	setEnv(t, "ENV", "production")
	setEnv(t, "WEBHOOK_SECRET", "")
	setEnv(t, "DATABASE_URL", "postgres://localhost/ledger")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WEBHOOK_SECRET")
}

func validConfig() Config {
	return Config{
		Env:                "development",
		LogFormat:          "json",
		DefaultCurrency:    "PKR",
		TopUpTTL:           time.Minute,
		TopUpSweepInterval: time.Minute,
		ReconcileInterval:  time.Minute,
		AdminRole:          "admin",
		RateLimitRPM:       60,
		RateLimitBurst:     10,
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"lower-case currency", func(c *Config) { c.DefaultCurrency = "pkr" }, "DEFAULT_CURRENCY"},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "LOG_FORMAT"},
		{"zero ttl", func(c *Config) { c.TopUpTTL = 0 }, "TOPUP_TTL"},
		{"zero interval", func(c *Config) { c.ReconcileInterval = 0 }, "intervals"},
		{"zero rate limit", func(c *Config) { c.RateLimitBurst = 0 }, "rate limits"},
		{"empty admin role", func(c *Config) { c.AdminRole = "" }, "ADMIN_ROLE"},
		{"production without db", func(c *Config) {
			c.Env = "production"
			c.WebhookSecret = "s3cret"
		}, "DATABASE_URL"},
		{"production complete", func(c *Config) {
			c.Env = "production"
			c.WebhookSecret = "s3cret"
			c.DatabaseURL = "postgres://localhost/ledger"
		}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestIsProduction(t *testing.T) {
	cfg := Config{Env: "production"}
	assert.True(t, cfg.IsProduction())
	assert.False(t, cfg.IsDevelopment())
}
