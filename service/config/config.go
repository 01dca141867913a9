// Package config loads payflow process configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds all application configuration loaded from environment variables.
// All required fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	// Server configuration
	ServerAddr  string
	MetricsAddr string
	LogLevel    string

	// Database configuration
	DatabaseURL string

	// NATS configuration
	NATSURL string

	// Solana configuration
	SolanaRPCURL      string
	SolanaKeypairPath string

	// Quote configuration
	QuoteAPIURL          string
	QuoteAPIKey          string
	QuoteRefreshInterval time.Duration
	QuoteStaleAfter      time.Duration
	QuoteRateLimit       float64 // fetches per second
	DefaultSlippage      decimal.Decimal
	SwapSessionTTL       time.Duration
	SwapMaxSessions      int

	// Outbox configuration
	OutboxMaxAttempts      int
	OutboxRetryBase        time.Duration
	OutboxRetryMax         time.Duration
	OutboxSweepInterval    time.Duration
	OutboxSweepConcurrency int

	// Temporal configuration
	TemporalHost      string
	TemporalNamespace string
	TemporalTaskQueue string
}

// Load reads configuration from environment variables and validates all required fields.
// Returns an error if any required configuration is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error

	// Server configuration
	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8080")
	cfg.MetricsAddr = getEnvOrDefault("METRICS_ADDR", ":9091")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	// Database configuration
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DATABASE_URL is required"))
	}

	// NATS configuration
	cfg.NATSURL = getEnvOrDefault("NATS_URL", "nats://localhost:4222")

	// Solana configuration
	cfg.SolanaRPCURL = os.Getenv("SOLANA_RPC_URL")
	if cfg.SolanaRPCURL == "" {
		errs = append(errs, fmt.Errorf("SOLANA_RPC_URL is required"))
	}
	cfg.SolanaKeypairPath = os.Getenv("SOLANA_KEYPAIR_PATH")

	// Quote configuration
	cfg.QuoteAPIURL = os.Getenv("QUOTE_API_URL")
	cfg.QuoteAPIKey = os.Getenv("QUOTE_API_KEY")

	var err error
	if cfg.QuoteRefreshInterval, err = parseDuration("QUOTE_REFRESH_INTERVAL", "10s"); err != nil {
		errs = append(errs, err)
	}
	if cfg.QuoteStaleAfter, err = parseDuration("QUOTE_STALE_AFTER", "15s"); err != nil {
		errs = append(errs, err)
	}
	if cfg.QuoteRateLimit, err = parseFloat("QUOTE_RATE_LIMIT", 1); err != nil {
		errs = append(errs, err)
	}
	if cfg.DefaultSlippage, err = parseDecimal("DEFAULT_SLIPPAGE", "0.5"); err != nil {
		errs = append(errs, err)
	}
	if cfg.SwapSessionTTL, err = parseDuration("SWAP_SESSION_TTL", "30m"); err != nil {
		errs = append(errs, err)
	}
	if cfg.SwapMaxSessions, err = parseInt("SWAP_MAX_SESSIONS", 256); err != nil {
		errs = append(errs, err)
	}

	// Outbox configuration
	if cfg.OutboxMaxAttempts, err = parseInt("OUTBOX_MAX_ATTEMPTS", 8); err != nil {
		errs = append(errs, err)
	}
	if cfg.OutboxRetryBase, err = parseDuration("OUTBOX_RETRY_BASE", "2s"); err != nil {
		errs = append(errs, err)
	}
	if cfg.OutboxRetryMax, err = parseDuration("OUTBOX_RETRY_MAX", "5m"); err != nil {
		errs = append(errs, err)
	}
	if cfg.OutboxSweepInterval, err = parseDuration("OUTBOX_SWEEP_INTERVAL", "30s"); err != nil {
		errs = append(errs, err)
	}
	if cfg.OutboxSweepConcurrency, err = parseInt("OUTBOX_SWEEP_CONCURRENCY", 4); err != nil {
		errs = append(errs, err)
	}

	// Temporal configuration
	cfg.TemporalHost = getEnvOrDefault("TEMPORAL_HOST", "localhost:7233")
	cfg.TemporalNamespace = getEnvOrDefault("TEMPORAL_NAMESPACE", "default")
	cfg.TemporalTaskQueue = getEnvOrDefault("TEMPORAL_TASK_QUEUE", "payflow-outbox")

	// Cross-field checks only make sense once every field parsed.
	if len(errs) == 0 {
		if err := cfg.validateRanges(); err != nil {
			errs = append(errs, err...)
		}
	}

	// Return all validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}

	return cfg, nil
}

// MustLoad is like Load but panics if configuration is invalid.
// Useful for server initialization where misconfiguration should halt startup.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks if the configuration is valid.
// This is useful for testing configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DatabaseURL is required"))
	}

	if c.SolanaRPCURL == "" {
		errs = append(errs, fmt.Errorf("SolanaRPCURL is required"))
	}

	if c.TemporalHost == "" {
		errs = append(errs, fmt.Errorf("TemporalHost is required"))
	}

	if c.TemporalNamespace == "" {
		errs = append(errs, fmt.Errorf("TemporalNamespace is required"))
	}

	if c.TemporalTaskQueue == "" {
		errs = append(errs, fmt.Errorf("TemporalTaskQueue is required"))
	}

	errs = append(errs, c.validateRanges()...)

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

func (c *Config) validateRanges() []error {
	var errs []error

	if c.QuoteRefreshInterval < time.Second {
		errs = append(errs, fmt.Errorf("QUOTE_REFRESH_INTERVAL must be at least 1 second"))
	}
	if c.QuoteStaleAfter <= c.QuoteRefreshInterval {
		errs = append(errs, fmt.Errorf("QUOTE_STALE_AFTER (%v) must be greater than QUOTE_REFRESH_INTERVAL (%v)",
			c.QuoteStaleAfter, c.QuoteRefreshInterval))
	}
	if c.QuoteRateLimit <= 0 {
		errs = append(errs, fmt.Errorf("QUOTE_RATE_LIMIT must be positive"))
	}
	if c.DefaultSlippage.IsNegative() || c.DefaultSlippage.GreaterThan(decimal.NewFromInt(100)) {
		errs = append(errs, fmt.Errorf("DEFAULT_SLIPPAGE must be between 0 and 100"))
	}
	if c.SwapSessionTTL < time.Minute {
		errs = append(errs, fmt.Errorf("SWAP_SESSION_TTL must be at least 1 minute"))
	}
	if c.SwapMaxSessions < 1 {
		errs = append(errs, fmt.Errorf("SWAP_MAX_SESSIONS must be at least 1"))
	}

	if c.OutboxMaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("OUTBOX_MAX_ATTEMPTS must be at least 1"))
	}
	if c.OutboxRetryBase <= 0 {
		errs = append(errs, fmt.Errorf("OUTBOX_RETRY_BASE must be positive"))
	}
	if c.OutboxRetryMax < c.OutboxRetryBase {
		errs = append(errs, fmt.Errorf("OUTBOX_RETRY_MAX (%v) cannot be less than OUTBOX_RETRY_BASE (%v)",
			c.OutboxRetryMax, c.OutboxRetryBase))
	}
	if c.OutboxSweepInterval < time.Second {
		errs = append(errs, fmt.Errorf("OUTBOX_SWEEP_INTERVAL must be at least 1 second"))
	}
	if c.OutboxSweepConcurrency < 1 {
		errs = append(errs, fmt.Errorf("OUTBOX_SWEEP_CONCURRENCY must be at least 1"))
	}

	return errs
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}

// parseInt parses an integer from an environment variable or uses a default.
func parseInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}

func parseFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid number %q: %w", key, value, err)
	}
	return result, nil
}

func parseDecimal(key, defaultValue string) (decimal.Decimal, error) {
	value := getEnvOrDefault(key, defaultValue)
	result, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: invalid decimal %q: %w", key, value, err)
	}
	return result, nil
}
