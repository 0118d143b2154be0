// Package config handles configuration loading for the controller,
// worker and CLI.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration values for the application.
type Config struct {
	// Database connection string
	DatabaseURL string

	// HTTP server port for the controller
	HTTPPort int

	// Static API key for the submission/control surface
	APIKey string

	// Per-caller request rate limit (requests/second, 0 = unlimited)
	RateLimit int

	// Redis connection for the progress event stream
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Ledger gateway
	LedgerGatewayURL  string
	TreasuryAccountID string

	// Valuation service (pricing + risk)
	ValuationURL      string
	ValuationTimeout  time.Duration
	PriceTolerancePct float64

	// Worker pool
	WorkerConcurrency  int
	WorkerPollInterval time.Duration
	WorkerMaxBackoff   time.Duration

	// Job leasing and crash recovery
	LeaseDuration     time.Duration
	HeartbeatInterval time.Duration
	StalledAfter      time.Duration
	MaxJobAttempts    int

	// Ledger call policy
	LedgerCallTimeout time.Duration
	LedgerCallRetries int

	// Batch ceilings (ledger-imposed per-transaction limits)
	TransferBatchSize   int
	MaxUnitsPerPurchase int

	// OpenTelemetry collector endpoint
	OTELEndpoint string
}

// Load reads configuration from a YAML file and SETTLEPLANE_* environment
// variables. Environment variables override file values.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("settleplane")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("SETTLEPLANE")
	v.AutomaticEnv()

	v.SetDefault("http_port", 6161)
	v.SetDefault("rate_limit", 20)
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("redis_db", 0)
	v.SetDefault("valuation_timeout", "5s")
	v.SetDefault("price_tolerance_pct", 5.0)
	v.SetDefault("worker_concurrency", 4)
	v.SetDefault("worker_poll_interval", "1s")
	v.SetDefault("worker_max_backoff", "30s")
	v.SetDefault("lease_duration", "5m")
	v.SetDefault("heartbeat_interval", "1m")
	v.SetDefault("stalled_after", "5m")
	v.SetDefault("max_job_attempts", 3)
	v.SetDefault("ledger_call_timeout", "30s")
	v.SetDefault("ledger_call_retries", 3)
	v.SetDefault("transfer_batch_size", 100)
	v.SetDefault("max_units_per_purchase", 100)
	v.SetDefault("otel_endpoint", "localhost:4317")

	if err := v.ReadInConfig(); err != nil {
		// A config file is optional; env vars and defaults may be enough.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && path != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{
		DatabaseURL:         v.GetString("database_url"),
		HTTPPort:            v.GetInt("http_port"),
		APIKey:              v.GetString("api_key"),
		RateLimit:           v.GetInt("rate_limit"),
		RedisAddr:           v.GetString("redis_addr"),
		RedisPassword:       v.GetString("redis_password"),
		RedisDB:             v.GetInt("redis_db"),
		LedgerGatewayURL:    v.GetString("ledger_gateway_url"),
		TreasuryAccountID:   v.GetString("treasury_account_id"),
		ValuationURL:        v.GetString("valuation_url"),
		ValuationTimeout:    v.GetDuration("valuation_timeout"),
		PriceTolerancePct:   v.GetFloat64("price_tolerance_pct"),
		WorkerConcurrency:   v.GetInt("worker_concurrency"),
		WorkerPollInterval:  v.GetDuration("worker_poll_interval"),
		WorkerMaxBackoff:    v.GetDuration("worker_max_backoff"),
		LeaseDuration:       v.GetDuration("lease_duration"),
		HeartbeatInterval:   v.GetDuration("heartbeat_interval"),
		StalledAfter:        v.GetDuration("stalled_after"),
		MaxJobAttempts:      v.GetInt("max_job_attempts"),
		LedgerCallTimeout:   v.GetDuration("ledger_call_timeout"),
		LedgerCallRetries:   v.GetInt("ledger_call_retries"),
		TransferBatchSize:   v.GetInt("transfer_batch_size"),
		MaxUnitsPerPurchase: v.GetInt("max_units_per_purchase"),
		OTELEndpoint:        v.GetString("otel_endpoint"),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("database_url is required (SETTLEPLANE_DATABASE_URL)")
	}
	if cfg.LedgerGatewayURL == "" {
		return nil, fmt.Errorf("ledger_gateway_url is required (SETTLEPLANE_LEDGER_GATEWAY_URL)")
	}
	if cfg.MaxUnitsPerPurchase > 100 {
		return nil, fmt.Errorf("max_units_per_purchase cannot exceed the ledger ceiling of 100")
	}

	return cfg, nil
}
