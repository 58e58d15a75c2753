// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Storage and delivery
	DatabaseURL string // PostgreSQL connection string (in-memory if not set)
	RedisURL    string // notification pub/sub (log-only if not set)
	NotifyTopic string

	// Escrow rail
	RPCURL         string // EVM node (in-memory escrow if not set)
	ChainID        int64
	TokenContract  string
	OperatorKey    string // hex, pays community earnings and gas
	EscrowPoll     time.Duration
	PayTimeout     time.Duration
	FunderLookback uint64 // blocks scanned to find a hold's funder

	// Fees and pricing
	MaxFee        decimal.Decimal // fraction of amount charged at most
	FeePercent    decimal.Decimal // bot share of MaxFee when a community takes a cut
	UnitsPerToken int64
	RateAPIURL    string
	RateField     string // JSON field holding the rate in the API response
	RateTTL       time.Duration

	// Trade policy
	PaymentAttempts             int
	MaxDisputes                 int
	DisputeCountCommunityOrders bool
	OrderPublishedExpiration    time.Duration
	HoldExpiration              time.Duration

	// Schedules
	PendingPaymentsInterval time.Duration
	ExpireOrdersInterval    time.Duration

	// Tracing
	OTLPEndpoint string
}

// Defaults
const (
	DefaultPort                     = "8080"
	DefaultEnv                      = "development"
	DefaultLogLevel                 = "info"
	DefaultChainID                  = 84532
	DefaultMaxFee                   = "0.006"
	DefaultFeePercent               = "0.7"
	DefaultUnitsPerToken            = 1_000_000
	DefaultPaymentAttempts          = 3
	DefaultMaxDisputes              = 5
	DefaultNotifyTopic              = "tradebot:notifications"
	DefaultEscrowPoll               = 10 * time.Second
	DefaultPayTimeout               = 2 * time.Minute
	DefaultFunderLookback           = 50_000
	DefaultRateTTL                  = time.Minute
	DefaultRateField                = "rate"
	DefaultOrderPublishedExpiration = 23 * time.Hour
	DefaultHoldExpiration           = 15 * time.Minute
	DefaultPendingPaymentsInterval  = 5 * time.Minute
	DefaultExpireOrdersInterval     = time.Minute
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                        getEnv("PORT", DefaultPort),
		Env:                         getEnv("ENV", DefaultEnv),
		LogLevel:                    getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:                   getEnv("LOG_FORMAT", "text"),
		DatabaseURL:                 os.Getenv("DATABASE_URL"),
		RedisURL:                    os.Getenv("REDIS_URL"),
		NotifyTopic:                 getEnv("NOTIFY_TOPIC", DefaultNotifyTopic),
		RPCURL:                      os.Getenv("EVM_RPC_URL"),
		ChainID:                     getEnvInt64("CHAIN_ID", DefaultChainID),
		TokenContract:               os.Getenv("TOKEN_CONTRACT"),
		OperatorKey:                 strings.TrimPrefix(os.Getenv("OPERATOR_KEY"), "0x"),
		EscrowPoll:                  getEnvDuration("ESCROW_POLL_INTERVAL", DefaultEscrowPoll),
		PayTimeout:                  getEnvDuration("PAY_TIMEOUT", DefaultPayTimeout),
		FunderLookback:              uint64(getEnvInt64("FUNDER_LOOKBACK_BLOCKS", DefaultFunderLookback)),
		MaxFee:                      getEnvDecimal("MAX_FEE", DefaultMaxFee),
		FeePercent:                  getEnvDecimal("FEE_PERCENT", DefaultFeePercent),
		UnitsPerToken:               getEnvInt64("UNITS_PER_TOKEN", DefaultUnitsPerToken),
		RateAPIURL:                  os.Getenv("RATE_API_URL"),
		RateField:                   getEnv("RATE_API_FIELD", DefaultRateField),
		RateTTL:                     getEnvDuration("RATE_TTL", DefaultRateTTL),
		PaymentAttempts:             int(getEnvInt64("PAYMENT_ATTEMPTS", DefaultPaymentAttempts)),
		MaxDisputes:                 int(getEnvInt64("MAX_DISPUTES", DefaultMaxDisputes)),
		DisputeCountCommunityOrders: getEnvBool("DISPUTE_COUNT_COMMUNITY_ORDERS", false),
		OrderPublishedExpiration:    getEnvDuration("ORDER_PUBLISHED_EXPIRATION", DefaultOrderPublishedExpiration),
		HoldExpiration:              getEnvDuration("HOLD_INVOICE_EXPIRATION", DefaultHoldExpiration),
		PendingPaymentsInterval:     getEnvDuration("PENDING_PAYMENTS_INTERVAL", DefaultPendingPaymentsInterval),
		ExpireOrdersInterval:        getEnvDuration("EXPIRE_ORDERS_INTERVAL", DefaultExpireOrdersInterval),
		OTLPEndpoint:                os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if c.MaxFee.IsNegative() || c.MaxFee.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("MAX_FEE must be in [0, 1), got %s", c.MaxFee)
	}
	if c.FeePercent.IsNegative() || c.FeePercent.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("FEE_PERCENT must be in [0, 1], got %s", c.FeePercent)
	}
	if c.PaymentAttempts < 1 {
		return fmt.Errorf("PAYMENT_ATTEMPTS must be at least 1")
	}
	if c.MaxDisputes < 1 {
		return fmt.Errorf("MAX_DISPUTES must be at least 1")
	}
	if c.UnitsPerToken < 1 {
		return fmt.Errorf("UNITS_PER_TOKEN must be at least 1")
	}
	if c.RPCURL != "" {
		if c.TokenContract == "" {
			return fmt.Errorf("TOKEN_CONTRACT is required with EVM_RPC_URL")
		}
		if len(c.OperatorKey) != 64 {
			return fmt.Errorf("OPERATOR_KEY must be 64 hex characters (with or without 0x prefix)")
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

func getEnvDecimal(key, defaultValue string) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return decimal.RequireFromString(defaultValue)
}
