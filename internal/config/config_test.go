package config

import (
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if !had {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "EVM_RPC_URL", "")
	setEnv(t, "PAYMENT_ATTEMPTS", "")
	setEnv(t, "MAX_FEE", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPaymentAttempts, cfg.PaymentAttempts)
	assert.Equal(t, DefaultMaxDisputes, cfg.MaxDisputes)
	assert.True(t, cfg.MaxFee.Equal(decimal.RequireFromString(DefaultMaxFee)))
	assert.Equal(t, DefaultHoldExpiration, cfg.HoldExpiration)
	assert.False(t, cfg.DisputeCountCommunityOrders)
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, "EVM_RPC_URL", "")
	setEnv(t, "PAYMENT_ATTEMPTS", "7")
	setEnv(t, "MAX_DISPUTES", "2")
	setEnv(t, "HOLD_INVOICE_EXPIRATION", "30m")
	setEnv(t, "DISPUTE_COUNT_COMMUNITY_ORDERS", "true")
	setEnv(t, "FEE_PERCENT", "0.5")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.PaymentAttempts)
	assert.Equal(t, 2, cfg.MaxDisputes)
	assert.Equal(t, 30*time.Minute, cfg.HoldExpiration)
	assert.True(t, cfg.DisputeCountCommunityOrders)
	assert.True(t, cfg.FeePercent.Equal(decimal.RequireFromString("0.5")))
}

func TestLoad_MalformedValuesFallBack(t *testing.T) {
	setEnv(t, "EVM_RPC_URL", "")
	setEnv(t, "PAYMENT_ATTEMPTS", "many")
	setEnv(t, "ESCROW_POLL_INTERVAL", "soon")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultPaymentAttempts, cfg.PaymentAttempts)
	assert.Equal(t, DefaultEscrowPoll, cfg.EscrowPoll)
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		return Config{
			MaxFee:          decimal.RequireFromString("0.006"),
			FeePercent:      decimal.RequireFromString("0.7"),
			PaymentAttempts: 3,
			MaxDisputes:     5,
			UnitsPerToken:   1,
		}
	}
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"fee too large", func(c *Config) { c.MaxFee = decimal.NewFromInt(1) }, "MAX_FEE"},
		{"bot share above one", func(c *Config) { c.FeePercent = decimal.RequireFromString("1.5") }, "FEE_PERCENT"},
		{"no attempts", func(c *Config) { c.PaymentAttempts = 0 }, "PAYMENT_ATTEMPTS"},
		{"no disputes", func(c *Config) { c.MaxDisputes = 0 }, "MAX_DISPUTES"},
		{"rpc without token", func(c *Config) { c.RPCURL = "http://node" }, "TOKEN_CONTRACT"},
		{"rpc with short key", func(c *Config) {
			c.RPCURL = "http://node"
			c.TokenContract = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
			c.OperatorKey = "abc"
		}, "OPERATOR_KEY"},
		{"rpc complete", func(c *Config) {
			c.RPCURL = "http://node"
			c.TokenContract = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
			c.OperatorKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
		}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_EnvHelpers(t *testing.T) {
	assert.True(t, (&Config{Env: "development"}).IsDevelopment())
	assert.True(t, (&Config{Env: "production"}).IsProduction())
	assert.False(t, (&Config{Env: "staging"}).IsProduction())
}
