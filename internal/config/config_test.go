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
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func validConfig() Config {
	return Config{
		Network:               "base-sepolia",
		FacilitatorMode:       "local",
		DefaultMarkup:         decimal.NewFromInt(1),
		EchoFeeRate:           decimal.Zero,
		InFlightCeiling:       10,
		InFlightSweepInterval: time.Minute,
		InFlightTimeout:       time.Minute,
	}
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultRPCURL, cfg.RPCURL)
	assert.Equal(t, int64(DefaultChainID), cfg.ChainID)
	assert.Equal(t, DefaultUSDCContract, cfg.USDCContract)
	assert.Equal(t, DefaultInFlightCeiling, cfg.InFlightCeiling)
	assert.False(t, cfg.InFlightEnforce)
	assert.Equal(t, DefaultSweepInterval, cfg.InFlightSweepInterval)
	assert.Equal(t, DefaultFacilitatorTimeout, cfg.FacilitatorTimeout)
	assert.True(t, cfg.MinBalanceBuffer.Equal(decimal.RequireFromString("0.0001")))
}

func TestLoad_NetworkSelectsChainID(t *testing.T) {
	setEnv(t, "NETWORK", "base")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, int64(8453), cfg.ChainID)
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, "INFLIGHT_CEILING", "3")
	setEnv(t, "INFLIGHT_ENFORCE", "true")
	setEnv(t, "INFLIGHT_TIMEOUT", "90s")
	setEnv(t, "ECHO_FEE_RATE", "0.05")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.InFlightCeiling)
	assert.True(t, cfg.InFlightEnforce)
	assert.Equal(t, 90*time.Second, cfg.InFlightTimeout)
	assert.Equal(t, "0.05", cfg.EchoFeeRate.String())
}

func TestLoad_ProxyModeRequiresURL(t *testing.T) {
	setEnv(t, "FACILITATOR_MODE", "proxy")
	setEnv(t, "FACILITATOR_URL", "")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "FACILITATOR_URL is required")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid config", func(*Config) {}, ""},
		{"unknown network", func(c *Config) { c.Network = "mainnet" }, "NETWORK must be one of"},
		{"bad facilitator mode", func(c *Config) { c.FacilitatorMode = "remote" }, "FACILITATOR_MODE must be"},
		{"bad pay to", func(c *Config) { c.PayTo = "0x1234" }, "PAY_TO_ADDRESS"},
		{"markup below one", func(c *Config) { c.DefaultMarkup = decimal.RequireFromString("0.9") }, "DEFAULT_MARKUP"},
		{"negative fee", func(c *Config) { c.EchoFeeRate = decimal.RequireFromString("-0.1") }, "ECHO_FEE_RATE"},
		{"zero ceiling", func(c *Config) { c.InFlightCeiling = 0 }, "INFLIGHT_CEILING"},
		{"zero sweep", func(c *Config) { c.InFlightSweepInterval = 0 }, "INFLIGHT_SWEEP_INTERVAL"},
		{"media proxy without key", func(c *Config) { c.MediaProxyURL = "https://media.echo.example" }, "MEDIA_SIGNING_KEY"},
		{"relative media proxy", func(c *Config) { c.MediaProxyURL, c.MediaSigningKey = "/asset", "k" }, "MEDIA_PROXY_URL"},
		{"media proxy with key", func(c *Config) { c.MediaProxyURL, c.MediaSigningKey = "https://media.echo.example", "k" }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
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
	cfg := &Config{Env: "production"}
	assert.True(t, cfg.IsProduction())
	assert.False(t, cfg.IsDevelopment())

	setEnv(t, "TEST_BAD_DURATION", "soon")
	assert.Equal(t, time.Second, getEnvDuration("TEST_BAD_DURATION", time.Second))

	setEnv(t, "TEST_BAD_DECIMAL", "abc")
	assert.Equal(t, "1.5", getEnvDecimal("TEST_BAD_DECIMAL", "1.5").String())
}
