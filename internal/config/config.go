// Package config handles gateway configuration from environment variables
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/mbd888/echo/internal/validation"
)

// Config holds all gateway configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Optional, backs the in-flight counters when set

	// Upstream provider credentials and base URLs
	OpenAIAPIKey     string
	OpenAIBaseURL    string
	AnthropicAPIKey  string
	AnthropicBaseURL string
	GeminiAPIKey     string
	GeminiBaseURL    string
	PricingFile      string // Optional JSON overlay for the embedded pricing table

	// Generated media links are rewritten through this signing proxy when set
	MediaProxyURL   string
	MediaSigningKey string
	MediaURLTTL     time.Duration

	// Settlement
	MinBalanceBuffer decimal.Decimal // Balances at or below this are treated as empty
	EchoFeeRate      decimal.Decimal // Platform markup applied on top of the app markup
	DefaultMarkup    decimal.Decimal

	// Concurrency escrow
	InFlightCeiling       int
	InFlightEnforce       bool
	InFlightSweepInterval time.Duration
	InFlightTimeout       time.Duration

	// x402 / on-chain settlement
	Network            string // "base-sepolia" or "base"
	RPCURL             string
	ChainID            int64
	USDCContract       string
	PayTo              string // Smart account address receiving payments
	PaymentLinkURL     string
	FacilitatorMode    string // "local" or "proxy"
	FacilitatorURL     string
	FacilitatorTimeout time.Duration
	CustodyURL         string
	CustodyAPIKey      string
	MinGasWei          string
	ValidBeforeMargin  time.Duration

	// Front door
	RateLimitRPM   int
	RateLimitBurst int
	CORSOrigins    []string

	// Observability
	OTLPEndpoint string
}

// Base Sepolia defaults
const (
	DefaultPort               = "8080"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "json"
	DefaultOpenAIBaseURL      = "https://api.openai.com/v1"
	DefaultAnthropicBaseURL   = "https://api.anthropic.com/v1"
	DefaultGeminiBaseURL      = "https://generativelanguage.googleapis.com/v1beta"
	DefaultNetwork            = "base-sepolia"
	DefaultRPCURL             = "https://sepolia.base.org"
	DefaultChainID            = 84532                                        // Base Sepolia
	DefaultUSDCContract       = "0x036CbD53842c5426634e7929541eC2318f3dCF7e" // Base Sepolia USDC
	DefaultFacilitatorMode    = "local"
	DefaultFacilitatorTimeout = 10 * time.Second
	DefaultMinGasWei          = "100000000000000" // 0.0001 ETH
	DefaultValidBeforeMargin  = 6 * time.Second
	DefaultInFlightCeiling    = 10
	DefaultSweepInterval      = 5 * time.Minute
	DefaultInFlightTimeout    = 5 * time.Minute
	DefaultMinBalanceBuffer   = "0.0001"
	DefaultMarkup             = "1.0"
	DefaultRateLimitRPM       = 600
	DefaultRateLimitBurst     = 50
	DefaultMediaURLTTL        = time.Hour
)

// Networks maps the supported x402 network names to chain IDs.
var Networks = map[string]int64{
	"base-sepolia": 84532,
	"base":         8453,
}

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	network := getEnv("NETWORK", DefaultNetwork)
	chainID := DefaultChainID
	if id, ok := Networks[network]; ok {
		chainID = int(id)
	}

	cfg := &Config{
		Port:                  getEnv("PORT", DefaultPort),
		Env:                   getEnv("ENV", DefaultEnv),
		LogLevel:              getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:             getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisURL:              os.Getenv("REDIS_URL"),
		OpenAIAPIKey:          os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:         getEnv("OPENAI_BASE_URL", DefaultOpenAIBaseURL),
		AnthropicAPIKey:       os.Getenv("ANTHROPIC_API_KEY"),
		AnthropicBaseURL:      getEnv("ANTHROPIC_BASE_URL", DefaultAnthropicBaseURL),
		GeminiAPIKey:          os.Getenv("GEMINI_API_KEY"),
		GeminiBaseURL:         getEnv("GEMINI_BASE_URL", DefaultGeminiBaseURL),
		PricingFile:           os.Getenv("PRICING_FILE"),
		MediaProxyURL:         os.Getenv("MEDIA_PROXY_URL"),
		MediaSigningKey:       os.Getenv("MEDIA_SIGNING_KEY"),
		MediaURLTTL:           getEnvDuration("MEDIA_URL_TTL", DefaultMediaURLTTL),
		MinBalanceBuffer:      getEnvDecimal("MIN_BALANCE_BUFFER", DefaultMinBalanceBuffer),
		EchoFeeRate:           getEnvDecimal("ECHO_FEE_RATE", "0"),
		DefaultMarkup:         getEnvDecimal("DEFAULT_MARKUP", DefaultMarkup),
		InFlightCeiling:       int(getEnvInt64("INFLIGHT_CEILING", DefaultInFlightCeiling)),
		InFlightEnforce:       getEnvBool("INFLIGHT_ENFORCE", false),
		InFlightSweepInterval: getEnvDuration("INFLIGHT_SWEEP_INTERVAL", DefaultSweepInterval),
		InFlightTimeout:       getEnvDuration("INFLIGHT_TIMEOUT", DefaultInFlightTimeout),
		Network:               network,
		RPCURL:                getEnv("RPC_URL", DefaultRPCURL),
		ChainID:               getEnvInt64("CHAIN_ID", int64(chainID)),
		USDCContract:          getEnv("USDC_CONTRACT", DefaultUSDCContract),
		PayTo:                 os.Getenv("PAY_TO_ADDRESS"),
		PaymentLinkURL:        os.Getenv("PAYMENT_LINK_URL"),
		FacilitatorMode:       getEnv("FACILITATOR_MODE", DefaultFacilitatorMode),
		FacilitatorURL:        os.Getenv("FACILITATOR_URL"),
		FacilitatorTimeout:    getEnvDuration("FACILITATOR_TIMEOUT", DefaultFacilitatorTimeout),
		CustodyURL:            os.Getenv("CUSTODY_URL"),
		CustodyAPIKey:         os.Getenv("CUSTODY_API_KEY"),
		MinGasWei:             getEnv("MIN_GAS_WEI", DefaultMinGasWei),
		ValidBeforeMargin:     getEnvDuration("VALID_BEFORE_MARGIN", DefaultValidBeforeMargin),
		RateLimitRPM:          int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		RateLimitBurst:        int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)),
		CORSOrigins:           getEnvList("CORS_ORIGINS", "*"),
		OTLPEndpoint:          os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent
func (c *Config) Validate() error {
	networks := make([]string, 0, len(Networks))
	for n := range Networks {
		networks = append(networks, n)
	}
	sort.Strings(networks)

	checks := []func() *validation.ValidationError{
		validation.OneOf("NETWORK", c.Network, networks...),
		validation.OneOf("FACILITATOR_MODE", c.FacilitatorMode, "local", "proxy"),
		validation.ValidAddress("PAY_TO_ADDRESS", c.PayTo),
		validation.ValidURL("CUSTODY_URL", c.CustodyURL),
		validation.ValidURL("MEDIA_PROXY_URL", c.MediaProxyURL),
		validation.AtLeast("DEFAULT_MARKUP", c.DefaultMarkup, decimal.NewFromInt(1)),
		validation.AtLeast("ECHO_FEE_RATE", c.EchoFeeRate, decimal.Zero),
		validation.Positive("INFLIGHT_CEILING", int64(c.InFlightCeiling)),
		validation.Positive("INFLIGHT_SWEEP_INTERVAL", int64(c.InFlightSweepInterval)),
		validation.Positive("INFLIGHT_TIMEOUT", int64(c.InFlightTimeout)),
	}
	if c.FacilitatorMode == "proxy" {
		checks = append(checks,
			validation.Required("FACILITATOR_URL", c.FacilitatorURL),
			validation.ValidURL("FACILITATOR_URL", c.FacilitatorURL),
		)
	}

	if c.MediaProxyURL != "" {
		checks = append(checks, validation.Required("MEDIA_SIGNING_KEY", c.MediaSigningKey))
	}

	if errs := validation.Validate(checks...); len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errs)
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

func getEnvList(key, defaultValue string) []string {
	var out []string
	for _, v := range strings.Split(getEnv(key, defaultValue), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
