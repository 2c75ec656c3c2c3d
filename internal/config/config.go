// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
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

	// Blockchain settings
	RPCURL          string
	ChainID         int64
	LedgerContract  string
	ServingContract string
	Currency        string

	// Funding bounds (token units, decimal strings)
	MinFund string
	MaxFund string

	// Rate limiting and quotas
	RateLimitPerMinute int
	InferQueriesPerDay int
	FundOpsPerHour     int

	// Signature verification
	SigTolerance time.Duration

	// Sessions and pending operations
	SessionTTL    time.Duration
	OpStaleness   time.Duration
	SweepInterval time.Duration

	// Delegated transaction flow
	WaitTimeout            time.Duration
	ConfirmAttempts        int
	ConfirmBaseDelay       time.Duration
	ConfirmBalanceFallback bool

	// Tracing
	OTLPEndpoint string // OTLP gRPC endpoint (optional, tracing off if empty)
}

// Defaults target the 0G Galileo testnet
const (
	DefaultRPCURL          = "https://evmrpc-testnet.0g.ai"
	DefaultChainID         = 16602
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultCurrency        = "OG"
	DefaultMinFund         = "0.1"
	DefaultMaxFund         = "1000"
	DefaultRateLimit       = 60
	DefaultInferPerDay     = 1000
	DefaultFundPerHour     = 10
	DefaultConfirmAttempts = 5
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnv("PORT", DefaultPort),
		Env:         getEnv("ENV", DefaultEnv),
		LogLevel:    getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL: os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set

		RPCURL:          getEnv("RPC_URL", DefaultRPCURL),
		ChainID:         getEnvInt64("CHAIN_ID", DefaultChainID),
		LedgerContract:  os.Getenv("LEDGER_CONTRACT"),  // Required, no default
		ServingContract: os.Getenv("SERVING_CONTRACT"), // Required, no default
		Currency:        getEnv("CURRENCY", DefaultCurrency),

		MinFund: getEnv("MIN_FUND", DefaultMinFund),
		MaxFund: getEnv("MAX_FUND", DefaultMaxFund),

		RateLimitPerMinute: int(getEnvInt64("RATE_LIMIT_PER_MINUTE", DefaultRateLimit)),
		InferQueriesPerDay: int(getEnvInt64("INFER_QUERIES_PER_DAY", DefaultInferPerDay)),
		FundOpsPerHour:     int(getEnvInt64("FUND_OPS_PER_HOUR", DefaultFundPerHour)),

		SigTolerance: getEnvDuration("SIG_TOLERANCE", 5*time.Minute),

		SessionTTL:    getEnvDuration("SESSION_TTL", 30*time.Minute),
		OpStaleness:   getEnvDuration("OP_STALENESS", 5*time.Minute),
		SweepInterval: getEnvDuration("SWEEP_INTERVAL", 30*time.Second),

		WaitTimeout:            getEnvDuration("WAIT_TIMEOUT", 2*time.Minute),
		ConfirmAttempts:        int(getEnvInt64("CONFIRM_ATTEMPTS", DefaultConfirmAttempts)),
		ConfirmBaseDelay:       getEnvDuration("CONFIRM_BASE_DELAY", 2*time.Second),
		ConfirmBalanceFallback: getEnvBool("CONFIRM_BALANCE_FALLBACK", true),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}
	if c.LedgerContract == "" {
		return fmt.Errorf("LEDGER_CONTRACT is required")
	}
	if !common.IsHexAddress(c.LedgerContract) {
		return fmt.Errorf("LEDGER_CONTRACT is not a valid address")
	}
	if c.ServingContract == "" {
		return fmt.Errorf("SERVING_CONTRACT is required")
	}
	if !common.IsHexAddress(c.ServingContract) {
		return fmt.Errorf("SERVING_CONTRACT is not a valid address")
	}
	if c.ChainID <= 0 {
		return fmt.Errorf("CHAIN_ID must be positive")
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
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
