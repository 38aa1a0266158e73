// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

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
	PrivateKey      string // Hex-encoded, with or without 0x prefix
	EscrowContract  string // Escrow contract holding locked booking funds
	TokenContract   string // ERC20 settlement token
	TreasuryAddress string // Platform fee recipient

	// Pricing (basis points of the base price)
	PlatformFeeBps int64
	PropertyFeeBps int64

	// Cancellation refund policy
	RefundFullHours    int // full refund at or beyond this many hours before start
	RefundPartialHours int // partial refund at or beyond this many hours before start
	RefundPartialPct   int // refund percentage in the partial band

	// Settlement behavior
	AutoConfirmAfter  time.Duration // grace period before auto-confirming completed bookings
	EscrowCallTimeout time.Duration // bound on any single on-chain call

	// External collaborators
	AvailabilityURL string // scheduling service (optional, allow-all if not set)
	ReputationURL   string // reputation scoring service (optional)

	// Observability
	OTLPEndpoint string

	// Security
	RateLimitRPM int
}

// Base Sepolia defaults
const (
	DefaultRPCURL        = "https://sepolia.base.org"
	DefaultChainID       = 84532                                        // Base Sepolia
	DefaultTokenContract = "0x036CbD53842c5426634e7929541eC2318f3dCF7e" // Base Sepolia USDC
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultRateLimit     = 120
)

// Refund policy defaults: >=48h full refund, >=24h half, inside 24h nothing.
const (
	DefaultRefundFullHours    = 48
	DefaultRefundPartialHours = 24
	DefaultRefundPartialPct   = 50
)

// Fee split defaults: 10% platform, 15% property, remainder to the provider.
const (
	DefaultPlatformFeeBps = 1000
	DefaultPropertyFeeBps = 1500
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:        os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RPCURL:             getEnv("RPC_URL", DefaultRPCURL),
		ChainID:            getEnvInt64("CHAIN_ID", DefaultChainID),
		PrivateKey:         os.Getenv("PRIVATE_KEY"), // Optional, demo settlement if not set
		EscrowContract:     os.Getenv("ESCROW_CONTRACT"),
		TokenContract:      getEnv("TOKEN_CONTRACT", DefaultTokenContract),
		TreasuryAddress:    os.Getenv("TREASURY_ADDRESS"),
		PlatformFeeBps:     getEnvInt64("PLATFORM_FEE_BPS", DefaultPlatformFeeBps),
		PropertyFeeBps:     getEnvInt64("PROPERTY_FEE_BPS", DefaultPropertyFeeBps),
		RefundFullHours:    int(getEnvInt64("REFUND_FULL_HOURS", DefaultRefundFullHours)),
		RefundPartialHours: int(getEnvInt64("REFUND_PARTIAL_HOURS", DefaultRefundPartialHours)),
		RefundPartialPct:   int(getEnvInt64("REFUND_PARTIAL_PCT", DefaultRefundPartialPct)),
		AutoConfirmAfter:   getEnvDuration("AUTO_CONFIRM_AFTER", 24*time.Hour),
		EscrowCallTimeout:  getEnvDuration("ESCROW_CALL_TIMEOUT", 30*time.Second),
		AvailabilityURL:    os.Getenv("AVAILABILITY_URL"),
		ReputationURL:      os.Getenv("REPUTATION_URL"),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RateLimitRPM:       int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and coherent
func (c *Config) Validate() error {
	if c.PrivateKey != "" {
		key := c.PrivateKey
		if len(key) == 66 && key[:2] == "0x" {
			key = key[2:]
		}
		if len(key) != 64 {
			return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
		}
		if c.EscrowContract == "" {
			return fmt.Errorf("ESCROW_CONTRACT is required when PRIVATE_KEY is set")
		}
		if c.TreasuryAddress == "" {
			return fmt.Errorf("TREASURY_ADDRESS is required when PRIVATE_KEY is set")
		}
		if c.RPCURL == "" {
			return fmt.Errorf("RPC_URL is required when PRIVATE_KEY is set")
		}
	}

	if c.PlatformFeeBps < 0 || c.PropertyFeeBps < 0 {
		return fmt.Errorf("fee basis points must not be negative")
	}
	if c.PlatformFeeBps+c.PropertyFeeBps > 10000 {
		return fmt.Errorf("PLATFORM_FEE_BPS + PROPERTY_FEE_BPS must not exceed 10000")
	}

	if c.RefundPartialHours > c.RefundFullHours {
		return fmt.Errorf("REFUND_PARTIAL_HOURS must not exceed REFUND_FULL_HOURS")
	}
	if c.RefundPartialPct < 0 || c.RefundPartialPct > 100 {
		return fmt.Errorf("REFUND_PARTIAL_PCT must be between 0 and 100")
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
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}
