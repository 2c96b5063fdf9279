// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/guardianhq/guardian/internal/security"
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
	RPCURL  string
	ChainID int64

	// Scan pipeline tuning (operational parameters, env-driven)
	ProbeTimeout     time.Duration // per-probe deadline
	ScanDeadline     time.Duration // whole-scan ceiling
	MaxProviderCalls int           // global cap on concurrent outbound provider calls

	// Rate limiting
	RateLimitWindow  time.Duration
	RateLimitPerIP   int
	RateLimitPerUser int

	// Idempotency
	IdempotencyTTL time.Duration

	// Evidence cache TTLs per probe type
	ContractCacheTTL   time.Duration
	SanctionsCacheTTL  time.Duration
	ApprovalsCacheTTL  time.Duration
	LiquidityCacheTTL  time.Duration
	ReputationCacheTTL time.Duration

	// Evidence providers (primary + optional fallback per probe)
	ContractProviderURL   string
	ContractFallbackURL   string
	SanctionsProviderURL  string
	SanctionsFallbackURL  string
	ApprovalsProviderURL  string
	ApprovalsFallbackURL  string
	LiquidityProviderURL  string
	LiquidityFallbackURL  string
	ReputationProviderURL string
	ReputationFallbackURL string
	ProviderAPIKey        string

	// Observability
	OTLPEndpoint string
}

// Defaults
const (
	DefaultRPCURL   = "https://sepolia.base.org"
	DefaultChainID  = 84532 // Base Sepolia
	DefaultPort     = "8080"
	DefaultEnv      = "development"
	DefaultLogLevel = "info"

	DefaultProbeTimeoutMS     = 5000
	DefaultScanDeadlineMS     = 8000
	DefaultMaxProviderCalls   = 32
	DefaultRateLimitWindowSec = 60
	DefaultRateLimitPerIP     = 30
	DefaultRateLimitPerUser   = 60
	DefaultIdempotencyTTLHrs  = 24
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
		RPCURL:      getEnv("RPC_URL", DefaultRPCURL),
		ChainID:     getEnvInt64("CHAIN_ID", DefaultChainID),

		ProbeTimeout:     getEnvDurationMS("PROBE_TIMEOUT_MS", DefaultProbeTimeoutMS),
		ScanDeadline:     getEnvDurationMS("SCAN_DEADLINE_MS", DefaultScanDeadlineMS),
		MaxProviderCalls: int(getEnvInt64("MAX_PROVIDER_CALLS", DefaultMaxProviderCalls)),

		RateLimitWindow:  getEnvDurationSec("RATE_LIMIT_WINDOW_SEC", DefaultRateLimitWindowSec),
		RateLimitPerIP:   int(getEnvInt64("RATE_LIMIT_PER_IP", DefaultRateLimitPerIP)),
		RateLimitPerUser: int(getEnvInt64("RATE_LIMIT_PER_USER", DefaultRateLimitPerUser)),

		IdempotencyTTL: time.Duration(getEnvInt64("IDEMPOTENCY_TTL_HOURS", DefaultIdempotencyTTLHrs)) * time.Hour,

		// Contract verification is near-static; liquidity decays fast
		ContractCacheTTL:   getEnvDurationSec("CONTRACT_CACHE_TTL_SEC", 3600),
		SanctionsCacheTTL:  getEnvDurationSec("SANCTIONS_CACHE_TTL_SEC", 1800),
		ApprovalsCacheTTL:  getEnvDurationSec("APPROVALS_CACHE_TTL_SEC", 300),
		LiquidityCacheTTL:  getEnvDurationSec("LIQUIDITY_CACHE_TTL_SEC", 600),
		ReputationCacheTTL: getEnvDurationSec("REPUTATION_CACHE_TTL_SEC", 900),

		ContractProviderURL:   os.Getenv("CONTRACT_PROVIDER_URL"),
		ContractFallbackURL:   os.Getenv("CONTRACT_FALLBACK_URL"),
		SanctionsProviderURL:  os.Getenv("SANCTIONS_PROVIDER_URL"),
		SanctionsFallbackURL:  os.Getenv("SANCTIONS_FALLBACK_URL"),
		ApprovalsProviderURL:  os.Getenv("APPROVALS_PROVIDER_URL"),
		ApprovalsFallbackURL:  os.Getenv("APPROVALS_FALLBACK_URL"),
		LiquidityProviderURL:  os.Getenv("LIQUIDITY_PROVIDER_URL"),
		LiquidityFallbackURL:  os.Getenv("LIQUIDITY_FALLBACK_URL"),
		ReputationProviderURL: os.Getenv("REPUTATION_PROVIDER_URL"),
		ReputationFallbackURL: os.Getenv("REPUTATION_FALLBACK_URL"),
		ProviderAPIKey:        os.Getenv("PROVIDER_API_KEY"),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and coherent
func (c *Config) Validate() error {
	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}

	if c.ProbeTimeout <= 0 {
		return fmt.Errorf("PROBE_TIMEOUT_MS must be positive")
	}
	if c.ScanDeadline < c.ProbeTimeout {
		return fmt.Errorf("SCAN_DEADLINE_MS must be at least PROBE_TIMEOUT_MS")
	}

	if c.RateLimitPerIP <= 0 || c.RateLimitPerUser <= 0 {
		return fmt.Errorf("rate limits must be positive")
	}
	if c.IdempotencyTTL <= 0 {
		return fmt.Errorf("IDEMPOTENCY_TTL_HOURS must be positive")
	}

	// In production every configured provider must resolve to a public
	// address. Local stubs are fine in development.
	if c.IsProduction() {
		for _, u := range c.ProviderURLs() {
			if u == "" {
				continue
			}
			if err := security.ValidateEndpointURL(u); err != nil {
				return fmt.Errorf("provider URL %q rejected: %w", u, err)
			}
		}
	}

	return nil
}

// ProviderURLs returns every configured evidence provider endpoint.
func (c *Config) ProviderURLs() []string {
	return []string{
		c.ContractProviderURL, c.ContractFallbackURL,
		c.SanctionsProviderURL, c.SanctionsFallbackURL,
		c.ApprovalsProviderURL, c.ApprovalsFallbackURL,
		c.LiquidityProviderURL, c.LiquidityFallbackURL,
		c.ReputationProviderURL, c.ReputationFallbackURL,
	}
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

func getEnvDurationMS(key string, defaultMS int64) time.Duration {
	return time.Duration(getEnvInt64(key, defaultMS)) * time.Millisecond
}

func getEnvDurationSec(key string, defaultSec int64) time.Duration {
	return time.Duration(getEnvInt64(key, defaultSec)) * time.Second
}
