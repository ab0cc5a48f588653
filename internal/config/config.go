// Package config handles application configuration from environment variables
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"

	"github.com/mbd888/escrowsync/internal/logging"
)

// ErrMissingAPIURL is returned by LoadClient when ESCROWSYNC_API_URL is unset.
var ErrMissingAPIURL = errors.New("ESCROWSYNC_API_URL is required")

// Config holds the backend configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"
	PublicURL string // base URL used for PayPal return links

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Security
	JWTSecret      string
	AllowedOrigins []string

	// Crypto rail
	RPCURL                 string
	TokenContract          string
	TokenDecimals          int
	DepositAddresses       []string
	RequiredConfirmations  int
	PaymentRecheckInterval time.Duration

	// PayPal rail
	PayPalWebhookSecret string

	// Rate limits
	RateLimitRPM          int
	CheckPaymentPerMinute int

	// Tracing
	OTLPEndpoint     string
	TraceSampleRatio float64
}

// Defaults
const (
	DefaultPort                   = "8080"
	DefaultEnv                    = "development"
	DefaultLogLevel               = "info"
	DefaultLogFormat              = "json"
	DefaultRequiredConfirmations  = 3
	DefaultTokenDecimals          = 6
	DefaultPaymentRecheckInterval = 30 * time.Second
	DefaultRateLimitRPM           = 300
	DefaultCheckPaymentPerMinute  = 10
	DefaultPollInterval           = 5 * time.Second
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                   getEnv("PORT", DefaultPort),
		Env:                    getEnv("ENV", DefaultEnv),
		LogLevel:               getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:              getEnv("LOG_FORMAT", DefaultLogFormat),
		PublicURL:              os.Getenv("PUBLIC_URL"),
		DatabaseURL:            os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		JWTSecret:              os.Getenv("JWT_SECRET"),
		AllowedOrigins:         getEnvList("ALLOWED_ORIGINS"),
		RPCURL:                 os.Getenv("RPC_URL"),
		TokenContract:          os.Getenv("TOKEN_CONTRACT"),
		TokenDecimals:          int(getEnvInt64("TOKEN_DECIMALS", DefaultTokenDecimals)),
		DepositAddresses:       getEnvList("DEPOSIT_ADDRESSES"),
		RequiredConfirmations:  int(getEnvInt64("REQUIRED_CONFIRMATIONS", DefaultRequiredConfirmations)),
		PaymentRecheckInterval: getEnvDuration("PAYMENT_RECHECK_INTERVAL", DefaultPaymentRecheckInterval),
		PayPalWebhookSecret:    os.Getenv("PAYPAL_WEBHOOK_SECRET"),
		RateLimitRPM:           int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		CheckPaymentPerMinute:  int(getEnvInt64("CHECK_PAYMENT_PER_MINUTE", DefaultCheckPaymentPerMinute)),
		OTLPEndpoint:           os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRatio:       getEnvFloat("OTEL_TRACES_SAMPLER_ARG", 1),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.IsProduction() && len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
	}
	if c.LogLevel != "" {
		if _, err := logging.ParseLevel(c.LogLevel); err != nil {
			return fmt.Errorf("LOG_LEVEL: %w", err)
		}
	}
	if c.RequiredConfirmations < 1 {
		return fmt.Errorf("REQUIRED_CONFIRMATIONS must be at least 1")
	}

	// The on-chain rail needs both an endpoint and a token to watch.
	if (c.RPCURL == "") != (c.TokenContract == "") {
		return fmt.Errorf("RPC_URL and TOKEN_CONTRACT must be set together")
	}
	if c.TokenContract != "" && !common.IsHexAddress(c.TokenContract) {
		return fmt.Errorf("TOKEN_CONTRACT must be a hex address")
	}
	if c.TokenDecimals < 0 || c.TokenDecimals > 18 {
		return fmt.Errorf("TOKEN_DECIMALS must be between 0 and 18")
	}
	for _, addr := range c.DepositAddresses {
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("DEPOSIT_ADDRESSES contains invalid address %q", addr)
		}
	}
	if c.IsProduction() && c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required in production")
	}
	if c.IsProduction() && c.PayPalWebhookSecret == "" {
		return fmt.Errorf("PAYPAL_WEBHOOK_SECRET is required in production")
	}

	return nil
}

// ChainEnabled reports whether deposits are counted on-chain rather than simulated.
func (c *Config) ChainEnabled() bool {
	return c.RPCURL != "" && c.TokenContract != ""
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ClientConfig configures party clients (CLI, MCP server).
type ClientConfig struct {
	APIURL       string
	WSURL        string
	Token        string
	PollInterval time.Duration
}

// LoadClient reads the client configuration. The API URL is required; the
// realtime URL is derived from it when unset.
func LoadClient() (*ClientConfig, error) {
	_ = godotenv.Load()

	cfg := &ClientConfig{
		APIURL:       strings.TrimRight(os.Getenv("ESCROWSYNC_API_URL"), "/"),
		WSURL:        os.Getenv("ESCROWSYNC_WS_URL"),
		Token:        os.Getenv("ESCROWSYNC_TOKEN"),
		PollInterval: getEnvDuration("ESCROWSYNC_POLL_INTERVAL", DefaultPollInterval),
	}
	if cfg.APIURL == "" {
		return nil, ErrMissingAPIURL
	}
	if cfg.WSURL == "" {
		ws, err := DeriveWSURL(cfg.APIURL)
		if err != nil {
			return nil, err
		}
		cfg.WSURL = ws
	}
	return cfg, nil
}

// DeriveWSURL maps an http(s) API base URL onto its realtime endpoint.
func DeriveWSURL(apiURL string) (string, error) {
	u, err := url.Parse(apiURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid ESCROWSYNC_API_URL %q", apiURL)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/realtime"
	return u.String(), nil
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

func getEnvFloat(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
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

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
