// Package config handles application configuration from environment variables
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mbd888/escrowd/internal/fees"
	"github.com/shopspring/decimal"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	AutoMigrate bool

	// Fees
	BuyerFeeRate  decimal.Decimal
	SellerFeeRate decimal.Decimal

	// Windows
	OfferTTL      time.Duration
	CounterTTL    time.Duration
	PaymentWindow time.Duration
	ReceiptWindow time.Duration // 0 disables auto-completion
	SweepInterval time.Duration

	// Payment gateway
	PaymentProvider       string // "sandbox" or "stripe"
	StripeSecretKey       string
	StripeCurrency        string
	GatewayRetryAttempts  int
	GatewayRetryBaseDelay time.Duration
	PayoutMaxAttempts     int

	// Identity verification; limits are minor units, 0 disables the ceiling
	KYCProviderURL   string
	KYCNoneLimit     int64
	KYCDocumentLimit int64

	// Notification sinks (each optional)
	KafkaBrokers  []string
	KafkaTopic    string
	RedisURL      string
	RedisChannel  string
	WebhookURL    string
	WebhookSecret string

	// Security
	AdminSecret        string // Admin and mediator API secret
	RateLimitRPM       int
	CORSAllowedOrigins []string // Empty means same-origin only in production

	// Tracing
	OTLPEndpoint     string
	OTLPInsecure     bool
	TraceSampleRatio decimal.Decimal
}

// Defaults
const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
	DefaultOfferTTL          = 48 * time.Hour
	DefaultCounterTTL        = 48 * time.Hour
	DefaultPaymentWindow     = 72 * time.Hour
	DefaultReceiptWindow     = 168 * time.Hour
	DefaultSweepInterval     = 30 * time.Second
	DefaultPaymentProvider   = "sandbox"
	DefaultStripeCurrency    = "brl"
	DefaultGatewayAttempts   = 3
	DefaultGatewayBaseDelay  = 200 * time.Millisecond
	DefaultPayoutMaxAttempts = 8
	DefaultKafkaTopic        = "escrowd.events"
	DefaultRedisChannel      = "escrowd:events"
	DefaultRateLimit         = 100
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	var errs []error
	cfg := &Config{
		Port:                  getEnv("PORT", DefaultPort),
		Env:                   getEnv("ENV", DefaultEnv),
		LogLevel:              getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:             getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:           os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		AutoMigrate:           getEnvBool("AUTO_MIGRATE", false),
		BuyerFeeRate:          getEnvDecimal("BUYER_FEE_RATE", fees.DefaultRates.Buyer, &errs),
		SellerFeeRate:         getEnvDecimal("SELLER_FEE_RATE", fees.DefaultRates.Seller, &errs),
		OfferTTL:              getEnvDuration("OFFER_TTL", DefaultOfferTTL, &errs),
		CounterTTL:            getEnvDuration("COUNTER_TTL", DefaultCounterTTL, &errs),
		PaymentWindow:         getEnvDuration("PAYMENT_WINDOW", DefaultPaymentWindow, &errs),
		ReceiptWindow:         getEnvDuration("RECEIPT_WINDOW", DefaultReceiptWindow, &errs),
		SweepInterval:         getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval, &errs),
		PaymentProvider:       strings.ToLower(getEnv("PAYMENT_PROVIDER", DefaultPaymentProvider)),
		StripeSecretKey:       os.Getenv("STRIPE_SECRET_KEY"),
		StripeCurrency:        getEnv("STRIPE_CURRENCY", DefaultStripeCurrency),
		GatewayRetryAttempts:  int(getEnvInt64("GATEWAY_RETRY_ATTEMPTS", DefaultGatewayAttempts)),
		GatewayRetryBaseDelay: getEnvDuration("GATEWAY_RETRY_BASE_DELAY", DefaultGatewayBaseDelay, &errs),
		PayoutMaxAttempts:     int(getEnvInt64("PAYOUT_MAX_ATTEMPTS", DefaultPayoutMaxAttempts)),
		KYCProviderURL:        os.Getenv("KYC_PROVIDER_URL"),
		KYCNoneLimit:          getEnvInt64("KYC_NONE_LIMIT", 0),
		KYCDocumentLimit:      getEnvInt64("KYC_DOCUMENT_LIMIT", 0),
		KafkaBrokers:          splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:            getEnv("KAFKA_TOPIC", DefaultKafkaTopic),
		RedisURL:              os.Getenv("REDIS_URL"),
		RedisChannel:          getEnv("REDIS_CHANNEL", DefaultRedisChannel),
		WebhookURL:            os.Getenv("WEBHOOK_URL"),
		WebhookSecret:         os.Getenv("WEBHOOK_SECRET"),
		AdminSecret:           os.Getenv("ADMIN_SECRET"),
		RateLimitRPM:          int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
		CORSAllowedOrigins:    splitList(os.Getenv("CORS_ALLOWED_ORIGINS")),
		OTLPEndpoint:          os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPInsecure:          getEnvBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		TraceSampleRatio:      getEnvDecimal("TRACE_SAMPLE_RATIO", decimal.NewFromInt(1), &errs),
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if err := c.FeeRates().Validate(); err != nil {
		return fmt.Errorf("BUYER_FEE_RATE and SELLER_FEE_RATE must be between 0 and 1: %w", err)
	}
	for name, d := range map[string]time.Duration{
		"OFFER_TTL":      c.OfferTTL,
		"COUNTER_TTL":    c.CounterTTL,
		"PAYMENT_WINDOW": c.PaymentWindow,
		"SWEEP_INTERVAL": c.SweepInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.ReceiptWindow < 0 {
		return fmt.Errorf("RECEIPT_WINDOW must not be negative")
	}

	switch c.PaymentProvider {
	case "sandbox":
		if c.IsProduction() {
			return fmt.Errorf("PAYMENT_PROVIDER=sandbox is not allowed in production")
		}
	case "stripe":
		if c.StripeSecretKey == "" {
			return fmt.Errorf("STRIPE_SECRET_KEY is required when PAYMENT_PROVIDER=stripe")
		}
	default:
		return fmt.Errorf("PAYMENT_PROVIDER must be sandbox or stripe, got %q", c.PaymentProvider)
	}
	if c.GatewayRetryAttempts < 1 {
		return fmt.Errorf("GATEWAY_RETRY_ATTEMPTS must be at least 1")
	}
	if c.PayoutMaxAttempts < 1 {
		return fmt.Errorf("PAYOUT_MAX_ATTEMPTS must be at least 1")
	}

	if c.KYCNoneLimit < 0 || c.KYCDocumentLimit < 0 {
		return fmt.Errorf("KYC limits must not be negative")
	}
	if c.KYCNoneLimit > 0 && c.KYCDocumentLimit > 0 && c.KYCDocumentLimit < c.KYCNoneLimit {
		return fmt.Errorf("KYC_DOCUMENT_LIMIT must not be below KYC_NONE_LIMIT")
	}

	if c.WebhookURL != "" && c.WebhookSecret == "" {
		return fmt.Errorf("WEBHOOK_SECRET is required when WEBHOOK_URL is set")
	}
	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
	}

	return nil
}

// FeeRates returns the configured rates in the form the engine captures
// on new transactions.
func (c *Config) FeeRates() fees.Rates {
	return fees.Rates{Buyer: c.BuyerFeeRate, Seller: c.SellerFeeRate}
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

// Rates and durations change money and deadlines, so a typo is an error
// rather than a silent fallback.

func getEnvDecimal(key string, defaultValue decimal.Decimal, errs *[]error) decimal.Decimal {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return d
}

func getEnvDuration(key string, defaultValue time.Duration, errs *[]error) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
