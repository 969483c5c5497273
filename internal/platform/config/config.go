package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/wizardbeardstudio/streamwallet/internal/platform/auth"
)

type Config struct {
	Environment string
	LogLevel    string
	Version     string

	HTTPAddr     string
	GRPCAddr     string
	TrustedCIDRs []string
	TLS          TLSConfig

	DatabaseURL string
	AutoMigrate bool
	RedisAddr   string
	NatsURL     string

	WebhookSecret  string
	JWTSecret      string
	JWTKeysetFile  string
	JWTKeys        string
	JWTActiveKeyID string

	Currency       string
	RatePerMinute  decimal.Decimal
	MinWithdrawal  decimal.Decimal
	MessagePrice   decimal.Decimal
	ChatRequestTTL time.Duration

	PayoutURL           string
	PayoutAPIKey        string
	PayoutTimeout       time.Duration
	RefundFailedPayouts bool
}

type TLSConfig struct {
	Enabled           bool
	CertFile          string
	KeyFile           string
	ClientCAFile      string
	RequireClientCert bool
}

// Load reads an optional .env file, then WALLET_* environment variables.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv builds a Config from the process environment without touching .env files.
func FromEnv() (*Config, error) {
	var errs []error
	cfg := &Config{
		Environment: envOr("WALLET_ENV", "development"),
		LogLevel:    envOr("WALLET_LOG_LEVEL", "info"),
		Version:     envOr("WALLET_VERSION", "dev"),

		HTTPAddr:     envOr("WALLET_HTTP_ADDR", ":8080"),
		GRPCAddr:     envOr("WALLET_GRPC_ADDR", ":8081"),
		TrustedCIDRs: splitList(envOr("WALLET_TRUSTED_CIDRS", "127.0.0.1/32,::1/128")),
		TLS: TLSConfig{
			Enabled:           envBool("WALLET_TLS_ENABLED", false, &errs),
			CertFile:          os.Getenv("WALLET_TLS_CERT_FILE"),
			KeyFile:           os.Getenv("WALLET_TLS_KEY_FILE"),
			ClientCAFile:      os.Getenv("WALLET_TLS_CLIENT_CA_FILE"),
			RequireClientCert: envBool("WALLET_TLS_REQUIRE_CLIENT_CERT", false, &errs),
		},

		DatabaseURL: os.Getenv("WALLET_DATABASE_URL"),
		AutoMigrate: envBool("WALLET_AUTO_MIGRATE", false, &errs),
		RedisAddr:   os.Getenv("WALLET_REDIS_ADDR"),
		NatsURL:     os.Getenv("WALLET_NATS_URL"),

		WebhookSecret:  os.Getenv("WALLET_WEBHOOK_SECRET"),
		JWTSecret:      os.Getenv("WALLET_JWT_SECRET"),
		JWTKeysetFile:  os.Getenv("WALLET_JWT_KEYSET_FILE"),
		JWTKeys:        os.Getenv("WALLET_JWT_KEYS"),
		JWTActiveKeyID: os.Getenv("WALLET_JWT_ACTIVE_KID"),

		Currency:       strings.ToUpper(envOr("WALLET_CURRENCY", "TKN")),
		RatePerMinute:  envDecimal("WALLET_RATE_PER_MINUTE", "0.22", &errs),
		MinWithdrawal:  envDecimal("WALLET_MIN_WITHDRAWAL", "50", &errs),
		MessagePrice:   envDecimal("WALLET_MESSAGE_PRICE", "1", &errs),
		ChatRequestTTL: envDuration("WALLET_CHAT_REQUEST_TTL", 24*time.Hour, &errs),

		PayoutURL:           os.Getenv("WALLET_PAYOUT_URL"),
		PayoutAPIKey:        os.Getenv("WALLET_PAYOUT_API_KEY"),
		PayoutTimeout:       envDuration("WALLET_PAYOUT_TIMEOUT", 10*time.Second, &errs),
		RefundFailedPayouts: envBool("WALLET_REFUND_FAILED_PAYOUTS", true, &errs),
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// JWTKeysetSource collects the WALLET_JWT_* settings.
func (c *Config) JWTKeysetSource() auth.KeysetSource {
	return auth.KeysetSource{
		File:      c.JWTKeysetFile,
		Keys:      c.JWTKeys,
		Secret:    c.JWTSecret,
		ActiveKID: c.JWTActiveKeyID,
	}
}

func (c *Config) validate() error {
	if c.WebhookSecret == "" {
		return fmt.Errorf("WALLET_WEBHOOK_SECRET is required")
	}
	if c.JWTSecret == "" && c.JWTKeysetFile == "" && c.JWTKeys == "" {
		return fmt.Errorf("one of WALLET_JWT_SECRET, WALLET_JWT_KEYSET_FILE or WALLET_JWT_KEYS is required")
	}
	if !c.RatePerMinute.IsPositive() {
		return fmt.Errorf("WALLET_RATE_PER_MINUTE must be > 0")
	}
	if c.MinWithdrawal.IsNegative() {
		return fmt.Errorf("WALLET_MIN_WITHDRAWAL must be >= 0")
	}
	if !c.MessagePrice.IsPositive() {
		return fmt.Errorf("WALLET_MESSAGE_PRICE must be > 0")
	}
	if c.PayoutTimeout <= 0 {
		return fmt.Errorf("WALLET_PAYOUT_TIMEOUT must be > 0")
	}
	if c.TLS.Enabled && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		return fmt.Errorf("WALLET_TLS_CERT_FILE and WALLET_TLS_KEY_FILE are required when TLS is enabled")
	}
	return nil
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// UsesPostgres reports whether a database URL was configured; otherwise the in-memory store is used.
func (c *Config) UsesPostgres() bool {
	return c.DatabaseURL != ""
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envBool(key string, def bool, errs *[]error) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return b
}

func envDuration(key string, def time.Duration, errs *[]error) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func envDecimal(key, def string, errs *[]error) decimal.Decimal {
	v := envOr(key, def)
	d, err := decimal.NewFromString(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return decimal.Zero
	}
	return d
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
