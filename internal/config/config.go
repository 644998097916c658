// Package config loads the patronpayd daemon settings from the environment and optional .env files.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// Processor backends
const (
	ProcessorStripe = "stripe"
	ProcessorFake   = "fake"
)

// Config holds all configuration for the daemon
type Config struct {
	ListenAddr      string        `mapstructure:"LISTEN_ADDR"`
	ShutdownTimeout time.Duration `mapstructure:"SHUTDOWN_TIMEOUT"`
	LogLevel        string        `mapstructure:"LOG_LEVEL"`
	LogFormat       string        `mapstructure:"LOG_FORMAT"`

	// DatabaseURL selects PostgreSQL storage; empty runs on in-memory storage
	DatabaseURL      string        `mapstructure:"DATABASE_URL"`
	DatabaseMaxConns int32         `mapstructure:"DATABASE_MAX_CONNS"`
	LedgerRetention  time.Duration `mapstructure:"LEDGER_RETENTION"`

	// RedisAddr selects the Redis payment method cache; empty keeps it in memory
	RedisAddr     string        `mapstructure:"REDIS_ADDR"`
	RedisPassword string        `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int           `mapstructure:"REDIS_DB"`
	CacheTTL      time.Duration `mapstructure:"PAYMENT_METHOD_CACHE_TTL"`

	Processor        string        `mapstructure:"PROCESSOR"`
	StripeSecretKey  string        `mapstructure:"STRIPE_SECRET_KEY"`
	WebhookSecret    string        `mapstructure:"STRIPE_WEBHOOK_SECRET"`
	WebhookTolerance time.Duration `mapstructure:"WEBHOOK_TOLERANCE"`
	ProcessorTimeout time.Duration `mapstructure:"PROCESSOR_TIMEOUT"`
	Currency         string        `mapstructure:"CURRENCY"`

	ShowCardExpiry        bool `mapstructure:"SHOW_CARD_EXPIRY"`
	PaymentMethodFallback bool `mapstructure:"PAYMENT_METHOD_FALLBACK"`

	// RabbitMQURL enables notification publishing; empty drops notifications
	RabbitMQURL      string `mapstructure:"RABBITMQ_URL"`
	RabbitMQExchange string `mapstructure:"RABBITMQ_EXCHANGE"`

	UserIDHeader   string   `mapstructure:"USER_ID_HEADER"`
	OperatorIDs    []string `mapstructure:"OPERATOR_IDS"`
	AllowedOrigins []string `mapstructure:"ALLOWED_ORIGINS"`

	SyncSchedule    string        `mapstructure:"SYNC_SCHEDULE"`
	ExpirySchedule  string        `mapstructure:"EXPIRY_SCHEDULE"`
	StaleSchedule   string        `mapstructure:"STALE_SCHEDULE"`
	CleanupSchedule string        `mapstructure:"CLEANUP_SCHEDULE"`
	StaleAfter      time.Duration `mapstructure:"STALE_AFTER"`
}

var defaults = map[string]interface{}{
	"LISTEN_ADDR":              ":8080",
	"SHUTDOWN_TIMEOUT":         "15s",
	"LOG_LEVEL":                "info",
	"LOG_FORMAT":               "json",
	"DATABASE_URL":             "",
	"DATABASE_MAX_CONNS":       10,
	"LEDGER_RETENTION":         "720h",
	"REDIS_ADDR":               "",
	"REDIS_PASSWORD":           "",
	"REDIS_DB":                 0,
	"PAYMENT_METHOD_CACHE_TTL": "24h",
	"PROCESSOR":                ProcessorStripe,
	"STRIPE_SECRET_KEY":        "",
	"STRIPE_WEBHOOK_SECRET":    "",
	"WEBHOOK_TOLERANCE":        "5m",
	"PROCESSOR_TIMEOUT":        "10s",
	"CURRENCY":                 "usd",
	"SHOW_CARD_EXPIRY":         false,
	"PAYMENT_METHOD_FALLBACK":  false,
	"RABBITMQ_URL":             "",
	"RABBITMQ_EXCHANGE":        "patronpay.events",
	"USER_ID_HEADER":           "X-User-ID",
	"OPERATOR_IDS":             "",
	"ALLOWED_ORIGINS":          "",
	"SYNC_SCHEDULE":            "@every 6h",
	"EXPIRY_SCHEDULE":          "@every 15m",
	"STALE_SCHEDULE":           "@every 10m",
	"CLEANUP_SCHEDULE":         "@hourly",
	"STALE_AFTER":              "30m",
}

// Load reads .env files (missing ones are skipped), then the environment. Variables
// already set in the environment win over .env values.
func Load(envFiles ...string) (*Config, error) {
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	config.OperatorIDs = splitList(config.OperatorIDs)
	config.AllowedOrigins = splitList(config.AllowedOrigins)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		return fmt.Errorf("LOG_FORMAT must be json or console, got %q", c.LogFormat)
	}
	switch c.Processor {
	case ProcessorStripe:
		if c.StripeSecretKey == "" {
			return errors.New("STRIPE_SECRET_KEY is required for the stripe processor")
		}
		if c.WebhookSecret == "" {
			return errors.New("STRIPE_WEBHOOK_SECRET is required for the stripe processor")
		}
	case ProcessorFake:
	default:
		return fmt.Errorf("PROCESSOR must be %s or %s, got %q", ProcessorStripe, ProcessorFake, c.Processor)
	}
	if c.ShutdownTimeout <= 0 || c.ProcessorTimeout <= 0 || c.StaleAfter <= 0 {
		return errors.New("SHUTDOWN_TIMEOUT, PROCESSOR_TIMEOUT and STALE_AFTER must be positive")
	}
	if c.DatabaseMaxConns < 1 {
		return errors.New("DATABASE_MAX_CONNS must be at least 1")
	}
	if c.UserIDHeader == "" {
		return errors.New("USER_ID_HEADER is required")
	}
	return nil
}

// Level returns the parsed log level
func (c *Config) Level() zerolog.Level {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return level
}

// splitList flattens comma-separated entries and drops blanks
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
