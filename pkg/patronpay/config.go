package patronpay

import (
	"fmt"
	"time"
)

// MaxReferenceImages is the most reference image URIs a commission request may carry
const MaxReferenceImages = 5

// Config holds configuration for the reconciliation engine
type Config struct {
	// Storage persists commissions, subscriptions and the idempotency ledger (required)
	Storage Storage

	// Processor is the payment processor adapter (required)
	Processor Processor

	// Verifier checks and decodes webhook deliveries (required for HandleWebhook)
	Verifier EventVerifier

	// PaymentMethodCache stores masked payment methods (required)
	PaymentMethodCache PaymentMethodCache

	// Notifier publishes committed state changes (default: NoopNotifier)
	Notifier Notifier

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger

	// Metrics is used for tracking engine operations (default: NoopMetrics)
	Metrics Metrics

	// Currency is the ISO currency of commission and revision charges (default: "usd")
	Currency string

	// ProcessorTimeout bounds every processor call (default: 10 seconds)
	ProcessorTimeout time.Duration

	// CircuitBreakerConfig configures the processor circuit breaker
	CircuitBreakerConfig *CircuitBreakerConfig

	// ShowCardExpiry reveals card expiry in payment method listings instead of "**/**"
	ShowCardExpiry bool

	// PaymentMethodFallback serves the cached payment methods, marked stale, when the
	// processor is unavailable. Off by default.
	PaymentMethodFallback bool

	// SyncConcurrency bounds how many tiers a sync processes at once (default: 4)
	SyncConcurrency int

	// Now returns the current time (default: time.Now)
	Now func() time.Time
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Storage == nil {
		return ErrStorageUnavailable
	}
	if c.Processor == nil {
		return fmt.Errorf("%w: processor is required", ErrConfiguration)
	}
	if c.PaymentMethodCache == nil {
		return fmt.Errorf("%w: payment method cache is required", ErrConfiguration)
	}
	if c.ProcessorTimeout < 0 {
		return fmt.Errorf("%w: processorTimeout must be positive", ErrConfiguration)
	}
	if c.SyncConcurrency < 0 {
		return fmt.Errorf("%w: syncConcurrency must be positive", ErrConfiguration)
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.Notifier == nil {
		c.Notifier = &NoopNotifier{}
	}
	if c.Logger == nil {
		c.Logger = &NoopLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = &NoopMetrics{}
	}
	if c.Currency == "" {
		c.Currency = "usd"
	}
	if c.ProcessorTimeout == 0 {
		c.ProcessorTimeout = 10 * time.Second
	}
	if c.SyncConcurrency == 0 {
		c.SyncConcurrency = 4
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}
