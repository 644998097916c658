package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mihaimyh/patronpay/pkg/patronpay"
)

// Config holds configuration for the HTTP API handler
type Config struct {
	// Engine is the reconciliation engine instance (required)
	Engine *patronpay.Engine

	// GetUserID extracts the authenticated user ID from an HTTP request (required).
	// Authentication itself happens upstream; an empty result is answered with 401.
	GetUserID func(*http.Request) string

	// OperatorIDs lists the user IDs allowed to use operator endpoints
	OperatorIDs []string

	// Logger is used for request and error logging (default: NoopLogger)
	Logger patronpay.Logger

	// Gatherer is served at /metrics when set
	Gatherer prometheus.Gatherer

	// HealthCheck reports dependency health for /health (optional)
	HealthCheck func(context.Context) error

	// AllowedOrigins enables CORS for the listed origins (optional)
	AllowedOrigins []string

	// SignatureHeader carries the webhook signature (default: "Stripe-Signature")
	SignatureHeader string

	// WebhookRateLimit is the number of webhook deliveries allowed per client IP per
	// WebhookRateWindow (default: 100 per minute)
	WebhookRateLimit  int
	WebhookRateWindow time.Duration

	// MaxWebhookBodyBytes caps the webhook body (default: 256KiB)
	MaxWebhookBodyBytes int64

	// MaxRequestBodyBytes caps JSON request bodies (default: 64KiB)
	MaxRequestBodyBytes int64

	// RequestTimeout bounds every request (default: 30 seconds)
	RequestTimeout time.Duration

	// OnError handles errors instead of the default JSON error body (optional)
	OnError func(http.ResponseWriter, *http.Request, error)
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Engine == nil {
		return fmt.Errorf("engine is required")
	}
	if c.GetUserID == nil {
		return fmt.Errorf("getUserID is required")
	}
	if c.WebhookRateLimit < 0 {
		return fmt.Errorf("webhookRateLimit must be positive")
	}
	if c.MaxWebhookBodyBytes < 0 || c.MaxRequestBodyBytes < 0 {
		return fmt.Errorf("body limits must be positive")
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = &patronpay.NoopLogger{}
	}
	if c.SignatureHeader == "" {
		c.SignatureHeader = "Stripe-Signature"
	}
	if c.WebhookRateLimit == 0 {
		c.WebhookRateLimit = 100
	}
	if c.WebhookRateWindow == 0 {
		c.WebhookRateWindow = time.Minute
	}
	if c.MaxWebhookBodyBytes == 0 {
		c.MaxWebhookBodyBytes = 256 << 10
	}
	if c.MaxRequestBodyBytes == 0 {
		c.MaxRequestBodyBytes = 64 << 10
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 30 * time.Second
	}
}

// Helper functions for common UserID extraction patterns

// FromHeader returns a GetUserID function that extracts user ID from a header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a GetUserID function that extracts user ID from request context
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}
