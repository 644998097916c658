package patronpay

import "time"

// Metrics defines the interface for tracking reconciliation engine operations.
// All methods are optional - a nil Metrics in Config is replaced by NoopMetrics.
type Metrics interface {
	// RecordWebhookEvent records a webhook delivery.
	// outcome: "applied", "duplicate", "ignored" or "error"
	RecordWebhookEvent(eventType, outcome string)

	// RecordWebhookProcessingDuration records how long it took to process a webhook.
	RecordWebhookProcessingDuration(eventType string, duration time.Duration)

	// RecordWebhookError records a webhook rejection or failure.
	// errorType: e.g. "signature_invalid", "invalid_payload", "processing_error"
	RecordWebhookError(errorType string)

	// RecordProcessorCall records an outbound call to the payment processor.
	// status: "success", "unavailable", "rejected"
	RecordProcessorCall(operation, status string, duration time.Duration)

	// RecordCommissionTransition records an applied commission status change.
	RecordCommissionTransition(from, to string)

	// RecordSubscriptionSync records a pull-driven subscription sync.
	RecordSubscriptionSync(status string, duration time.Duration)

	// RecordReconciliationMismatch records a detected local/processor disagreement.
	RecordReconciliationMismatch(kind string)

	// RecordCircuitBreakerStateChange records a processor circuit breaker state change.
	RecordCircuitBreakerStateChange(state string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _ string)                            {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_ string)                               {}
func (n *NoopMetrics) RecordProcessorCall(_, _ string, _ time.Duration)          {}
func (n *NoopMetrics) RecordCommissionTransition(_, _ string)                    {}
func (n *NoopMetrics) RecordSubscriptionSync(_ string, _ time.Duration)          {}
func (n *NoopMetrics) RecordReconciliationMismatch(_ string)                     {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(_ string)                  {}
