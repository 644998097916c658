package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/patronpay/pkg/patronpay"
)

// Metrics implements patronpay.Metrics using Prometheus.
type Metrics struct {
	webhookEventsTotal         *prometheus.CounterVec
	webhookProcessingDuration  *prometheus.HistogramVec
	webhookErrorsTotal         *prometheus.CounterVec
	processorCallsTotal        *prometheus.CounterVec
	processorCallDuration      *prometheus.HistogramVec
	commissionTransitionsTotal *prometheus.CounterVec
	subscriptionSyncsTotal     *prometheus.CounterVec
	subscriptionSyncDuration   *prometheus.HistogramVec
	reconciliationMismatches   *prometheus.CounterVec
	circuitBreakerStateChanges *prometheus.CounterVec
}

var _ patronpay.Metrics = (*Metrics)(nil)

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		webhookEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Total number of processor webhook events by outcome.",
		}, []string{"event_type", "outcome"}),

		webhookProcessingDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "webhook_processing_duration_seconds",
			Help:      "Latency of webhook processing.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event_type"}),

		webhookErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_errors_total",
			Help:      "Total number of rejected or failed webhook deliveries.",
		}, []string{"error_type"}),

		processorCallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "processor_calls_total",
			Help:      "Total number of payment processor calls.",
		}, []string{"operation", "status"}),

		processorCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "processor_call_duration_seconds",
			Help:      "Latency of payment processor calls.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"operation"}),

		commissionTransitionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commission_transitions_total",
			Help:      "Total number of applied commission status transitions.",
		}, []string{"from", "to"}),

		subscriptionSyncsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscription_syncs_total",
			Help:      "Total number of subscription sync runs.",
		}, []string{"status"}),

		subscriptionSyncDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "subscription_sync_duration_seconds",
			Help:      "Duration of subscription sync runs.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120},
		}, []string{"status"}),

		reconciliationMismatches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciliation_mismatches_total",
			Help:      "Total number of detected reconciliation mismatches.",
		}, []string{"kind"}),

		circuitBreakerStateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Total number of circuit breaker state changes.",
		}, []string{"state"}),
	}
}

func (m *Metrics) RecordWebhookEvent(eventType, outcome string) {
	m.webhookEventsTotal.WithLabelValues(eventType, outcome).Inc()
}

func (m *Metrics) RecordWebhookProcessingDuration(eventType string, duration time.Duration) {
	m.webhookProcessingDuration.WithLabelValues(eventType).Observe(duration.Seconds())
}

func (m *Metrics) RecordWebhookError(errorType string) {
	m.webhookErrorsTotal.WithLabelValues(errorType).Inc()
}

func (m *Metrics) RecordProcessorCall(operation, status string, duration time.Duration) {
	m.processorCallsTotal.WithLabelValues(operation, status).Inc()
	m.processorCallDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func (m *Metrics) RecordCommissionTransition(from, to string) {
	m.commissionTransitionsTotal.WithLabelValues(from, to).Inc()
}

func (m *Metrics) RecordSubscriptionSync(status string, duration time.Duration) {
	m.subscriptionSyncsTotal.WithLabelValues(status).Inc()
	m.subscriptionSyncDuration.WithLabelValues(status).Observe(duration.Seconds())
}

func (m *Metrics) RecordReconciliationMismatch(kind string) {
	m.reconciliationMismatches.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordCircuitBreakerStateChange(state string) {
	m.circuitBreakerStateChanges.WithLabelValues(state).Inc()
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
