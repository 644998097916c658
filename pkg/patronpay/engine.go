package patronpay

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Event outcomes reported by HandleEvent
const (
	OutcomeApplied   = "applied"
	OutcomeDuplicate = "duplicate"
	OutcomeIgnored   = "ignored"
)

// EventResult describes how a delivered event was handled
type EventResult struct {
	EventID   string
	EventType string
	Outcome   string
}

// core holds the collaborators shared by the engine's services
type core struct {
	storage   Storage
	processor Processor
	notifier  Notifier
	logger    Logger
	metrics   Metrics
	config    Config
}

func (c *core) now() time.Time {
	return c.config.Now().UTC()
}

// ensureCustomer returns the user's processor customer, creating and linking it on first use.
func (c *core) ensureCustomer(ctx context.Context, user *User) (string, error) {
	if user.ProcessorCustomerID != "" {
		return user.ProcessorCustomerID, nil
	}
	customerID, err := c.processor.EnsureCustomer(ctx, user)
	if err != nil {
		return "", fmt.Errorf("failed to ensure processor customer: %w", err)
	}
	if err := c.storage.SetProcessorCustomerID(ctx, user.ID, customerID); err != nil {
		return "", fmt.Errorf("failed to link processor customer: %w", err)
	}
	user.ProcessorCustomerID = customerID
	return customerID, nil
}

// publish sends notifications after commit. Failures are logged only.
func (c *core) publish(ctx context.Context, notes []Notification) {
	for _, n := range notes {
		if err := c.notifier.Notify(ctx, n); err != nil {
			c.logger.Warn("Failed to publish notification",
				F("kind", n.Kind),
				F("subject_id", n.SubjectID),
				F("error", err),
			)
		}
	}
}

// Engine routes verified processor events to the commission and subscription services
// and exposes those services to API callers.
type Engine struct {
	*core
	verifier EventVerifier

	Commissions    *Commissions
	Subscriptions  *Subscriptions
	PaymentMethods *PaymentMethods
}

// NewEngine creates a new engine with the given configuration
func NewEngine(config Config) (*Engine, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config.setDefaults()

	var processor Processor = &boundedProcessor{
		processor: config.Processor,
		timeout:   config.ProcessorTimeout,
		metrics:   config.Metrics,
	}
	if cbc := config.CircuitBreakerConfig; cbc != nil && cbc.Enabled {
		metrics := config.Metrics
		logger := config.Logger
		cb := NewDefaultCircuitBreaker(cbc.FailureThreshold, cbc.ResetTimeout, func(state CircuitBreakerState) {
			metrics.RecordCircuitBreakerStateChange(string(state))
			logger.Warn("Processor circuit breaker state changed", F("state", string(state)))
		})
		processor = NewCircuitBreakerProcessor(processor, cb)
	}

	c := &core{
		storage:   config.Storage,
		processor: processor,
		notifier:  config.Notifier,
		logger:    config.Logger,
		metrics:   config.Metrics,
		config:    config,
	}

	return &Engine{
		core:           c,
		verifier:       config.Verifier,
		Commissions:    newCommissions(c),
		Subscriptions:  newSubscriptions(c),
		PaymentMethods: newPaymentMethods(c, config.PaymentMethodCache),
	}, nil
}

// HandleWebhook verifies a raw delivery and applies it.
// Signature and payload errors are permanent; any other error asks the processor to retry.
func (e *Engine) HandleWebhook(ctx context.Context, payload []byte, signature string) (*EventResult, error) {
	if e.verifier == nil {
		return nil, fmt.Errorf("%w: event verifier is required", ErrConfiguration)
	}
	ev, err := e.verifier.Verify(payload, signature)
	if err != nil {
		switch {
		case errors.Is(err, ErrSignatureInvalid):
			e.metrics.RecordWebhookError("signature_invalid")
		default:
			e.metrics.RecordWebhookError("invalid_payload")
		}
		e.logger.Warn("Rejected webhook delivery", F("error", err))
		return nil, err
	}
	return e.HandleEvent(ctx, ev)
}

// HandleEvent applies a verified event exactly once. The ledger entry and every state
// change it causes commit together; a redelivered event id is a no-op.
func (e *Engine) HandleEvent(ctx context.Context, ev Event) (*EventResult, error) {
	start := time.Now()
	res := &EventResult{EventID: ev.EventID(), EventType: ev.EventType()}
	defer func() {
		e.metrics.RecordWebhookProcessingDuration(res.EventType, time.Since(start))
	}()

	if _, ok := ev.(*IgnoredEvent); ok {
		res.Outcome = OutcomeIgnored
		e.metrics.RecordWebhookEvent(res.EventType, res.Outcome)
		e.logger.Debug("Ignoring unhandled event type",
			F("event_id", res.EventID),
			F("event_type", res.EventType),
		)
		return res, nil
	}

	entry := LedgerEntry{
		EventID:     ev.EventID(),
		EventType:   ev.EventType(),
		ProcessedAt: e.now(),
	}

	var (
		notes   []Notification
		applied bool
	)
	err := e.prepare(ctx, ev)
	if err == nil {
		applied, err = e.storage.WithEventTx(ctx, entry, func(tx EventTx) error {
			var err error
			notes, err = e.dispatch(ctx, tx, ev)
			return err
		})
	}
	if err != nil {
		e.metrics.RecordWebhookEvent(res.EventType, "error")
		e.metrics.RecordWebhookError("processing_error")
		e.logger.Error("Failed to apply event",
			F("event_id", res.EventID),
			F("event_type", res.EventType),
			F("error", err),
		)
		return nil, fmt.Errorf("failed to apply event %s: %w", res.EventID, err)
	}

	if !applied {
		res.Outcome = OutcomeDuplicate
		e.metrics.RecordWebhookEvent(res.EventType, res.Outcome)
		e.logger.Debug("Skipping duplicate event", F("event_id", res.EventID))
		return res, nil
	}

	res.Outcome = OutcomeApplied
	e.metrics.RecordWebhookEvent(res.EventType, res.Outcome)
	e.logger.Info("Applied event",
		F("event_id", res.EventID),
		F("event_type", res.EventType),
	)
	e.publish(ctx, notes)
	return res, nil
}

// prepare runs the processor reads an event needs before its transaction opens.
func (e *Engine) prepare(ctx context.Context, ev Event) error {
	if se, ok := ev.(*SubscriptionEvent); ok {
		return e.Subscriptions.prepareEvent(ctx, se)
	}
	return nil
}

func (e *Engine) dispatch(ctx context.Context, tx EventTx, ev Event) ([]Notification, error) {
	switch ev := ev.(type) {
	case *PaymentIntentEvent:
		return e.Commissions.applyPaymentIntentEvent(ctx, tx, ev)
	case *ChargeEvent:
		return e.Commissions.applyChargeEvent(ctx, tx, ev)
	case *SubscriptionEvent:
		return e.Subscriptions.applyEvent(ctx, tx, ev)
	default:
		return nil, nil
	}
}
