package patronpay

import "context"

// CircuitBreakerProcessor wraps a Processor implementation with circuit breaker protection.
type CircuitBreakerProcessor struct {
	processor Processor
	cb        CircuitBreaker
}

// NewCircuitBreakerProcessor creates a new processor wrapper with circuit breaker.
func NewCircuitBreakerProcessor(processor Processor, cb CircuitBreaker) *CircuitBreakerProcessor {
	return &CircuitBreakerProcessor{
		processor: processor,
		cb:        cb,
	}
}

func (p *CircuitBreakerProcessor) Authorize(ctx context.Context, req AuthorizeRequest) (*PaymentIntent, error) {
	var pi *PaymentIntent
	err := p.cb.Execute(ctx, func() error {
		var e error
		pi, e = p.processor.Authorize(ctx, req)
		return e
	})
	return pi, err
}

func (p *CircuitBreakerProcessor) Capture(ctx context.Context, paymentIntentID, idempotencyKey string) error {
	return p.cb.Execute(ctx, func() error {
		return p.processor.Capture(ctx, paymentIntentID, idempotencyKey)
	})
}

func (p *CircuitBreakerProcessor) Cancel(ctx context.Context, paymentIntentID, idempotencyKey string) error {
	return p.cb.Execute(ctx, func() error {
		return p.processor.Cancel(ctx, paymentIntentID, idempotencyKey)
	})
}

func (p *CircuitBreakerProcessor) Refund(ctx context.Context, paymentIntentID, idempotencyKey string) error {
	return p.cb.Execute(ctx, func() error {
		return p.processor.Refund(ctx, paymentIntentID, idempotencyKey)
	})
}

func (p *CircuitBreakerProcessor) GetPaymentIntent(ctx context.Context, paymentIntentID string) (*PaymentIntent, error) {
	var pi *PaymentIntent
	err := p.cb.Execute(ctx, func() error {
		var e error
		pi, e = p.processor.GetPaymentIntent(ctx, paymentIntentID)
		return e
	})
	return pi, err
}

func (p *CircuitBreakerProcessor) EnsureCustomer(ctx context.Context, user *User) (string, error) {
	var id string
	err := p.cb.Execute(ctx, func() error {
		var e error
		id, e = p.processor.EnsureCustomer(ctx, user)
		return e
	})
	return id, err
}

func (p *CircuitBreakerProcessor) GetCustomerEmail(ctx context.Context, customerID string) (string, error) {
	var email string
	err := p.cb.Execute(ctx, func() error {
		var e error
		email, e = p.processor.GetCustomerEmail(ctx, customerID)
		return e
	})
	return email, err
}

func (p *CircuitBreakerProcessor) CreateSubscription(ctx context.Context,
	params SubscriptionParams) (*ProcessorSubscription, error) {
	var sub *ProcessorSubscription
	err := p.cb.Execute(ctx, func() error {
		var e error
		sub, e = p.processor.CreateSubscription(ctx, params)
		return e
	})
	return sub, err
}

func (p *CircuitBreakerProcessor) CancelSubscriptionAtPeriodEnd(ctx context.Context,
	subscriptionID string) (*ProcessorSubscription, error) {
	var sub *ProcessorSubscription
	err := p.cb.Execute(ctx, func() error {
		var e error
		sub, e = p.processor.CancelSubscriptionAtPeriodEnd(ctx, subscriptionID)
		return e
	})
	return sub, err
}

func (p *CircuitBreakerProcessor) ChangeSubscriptionPrice(ctx context.Context,
	subscriptionID, priceID string) (*ProcessorSubscription, error) {
	var sub *ProcessorSubscription
	err := p.cb.Execute(ctx, func() error {
		var e error
		sub, e = p.processor.ChangeSubscriptionPrice(ctx, subscriptionID, priceID)
		return e
	})
	return sub, err
}

func (p *CircuitBreakerProcessor) ListSubscriptionsByPrice(ctx context.Context,
	priceID string) ([]ProcessorSubscription, error) {
	var subs []ProcessorSubscription
	err := p.cb.Execute(ctx, func() error {
		var e error
		subs, e = p.processor.ListSubscriptionsByPrice(ctx, priceID)
		return e
	})
	return subs, err
}

func (p *CircuitBreakerProcessor) ListPaymentMethods(ctx context.Context,
	customerID string) ([]ProcessorPaymentMethod, string, error) {
	var (
		methods   []ProcessorPaymentMethod
		defaultID string
	)
	err := p.cb.Execute(ctx, func() error {
		var e error
		methods, defaultID, e = p.processor.ListPaymentMethods(ctx, customerID)
		return e
	})
	return methods, defaultID, err
}

func (p *CircuitBreakerProcessor) SetDefaultPaymentMethod(ctx context.Context, customerID, paymentMethodID string) error {
	return p.cb.Execute(ctx, func() error {
		return p.processor.SetDefaultPaymentMethod(ctx, customerID, paymentMethodID)
	})
}

func (p *CircuitBreakerProcessor) DetachPaymentMethod(ctx context.Context, paymentMethodID string) error {
	return p.cb.Execute(ctx, func() error {
		return p.processor.DetachPaymentMethod(ctx, paymentMethodID)
	})
}
