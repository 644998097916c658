package patronpay

import (
	"context"
	"errors"
	"time"
)

// boundedProcessor applies a per-call deadline to every processor call and records its outcome.
type boundedProcessor struct {
	processor Processor
	timeout   time.Duration
	metrics   Metrics
}

func callProcessor[T any](ctx context.Context, p *boundedProcessor, op string,
	fn func(ctx context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	v, err := fn(ctx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrProcessorUnavailable) {
		err = errors.Join(ErrProcessorUnavailable, err)
	}
	p.metrics.RecordProcessorCall(op, processorCallStatus(err), time.Since(start))
	return v, err
}

func processorCallStatus(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrProcessorUnavailable):
		return "unavailable"
	default:
		return "rejected"
	}
}

func (p *boundedProcessor) Authorize(ctx context.Context, req AuthorizeRequest) (*PaymentIntent, error) {
	return callProcessor(ctx, p, "authorize", func(ctx context.Context) (*PaymentIntent, error) {
		return p.processor.Authorize(ctx, req)
	})
}

func (p *boundedProcessor) Capture(ctx context.Context, paymentIntentID, idempotencyKey string) error {
	_, err := callProcessor(ctx, p, "capture", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, p.processor.Capture(ctx, paymentIntentID, idempotencyKey)
	})
	return err
}

func (p *boundedProcessor) Cancel(ctx context.Context, paymentIntentID, idempotencyKey string) error {
	_, err := callProcessor(ctx, p, "cancel", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, p.processor.Cancel(ctx, paymentIntentID, idempotencyKey)
	})
	return err
}

func (p *boundedProcessor) Refund(ctx context.Context, paymentIntentID, idempotencyKey string) error {
	_, err := callProcessor(ctx, p, "refund", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, p.processor.Refund(ctx, paymentIntentID, idempotencyKey)
	})
	return err
}

func (p *boundedProcessor) GetPaymentIntent(ctx context.Context, paymentIntentID string) (*PaymentIntent, error) {
	return callProcessor(ctx, p, "get_payment_intent", func(ctx context.Context) (*PaymentIntent, error) {
		return p.processor.GetPaymentIntent(ctx, paymentIntentID)
	})
}

func (p *boundedProcessor) EnsureCustomer(ctx context.Context, user *User) (string, error) {
	return callProcessor(ctx, p, "ensure_customer", func(ctx context.Context) (string, error) {
		return p.processor.EnsureCustomer(ctx, user)
	})
}

func (p *boundedProcessor) GetCustomerEmail(ctx context.Context, customerID string) (string, error) {
	return callProcessor(ctx, p, "get_customer_email", func(ctx context.Context) (string, error) {
		return p.processor.GetCustomerEmail(ctx, customerID)
	})
}

func (p *boundedProcessor) CreateSubscription(ctx context.Context,
	params SubscriptionParams) (*ProcessorSubscription, error) {
	return callProcessor(ctx, p, "create_subscription", func(ctx context.Context) (*ProcessorSubscription, error) {
		return p.processor.CreateSubscription(ctx, params)
	})
}

func (p *boundedProcessor) CancelSubscriptionAtPeriodEnd(ctx context.Context,
	subscriptionID string) (*ProcessorSubscription, error) {
	return callProcessor(ctx, p, "cancel_subscription", func(ctx context.Context) (*ProcessorSubscription, error) {
		return p.processor.CancelSubscriptionAtPeriodEnd(ctx, subscriptionID)
	})
}

func (p *boundedProcessor) ChangeSubscriptionPrice(ctx context.Context,
	subscriptionID, priceID string) (*ProcessorSubscription, error) {
	return callProcessor(ctx, p, "change_subscription_price", func(ctx context.Context) (*ProcessorSubscription, error) {
		return p.processor.ChangeSubscriptionPrice(ctx, subscriptionID, priceID)
	})
}

func (p *boundedProcessor) ListSubscriptionsByPrice(ctx context.Context, priceID string) ([]ProcessorSubscription, error) {
	return callProcessor(ctx, p, "list_subscriptions", func(ctx context.Context) ([]ProcessorSubscription, error) {
		return p.processor.ListSubscriptionsByPrice(ctx, priceID)
	})
}

type paymentMethodList struct {
	methods   []ProcessorPaymentMethod
	defaultID string
}

func (p *boundedProcessor) ListPaymentMethods(ctx context.Context,
	customerID string) ([]ProcessorPaymentMethod, string, error) {
	res, err := callProcessor(ctx, p, "list_payment_methods", func(ctx context.Context) (paymentMethodList, error) {
		methods, defaultID, err := p.processor.ListPaymentMethods(ctx, customerID)
		return paymentMethodList{methods: methods, defaultID: defaultID}, err
	})
	return res.methods, res.defaultID, err
}

func (p *boundedProcessor) SetDefaultPaymentMethod(ctx context.Context, customerID, paymentMethodID string) error {
	_, err := callProcessor(ctx, p, "set_default_payment_method", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, p.processor.SetDefaultPaymentMethod(ctx, customerID, paymentMethodID)
	})
	return err
}

func (p *boundedProcessor) DetachPaymentMethod(ctx context.Context, paymentMethodID string) error {
	_, err := callProcessor(ctx, p, "detach_payment_method", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, p.processor.DetachPaymentMethod(ctx, paymentMethodID)
	})
	return err
}
