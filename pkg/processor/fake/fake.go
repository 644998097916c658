// Package fake provides an in-memory implementation of the patronpay.Processor interface.
// This implementation is primarily intended for testing and local development.
package fake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mihaimyh/patronpay/pkg/patronpay"
)

// Operation names accepted by FailWith and CallCount
const (
	OpAuthorize               = "authorize"
	OpCapture                 = "capture"
	OpCancel                  = "cancel"
	OpRefund                  = "refund"
	OpGetPaymentIntent        = "get_payment_intent"
	OpEnsureCustomer          = "ensure_customer"
	OpGetCustomerEmail        = "get_customer_email"
	OpCreateSubscription      = "create_subscription"
	OpCancelSubscription      = "cancel_subscription"
	OpChangeSubscriptionPrice = "change_subscription_price"
	OpListSubscriptions       = "list_subscriptions"
	OpListPaymentMethods      = "list_payment_methods"
	OpSetDefaultPaymentMethod = "set_default_payment_method"
	OpDetachPaymentMethod     = "detach_payment_method"
)

// Processor is an in-memory stand-in for the payment processor.
// Authorizations are idempotent by key; every call is counted per operation.
type Processor struct {
	mu sync.Mutex

	nextID    int
	intents   map[string]*patronpay.PaymentIntent
	byKey     map[string]string
	subs      map[string]*patronpay.ProcessorSubscription
	customers map[string]string
	methods   map[string][]patronpay.ProcessorPaymentMethod
	defaults  map[string]string
	calls     map[string]int
	errs      map[string]error
	delay     time.Duration
}

// New creates an empty fake processor
func New() *Processor {
	return &Processor{
		intents:   make(map[string]*patronpay.PaymentIntent),
		byKey:     make(map[string]string),
		subs:      make(map[string]*patronpay.ProcessorSubscription),
		customers: make(map[string]string),
		methods:   make(map[string][]patronpay.ProcessorPaymentMethod),
		defaults:  make(map[string]string),
		calls:     make(map[string]int),
		errs:      make(map[string]error),
	}
}

var _ patronpay.Processor = (*Processor)(nil)

// FailWith makes every later call of op return err. A nil err clears the failure.
func (p *Processor) FailWith(op string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.errs, op)
		return
	}
	p.errs[op] = err
}

// CallCount returns how many times op was called
func (p *Processor) CallCount(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[op]
}

// SetDelay makes every call sleep for d before answering
func (p *Processor) SetDelay(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delay = d
}

// SetIntent overwrites a payment intent's status
func (p *Processor) SetIntent(id string, status patronpay.PaymentIntentStatus, refunded bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pi, ok := p.intents[id]; ok {
		pi.Status = status
		pi.Refunded = refunded
	}
}

// PutCustomer records a processor customer and its email
func (p *Processor) PutCustomer(customerID, email string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.customers[customerID] = email
}

// PutSubscription stores or replaces a processor subscription
func (p *Processor) PutSubscription(ps patronpay.ProcessorSubscription) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := ps
	p.subs[ps.ID] = &cp
}

// UpdateSubscription applies fn to a stored subscription and returns the result
func (p *Processor) UpdateSubscription(id string,
	fn func(ps *patronpay.ProcessorSubscription)) (patronpay.ProcessorSubscription, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ps, ok := p.subs[id]
	if !ok {
		return patronpay.ProcessorSubscription{}, false
	}
	fn(ps)
	return *ps, true
}

// PutPaymentMethods replaces a customer's cards and default card
func (p *Processor) PutPaymentMethods(customerID string, methods []patronpay.ProcessorPaymentMethod,
	defaultID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.methods[customerID] = append([]patronpay.ProcessorPaymentMethod(nil), methods...)
	p.defaults[customerID] = defaultID
}

// DefaultPaymentMethod returns the customer's default card id
func (p *Processor) DefaultPaymentMethod(customerID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.defaults[customerID]
}

// begin records a call and returns the configured failure for op
func (p *Processor) begin(op string) error {
	p.mu.Lock()
	p.calls[op]++
	err := p.errs[op]
	delay := p.delay
	p.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	return err
}

func (p *Processor) newID(prefix string) string {
	p.nextID++
	return fmt.Sprintf("%s_%d", prefix, p.nextID)
}

// Authorize implements patronpay.Processor
func (p *Processor) Authorize(_ context.Context, req patronpay.AuthorizeRequest) (*patronpay.PaymentIntent, error) {
	if err := p.begin(OpAuthorize); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if id, ok := p.byKey[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		cp := *p.intents[id]
		return &cp, nil
	}
	pi := &patronpay.PaymentIntent{
		ID:       p.newID("pi"),
		Status:   patronpay.IntentRequiresAction,
		Amount:   req.Amount,
		Metadata: req.Metadata,
	}
	pi.ClientSecret = pi.ID + "_secret"
	p.intents[pi.ID] = pi
	p.byKey[req.IdempotencyKey] = pi.ID
	cp := *pi
	return &cp, nil
}

// Capture implements patronpay.Processor
func (p *Processor) Capture(_ context.Context, paymentIntentID, _ string) error {
	if err := p.begin(OpCapture); err != nil {
		return err
	}
	p.SetIntent(paymentIntentID, patronpay.IntentSucceeded, false)
	return nil
}

// Cancel implements patronpay.Processor
func (p *Processor) Cancel(_ context.Context, paymentIntentID, _ string) error {
	if err := p.begin(OpCancel); err != nil {
		return err
	}
	p.SetIntent(paymentIntentID, patronpay.IntentCanceled, false)
	return nil
}

// Refund implements patronpay.Processor
func (p *Processor) Refund(_ context.Context, paymentIntentID, _ string) error {
	if err := p.begin(OpRefund); err != nil {
		return err
	}
	p.SetIntent(paymentIntentID, patronpay.IntentSucceeded, true)
	return nil
}

// GetPaymentIntent implements patronpay.Processor
func (p *Processor) GetPaymentIntent(_ context.Context, paymentIntentID string) (*patronpay.PaymentIntent, error) {
	if err := p.begin(OpGetPaymentIntent); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	pi, ok := p.intents[paymentIntentID]
	if !ok {
		return nil, fmt.Errorf("%w: no such payment intent", patronpay.ErrProcessorRejected)
	}
	cp := *pi
	return &cp, nil
}

// EnsureCustomer implements patronpay.Processor
func (p *Processor) EnsureCustomer(_ context.Context, user *patronpay.User) (string, error) {
	if err := p.begin(OpEnsureCustomer); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	id := "cus_" + user.ID
	p.customers[id] = user.Email
	return id, nil
}

// GetCustomerEmail implements patronpay.Processor
func (p *Processor) GetCustomerEmail(_ context.Context, customerID string) (string, error) {
	if err := p.begin(OpGetCustomerEmail); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.customers[customerID], nil
}

// CreateSubscription implements patronpay.Processor
func (p *Processor) CreateSubscription(_ context.Context,
	params patronpay.SubscriptionParams) (*patronpay.ProcessorSubscription, error) {
	if err := p.begin(OpCreateSubscription); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	ps := &patronpay.ProcessorSubscription{
		ID:         p.newID("sub"),
		CustomerID: params.CustomerID,
		PriceID:    params.PriceID,
		Status:     patronpay.ProcessorSubIncomplete,
		Metadata:   params.Metadata,
	}
	ps.ClientSecret = ps.ID + "_secret"
	p.subs[ps.ID] = ps
	cp := *ps
	return &cp, nil
}

// CancelSubscriptionAtPeriodEnd implements patronpay.Processor
func (p *Processor) CancelSubscriptionAtPeriodEnd(_ context.Context,
	subscriptionID string) (*patronpay.ProcessorSubscription, error) {
	if err := p.begin(OpCancelSubscription); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	ps, ok := p.subs[subscriptionID]
	if !ok {
		return nil, fmt.Errorf("%w: no such subscription", patronpay.ErrProcessorRejected)
	}
	ps.CancelAtPeriodEnd = true
	cp := *ps
	return &cp, nil
}

// ChangeSubscriptionPrice implements patronpay.Processor
func (p *Processor) ChangeSubscriptionPrice(_ context.Context,
	subscriptionID, priceID string) (*patronpay.ProcessorSubscription, error) {
	if err := p.begin(OpChangeSubscriptionPrice); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	ps, ok := p.subs[subscriptionID]
	if !ok {
		return nil, fmt.Errorf("%w: no such subscription", patronpay.ErrProcessorRejected)
	}
	ps.PriceID = priceID
	cp := *ps
	return &cp, nil
}

// ListSubscriptionsByPrice implements patronpay.Processor
func (p *Processor) ListSubscriptionsByPrice(_ context.Context,
	priceID string) ([]patronpay.ProcessorSubscription, error) {
	if err := p.begin(OpListSubscriptions); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []patronpay.ProcessorSubscription
	for _, ps := range p.subs {
		if ps.PriceID == priceID {
			out = append(out, *ps)
		}
	}
	return out, nil
}

// ListPaymentMethods implements patronpay.Processor
func (p *Processor) ListPaymentMethods(_ context.Context,
	customerID string) ([]patronpay.ProcessorPaymentMethod, string, error) {
	if err := p.begin(OpListPaymentMethods); err != nil {
		return nil, "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]patronpay.ProcessorPaymentMethod(nil), p.methods[customerID]...), p.defaults[customerID], nil
}

// SetDefaultPaymentMethod implements patronpay.Processor
func (p *Processor) SetDefaultPaymentMethod(_ context.Context, customerID, paymentMethodID string) error {
	if err := p.begin(OpSetDefaultPaymentMethod); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.defaults[customerID] = paymentMethodID
	return nil
}

// DetachPaymentMethod implements patronpay.Processor
func (p *Processor) DetachPaymentMethod(_ context.Context, paymentMethodID string) error {
	if err := p.begin(OpDetachPaymentMethod); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for customerID, methods := range p.methods {
		kept := methods[:0]
		for _, m := range methods {
			if m.ID != paymentMethodID {
				kept = append(kept, m)
			}
		}
		p.methods[customerID] = kept
	}
	return nil
}
