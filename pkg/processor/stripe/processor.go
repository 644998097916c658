package stripe

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/patronpay/pkg/patronpay"
)

const (
	defaultHTTPTimeout        = 10 * time.Second
	defaultMaxNetworkRetries  = 2
	prorationCreate           = "create_prorations"
	paymentBehaviorIncomplete = "default_incomplete"
)

// Config holds the Stripe adapter options
type Config struct {
	// APIKey is the Stripe secret key (required)
	APIKey string

	// HTTPClient is used for API calls (default: 10 second timeout)
	HTTPClient *http.Client

	// MaxNetworkRetries bounds the SDK's own retries of idempotent requests (default: 2)
	MaxNetworkRetries *int64

	// BackendURL overrides the API base URL
	BackendURL string
}

// Processor implements patronpay.Processor against the Stripe API
type Processor struct {
	client *stripe.Client
}

var _ patronpay.Processor = (*Processor)(nil)

// NewProcessor creates a Stripe processor adapter
func NewProcessor(config Config) (*Processor, error) {
	apiKey := strings.TrimSpace(config.APIKey)
	if apiKey == "" {
		return nil, patronpay.ErrConfiguration
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	retries := config.MaxNetworkRetries
	if retries == nil {
		retries = stripe.Int64(defaultMaxNetworkRetries)
	}

	backendConfig := &stripe.BackendConfig{
		HTTPClient:        httpClient,
		MaxNetworkRetries: retries,
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelError},
	}
	if config.BackendURL != "" {
		backendConfig.URL = stripe.String(config.BackendURL)
	}

	client := stripe.NewClient(apiKey, stripe.WithBackends(stripe.NewBackendsWithConfig(backendConfig)))
	return &Processor{client: client}, nil
}

func (p *Processor) Authorize(ctx context.Context, req patronpay.AuthorizeRequest) (*patronpay.PaymentIntent, error) {
	params := &stripe.PaymentIntentCreateParams{
		Amount:        stripe.Int64(toMinorUnits(req.Amount, req.Currency)),
		Currency:      stripe.String(strings.ToLower(req.Currency)),
		CaptureMethod: stripe.String(captureMethod(req.CaptureMode)),
		AutomaticPaymentMethods: &stripe.PaymentIntentCreateAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	if req.CustomerID != "" {
		params.Customer = stripe.String(req.CustomerID)
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	pi, err := p.client.V1PaymentIntents.Create(ctx, params)
	if err != nil {
		return nil, mapError("authorize", err)
	}
	return toPaymentIntent(pi), nil
}

func (p *Processor) Capture(ctx context.Context, paymentIntentID, idempotencyKey string) error {
	params := &stripe.PaymentIntentCaptureParams{}
	if idempotencyKey != "" {
		params.SetIdempotencyKey(idempotencyKey)
	}
	if _, err := p.client.V1PaymentIntents.Capture(ctx, paymentIntentID, params); err != nil {
		return mapError("capture", err)
	}
	return nil
}

func (p *Processor) Cancel(ctx context.Context, paymentIntentID, idempotencyKey string) error {
	params := &stripe.PaymentIntentCancelParams{}
	if idempotencyKey != "" {
		params.SetIdempotencyKey(idempotencyKey)
	}
	if _, err := p.client.V1PaymentIntents.Cancel(ctx, paymentIntentID, params); err != nil {
		return mapError("cancel", err)
	}
	return nil
}

func (p *Processor) Refund(ctx context.Context, paymentIntentID, idempotencyKey string) error {
	params := &stripe.RefundCreateParams{PaymentIntent: stripe.String(paymentIntentID)}
	if idempotencyKey != "" {
		params.SetIdempotencyKey(idempotencyKey)
	}
	if _, err := p.client.V1Refunds.Create(ctx, params); err != nil {
		return mapError("refund", err)
	}
	return nil
}

func (p *Processor) GetPaymentIntent(ctx context.Context, paymentIntentID string) (*patronpay.PaymentIntent, error) {
	params := &stripe.PaymentIntentRetrieveParams{}
	params.AddExpand("latest_charge")
	pi, err := p.client.V1PaymentIntents.Retrieve(ctx, paymentIntentID, params)
	if err != nil {
		return nil, mapError("get_payment_intent", err)
	}
	return toPaymentIntent(pi), nil
}

// EnsureCustomer returns the user's linked customer or creates one tagged with the user id.
func (p *Processor) EnsureCustomer(ctx context.Context, user *patronpay.User) (string, error) {
	if user.ProcessorCustomerID != "" {
		return user.ProcessorCustomerID, nil
	}
	params := &stripe.CustomerCreateParams{}
	if user.Email != "" {
		params.Email = stripe.String(user.Email)
	}
	params.AddMetadata(patronpay.MetaUserID, user.ID)
	params.SetIdempotencyKey("customer:" + user.ID)

	cust, err := p.client.V1Customers.Create(ctx, params)
	if err != nil {
		return "", mapError("ensure_customer", err)
	}
	return cust.ID, nil
}

func (p *Processor) GetCustomerEmail(ctx context.Context, customerID string) (string, error) {
	cust, err := p.client.V1Customers.Retrieve(ctx, customerID, nil)
	if err != nil {
		return "", mapError("get_customer_email", err)
	}
	if cust.Deleted {
		return "", nil
	}
	return cust.Email, nil
}

func (p *Processor) CreateSubscription(ctx context.Context,
	req patronpay.SubscriptionParams) (*patronpay.ProcessorSubscription, error) {
	params := &stripe.SubscriptionCreateParams{
		Customer: stripe.String(req.CustomerID),
		Items: []*stripe.SubscriptionCreateItemParams{
			{Price: stripe.String(req.PriceID)},
		},
		PaymentBehavior: stripe.String(paymentBehaviorIncomplete),
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	params.AddExpand("latest_invoice.confirmation_secret")
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	sub, err := p.client.V1Subscriptions.Create(ctx, params)
	if err != nil {
		return nil, mapError("create_subscription", err)
	}
	ps := toSubscription(sub)
	return &ps, nil
}

func (p *Processor) CancelSubscriptionAtPeriodEnd(ctx context.Context,
	subscriptionID string) (*patronpay.ProcessorSubscription, error) {
	sub, err := p.client.V1Subscriptions.Update(ctx, subscriptionID, &stripe.SubscriptionUpdateParams{
		CancelAtPeriodEnd: stripe.Bool(true),
	})
	if err != nil {
		return nil, mapError("cancel_subscription", err)
	}
	ps := toSubscription(sub)
	return &ps, nil
}

// ChangeSubscriptionPrice swaps the price of the subscription's single item with proration.
func (p *Processor) ChangeSubscriptionPrice(ctx context.Context,
	subscriptionID, priceID string) (*patronpay.ProcessorSubscription, error) {
	current, err := p.client.V1Subscriptions.Retrieve(ctx, subscriptionID, nil)
	if err != nil {
		return nil, mapError("change_subscription_price", err)
	}
	if current.Items == nil || len(current.Items.Data) == 0 {
		return nil, patronpay.ErrProcessorRejected
	}

	sub, err := p.client.V1Subscriptions.Update(ctx, subscriptionID, &stripe.SubscriptionUpdateParams{
		Items: []*stripe.SubscriptionUpdateItemParams{
			{ID: stripe.String(current.Items.Data[0].ID), Price: stripe.String(priceID)},
		},
		ProrationBehavior: stripe.String(prorationCreate),
	})
	if err != nil {
		return nil, mapError("change_subscription_price", err)
	}
	ps := toSubscription(sub)
	return &ps, nil
}

// ListSubscriptionsByPrice lists the price's non-canceled subscriptions with their customers expanded.
func (p *Processor) ListSubscriptionsByPrice(ctx context.Context,
	priceID string) ([]patronpay.ProcessorSubscription, error) {
	params := &stripe.SubscriptionListParams{Price: stripe.String(priceID)}
	params.AddExpand("data.customer")

	var subs []patronpay.ProcessorSubscription
	for sub, err := range p.client.V1Subscriptions.List(ctx, params) {
		if err != nil {
			return nil, mapError("list_subscriptions", err)
		}
		subs = append(subs, toSubscription(sub))
	}
	return subs, nil
}

func (p *Processor) ListPaymentMethods(ctx context.Context,
	customerID string) ([]patronpay.ProcessorPaymentMethod, string, error) {
	cust, err := p.client.V1Customers.Retrieve(ctx, customerID, nil)
	if err != nil {
		return nil, "", mapError("list_payment_methods", err)
	}
	defaultID := ""
	if cust.InvoiceSettings != nil && cust.InvoiceSettings.DefaultPaymentMethod != nil {
		defaultID = cust.InvoiceSettings.DefaultPaymentMethod.ID
	}

	params := &stripe.PaymentMethodListParams{
		Customer: stripe.String(customerID),
		Type:     stripe.String(string(stripe.PaymentMethodTypeCard)),
	}
	var methods []patronpay.ProcessorPaymentMethod
	for pm, err := range p.client.V1PaymentMethods.List(ctx, params) {
		if err != nil {
			return nil, "", mapError("list_payment_methods", err)
		}
		if pm.Card == nil {
			continue
		}
		methods = append(methods, patronpay.ProcessorPaymentMethod{
			ID:       pm.ID,
			Brand:    string(pm.Card.Brand),
			Last4:    pm.Card.Last4,
			ExpMonth: int(pm.Card.ExpMonth),
			ExpYear:  int(pm.Card.ExpYear),
		})
	}
	return methods, defaultID, nil
}

func (p *Processor) SetDefaultPaymentMethod(ctx context.Context, customerID, paymentMethodID string) error {
	_, err := p.client.V1Customers.Update(ctx, customerID, &stripe.CustomerUpdateParams{
		InvoiceSettings: &stripe.CustomerUpdateInvoiceSettingsParams{
			DefaultPaymentMethod: stripe.String(paymentMethodID),
		},
	})
	if err != nil {
		return mapError("set_default_payment_method", err)
	}
	return nil
}

func (p *Processor) DetachPaymentMethod(ctx context.Context, paymentMethodID string) error {
	if _, err := p.client.V1PaymentMethods.Detach(ctx, paymentMethodID, &stripe.PaymentMethodDetachParams{}); err != nil {
		return mapError("detach_payment_method", err)
	}
	return nil
}

func captureMethod(mode patronpay.CaptureMode) string {
	if mode == patronpay.CaptureManual {
		return string(stripe.PaymentIntentCaptureMethodManual)
	}
	return string(stripe.PaymentIntentCaptureMethodAutomatic)
}

// Stripe amounts for these currencies are in whole units, or in thousandths
// with a zero last digit.
var (
	zeroDecimalCurrencies = map[string]bool{
		"bif": true, "clp": true, "djf": true, "gnf": true, "jpy": true, "kmf": true,
		"krw": true, "mga": true, "pyg": true, "rwf": true, "ugx": true, "vnd": true,
		"vuv": true, "xaf": true, "xof": true, "xpf": true,
	}
	threeDecimalCurrencies = map[string]bool{
		"bhd": true, "jod": true, "kwd": true, "omr": true, "tnd": true,
	}
)

func currencyExponent(currency string) int32 {
	currency = strings.ToLower(currency)
	switch {
	case zeroDecimalCurrencies[currency]:
		return 0
	case threeDecimalCurrencies[currency]:
		return 3
	default:
		return 2
	}
}

// toMinorUnits converts a decimal amount to the currency's smallest unit
func toMinorUnits(amount decimal.Decimal, currency string) int64 {
	exp := currencyExponent(currency)
	if exp == 3 {
		return amount.Shift(2).Round(0).IntPart() * 10
	}
	return amount.Shift(exp).Round(0).IntPart()
}

func fromMinorUnits(amount int64, currency string) decimal.Decimal {
	return decimal.New(amount, -currencyExponent(currency))
}
