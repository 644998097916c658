package patronpay

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Processor is the typed contract for the external payment processor.
// Implementations hold no local state; every method is one bounded network call
// and returns ErrProcessorUnavailable or ErrProcessorRejected (wrapped) on failure.
type Processor interface {
	// Authorize creates a payment intent. CaptureManual places a hold that must be
	// captured or cancelled later.
	Authorize(ctx context.Context, req AuthorizeRequest) (*PaymentIntent, error)

	// Capture finalizes a held authorization.
	Capture(ctx context.Context, paymentIntentID, idempotencyKey string) error

	// Cancel releases a held authorization.
	Cancel(ctx context.Context, paymentIntentID, idempotencyKey string) error

	// Refund returns captured funds in full.
	Refund(ctx context.Context, paymentIntentID, idempotencyKey string) error

	// GetPaymentIntent retrieves the authoritative state of a payment intent.
	GetPaymentIntent(ctx context.Context, paymentIntentID string) (*PaymentIntent, error)

	// EnsureCustomer returns the processor customer for the user, creating it if needed.
	EnsureCustomer(ctx context.Context, user *User) (string, error)

	// GetCustomerEmail returns the email recorded on a processor customer.
	GetCustomerEmail(ctx context.Context, customerID string) (string, error)

	// CreateSubscription starts a recurring subscription.
	CreateSubscription(ctx context.Context, params SubscriptionParams) (*ProcessorSubscription, error)

	// CancelSubscriptionAtPeriodEnd schedules cancellation at the end of the current period.
	CancelSubscriptionAtPeriodEnd(ctx context.Context, subscriptionID string) (*ProcessorSubscription, error)

	// ChangeSubscriptionPrice swaps the subscription's price in a single prorated update.
	ChangeSubscriptionPrice(ctx context.Context, subscriptionID, priceID string) (*ProcessorSubscription, error)

	// ListSubscriptionsByPrice lists every subscription referencing the price.
	ListSubscriptionsByPrice(ctx context.Context, priceID string) ([]ProcessorSubscription, error)

	// ListPaymentMethods lists the customer's card payment methods and the default method id.
	ListPaymentMethods(ctx context.Context, customerID string) ([]ProcessorPaymentMethod, string, error)

	// SetDefaultPaymentMethod makes the payment method the customer's default.
	SetDefaultPaymentMethod(ctx context.Context, customerID, paymentMethodID string) error

	// DetachPaymentMethod removes the payment method from its customer.
	DetachPaymentMethod(ctx context.Context, paymentMethodID string) error
}

// CaptureMode selects whether a payment intent is held or captured immediately
type CaptureMode string

const (
	CaptureManual    CaptureMode = "manual"
	CaptureAutomatic CaptureMode = "automatic"
)

// AuthorizeRequest describes a payment intent to create
type AuthorizeRequest struct {
	Amount         decimal.Decimal
	Currency       string
	CustomerID     string
	Description    string
	CaptureMode    CaptureMode
	Metadata       map[string]string
	IdempotencyKey string
}

// PaymentIntentStatus is a processor-neutral payment intent status
type PaymentIntentStatus string

const (
	IntentRequiresAction  PaymentIntentStatus = "requires_action"
	IntentProcessing      PaymentIntentStatus = "processing"
	IntentRequiresCapture PaymentIntentStatus = "requires_capture"
	IntentSucceeded       PaymentIntentStatus = "succeeded"
	IntentCanceled        PaymentIntentStatus = "canceled"
	IntentFailed          PaymentIntentStatus = "failed"
)

// PaymentIntent is the processor's view of a payment
type PaymentIntent struct {
	ID           string
	ClientSecret string
	Status       PaymentIntentStatus
	Amount       decimal.Decimal
	Refunded     bool
	Metadata     map[string]string
}

// SubscriptionParams describes a processor subscription to create
type SubscriptionParams struct {
	CustomerID     string
	PriceID        string
	Metadata       map[string]string
	IdempotencyKey string
}

// ProcessorSubscription is the processor's view of a subscription
type ProcessorSubscription struct {
	ID                 string
	CustomerID         string
	CustomerEmail      string
	PriceID            string
	Status             string
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CancelAtPeriodEnd  bool
	Metadata           map[string]string
	ClientSecret       string
}

// ProcessorPaymentMethod is the processor's view of a card payment method
type ProcessorPaymentMethod struct {
	ID       string
	Brand    string
	Last4    string
	ExpMonth int
	ExpYear  int
}

// Processor subscription statuses
const (
	ProcessorSubActive            = "active"
	ProcessorSubTrialing          = "trialing"
	ProcessorSubPastDue           = "past_due"
	ProcessorSubIncomplete        = "incomplete"
	ProcessorSubIncompleteExpired = "incomplete_expired"
	ProcessorSubCanceled          = "canceled"
	ProcessorSubUnpaid            = "unpaid"
	ProcessorSubPaused            = "paused"
)

// MapProcessorSubscriptionStatus maps a processor subscription status onto the local status.
func MapProcessorSubscriptionStatus(status string) SubscriptionStatus {
	switch status {
	case ProcessorSubActive, ProcessorSubTrialing, ProcessorSubPastDue:
		return SubscriptionActive
	case ProcessorSubIncomplete:
		return SubscriptionPending
	case ProcessorSubCanceled:
		return SubscriptionCancelled
	default:
		return SubscriptionExpired
	}
}

// commissionStatusForIntent returns the commission status implied by a payment intent,
// and false when the intent does not imply one yet.
func commissionStatusForIntent(pi *PaymentIntent) (CommissionStatus, bool) {
	switch {
	case pi.Refunded:
		return CommissionRefunded, true
	case pi.Status == IntentRequiresCapture:
		return CommissionPaymentAuthorized, true
	case pi.Status == IntentSucceeded:
		return CommissionAccepted, true
	case pi.Status == IntentCanceled:
		return CommissionRejected, true
	case pi.Status == IntentFailed:
		return CommissionPaymentFailed, true
	default:
		return "", false
	}
}
