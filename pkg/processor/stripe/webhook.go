package stripe

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/patronpay/pkg/patronpay"
)

// Verifier implements patronpay.EventVerifier for Stripe webhook deliveries
type Verifier struct {
	secret    string
	tolerance time.Duration
}

var _ patronpay.EventVerifier = (*Verifier)(nil)

// NewVerifier creates a verifier for the endpoint's signing secret (whsec_...).
// A zero tolerance uses the Stripe default of five minutes.
func NewVerifier(secret string, tolerance time.Duration) (*Verifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, fmt.Errorf("%w: webhook secret is required", patronpay.ErrConfiguration)
	}
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	return &Verifier{secret: secret, tolerance: tolerance}, nil
}

// Verify checks the Stripe-Signature header against the raw body and decodes the event.
func (v *Verifier) Verify(payload []byte, signature string) (patronpay.Event, error) {
	if err := webhook.ValidatePayloadWithTolerance(payload, signature, v.secret, v.tolerance); err != nil {
		return nil, fmt.Errorf("%w: %w", patronpay.ErrSignatureInvalid, err)
	}

	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("%w: %w", patronpay.ErrInvalidPayload, err)
	}
	return decodeEvent(&event)
}

func decodeEvent(event *stripe.Event) (patronpay.Event, error) {
	if event.ID == "" || event.Type == "" {
		return nil, fmt.Errorf("%w: event id and type are required", patronpay.ErrInvalidPayload)
	}
	header := patronpay.EventHeader{
		ID:      event.ID,
		Type:    string(event.Type),
		Created: unixTime(event.Created),
	}

	eventType := string(event.Type)
	switch {
	case eventType == patronpay.EventPaymentIntentSucceeded,
		eventType == patronpay.EventPaymentIntentCapturable,
		eventType == patronpay.EventPaymentIntentFailed,
		eventType == patronpay.EventPaymentIntentCanceled:
		var pi stripe.PaymentIntent
		if err := unmarshalObject(event, &pi); err != nil {
			return nil, err
		}
		return &patronpay.PaymentIntentEvent{
			EventHeader:     header,
			PaymentIntentID: pi.ID,
			Metadata:        pi.Metadata,
		}, nil

	case eventType == patronpay.EventChargeCaptured, eventType == patronpay.EventChargeRefunded:
		var charge stripe.Charge
		if err := unmarshalObject(event, &charge); err != nil {
			return nil, err
		}
		if charge.PaymentIntent == nil || charge.PaymentIntent.ID == "" {
			// charges outside a payment intent are not ours
			return &patronpay.IgnoredEvent{EventHeader: header}, nil
		}
		return &patronpay.ChargeEvent{
			EventHeader:     header,
			ChargeID:        charge.ID,
			PaymentIntentID: charge.PaymentIntent.ID,
		}, nil

	case strings.HasPrefix(eventType, "customer.subscription."):
		var sub stripe.Subscription
		if err := unmarshalObject(event, &sub); err != nil {
			return nil, err
		}
		return &patronpay.SubscriptionEvent{
			EventHeader:  header,
			Subscription: toSubscription(&sub),
		}, nil

	default:
		return &patronpay.IgnoredEvent{EventHeader: header}, nil
	}
}

func unmarshalObject(event *stripe.Event, v interface{}) error {
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return fmt.Errorf("%w: event %s has no data object", patronpay.ErrInvalidPayload, event.ID)
	}
	if err := json.Unmarshal(event.Data.Raw, v); err != nil {
		return fmt.Errorf("%w: %w", patronpay.ErrInvalidPayload, err)
	}
	return nil
}
