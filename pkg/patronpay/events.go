package patronpay

import "time"

// Processor event types consumed by the engine
const (
	EventPaymentIntentSucceeded  = "payment_intent.succeeded"
	EventPaymentIntentCapturable = "payment_intent.amount_capturable_updated"
	EventPaymentIntentFailed     = "payment_intent.payment_failed"
	EventPaymentIntentCanceled   = "payment_intent.canceled"
	EventChargeCaptured          = "charge.captured"
	EventChargeRefunded          = "charge.refunded"
	EventSubscriptionCreated     = "customer.subscription.created"
	EventSubscriptionUpdated     = "customer.subscription.updated"
	EventSubscriptionDeleted     = "customer.subscription.deleted"
	EventSubscriptionPaused      = "customer.subscription.paused"
	EventSubscriptionResumed     = "customer.subscription.resumed"
)

// Metadata keys written on processor objects
const (
	MetaKind         = "kind"
	MetaCommissionID = "commission_id"
	MetaRevisionID   = "revision_id"
	MetaUserID       = "user_id"
	MetaCreatorID    = "creator_id"
	MetaTierID       = "tier_id"

	KindCommission = "commission"
	KindRevision   = "revision"
)

// EventVerifier checks a webhook signature and decodes the body exactly once
// into one of the Event variants. Signature failures wrap ErrSignatureInvalid,
// undecodable bodies wrap ErrInvalidPayload.
type EventVerifier interface {
	Verify(payload []byte, signature string) (Event, error)
}

// Event is a decoded processor event. The variant set is closed:
// *PaymentIntentEvent, *ChargeEvent, *SubscriptionEvent and *IgnoredEvent.
type Event interface {
	EventID() string
	EventType() string
	OccurredAt() time.Time
	isEvent()
}

// EventHeader carries the envelope fields shared by every variant
type EventHeader struct {
	ID      string
	Type    string
	Created time.Time
}

func (h EventHeader) EventID() string       { return h.ID }
func (h EventHeader) EventType() string     { return h.Type }
func (h EventHeader) OccurredAt() time.Time { return h.Created }
func (h EventHeader) isEvent()              {}

// PaymentIntentEvent covers payment_intent.succeeded, .payment_failed and .canceled
type PaymentIntentEvent struct {
	EventHeader
	PaymentIntentID string
	Metadata        map[string]string
}

// ChargeEvent covers charge.captured and charge.refunded
type ChargeEvent struct {
	EventHeader
	ChargeID        string
	PaymentIntentID string
}

// SubscriptionEvent covers customer.subscription.* events
type SubscriptionEvent struct {
	EventHeader
	Subscription ProcessorSubscription
}

// IgnoredEvent is any event type the engine does not act on. It is acknowledged.
type IgnoredEvent struct {
	EventHeader
}

// commissionStatusForEvent returns the commission status an event type maps to.
// A manual-capture intent reports the hold through amount_capturable_updated.
func commissionStatusForEvent(eventType string) (CommissionStatus, bool) {
	switch eventType {
	case EventPaymentIntentSucceeded, EventPaymentIntentCapturable:
		return CommissionPaymentAuthorized, true
	case EventPaymentIntentFailed:
		return CommissionPaymentFailed, true
	case EventPaymentIntentCanceled:
		return CommissionRejected, true
	case EventChargeCaptured:
		return CommissionAccepted, true
	case EventChargeRefunded:
		return CommissionRefunded, true
	default:
		return "", false
	}
}
