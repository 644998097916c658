package patronpay

import (
	"time"

	"github.com/shopspring/decimal"
)

// CommissionStatus is the lifecycle status of a CommissionRequest
type CommissionStatus string

const (
	CommissionPending           CommissionStatus = "pending"
	CommissionPaymentAuthorized CommissionStatus = "payment_authorized"
	CommissionPaymentFailed     CommissionStatus = "payment_failed"
	CommissionAccepted          CommissionStatus = "accepted"
	CommissionRejected          CommissionStatus = "rejected"
	CommissionRefunded          CommissionStatus = "refunded"
)

// commissionTransitions lists, per status, every status it may move to.
// Events arrive unordered, so a row may skip forward (pending -> accepted when
// charge.captured lands first) but never backward, and pending is never re-entered.
var commissionTransitions = map[CommissionStatus][]CommissionStatus{
	CommissionPending: {
		CommissionPaymentAuthorized, CommissionPaymentFailed,
		CommissionRejected, CommissionAccepted, CommissionRefunded,
	},
	CommissionPaymentAuthorized: {
		CommissionAccepted, CommissionRejected, CommissionPaymentFailed, CommissionRefunded,
	},
	CommissionAccepted: {CommissionRefunded},
}

// CanTransitionTo reports whether moving from s to next is a valid forward step.
func (s CommissionStatus) CanTransitionTo(next CommissionStatus) bool {
	for _, allowed := range commissionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition can leave s.
func (s CommissionStatus) IsTerminal() bool {
	return len(commissionTransitions[s]) == 0
}

// PendingAction is an in-flight creator or refund call awaiting its confirming event
type PendingAction string

const (
	ActionNone    PendingAction = ""
	ActionCapture PendingAction = "capture"
	ActionCancel  PendingAction = "cancel"
	ActionRefund  PendingAction = "refund"
)

// Decision is the creator's answer to an authorized commission
type Decision string

const (
	DecisionAccept Decision = "accept"
	DecisionReject Decision = "reject"
)

// CommissionType is a creator-defined commission offering
type CommissionType struct {
	ID               string
	CreatorID        string
	Name             string
	BasePrice        decimal.Decimal
	MaxRevisions     int
	PricePerRevision decimal.Decimal
}

// CommissionRequest is a customer's paid commission
type CommissionRequest struct {
	ID               string
	CustomerID       string
	CreatorID        string
	CommissionTypeID string
	Description      string
	ReferenceImages  []string

	AgreedPrice     decimal.Decimal
	Currency        string
	PaymentIntentID string

	Status        CommissionStatus
	PendingAction PendingAction
	RevisionCount int

	// Snapshot of the commission type at submission time
	MaxRevisions     int
	PricePerRevision decimal.Decimal

	CreatedAt time.Time
	UpdatedAt time.Time
}

// RevisionStatus is the lifecycle status of a Revision
type RevisionStatus string

const (
	RevisionFree            RevisionStatus = "free"
	RevisionAwaitingPayment RevisionStatus = "awaiting_payment"
	RevisionPaid            RevisionStatus = "paid"
	RevisionPaymentFailed   RevisionStatus = "payment_failed"
)

// Revision is a revision round requested on an accepted commission
type Revision struct {
	ID              string
	CommissionID    string
	Number          int
	Notes           string
	Fee             decimal.Decimal
	PaymentIntentID string
	Status          RevisionStatus
	CreatedAt       time.Time
}

// MembershipTier is a creator's recurring subscription tier
type MembershipTier struct {
	ID                 string
	CreatorID          string
	Name               string
	Price              decimal.Decimal
	ProcessorPriceID   string
	ProcessorProductID string
}

// SubscriptionStatus is the local status of a UserSubscription
type SubscriptionStatus string

const (
	SubscriptionPending   SubscriptionStatus = "pending"
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
	SubscriptionExpired   SubscriptionStatus = "expired"
)

// UserSubscription is the local cache of a processor subscription
type UserSubscription struct {
	ID                      string
	UserID                  string
	CreatorID               string
	TierID                  string
	ProcessorSubscriptionID string
	ProcessorCustomerID     string
	Status                  SubscriptionStatus
	CurrentPeriodStart      time.Time
	CurrentPeriodEnd        time.Time
	CancelAtPeriodEnd       bool

	// LastEventAt is the processor time of the newest state applied to this row.
	// Older events are ignored.
	LastEventAt time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// AcceptsUpdate reports whether next may overwrite the stored row s.
// A processor cancellation is final for its processor subscription id. Events older
// than the stored state are rejected, and on a timestamp tie an event cannot move a
// closed row back to active. A zero next.LastEventAt is a direct processor read.
func (s *UserSubscription) AcceptsUpdate(next *UserSubscription) bool {
	if s.Status == SubscriptionCancelled && next.Status != SubscriptionCancelled &&
		s.ProcessorSubscriptionID != "" && s.ProcessorSubscriptionID == next.ProcessorSubscriptionID {
		return false
	}
	if next.LastEventAt.IsZero() {
		return true
	}
	if s.LastEventAt.After(next.LastEventAt) {
		return false
	}
	if s.LastEventAt.Equal(next.LastEventAt) && next.Status == SubscriptionActive &&
		(s.Status == SubscriptionCancelled || s.Status == SubscriptionExpired) {
		return false
	}
	return true
}

// Entitled reports whether the subscription grants access to the creator's gated content at now.
func (s *UserSubscription) Entitled(now time.Time) bool {
	if s == nil || s.Status != SubscriptionActive {
		return false
	}
	return !s.CancelAtPeriodEnd || now.Before(s.CurrentPeriodEnd)
}

// User is the slice of the account model the engine needs
type User struct {
	ID                  string
	Email               string
	ProcessorCustomerID string
}

// PaymentMethod is a masked, display-only projection of a processor payment method
type PaymentMethod struct {
	UserID          string `json:"-"`
	PaymentMethodID string `json:"id"`
	Brand           string `json:"brand"`
	Last4           string `json:"last4"`
	Expiry          string `json:"expiry"`
	IsDefault       bool   `json:"is_default"`
}

// LedgerEntry records an applied processor event
type LedgerEntry struct {
	EventID     string
	EventType   string
	ProcessedAt time.Time
}

// MismatchKind classifies a ReconciliationMismatch
type MismatchKind string

const (
	// MismatchUnknownCustomer: processor subscription whose customer email matches no local user
	MismatchUnknownCustomer MismatchKind = "unknown_customer"
	// MismatchMissingAtProcessor: local active row the processor no longer reports as active
	MismatchMissingAtProcessor MismatchKind = "missing_at_processor"
	// MismatchUnknownPrice: subscription event for a price that maps to no tier
	MismatchUnknownPrice MismatchKind = "unknown_price"
)

// ReconciliationMismatch is surfaced to operators and never auto-resolved
type ReconciliationMismatch struct {
	ID                      string
	Kind                    MismatchKind
	CreatorID               string
	TierID                  string
	ProcessorSubscriptionID string
	Detail                  string
	DetectedAt              time.Time
}
