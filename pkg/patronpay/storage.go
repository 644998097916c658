package patronpay

import (
	"context"
	"errors"
	"time"
)

// ErrFreeRevisionsExhausted is returned by Storage.AddFreeRevision when the
// commission already used all of its free revisions
var ErrFreeRevisionsExhausted = errors.New("free revisions exhausted")

// Storage defines the persistence contract of the engine.
// Every mutation is a conditional update or an upsert keyed by a natural identifier,
// so concurrent and repeated callers converge.
type Storage interface {
	// GetUser retrieves a user. Returns ErrNotFound if missing.
	GetUser(ctx context.Context, userID string) (*User, error)

	// FindUserByEmail resolves a user by account email (case-insensitive).
	FindUserByEmail(ctx context.Context, email string) (*User, error)

	// FindUserByProcessorCustomer resolves a user by processor customer id.
	FindUserByProcessorCustomer(ctx context.Context, customerID string) (*User, error)

	// SetProcessorCustomerID links a user to a processor customer.
	SetProcessorCustomerID(ctx context.Context, userID, customerID string) error

	// GetCommissionType retrieves a commission type.
	GetCommissionType(ctx context.Context, id string) (*CommissionType, error)

	// CreateCommission inserts a new commission request in pending.
	CreateCommission(ctx context.Context, c *CommissionRequest) error

	// GetCommission retrieves a commission request.
	GetCommission(ctx context.Context, id string) (*CommissionRequest, error)

	// SetCommissionPaymentIntent stores the authorization's payment intent id.
	// Only allowed while the request is pending; returns ErrInvalidStateTransition otherwise.
	SetCommissionPaymentIntent(ctx context.Context, id, paymentIntentID string) error

	// ClaimCommissionAction marks an in-flight action when the request has the given status
	// and no other action in flight. Returns ErrInvalidStateTransition when the claim fails.
	ClaimCommissionAction(ctx context.Context, id string, status CommissionStatus, action PendingAction) error

	// ReleaseCommissionAction clears an in-flight action after a failed processor call.
	ReleaseCommissionAction(ctx context.Context, id string, action PendingAction) error

	// AdvanceCommissionStatus applies a monotone status change outside of an event.
	AdvanceCommissionStatus(ctx context.Context, id string, to CommissionStatus) (CommissionStatus, bool, error)

	// ListStaleCommissions lists pending or payment_authorized requests that carry a payment
	// intent and were last updated before olderThan, oldest first.
	ListStaleCommissions(ctx context.Context, olderThan time.Time, limit int) ([]*CommissionRequest, error)

	// AddFreeRevision records a free revision and increments revision_count in one step,
	// provided revision_count < MaxRevisions. Returns ErrFreeRevisionsExhausted otherwise.
	// Both revision inserts assign rev.Number.
	AddFreeRevision(ctx context.Context, rev *Revision) error

	// CreateRevision records a paid revision awaiting payment.
	CreateRevision(ctx context.Context, rev *Revision) error

	// SetRevisionPaymentIntent stores the revision fee's payment intent id.
	SetRevisionPaymentIntent(ctx context.Context, revisionID, paymentIntentID string) error

	// ListRevisions lists a commission's revisions, oldest first.
	ListRevisions(ctx context.Context, commissionID string) ([]*Revision, error)

	// GetTier retrieves a membership tier.
	GetTier(ctx context.Context, id string) (*MembershipTier, error)

	// ListTiersByCreator lists a creator's tiers.
	ListTiersByCreator(ctx context.Context, creatorID string) ([]*MembershipTier, error)

	// ListTierCreators lists the distinct creators owning at least one tier, sorted.
	ListTierCreators(ctx context.Context) ([]string, error)

	// DeleteTier deletes a tier unless it has active subscriptions (ErrTierHasActiveSubscriptions).
	DeleteTier(ctx context.Context, id string) error

	// GetSubscription retrieves a subscription row by local id.
	GetSubscription(ctx context.Context, id string) (*UserSubscription, error)

	// UpsertSubscription matches by processor subscription id, then by the active
	// (user, creator, tier) key, and inserts otherwise. Rows whose LastEventAt is newer
	// than a non-zero sub.LastEventAt are left untouched (applied=false). A zero
	// LastEventAt (sync, direct API responses) always applies and keeps the stored one.
	UpsertSubscription(ctx context.Context, sub *UserSubscription) (*UserSubscription, bool, error)

	// ListActiveSubscriptionsByUser lists a user's active rows.
	ListActiveSubscriptionsByUser(ctx context.Context, userID string) ([]*UserSubscription, error)

	// ListSubscriptionsByCreator lists every row of a creator.
	ListSubscriptionsByCreator(ctx context.Context, creatorID string) ([]*UserSubscription, error)

	// ListActiveSubscriptionsByTier lists a tier's active rows.
	ListActiveSubscriptionsByTier(ctx context.Context, tierID string) ([]*UserSubscription, error)

	// ExpireLapsedSubscriptions expires active rows scheduled to cancel whose period ended before now.
	ExpireLapsedSubscriptions(ctx context.Context, now time.Time) (int, error)

	// RecordMismatch stores a reconciliation mismatch for operators. Mismatches are keyed by
	// (kind, tier, processor subscription id); recording one again refreshes DetectedAt.
	RecordMismatch(ctx context.Context, m *ReconciliationMismatch) error

	// ListMismatches lists mismatches, newest first.
	ListMismatches(ctx context.Context, limit int) ([]*ReconciliationMismatch, error)

	// WithEventTx records entry in the idempotency ledger and runs fn in the same
	// transaction. When the event id is already in the ledger fn is not run and
	// applied is false. If fn returns an error nothing is committed, ledger included.
	WithEventTx(ctx context.Context, entry LedgerEntry, fn func(tx EventTx) error) (applied bool, err error)

	// GetLedgerEntry retrieves a processed event. Returns ErrNotFound if never applied.
	GetLedgerEntry(ctx context.Context, eventID string) (*LedgerEntry, error)
}

// UserReader resolves local users
type UserReader interface {
	GetUser(ctx context.Context, userID string) (*User, error)
	FindUserByEmail(ctx context.Context, email string) (*User, error)
	FindUserByProcessorCustomer(ctx context.Context, customerID string) (*User, error)
}

// EventTx is the transactional view handed to event dispatch.
// Reads lock the rows they return until the transaction ends.
// Implementations may serialize transactions, so fn must only use tx for storage access.
type EventTx interface {
	UserReader

	CommissionByPaymentIntent(ctx context.Context, paymentIntentID string) (*CommissionRequest, error)
	CommissionByID(ctx context.Context, id string) (*CommissionRequest, error)
	SetCommissionPaymentIntent(ctx context.Context, id, paymentIntentID string) error
	AdvanceCommissionStatus(ctx context.Context, id string, to CommissionStatus) (CommissionStatus, bool, error)
	RevisionByPaymentIntent(ctx context.Context, paymentIntentID string) (*Revision, error)

	// SettleRevision moves an awaiting_payment revision to paid or payment_failed.
	// Paying a revision increments the commission's revision_count.
	SettleRevision(ctx context.Context, revisionID string, status RevisionStatus) (bool, error)

	TierByPrice(ctx context.Context, priceID string) (*MembershipTier, error)
	SubscriptionByProcessorID(ctx context.Context, processorSubscriptionID string) (*UserSubscription, error)
	UpsertSubscription(ctx context.Context, sub *UserSubscription) (*UserSubscription, bool, error)
	RecordMismatch(ctx context.Context, m *ReconciliationMismatch) error
}

// PaymentMethodCache stores the masked payment method projection.
// It is never the source of truth.
type PaymentMethodCache interface {
	// Replace rewrites the user's cached methods.
	Replace(ctx context.Context, userID string, methods []PaymentMethod) error

	// List returns the user's cached methods.
	List(ctx context.Context, userID string) ([]PaymentMethod, error)

	// SetDefault flags one cached method as default and clears the others.
	SetDefault(ctx context.Context, userID, paymentMethodID string) error

	// Remove drops one cached method.
	Remove(ctx context.Context, userID, paymentMethodID string) error
}
