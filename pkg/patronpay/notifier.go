package patronpay

import (
	"context"
	"time"
)

// Notification kinds
const (
	NotifyCommissionStatusChanged = "commission.status_changed"
	NotifySubscriptionChanged     = "subscription.changed"
	NotifyRevisionPaid            = "revision.paid"
	NotifyReconciliationMismatch  = "reconciliation.mismatch"
)

// Notification describes a committed state change for downstream consumers
// (email, in-app messages).
type Notification struct {
	Kind       string            `json:"kind"`
	SubjectID  string            `json:"subject_id"`
	UserIDs    []string          `json:"user_ids,omitempty"`
	Status     string            `json:"status,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// Notifier publishes notifications. Publishing happens after commit and is best-effort:
// a failure is logged and never rolls back state.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NoopNotifier is a no-op implementation of the Notifier interface.
type NoopNotifier struct{}

func (n *NoopNotifier) Notify(_ context.Context, _ Notification) error { return nil }
