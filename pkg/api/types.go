package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/mihaimyh/patronpay/pkg/patronpay"
)

// SubmitCommissionBody is the body of POST /commissions. The customer is the caller.
type SubmitCommissionBody struct {
	CreatorID        string   `json:"creator_id" validate:"required"`
	CommissionTypeID string   `json:"commission_type_id" validate:"required"`
	Description      string   `json:"description" validate:"required,max=5000"`
	ReferenceImages  []string `json:"reference_images" validate:"max=5,dive,required,uri"`
}

// AuthorizeBody is the body of POST /commissions/{id}/authorize
type AuthorizeBody struct {
	Amount decimal.Decimal `json:"amount"`
}

// DecisionBody is the body of POST /commissions/{id}/decision
type DecisionBody struct {
	Decision string `json:"decision" validate:"required,oneof=accept reject"`
}

// RevisionBody is the body of POST /commissions/{id}/revisions
type RevisionBody struct {
	Notes string `json:"notes" validate:"max=5000"`
}

// CreateSubscriptionBody is the body of POST /subscriptions
type CreateSubscriptionBody struct {
	TierID         string `json:"tier_id" validate:"required"`
	IdempotencyKey string `json:"idempotency_key" validate:"max=255"`
}

// ChangeTierBody is the body of POST /subscriptions/{id}/tier
type ChangeTierBody struct {
	TierID string `json:"tier_id" validate:"required"`
}

// ErrorResponse is the body of every error answer
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WebhookResponse acknowledges a webhook delivery
type WebhookResponse struct {
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	Outcome   string `json:"outcome"`
}

// CommissionResponse is a commission as seen by its customer or creator.
// PendingAction is set while a creator or refund call awaits its confirming event.
type CommissionResponse struct {
	ID               string          `json:"id"`
	CustomerID       string          `json:"customer_id"`
	CreatorID        string          `json:"creator_id"`
	CommissionTypeID string          `json:"commission_type_id"`
	Description      string          `json:"description"`
	ReferenceImages  []string        `json:"reference_images"`
	AgreedPrice      decimal.Decimal `json:"agreed_price"`
	Currency         string          `json:"currency"`
	Status           string          `json:"status"`
	PendingAction    string          `json:"pending_action,omitempty"`
	RevisionCount    int             `json:"revision_count"`
	MaxRevisions     int             `json:"max_revisions"`
	PricePerRevision decimal.Decimal `json:"price_per_revision"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// AuthorizationResponse carries the client secret the customer confirms the payment with
type AuthorizationResponse struct {
	Commission      CommissionResponse `json:"commission"`
	PaymentIntentID string             `json:"payment_intent_id"`
	ClientSecret    string             `json:"client_secret"`
}

// RevisionResponse is a single revision round
type RevisionResponse struct {
	ID           string          `json:"id"`
	CommissionID string          `json:"commission_id"`
	Number       int             `json:"number"`
	Notes        string          `json:"notes"`
	Fee          decimal.Decimal `json:"fee"`
	Status       string          `json:"status"`
	ClientSecret string          `json:"client_secret,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// SubscriptionResponse is a local subscription row
type SubscriptionResponse struct {
	ID                      string    `json:"id"`
	UserID                  string    `json:"user_id"`
	CreatorID               string    `json:"creator_id"`
	TierID                  string    `json:"tier_id"`
	ProcessorSubscriptionID string    `json:"processor_subscription_id"`
	Status                  string    `json:"status"`
	CurrentPeriodStart      time.Time `json:"current_period_start"`
	CurrentPeriodEnd        time.Time `json:"current_period_end"`
	CancelAtPeriodEnd       bool      `json:"cancel_at_period_end"`
}

// CheckoutResponse is returned when a subscription is started
type CheckoutResponse struct {
	ProcessorSubscriptionID string `json:"processor_subscription_id"`
	Status                  string `json:"status"`
	ClientSecret            string `json:"client_secret,omitempty"`
}

// EntitlementResponse answers whether the caller may see a creator's gated content
type EntitlementResponse struct {
	UserID    string `json:"user_id"`
	CreatorID string `json:"creator_id"`
	Entitled  bool   `json:"entitled"`
}

// SyncResponse summarizes a subscription sync
type SyncResponse struct {
	CreatorID  string `json:"creator_id"`
	Tiers      int    `json:"tiers"`
	Seen       int    `json:"seen"`
	Upserted   int    `json:"upserted"`
	Mismatches int    `json:"mismatches"`
	DurationMS int64  `json:"duration_ms"`
}

// MismatchResponse is a reconciliation mismatch awaiting operator review
type MismatchResponse struct {
	ID                      string    `json:"id"`
	Kind                    string    `json:"kind"`
	CreatorID               string    `json:"creator_id,omitempty"`
	TierID                  string    `json:"tier_id,omitempty"`
	ProcessorSubscriptionID string    `json:"processor_subscription_id,omitempty"`
	Detail                  string    `json:"detail"`
	DetectedAt              time.Time `json:"detected_at"`
}

// PaymentMethodsResponse lists masked payment methods
type PaymentMethodsResponse struct {
	PaymentMethods []patronpay.PaymentMethod `json:"payment_methods"`
	// Stale marks a cached projection served while the processor is unavailable
	Stale bool `json:"stale,omitempty"`
}

func toCommissionResponse(c *patronpay.CommissionRequest) CommissionResponse {
	images := c.ReferenceImages
	if images == nil {
		images = []string{}
	}
	return CommissionResponse{
		ID:               c.ID,
		CustomerID:       c.CustomerID,
		CreatorID:        c.CreatorID,
		CommissionTypeID: c.CommissionTypeID,
		Description:      c.Description,
		ReferenceImages:  images,
		AgreedPrice:      c.AgreedPrice,
		Currency:         c.Currency,
		Status:           string(c.Status),
		PendingAction:    string(c.PendingAction),
		RevisionCount:    c.RevisionCount,
		MaxRevisions:     c.MaxRevisions,
		PricePerRevision: c.PricePerRevision,
		CreatedAt:        c.CreatedAt,
		UpdatedAt:        c.UpdatedAt,
	}
}

func toRevisionResponse(r *patronpay.Revision, clientSecret string) RevisionResponse {
	return RevisionResponse{
		ID:           r.ID,
		CommissionID: r.CommissionID,
		Number:       r.Number,
		Notes:        r.Notes,
		Fee:          r.Fee,
		Status:       string(r.Status),
		ClientSecret: clientSecret,
		CreatedAt:    r.CreatedAt,
	}
}

func toSubscriptionResponse(s *patronpay.UserSubscription) SubscriptionResponse {
	return SubscriptionResponse{
		ID:                      s.ID,
		UserID:                  s.UserID,
		CreatorID:               s.CreatorID,
		TierID:                  s.TierID,
		ProcessorSubscriptionID: s.ProcessorSubscriptionID,
		Status:                  string(s.Status),
		CurrentPeriodStart:      s.CurrentPeriodStart,
		CurrentPeriodEnd:        s.CurrentPeriodEnd,
		CancelAtPeriodEnd:       s.CancelAtPeriodEnd,
	}
}

func toSubscriptionResponses(subs []*patronpay.UserSubscription) []SubscriptionResponse {
	out := make([]SubscriptionResponse, 0, len(subs))
	for _, s := range subs {
		out = append(out, toSubscriptionResponse(s))
	}
	return out
}

func toMismatchResponse(m *patronpay.ReconciliationMismatch) MismatchResponse {
	return MismatchResponse{
		ID:                      m.ID,
		Kind:                    string(m.Kind),
		CreatorID:               m.CreatorID,
		TierID:                  m.TierID,
		ProcessorSubscriptionID: m.ProcessorSubscriptionID,
		Detail:                  m.Detail,
		DetectedAt:              m.DetectedAt,
	}
}
