package patronpay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SubmitCommissionRequest is a customer's commission submission
type SubmitCommissionRequest struct {
	CustomerID       string   `json:"customer_id" validate:"required"`
	CreatorID        string   `json:"creator_id" validate:"required"`
	CommissionTypeID string   `json:"commission_type_id" validate:"required"`
	Description      string   `json:"description" validate:"required,max=5000"`
	ReferenceImages  []string `json:"reference_images" validate:"max=5,dive,required,uri"`
}

// Authorization is the result of AuthorizePayment
type Authorization struct {
	Commission      *CommissionRequest
	PaymentIntentID string
	ClientSecret    string
}

// RevisionResult is the result of RequestRevision. ClientSecret is set for paid revisions.
type RevisionResult struct {
	Revision     *Revision
	ClientSecret string
}

// Commissions drives the commission state machine. Local status only moves on
// processor events (or an operator reconcile); API actions only ask the processor.
type Commissions struct {
	*core
	validate *validator.Validate
}

func newCommissions(c *core) *Commissions {
	return &Commissions{core: c, validate: validator.New()}
}

// Submit creates a pending commission request priced from the creator's commission type.
func (s *Commissions) Submit(ctx context.Context, req SubmitCommissionRequest) (*CommissionRequest, error) {
	req.Description = strings.TrimSpace(req.Description)
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	ct, err := s.storage.GetCommissionType(ctx, req.CommissionTypeID)
	if err != nil {
		return nil, fmt.Errorf("failed to get commission type: %w", err)
	}
	if ct.CreatorID != req.CreatorID {
		return nil, fmt.Errorf("%w: commission type does not belong to creator", ErrValidation)
	}
	if !ct.BasePrice.IsPositive() {
		return nil, fmt.Errorf("%w: commission type has no base price", ErrConfiguration)
	}

	now := s.now()
	c := &CommissionRequest{
		ID:               uuid.NewString(),
		CustomerID:       req.CustomerID,
		CreatorID:        req.CreatorID,
		CommissionTypeID: ct.ID,
		Description:      req.Description,
		ReferenceImages:  append([]string(nil), req.ReferenceImages...),
		AgreedPrice:      ct.BasePrice,
		Currency:         s.config.Currency,
		Status:           CommissionPending,
		MaxRevisions:     ct.MaxRevisions,
		PricePerRevision: ct.PricePerRevision,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.storage.CreateCommission(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to create commission: %w", err)
	}

	s.logger.Info("Commission submitted",
		F("commission_id", c.ID),
		F("creator_id", c.CreatorID),
	)
	return c, nil
}

// Get returns a commission visible to its customer or creator.
func (s *Commissions) Get(ctx context.Context, actorID, id string) (*CommissionRequest, error) {
	c, err := s.storage.GetCommission(ctx, id)
	if err != nil {
		return nil, err
	}
	if actorID != c.CustomerID && actorID != c.CreatorID {
		return nil, ErrForbidden
	}
	return c, nil
}

// AuthorizePayment places a manual-capture hold for the agreed price.
// The status stays pending until the processor confirms the authorization.
func (s *Commissions) AuthorizePayment(ctx context.Context, actorID, id string,
	amount decimal.Decimal) (*Authorization, error) {
	c, err := s.storage.GetCommission(ctx, id)
	if err != nil {
		return nil, err
	}
	if actorID != c.CustomerID {
		return nil, ErrForbidden
	}
	if c.Status != CommissionPending {
		return nil, fmt.Errorf("%w: commission is %s", ErrPaymentSetup, c.Status)
	}
	if !amount.IsPositive() || !amount.Equal(c.AgreedPrice) {
		return nil, fmt.Errorf("%w: amount %s does not match agreed price %s",
			ErrPaymentSetup, amount.String(), c.AgreedPrice.String())
	}

	user, err := s.storage.GetUser(ctx, c.CustomerID)
	if err != nil {
		return nil, fmt.Errorf("failed to get customer: %w", err)
	}
	customerID, err := s.ensureCustomer(ctx, user)
	if err != nil {
		return nil, err
	}

	pi, err := s.processor.Authorize(ctx, AuthorizeRequest{
		Amount:      c.AgreedPrice,
		Currency:    c.Currency,
		CustomerID:  customerID,
		Description: "Commission " + c.ID,
		CaptureMode: CaptureManual,
		Metadata: map[string]string{
			MetaKind:         KindCommission,
			MetaCommissionID: c.ID,
			MetaCreatorID:    c.CreatorID,
		},
		IdempotencyKey: "commission:" + c.ID + ":authorize",
	})
	if err != nil {
		s.logger.Error("Failed to authorize commission payment",
			F("commission_id", c.ID),
			F("error", err),
		)
		return nil, err
	}

	if err := s.storage.SetCommissionPaymentIntent(ctx, c.ID, pi.ID); err != nil {
		return nil, fmt.Errorf("failed to store payment intent: %w", err)
	}
	c.PaymentIntentID = pi.ID

	return &Authorization{
		Commission:      c,
		PaymentIntentID: pi.ID,
		ClientSecret:    pi.ClientSecret,
	}, nil
}

// CreatorDecision captures (accept) or releases (reject) the authorized hold.
// At most one decision call reaches the processor per commission.
func (s *Commissions) CreatorDecision(ctx context.Context, actorID, id string,
	decision Decision) (*CommissionRequest, error) {
	var action PendingAction
	switch decision {
	case DecisionAccept:
		action = ActionCapture
	case DecisionReject:
		action = ActionCancel
	default:
		return nil, fmt.Errorf("%w: unknown decision %q", ErrValidation, decision)
	}

	c, err := s.storage.GetCommission(ctx, id)
	if err != nil {
		return nil, err
	}
	if actorID != c.CreatorID {
		return nil, ErrForbidden
	}

	err = s.runClaimed(ctx, c, CommissionPaymentAuthorized, action, func(ctx context.Context) error {
		key := "commission:" + c.ID + ":" + string(action)
		if action == ActionCapture {
			return s.processor.Capture(ctx, c.PaymentIntentID, key)
		}
		return s.processor.Cancel(ctx, c.PaymentIntentID, key)
	})
	if err != nil {
		return nil, err
	}
	return s.storage.GetCommission(ctx, id)
}

// Refund returns the captured funds of an accepted commission.
// The status moves to refunded when the processor confirms.
func (s *Commissions) Refund(ctx context.Context, actorID, id string) (*CommissionRequest, error) {
	c, err := s.storage.GetCommission(ctx, id)
	if err != nil {
		return nil, err
	}
	if actorID != c.CreatorID {
		return nil, ErrForbidden
	}

	err = s.runClaimed(ctx, c, CommissionAccepted, ActionRefund, func(ctx context.Context) error {
		return s.processor.Refund(ctx, c.PaymentIntentID, "commission:"+c.ID+":refund")
	})
	if err != nil {
		return nil, err
	}
	return s.storage.GetCommission(ctx, id)
}

// runClaimed claims action on c, runs call and releases the claim if call fails.
func (s *Commissions) runClaimed(ctx context.Context, c *CommissionRequest, status CommissionStatus,
	action PendingAction, call func(ctx context.Context) error) error {
	if c.Status != status || c.PendingAction != ActionNone {
		return fmt.Errorf("%w: cannot %s a %s commission", ErrInvalidStateTransition, action, c.Status)
	}
	if err := s.storage.ClaimCommissionAction(ctx, c.ID, status, action); err != nil {
		return err
	}

	if err := call(ctx); err != nil {
		if relErr := s.storage.ReleaseCommissionAction(ctx, c.ID, action); relErr != nil {
			s.logger.Error("Failed to release commission action",
				F("commission_id", c.ID),
				F("action", string(action)),
				F("error", relErr),
			)
		}
		s.logger.Warn("Processor call failed",
			F("commission_id", c.ID),
			F("action", string(action)),
			F("error", err),
		)
		return err
	}

	s.logger.Info("Processor call issued",
		F("commission_id", c.ID),
		F("action", string(action)),
	)
	return nil
}

// RequestRevision records a revision round on an accepted commission. Revisions are free
// until max_revisions is reached; after that each one is charged price_per_revision.
func (s *Commissions) RequestRevision(ctx context.Context, actorID, id, notes string) (*RevisionResult, error) {
	notes = strings.TrimSpace(notes)
	if notes == "" {
		return nil, fmt.Errorf("%w: revision notes are required", ErrValidation)
	}

	c, err := s.storage.GetCommission(ctx, id)
	if err != nil {
		return nil, err
	}
	if actorID != c.CustomerID {
		return nil, ErrForbidden
	}
	if c.Status != CommissionAccepted {
		return nil, fmt.Errorf("%w: revisions need an accepted commission", ErrInvalidStateTransition)
	}

	rev := &Revision{
		ID:           uuid.NewString(),
		CommissionID: c.ID,
		Notes:        notes,
		Fee:          decimal.Zero,
		Status:       RevisionFree,
		CreatedAt:    s.now(),
	}
	err = s.storage.AddFreeRevision(ctx, rev)
	if err == nil {
		return &RevisionResult{Revision: rev}, nil
	}
	if !errors.Is(err, ErrFreeRevisionsExhausted) {
		return nil, fmt.Errorf("failed to add revision: %w", err)
	}

	if !c.PricePerRevision.IsPositive() {
		return nil, fmt.Errorf("%w: free revisions used and no revision price is set", ErrConfiguration)
	}

	rev.Fee = c.PricePerRevision
	rev.Status = RevisionAwaitingPayment
	if err := s.storage.CreateRevision(ctx, rev); err != nil {
		return nil, fmt.Errorf("failed to create revision: %w", err)
	}

	user, err := s.storage.GetUser(ctx, c.CustomerID)
	if err != nil {
		return nil, fmt.Errorf("failed to get customer: %w", err)
	}
	customerID, err := s.ensureCustomer(ctx, user)
	if err != nil {
		return nil, err
	}

	pi, err := s.processor.Authorize(ctx, AuthorizeRequest{
		Amount:      rev.Fee,
		Currency:    c.Currency,
		CustomerID:  customerID,
		Description: fmt.Sprintf("Revision %d of commission %s", rev.Number, c.ID),
		CaptureMode: CaptureAutomatic,
		Metadata: map[string]string{
			MetaKind:         KindRevision,
			MetaCommissionID: c.ID,
			MetaRevisionID:   rev.ID,
		},
		IdempotencyKey: "revision:" + rev.ID + ":authorize",
	})
	if err != nil {
		return nil, err
	}
	if err := s.storage.SetRevisionPaymentIntent(ctx, rev.ID, pi.ID); err != nil {
		return nil, fmt.Errorf("failed to store revision payment intent: %w", err)
	}
	rev.PaymentIntentID = pi.ID

	s.logger.Info("Paid revision requested",
		F("commission_id", c.ID),
		F("revision_id", rev.ID),
		F("fee", rev.Fee.String()),
	)
	return &RevisionResult{Revision: rev, ClientSecret: pi.ClientSecret}, nil
}

// ListRevisions lists a commission's revisions for its customer or creator.
func (s *Commissions) ListRevisions(ctx context.Context, actorID, id string) ([]*Revision, error) {
	if _, err := s.Get(ctx, actorID, id); err != nil {
		return nil, err
	}
	return s.storage.ListRevisions(ctx, id)
}

// Reconcile reads the payment intent back from the processor and applies the status
// it implies, for rows whose confirming event was lost.
func (s *Commissions) Reconcile(ctx context.Context, id string) (*CommissionRequest, error) {
	c, err := s.storage.GetCommission(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.PaymentIntentID == "" || c.Status.IsTerminal() {
		return c, nil
	}

	pi, err := s.processor.GetPaymentIntent(ctx, c.PaymentIntentID)
	if err != nil {
		return nil, err
	}
	to, ok := commissionStatusForIntent(pi)
	if !ok || to == c.Status {
		return c, nil
	}

	from, applied, err := s.storage.AdvanceCommissionStatus(ctx, c.ID, to)
	if err != nil {
		return nil, fmt.Errorf("failed to advance commission: %w", err)
	}
	if applied {
		s.transitioned(c, from, to)
		s.publish(ctx, []Notification{s.statusNotification(c, to)})
	}
	return s.storage.GetCommission(ctx, id)
}

// ReconcileStale reconciles commissions that have not moved for olderThan.
// It returns how many were checked.
func (s *Commissions) ReconcileStale(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	stale, err := s.storage.ListStaleCommissions(ctx, s.now().Add(-olderThan), limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale commissions: %w", err)
	}
	checked := 0
	for _, c := range stale {
		if _, err := s.Reconcile(ctx, c.ID); err != nil {
			s.logger.Warn("Failed to reconcile commission",
				F("commission_id", c.ID),
				F("error", err),
			)
			continue
		}
		checked++
	}
	return checked, nil
}

func (s *Commissions) transitioned(c *CommissionRequest, from, to CommissionStatus) {
	s.metrics.RecordCommissionTransition(string(from), string(to))
	s.logger.Info("Commission status changed",
		F("commission_id", c.ID),
		F("from", string(from)),
		F("to", string(to)),
	)
}

func (s *Commissions) statusNotification(c *CommissionRequest, to CommissionStatus) Notification {
	return Notification{
		Kind:       NotifyCommissionStatusChanged,
		SubjectID:  c.ID,
		UserIDs:    []string{c.CustomerID, c.CreatorID},
		Status:     string(to),
		OccurredAt: s.now(),
	}
}

// applyPaymentIntentEvent handles payment_intent.* for commissions and revision fees.
func (s *Commissions) applyPaymentIntentEvent(ctx context.Context, tx EventTx,
	ev *PaymentIntentEvent) ([]Notification, error) {
	if ev.Metadata[MetaKind] == KindRevision {
		return s.applyRevisionEvent(ctx, tx, ev)
	}

	c, err := tx.CommissionByPaymentIntent(ctx, ev.PaymentIntentID)
	if errors.Is(err, ErrNotFound) {
		c, err = s.attachPaymentIntent(ctx, tx, ev)
	}
	if errors.Is(err, ErrNotFound) {
		// not ours, or a revision fee without metadata
		return s.applyRevisionEvent(ctx, tx, ev)
	}
	if err != nil {
		return nil, err
	}
	return s.advance(ctx, tx, c, ev.EventType())
}

// attachPaymentIntent covers an event that lands before AuthorizePayment stored the intent id.
func (s *Commissions) attachPaymentIntent(ctx context.Context, tx EventTx,
	ev *PaymentIntentEvent) (*CommissionRequest, error) {
	id := ev.Metadata[MetaCommissionID]
	if id == "" {
		return nil, ErrNotFound
	}
	c, err := tx.CommissionByID(ctx, id)
	if err != nil {
		return nil, err
	}
	switch c.PaymentIntentID {
	case ev.PaymentIntentID:
		return c, nil
	case "":
		if err := tx.SetCommissionPaymentIntent(ctx, c.ID, ev.PaymentIntentID); err != nil {
			return nil, err
		}
		c.PaymentIntentID = ev.PaymentIntentID
		return c, nil
	default:
		return nil, ErrNotFound
	}
}

// applyChargeEvent handles charge.captured and charge.refunded.
func (s *Commissions) applyChargeEvent(ctx context.Context, tx EventTx, ev *ChargeEvent) ([]Notification, error) {
	if ev.PaymentIntentID == "" {
		return nil, nil
	}
	c, err := tx.CommissionByPaymentIntent(ctx, ev.PaymentIntentID)
	if errors.Is(err, ErrNotFound) {
		s.logger.Debug("Charge event for unknown payment intent",
			F("event_id", ev.EventID()),
			F("payment_intent_id", ev.PaymentIntentID),
		)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.advance(ctx, tx, c, ev.EventType())
}

func (s *Commissions) advance(ctx context.Context, tx EventTx, c *CommissionRequest,
	eventType string) ([]Notification, error) {
	to, ok := commissionStatusForEvent(eventType)
	if !ok {
		return nil, nil
	}
	from, applied, err := tx.AdvanceCommissionStatus(ctx, c.ID, to)
	if err != nil {
		return nil, err
	}
	if !applied {
		s.logger.Debug("Ignoring out-of-order commission event",
			F("commission_id", c.ID),
			F("status", string(from)),
			F("event_type", eventType),
		)
		return nil, nil
	}
	s.transitioned(c, from, to)
	return []Notification{s.statusNotification(c, to)}, nil
}

func (s *Commissions) applyRevisionEvent(ctx context.Context, tx EventTx,
	ev *PaymentIntentEvent) ([]Notification, error) {
	rev, err := tx.RevisionByPaymentIntent(ctx, ev.PaymentIntentID)
	if errors.Is(err, ErrNotFound) {
		s.logger.Debug("Payment intent event matches no commission or revision",
			F("event_id", ev.EventID()),
			F("payment_intent_id", ev.PaymentIntentID),
		)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var status RevisionStatus
	switch ev.EventType() {
	case EventPaymentIntentSucceeded:
		status = RevisionPaid
	case EventPaymentIntentFailed, EventPaymentIntentCanceled:
		status = RevisionPaymentFailed
	default:
		// revision fees capture automatically; a capturable hold settles nothing
		return nil, nil
	}
	settled, err := tx.SettleRevision(ctx, rev.ID, status)
	if err != nil || !settled {
		return nil, err
	}

	s.logger.Info("Revision payment settled",
		F("revision_id", rev.ID),
		F("commission_id", rev.CommissionID),
		F("status", string(status)),
	)
	if status != RevisionPaid {
		return nil, nil
	}
	return []Notification{{
		Kind:       NotifyRevisionPaid,
		SubjectID:  rev.ID,
		Attributes: map[string]string{MetaCommissionID: rev.CommissionID},
		OccurredAt: s.now(),
	}}, nil
}
