package patronpay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// CreateSubscriptionRequest asks to subscribe a user to a tier
type CreateSubscriptionRequest struct {
	UserID string
	TierID string

	// IdempotencyKey makes a retried create return the same processor subscription (optional)
	IdempotencyKey string
}

// SubscriptionCheckout is returned by Create. The local row appears when the
// processor's subscription event arrives.
type SubscriptionCheckout struct {
	ProcessorSubscriptionID string
	Status                  SubscriptionStatus
	ClientSecret            string
}

// SyncReport summarizes a SyncTierSubscriptions run
type SyncReport struct {
	CreatorID  string
	Tiers      int
	Seen       int
	Upserted   int
	Mismatches int
	Duration   time.Duration
}

// Subscriptions keeps the local subscription cache consistent with the processor,
// by events and by pull-driven sync.
type Subscriptions struct {
	*core
}

func newSubscriptions(c *core) *Subscriptions {
	return &Subscriptions{core: c}
}

// Create starts a processor subscription for the user on the tier.
func (s *Subscriptions) Create(ctx context.Context, req CreateSubscriptionRequest) (*SubscriptionCheckout, error) {
	if req.UserID == "" || req.TierID == "" {
		return nil, fmt.Errorf("%w: user and tier are required", ErrValidation)
	}
	user, err := s.storage.GetUser(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	tier, err := s.storage.GetTier(ctx, req.TierID)
	if err != nil {
		return nil, fmt.Errorf("failed to get tier: %w", err)
	}
	if tier.ProcessorPriceID == "" {
		return nil, fmt.Errorf("%w: tier %s has no processor price", ErrConfiguration, tier.ID)
	}

	active, err := s.storage.ListActiveSubscriptionsByUser(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	for _, sub := range active {
		if sub.TierID == tier.ID {
			return nil, fmt.Errorf("%w: already subscribed to tier", ErrInvalidStateTransition)
		}
	}

	customerID, err := s.ensureCustomer(ctx, user)
	if err != nil {
		return nil, err
	}

	key := req.IdempotencyKey
	if key == "" {
		key = uuid.NewString()
	}
	ps, err := s.processor.CreateSubscription(ctx, SubscriptionParams{
		CustomerID: customerID,
		PriceID:    tier.ProcessorPriceID,
		Metadata: map[string]string{
			MetaUserID:    user.ID,
			MetaCreatorID: tier.CreatorID,
			MetaTierID:    tier.ID,
		},
		IdempotencyKey: "subscription:" + key,
	})
	if err != nil {
		s.logger.Error("Failed to create subscription",
			F("user_id", user.ID),
			F("tier_id", tier.ID),
			F("error", err),
		)
		return nil, err
	}

	s.logger.Info("Subscription created at processor",
		F("user_id", user.ID),
		F("tier_id", tier.ID),
		F("processor_subscription_id", ps.ID),
	)
	return &SubscriptionCheckout{
		ProcessorSubscriptionID: ps.ID,
		Status:                  MapProcessorSubscriptionStatus(ps.Status),
		ClientSecret:            ps.ClientSecret,
	}, nil
}

// Cancel schedules cancellation at the end of the current period.
// The subscription keeps granting access until then.
func (s *Subscriptions) Cancel(ctx context.Context, actorID, id string) (*UserSubscription, error) {
	sub, err := s.ownedActive(ctx, actorID, id)
	if err != nil {
		return nil, err
	}
	if sub.CancelAtPeriodEnd {
		return sub, nil
	}

	ps, err := s.processor.CancelSubscriptionAtPeriodEnd(ctx, sub.ProcessorSubscriptionID)
	if err != nil {
		return nil, err
	}
	return s.applyConfirmed(ctx, sub, sub.TierID, ps)
}

// ChangeTier moves the subscription to another tier of the same creator in a single
// prorated processor update.
func (s *Subscriptions) ChangeTier(ctx context.Context, actorID, id, newTierID string) (*UserSubscription, error) {
	sub, err := s.ownedActive(ctx, actorID, id)
	if err != nil {
		return nil, err
	}
	tier, err := s.storage.GetTier(ctx, newTierID)
	if err != nil {
		return nil, fmt.Errorf("failed to get tier: %w", err)
	}
	if tier.CreatorID != sub.CreatorID {
		return nil, fmt.Errorf("%w: tier belongs to another creator", ErrValidation)
	}
	if tier.ID == sub.TierID {
		return sub, nil
	}
	if tier.ProcessorPriceID == "" {
		return nil, fmt.Errorf("%w: tier %s has no processor price", ErrConfiguration, tier.ID)
	}

	ps, err := s.processor.ChangeSubscriptionPrice(ctx, sub.ProcessorSubscriptionID, tier.ProcessorPriceID)
	if err != nil {
		return nil, err
	}
	if ps.PriceID != tier.ProcessorPriceID {
		return nil, fmt.Errorf("%w: processor reports price %s after tier change",
			ErrReconciliationMismatch, ps.PriceID)
	}
	return s.applyConfirmed(ctx, sub, tier.ID, ps)
}

func (s *Subscriptions) ownedActive(ctx context.Context, actorID, id string) (*UserSubscription, error) {
	sub, err := s.storage.GetSubscription(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.UserID != actorID {
		return nil, ErrForbidden
	}
	if sub.Status != SubscriptionActive || sub.ProcessorSubscriptionID == "" {
		return nil, fmt.Errorf("%w: subscription is %s", ErrInvalidStateTransition, sub.Status)
	}
	return sub, nil
}

// applyConfirmed writes the processor's confirmed response onto the local row.
func (s *Subscriptions) applyConfirmed(ctx context.Context, sub *UserSubscription, tierID string,
	ps *ProcessorSubscription) (*UserSubscription, error) {
	row := rowFromProcessor(ps, sub.UserID, sub.CreatorID, tierID)
	row.ID = sub.ID
	saved, _, err := s.storage.UpsertSubscription(ctx, row)
	if err != nil {
		return nil, fmt.Errorf("failed to store subscription: %w", err)
	}
	s.publish(ctx, []Notification{s.changedNotification(saved)})
	return saved, nil
}

// rowFromProcessor builds a local row from the processor's view. LastEventAt stays zero.
func rowFromProcessor(ps *ProcessorSubscription, userID, creatorID, tierID string) *UserSubscription {
	return &UserSubscription{
		UserID:                  userID,
		CreatorID:               creatorID,
		TierID:                  tierID,
		ProcessorSubscriptionID: ps.ID,
		ProcessorCustomerID:     ps.CustomerID,
		Status:                  MapProcessorSubscriptionStatus(ps.Status),
		CurrentPeriodStart:      ps.CurrentPeriodStart,
		CurrentPeriodEnd:        ps.CurrentPeriodEnd,
		CancelAtPeriodEnd:       ps.CancelAtPeriodEnd,
	}
}

func (s *Subscriptions) changedNotification(sub *UserSubscription) Notification {
	return Notification{
		Kind:      NotifySubscriptionChanged,
		SubjectID: sub.ID,
		UserIDs:   []string{sub.UserID, sub.CreatorID},
		Status:    string(sub.Status),
		Attributes: map[string]string{
			MetaTierID: sub.TierID,
		},
		OccurredAt: s.now(),
	}
}

// EntitlementChecker answers gated-content access checks. *Subscriptions implements it.
type EntitlementChecker interface {
	IsEntitled(ctx context.Context, userID, creatorID string) (bool, error)
}

var _ EntitlementChecker = (*Subscriptions)(nil)

// IsEntitled reports whether the user currently has access to the creator's gated content.
func (s *Subscriptions) IsEntitled(ctx context.Context, userID, creatorID string) (bool, error) {
	subs, err := s.storage.ListActiveSubscriptionsByUser(ctx, userID)
	if err != nil {
		return false, err
	}
	now := s.now()
	for _, sub := range subs {
		if sub.CreatorID == creatorID && sub.Entitled(now) {
			return true, nil
		}
	}
	return false, nil
}

// ListActiveForUser lists the user's active subscriptions.
func (s *Subscriptions) ListActiveForUser(ctx context.Context, userID string) ([]*UserSubscription, error) {
	return s.storage.ListActiveSubscriptionsByUser(ctx, userID)
}

// ListSubscribers lists every subscription row of the creator. Only the creator may list them.
func (s *Subscriptions) ListSubscribers(ctx context.Context, actorID, creatorID string) ([]*UserSubscription, error) {
	if actorID != creatorID {
		return nil, ErrForbidden
	}
	return s.storage.ListSubscriptionsByCreator(ctx, creatorID)
}

// ListMismatches lists recorded reconciliation mismatches for operators.
func (s *Subscriptions) ListMismatches(ctx context.Context, limit int) ([]*ReconciliationMismatch, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.storage.ListMismatches(ctx, limit)
}

// DeleteTier deletes one of the creator's tiers. Tiers with active subscriptions are kept.
func (s *Subscriptions) DeleteTier(ctx context.Context, actorID, tierID string) error {
	tier, err := s.storage.GetTier(ctx, tierID)
	if err != nil {
		return err
	}
	if tier.CreatorID != actorID {
		return ErrForbidden
	}
	return s.storage.DeleteTier(ctx, tierID)
}

// ExpireLapsed expires active rows whose scheduled cancellation has passed.
// Only a processor event marks a row cancelled.
func (s *Subscriptions) ExpireLapsed(ctx context.Context) (int, error) {
	n, err := s.storage.ExpireLapsedSubscriptions(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("failed to expire lapsed subscriptions: %w", err)
	}
	if n > 0 {
		s.logger.Info("Expired lapsed subscriptions", F("count", n))
	}
	return n, nil
}

// SyncTierSubscriptions pulls the processor's subscriptions for every tier of the creator
// and converges the local rows onto them. Disagreements that cannot be resolved from the
// processor's data are recorded as mismatches.
func (s *Subscriptions) SyncTierSubscriptions(ctx context.Context, creatorID string) (*SyncReport, error) {
	start := time.Now()
	report := &SyncReport{CreatorID: creatorID}

	tiers, err := s.storage.ListTiersByCreator(ctx, creatorID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tiers: %w", err)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.SyncConcurrency)
	for _, tier := range tiers {
		if tier.ProcessorPriceID == "" {
			continue
		}
		g.Go(func() error {
			r, err := s.syncTier(gctx, tier)
			if err != nil {
				return fmt.Errorf("tier %s: %w", tier.ID, err)
			}
			mu.Lock()
			report.Tiers++
			report.Seen += r.Seen
			report.Upserted += r.Upserted
			report.Mismatches += r.Mismatches
			mu.Unlock()
			return nil
		})
	}
	err = g.Wait()
	report.Duration = time.Since(start)

	if err != nil {
		s.metrics.RecordSubscriptionSync("error", report.Duration)
		s.logger.Error("Subscription sync failed",
			F("creator_id", creatorID),
			F("error", err),
		)
		return report, err
	}

	s.metrics.RecordSubscriptionSync("success", report.Duration)
	s.logger.Info("Subscription sync completed",
		F("creator_id", creatorID),
		F("tiers", report.Tiers),
		F("upserted", report.Upserted),
		F("mismatches", report.Mismatches),
	)
	return report, nil
}

// SyncAll runs SyncTierSubscriptions for every creator that owns a tier. A failing creator
// does not stop the others; their errors are joined.
func (s *Subscriptions) SyncAll(ctx context.Context) ([]*SyncReport, error) {
	creators, err := s.storage.ListTierCreators(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list tier creators: %w", err)
	}

	var errs []error
	reports := make([]*SyncReport, 0, len(creators))
	for _, creatorID := range creators {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		report, err := s.SyncTierSubscriptions(ctx, creatorID)
		if err != nil {
			errs = append(errs, fmt.Errorf("creator %s: %w", creatorID, err))
			continue
		}
		reports = append(reports, report)
	}
	return reports, errors.Join(errs...)
}

func (s *Subscriptions) syncTier(ctx context.Context, tier *MembershipTier) (*SyncReport, error) {
	r := &SyncReport{}
	remote, err := s.processor.ListSubscriptionsByPrice(ctx, tier.ProcessorPriceID)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(remote))
	for i := range remote {
		ps := &remote[i]
		if MapProcessorSubscriptionStatus(ps.Status) != SubscriptionActive {
			continue
		}
		seen[ps.ID] = true
		r.Seen++

		if err := s.loadCustomerEmail(ctx, s.storage, ps); err != nil {
			return nil, err
		}
		user, err := s.resolveUser(ctx, s.storage, ps)
		if errors.Is(err, ErrNotFound) {
			if err := s.recordMismatch(ctx, s.storage, MismatchUnknownCustomer, tier, ps.ID,
				"no user matches customer "+ps.CustomerID); err != nil {
				return nil, err
			}
			r.Mismatches++
			continue
		}
		if err != nil {
			return nil, err
		}

		_, applied, err := s.storage.UpsertSubscription(ctx, rowFromProcessor(ps, user.ID, tier.CreatorID, tier.ID))
		if err != nil {
			return nil, fmt.Errorf("failed to store subscription: %w", err)
		}
		if applied {
			r.Upserted++
		}
	}

	local, err := s.storage.ListActiveSubscriptionsByTier(ctx, tier.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list local subscriptions: %w", err)
	}
	for _, sub := range local {
		if seen[sub.ProcessorSubscriptionID] {
			continue
		}
		ref := sub.ProcessorSubscriptionID
		if ref == "" {
			ref = "local:" + sub.ID
		}
		if err := s.recordMismatch(ctx, s.storage, MismatchMissingAtProcessor, tier, ref,
			"active locally for user "+sub.UserID+" but not at processor"); err != nil {
			return nil, err
		}
		r.Mismatches++
	}
	return r, nil
}

type mismatchRecorder interface {
	RecordMismatch(ctx context.Context, m *ReconciliationMismatch) error
}

func (s *Subscriptions) recordMismatch(ctx context.Context, rec mismatchRecorder, kind MismatchKind,
	tier *MembershipTier, processorSubscriptionID, detail string) error {
	m := &ReconciliationMismatch{
		ID:                      uuid.NewString(),
		Kind:                    kind,
		ProcessorSubscriptionID: processorSubscriptionID,
		Detail:                  detail,
		DetectedAt:              s.now(),
	}
	if tier != nil {
		m.CreatorID = tier.CreatorID
		m.TierID = tier.ID
	}
	if err := rec.RecordMismatch(ctx, m); err != nil {
		return fmt.Errorf("failed to record mismatch: %w", err)
	}
	s.metrics.RecordReconciliationMismatch(string(kind))
	s.logger.Warn("Reconciliation mismatch",
		F("kind", string(kind)),
		F("tier_id", m.TierID),
		F("processor_subscription_id", processorSubscriptionID),
	)
	return nil
}

// linkedUser finds the local user behind a processor subscription by metadata,
// then by linked customer id.
func linkedUser(ctx context.Context, users UserReader, ps *ProcessorSubscription) (*User, error) {
	if id := ps.Metadata[MetaUserID]; id != "" {
		user, err := users.GetUser(ctx, id)
		if !errors.Is(err, ErrNotFound) {
			return user, err
		}
	}
	if ps.CustomerID != "" {
		user, err := users.FindUserByProcessorCustomer(ctx, ps.CustomerID)
		if !errors.Is(err, ErrNotFound) {
			return user, err
		}
	}
	return nil, ErrNotFound
}

// resolveUser finds the local user behind a processor subscription: by metadata,
// then by linked customer id, then by customer email. It never calls the processor.
func (s *Subscriptions) resolveUser(ctx context.Context, users UserReader,
	ps *ProcessorSubscription) (*User, error) {
	user, err := linkedUser(ctx, users, ps)
	if !errors.Is(err, ErrNotFound) {
		return user, err
	}
	email := strings.TrimSpace(ps.CustomerEmail)
	if email == "" {
		return nil, ErrNotFound
	}
	return users.FindUserByEmail(ctx, email)
}

// loadCustomerEmail fills ps.CustomerEmail from the processor when the subscription
// carries no email and cannot be linked to a user otherwise.
func (s *Subscriptions) loadCustomerEmail(ctx context.Context, users UserReader,
	ps *ProcessorSubscription) error {
	if ps.CustomerEmail != "" || ps.CustomerID == "" {
		return nil
	}
	if _, err := linkedUser(ctx, users, ps); !errors.Is(err, ErrNotFound) {
		return err
	}
	email, err := s.processor.GetCustomerEmail(ctx, ps.CustomerID)
	if err != nil {
		return err
	}
	ps.CustomerEmail = email
	return nil
}

// prepareEvent does the processor reads a subscription event needs before its
// transaction opens. Events already in the ledger are left alone.
func (s *Subscriptions) prepareEvent(ctx context.Context, ev *SubscriptionEvent) error {
	if _, err := s.storage.GetLedgerEntry(ctx, ev.EventID()); err == nil {
		return nil
	}
	return s.loadCustomerEmail(ctx, s.storage, &ev.Subscription)
}

// applyEvent applies a customer.subscription.* event inside the event transaction.
func (s *Subscriptions) applyEvent(ctx context.Context, tx EventTx, ev *SubscriptionEvent) ([]Notification, error) {
	ps := &ev.Subscription

	tier, err := tx.TierByPrice(ctx, ps.PriceID)
	if errors.Is(err, ErrNotFound) {
		return nil, s.recordMismatch(ctx, tx, MismatchUnknownPrice, nil, ps.ID, "no tier uses price "+ps.PriceID)
	}
	if err != nil {
		return nil, err
	}

	var userID string
	existing, err := tx.SubscriptionByProcessorID(ctx, ps.ID)
	switch {
	case err == nil:
		userID = existing.UserID
	case errors.Is(err, ErrNotFound):
		user, err := s.resolveUser(ctx, tx, ps)
		if errors.Is(err, ErrNotFound) {
			return nil, s.recordMismatch(ctx, tx, MismatchUnknownCustomer, tier, ps.ID,
				"no user matches customer "+ps.CustomerID)
		}
		if err != nil {
			return nil, err
		}
		userID = user.ID
	default:
		return nil, err
	}

	row := rowFromProcessor(ps, userID, tier.CreatorID, tier.ID)
	if ev.EventType() == EventSubscriptionDeleted {
		row.Status = SubscriptionCancelled
	}
	row.LastEventAt = ev.OccurredAt()

	saved, applied, err := tx.UpsertSubscription(ctx, row)
	if err != nil {
		return nil, err
	}
	if !applied {
		s.logger.Debug("Ignoring stale subscription event",
			F("event_id", ev.EventID()),
			F("processor_subscription_id", ps.ID),
		)
		return nil, nil
	}
	return []Notification{s.changedNotification(saved)}, nil
}
