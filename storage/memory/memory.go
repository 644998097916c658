// Package memory provides an in-memory implementation of the patronpay.Storage interface.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mihaimyh/patronpay/pkg/patronpay"
)

// Storage implements patronpay.Storage using in-memory maps.
// Event transactions hold the write lock and roll back from a snapshot on error.
type Storage struct {
	mu sync.RWMutex
	st *state
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{st: newState()}
}

var _ patronpay.Storage = (*Storage)(nil)

// PutUser stores a user (useful for testing and seeding)
func (s *Storage) PutUser(_ context.Context, u *patronpay.User) error {
	if u == nil || u.ID == "" {
		return fmt.Errorf("invalid user")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *u
	s.st.users[u.ID] = &cp
	return nil
}

// PutCommissionType stores a commission type (useful for testing and seeding)
func (s *Storage) PutCommissionType(_ context.Context, ct *patronpay.CommissionType) error {
	if ct == nil || ct.ID == "" {
		return fmt.Errorf("invalid commission type")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ct
	s.st.commissionTypes[ct.ID] = &cp
	return nil
}

// PutTier stores a membership tier (useful for testing and seeding)
func (s *Storage) PutTier(_ context.Context, t *patronpay.MembershipTier) error {
	if t == nil || t.ID == "" {
		return fmt.Errorf("invalid tier")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.st.tiers[t.ID] = &cp
	return nil
}

// LedgerSize returns the number of processed events (useful for testing)
func (s *Storage) LedgerSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.st.ledger)
}

// Clear removes all data (useful for testing)
func (s *Storage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st = newState()
}

func (s *Storage) read(fn func(st *state) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(s.st)
}

func (s *Storage) write(fn func(st *state) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.st)
}

// GetUser implements patronpay.Storage
func (s *Storage) GetUser(_ context.Context, userID string) (*patronpay.User, error) {
	var u *patronpay.User
	err := s.read(func(st *state) error {
		var err error
		u, err = st.getUser(userID)
		return err
	})
	return u, err
}

// FindUserByEmail implements patronpay.Storage
func (s *Storage) FindUserByEmail(_ context.Context, email string) (*patronpay.User, error) {
	var u *patronpay.User
	err := s.read(func(st *state) error {
		var err error
		u, err = st.findUserByEmail(email)
		return err
	})
	return u, err
}

// FindUserByProcessorCustomer implements patronpay.Storage
func (s *Storage) FindUserByProcessorCustomer(_ context.Context, customerID string) (*patronpay.User, error) {
	var u *patronpay.User
	err := s.read(func(st *state) error {
		var err error
		u, err = st.findUserByCustomer(customerID)
		return err
	})
	return u, err
}

// SetProcessorCustomerID implements patronpay.Storage
func (s *Storage) SetProcessorCustomerID(_ context.Context, userID, customerID string) error {
	return s.write(func(st *state) error {
		u, ok := st.users[userID]
		if !ok {
			return patronpay.ErrNotFound
		}
		u.ProcessorCustomerID = customerID
		return nil
	})
}

// GetCommissionType implements patronpay.Storage
func (s *Storage) GetCommissionType(_ context.Context, id string) (*patronpay.CommissionType, error) {
	var ct patronpay.CommissionType
	err := s.read(func(st *state) error {
		found, ok := st.commissionTypes[id]
		if !ok {
			return patronpay.ErrNotFound
		}
		ct = *found
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &ct, nil
}

// CreateCommission implements patronpay.Storage
func (s *Storage) CreateCommission(_ context.Context, c *patronpay.CommissionRequest) error {
	if c == nil || c.ID == "" {
		return fmt.Errorf("invalid commission")
	}
	return s.write(func(st *state) error {
		if _, exists := st.commissions[c.ID]; exists {
			return fmt.Errorf("commission %s already exists", c.ID)
		}
		st.commissions[c.ID] = copyCommission(c)
		return nil
	})
}

// GetCommission implements patronpay.Storage
func (s *Storage) GetCommission(_ context.Context, id string) (*patronpay.CommissionRequest, error) {
	var c *patronpay.CommissionRequest
	err := s.read(func(st *state) error {
		var err error
		c, err = st.commissionByID(id)
		return err
	})
	return c, err
}

// SetCommissionPaymentIntent implements patronpay.Storage
func (s *Storage) SetCommissionPaymentIntent(_ context.Context, id, paymentIntentID string) error {
	return s.write(func(st *state) error {
		return st.setCommissionPaymentIntent(id, paymentIntentID)
	})
}

// ClaimCommissionAction implements patronpay.Storage
func (s *Storage) ClaimCommissionAction(_ context.Context, id string, status patronpay.CommissionStatus,
	action patronpay.PendingAction) error {
	return s.write(func(st *state) error {
		c, ok := st.commissions[id]
		if !ok {
			return patronpay.ErrNotFound
		}
		if c.Status != status || c.PendingAction != patronpay.ActionNone {
			return fmt.Errorf("%w: commission %s is %s with action %q in flight",
				patronpay.ErrInvalidStateTransition, id, c.Status, c.PendingAction)
		}
		c.PendingAction = action
		c.UpdatedAt = time.Now().UTC()
		return nil
	})
}

// ReleaseCommissionAction implements patronpay.Storage
func (s *Storage) ReleaseCommissionAction(_ context.Context, id string, action patronpay.PendingAction) error {
	return s.write(func(st *state) error {
		c, ok := st.commissions[id]
		if !ok {
			return patronpay.ErrNotFound
		}
		if c.PendingAction == action {
			c.PendingAction = patronpay.ActionNone
			c.UpdatedAt = time.Now().UTC()
		}
		return nil
	})
}

// AdvanceCommissionStatus implements patronpay.Storage
func (s *Storage) AdvanceCommissionStatus(_ context.Context, id string,
	to patronpay.CommissionStatus) (patronpay.CommissionStatus, bool, error) {
	var (
		from    patronpay.CommissionStatus
		applied bool
	)
	err := s.write(func(st *state) error {
		var err error
		from, applied, err = st.advanceCommission(id, to)
		return err
	})
	return from, applied, err
}

// ListStaleCommissions implements patronpay.Storage
func (s *Storage) ListStaleCommissions(_ context.Context, olderThan time.Time,
	limit int) ([]*patronpay.CommissionRequest, error) {
	var out []*patronpay.CommissionRequest
	err := s.read(func(st *state) error {
		for _, c := range st.commissions {
			if c.PaymentIntentID == "" || !c.UpdatedAt.Before(olderThan) {
				continue
			}
			if c.Status == patronpay.CommissionPending || c.Status == patronpay.CommissionPaymentAuthorized {
				out = append(out, copyCommission(c))
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, err
}

// AddFreeRevision implements patronpay.Storage
func (s *Storage) AddFreeRevision(_ context.Context, rev *patronpay.Revision) error {
	return s.write(func(st *state) error {
		c, ok := st.commissions[rev.CommissionID]
		if !ok {
			return patronpay.ErrNotFound
		}
		if c.RevisionCount >= c.MaxRevisions {
			return patronpay.ErrFreeRevisionsExhausted
		}
		c.RevisionCount++
		c.UpdatedAt = time.Now().UTC()
		st.insertRevision(rev)
		return nil
	})
}

// CreateRevision implements patronpay.Storage
func (s *Storage) CreateRevision(_ context.Context, rev *patronpay.Revision) error {
	return s.write(func(st *state) error {
		if _, ok := st.commissions[rev.CommissionID]; !ok {
			return patronpay.ErrNotFound
		}
		st.insertRevision(rev)
		return nil
	})
}

// SetRevisionPaymentIntent implements patronpay.Storage
func (s *Storage) SetRevisionPaymentIntent(_ context.Context, revisionID, paymentIntentID string) error {
	return s.write(func(st *state) error {
		rev, ok := st.revisions[revisionID]
		if !ok {
			return patronpay.ErrNotFound
		}
		rev.PaymentIntentID = paymentIntentID
		return nil
	})
}

// ListRevisions implements patronpay.Storage
func (s *Storage) ListRevisions(_ context.Context, commissionID string) ([]*patronpay.Revision, error) {
	var out []*patronpay.Revision
	err := s.read(func(st *state) error {
		for _, rev := range st.revisions {
			if rev.CommissionID == commissionID {
				cp := *rev
				out = append(out, &cp)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, err
}

// GetTier implements patronpay.Storage
func (s *Storage) GetTier(_ context.Context, id string) (*patronpay.MembershipTier, error) {
	var t patronpay.MembershipTier
	err := s.read(func(st *state) error {
		found, ok := st.tiers[id]
		if !ok {
			return patronpay.ErrNotFound
		}
		t = *found
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTiersByCreator implements patronpay.Storage
func (s *Storage) ListTiersByCreator(_ context.Context, creatorID string) ([]*patronpay.MembershipTier, error) {
	var out []*patronpay.MembershipTier
	err := s.read(func(st *state) error {
		for _, t := range st.tiers {
			if t.CreatorID == creatorID {
				cp := *t
				out = append(out, &cp)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

// ListTierCreators implements patronpay.Storage
func (s *Storage) ListTierCreators(_ context.Context) ([]string, error) {
	var out []string
	err := s.read(func(st *state) error {
		seen := make(map[string]bool)
		for _, t := range st.tiers {
			if !seen[t.CreatorID] {
				seen[t.CreatorID] = true
				out = append(out, t.CreatorID)
			}
		}
		return nil
	})
	sort.Strings(out)
	return out, err
}

// DeleteTier implements patronpay.Storage
func (s *Storage) DeleteTier(_ context.Context, id string) error {
	return s.write(func(st *state) error {
		if _, ok := st.tiers[id]; !ok {
			return patronpay.ErrNotFound
		}
		for _, sub := range st.subscriptions {
			if sub.TierID == id && sub.Status == patronpay.SubscriptionActive {
				return patronpay.ErrTierHasActiveSubscriptions
			}
		}
		delete(st.tiers, id)
		return nil
	})
}

// GetSubscription implements patronpay.Storage
func (s *Storage) GetSubscription(_ context.Context, id string) (*patronpay.UserSubscription, error) {
	var sub patronpay.UserSubscription
	err := s.read(func(st *state) error {
		found, ok := st.subscriptions[id]
		if !ok {
			return patronpay.ErrNotFound
		}
		sub = *found
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// UpsertSubscription implements patronpay.Storage
func (s *Storage) UpsertSubscription(_ context.Context,
	sub *patronpay.UserSubscription) (*patronpay.UserSubscription, bool, error) {
	var (
		saved   *patronpay.UserSubscription
		applied bool
	)
	err := s.write(func(st *state) error {
		saved, applied = st.upsertSubscription(sub)
		return nil
	})
	return saved, applied, err
}

// ListActiveSubscriptionsByUser implements patronpay.Storage
func (s *Storage) ListActiveSubscriptionsByUser(_ context.Context,
	userID string) ([]*patronpay.UserSubscription, error) {
	return s.listSubscriptions(func(sub *patronpay.UserSubscription) bool {
		return sub.UserID == userID && sub.Status == patronpay.SubscriptionActive
	}), nil
}

// ListSubscriptionsByCreator implements patronpay.Storage
func (s *Storage) ListSubscriptionsByCreator(_ context.Context,
	creatorID string) ([]*patronpay.UserSubscription, error) {
	return s.listSubscriptions(func(sub *patronpay.UserSubscription) bool {
		return sub.CreatorID == creatorID
	}), nil
}

// ListActiveSubscriptionsByTier implements patronpay.Storage
func (s *Storage) ListActiveSubscriptionsByTier(_ context.Context,
	tierID string) ([]*patronpay.UserSubscription, error) {
	return s.listSubscriptions(func(sub *patronpay.UserSubscription) bool {
		return sub.TierID == tierID && sub.Status == patronpay.SubscriptionActive
	}), nil
}

func (s *Storage) listSubscriptions(match func(*patronpay.UserSubscription) bool) []*patronpay.UserSubscription {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []*patronpay.UserSubscription{}
	for _, sub := range s.st.subscriptions {
		if match(sub) {
			cp := *sub
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ExpireLapsedSubscriptions implements patronpay.Storage
func (s *Storage) ExpireLapsedSubscriptions(_ context.Context, now time.Time) (int, error) {
	n := 0
	err := s.write(func(st *state) error {
		for _, sub := range st.subscriptions {
			if sub.Status == patronpay.SubscriptionActive && sub.CancelAtPeriodEnd &&
				!sub.CurrentPeriodEnd.After(now) {
				sub.Status = patronpay.SubscriptionExpired
				sub.UpdatedAt = now
				n++
			}
		}
		return nil
	})
	return n, err
}

// RecordMismatch implements patronpay.Storage
func (s *Storage) RecordMismatch(_ context.Context, m *patronpay.ReconciliationMismatch) error {
	return s.write(func(st *state) error {
		st.recordMismatch(m)
		return nil
	})
}

// ListMismatches implements patronpay.Storage
func (s *Storage) ListMismatches(_ context.Context, limit int) ([]*patronpay.ReconciliationMismatch, error) {
	var out []*patronpay.ReconciliationMismatch
	err := s.read(func(st *state) error {
		for _, m := range st.mismatches {
			cp := *m
			out = append(out, &cp)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.After(out[j].DetectedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, err
}

// WithEventTx implements patronpay.Storage
func (s *Storage) WithEventTx(ctx context.Context, entry patronpay.LedgerEntry,
	fn func(tx patronpay.EventTx) error) (bool, error) {
	if entry.EventID == "" {
		return false, fmt.Errorf("event id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, seen := s.st.ledger[entry.EventID]; seen {
		return false, nil
	}

	snapshot := s.st.clone()
	e := entry
	s.st.ledger[entry.EventID] = &e

	if err := fn(&eventTx{st: s.st}); err != nil {
		s.st = snapshot
		return false, err
	}
	if err := ctx.Err(); err != nil {
		s.st = snapshot
		return false, err
	}
	return true, nil
}

// GetLedgerEntry implements patronpay.Storage
func (s *Storage) GetLedgerEntry(_ context.Context, eventID string) (*patronpay.LedgerEntry, error) {
	var e patronpay.LedgerEntry
	err := s.read(func(st *state) error {
		found, ok := st.ledger[eventID]
		if !ok {
			return patronpay.ErrNotFound
		}
		e = *found
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// eventTx runs against the live state while WithEventTx holds the write lock
type eventTx struct {
	st *state
}

func (tx *eventTx) GetUser(_ context.Context, userID string) (*patronpay.User, error) {
	return tx.st.getUser(userID)
}

func (tx *eventTx) FindUserByEmail(_ context.Context, email string) (*patronpay.User, error) {
	return tx.st.findUserByEmail(email)
}

func (tx *eventTx) FindUserByProcessorCustomer(_ context.Context, customerID string) (*patronpay.User, error) {
	return tx.st.findUserByCustomer(customerID)
}

func (tx *eventTx) CommissionByPaymentIntent(_ context.Context,
	paymentIntentID string) (*patronpay.CommissionRequest, error) {
	for _, c := range tx.st.commissions {
		if paymentIntentID != "" && c.PaymentIntentID == paymentIntentID {
			return copyCommission(c), nil
		}
	}
	return nil, patronpay.ErrNotFound
}

func (tx *eventTx) CommissionByID(_ context.Context, id string) (*patronpay.CommissionRequest, error) {
	return tx.st.commissionByID(id)
}

func (tx *eventTx) SetCommissionPaymentIntent(_ context.Context, id, paymentIntentID string) error {
	return tx.st.setCommissionPaymentIntent(id, paymentIntentID)
}

func (tx *eventTx) AdvanceCommissionStatus(_ context.Context, id string,
	to patronpay.CommissionStatus) (patronpay.CommissionStatus, bool, error) {
	return tx.st.advanceCommission(id, to)
}

func (tx *eventTx) RevisionByPaymentIntent(_ context.Context, paymentIntentID string) (*patronpay.Revision, error) {
	for _, rev := range tx.st.revisions {
		if paymentIntentID != "" && rev.PaymentIntentID == paymentIntentID {
			cp := *rev
			return &cp, nil
		}
	}
	return nil, patronpay.ErrNotFound
}

func (tx *eventTx) SettleRevision(_ context.Context, revisionID string,
	status patronpay.RevisionStatus) (bool, error) {
	rev, ok := tx.st.revisions[revisionID]
	if !ok {
		return false, patronpay.ErrNotFound
	}
	if rev.Status != patronpay.RevisionAwaitingPayment {
		return false, nil
	}
	rev.Status = status
	if status == patronpay.RevisionPaid {
		if c, ok := tx.st.commissions[rev.CommissionID]; ok {
			c.RevisionCount++
			c.UpdatedAt = time.Now().UTC()
		}
	}
	return true, nil
}

func (tx *eventTx) TierByPrice(_ context.Context, priceID string) (*patronpay.MembershipTier, error) {
	for _, t := range tx.st.tiers {
		if priceID != "" && t.ProcessorPriceID == priceID {
			cp := *t
			return &cp, nil
		}
	}
	return nil, patronpay.ErrNotFound
}

func (tx *eventTx) SubscriptionByProcessorID(_ context.Context,
	processorSubscriptionID string) (*patronpay.UserSubscription, error) {
	sub := tx.st.subscriptionByProcessorID(processorSubscriptionID)
	if sub == nil {
		return nil, patronpay.ErrNotFound
	}
	cp := *sub
	return &cp, nil
}

func (tx *eventTx) UpsertSubscription(_ context.Context,
	sub *patronpay.UserSubscription) (*patronpay.UserSubscription, bool, error) {
	saved, applied := tx.st.upsertSubscription(sub)
	return saved, applied, nil
}

func (tx *eventTx) RecordMismatch(_ context.Context, m *patronpay.ReconciliationMismatch) error {
	tx.st.recordMismatch(m)
	return nil
}

// state holds every table. Methods assume the caller holds the appropriate lock.
type state struct {
	users           map[string]*patronpay.User
	commissionTypes map[string]*patronpay.CommissionType
	commissions     map[string]*patronpay.CommissionRequest
	revisions       map[string]*patronpay.Revision
	tiers           map[string]*patronpay.MembershipTier
	subscriptions   map[string]*patronpay.UserSubscription
	mismatches      map[string]*patronpay.ReconciliationMismatch
	ledger          map[string]*patronpay.LedgerEntry
}

func newState() *state {
	return &state{
		users:           make(map[string]*patronpay.User),
		commissionTypes: make(map[string]*patronpay.CommissionType),
		commissions:     make(map[string]*patronpay.CommissionRequest),
		revisions:       make(map[string]*patronpay.Revision),
		tiers:           make(map[string]*patronpay.MembershipTier),
		subscriptions:   make(map[string]*patronpay.UserSubscription),
		mismatches:      make(map[string]*patronpay.ReconciliationMismatch),
		ledger:          make(map[string]*patronpay.LedgerEntry),
	}
}

func cloneMap[T any](m map[string]*T) map[string]*T {
	out := make(map[string]*T, len(m))
	for k, v := range m {
		cp := *v
		out[k] = &cp
	}
	return out
}

func (st *state) clone() *state {
	out := &state{
		users:           cloneMap(st.users),
		commissionTypes: cloneMap(st.commissionTypes),
		commissions:     make(map[string]*patronpay.CommissionRequest, len(st.commissions)),
		revisions:       cloneMap(st.revisions),
		tiers:           cloneMap(st.tiers),
		subscriptions:   cloneMap(st.subscriptions),
		mismatches:      cloneMap(st.mismatches),
		ledger:          cloneMap(st.ledger),
	}
	for k, c := range st.commissions {
		out.commissions[k] = copyCommission(c)
	}
	return out
}

func copyCommission(c *patronpay.CommissionRequest) *patronpay.CommissionRequest {
	cp := *c
	cp.ReferenceImages = append([]string(nil), c.ReferenceImages...)
	return &cp
}

func (st *state) getUser(userID string) (*patronpay.User, error) {
	u, ok := st.users[userID]
	if !ok {
		return nil, patronpay.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (st *state) findUserByEmail(email string) (*patronpay.User, error) {
	email = strings.TrimSpace(email)
	for _, u := range st.users {
		if email != "" && strings.EqualFold(u.Email, email) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, patronpay.ErrNotFound
}

func (st *state) findUserByCustomer(customerID string) (*patronpay.User, error) {
	for _, u := range st.users {
		if customerID != "" && u.ProcessorCustomerID == customerID {
			cp := *u
			return &cp, nil
		}
	}
	return nil, patronpay.ErrNotFound
}

func (st *state) commissionByID(id string) (*patronpay.CommissionRequest, error) {
	c, ok := st.commissions[id]
	if !ok {
		return nil, patronpay.ErrNotFound
	}
	return copyCommission(c), nil
}

func (st *state) setCommissionPaymentIntent(id, paymentIntentID string) error {
	c, ok := st.commissions[id]
	if !ok {
		return patronpay.ErrNotFound
	}
	if c.Status != patronpay.CommissionPending {
		return fmt.Errorf("%w: commission %s is %s", patronpay.ErrInvalidStateTransition, id, c.Status)
	}
	c.PaymentIntentID = paymentIntentID
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (st *state) advanceCommission(id string,
	to patronpay.CommissionStatus) (patronpay.CommissionStatus, bool, error) {
	c, ok := st.commissions[id]
	if !ok {
		return "", false, patronpay.ErrNotFound
	}
	from := c.Status
	if c.PaymentIntentID == "" || !from.CanTransitionTo(to) {
		return from, false, nil
	}
	c.Status = to
	c.PendingAction = patronpay.ActionNone
	c.UpdatedAt = time.Now().UTC()
	return from, true, nil
}

func (st *state) insertRevision(rev *patronpay.Revision) {
	n := 0
	for _, r := range st.revisions {
		if r.CommissionID == rev.CommissionID {
			n++
		}
	}
	rev.Number = n + 1
	if rev.ID == "" {
		rev.ID = uuid.NewString()
	}
	cp := *rev
	st.revisions[rev.ID] = &cp
}

func (st *state) subscriptionByProcessorID(id string) *patronpay.UserSubscription {
	if id == "" {
		return nil
	}
	for _, sub := range st.subscriptions {
		if sub.ProcessorSubscriptionID == id {
			return sub
		}
	}
	return nil
}

func (st *state) activeByKey(userID, creatorID, tierID string) *patronpay.UserSubscription {
	for _, sub := range st.subscriptions {
		if sub.Status == patronpay.SubscriptionActive && sub.UserID == userID &&
			sub.CreatorID == creatorID && sub.TierID == tierID {
			return sub
		}
	}
	return nil
}

func (st *state) upsertSubscription(sub *patronpay.UserSubscription) (*patronpay.UserSubscription, bool) {
	now := time.Now().UTC()

	existing := st.subscriptionByProcessorID(sub.ProcessorSubscriptionID)
	if existing == nil {
		if row := st.activeByKey(sub.UserID, sub.CreatorID, sub.TierID); row != nil &&
			(row.ProcessorSubscriptionID == "" || sub.ProcessorSubscriptionID == "") {
			existing = row
		}
	}

	if existing != nil {
		if !existing.AcceptsUpdate(sub) {
			cp := *existing
			return &cp, false
		}
		lastEventAt := existing.LastEventAt
		if sub.LastEventAt.After(lastEventAt) {
			lastEventAt = sub.LastEventAt
		}
		id, createdAt := existing.ID, existing.CreatedAt
		processorID := existing.ProcessorSubscriptionID
		*existing = *sub
		existing.ID = id
		existing.CreatedAt = createdAt
		existing.LastEventAt = lastEventAt
		existing.UpdatedAt = now
		if existing.ProcessorSubscriptionID == "" {
			existing.ProcessorSubscriptionID = processorID
		}
		st.supersede(existing)
		cp := *existing
		return &cp, true
	}

	row := *sub
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	row.CreatedAt = now
	row.UpdatedAt = now
	st.subscriptions[row.ID] = &row
	st.supersede(&row)
	cp := row
	return &cp, true
}

// supersede expires any other active row holding the same (user, creator, tier) key.
func (st *state) supersede(winner *patronpay.UserSubscription) {
	if winner.Status != patronpay.SubscriptionActive {
		return
	}
	for _, sub := range st.subscriptions {
		if sub.ID != winner.ID && sub.Status == patronpay.SubscriptionActive &&
			sub.UserID == winner.UserID && sub.CreatorID == winner.CreatorID && sub.TierID == winner.TierID {
			sub.Status = patronpay.SubscriptionExpired
			sub.UpdatedAt = winner.UpdatedAt
		}
	}
}

func mismatchKey(m *patronpay.ReconciliationMismatch) string {
	return string(m.Kind) + "|" + m.TierID + "|" + m.ProcessorSubscriptionID
}

func (st *state) recordMismatch(m *patronpay.ReconciliationMismatch) {
	key := mismatchKey(m)
	if existing, ok := st.mismatches[key]; ok {
		existing.Detail = m.Detail
		existing.DetectedAt = m.DetectedAt
		return
	}
	cp := *m
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	st.mismatches[key] = &cp
}
