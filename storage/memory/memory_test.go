package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mihaimyh/patronpay/pkg/patronpay"
)

func seedCommission(t *testing.T, storage *Storage, status patronpay.CommissionStatus, pi string) *patronpay.CommissionRequest {
	t.Helper()
	c := &patronpay.CommissionRequest{
		ID:               "c1",
		CustomerID:       "customer1",
		CreatorID:        "creator1",
		CommissionTypeID: "type1",
		AgreedPrice:      decimal.NewFromInt(100),
		Currency:         "usd",
		PaymentIntentID:  pi,
		Status:           status,
		MaxRevisions:     2,
		PricePerRevision: decimal.NewFromInt(20),
		CreatedAt:        time.Now().UTC(),
		UpdatedAt:        time.Now().UTC(),
	}
	if err := storage.CreateCommission(context.Background(), c); err != nil {
		t.Fatalf("CreateCommission failed: %v", err)
	}
	return c
}

func TestStorage_Users(t *testing.T) {
	storage := New()
	ctx := context.Background()

	if _, err := storage.GetUser(ctx, "user1"); !errors.Is(err, patronpay.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	if err := storage.PutUser(ctx, &patronpay.User{ID: "user1", Email: "Fan@Example.com"}); err != nil {
		t.Fatalf("PutUser failed: %v", err)
	}
	if err := storage.SetProcessorCustomerID(ctx, "user1", "cus_1"); err != nil {
		t.Fatalf("SetProcessorCustomerID failed: %v", err)
	}

	u, err := storage.FindUserByEmail(ctx, " fan@example.com ")
	if err != nil {
		t.Fatalf("FindUserByEmail failed: %v", err)
	}
	if u.ID != "user1" {
		t.Errorf("Expected user1, got %s", u.ID)
	}

	u, err = storage.FindUserByProcessorCustomer(ctx, "cus_1")
	if err != nil {
		t.Fatalf("FindUserByProcessorCustomer failed: %v", err)
	}
	if u.ProcessorCustomerID != "cus_1" {
		t.Errorf("Expected cus_1, got %s", u.ProcessorCustomerID)
	}

	if _, err := storage.FindUserByProcessorCustomer(ctx, ""); !errors.Is(err, patronpay.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for empty customer id, got %v", err)
	}
}

func TestStorage_AdvanceCommissionStatus_Monotone(t *testing.T) {
	storage := New()
	ctx := context.Background()
	seedCommission(t, storage, patronpay.CommissionPending, "pi_1")

	steps := []struct {
		to      patronpay.CommissionStatus
		applied bool
		want    patronpay.CommissionStatus
	}{
		{patronpay.CommissionPaymentAuthorized, true, patronpay.CommissionPaymentAuthorized},
		{patronpay.CommissionPaymentAuthorized, false, patronpay.CommissionPaymentAuthorized},
		{patronpay.CommissionAccepted, true, patronpay.CommissionAccepted},
		{patronpay.CommissionRejected, false, patronpay.CommissionAccepted},
		{patronpay.CommissionPending, false, patronpay.CommissionAccepted},
		{patronpay.CommissionRefunded, true, patronpay.CommissionRefunded},
		{patronpay.CommissionAccepted, false, patronpay.CommissionRefunded},
	}

	for _, step := range steps {
		_, applied, err := storage.AdvanceCommissionStatus(ctx, "c1", step.to)
		if err != nil {
			t.Fatalf("AdvanceCommissionStatus(%s) failed: %v", step.to, err)
		}
		if applied != step.applied {
			t.Errorf("AdvanceCommissionStatus(%s): applied = %v, want %v", step.to, applied, step.applied)
		}
		c, _ := storage.GetCommission(ctx, "c1")
		if c.Status != step.want {
			t.Errorf("After %s: status = %s, want %s", step.to, c.Status, step.want)
		}
	}
}

func TestStorage_AdvanceCommissionStatus_RequiresPaymentIntent(t *testing.T) {
	storage := New()
	ctx := context.Background()
	seedCommission(t, storage, patronpay.CommissionPending, "")

	_, applied, err := storage.AdvanceCommissionStatus(ctx, "c1", patronpay.CommissionPaymentAuthorized)
	if err != nil {
		t.Fatalf("AdvanceCommissionStatus failed: %v", err)
	}
	if applied {
		t.Error("Expected no transition without a payment intent")
	}
}

func TestStorage_ClaimCommissionAction(t *testing.T) {
	storage := New()
	ctx := context.Background()
	seedCommission(t, storage, patronpay.CommissionPaymentAuthorized, "pi_1")

	if err := storage.ClaimCommissionAction(ctx, "c1", patronpay.CommissionPaymentAuthorized,
		patronpay.ActionCapture); err != nil {
		t.Fatalf("First claim failed: %v", err)
	}
	err := storage.ClaimCommissionAction(ctx, "c1", patronpay.CommissionPaymentAuthorized, patronpay.ActionCapture)
	if !errors.Is(err, patronpay.ErrInvalidStateTransition) {
		t.Errorf("Expected ErrInvalidStateTransition on second claim, got %v", err)
	}

	if err := storage.ReleaseCommissionAction(ctx, "c1", patronpay.ActionCapture); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if err := storage.ClaimCommissionAction(ctx, "c1", patronpay.CommissionPaymentAuthorized,
		patronpay.ActionCancel); err != nil {
		t.Errorf("Claim after release failed: %v", err)
	}

	// a confirmed transition clears the in-flight action
	if _, _, err := storage.AdvanceCommissionStatus(ctx, "c1", patronpay.CommissionRejected); err != nil {
		t.Fatalf("AdvanceCommissionStatus failed: %v", err)
	}
	c, _ := storage.GetCommission(ctx, "c1")
	if c.PendingAction != patronpay.ActionNone {
		t.Errorf("Expected no pending action, got %q", c.PendingAction)
	}
}

func TestStorage_SetCommissionPaymentIntent_OnlyPending(t *testing.T) {
	storage := New()
	ctx := context.Background()
	seedCommission(t, storage, patronpay.CommissionAccepted, "pi_1")

	err := storage.SetCommissionPaymentIntent(ctx, "c1", "pi_2")
	if !errors.Is(err, patronpay.ErrInvalidStateTransition) {
		t.Errorf("Expected ErrInvalidStateTransition, got %v", err)
	}
}

func TestStorage_AddFreeRevision(t *testing.T) {
	storage := New()
	ctx := context.Background()
	seedCommission(t, storage, patronpay.CommissionAccepted, "pi_1")

	for i := 1; i <= 2; i++ {
		rev := &patronpay.Revision{ID: "", CommissionID: "c1", Status: patronpay.RevisionFree}
		if err := storage.AddFreeRevision(ctx, rev); err != nil {
			t.Fatalf("AddFreeRevision %d failed: %v", i, err)
		}
		if rev.Number != i {
			t.Errorf("Expected revision number %d, got %d", i, rev.Number)
		}
	}

	err := storage.AddFreeRevision(ctx, &patronpay.Revision{CommissionID: "c1"})
	if !errors.Is(err, patronpay.ErrFreeRevisionsExhausted) {
		t.Errorf("Expected ErrFreeRevisionsExhausted, got %v", err)
	}

	c, _ := storage.GetCommission(ctx, "c1")
	if c.RevisionCount != 2 {
		t.Errorf("Expected revision count 2, got %d", c.RevisionCount)
	}

	revs, err := storage.ListRevisions(ctx, "c1")
	if err != nil {
		t.Fatalf("ListRevisions failed: %v", err)
	}
	if len(revs) != 2 {
		t.Errorf("Expected 2 revisions, got %d", len(revs))
	}
}

func TestStorage_WithEventTx(t *testing.T) {
	ctx := context.Background()

	t.Run("duplicate event skips fn", func(t *testing.T) {
		storage := New()
		calls := 0
		fn := func(tx patronpay.EventTx) error {
			calls++
			return nil
		}

		applied, err := storage.WithEventTx(ctx, patronpay.LedgerEntry{EventID: "evt_1"}, fn)
		if err != nil || !applied {
			t.Fatalf("First delivery: applied=%v err=%v", applied, err)
		}
		applied, err = storage.WithEventTx(ctx, patronpay.LedgerEntry{EventID: "evt_1"}, fn)
		if err != nil || applied {
			t.Fatalf("Second delivery: applied=%v err=%v", applied, err)
		}
		if calls != 1 {
			t.Errorf("Expected fn to run once, ran %d times", calls)
		}
		if storage.LedgerSize() != 1 {
			t.Errorf("Expected 1 ledger entry, got %d", storage.LedgerSize())
		}
	})

	t.Run("error rolls back ledger and state", func(t *testing.T) {
		storage := New()
		seedCommission(t, storage, patronpay.CommissionPending, "pi_1")
		boom := errors.New("boom")

		applied, err := storage.WithEventTx(ctx, patronpay.LedgerEntry{EventID: "evt_2"},
			func(tx patronpay.EventTx) error {
				if _, _, err := tx.AdvanceCommissionStatus(ctx, "c1", patronpay.CommissionPaymentAuthorized); err != nil {
					return err
				}
				return boom
			})
		if !errors.Is(err, boom) || applied {
			t.Fatalf("Expected rollback with boom, got applied=%v err=%v", applied, err)
		}

		c, _ := storage.GetCommission(ctx, "c1")
		if c.Status != patronpay.CommissionPending {
			t.Errorf("Expected status rolled back to pending, got %s", c.Status)
		}
		if _, err := storage.GetLedgerEntry(ctx, "evt_2"); !errors.Is(err, patronpay.ErrNotFound) {
			t.Errorf("Expected ledger entry rolled back, got %v", err)
		}

		// the redelivery applies
		applied, err = storage.WithEventTx(ctx, patronpay.LedgerEntry{EventID: "evt_2"},
			func(tx patronpay.EventTx) error { return nil })
		if err != nil || !applied {
			t.Errorf("Redelivery: applied=%v err=%v", applied, err)
		}
	})
}

func TestStorage_SettleRevision(t *testing.T) {
	storage := New()
	ctx := context.Background()
	seedCommission(t, storage, patronpay.CommissionAccepted, "pi_1")

	rev := &patronpay.Revision{ID: "r1", CommissionID: "c1", Status: patronpay.RevisionAwaitingPayment}
	if err := storage.CreateRevision(ctx, rev); err != nil {
		t.Fatalf("CreateRevision failed: %v", err)
	}
	if err := storage.SetRevisionPaymentIntent(ctx, "r1", "pi_rev"); err != nil {
		t.Fatalf("SetRevisionPaymentIntent failed: %v", err)
	}

	for i, event := range []string{"evt_a", "evt_b"} {
		_, err := storage.WithEventTx(ctx, patronpay.LedgerEntry{EventID: event}, func(tx patronpay.EventTx) error {
			r, err := tx.RevisionByPaymentIntent(ctx, "pi_rev")
			if err != nil {
				return err
			}
			settled, err := tx.SettleRevision(ctx, r.ID, patronpay.RevisionPaid)
			if settled != (i == 0) {
				t.Errorf("Delivery %d: settled = %v", i, settled)
			}
			return err
		})
		if err != nil {
			t.Fatalf("WithEventTx failed: %v", err)
		}
	}

	c, _ := storage.GetCommission(ctx, "c1")
	if c.RevisionCount != 1 {
		t.Errorf("Expected revision count 1, got %d", c.RevisionCount)
	}
}

func TestStorage_UpsertSubscription(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	base := func() *patronpay.UserSubscription {
		return &patronpay.UserSubscription{
			UserID:                  "user1",
			CreatorID:               "creator1",
			TierID:                  "tier1",
			ProcessorSubscriptionID: "sub_1",
			Status:                  patronpay.SubscriptionActive,
			CurrentPeriodEnd:        t0.AddDate(0, 1, 0),
			LastEventAt:             t0,
		}
	}

	t.Run("stale event is ignored", func(t *testing.T) {
		storage := New()
		newer := base()
		newer.LastEventAt = t0.Add(time.Minute)
		newer.CancelAtPeriodEnd = true
		if _, _, err := storage.UpsertSubscription(ctx, newer); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}

		older := base()
		saved, applied, err := storage.UpsertSubscription(ctx, older)
		if err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
		if applied {
			t.Error("Expected stale upsert to be skipped")
		}
		if !saved.CancelAtPeriodEnd {
			t.Error("Expected newer state to be kept")
		}
	})

	t.Run("processor cancellation is final", func(t *testing.T) {
		storage := New()
		cancelled := base()
		cancelled.Status = patronpay.SubscriptionCancelled
		if _, _, err := storage.UpsertSubscription(ctx, cancelled); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}

		for _, at := range []time.Time{t0, t0.Add(time.Hour), {}} {
			reopen := base()
			reopen.LastEventAt = at
			saved, applied, err := storage.UpsertSubscription(ctx, reopen)
			if err != nil {
				t.Fatalf("Upsert failed: %v", err)
			}
			if applied || saved.Status != patronpay.SubscriptionCancelled {
				t.Errorf("Expected cancelled row to stay cancelled at %v, got applied=%v status=%s",
					at, applied, saved.Status)
			}
		}
		active, _ := storage.ListActiveSubscriptionsByTier(ctx, "tier1")
		if len(active) != 0 {
			t.Errorf("Expected no active rows, got %d", len(active))
		}
	})

	t.Run("zero LastEventAt always applies and keeps stored time", func(t *testing.T) {
		storage := New()
		if _, _, err := storage.UpsertSubscription(ctx, base()); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
		synced := base()
		synced.LastEventAt = time.Time{}
		synced.CancelAtPeriodEnd = true
		saved, applied, err := storage.UpsertSubscription(ctx, synced)
		if err != nil || !applied {
			t.Fatalf("Upsert: applied=%v err=%v", applied, err)
		}
		if !saved.LastEventAt.Equal(t0) {
			t.Errorf("Expected LastEventAt %v, got %v", t0, saved.LastEventAt)
		}
	})

	t.Run("same processor subscription keeps one row", func(t *testing.T) {
		storage := New()
		for i := 0; i < 3; i++ {
			if _, _, err := storage.UpsertSubscription(ctx, base()); err != nil {
				t.Fatalf("Upsert failed: %v", err)
			}
		}
		subs, _ := storage.ListSubscriptionsByCreator(ctx, "creator1")
		if len(subs) != 1 {
			t.Errorf("Expected 1 row, got %d", len(subs))
		}
	})

	t.Run("newer processor subscription supersedes the active key", func(t *testing.T) {
		storage := New()
		if _, _, err := storage.UpsertSubscription(ctx, base()); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
		second := base()
		second.ProcessorSubscriptionID = "sub_2"
		if _, _, err := storage.UpsertSubscription(ctx, second); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}

		active, _ := storage.ListActiveSubscriptionsByTier(ctx, "tier1")
		if len(active) != 1 || active[0].ProcessorSubscriptionID != "sub_2" {
			t.Errorf("Expected only sub_2 active, got %+v", active)
		}
	})
}

func TestStorage_DeleteTier(t *testing.T) {
	storage := New()
	ctx := context.Background()
	_ = storage.PutTier(ctx, &patronpay.MembershipTier{ID: "tier1", CreatorID: "creator1"})

	sub := &patronpay.UserSubscription{
		UserID:                  "user1", CreatorID: "creator1", TierID: "tier1",
		ProcessorSubscriptionID: "sub_1", Status: patronpay.SubscriptionActive,
	}
	saved, _, _ := storage.UpsertSubscription(ctx, sub)

	if err := storage.DeleteTier(ctx, "tier1"); !errors.Is(err, patronpay.ErrTierHasActiveSubscriptions) {
		t.Errorf("Expected ErrTierHasActiveSubscriptions, got %v", err)
	}

	saved.Status = patronpay.SubscriptionCancelled
	if _, _, err := storage.UpsertSubscription(ctx, saved); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if err := storage.DeleteTier(ctx, "tier1"); err != nil {
		t.Errorf("DeleteTier failed: %v", err)
	}
	if err := storage.DeleteTier(ctx, "tier1"); !errors.Is(err, patronpay.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestStorage_ListTierCreators(t *testing.T) {
	storage := New()
	ctx := context.Background()
	_ = storage.PutTier(ctx, &patronpay.MembershipTier{ID: "tier2", CreatorID: "creator2"})
	_ = storage.PutTier(ctx, &patronpay.MembershipTier{ID: "tier1", CreatorID: "creator1"})
	_ = storage.PutTier(ctx, &patronpay.MembershipTier{ID: "tier3", CreatorID: "creator1"})

	creators, err := storage.ListTierCreators(ctx)
	if err != nil {
		t.Fatalf("ListTierCreators failed: %v", err)
	}
	if len(creators) != 2 || creators[0] != "creator1" || creators[1] != "creator2" {
		t.Errorf("Expected [creator1 creator2], got %v", creators)
	}
}

func TestStorage_ExpireLapsedSubscriptions(t *testing.T) {
	storage := New()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	rows := []*patronpay.UserSubscription{
		{ProcessorSubscriptionID: "lapsed", UserID: "u1", TierID: "t1", Status: patronpay.SubscriptionActive,
			CancelAtPeriodEnd: true, CurrentPeriodEnd: now.Add(-time.Hour)},
		{ProcessorSubscriptionID: "running", UserID: "u2", TierID: "t1", Status: patronpay.SubscriptionActive,
			CancelAtPeriodEnd: true, CurrentPeriodEnd: now.Add(time.Hour)},
		{ProcessorSubscriptionID: "renewing", UserID: "u3", TierID: "t1", Status: patronpay.SubscriptionActive,
			CurrentPeriodEnd: now.Add(-time.Hour)},
	}
	var lapsedID string
	for _, r := range rows {
		saved, _, err := storage.UpsertSubscription(ctx, r)
		if err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
		if r.ProcessorSubscriptionID == "lapsed" {
			lapsedID = saved.ID
		}
	}

	n, err := storage.ExpireLapsedSubscriptions(ctx, now)
	if err != nil {
		t.Fatalf("ExpireLapsedSubscriptions failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 expired row, got %d", n)
	}
	active, _ := storage.ListActiveSubscriptionsByTier(ctx, "t1")
	if len(active) != 2 {
		t.Errorf("Expected 2 active rows, got %d", len(active))
	}
	lapsed, err := storage.GetSubscription(ctx, lapsedID)
	if err != nil || lapsed.Status != patronpay.SubscriptionExpired {
		t.Errorf("Expected lapsed row to be expired, got %+v (%v)", lapsed, err)
	}
}

func TestStorage_RecordMismatch_Dedupes(t *testing.T) {
	storage := New()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := storage.RecordMismatch(ctx, &patronpay.ReconciliationMismatch{
			Kind:                    patronpay.MismatchUnknownCustomer,
			TierID:                  "tier1",
			ProcessorSubscriptionID: "sub_1",
			DetectedAt:              time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("RecordMismatch failed: %v", err)
		}
	}

	ms, err := storage.ListMismatches(ctx, 10)
	if err != nil {
		t.Fatalf("ListMismatches failed: %v", err)
	}
	if len(ms) != 1 {
		t.Errorf("Expected 1 mismatch, got %d", len(ms))
	}
}

func TestStorage_ListStaleCommissions(t *testing.T) {
	storage := New()
	ctx := context.Background()
	seedCommission(t, storage, patronpay.CommissionPending, "pi_1")

	stale, err := storage.ListStaleCommissions(ctx, time.Now().UTC().Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("ListStaleCommissions failed: %v", err)
	}
	if len(stale) != 1 {
		t.Errorf("Expected 1 stale commission, got %d", len(stale))
	}

	stale, _ = storage.ListStaleCommissions(ctx, time.Now().UTC().Add(-time.Hour), 10)
	if len(stale) != 0 {
		t.Errorf("Expected no stale commissions, got %d", len(stale))
	}
}

func TestStorage_Clear(t *testing.T) {
	storage := New()
	ctx := context.Background()
	_ = storage.PutUser(ctx, &patronpay.User{ID: "user1"})

	storage.Clear()

	if _, err := storage.GetUser(ctx, "user1"); !errors.Is(err, patronpay.ErrNotFound) {
		t.Errorf("Expected ErrNotFound after Clear, got %v", err)
	}
}

func TestPaymentMethodCache(t *testing.T) {
	cache := NewPaymentMethodCache()
	ctx := context.Background()

	err := cache.Replace(ctx, "user1", []patronpay.PaymentMethod{
		{PaymentMethodID: "pm_1", Brand: "visa", Last4: "4242", Expiry: "**/**", IsDefault: true},
		{PaymentMethodID: "pm_2", Brand: "mastercard", Last4: "4444", Expiry: "**/**"},
	})
	if err != nil {
		t.Fatalf("Replace failed: %v", err)
	}

	if err := cache.SetDefault(ctx, "user1", "pm_2"); err != nil {
		t.Fatalf("SetDefault failed: %v", err)
	}
	methods, _ := cache.List(ctx, "user1")
	for _, m := range methods {
		if m.IsDefault != (m.PaymentMethodID == "pm_2") {
			t.Errorf("Unexpected default flag on %s: %v", m.PaymentMethodID, m.IsDefault)
		}
	}

	if err := cache.Remove(ctx, "user1", "pm_1"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	methods, _ = cache.List(ctx, "user1")
	if len(methods) != 1 || methods[0].PaymentMethodID != "pm_2" {
		t.Errorf("Expected only pm_2, got %+v", methods)
	}

	methods, _ = cache.List(ctx, "unknown")
	if len(methods) != 0 {
		t.Errorf("Expected empty list, got %d", len(methods))
	}
}
