package patronpay_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/patronpay/pkg/patronpay"
)

func TestCommissions_Submit(t *testing.T) {
	tooMany := make([]string, patronpay.MaxReferenceImages+1)
	for i := range tooMany {
		tooMany[i] = fmt.Sprintf("https://example.com/%d.png", i)
	}

	tests := []struct {
		name    string
		req     patronpay.SubmitCommissionRequest
		wantErr error
	}{
		{
			name: "valid",
			req: patronpay.SubmitCommissionRequest{
				CustomerID:  "customer1", CreatorID: "creator1", CommissionTypeID: "type1",
				Description: "A dragon", ReferenceImages: []string{"https://example.com/a.png"},
			},
		},
		{
			name: "blank description",
			req: patronpay.SubmitCommissionRequest{
				CustomerID:  "customer1", CreatorID: "creator1", CommissionTypeID: "type1",
				Description: "   ",
			},
			wantErr: patronpay.ErrValidation,
		},
		{
			name: "too many reference images",
			req: patronpay.SubmitCommissionRequest{
				CustomerID:  "customer1", CreatorID: "creator1", CommissionTypeID: "type1",
				Description: "A dragon", ReferenceImages: tooMany,
			},
			wantErr: patronpay.ErrValidation,
		},
		{
			name: "reference image is not a uri",
			req: patronpay.SubmitCommissionRequest{
				CustomerID:  "customer1", CreatorID: "creator1", CommissionTypeID: "type1",
				Description: "A dragon", ReferenceImages: []string{"not a uri"},
			},
			wantErr: patronpay.ErrValidation,
		},
		{
			name: "type of another creator",
			req: patronpay.SubmitCommissionRequest{
				CustomerID:  "customer1", CreatorID: "creator2", CommissionTypeID: "type1",
				Description: "A dragon",
			},
			wantErr: patronpay.ErrValidation,
		},
		{
			name: "unknown type",
			req: patronpay.SubmitCommissionRequest{
				CustomerID:  "customer1", CreatorID: "creator1", CommissionTypeID: "nope",
				Description: "A dragon",
			},
			wantErr: patronpay.ErrNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			c, err := f.engine.Commissions.Submit(context.Background(), tt.req)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, patronpay.CommissionPending, c.Status)
			assert.True(t, c.AgreedPrice.Equal(decimal.NewFromInt(100)))
			assert.Equal(t, 2, c.MaxRevisions)
			assert.Empty(t, c.PaymentIntentID)
			assert.Equal(t, 0, f.proc.CallCount("authorize"))
		})
	}
}

func TestCommissions_AuthorizePayment(t *testing.T) {
	ctx := context.Background()

	t.Run("amount must match agreed price", func(t *testing.T) {
		f := newFixture(t)
		c := f.submit(t, "type1")

		for _, amount := range []decimal.Decimal{decimal.Zero, decimal.NewFromInt(-1), decimal.NewFromInt(99)} {
			_, err := f.engine.Commissions.AuthorizePayment(ctx, "customer1", c.ID, amount)
			assert.ErrorIs(t, err, patronpay.ErrPaymentSetup)
		}
		assert.Equal(t, 0, f.proc.CallCount("authorize"))
	})

	t.Run("only the customer may pay", func(t *testing.T) {
		f := newFixture(t)
		c := f.submit(t, "type1")
		_, err := f.engine.Commissions.AuthorizePayment(ctx, "creator1", c.ID, c.AgreedPrice)
		assert.ErrorIs(t, err, patronpay.ErrForbidden)
	})

	t.Run("stores the payment intent and stays pending", func(t *testing.T) {
		f := newFixture(t)
		c := f.submit(t, "type1")

		auth, err := f.engine.Commissions.AuthorizePayment(ctx, "customer1", c.ID, decimal.RequireFromString("100.00"))
		require.NoError(t, err)
		assert.NotEmpty(t, auth.ClientSecret)

		stored := f.get(t, c.ID)
		assert.Equal(t, patronpay.CommissionPending, stored.Status)
		assert.Equal(t, auth.PaymentIntentID, stored.PaymentIntentID)

		user, _ := f.store.GetUser(ctx, "customer1")
		assert.Equal(t, "cus_customer1", user.ProcessorCustomerID)

		// a retry after a timeout reuses the same intent
		again, err := f.engine.Commissions.AuthorizePayment(ctx, "customer1", c.ID, c.AgreedPrice)
		require.NoError(t, err)
		assert.Equal(t, auth.PaymentIntentID, again.PaymentIntentID)
	})

	t.Run("processor outage surfaces as retryable", func(t *testing.T) {
		f := newFixture(t)
		c := f.submit(t, "type1")
		f.proc.FailWith("authorize", patronpay.ErrProcessorUnavailable)

		_, err := f.engine.Commissions.AuthorizePayment(ctx, "customer1", c.ID, c.AgreedPrice)
		assert.ErrorIs(t, err, patronpay.ErrProcessorUnavailable)
		assert.True(t, patronpay.IsRetryable(err))
		assert.Empty(t, f.get(t, c.ID).PaymentIntentID)
	})
}

func TestCommissions_CreatorDecision_NoDoubleCapture(t *testing.T) {
	f := newFixture(t)
	c := f.authorizedCommission(t)
	require.Equal(t, patronpay.CommissionPaymentAuthorized, c.Status)

	const callers = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Commissions.CreatorDecision(context.Background(), "creator1", c.ID,
				patronpay.DecisionAccept)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, patronpay.ErrInvalidStateTransition):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, callers-1, conflicts)
	assert.Equal(t, 1, f.proc.CallCount("capture"))

	// status only moves with the processor's confirmation
	stored := f.get(t, c.ID)
	assert.Equal(t, patronpay.CommissionPaymentAuthorized, stored.Status)
	assert.Equal(t, patronpay.ActionCapture, stored.PendingAction)

	f.apply(t, chargeEvent("evt_cap", patronpay.EventChargeCaptured, c.PaymentIntentID))
	stored = f.get(t, c.ID)
	assert.Equal(t, patronpay.CommissionAccepted, stored.Status)
	assert.Equal(t, patronpay.ActionNone, stored.PendingAction)
}

func TestCommissions_CreatorDecision(t *testing.T) {
	ctx := context.Background()

	t.Run("only the creator decides", func(t *testing.T) {
		f := newFixture(t)
		c := f.authorizedCommission(t)
		_, err := f.engine.Commissions.CreatorDecision(ctx, "customer1", c.ID, patronpay.DecisionAccept)
		assert.ErrorIs(t, err, patronpay.ErrForbidden)
	})

	t.Run("pending commission cannot be decided", func(t *testing.T) {
		f := newFixture(t)
		c := f.submit(t, "type1")
		_, err := f.engine.Commissions.CreatorDecision(ctx, "creator1", c.ID, patronpay.DecisionAccept)
		assert.ErrorIs(t, err, patronpay.ErrInvalidStateTransition)
		assert.Equal(t, 0, f.proc.CallCount("capture"))
	})

	t.Run("unknown decision", func(t *testing.T) {
		f := newFixture(t)
		c := f.authorizedCommission(t)
		_, err := f.engine.Commissions.CreatorDecision(ctx, "creator1", c.ID, patronpay.Decision("maybe"))
		assert.ErrorIs(t, err, patronpay.ErrValidation)
	})

	t.Run("reject cancels the hold", func(t *testing.T) {
		f := newFixture(t)
		c := f.authorizedCommission(t)
		_, err := f.engine.Commissions.CreatorDecision(ctx, "creator1", c.ID, patronpay.DecisionReject)
		require.NoError(t, err)
		assert.Equal(t, 1, f.proc.CallCount("cancel"))

		f.apply(t, piEvent("evt_cancel", patronpay.EventPaymentIntentCanceled, c.PaymentIntentID, c.ID))
		assert.Equal(t, patronpay.CommissionRejected, f.get(t, c.ID).Status)
	})

	t.Run("failed capture releases the claim", func(t *testing.T) {
		f := newFixture(t)
		c := f.authorizedCommission(t)
		f.proc.FailWith("capture", fmt.Errorf("%w: timeout", patronpay.ErrProcessorUnavailable))

		_, err := f.engine.Commissions.CreatorDecision(ctx, "creator1", c.ID, patronpay.DecisionAccept)
		assert.ErrorIs(t, err, patronpay.ErrProcessorUnavailable)
		assert.Equal(t, patronpay.ActionNone, f.get(t, c.ID).PendingAction)

		f.proc.FailWith("capture", nil)
		_, err = f.engine.Commissions.CreatorDecision(ctx, "creator1", c.ID, patronpay.DecisionAccept)
		assert.NoError(t, err)
		assert.Equal(t, 2, f.proc.CallCount("capture"))
	})
}

func TestCommissions_RequestRevision_FeeScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.acceptedCommission(t)
	require.Equal(t, patronpay.CommissionAccepted, c.Status)

	for i := 1; i <= 2; i++ {
		res, err := f.engine.Commissions.RequestRevision(ctx, "customer1", c.ID, fmt.Sprintf("change %d", i))
		require.NoError(t, err)
		assert.Equal(t, patronpay.RevisionFree, res.Revision.Status)
		assert.True(t, res.Revision.Fee.IsZero())
		assert.Empty(t, res.ClientSecret)
	}
	assert.Equal(t, 2, f.get(t, c.ID).RevisionCount)

	res, err := f.engine.Commissions.RequestRevision(ctx, "customer1", c.ID, "one more change")
	require.NoError(t, err)
	assert.Equal(t, patronpay.RevisionAwaitingPayment, res.Revision.Status)
	assert.True(t, res.Revision.Fee.Equal(decimal.NewFromInt(20)))
	assert.NotEmpty(t, res.ClientSecret)
	assert.Equal(t, 3, res.Revision.Number)

	// the counter waits for the fee payment
	assert.Equal(t, 2, f.get(t, c.ID).RevisionCount)

	// a capturable hold is not a settlement
	f.apply(t, revisionEvent("evt_rev_hold", patronpay.EventPaymentIntentCapturable, res.Revision.PaymentIntentID))
	assert.Equal(t, 2, f.get(t, c.ID).RevisionCount)

	f.apply(t, revisionEvent("evt_rev_paid", patronpay.EventPaymentIntentSucceeded, res.Revision.PaymentIntentID))
	f.apply(t, revisionEvent("evt_rev_paid_again", patronpay.EventPaymentIntentSucceeded, res.Revision.PaymentIntentID))

	stored := f.get(t, c.ID)
	assert.Equal(t, 3, stored.RevisionCount)
	assert.Equal(t, patronpay.CommissionAccepted, stored.Status)

	revs, err := f.engine.Commissions.ListRevisions(ctx, "creator1", c.ID)
	require.NoError(t, err)
	require.Len(t, revs, 3)
	assert.Equal(t, patronpay.RevisionPaid, revs[2].Status)
	assert.Contains(t, f.notifier.kinds(), patronpay.NotifyRevisionPaid)
}

func TestCommissions_RequestRevision(t *testing.T) {
	ctx := context.Background()

	t.Run("no revision price is a configuration error", func(t *testing.T) {
		f := newFixture(t)
		c := f.submit(t, "type-free")
		auth, err := f.engine.Commissions.AuthorizePayment(ctx, "customer1", c.ID, c.AgreedPrice)
		require.NoError(t, err)
		f.apply(t, chargeEvent("evt_cap", patronpay.EventChargeCaptured, auth.PaymentIntentID))

		_, err = f.engine.Commissions.RequestRevision(ctx, "customer1", c.ID, "first")
		require.NoError(t, err)
		_, err = f.engine.Commissions.RequestRevision(ctx, "customer1", c.ID, "second")
		assert.ErrorIs(t, err, patronpay.ErrConfiguration)
		assert.Equal(t, patronpay.CodeConfigurationError, patronpay.CodeOf(err))
	})

	t.Run("failed fee payment leaves the counter", func(t *testing.T) {
		f := newFixture(t)
		c := f.acceptedCommission(t)
		for i := 0; i < 2; i++ {
			_, err := f.engine.Commissions.RequestRevision(ctx, "customer1", c.ID, "free")
			require.NoError(t, err)
		}
		res, err := f.engine.Commissions.RequestRevision(ctx, "customer1", c.ID, "paid")
		require.NoError(t, err)

		f.apply(t, revisionEvent("evt_rev_fail", patronpay.EventPaymentIntentFailed, res.Revision.PaymentIntentID))
		assert.Equal(t, 2, f.get(t, c.ID).RevisionCount)
	})

	t.Run("requires an accepted commission", func(t *testing.T) {
		f := newFixture(t)
		c := f.authorizedCommission(t)
		_, err := f.engine.Commissions.RequestRevision(ctx, "customer1", c.ID, "change")
		assert.ErrorIs(t, err, patronpay.ErrInvalidStateTransition)
	})

	t.Run("only the customer requests revisions", func(t *testing.T) {
		f := newFixture(t)
		c := f.acceptedCommission(t)
		_, err := f.engine.Commissions.RequestRevision(ctx, "creator1", c.ID, "change")
		assert.ErrorIs(t, err, patronpay.ErrForbidden)
	})

	t.Run("notes are required", func(t *testing.T) {
		f := newFixture(t)
		c := f.acceptedCommission(t)
		_, err := f.engine.Commissions.RequestRevision(ctx, "customer1", c.ID, strings.Repeat(" ", 3))
		assert.ErrorIs(t, err, patronpay.ErrValidation)
	})
}

func TestCommissions_Refund(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.acceptedCommission(t)

	_, err := f.engine.Commissions.Refund(ctx, "customer1", c.ID)
	assert.ErrorIs(t, err, patronpay.ErrForbidden)

	_, err = f.engine.Commissions.Refund(ctx, "creator1", c.ID)
	require.NoError(t, err)
	_, err = f.engine.Commissions.Refund(ctx, "creator1", c.ID)
	assert.ErrorIs(t, err, patronpay.ErrInvalidStateTransition)
	assert.Equal(t, 1, f.proc.CallCount("refund"))
	assert.Equal(t, patronpay.CommissionAccepted, f.get(t, c.ID).Status)

	f.apply(t, chargeEvent("evt_refund", patronpay.EventChargeRefunded, c.PaymentIntentID))
	assert.Equal(t, patronpay.CommissionRefunded, f.get(t, c.ID).Status)
}

func TestCommissions_Reconcile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.submit(t, "type1")
	auth, err := f.engine.Commissions.AuthorizePayment(ctx, "customer1", c.ID, c.AgreedPrice)
	require.NoError(t, err)

	// the authorization event was lost
	f.proc.SetIntent(auth.PaymentIntentID, patronpay.IntentRequiresCapture, false)

	got, err := f.engine.Commissions.Reconcile(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, patronpay.CommissionPaymentAuthorized, got.Status)

	// the late event is now a no-op
	f.apply(t, piEvent("evt_late", patronpay.EventPaymentIntentSucceeded, auth.PaymentIntentID, c.ID))
	assert.Equal(t, patronpay.CommissionPaymentAuthorized, f.get(t, c.ID).Status)

	t.Run("stale sweep", func(t *testing.T) {
		f.proc.SetIntent(auth.PaymentIntentID, patronpay.IntentCanceled, false)
		f.clock.Set(time.Now().UTC().Add(48 * time.Hour))

		n, err := f.engine.Commissions.ReconcileStale(ctx, 0, 10)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.Equal(t, patronpay.CommissionRejected, f.get(t, c.ID).Status)
	})
}

func TestCommissions_Get(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.submit(t, "type1")

	_, err := f.engine.Commissions.Get(ctx, "customer2", c.ID)
	assert.ErrorIs(t, err, patronpay.ErrForbidden)

	got, err := f.engine.Commissions.Get(ctx, "creator1", c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)

	_, err = f.engine.Commissions.Get(ctx, "creator1", "missing")
	assert.ErrorIs(t, err, patronpay.ErrNotFound)
}
