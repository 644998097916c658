package patronpay_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/patronpay/pkg/patronpay"
)

type stubVerifier struct {
	event patronpay.Event
	err   error
}

func (v *stubVerifier) Verify(_ []byte, _ string) (patronpay.Event, error) {
	return v.event, v.err
}

func TestNewEngine(t *testing.T) {
	_, err := patronpay.NewEngine(patronpay.Config{})
	assert.ErrorIs(t, err, patronpay.ErrStorageUnavailable)

	f := newFixture(t)
	_, err = patronpay.NewEngine(patronpay.Config{Storage: f.store})
	assert.ErrorIs(t, err, patronpay.ErrConfiguration)

	_, err = patronpay.NewEngine(patronpay.Config{Storage: f.store, Processor: f.proc})
	assert.ErrorIs(t, err, patronpay.ErrConfiguration)

	_, err = patronpay.NewEngine(patronpay.Config{
		Storage: f.store, Processor: f.proc, PaymentMethodCache: f.cache, SyncConcurrency: -1,
	})
	assert.ErrorIs(t, err, patronpay.ErrConfiguration)
}

func TestEngine_HandleEvent_Idempotent(t *testing.T) {
	authorize := func(t *testing.T, f *fixture) *patronpay.CommissionRequest {
		c := f.submit(t, "type1")
		auth, err := f.engine.Commissions.AuthorizePayment(context.Background(), "customer1", c.ID, c.AgreedPrice)
		require.NoError(t, err)
		c.PaymentIntentID = auth.PaymentIntentID
		return c
	}

	tests := []struct {
		name  string
		setup func(t *testing.T, f *fixture) (patronpay.Event, string)
		want  patronpay.CommissionStatus
	}{
		{
			name: "payment_intent.succeeded",
			setup: func(t *testing.T, f *fixture) (patronpay.Event, string) {
				c := authorize(t, f)
				return piEvent("evt_1", patronpay.EventPaymentIntentSucceeded, c.PaymentIntentID, c.ID), c.ID
			},
			want: patronpay.CommissionPaymentAuthorized,
		},
		{
			name: "payment_intent.amount_capturable_updated",
			setup: func(t *testing.T, f *fixture) (patronpay.Event, string) {
				c := authorize(t, f)
				return piEvent("evt_1", patronpay.EventPaymentIntentCapturable, c.PaymentIntentID, c.ID), c.ID
			},
			want: patronpay.CommissionPaymentAuthorized,
		},
		{
			name: "payment_intent.payment_failed",
			setup: func(t *testing.T, f *fixture) (patronpay.Event, string) {
				c := authorize(t, f)
				return piEvent("evt_1", patronpay.EventPaymentIntentFailed, c.PaymentIntentID, c.ID), c.ID
			},
			want: patronpay.CommissionPaymentFailed,
		},
		{
			name: "payment_intent.canceled",
			setup: func(t *testing.T, f *fixture) (patronpay.Event, string) {
				c := f.authorizedCommission(t)
				return piEvent("evt_1", patronpay.EventPaymentIntentCanceled, c.PaymentIntentID, c.ID), c.ID
			},
			want: patronpay.CommissionRejected,
		},
		{
			name: "charge.captured",
			setup: func(t *testing.T, f *fixture) (patronpay.Event, string) {
				c := f.authorizedCommission(t)
				return chargeEvent("evt_1", patronpay.EventChargeCaptured, c.PaymentIntentID), c.ID
			},
			want: patronpay.CommissionAccepted,
		},
		{
			name: "charge.refunded",
			setup: func(t *testing.T, f *fixture) (patronpay.Event, string) {
				c := f.acceptedCommission(t)
				return chargeEvent("evt_1", patronpay.EventChargeRefunded, c.PaymentIntentID), c.ID
			},
			want: patronpay.CommissionRefunded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ev, id := tt.setup(t, f)
			before := f.store.LedgerSize()

			first := f.apply(t, ev)
			assert.Equal(t, patronpay.OutcomeApplied, first.Outcome)
			afterFirst := *f.get(t, id)
			notesAfterFirst := len(f.notifier.kinds())

			second := f.apply(t, ev)
			assert.Equal(t, patronpay.OutcomeDuplicate, second.Outcome)

			afterSecond := *f.get(t, id)
			assert.Equal(t, tt.want, afterSecond.Status)
			assert.Equal(t, afterFirst.Status, afterSecond.Status)
			assert.Equal(t, afterFirst.UpdatedAt, afterSecond.UpdatedAt)
			assert.Equal(t, before+1, f.store.LedgerSize())
			assert.Equal(t, notesAfterFirst, len(f.notifier.kinds()))
		})
	}
}

func TestEngine_DuplicateChargeCaptured(t *testing.T) {
	f := newFixture(t)
	c := f.authorizedCommission(t)
	before := f.store.LedgerSize()

	ev := chargeEvent("evt_dup", patronpay.EventChargeCaptured, c.PaymentIntentID)
	f.apply(t, ev)
	res := f.apply(t, ev)

	assert.Equal(t, patronpay.OutcomeDuplicate, res.Outcome)
	assert.Equal(t, patronpay.CommissionAccepted, f.get(t, c.ID).Status)
	assert.Equal(t, before+1, f.store.LedgerSize())
}

func TestEngine_Monotonicity(t *testing.T) {
	orders := [][]string{
		{patronpay.EventPaymentIntentSucceeded, patronpay.EventChargeCaptured},
		{patronpay.EventChargeCaptured, patronpay.EventPaymentIntentSucceeded},
		{patronpay.EventChargeCaptured, patronpay.EventPaymentIntentCanceled, patronpay.EventPaymentIntentFailed},
		{patronpay.EventChargeRefunded, patronpay.EventChargeCaptured, patronpay.EventPaymentIntentSucceeded},
	}
	final := []patronpay.CommissionStatus{
		patronpay.CommissionAccepted,
		patronpay.CommissionAccepted,
		patronpay.CommissionAccepted,
		patronpay.CommissionRefunded,
	}

	for i, order := range orders {
		t.Run(fmt.Sprintf("order %d", i), func(t *testing.T) {
			f := newFixture(t)
			c := f.submit(t, "type1")
			auth, err := f.engine.Commissions.AuthorizePayment(context.Background(), "customer1", c.ID, c.AgreedPrice)
			require.NoError(t, err)

			for j, eventType := range order {
				id := fmt.Sprintf("evt_%d", j)
				var ev patronpay.Event
				if eventType == patronpay.EventChargeCaptured || eventType == patronpay.EventChargeRefunded {
					ev = chargeEvent(id, eventType, auth.PaymentIntentID)
				} else {
					ev = piEvent(id, eventType, auth.PaymentIntentID, c.ID)
				}
				f.apply(t, ev)
				assert.NotEqual(t, patronpay.CommissionPending, f.get(t, c.ID).Status)
			}
			assert.Equal(t, final[i], f.get(t, c.ID).Status)
		})
	}
}

func TestEngine_EventBeforePaymentIntentStored(t *testing.T) {
	f := newFixture(t)
	c := f.submit(t, "type1")

	// the processor's event races ahead of AuthorizePayment's write
	f.apply(t, piEvent("evt_early", patronpay.EventPaymentIntentSucceeded, "pi_early", c.ID))

	stored := f.get(t, c.ID)
	assert.Equal(t, "pi_early", stored.PaymentIntentID)
	assert.Equal(t, patronpay.CommissionPaymentAuthorized, stored.Status)
}

func TestEngine_UnknownPaymentIntent(t *testing.T) {
	f := newFixture(t)
	res := f.apply(t, chargeEvent("evt_x", patronpay.EventChargeCaptured, "pi_unknown"))
	assert.Equal(t, patronpay.OutcomeApplied, res.Outcome)

	res = f.apply(t, &patronpay.PaymentIntentEvent{
		EventHeader:     patronpay.EventHeader{ID: "evt_y", Type: patronpay.EventPaymentIntentSucceeded},
		PaymentIntentID: "pi_unknown",
	})
	assert.Equal(t, patronpay.OutcomeApplied, res.Outcome)
}

func TestEngine_IgnoredEvent(t *testing.T) {
	f := newFixture(t)
	res := f.apply(t, &patronpay.IgnoredEvent{
		EventHeader: patronpay.EventHeader{ID: "evt_ign", Type: "invoice.created"},
	})
	assert.Equal(t, patronpay.OutcomeIgnored, res.Outcome)
	assert.Equal(t, 0, f.store.LedgerSize())
}

func TestEngine_HandleWebhook(t *testing.T) {
	ctx := context.Background()

	t.Run("invalid signature", func(t *testing.T) {
		verifier := &stubVerifier{err: fmt.Errorf("%w: bad header", patronpay.ErrSignatureInvalid)}
		f := newFixture(t, func(c *patronpay.Config) { c.Verifier = verifier })

		_, err := f.engine.HandleWebhook(ctx, []byte(`{}`), "t=1,v1=bad")
		assert.ErrorIs(t, err, patronpay.ErrSignatureInvalid)
		assert.False(t, patronpay.IsRetryable(err))
		assert.Equal(t, 0, f.store.LedgerSize())
	})

	t.Run("verified event is applied", func(t *testing.T) {
		verifier := &stubVerifier{}
		f := newFixture(t, func(c *patronpay.Config) { c.Verifier = verifier })
		c := f.submit(t, "type1")
		verifier.event = piEvent("evt_hook", patronpay.EventPaymentIntentSucceeded, "pi_hook", c.ID)

		res, err := f.engine.HandleWebhook(ctx, []byte(`{}`), "sig")
		require.NoError(t, err)
		assert.Equal(t, patronpay.OutcomeApplied, res.Outcome)
	})

	t.Run("no verifier configured", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.engine.HandleWebhook(ctx, []byte(`{}`), "sig")
		assert.True(t, errors.Is(err, patronpay.ErrConfiguration))
	})
}

func TestEngine_CircuitBreaker(t *testing.T) {
	f := newFixture(t, func(c *patronpay.Config) {
		c.CircuitBreakerConfig = &patronpay.CircuitBreakerConfig{Enabled: true, FailureThreshold: 2}
	})
	ctx := context.Background()
	c := f.submit(t, "type1")
	f.proc.FailWith("authorize", patronpay.ErrProcessorUnavailable)

	for i := 0; i < 2; i++ {
		_, err := f.engine.Commissions.AuthorizePayment(ctx, "customer1", c.ID, c.AgreedPrice)
		assert.ErrorIs(t, err, patronpay.ErrProcessorUnavailable)
	}

	_, err := f.engine.Commissions.AuthorizePayment(ctx, "customer1", c.ID, c.AgreedPrice)
	assert.ErrorIs(t, err, patronpay.ErrCircuitOpen)
	assert.Equal(t, 2, f.proc.CallCount("authorize"))
}
