package stripe

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/patronpay/pkg/patronpay"
)

const testWebhookSecret = "whsec_test_secret"

func eventJSON(id, eventType, object string) []byte {
	return []byte(fmt.Sprintf(`{"id":%q,"object":"event","type":%q,"created":1767268800,`+
		`"data":{"object":%s}}`, id, eventType, object))
}

func sign(payload []byte, at time.Time) string {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    testWebhookSecret,
		Timestamp: at,
	})
	return signed.Header
}

func newTestVerifier(t *testing.T) *Verifier {
	t.Helper()
	v, err := NewVerifier(testWebhookSecret, 0)
	require.NoError(t, err)
	return v
}

func TestNewVerifier_RequiresSecret(t *testing.T) {
	_, err := NewVerifier("  ", 0)
	assert.ErrorIs(t, err, patronpay.ErrConfiguration)
}

func TestVerifier_Decode(t *testing.T) {
	created := time.Unix(1767268800, 0).UTC()

	tests := []struct {
		name    string
		payload []byte
		check   func(t *testing.T, ev patronpay.Event)
	}{
		{
			name:    "payment intent succeeded",
			payload: eventJSON("evt_pi", "payment_intent.succeeded",
				`{"id":"pi_1","object":"payment_intent","status":"requires_capture",`+
					`"metadata":{"kind":"commission","commission_id":"c1"}}`),
			check: func(t *testing.T, ev patronpay.Event) {
				pe, ok := ev.(*patronpay.PaymentIntentEvent)
				require.True(t, ok, "got %T", ev)
				assert.Equal(t, "pi_1", pe.PaymentIntentID)
				assert.Equal(t, "c1", pe.Metadata[patronpay.MetaCommissionID])
			},
		},
		{
			name:    "payment intent amount capturable updated",
			payload: eventJSON("evt_hold", "payment_intent.amount_capturable_updated",
				`{"id":"pi_2","object":"payment_intent","status":"requires_capture",`+
					`"amount_capturable":2500,"metadata":{"kind":"commission","commission_id":"c2"}}`),
			check: func(t *testing.T, ev patronpay.Event) {
				pe, ok := ev.(*patronpay.PaymentIntentEvent)
				require.True(t, ok, "got %T", ev)
				assert.Equal(t, patronpay.EventPaymentIntentCapturable, pe.EventType())
				assert.Equal(t, "pi_2", pe.PaymentIntentID)
				assert.Equal(t, "c2", pe.Metadata[patronpay.MetaCommissionID])
			},
		},
		{
			name:    "charge captured",
			payload: eventJSON("evt_ch", "charge.captured",
				`{"id":"ch_1","object":"charge","payment_intent":"pi_1","captured":true}`),
			check: func(t *testing.T, ev patronpay.Event) {
				ce, ok := ev.(*patronpay.ChargeEvent)
				require.True(t, ok, "got %T", ev)
				assert.Equal(t, "ch_1", ce.ChargeID)
				assert.Equal(t, "pi_1", ce.PaymentIntentID)
			},
		},
		{
			name:    "charge without payment intent",
			payload: eventJSON("evt_ch2", "charge.refunded",
				`{"id":"ch_2","object":"charge"}`),
			check: func(t *testing.T, ev patronpay.Event) {
				assert.IsType(t, &patronpay.IgnoredEvent{}, ev)
			},
		},
		{
			name:    "subscription updated",
			payload: eventJSON("evt_sub", "customer.subscription.updated",
				`{"id":"sub_1","object":"subscription","customer":"cus_1","status":"active",`+
					`"cancel_at_period_end":true,"metadata":{"user_id":"u1"},`+
					`"items":{"object":"list","data":[{"id":"si_1","object":"subscription_item",`+
					`"price":{"id":"price_1","object":"price"},`+
					`"current_period_start":1767225600,"current_period_end":1769904000}]}}`),
			check: func(t *testing.T, ev patronpay.Event) {
				se, ok := ev.(*patronpay.SubscriptionEvent)
				require.True(t, ok, "got %T", ev)
				ps := se.Subscription
				assert.Equal(t, "sub_1", ps.ID)
				assert.Equal(t, "cus_1", ps.CustomerID)
				assert.Equal(t, "price_1", ps.PriceID)
				assert.Equal(t, patronpay.ProcessorSubActive, ps.Status)
				assert.True(t, ps.CancelAtPeriodEnd)
				assert.Equal(t, "u1", ps.Metadata[patronpay.MetaUserID])
				assert.Equal(t, time.Unix(1769904000, 0).UTC(), ps.CurrentPeriodEnd)
			},
		},
		{
			name:    "unhandled type",
			payload: eventJSON("evt_other", "invoice.paid", `{"id":"in_1","object":"invoice"}`),
			check: func(t *testing.T, ev patronpay.Event) {
				assert.IsType(t, &patronpay.IgnoredEvent{}, ev)
			},
		},
	}

	v := newTestVerifier(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := v.Verify(tt.payload, sign(tt.payload, time.Now()))
			require.NoError(t, err)
			assert.Equal(t, created, ev.OccurredAt())
			tt.check(t, ev)
		})
	}
}

func TestVerifier_Rejects(t *testing.T) {
	v := newTestVerifier(t)
	payload := eventJSON("evt_1", "charge.captured", `{"id":"ch_1","object":"charge","payment_intent":"pi_1"}`)

	t.Run("missing signature", func(t *testing.T) {
		_, err := v.Verify(payload, "")
		assert.ErrorIs(t, err, patronpay.ErrSignatureInvalid)
	})

	t.Run("tampered body", func(t *testing.T) {
		header := sign(payload, time.Now())
		tampered := eventJSON("evt_1", "charge.refunded", `{"id":"ch_1","object":"charge","payment_intent":"pi_1"}`)
		_, err := v.Verify(tampered, header)
		assert.ErrorIs(t, err, patronpay.ErrSignatureInvalid)
	})

	t.Run("wrong secret", func(t *testing.T) {
		other, err := NewVerifier("whsec_other", 0)
		require.NoError(t, err)
		_, err = other.Verify(payload, sign(payload, time.Now()))
		assert.ErrorIs(t, err, patronpay.ErrSignatureInvalid)
	})

	t.Run("expired timestamp", func(t *testing.T) {
		_, err := v.Verify(payload, sign(payload, time.Now().Add(-time.Hour)))
		assert.ErrorIs(t, err, patronpay.ErrSignatureInvalid)
	})

	t.Run("signed garbage", func(t *testing.T) {
		garbage := []byte(`{"id": 12`)
		_, err := v.Verify(garbage, sign(garbage, time.Now()))
		assert.ErrorIs(t, err, patronpay.ErrInvalidPayload)
	})

	t.Run("signed event without id", func(t *testing.T) {
		body := []byte(`{"object":"event","type":"charge.captured","data":{"object":{}}}`)
		_, err := v.Verify(body, sign(body, time.Now()))
		assert.ErrorIs(t, err, patronpay.ErrInvalidPayload)
	})

	t.Run("signed event without data", func(t *testing.T) {
		body := []byte(`{"id":"evt_2","object":"event","type":"payment_intent.succeeded"}`)
		_, err := v.Verify(body, sign(body, time.Now()))
		assert.ErrorIs(t, err, patronpay.ErrInvalidPayload)
	})
}
