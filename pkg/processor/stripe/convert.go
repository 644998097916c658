package stripe

import (
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/patronpay/pkg/patronpay"
)

func toPaymentIntent(pi *stripe.PaymentIntent) *patronpay.PaymentIntent {
	return &patronpay.PaymentIntent{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		Status:       intentStatus(pi),
		Amount:       fromMinorUnits(pi.Amount, string(pi.Currency)),
		Refunded:     pi.LatestCharge != nil && pi.LatestCharge.Refunded,
		Metadata:     pi.Metadata,
	}
}

func intentStatus(pi *stripe.PaymentIntent) patronpay.PaymentIntentStatus {
	switch pi.Status {
	case stripe.PaymentIntentStatusRequiresCapture:
		return patronpay.IntentRequiresCapture
	case stripe.PaymentIntentStatusSucceeded:
		return patronpay.IntentSucceeded
	case stripe.PaymentIntentStatusCanceled:
		return patronpay.IntentCanceled
	case stripe.PaymentIntentStatusProcessing:
		return patronpay.IntentProcessing
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		// a declined attempt returns the intent to requires_payment_method
		if pi.LastPaymentError != nil {
			return patronpay.IntentFailed
		}
		return patronpay.IntentRequiresAction
	default:
		return patronpay.IntentRequiresAction
	}
}

func toSubscription(sub *stripe.Subscription) patronpay.ProcessorSubscription {
	ps := patronpay.ProcessorSubscription{
		ID:                sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		Metadata:          sub.Metadata,
	}
	if sub.Customer != nil {
		ps.CustomerID = sub.Customer.ID
		ps.CustomerEmail = sub.Customer.Email
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		if item.Price != nil {
			ps.PriceID = item.Price.ID
		}
		ps.CurrentPeriodStart = unixTime(item.CurrentPeriodStart)
		ps.CurrentPeriodEnd = unixTime(item.CurrentPeriodEnd)
	}
	if sub.LatestInvoice != nil && sub.LatestInvoice.ConfirmationSecret != nil {
		ps.ClientSecret = sub.LatestInvoice.ConfirmationSecret.ClientSecret
	}
	return ps
}

func unixTime(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
