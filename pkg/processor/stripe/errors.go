package stripe

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/patronpay/pkg/patronpay"
)

// mapError classifies a Stripe error: throttling, 5xx and network failures are
// transient, every other API error is a rejection.
func mapError(op string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.HTTPStatusCode == http.StatusTooManyRequests ||
			stripeErr.HTTPStatusCode >= http.StatusInternalServerError ||
			stripeErr.Type == stripe.ErrorTypeAPI {
			return fmt.Errorf("%w: stripe %s: %w", patronpay.ErrProcessorUnavailable, op, err)
		}
		return fmt.Errorf("%w: stripe %s: %w", patronpay.ErrProcessorRejected, op, err)
	}
	return fmt.Errorf("%w: stripe %s: %w", patronpay.ErrProcessorUnavailable, op, err)
}
