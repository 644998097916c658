package patronpay

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

const maskedExpiry = "**/**"

// PaymentMethods serves the user's saved cards. The processor is the source of truth;
// the cache only holds the masked projection of the last listing.
type PaymentMethods struct {
	*core
	cache PaymentMethodCache
}

func newPaymentMethods(c *core, cache PaymentMethodCache) *PaymentMethods {
	return &PaymentMethods{core: c, cache: cache}
}

// PaymentMethodListing is the result of Listing. Stale is set when the processor was
// unavailable and the cached projection was served in its place.
type PaymentMethodListing struct {
	Methods []PaymentMethod
	Stale   bool
}

// List fetches the user's payment methods from the processor and refreshes the cache.
func (s *PaymentMethods) List(ctx context.Context, userID string) ([]PaymentMethod, error) {
	listing, err := s.Listing(ctx, userID)
	if err != nil {
		return nil, err
	}
	return listing.Methods, nil
}

// Listing is List with the freshness of the result.
func (s *PaymentMethods) Listing(ctx context.Context, userID string) (PaymentMethodListing, error) {
	user, err := s.storage.GetUser(ctx, userID)
	if err != nil {
		return PaymentMethodListing{}, err
	}
	if user.ProcessorCustomerID == "" {
		return PaymentMethodListing{Methods: []PaymentMethod{}}, nil
	}

	methods, err := s.fetch(ctx, user)
	if err != nil {
		if s.config.PaymentMethodFallback && errors.Is(err, ErrProcessorUnavailable) {
			cached, cacheErr := s.cache.List(ctx, user.ID)
			if cacheErr == nil {
				s.logger.Warn("Serving cached payment methods", F("user_id", user.ID), F("error", err))
				return PaymentMethodListing{Methods: cached, Stale: true}, nil
			}
		}
		return PaymentMethodListing{}, err
	}

	if err := s.cache.Replace(ctx, user.ID, methods); err != nil {
		s.logger.Warn("Failed to refresh payment method cache", F("user_id", user.ID), F("error", err))
	}
	return PaymentMethodListing{Methods: methods}, nil
}

// SetDefault makes one of the user's payment methods the default.
func (s *PaymentMethods) SetDefault(ctx context.Context, userID, paymentMethodID string) error {
	user, err := s.owned(ctx, userID, paymentMethodID)
	if err != nil {
		return err
	}
	if err := s.processor.SetDefaultPaymentMethod(ctx, user.ProcessorCustomerID, paymentMethodID); err != nil {
		return err
	}
	if err := s.cache.SetDefault(ctx, user.ID, paymentMethodID); err != nil {
		s.logger.Warn("Failed to update payment method cache", F("user_id", user.ID), F("error", err))
	}
	return nil
}

// Delete detaches one of the user's payment methods.
func (s *PaymentMethods) Delete(ctx context.Context, userID, paymentMethodID string) error {
	user, err := s.owned(ctx, userID, paymentMethodID)
	if err != nil {
		return err
	}
	if err := s.processor.DetachPaymentMethod(ctx, paymentMethodID); err != nil {
		return err
	}
	if err := s.cache.Remove(ctx, user.ID, paymentMethodID); err != nil {
		s.logger.Warn("Failed to update payment method cache", F("user_id", user.ID), F("error", err))
	}
	return nil
}

// owned checks at the processor that the payment method belongs to the user's customer.
func (s *PaymentMethods) owned(ctx context.Context, userID, paymentMethodID string) (*User, error) {
	user, err := s.storage.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.ProcessorCustomerID == "" {
		return nil, fmt.Errorf("%w: payment method %s", ErrNotFound, paymentMethodID)
	}
	methods, _, err := s.processor.ListPaymentMethods(ctx, user.ProcessorCustomerID)
	if err != nil {
		return nil, err
	}
	for _, m := range methods {
		if m.ID == paymentMethodID {
			return user, nil
		}
	}
	return nil, fmt.Errorf("%w: payment method %s", ErrNotFound, paymentMethodID)
}

func (s *PaymentMethods) fetch(ctx context.Context, user *User) ([]PaymentMethod, error) {
	raw, defaultID, err := s.processor.ListPaymentMethods(ctx, user.ProcessorCustomerID)
	if err != nil {
		return nil, err
	}
	methods := make([]PaymentMethod, 0, len(raw))
	for _, m := range raw {
		methods = append(methods, s.mask(user.ID, m, defaultID))
	}
	return methods, nil
}

func (s *PaymentMethods) mask(userID string, m ProcessorPaymentMethod, defaultID string) PaymentMethod {
	expiry := maskedExpiry
	if s.config.ShowCardExpiry && m.ExpMonth > 0 {
		expiry = fmt.Sprintf("%02d/%02d", m.ExpMonth, m.ExpYear%100)
	}
	last4 := m.Last4
	if len(last4) > 4 {
		last4 = last4[len(last4)-4:]
	}
	return PaymentMethod{
		UserID:          userID,
		PaymentMethodID: m.ID,
		Brand:           strings.ToLower(m.Brand),
		Last4:           last4,
		Expiry:          expiry,
		IsDefault:       m.ID == defaultID,
	}
}
