package memory

import (
	"context"
	"sync"

	"github.com/mihaimyh/patronpay/pkg/patronpay"
)

// PaymentMethodCache implements patronpay.PaymentMethodCache using an in-memory map
type PaymentMethodCache struct {
	mu      sync.RWMutex
	methods map[string][]patronpay.PaymentMethod
}

// NewPaymentMethodCache creates a new in-memory payment method cache
func NewPaymentMethodCache() *PaymentMethodCache {
	return &PaymentMethodCache{methods: make(map[string][]patronpay.PaymentMethod)}
}

var _ patronpay.PaymentMethodCache = (*PaymentMethodCache)(nil)

// Replace implements patronpay.PaymentMethodCache
func (c *PaymentMethodCache) Replace(_ context.Context, userID string, methods []patronpay.PaymentMethod) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.methods[userID] = append([]patronpay.PaymentMethod(nil), methods...)
	return nil
}

// List implements patronpay.PaymentMethodCache
func (c *PaymentMethodCache) List(_ context.Context, userID string) ([]patronpay.PaymentMethod, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]patronpay.PaymentMethod{}, c.methods[userID]...), nil
}

// SetDefault implements patronpay.PaymentMethodCache
func (c *PaymentMethodCache) SetDefault(_ context.Context, userID, paymentMethodID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.methods[userID] {
		c.methods[userID][i].IsDefault = c.methods[userID][i].PaymentMethodID == paymentMethodID
	}
	return nil
}

// Remove implements patronpay.PaymentMethodCache
func (c *PaymentMethodCache) Remove(_ context.Context, userID, paymentMethodID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.methods[userID][:0]
	for _, m := range c.methods[userID] {
		if m.PaymentMethodID != paymentMethodID {
			kept = append(kept, m)
		}
	}
	c.methods[userID] = kept
	return nil
}
