// Package redis provides a Redis implementation of the patronpay.PaymentMethodCache interface.
// Each user's masked methods are one JSON document; partial updates run as Lua scripts.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/patronpay/pkg/patronpay"
)

// PaymentMethodCache implements patronpay.PaymentMethodCache using Redis
type PaymentMethodCache struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis cache configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "patronpay:")
	KeyPrefix string

	// TTL bounds how long a projection is served without a refresh (0 = no expiration)
	TTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "patronpay:",
		TTL:       24 * time.Hour,
	}
}

// New creates a new Redis payment method cache.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*PaymentMethodCache, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "patronpay:"
	}

	c := &PaymentMethodCache{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	c.loadScripts()
	return c, nil
}

var _ patronpay.PaymentMethodCache = (*PaymentMethodCache)(nil)

// loadScripts compiles the read-modify-write scripts.
// An emptied list is written as "[]" since cjson encodes an empty table as an object.
func (c *PaymentMethodCache) loadScripts() {
	c.scripts["set_default"] = redis.NewScript(`
		local raw = redis.call('GET', KEYS[1])
		if not raw then
			return 0
		end
		local methods = cjson.decode(raw)
		for _, m in ipairs(methods) do
			m['is_default'] = (m['id'] == ARGV[1])
		end
		local encoded = '[]'
		if #methods > 0 then
			encoded = cjson.encode(methods)
		end
		redis.call('SET', KEYS[1], encoded, 'KEEPTTL')
		return 1
	`)

	c.scripts["remove"] = redis.NewScript(`
		local raw = redis.call('GET', KEYS[1])
		if not raw then
			return 0
		end
		local kept = {}
		for _, m in ipairs(cjson.decode(raw)) do
			if m['id'] ~= ARGV[1] then
				table.insert(kept, m)
			end
		end
		local encoded = '[]'
		if #kept > 0 then
			encoded = cjson.encode(kept)
		end
		redis.call('SET', KEYS[1], encoded, 'KEEPTTL')
		return 1
	`)
}

func (c *PaymentMethodCache) key(userID string) string {
	return c.config.KeyPrefix + "payment_methods:" + userID
}

// Replace implements patronpay.PaymentMethodCache
func (c *PaymentMethodCache) Replace(ctx context.Context, userID string, methods []patronpay.PaymentMethod) error {
	if methods == nil {
		methods = []patronpay.PaymentMethod{}
	}
	data, err := json.Marshal(methods)
	if err != nil {
		return fmt.Errorf("failed to marshal payment methods: %w", err)
	}
	if err := c.client.Set(ctx, c.key(userID), data, c.config.TTL).Err(); err != nil {
		return fmt.Errorf("failed to cache payment methods: %w", err)
	}
	return nil
}

// List implements patronpay.PaymentMethodCache
func (c *PaymentMethodCache) List(ctx context.Context, userID string) ([]patronpay.PaymentMethod, error) {
	raw, err := c.client.Get(ctx, c.key(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return []patronpay.PaymentMethod{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read payment methods: %w", err)
	}

	methods := []patronpay.PaymentMethod{}
	if err := json.Unmarshal(raw, &methods); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payment methods: %w", err)
	}
	for i := range methods {
		methods[i].UserID = userID
	}
	return methods, nil
}

// SetDefault implements patronpay.PaymentMethodCache
func (c *PaymentMethodCache) SetDefault(ctx context.Context, userID, paymentMethodID string) error {
	if err := c.scripts["set_default"].Run(ctx, c.client, []string{c.key(userID)}, paymentMethodID).Err(); err != nil {
		return fmt.Errorf("failed to set default payment method: %w", err)
	}
	return nil
}

// Remove implements patronpay.PaymentMethodCache
func (c *PaymentMethodCache) Remove(ctx context.Context, userID, paymentMethodID string) error {
	if err := c.scripts["remove"].Run(ctx, c.client, []string{c.key(userID)}, paymentMethodID).Err(); err != nil {
		return fmt.Errorf("failed to remove payment method: %w", err)
	}
	return nil
}
