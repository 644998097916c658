// Package fiber provides Fiber middleware that gates content on a creator subscription
package fiber

import (
	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/patronpay/pkg/patronpay"
)

// UserIDExtractor extracts the user ID from a Fiber context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *fiber.Ctx) string

// CreatorIDExtractor extracts the creator whose content the request targets
type CreatorIDExtractor func(c *fiber.Ctx) string

// Config holds middleware configuration
type Config struct {
	// Checker answers entitlement checks, usually engine.Subscriptions
	Checker patronpay.EntitlementChecker

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// GetCreatorID extracts the gated creator from context (required)
	GetCreatorID CreatorIDExtractor

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error

	// OnNotEntitled is called when the user has no active subscription to the creator
	// If nil, returns 403 Forbidden
	OnNotEntitled func(c *fiber.Ctx, creatorID string) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *fiber.Ctx, err error) error
}

// LocalsUserID is the Locals key holding the entitled user ID
const LocalsUserID = "patronpay.user_id"

// Middleware creates a Fiber middleware that requires an entitlement to the creator.
// Creators always pass for their own content.
func Middleware(cfg Config) fiber.Handler {
	// Validate required configuration at startup (fail fast)
	if cfg.Checker == nil {
		panic("patronpay/fiber: Config.Checker is required")
	}
	if cfg.GetUserID == nil {
		panic("patronpay/fiber: Config.GetUserID is required")
	}
	if cfg.GetCreatorID == nil {
		panic("patronpay/fiber: Config.GetCreatorID is required")
	}

	return func(c *fiber.Ctx) error {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return defaultUnauthorized(c)
		}

		creatorID := cfg.GetCreatorID(c)
		if creatorID == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"code":    patronpay.CodeValidation,
				"message": patronpay.UserMessage(patronpay.CodeValidation),
			})
		}

		if userID != creatorID {
			// Fiber v2 exposes the request context through UserContext
			entitled, err := cfg.Checker.IsEntitled(c.UserContext(), userID, creatorID)
			if err != nil {
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return defaultError(c, err)
			}
			if !entitled {
				if cfg.OnNotEntitled != nil {
					return cfg.OnNotEntitled(c, creatorID)
				}
				return defaultNotEntitled(c)
			}
		}

		c.Locals(LocalsUserID, userID)
		return c.Next()
	}
}

// Default error handlers

func defaultUnauthorized(c *fiber.Ctx) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"code": "unauthorized", "message": "Sign in to continue."})
}

func defaultNotEntitled(c *fiber.Ctx) error {
	return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
		"code":    "not_entitled",
		"message": "Subscribe to this creator to see this content.",
	})
}

func defaultError(c *fiber.Ctx, _ error) error {
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"code":    patronpay.CodeInternal,
		"message": patronpay.UserMessage(patronpay.CodeInternal),
	})
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Fiber Locals set by an
// auth middleware with c.Locals(key, userID).
func FromContext(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		if val := c.Locals(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
// Fiber v2 uses c.Get() for headers (not c.GetHeader())
func FromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// Convenience extractors for Creator ID

// CreatorFromParam returns a CreatorIDExtractor that reads a route parameter
func CreatorFromParam(paramName string) CreatorIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Params(paramName)
	}
}

// FixedCreator returns a CreatorIDExtractor that always returns the same creator
func FixedCreator(creatorID string) CreatorIDExtractor {
	return func(*fiber.Ctx) string {
		return creatorID
	}
}
