// Package gin provides Gin middleware that gates content on a creator subscription
package gin

import (
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/patronpay/pkg/patronpay"
)

// UserIDExtractor extracts the user ID from a Gin context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *gongin.Context) string

// CreatorIDExtractor extracts the creator whose content the request targets
type CreatorIDExtractor func(c *gongin.Context) string

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
	OnUnauthorized func(c *gongin.Context)

	// OnNotEntitled is called when the user has no active subscription to the creator
	// If nil, returns 403 Forbidden
	OnNotEntitled func(c *gongin.Context, creatorID string)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *gongin.Context, err error)
}

// ContextUserID is the key under which the entitled user ID is stored with c.Set
const ContextUserID = "patronpay.user_id"

// Middleware creates a Gin middleware that requires an entitlement to the creator.
// Creators always pass for their own content.
func Middleware(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Checker == nil {
		panic("patronpay/gin: Config.Checker is required")
	}
	if cfg.GetUserID == nil {
		panic("patronpay/gin: Config.GetUserID is required")
	}
	if cfg.GetCreatorID == nil {
		panic("patronpay/gin: Config.GetCreatorID is required")
	}

	return func(c *gongin.Context) {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				c.JSON(http.StatusUnauthorized, gongin.H{"code": "unauthorized", "message": "Sign in to continue."})
			}
			c.Abort()
			return
		}

		creatorID := cfg.GetCreatorID(c)
		if creatorID == "" {
			c.JSON(http.StatusBadRequest, gongin.H{
				"code":    patronpay.CodeValidation,
				"message": patronpay.UserMessage(patronpay.CodeValidation),
			})
			c.Abort()
			return
		}

		if userID != creatorID {
			entitled, err := cfg.Checker.IsEntitled(c.Request.Context(), userID, creatorID)
			if err != nil {
				if cfg.OnError != nil {
					cfg.OnError(c, err)
				} else {
					c.JSON(http.StatusInternalServerError, gongin.H{
						"code":    patronpay.CodeInternal,
						"message": patronpay.UserMessage(patronpay.CodeInternal),
					})
				}
				c.Abort()
				return
			}
			if !entitled {
				if cfg.OnNotEntitled != nil {
					cfg.OnNotEntitled(c, creatorID)
				} else {
					c.JSON(http.StatusForbidden, gongin.H{
						"code":    "not_entitled",
						"message": "Subscribe to this creator to see this content.",
					})
				}
				c.Abort()
				return
			}
		}

		c.Set(ContextUserID, userID)
		c.Next()
	}
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Gin context values
// set by an auth middleware with c.Set(key, userID).
func FromContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		if val, exists := c.Get(key); exists {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// Convenience extractors for Creator ID

// CreatorFromParam returns a CreatorIDExtractor that reads a route parameter
func CreatorFromParam(paramName string) CreatorIDExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}

// FixedCreator returns a CreatorIDExtractor that always returns the same creator
func FixedCreator(creatorID string) CreatorIDExtractor {
	return func(*gongin.Context) string {
		return creatorID
	}
}
