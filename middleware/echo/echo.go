// Package echo provides Echo middleware that gates content on a creator subscription
package echo

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/patronpay/pkg/patronpay"
)

// UserIDExtractor extracts the user ID from an Echo context
// Return empty string if user is not authenticated
type UserIDExtractor func(c echo.Context) string

// CreatorIDExtractor extracts the creator whose content the request targets
type CreatorIDExtractor func(c echo.Context) string

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
	OnUnauthorized func(c echo.Context) error

	// OnNotEntitled is called when the user has no active subscription to the creator
	// If nil, returns 403 Forbidden
	OnNotEntitled func(c echo.Context, creatorID string) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c echo.Context, err error) error
}

// ContextUserID is the key under which the entitled user ID is stored with c.Set
const ContextUserID = "patronpay.user_id"

// Middleware creates an Echo middleware that requires an entitlement to the creator.
// Creators always pass for their own content.
func Middleware(cfg Config) echo.MiddlewareFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Checker == nil {
		panic("patronpay/echo: Config.Checker is required")
	}
	if cfg.GetUserID == nil {
		panic("patronpay/echo: Config.GetUserID is required")
	}
	if cfg.GetCreatorID == nil {
		panic("patronpay/echo: Config.GetCreatorID is required")
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := cfg.GetUserID(c)
			if userID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return defaultUnauthorized(c)
			}

			creatorID := cfg.GetCreatorID(c)
			if creatorID == "" {
				return c.JSON(http.StatusBadRequest, map[string]string{
					"code":    string(patronpay.CodeValidation),
					"message": patronpay.UserMessage(patronpay.CodeValidation),
				})
			}

			if userID != creatorID {
				entitled, err := cfg.Checker.IsEntitled(c.Request().Context(), userID, creatorID)
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

			c.Set(ContextUserID, userID)
			return next(c)
		}
	}
}

// Default error handlers

func defaultUnauthorized(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, map[string]string{"code": "unauthorized", "message": "Sign in to continue."})
}

func defaultNotEntitled(c echo.Context) error {
	return c.JSON(http.StatusForbidden, map[string]string{
		"code":    "not_entitled",
		"message": "Subscribe to this creator to see this content.",
	})
}

func defaultError(c echo.Context, _ error) error {
	return c.JSON(http.StatusInternalServerError, map[string]string{
		"code":    string(patronpay.CodeInternal),
		"message": patronpay.UserMessage(patronpay.CodeInternal),
	})
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Echo context values
func FromContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if str, ok := c.Get(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// Convenience extractors for Creator ID

// CreatorFromParam returns a CreatorIDExtractor that reads a route parameter
func CreatorFromParam(paramName string) CreatorIDExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}

// FixedCreator returns a CreatorIDExtractor that always returns the same creator
func FixedCreator(creatorID string) CreatorIDExtractor {
	return func(echo.Context) string {
		return creatorID
	}
}
