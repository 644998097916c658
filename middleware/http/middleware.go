// Package http provides net/http middleware that gates content on a creator subscription
package http

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/mihaimyh/patronpay/pkg/patronpay"
)

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// CreatorIDExtractor extracts the creator whose content the request targets
type CreatorIDExtractor func(r *http.Request) string

// Config holds middleware configuration
type Config struct {
	// Checker answers entitlement checks, usually engine.Subscriptions (required)
	Checker patronpay.EntitlementChecker

	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// GetCreatorID extracts the gated creator from request (required)
	GetCreatorID CreatorIDExtractor

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnNotEntitled is called when the user has no active subscription to the creator
	// If nil, returns 403 Forbidden
	OnNotEntitled func(w http.ResponseWriter, r *http.Request, creatorID string)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// Middleware creates an HTTP middleware that lets a request through only while the
// user is entitled to the creator's content. Creators always see their own content.
func Middleware(config Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := config.GetUserID(r)
			if userID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					writeJSON(w, http.StatusUnauthorized, "unauthorized", "Sign in to continue.")
				}
				return
			}

			creatorID := config.GetCreatorID(r)
			if creatorID == "" {
				writeJSON(w, http.StatusBadRequest, string(patronpay.CodeValidation),
					patronpay.UserMessage(patronpay.CodeValidation))
				return
			}

			if userID != creatorID {
				entitled, err := config.Checker.IsEntitled(r.Context(), userID, creatorID)
				if err != nil {
					if config.OnError != nil {
						config.OnError(w, r, err)
					} else {
						writeJSON(w, http.StatusInternalServerError, string(patronpay.CodeInternal),
							patronpay.UserMessage(patronpay.CodeInternal))
					}
					return
				}
				if !entitled {
					if config.OnNotEntitled != nil {
						config.OnNotEntitled(w, r, creatorID)
					} else {
						writeJSON(w, http.StatusForbidden, "not_entitled",
							"Subscribe to this creator to see this content.")
					}
					return
				}
			}

			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}

// HandlerFunc creates an HTTP middleware for gating (HandlerFunc version)
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"code": code, "message": message})
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// UserIDKey is the context key for user ID
	UserIDKey ContextKey = "patronpay:userID"
)

// FromContext returns an UserIDExtractor that gets user ID from request context
func FromContext(key ContextKey) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FixedCreator returns a CreatorIDExtractor that always returns the same creator
func FixedCreator(creatorID string) CreatorIDExtractor {
	return func(*http.Request) string {
		return creatorID
	}
}

// CreatorFromPathValue returns a CreatorIDExtractor reading a ServeMux path wildcard
func CreatorFromPathValue(name string) CreatorIDExtractor {
	return func(r *http.Request) string {
		return r.PathValue(name)
	}
}

// WithUserID adds user ID to request context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}
