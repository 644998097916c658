package http

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mihaimyh/patronpay/pkg/patronpay"
	"github.com/mihaimyh/patronpay/pkg/processor/fake"
	"github.com/mihaimyh/patronpay/storage/memory"
)

// Test helper to create an engine with one active and one lapsed subscriber
func setupTestEngine(t *testing.T) *patronpay.Engine {
	t.Helper()

	ctx := context.Background()
	store := memory.New()
	rows := []*patronpay.UserSubscription{
		{
			UserID:                  "fan",
			CreatorID:               "creator1",
			TierID:                  "tier1",
			ProcessorSubscriptionID: "sub_1",
			Status:                  patronpay.SubscriptionActive,
			CurrentPeriodEnd:        time.Now().Add(time.Hour).UTC(),
		},
		{
			UserID:                  "lapsed",
			CreatorID:               "creator1",
			TierID:                  "tier1",
			ProcessorSubscriptionID: "sub_2",
			Status:                  patronpay.SubscriptionActive,
			CurrentPeriodEnd:        time.Now().Add(-time.Hour).UTC(),
			CancelAtPeriodEnd:       true,
		},
	}
	for _, row := range rows {
		if _, _, err := store.UpsertSubscription(ctx, row); err != nil {
			t.Fatalf("Failed to seed subscription: %v", err)
		}
	}

	engine, err := patronpay.NewEngine(patronpay.Config{
		Storage:            store,
		Processor:          fake.New(),
		PaymentMethodCache: memory.NewPaymentMethodCache(),
	})
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return engine
}

type failingChecker struct{}

func (failingChecker) IsEntitled(context.Context, string, string) (bool, error) {
	return false, errors.New("connection refused")
}

func okHandler(called *bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*called = true
		if FromContext(UserIDKey)(r) == "" {
			w.WriteHeader(http.StatusTeapot)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddleware(t *testing.T) {
	engine := setupTestEngine(t)

	tests := []struct {
		name       string
		userID     string
		wantStatus int
		wantCalled bool
	}{
		{"active subscriber", "fan", http.StatusOK, true},
		{"creator sees own content", "creator1", http.StatusOK, true},
		{"cancelled past period end", "lapsed", http.StatusForbidden, false},
		{"never subscribed", "stranger", http.StatusForbidden, false},
		{"anonymous", "", http.StatusUnauthorized, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			handler := Middleware(Config{
				Checker:      engine.Subscriptions,
				GetUserID:    FromHeader("X-User-ID"),
				GetCreatorID: FixedCreator("creator1"),
			})(okHandler(&called))

			req := httptest.NewRequest(http.MethodGet, "/posts/1", nil)
			if tt.userID != "" {
				req.Header.Set("X-User-ID", tt.userID)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("Expected status %d, got %d", tt.wantStatus, rec.Code)
			}
			if called != tt.wantCalled {
				t.Errorf("Expected handler called=%v, got %v", tt.wantCalled, called)
			}
		})
	}
}

func TestMiddleware_PathValue(t *testing.T) {
	engine := setupTestEngine(t)

	mux := http.NewServeMux()
	called := false
	mux.Handle("GET /creators/{creator}/posts", Middleware(Config{
		Checker:      engine.Subscriptions,
		GetUserID:    FromHeader("X-User-ID"),
		GetCreatorID: CreatorFromPathValue("creator"),
	})(okHandler(&called)))

	req := httptest.NewRequest(http.MethodGet, "/creators/creator1/posts", nil)
	req.Header.Set("X-User-ID", "fan")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/creators/creator2/posts", nil)
	req.Header.Set("X-User-ID", "fan")
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("Expected status 403 for another creator, got %d", rec.Code)
	}
}

func TestMiddleware_CustomHandlers(t *testing.T) {
	var notEntitledFor string
	var gotErr error

	config := Config{
		Checker:      failingChecker{},
		GetUserID:    FromHeader("X-User-ID"),
		GetCreatorID: FixedCreator("creator1"),
		OnError: func(w http.ResponseWriter, _ *http.Request, err error) {
			gotErr = err
			w.WriteHeader(http.StatusServiceUnavailable)
		},
		OnNotEntitled: func(w http.ResponseWriter, _ *http.Request, creatorID string) {
			notEntitledFor = creatorID
			w.WriteHeader(http.StatusPaymentRequired)
		},
		OnUnauthorized: func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		},
	}

	called := false
	handler := HandlerFunc(config)(okHandler(&called).ServeHTTP)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-User-ID", "fan")
	rec := httptest.NewRecorder()
	handler(rec, req)
	if rec.Code != http.StatusServiceUnavailable || gotErr == nil {
		t.Errorf("Expected OnError with 503, got %d (err=%v)", rec.Code, gotErr)
	}

	rec = httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusTeapot {
		t.Errorf("Expected OnUnauthorized status, got %d", rec.Code)
	}

	config.Checker = setupTestEngine(t).Subscriptions
	handler = HandlerFunc(config)(okHandler(&called).ServeHTTP)
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-User-ID", "stranger")
	rec = httptest.NewRecorder()
	handler(rec, req)
	if rec.Code != http.StatusPaymentRequired || notEntitledFor != "creator1" {
		t.Errorf("Expected OnNotEntitled for creator1, got %d (%q)", rec.Code, notEntitledFor)
	}
	if called {
		t.Error("Handler should not run when gated")
	}
}

func TestMiddleware_MissingCreator(t *testing.T) {
	called := false
	handler := Middleware(Config{
		Checker:      failingChecker{},
		GetUserID:    FromHeader("X-User-ID"),
		GetCreatorID: FixedCreator(""),
	})(okHandler(&called))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-User-ID", "fan")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", rec.Code)
	}
}
