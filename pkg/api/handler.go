package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mihaimyh/patronpay/pkg/api/internal"
	"github.com/mihaimyh/patronpay/pkg/patronpay"
)

const (
	maxUserIDLen       = 255
	defaultMismatchMax = 100
	codeUnauthorized   = "unauthorized"
	codeTooLarge       = "payload_too_large"
)

type actorKey struct{}

// Handler serves the patronpay HTTP API
type Handler struct {
	config    Config
	engine    *patronpay.Engine
	validate  *validator.Validate
	limiter   *internal.RateLimiter
	operators map[string]bool
	router    chi.Router
}

// NewHandler creates a new API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	config.setDefaults()

	h := &Handler{
		config:    config,
		engine:    config.Engine,
		validate:  validator.New(),
		limiter:   internal.NewRateLimiter(config.WebhookRateLimit, config.WebhookRateWindow),
		operators: make(map[string]bool, len(config.OperatorIDs)),
	}
	for _, id := range config.OperatorIDs {
		h.operators[id] = true
	}
	h.router = h.routes()
	return h, nil
}

// ServeHTTP implements http.Handler
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(h.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(h.config.RequestTimeout))

	if len(h.config.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   h.config.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-User-ID"},
			ExposedHeaders:   []string{"Link"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/health", h.handleHealth)
	if h.config.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(h.config.Gatherer, promhttp.HandlerOpts{}))
	}

	r.With(h.limiter.Middleware).Post("/webhooks/payments", h.handleWebhook)

	r.Group(func(r chi.Router) {
		r.Use(h.requireUser)

		r.Route("/commissions", func(r chi.Router) {
			r.Post("/", h.submitCommission)
			r.Get("/{id}", h.getCommission)
			r.Post("/{id}/authorize", h.authorizeCommission)
			r.Post("/{id}/decision", h.decideCommission)
			r.Post("/{id}/revisions", h.requestRevision)
			r.Get("/{id}/revisions", h.listRevisions)
			r.Post("/{id}/refund", h.refundCommission)
			r.With(h.requireOperator).Post("/{id}/reconcile", h.reconcileCommission)
		})

		r.Post("/subscriptions", h.createSubscription)
		r.Post("/subscriptions/{id}/cancel", h.cancelSubscription)
		r.Post("/subscriptions/{id}/tier", h.changeTier)

		r.Post("/creators/{id}/sync", h.syncCreator)
		r.Get("/creators/{id}/subscribers", h.listSubscribers)
		r.Get("/creators/{id}/entitlement", h.getEntitlement)
		r.Delete("/tiers/{id}", h.deleteTier)

		r.Get("/me/subscriptions", h.listMySubscriptions)
		r.Get("/me/payment-methods", h.listPaymentMethods)
		r.Post("/me/payment-methods/{id}/default", h.setDefaultPaymentMethod)
		r.Delete("/me/payment-methods/{id}", h.deletePaymentMethod)

		r.With(h.requireOperator).Get("/operator/mismatches", h.listMismatches)
	})

	return r
}

// logRequests logs every request once it completes
func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.config.Logger.Debug("HTTP request",
			patronpay.F("method", r.Method),
			patronpay.F("path", r.URL.Path),
			patronpay.F("status", ww.Status()),
			patronpay.F("duration_ms", time.Since(start).Milliseconds()),
			patronpay.F("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (h *Handler) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := h.config.GetUserID(r)
		if userID == "" || len(userID) > maxUserIDLen {
			_ = internal.WriteJSON(w, http.StatusUnauthorized, ErrorResponse{
				Code:    codeUnauthorized,
				Message: "Sign in to continue.",
			})
			return
		}
		ctx := context.WithValue(r.Context(), actorKey{}, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) requireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.isOperator(r) {
			h.writeError(w, r, fmt.Errorf("%w: operator access required", patronpay.ErrForbidden))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) isOperator(r *http.Request) bool {
	return h.operators[actor(r)]
}

func actor(r *http.Request) string {
	userID, _ := r.Context().Value(actorKey{}).(string)
	return userID
}

// decode reads and validates a JSON body
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	if err := internal.DecodeJSON(w, r, h.config.MaxRequestBodyBytes, dst); err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			return err
		}
		return fmt.Errorf("%w: %w", patronpay.ErrValidation, err)
	}
	if err := h.validate.Struct(dst); err != nil {
		return fmt.Errorf("%w: %w", patronpay.ErrValidation, err)
	}
	return nil
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if h.config.HealthCheck != nil {
		if err := h.config.HealthCheck(r.Context()); err != nil {
			h.config.Logger.Warn("Health check failed", patronpay.F("error", err))
			_ = internal.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	_ = internal.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleWebhook verifies and applies a processor delivery. Only signature and
// payload problems get a 4xx; everything else is a 5xx so the processor redelivers.
func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := internal.ReadBodyStrict(w, r, h.config.MaxWebhookBodyBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			_ = internal.WriteJSON(w, http.StatusRequestEntityTooLarge, ErrorResponse{
				Code:    codeTooLarge,
				Message: "The request is too large.",
			})
			return
		}
		h.writeError(w, r, fmt.Errorf("%w: %w", patronpay.ErrInvalidPayload, err))
		return
	}

	res, err := h.engine.HandleWebhook(r.Context(), body, r.Header.Get(h.config.SignatureHeader))
	if err != nil {
		code := patronpay.CodeOf(err)
		if code == patronpay.CodeSignatureInvalid || code == patronpay.CodeInvalidPayload {
			h.writeError(w, r, err)
			return
		}
		h.config.Logger.Error("Webhook processing failed", patronpay.F("error", err))
		_ = internal.WriteJSON(w, http.StatusInternalServerError, ErrorResponse{
			Code:    string(patronpay.CodeInternal),
			Message: patronpay.UserMessage(patronpay.CodeInternal),
		})
		return
	}

	_ = internal.WriteJSON(w, http.StatusOK, WebhookResponse{
		EventID:   res.EventID,
		EventType: res.EventType,
		Outcome:   res.Outcome,
	})
}

func (h *Handler) submitCommission(w http.ResponseWriter, r *http.Request) {
	var body SubmitCommissionBody
	if err := h.decode(w, r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}
	c, err := h.engine.Commissions.Submit(r.Context(), patronpay.SubmitCommissionRequest{
		CustomerID:       actor(r),
		CreatorID:        body.CreatorID,
		CommissionTypeID: body.CommissionTypeID,
		Description:      body.Description,
		ReferenceImages:  body.ReferenceImages,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	_ = internal.WriteJSON(w, http.StatusCreated, toCommissionResponse(c))
}

func (h *Handler) getCommission(w http.ResponseWriter, r *http.Request) {
	c, err := h.engine.Commissions.Get(r.Context(), actor(r), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	_ = internal.WriteJSON(w, http.StatusOK, toCommissionResponse(c))
}

func (h *Handler) authorizeCommission(w http.ResponseWriter, r *http.Request) {
	var body AuthorizeBody
	if err := h.decode(w, r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}
	auth, err := h.engine.Commissions.AuthorizePayment(r.Context(), actor(r), chi.URLParam(r, "id"), body.Amount)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	_ = internal.WriteJSON(w, http.StatusOK, AuthorizationResponse{
		Commission:      toCommissionResponse(auth.Commission),
		PaymentIntentID: auth.PaymentIntentID,
		ClientSecret:    auth.ClientSecret,
	})
}

func (h *Handler) decideCommission(w http.ResponseWriter, r *http.Request) {
	var body DecisionBody
	if err := h.decode(w, r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}
	c, err := h.engine.Commissions.CreatorDecision(r.Context(), actor(r), chi.URLParam(r, "id"),
		patronpay.Decision(body.Decision))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	// status stays put until the processor confirms; pending_action tells the caller
	_ = internal.WriteJSON(w, http.StatusAccepted, toCommissionResponse(c))
}

func (h *Handler) refundCommission(w http.ResponseWriter, r *http.Request) {
	c, err := h.engine.Commissions.Refund(r.Context(), actor(r), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	_ = internal.WriteJSON(w, http.StatusAccepted, toCommissionResponse(c))
}

func (h *Handler) requestRevision(w http.ResponseWriter, r *http.Request) {
	var body RevisionBody
	if err := h.decode(w, r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.engine.Commissions.RequestRevision(r.Context(), actor(r), chi.URLParam(r, "id"), body.Notes)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	_ = internal.WriteJSON(w, http.StatusCreated, toRevisionResponse(res.Revision, res.ClientSecret))
}

func (h *Handler) listRevisions(w http.ResponseWriter, r *http.Request) {
	revs, err := h.engine.Commissions.ListRevisions(r.Context(), actor(r), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]RevisionResponse, 0, len(revs))
	for _, rev := range revs {
		out = append(out, toRevisionResponse(rev, ""))
	}
	_ = internal.WriteJSON(w, http.StatusOK, out)
}

func (h *Handler) reconcileCommission(w http.ResponseWriter, r *http.Request) {
	c, err := h.engine.Commissions.Reconcile(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	_ = internal.WriteJSON(w, http.StatusOK, toCommissionResponse(c))
}

func (h *Handler) createSubscription(w http.ResponseWriter, r *http.Request) {
	var body CreateSubscriptionBody
	if err := h.decode(w, r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}
	checkout, err := h.engine.Subscriptions.Create(r.Context(), patronpay.CreateSubscriptionRequest{
		UserID:         actor(r),
		TierID:         body.TierID,
		IdempotencyKey: body.IdempotencyKey,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	_ = internal.WriteJSON(w, http.StatusAccepted, CheckoutResponse{
		ProcessorSubscriptionID: checkout.ProcessorSubscriptionID,
		Status:                  string(checkout.Status),
		ClientSecret:            checkout.ClientSecret,
	})
}

func (h *Handler) cancelSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := h.engine.Subscriptions.Cancel(r.Context(), actor(r), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	_ = internal.WriteJSON(w, http.StatusOK, toSubscriptionResponse(sub))
}

func (h *Handler) changeTier(w http.ResponseWriter, r *http.Request) {
	var body ChangeTierBody
	if err := h.decode(w, r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}
	sub, err := h.engine.Subscriptions.ChangeTier(r.Context(), actor(r), chi.URLParam(r, "id"), body.TierID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	_ = internal.WriteJSON(w, http.StatusOK, toSubscriptionResponse(sub))
}

// syncCreator runs a pull-driven sync. Allowed for the creator and for operators.
func (h *Handler) syncCreator(w http.ResponseWriter, r *http.Request) {
	creatorID := chi.URLParam(r, "id")
	if actor(r) != creatorID && !h.isOperator(r) {
		h.writeError(w, r, fmt.Errorf("%w: only the creator may sync", patronpay.ErrForbidden))
		return
	}
	report, err := h.engine.Subscriptions.SyncTierSubscriptions(r.Context(), creatorID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	_ = internal.WriteJSON(w, http.StatusOK, SyncResponse{
		CreatorID:  report.CreatorID,
		Tiers:      report.Tiers,
		Seen:       report.Seen,
		Upserted:   report.Upserted,
		Mismatches: report.Mismatches,
		DurationMS: report.Duration.Milliseconds(),
	})
}

func (h *Handler) listSubscribers(w http.ResponseWriter, r *http.Request) {
	subs, err := h.engine.Subscriptions.ListSubscribers(r.Context(), actor(r), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	_ = internal.WriteJSON(w, http.StatusOK, toSubscriptionResponses(subs))
}

func (h *Handler) getEntitlement(w http.ResponseWriter, r *http.Request) {
	creatorID := chi.URLParam(r, "id")
	entitled, err := h.engine.Subscriptions.IsEntitled(r.Context(), actor(r), creatorID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	_ = internal.WriteJSON(w, http.StatusOK, EntitlementResponse{
		UserID:    actor(r),
		CreatorID: creatorID,
		Entitled:  entitled,
	})
}

func (h *Handler) deleteTier(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Subscriptions.DeleteTier(r.Context(), actor(r), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listMySubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := h.engine.Subscriptions.ListActiveForUser(r.Context(), actor(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	_ = internal.WriteJSON(w, http.StatusOK, toSubscriptionResponses(subs))
}

func (h *Handler) listPaymentMethods(w http.ResponseWriter, r *http.Request) {
	listing, err := h.engine.PaymentMethods.Listing(r.Context(), actor(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	methods := listing.Methods
	if methods == nil {
		methods = []patronpay.PaymentMethod{}
	}
	_ = internal.WriteJSON(w, http.StatusOK, PaymentMethodsResponse{PaymentMethods: methods, Stale: listing.Stale})
}

func (h *Handler) setDefaultPaymentMethod(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.PaymentMethods.SetDefault(r.Context(), actor(r), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) deletePaymentMethod(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.PaymentMethods.Delete(r.Context(), actor(r), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listMismatches(w http.ResponseWriter, r *http.Request) {
	limit := defaultMismatchMax
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			h.writeError(w, r, fmt.Errorf("%w: limit must be a positive integer", patronpay.ErrValidation))
			return
		}
		limit = n
	}
	mismatches, err := h.engine.Subscriptions.ListMismatches(r.Context(), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]MismatchResponse, 0, len(mismatches))
	for _, m := range mismatches {
		out = append(out, toMismatchResponse(m))
	}
	_ = internal.WriteJSON(w, http.StatusOK, out)
}

// statusFor maps an error code onto an HTTP status
func statusFor(code patronpay.ErrorCode) int {
	switch code {
	case patronpay.CodeValidation, patronpay.CodeInvalidPayload, patronpay.CodeSignatureInvalid:
		return http.StatusBadRequest
	case patronpay.CodeForbidden:
		return http.StatusForbidden
	case patronpay.CodeNotFound:
		return http.StatusNotFound
	case patronpay.CodeInvalidStateTransition, patronpay.CodeTierHasActiveSubscriptions,
		patronpay.CodeDuplicateEvent, patronpay.CodeReconciliationMismatch:
		return http.StatusConflict
	case patronpay.CodeProcessorRejected, patronpay.CodePaymentSetup, patronpay.CodeConfigurationError:
		return http.StatusUnprocessableEntity
	case patronpay.CodeProcessorUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError answers with the error's taxonomy code and its user-safe message.
// Server detail is logged, never returned.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}
	if errors.Is(err, internal.ErrPayloadTooLarge) {
		_ = internal.WriteJSON(w, http.StatusRequestEntityTooLarge, ErrorResponse{
			Code:    codeTooLarge,
			Message: "The request is too large.",
		})
		return
	}

	code := patronpay.CodeOf(err)
	status := statusFor(code)
	if status >= http.StatusInternalServerError {
		h.config.Logger.Error("Request failed",
			patronpay.F("method", r.Method),
			patronpay.F("path", r.URL.Path),
			patronpay.F("code", string(code)),
			patronpay.F("error", err),
		)
	}
	_ = internal.WriteJSON(w, status, ErrorResponse{
		Code:    string(code),
		Message: patronpay.UserMessage(code),
	})
}
