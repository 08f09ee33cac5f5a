// Package handlers contains the HTTP handler implementations for the
// ClassPay billing API.
//
// This file implements the subscription surface: plan catalog, access
// status, plan purchase and renewal, prorated plan changes, the synchronous
// payment verification poll, and the tenant's payment history.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"classpay/internal/core"
	"classpay/internal/reconcile"
	"classpay/internal/subscription"
	"classpay/internal/types"
)

// defaultHistoryLimit bounds the payment history listing when the client
// does not ask for a specific page size.
const defaultHistoryLimit = 50

// SubscriptionService is the subscription operations contract this handler
// depends on. Mirrors the concrete subscription.Service methods used here.
type SubscriptionService interface {
	EvaluateAccess(ctx context.Context, tenantID string, today time.Time) (*types.AccessResult, error)
	InitializePayment(ctx context.Context, p subscription.InitializePaymentParams) (*subscription.CheckoutSession, error)
	ChangePlan(ctx context.Context, p subscription.ChangePlanParams) (*subscription.ChangePlanResult, error)
	ListPlans(ctx context.Context) ([]*types.SubscriptionPlan, error)
	PaymentHistory(ctx context.Context, tenantID string, limit int) ([]*types.PaymentRecord, error)
}

// ReferenceProcessor reconciles a single payment reference against the
// gateway. Both verify-payment endpoints and the webhook funnel into the
// same implementation.
type ReferenceProcessor interface {
	ProcessReference(ctx context.Context, reference string) (*reconcile.Result, error)
}

// InitializeSubscriptionPaymentRequest is the request body for
// POST /v1/subscription/initialize-payment.
type InitializeSubscriptionPaymentRequest struct {
	PlanID string `json:"plan_id" validate:"required"`
	Email  string `json:"email" validate:"required,email"`
}

// ChangePlanRequest is the request body for POST /v1/subscription/change-plan.
type ChangePlanRequest struct {
	NewPlanID string `json:"new_plan_id" validate:"required"`
	Email     string `json:"email" validate:"required,email"`
}

// PaymentView is the client-facing projection of a ledger row.
type PaymentView struct {
	Reference string               `json:"reference"`
	Purpose   types.PaymentPurpose `json:"purpose"`
	Amount    string               `json:"amount"`
	Currency  string               `json:"currency"`
	Status    types.PaymentStatus  `json:"status"`
	PaidAt    *time.Time           `json:"paid_at,omitempty"`
	CreatedAt time.Time            `json:"created_at"`
}

// VerificationView reports the outcome of a verification pass together with
// the payment's current state.
type VerificationView struct {
	Outcome reconcile.Outcome `json:"outcome"`
	Applied bool              `json:"applied"`
	Payment *PaymentView      `json:"payment,omitempty"`
}

func newPaymentView(rec *types.PaymentRecord) *PaymentView {
	if rec == nil {
		return nil
	}
	return &PaymentView{
		Reference: rec.Reference,
		Purpose:   rec.Purpose,
		Amount:    rec.Amount.String(),
		Currency:  rec.Currency,
		Status:    rec.Status,
		PaidAt:    rec.PaidAt,
		CreatedAt: rec.CreatedAt,
	}
}

// SubscriptionHandler serves the subscription billing endpoints.
type SubscriptionHandler struct {
	service   SubscriptionService
	processor ReferenceProcessor
	validator *core.Validator
	logger    *slog.Logger
}

// NewSubscriptionHandler creates a SubscriptionHandler with the provided
// dependencies.
func NewSubscriptionHandler(
	service SubscriptionService,
	processor ReferenceProcessor,
	v *core.Validator,
	l *slog.Logger,
) *SubscriptionHandler {
	if l == nil {
		l = slog.Default()
	}
	return &SubscriptionHandler{
		service:   service,
		processor: processor,
		validator: v,
		logger:    l,
	}
}

// RegisterRoutes mounts the subscription routes on the provided chi.Router.
func (h *SubscriptionHandler) RegisterRoutes(r chi.Router) {
	r.Get("/plans", h.ListPlans)

	r.Route("/subscription", func(r chi.Router) {
		r.Get("/status", h.Status)
		r.Get("/payments", h.PaymentHistory)
		r.Post("/initialize-payment", h.InitializePayment)
		r.Post("/change-plan", h.ChangePlan)
		r.Get("/verify-payment", h.VerifyPayment)
	})
}

// ListPlans handles GET /v1/plans. Retired plans are excluded.
func (h *SubscriptionHandler) ListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := h.service.ListPlans(r.Context())
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Success(w, r, http.StatusOK, "plans retrieved", plans)
}

// Status handles GET /v1/subscription/status. Reading the status applies any
// lazy state corrections (trial expiry, due scheduled plan changes) before
// the result is derived.
func (h *SubscriptionHandler) Status(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := types.GetTenantID(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeAuthTenantMissing,
			"tenant context is required",
			nil,
		))
		return
	}

	access, err := h.service.EvaluateAccess(r.Context(), tenantID, time.Now().UTC())
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Success(w, r, http.StatusOK, "subscription status", access)
}

// InitializePayment handles POST /v1/subscription/initialize-payment.
// Opens a gateway checkout for a fresh purchase or a plain renewal.
func (h *SubscriptionHandler) InitializePayment(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := types.GetTenantID(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeAuthTenantMissing,
			"tenant context is required",
			nil,
		))
		return
	}

	var req InitializeSubscriptionPaymentRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	session, err := h.service.InitializePayment(r.Context(), subscription.InitializePaymentParams{
		TenantID: tenantID,
		PlanID:   req.PlanID,
		Email:    req.Email,
	})
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Success(w, r, http.StatusCreated, "payment initialized", session)
}

// ChangePlan handles POST /v1/subscription/change-plan. Upgrades return an
// immediate checkout for the prorated difference; downgrades whose unused
// credit covers at least one full period of the new plan return the
// scheduled change instead.
func (h *SubscriptionHandler) ChangePlan(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := types.GetTenantID(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeAuthTenantMissing,
			"tenant context is required",
			nil,
		))
		return
	}

	var req ChangePlanRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	result, err := h.service.ChangePlan(r.Context(), subscription.ChangePlanParams{
		TenantID:  tenantID,
		NewPlanID: req.NewPlanID,
		Email:     req.Email,
	})
	if err != nil {
		core.Error(w, r, err)
		return
	}

	status := http.StatusCreated
	message := "checkout opened for prorated charge"
	if !result.Immediate {
		message = "plan change scheduled"
	}
	core.Success(w, r, status, message, result)
}

// VerifyPayment handles GET /v1/subscription/verify-payment?reference=.
// The client polls this after returning from the gateway's checkout page.
// Verification runs the same reconciliation pipeline as the webhook, so
// whichever arrives first applies the payment and the other is a no-op.
func (h *SubscriptionHandler) VerifyPayment(w http.ResponseWriter, r *http.Request) {
	verifyPaymentReference(w, r, h.processor)
}

// PaymentHistory handles GET /v1/subscription/payments?limit=.
func (h *SubscriptionHandler) PaymentHistory(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := types.GetTenantID(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeAuthTenantMissing,
			"tenant context is required",
			nil,
		))
		return
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 200 {
			core.Error(w, r, types.NewAppError(
				types.ErrCodeValidationMissingField,
				"limit must be an integer between 1 and 200",
				err,
			))
			return
		}
		limit = parsed
	}

	records, err := h.service.PaymentHistory(r.Context(), tenantID, limit)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	views := make([]*PaymentView, len(records))
	for i, rec := range records {
		views[i] = newPaymentView(rec)
	}
	core.Success(w, r, http.StatusOK, "payment history", views)
}

// verifyPaymentReference is the shared implementation behind both
// verify-payment endpoints. An unknown reference is a client error here,
// unlike the webhook path where it is acknowledged and ignored.
func verifyPaymentReference(w http.ResponseWriter, r *http.Request, processor ReferenceProcessor) {
	reference := r.URL.Query().Get("reference")
	if reference == "" {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"reference query parameter is required",
			nil,
		))
		return
	}

	result, err := processor.ProcessReference(r.Context(), reference)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	if result.Outcome == reconcile.OutcomeIgnored {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeNotFoundPayment,
			"no payment exists for this reference",
			nil,
		))
		return
	}

	view := VerificationView{
		Outcome: result.Outcome,
		Applied: result.Applied(),
		Payment: newPaymentView(result.Payment),
	}
	core.Success(w, r, http.StatusOK, "payment verification completed", view)
}
