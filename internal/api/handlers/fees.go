// Package handlers contains the HTTP handler implementations for the
// ClassPay billing API.
//
// This file implements the student fee surface: gateway fee checkouts,
// manual bank-transfer submissions, and the fee payment verification poll.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"classpay/internal/core"
	"classpay/internal/fees"
	"classpay/internal/types"
)

// FeeService is the fee operations contract this handler depends on.
// Mirrors the concrete fees.Service methods used here.
type FeeService interface {
	InitializePayment(ctx context.Context, p fees.InitializePaymentParams) (*fees.CheckoutSession, error)
	SubmitManualPayment(ctx context.Context, p fees.SubmitManualPaymentParams) (*types.FeePayment, error)
}

// InitializeFeePaymentRequest is the request body for
// POST /v1/fees/initialize-payment. Amount is in the major currency unit;
// partial payments are allowed up to the fee's outstanding balance.
type InitializeFeePaymentRequest struct {
	StudentFeeID string          `json:"student_fee_id" validate:"required"`
	Amount       decimal.Decimal `json:"amount"`
	Email        string          `json:"email" validate:"required,email"`
}

// SubmitManualPaymentRequest is the request body for
// POST /v1/fees/submit-manual-payment.
type SubmitManualPaymentRequest struct {
	StudentFeeID string          `json:"student_fee_id" validate:"required"`
	Amount       decimal.Decimal `json:"amount"`
}

// FeePaymentView is the client-facing projection of a fee payment record.
type FeePaymentView struct {
	ReceiptNumber      string                   `json:"receipt_number"`
	StudentFeeID       string                   `json:"student_fee_id"`
	Amount             string                   `json:"amount"`
	Method             types.PaymentMethod      `json:"method"`
	VerificationStatus types.VerificationStatus `json:"verification_status"`
	Reference          string                   `json:"reference,omitempty"`
	CreatedAt          time.Time                `json:"created_at"`
}

func newFeePaymentView(p *types.FeePayment) *FeePaymentView {
	if p == nil {
		return nil
	}
	return &FeePaymentView{
		ReceiptNumber:      p.ReceiptNumber,
		StudentFeeID:       p.StudentFeeID,
		Amount:             p.Amount.String(),
		Method:             p.Method,
		VerificationStatus: p.VerificationStatus,
		Reference:          p.Reference,
		CreatedAt:          p.CreatedAt,
	}
}

// FeeHandler serves the student fee payment endpoints.
type FeeHandler struct {
	service   FeeService
	processor ReferenceProcessor
	validator *core.Validator
	logger    *slog.Logger
}

// NewFeeHandler creates a FeeHandler with the provided dependencies.
func NewFeeHandler(
	service FeeService,
	processor ReferenceProcessor,
	v *core.Validator,
	l *slog.Logger,
) *FeeHandler {
	if l == nil {
		l = slog.Default()
	}
	return &FeeHandler{
		service:   service,
		processor: processor,
		validator: v,
		logger:    l,
	}
}

// RegisterRoutes mounts the fee routes on the provided chi.Router.
func (h *FeeHandler) RegisterRoutes(r chi.Router) {
	r.Route("/fees", func(r chi.Router) {
		r.Post("/initialize-payment", h.InitializePayment)
		r.Post("/submit-manual-payment", h.SubmitManualPayment)
		r.Get("/verify-payment", h.VerifyPayment)
	})
}

// InitializePayment handles POST /v1/fees/initialize-payment. The amount is
// validated against the fee's outstanding balance before the gateway is
// involved; schools with a settlement subaccount get a split transaction.
func (h *FeeHandler) InitializePayment(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := types.GetTenantID(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeAuthTenantMissing,
			"tenant context is required",
			nil,
		))
		return
	}

	var req InitializeFeePaymentRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	session, err := h.service.InitializePayment(r.Context(), fees.InitializePaymentParams{
		TenantID:     tenantID,
		StudentFeeID: req.StudentFeeID,
		Amount:       req.Amount,
		Email:        req.Email,
	})
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Success(w, r, http.StatusCreated, "fee payment initialized", session)
}

// SubmitManualPayment handles POST /v1/fees/submit-manual-payment. The
// payment is recorded as pending with a receipt number; the fee's balance
// does not move until the transfer is verified out of band.
func (h *FeeHandler) SubmitManualPayment(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := types.GetTenantID(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeAuthTenantMissing,
			"tenant context is required",
			nil,
		))
		return
	}

	var req SubmitManualPaymentRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	payment, err := h.service.SubmitManualPayment(r.Context(), fees.SubmitManualPaymentParams{
		TenantID:     tenantID,
		StudentFeeID: req.StudentFeeID,
		Amount:       req.Amount,
	})
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Success(w, r, http.StatusCreated, "manual payment recorded", newFeePaymentView(payment))
}

// VerifyPayment handles GET /v1/fees/verify-payment?reference=. Runs the
// same reconciliation pipeline as the webhook.
func (h *FeeHandler) VerifyPayment(w http.ResponseWriter, r *http.Request) {
	verifyPaymentReference(w, r, h.processor)
}
