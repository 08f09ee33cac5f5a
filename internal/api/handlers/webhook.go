// Package handlers contains the HTTP handler implementations for the
// ClassPay billing API.
//
// This file implements the gateway webhook handler. The endpoint is NOT
// behind tenant authentication; security is provided by verifying the
// x-paystack-signature header, an HMAC-SHA512 of the raw body keyed with
// the account secret.
package handlers

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"classpay/internal/core"
	"classpay/internal/external"
	"classpay/internal/reconcile"
	"classpay/internal/types"
)

// maxWebhookBodySize is the maximum allowed size of a gateway webhook
// payload (64 KB). Gateway payloads are small; the limit protects against
// abuse on an unauthenticated endpoint.
const maxWebhookBodySize = 64 * 1024

// WebhookHandler handles asynchronous payment events from the gateway.
//
// Once the signature checks out the handler always returns 200, even when
// internal processing fails: the gateway retries non-2xx responses, and the
// reconciliation pipeline is idempotent, so a later verify poll or redelivery
// settles the payment. A 4xx is returned only for a missing or invalid
// signature, before any state is touched.
type WebhookHandler struct {
	verifier  external.WebhookVerifier
	processor ReferenceProcessor
	secret    string
	logger    *slog.Logger
}

// NewWebhookHandler creates a WebhookHandler with the provided dependencies.
func NewWebhookHandler(
	verifier external.WebhookVerifier,
	processor ReferenceProcessor,
	secret string,
	logger *slog.Logger,
) *WebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandler{
		verifier:  verifier,
		processor: processor,
		secret:    secret,
		logger:    logger,
	}
}

// RegisterRoutes mounts the webhook endpoint. The path is listed as public
// in the auth middleware; no session token is expected.
func (h *WebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/payment", h.Handle)
}

// Handle processes an incoming gateway webhook event.
//
//  1. Read the raw body with a size limit.
//  2. Verify the x-paystack-signature header against the raw bytes.
//  3. Parse the event envelope; only the event name and reference are used.
//  4. charge.success runs the reconciliation pipeline; other events are
//     acknowledged without action.
//  5. Return 200 regardless of processing outcome.
func (h *WebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.WarnContext(r.Context(), "failed to read webhook body",
			slog.Any("error", err),
		)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"failed to read request body",
			err,
		))
		return
	}

	signature := r.Header.Get("x-paystack-signature")
	if err := h.verifier.Verify(payload, signature, h.secret); err != nil {
		h.logger.WarnContext(r.Context(), "webhook signature verification failed",
			slog.Any("error", err),
		)
		core.Error(w, r, err)
		return
	}

	// The signature gate has passed; from here every path acknowledges with
	// 200 so the gateway does not retry into an idempotent pipeline forever.
	event, err := external.ParseWebhookEvent(payload)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "webhook payload parse failed",
			slog.Any("error", err),
		)
		core.Success(w, r, http.StatusOK, "acknowledged", nil)
		return
	}

	if event.Event != external.EventChargeSuccess {
		h.logger.InfoContext(r.Context(), "ignoring unhandled webhook event",
			slog.String("event", event.Event),
		)
		core.Success(w, r, http.StatusOK, "acknowledged", nil)
		return
	}

	if event.Reference == "" {
		h.logger.WarnContext(r.Context(), "charge.success event without a reference")
		core.Success(w, r, http.StatusOK, "acknowledged", nil)
		return
	}

	result, err := h.processor.ProcessReference(r.Context(), event.Reference)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "webhook reconciliation failed",
			slog.String("reference", event.Reference),
			slog.Any("error", err),
		)
		core.Success(w, r, http.StatusOK, "acknowledged", nil)
		return
	}

	h.logger.InfoContext(r.Context(), "webhook event processed",
		slog.String("reference", event.Reference),
		slog.String("outcome", string(result.Outcome)),
	)
	core.Success(w, r, http.StatusOK, "acknowledged", ackBody{Outcome: result.Outcome})
}

// ackBody is the acknowledgement payload for a processed webhook event.
type ackBody struct {
	Outcome reconcile.Outcome `json:"outcome"`
}
