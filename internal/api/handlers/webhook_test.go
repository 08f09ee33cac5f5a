package handlers

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classpay/internal/external"
	"classpay/internal/reconcile"
	"classpay/internal/types"
)

const testWebhookSecret = "sk_test_webhook_secret"

func signPayload(payload []byte) string {
	mac := hmac.New(sha512.New, []byte(testWebhookSecret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func newTestWebhookHandler() (*WebhookHandler, *mockReferenceProcessor) {
	processor := &mockReferenceProcessor{}
	handler := NewWebhookHandler(external.PaystackVerifier{}, processor, testWebhookSecret, testLogger())
	return handler, processor
}

func postWebhook(t *testing.T, handler *WebhookHandler, payload []byte, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/payment", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set("x-paystack-signature", signature)
	}
	rr := httptest.NewRecorder()
	handler.Handle(rr, req)
	return rr
}

func TestWebhookHandler_ChargeSuccess_RunsReconciliation(t *testing.T) {
	handler, processor := newTestWebhookHandler()

	payload := []byte(`{"event":"charge.success","data":{"reference":"ref-hook-1"}}`)
	rr := postWebhook(t, handler, payload, signPayload(payload))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []string{"ref-hook-1"}, processor.calls)
}

func TestWebhookHandler_MissingSignatureIsRejected(t *testing.T) {
	handler, processor := newTestWebhookHandler()

	payload := []byte(`{"event":"charge.success","data":{"reference":"ref-hook-1"}}`)
	rr := postWebhook(t, handler, payload, "")

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Empty(t, processor.calls)
}

func TestWebhookHandler_InvalidSignatureIsRejected(t *testing.T) {
	handler, processor := newTestWebhookHandler()

	payload := []byte(`{"event":"charge.success","data":{"reference":"ref-hook-1"}}`)
	rr := postWebhook(t, handler, payload, "deadbeef")

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Empty(t, processor.calls)
}

func TestWebhookHandler_TamperedBodyFailsSignature(t *testing.T) {
	handler, processor := newTestWebhookHandler()

	original := []byte(`{"event":"charge.success","data":{"reference":"ref-hook-1"}}`)
	tampered := []byte(`{"event":"charge.success","data":{"reference":"ref-hook-2"}}`)
	rr := postWebhook(t, handler, tampered, signPayload(original))

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Empty(t, processor.calls)
}

func TestWebhookHandler_UnknownEventIsAcknowledged(t *testing.T) {
	handler, processor := newTestWebhookHandler()

	payload := []byte(`{"event":"transfer.success","data":{"reference":"ref-hook-1"}}`)
	rr := postWebhook(t, handler, payload, signPayload(payload))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, processor.calls)
}

func TestWebhookHandler_UnknownReferenceStillReturns200(t *testing.T) {
	handler, processor := newTestWebhookHandler()
	processor.processFn = func(ctx context.Context, reference string) (*reconcile.Result, error) {
		return &reconcile.Result{Outcome: reconcile.OutcomeIgnored}, nil
	}

	payload := []byte(`{"event":"charge.success","data":{"reference":"not-ours"}}`)
	rr := postWebhook(t, handler, payload, signPayload(payload))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []string{"not-ours"}, processor.calls)
}

func TestWebhookHandler_ReconcileErrorStillReturns200(t *testing.T) {
	handler, processor := newTestWebhookHandler()
	processor.processFn = func(ctx context.Context, reference string) (*reconcile.Result, error) {
		return nil, types.NewAppError(types.ErrCodeUpstreamGateway, "gateway timed out", errors.New("timeout"))
	}

	payload := []byte(`{"event":"charge.success","data":{"reference":"ref-hook-1"}}`)
	rr := postWebhook(t, handler, payload, signPayload(payload))

	assert.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, []string{"ref-hook-1"}, processor.calls)
}

func TestWebhookHandler_MalformedJSONAfterValidSignatureReturns200(t *testing.T) {
	handler, processor := newTestWebhookHandler()

	payload := []byte(`{"event": truncated`)
	rr := postWebhook(t, handler, payload, signPayload(payload))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, processor.calls)
}

func TestWebhookHandler_MissingReferenceIsAcknowledged(t *testing.T) {
	handler, processor := newTestWebhookHandler()

	payload := []byte(`{"event":"charge.success","data":{}}`)
	rr := postWebhook(t, handler, payload, signPayload(payload))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, processor.calls)
}
