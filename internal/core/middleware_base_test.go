package core

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"classpay/internal/config"
	"classpay/internal/types"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := &config.Config{Environment: "local"}
	s, err := NewServer(cfg, slog.New(slog.NewTextHandler(bytes.NewBuffer(nil), nil)))
	if err != nil {
		t.Fatalf("NewServer returned error: %v", err)
	}
	return s
}

func TestRecoverer_CatchesPanic(t *testing.T) {
	s := newTestServer(t)

	handler := s.Recoverer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/test", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", w.Code)
	}

	var resp APIErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("recoverer response is not valid JSON: %v", err)
	}
	if resp.Success {
		t.Error("expected success=false")
	}
	if resp.Error.Code != string(types.ErrCodeInternalUnexpected) {
		t.Errorf("unexpected code: %s", resp.Error.Code)
	}
}

func TestRequestIDMiddleware_GeneratesID(t *testing.T) {
	var capturedID string
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedID = types.GetRequestID(r.Context())
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/test", nil))

	if capturedID == "" {
		t.Error("expected a generated request ID in context")
	}
	if w.Header().Get("X-Request-Id") != capturedID {
		t.Error("expected the same request ID in the response header")
	}
}

func TestRequestIDMiddleware_PropagatesIncomingID(t *testing.T) {
	var capturedID string
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedID = types.GetRequestID(r.Context())
	}))

	r := httptest.NewRequest(http.MethodGet, "/v1/test", nil)
	r.Header.Set("X-Request-Id", "incoming-42")
	handler.ServeHTTP(httptest.NewRecorder(), r)

	if capturedID != "incoming-42" {
		t.Errorf("expected incoming-42, got %s", capturedID)
	}
}

func TestContextTimeoutMiddleware_SetsDeadline(t *testing.T) {
	var hasDeadline bool
	handler := ContextTimeoutMiddleware(5 * time.Second)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hasDeadline = r.Context().Deadline()
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/test", nil))

	if !hasDeadline {
		t.Error("expected request context to carry a deadline")
	}
}

func TestSecurityHeadersMiddleware(t *testing.T) {
	s := newTestServer(t)

	handler := s.SecurityHeadersMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/test", nil))

	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("expected X-Content-Type-Options: nosniff")
	}
	if w.Header().Get("X-Frame-Options") != "DENY" {
		t.Error("expected X-Frame-Options: DENY")
	}
}

func TestTenantAuthMiddleware_MissingHeader(t *testing.T) {
	s := newTestServer(t)
	s.Authenticator = authenticatorFunc(func(ctx context.Context, token string) (string, error) {
		return "t1", nil
	})

	handler := s.TenantAuthMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be reached without credentials")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/subscription/status", nil))

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestTenantAuthMiddleware_InjectsTenant(t *testing.T) {
	s := newTestServer(t)
	s.Authenticator = authenticatorFunc(func(ctx context.Context, token string) (string, error) {
		if token != "tok-123" {
			t.Errorf("unexpected token: %s", token)
		}
		return "tenant-9", nil
	})

	var capturedTenant string
	handler := s.TenantAuthMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedTenant, _ = types.GetTenantID(r.Context())
	}))

	r := httptest.NewRequest(http.MethodGet, "/v1/subscription/status", nil)
	r.Header.Set("Authorization", "Bearer tok-123")
	handler.ServeHTTP(httptest.NewRecorder(), r)

	if capturedTenant != "tenant-9" {
		t.Errorf("expected tenant-9 in context, got %q", capturedTenant)
	}
}

func TestTenantAuthMiddleware_WebhookPathBypassesAuth(t *testing.T) {
	s := newTestServer(t)
	s.Authenticator = authenticatorFunc(func(ctx context.Context, token string) (string, error) {
		t.Error("authenticator must not be called for webhook path")
		return "", nil
	})

	reached := false
	handler := s.TenantAuthMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/webhooks/payment", nil))

	if !reached {
		t.Error("webhook request should bypass tenant auth")
	}
}

// authenticatorFunc adapts a function to the Authenticator interface.
type authenticatorFunc func(ctx context.Context, token string) (string, error)

func (f authenticatorFunc) ResolveToken(ctx context.Context, token string) (string, error) {
	return f(ctx, token)
}
