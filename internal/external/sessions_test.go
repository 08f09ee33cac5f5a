package external

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"classpay/internal/types"
)

func newTestSessionClient(t *testing.T, serverURL string) *SessionClient {
	t.Helper()
	base := NewBaseClient(
		&http.Client{Timeout: 5 * time.Second},
		"test-sessions",
		RetryPolicy{
			MaxRetries: 0,
			MinWait:    1 * time.Millisecond,
			MaxWait:    10 * time.Millisecond,
		},
		"ClassPay-Test/1.0",
		WithSleepFunc(noopSleep),
	)
	return NewSessionClientWithBase(base, SessionClientConfig{
		BaseURL:    serverURL,
		ServiceKey: "svc_test_key",
	})
}

func TestResolveToken_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/internal/v1/sessions/resolve" {
			t.Errorf("expected path /internal/v1/sessions/resolve, got %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer svc_test_key" {
			t.Errorf("expected service key auth, got %s", auth)
		}
		if tok := r.Header.Get("X-Session-Token"); tok != "user-token-1" {
			t.Errorf("expected session token header, got %s", tok)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"tenant_id": "tenant-1"})
	}))
	defer server.Close()

	client := newTestSessionClient(t, server.URL)
	tenantID, err := client.ResolveToken(context.Background(), "user-token-1")
	if err != nil {
		t.Fatalf("ResolveToken returned error: %v", err)
	}
	if tenantID != "tenant-1" {
		t.Errorf("tenantID = %q, want tenant-1", tenantID)
	}
}

func TestResolveToken_InvalidTokenIsAuthError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := newTestSessionClient(t, server.URL)
	_, err := client.ResolveToken(context.Background(), "expired-token")

	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected AppError, got %v", err)
	}
	if appErr.Code != types.ErrCodeAuthTokenInvalid {
		t.Errorf("code = %s, want %s", appErr.Code, types.ErrCodeAuthTokenInvalid)
	}
}

func TestResolveToken_EmptyTenantIsAuthError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"tenant_id": ""})
	}))
	defer server.Close()

	client := newTestSessionClient(t, server.URL)
	_, err := client.ResolveToken(context.Background(), "odd-token")

	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected AppError, got %v", err)
	}
	if appErr.Code != types.ErrCodeAuthTokenInvalid {
		t.Errorf("code = %s, want %s", appErr.Code, types.ErrCodeAuthTokenInvalid)
	}
}

func TestResolveToken_ServerErrorIsUpstream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := newTestSessionClient(t, server.URL)
	_, err := client.ResolveToken(context.Background(), "user-token-1")

	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected AppError, got %v", err)
	}
	if appErr.Code != types.ErrCodeUpstreamGateway {
		t.Errorf("code = %s, want %s", appErr.Code, types.ErrCodeUpstreamGateway)
	}
}
