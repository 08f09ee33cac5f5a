package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"classpay/internal/types"
)

// SessionClientConfig holds the configuration for creating a SessionClient.
type SessionClientConfig struct {
	// BaseURL is the session service root, no trailing slash.
	BaseURL string
	// ServiceKey authenticates this service to the session service.
	ServiceKey string
	Logger     *slog.Logger
}

// SessionClient resolves bearer tokens against the school-management
// platform's session service. Token issuance, users, and roles all live
// there; this client only maps a token to the tenant it belongs to.
//
// Calls go through BaseClient so session-service outages trip their own
// circuit breaker instead of hanging every authenticated request.
type SessionClient struct {
	base       *BaseClient
	baseURL    string
	serviceKey string
	logger     *slog.Logger
}

// NewSessionClient creates a SessionClient. The httpClient timeout bounds
// every resolution call.
func NewSessionClient(httpClient *http.Client, cfg SessionClientConfig) *SessionClient {
	base := NewBaseClient(
		httpClient,
		"sessions",
		DefaultRetryPolicy(),
		"ClassPay/1.0",
	)
	return NewSessionClientWithBase(base, cfg)
}

// NewSessionClientWithBase creates a SessionClient with a pre-configured
// BaseClient, for tests that control retry and breaker behavior.
func NewSessionClientWithBase(base *BaseClient, cfg SessionClientConfig) *SessionClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionClient{
		base:       base,
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		serviceKey: cfg.ServiceKey,
		logger:     logger,
	}
}

// ResolveToken asks the session service which tenant the token belongs to.
// An unknown or expired token is an auth error, not an upstream failure.
func (c *SessionClient) ResolveToken(ctx context.Context, token string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/internal/v1/sessions/resolve", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.serviceKey)
	req.Header.Set("X-Session-Token", token)

	resp, err := c.base.Do(req)
	if err != nil {
		if _, ok := err.(*types.AppError); ok {
			return "", err
		}
		return "", types.NewAppError(
			types.ErrCodeUpstreamUnavailable,
			"session service is unreachable",
			err,
		)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// Fall through to decode.
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusNotFound:
		return "", types.NewAppError(
			types.ErrCodeAuthTokenInvalid,
			"session token is invalid or expired",
			nil,
		)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", types.NewAppError(
			types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("session service returned status %d: %s", resp.StatusCode, string(body)),
			nil,
		)
	}

	var payload struct {
		TenantID string `json:"tenant_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode session resolution response",
			err,
		)
	}
	if payload.TenantID == "" {
		return "", types.NewAppError(
			types.ErrCodeAuthTokenInvalid,
			"session token does not resolve to a tenant",
			nil,
		)
	}
	return payload.TenantID, nil
}
