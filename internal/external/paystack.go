package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"classpay/internal/types"
)

// paystackAPIBase is the default Paystack API base URL.
// Overridable in tests via PaystackClientConfig.BaseURL.
const paystackAPIBase = "https://api.paystack.co"

// subaccountBearer instructs the gateway that the subaccount bears its own
// share of gateway charges while the platform's flat fee is carried as the
// transaction charge.
const subaccountBearer = "subaccount"

// PaystackClientConfig holds the configuration for creating a PaystackClient.
type PaystackClientConfig struct {
	SecretKey string
	BaseURL   string // Override for testing; defaults to paystackAPIBase
	Logger    *slog.Logger
}

// PaystackClient implements GatewayClient by making direct HTTP calls to the
// Paystack REST API through BaseClient, so every request inherits the
// platform's resilience behavior (circuit breaker, retries, error mapping)
// and tests can run against httptest servers.
type PaystackClient struct {
	base      *BaseClient
	secretKey string
	baseURL   string
	logger    *slog.Logger
}

// NewPaystackClient creates a new PaystackClient. The httpClient timeout
// bounds every gateway call; callers never hold a database transaction open
// across these calls.
func NewPaystackClient(httpClient *http.Client, cfg PaystackClientConfig) *PaystackClient {
	base := NewBaseClient(
		httpClient,
		"paystack",
		DefaultRetryPolicy(),
		"ClassPay/1.0",
	)
	return newPaystackClient(base, cfg)
}

// NewPaystackClientWithBase creates a PaystackClient with a pre-configured
// BaseClient. This is useful for testing when you want to control the
// BaseClient configuration.
func NewPaystackClientWithBase(base *BaseClient, cfg PaystackClientConfig) *PaystackClient {
	return newPaystackClient(base, cfg)
}

func newPaystackClient(base *BaseClient, cfg PaystackClientConfig) *PaystackClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = paystackAPIBase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &PaystackClient{
		base:      base,
		secretKey: cfg.SecretKey,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		logger:    logger,
	}
}

// minorUnitFactor converts major-unit decimals to the gateway's integer
// minor units (kobo for NGN).
var minorUnitFactor = decimal.NewFromInt(100)

// ---------------------------------------------------------------------------
// GatewayClient Implementation
// ---------------------------------------------------------------------------

// Initialize requests an authorization URL for a new transaction. When a
// subaccount is configured, the settlement split is attached: the school's
// subaccount is credited the fee amount and the platform retains the flat
// transaction charge. Without a subaccount the full amount settles to the
// platform.
func (c *PaystackClient) Initialize(ctx context.Context, req InitializeRequest) (*InitializeResult, error) {
	payload := paystackInitializeBody{
		Email:     req.Email,
		Amount:    req.Amount.Mul(minorUnitFactor).IntPart(),
		Reference: req.Reference,
		Metadata:  req.Metadata,
		Callback:  req.CallbackURL,
	}
	if req.SubaccountCode != "" {
		payload.Subaccount = req.SubaccountCode
		payload.Bearer = subaccountBearer
		if req.TransactionCharge.IsPositive() {
			payload.TransactionCharge = req.TransactionCharge.Mul(minorUnitFactor).IntPart()
		}
	}

	resp, err := c.doPost(ctx, "/transaction/initialize", payload)
	if err != nil {
		return nil, c.wrapTransportError("Initialize", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.handleErrorResponse(resp, "Initialize")
	}

	var envelope struct {
		Status  bool   `json:"status"`
		Message string `json:"message"`
		Data    struct {
			AuthorizationURL string `json:"authorization_url"`
			AccessCode       string `json:"access_code"`
			Reference        string `json:"reference"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode gateway initialize response",
			err,
		)
	}
	if !envelope.Status {
		return nil, types.NewAppError(
			types.ErrCodeUpstreamRejected,
			fmt.Sprintf("Initialize: gateway rejected transaction: %s", envelope.Message),
			nil,
		)
	}

	return &InitializeResult{
		AuthorizationURL: envelope.Data.AuthorizationURL,
		AccessCode:       envelope.Data.AccessCode,
		Reference:        envelope.Data.Reference,
	}, nil
}

// Verify fetches the gateway's authoritative state for a reference. A
// transaction the gateway has not finished yet comes back with
// status=pending; reconciliation never finalizes on a non-terminal status.
func (c *PaystackClient) Verify(ctx context.Context, reference string) (*VerifyResult, error) {
	resp, err := c.doGet(ctx, "/transaction/verify/"+url.PathEscape(reference))
	if err != nil {
		return nil, c.wrapTransportError("Verify", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.handleErrorResponse(resp, "Verify")
	}

	var envelope struct {
		Status  bool            `json:"status"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode gateway verify response",
			err,
		)
	}
	if !envelope.Status {
		return nil, types.NewAppError(
			types.ErrCodeUpstreamRejected,
			fmt.Sprintf("Verify: gateway rejected lookup: %s", envelope.Message),
			nil,
		)
	}

	var tx paystackTxResponse
	if err := json.Unmarshal(envelope.Data, &tx); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode gateway transaction data",
			err,
		)
	}

	result := mapTxResponse(&tx)
	result.Raw = string(envelope.Data)
	return result, nil
}

// ---------------------------------------------------------------------------
// HTTP Helpers
// ---------------------------------------------------------------------------

func (c *PaystackClient) doGet(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	c.setAuthHeaders(req)
	return c.base.Do(req)
}

func (c *PaystackClient) doPost(ctx context.Context, path string, body any) (*http.Response, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.setAuthHeaders(req)
	return c.base.Do(req)
}

func (c *PaystackClient) setAuthHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
}

// ---------------------------------------------------------------------------
// Error Handling
// ---------------------------------------------------------------------------

// handleErrorResponse reads a gateway error body and maps it to an AppError.
func (c *PaystackClient) handleErrorResponse(resp *http.Response, operation string) error {
	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamGateway,
			fmt.Sprintf("%s: gateway returned status %d and response body was unreadable", operation, resp.StatusCode),
			readErr,
		)
	}

	var gwErr struct {
		Message string `json:"message"`
	}
	_ = json.Unmarshal(body, &gwErr)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return types.NewAppError(
			types.ErrCodeUpstreamRateLimited,
			fmt.Sprintf("%s: gateway rate limit exceeded", operation),
			nil,
		)
	case resp.StatusCode >= 500:
		return types.NewAppError(
			types.ErrCodeUpstreamGateway,
			fmt.Sprintf("%s: gateway server error: %s", operation, gwErr.Message),
			nil,
		)
	case resp.StatusCode == http.StatusNotFound:
		return types.NewAppError(
			types.ErrCodeNotFoundPayment,
			fmt.Sprintf("%s: gateway has no transaction for this reference", operation),
			nil,
		)
	default:
		return types.NewAppError(
			types.ErrCodeUpstreamRejected,
			fmt.Sprintf("%s: gateway error (%d): %s", operation, resp.StatusCode, gwErr.Message),
			nil,
		)
	}
}

// wrapTransportError wraps a BaseClient transport error with context.
func (c *PaystackClient) wrapTransportError(operation string, err error) error {
	// BaseClient already maps breaker/retry exhaustion to AppErrors with the
	// right upstream code.
	if _, ok := err.(*types.AppError); ok {
		return err
	}
	return types.NewAppError(
		types.ErrCodeUpstreamGateway,
		fmt.Sprintf("%s: gateway request failed: %v", operation, err),
		err,
	)
}

// ---------------------------------------------------------------------------
// Wire Types and Mapping
// ---------------------------------------------------------------------------

type paystackInitializeBody struct {
	Email             string                `json:"email"`
	Amount            int64                 `json:"amount"`
	Reference         string                `json:"reference"`
	Metadata          types.PaymentMetadata `json:"metadata"`
	Callback          string                `json:"callback_url,omitempty"`
	Subaccount        string                `json:"subaccount,omitempty"`
	Bearer            string                `json:"bearer,omitempty"`
	TransactionCharge int64                 `json:"transaction_charge,omitempty"`
}

// paystackTxResponse is the minimal transaction shape shared by the verify
// endpoint and the charge.success webhook payload.
type paystackTxResponse struct {
	ID        int64                 `json:"id"`
	Reference string                `json:"reference"`
	Status    string                `json:"status"`
	Amount    int64                 `json:"amount"`
	PaidAt    string                `json:"paid_at"`
	Channel   string                `json:"channel"`
	Metadata  types.PaymentMetadata `json:"metadata"`
}

// mapTxResponse converts a gateway transaction to the domain VerifyResult.
func mapTxResponse(tx *paystackTxResponse) *VerifyResult {
	result := &VerifyResult{
		Amount:   decimal.NewFromInt(tx.Amount).Div(minorUnitFactor),
		Channel:  tx.Channel,
		Metadata: tx.Metadata,
	}
	if tx.ID != 0 {
		result.GatewayRef = strconv.FormatInt(tx.ID, 10)
	}

	switch tx.Status {
	case "success":
		result.Status = types.PaymentSuccess
	case "failed", "abandoned", "reversed":
		result.Status = types.PaymentFailed
	default:
		result.Status = types.PaymentPending
	}

	if tx.PaidAt != "" {
		if paidAt, err := time.Parse(time.RFC3339, tx.PaidAt); err == nil {
			paidAt = paidAt.UTC()
			result.PaidAt = &paidAt
		}
	}

	return result
}
