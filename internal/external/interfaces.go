package external

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"classpay/internal/types"
)

// InitializeRequest is the input to a gateway transaction initialization.
// Amounts are decimals in the major unit; the client converts to the
// gateway's minor-unit integers at the wire boundary.
type InitializeRequest struct {
	Email     string
	Amount    decimal.Decimal
	Reference string
	Metadata  types.PaymentMetadata
	// SubaccountCode routes settlement to the school's bank account. When
	// set, TransactionCharge is attached as the platform's flat fee so the
	// subaccount is credited the remainder.
	SubaccountCode    string
	TransactionCharge decimal.Decimal
	CallbackURL       string
}

// InitializeResult is the gateway's authorization handle for a new
// transaction.
type InitializeResult struct {
	AuthorizationURL string
	AccessCode       string
	Reference        string
}

// VerifyResult is the gateway's authoritative view of a transaction.
// GatewayRef is the gateway's own transaction identifier, distinct from the
// reference this system generated.
type VerifyResult struct {
	Status     types.PaymentStatus
	Amount     decimal.Decimal
	PaidAt     *time.Time
	Channel    string
	GatewayRef string
	Metadata   types.PaymentMetadata
	Raw        string
}

// GatewayClient is the capability set this system consumes from the payment
// gateway. Implementations are stateless and side-effect-free beyond the
// outbound HTTP call; failures surface as typed AppErrors
// (upstream_gateway_unavailable, upstream_gateway_rejected) and are never
// silently swallowed -- callers decide retry versus surface-to-user.
type GatewayClient interface {
	Initialize(ctx context.Context, req InitializeRequest) (*InitializeResult, error)
	Verify(ctx context.Context, reference string) (*VerifyResult, error)
}

// WebhookVerifier authenticates inbound webhook payloads before any state
// is touched. It is a pure authentication gate, distinct from idempotency.
type WebhookVerifier interface {
	// Verify checks the signature header against an HMAC of the raw body
	// using the platform secret. Returns nil only for a valid signature.
	Verify(payload []byte, signatureHeader string, secret string) error
}
