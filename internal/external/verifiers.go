package external

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"

	"classpay/internal/types"
)

// PaystackVerifier validates webhook signatures. The gateway signs the raw
// request body with HMAC-SHA512 using the account secret key and sends the
// hex digest in the x-paystack-signature header.
type PaystackVerifier struct{}

var _ WebhookVerifier = (*PaystackVerifier)(nil)

func (PaystackVerifier) Verify(payload []byte, signatureHeader string, secret string) error {
	if signatureHeader == "" {
		return types.NewAppError(
			types.ErrCodeAuthSignatureMissing,
			"webhook signature header is missing",
			nil,
		)
	}

	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(signatureHeader)) {
		return types.NewAppError(
			types.ErrCodeAuthSignatureInvalid,
			"webhook signature does not match payload",
			nil,
		)
	}
	return nil
}

// Gateway webhook event names this system acts on. Every other event is
// acknowledged and ignored.
const (
	EventChargeSuccess = "charge.success"
)

// WebhookEvent is a parsed gateway notification. Only the transaction
// reference and event name drive processing; everything else is re-fetched
// from the gateway so a forged or stale payload body cannot influence
// ledger state.
type WebhookEvent struct {
	Event     string
	Reference string
}

// ParseWebhookEvent extracts the event name and transaction reference from
// a verified webhook payload.
func ParseWebhookEvent(payload []byte) (*WebhookEvent, error) {
	var body struct {
		Event string `json:"event"`
		Data  struct {
			Reference string `json:"reference"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeValidationInvalidMetadata,
			"webhook payload is not valid JSON",
			err,
		)
	}
	return &WebhookEvent{Event: body.Event, Reference: body.Data.Reference}, nil
}
