package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw callback body.
const SignatureHeader = "X-Signature"

// Callback is a provider's asynchronous payment notification. Providers may
// deliver the same callback more than once and out of order.
type Callback struct {
	TopUpID          string        `json:"topup_id"`
	GatewayReference string        `json:"gateway_reference"`
	TransactionID    string        `json:"transaction_id,omitempty"`
	Status           PaymentStatus `json:"status"`
	Reason           string        `json:"reason,omitempty"`
}

// Sign returns the hex HMAC-SHA256 of payload.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifySignature compares signature against the expected HMAC in
// constant time.
func VerifySignature(payload []byte, signature, secret string) bool {
	want, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hmac.Equal(h.Sum(nil), want)
}

// ParseCallback verifies and decodes a callback body. An empty secret skips
// verification (development only).
func ParseCallback(body []byte, signature, secret string) (Callback, error) {
	if secret != "" && !VerifySignature(body, signature, secret) {
		return Callback{}, ErrInvalidSignature
	}
	var cb Callback
	if err := json.Unmarshal(body, &cb); err != nil {
		return Callback{}, fmt.Errorf("%w: %v", ErrInvalidCallback, err)
	}
	if cb.TopUpID == "" {
		return Callback{}, fmt.Errorf("%w: topup_id is required", ErrInvalidCallback)
	}
	switch cb.Status {
	case StatusPaid:
		if cb.TransactionID == "" {
			return Callback{}, fmt.Errorf("%w: transaction_id is required for paid callbacks", ErrInvalidCallback)
		}
	case StatusFailed, StatusExpired:
	default:
		return Callback{}, fmt.Errorf("%w: unknown status %q", ErrInvalidCallback, cb.Status)
	}
	return cb, nil
}
