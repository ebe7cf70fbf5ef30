package utils

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sigweihq/x402treasury/pkg/types"
)

// EncodeReceipt renders the x-payment-response header value: base64 of the receipt JSON
func EncodeReceipt(r types.Receipt) (string, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("failed to marshal receipt: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// DecodeReceipt parses an x-payment-response header value
func DecodeReceipt(header string) (*types.Receipt, error) {
	b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(header))
	if err != nil {
		return nil, fmt.Errorf("failed to decode receipt: %w", err)
	}
	var r types.Receipt
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal receipt: %w", err)
	}
	return &r, nil
}

// EncodePaymentToken renders a PaymentToken as the x-payment header value (JSON)
func EncodePaymentToken(t *types.PaymentToken) (string, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment token: %w", err)
	}
	return string(b), nil
}

// DecodePaymentToken parses an x-payment header value. Both raw JSON and
// base64-encoded JSON are accepted. Every failure wraps types.ErrMalformedToken.
func DecodePaymentToken(header string) (*types.PaymentToken, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, fmt.Errorf("%w: empty header", types.ErrMalformedToken)
	}

	raw := []byte(header)
	if !strings.HasPrefix(header, "{") {
		decoded, err := base64.StdEncoding.DecodeString(header)
		if err != nil {
			return nil, fmt.Errorf("%w: neither JSON nor base64", types.ErrMalformedToken)
		}
		raw = decoded
	}

	var token types.PaymentToken
	if err := json.Unmarshal(raw, &token); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrMalformedToken, err)
	}
	if err := token.Validate(); err != nil {
		return nil, err
	}
	return &token, nil
}
