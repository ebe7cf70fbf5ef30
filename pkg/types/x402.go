package types

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ErrMalformedToken is returned when an x-payment header does not carry a
// structurally valid PaymentToken
var ErrMalformedToken = errors.New("malformed payment token")

// Scheme is the payment authorization method
type Scheme string

const (
	SchemeExact   Scheme = "exact"
	SchemeEIP3009 Scheme = "eip-3009"
)

// Valid reports whether the scheme is one of the supported values
func (s Scheme) Valid() bool {
	return s == SchemeExact || s == SchemeEIP3009
}

// PaymentRequirements describes what must be paid to unlock a resource
type PaymentRequirements struct {
	Scheme            Scheme         `json:"scheme"`
	Network           string         `json:"network"`
	MaxAmountRequired string         `json:"maxAmountRequired"` // smallest unit, decimal string
	Resource          string         `json:"resource"`
	Description       string         `json:"description,omitempty"`
	MimeType          string         `json:"mimeType,omitempty"`
	PayTo             string         `json:"payTo"`
	MaxTimeoutSeconds int            `json:"maxTimeoutSeconds,omitempty"`
	Asset             string         `json:"asset,omitempty"`
	Extra             map[string]any `json:"extra,omitempty"`
}

// Challenge is the body of an HTTP 402 response
type Challenge struct {
	X402Version int                   `json:"x402Version"`
	Accepts     []PaymentRequirements `json:"accepts"`
	Error       string                `json:"error,omitempty"`
}

// EIP3009Payload carries the transferWithAuthorization parameters
type EIP3009Payload struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// PaymentSignature is a secp256k1 signature split into v, r, s
type PaymentSignature struct {
	V int    `json:"v"`
	R string `json:"r"`
	S string `json:"s"`
}

// PaymentToken is the caller-supplied payment proof carried in the x-payment header
type PaymentToken struct {
	Scheme    Scheme           `json:"scheme"`
	Network   string           `json:"network"`
	Payload   EIP3009Payload   `json:"payload"`
	Signature PaymentSignature `json:"signature"`
}

// Validate performs structural validation only. Whether the authorization is
// actually spendable is decided by the facilitator.
func (t *PaymentToken) Validate() error {
	if !t.Scheme.Valid() {
		return fmt.Errorf("%w: unsupported scheme %q", ErrMalformedToken, t.Scheme)
	}
	if t.Network == "" {
		return fmt.Errorf("%w: missing network", ErrMalformedToken)
	}
	if !common.IsHexAddress(t.Payload.From) {
		return fmt.Errorf("%w: invalid from address", ErrMalformedToken)
	}
	if !common.IsHexAddress(t.Payload.To) {
		return fmt.Errorf("%w: invalid to address", ErrMalformedToken)
	}
	for name, v := range map[string]string{
		"value":       t.Payload.Value,
		"validAfter":  t.Payload.ValidAfter,
		"validBefore": t.Payload.ValidBefore,
	} {
		if _, ok := new(big.Int).SetString(v, 10); !ok {
			return fmt.Errorf("%w: %s is not an integer", ErrMalformedToken, name)
		}
	}
	if t.Payload.Nonce == "" {
		return fmt.Errorf("%w: missing nonce", ErrMalformedToken)
	}
	switch t.Signature.V {
	case 0, 1, 27, 28:
	default:
		return fmt.Errorf("%w: invalid signature v %d", ErrMalformedToken, t.Signature.V)
	}
	if !isBytes32(t.Signature.R) || !isBytes32(t.Signature.S) {
		return fmt.Errorf("%w: signature r and s must be 32-byte hex", ErrMalformedToken)
	}
	return nil
}

func isBytes32(s string) bool {
	if !strings.HasPrefix(s, "0x") {
		s = "0x" + s
	}
	b, err := hexutil.Decode(s)
	return err == nil && len(b) == 32
}

// VerifyResult is the facilitator's verdict on a payment token
type VerifyResult struct {
	IsValid       bool          `json:"isValid"`
	InvalidReason string        `json:"invalidReason,omitempty"`
	Payer         string        `json:"payer,omitempty"`
	PaymentToken  *PaymentToken `json:"paymentToken,omitempty"`
}

// Normalize enforces that a payer is only reported for valid payments
func (r *VerifyResult) Normalize() {
	if !r.IsValid {
		r.Payer = ""
	}
}

// SettleResult is the facilitator's outcome for a settlement attempt
type SettleResult struct {
	Success         bool   `json:"success"`
	TransactionHash string `json:"transactionHash,omitempty"`
	Network         string `json:"network"`
	SettledAmount   string `json:"settledAmount,omitempty"`
	Error           string `json:"error,omitempty"`
}

// Normalize enforces that a transaction hash is only reported for successful settlements
func (r *SettleResult) Normalize() {
	if !r.Success {
		r.TransactionHash = ""
		r.SettledAmount = ""
	}
}

// Receipt is the payload of the x-payment-response header
type Receipt struct {
	Success         bool   `json:"success"`
	Network         string `json:"network"`
	TransactionHash string `json:"transactionHash,omitempty"`
	SettledAmount   string `json:"settledAmount,omitempty"`
}

// ReceiptFromSettlement builds the caller-facing receipt for a successful settlement
func ReceiptFromSettlement(r *SettleResult) Receipt {
	return Receipt{
		Success:         r.Success,
		Network:         r.Network,
		TransactionHash: r.TransactionHash,
		SettledAmount:   r.SettledAmount,
	}
}
