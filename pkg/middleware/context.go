package middleware

import (
	"context"

	"github.com/sigweihq/x402treasury/pkg/types"
)

// Payment describes a settled payment attached to the request context
type Payment struct {
	Payer           string
	TransactionHash string
	Token           *types.PaymentToken
	Requirements    types.PaymentRequirements
	Settlement      *types.SettleResult
}

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

// PaymentContextKey is the context key for storing settled payment information.
const PaymentContextKey = contextKey("x402_payment")

// WithPayment returns a copy of ctx carrying p
func WithPayment(ctx context.Context, p *Payment) context.Context {
	return context.WithValue(ctx, PaymentContextKey, p)
}

// PaymentFromContext returns the settled payment, if any
func PaymentFromContext(ctx context.Context) (*Payment, bool) {
	p, ok := ctx.Value(PaymentContextKey).(*Payment)
	return p, ok && p != nil
}

// PayerFromContext returns the verified payer address
func PayerFromContext(ctx context.Context) (string, bool) {
	p, ok := PaymentFromContext(ctx)
	if !ok {
		return "", false
	}
	return p.Payer, true
}

// TransactionHashFromContext returns the settlement transaction hash
func TransactionHashFromContext(ctx context.Context) (string, bool) {
	p, ok := PaymentFromContext(ctx)
	if !ok {
		return "", false
	}
	return p.TransactionHash, true
}
