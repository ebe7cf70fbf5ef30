package client

import (
	"context"
	"errors"
	"time"

	"github.com/sigweihq/x402treasury/pkg/types"
	"github.com/sigweihq/x402treasury/pkg/utils"
	"github.com/sigweihq/x402treasury/pkg/wallet"
)

// AuthorizationPayer pays x402 challenges by signing an EIP-3009
// transferWithAuthorization for the first accepted requirement
type AuthorizationPayer struct {
	wallet   *wallet.KeyWallet
	validFor time.Duration
}

var _ Payer = (*AuthorizationPayer)(nil)

// NewAuthorizationPayer signs with w. validFor applies when a requirement
// carries no maxTimeoutSeconds.
func NewAuthorizationPayer(w *wallet.KeyWallet, validFor time.Duration) *AuthorizationPayer {
	return &AuthorizationPayer{wallet: w, validFor: validFor}
}

func (p *AuthorizationPayer) Pay(ctx context.Context, info *PaymentInfo) (string, error) {
	req, err := pick(info.Requirements)
	if err != nil {
		return "", err
	}

	token, err := p.wallet.SignTransferAuthorization(ctx, req, p.validFor)
	if err != nil {
		return "", err
	}
	return utils.EncodePaymentToken(token)
}

func pick(accepts []types.PaymentRequirements) (types.PaymentRequirements, error) {
	for _, req := range accepts {
		if req.Scheme.Valid() {
			return req, nil
		}
	}
	return types.PaymentRequirements{}, errors.New("no supported payment requirements in challenge")
}
