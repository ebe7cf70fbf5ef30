package wallet

import (
	"context"
	"crypto/rand"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/sigweihq/x402treasury/pkg/constants"
	"github.com/sigweihq/x402treasury/pkg/types"
	"github.com/sigweihq/x402treasury/pkg/utils"
)

// TransferAuthorizationTypedData builds the EIP-712 TransferWithAuthorization
// message for asset on network
func TransferAuthorizationTypedData(network, asset, domainName, domainVersion string, auth types.EIP3009Payload) (apitypes.TypedData, error) {
	chainID, ok := constants.NetworkToChainID[network]
	if !ok {
		return apitypes.TypedData{}, fmt.Errorf("unsupported network: %s", network)
	}

	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"TransferWithAuthorization": []apitypes.Type{
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              domainName,
			Version:           domainVersion,
			ChainId:           math.NewHexOrDecimal256(chainID),
			VerifyingContract: strings.ToLower(asset),
		},
		Message: apitypes.TypedDataMessage{
			"from":        strings.ToLower(auth.From),
			"to":          strings.ToLower(auth.To),
			"value":       auth.Value,
			"validAfter":  auth.ValidAfter,
			"validBefore": auth.ValidBefore,
			"nonce":       auth.Nonce,
		},
	}, nil
}

// SignTransferAuthorization produces an eip-3009 PaymentToken satisfying req.
// The authorization is valid from now for req.MaxTimeoutSeconds (or validFor
// when the requirements carry no timeout).
func (w *KeyWallet) SignTransferAuthorization(ctx context.Context, req types.PaymentRequirements, validFor time.Duration) (*types.PaymentToken, error) {
	asset := req.Asset
	if !common.IsHexAddress(asset) {
		address, ok := constants.NetworkToUSDCAddress[req.Network]
		if !ok || !strings.EqualFold(asset, constants.DefaultChallengeAsset) {
			return nil, fmt.Errorf("cannot resolve asset %q on %s", req.Asset, req.Network)
		}
		asset = address
	}

	domainName, domainVersion, err := utils.ExtractExtraData(&req)
	if err != nil {
		domainName, domainVersion = constants.USDCName[req.Network], "2"
	}

	if req.MaxTimeoutSeconds > 0 {
		validFor = time.Duration(req.MaxTimeoutSeconds) * time.Second
	}

	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	auth := types.EIP3009Payload{
		From:        w.address.Hex(),
		To:          req.PayTo,
		Value:       req.MaxAmountRequired,
		ValidAfter:  "0",
		ValidBefore: strconv.FormatInt(time.Now().Add(validFor).Unix(), 10),
		Nonce:       hexutil.Encode(nonce[:]),
	}

	typedData, err := TransferAuthorizationTypedData(req.Network, asset, domainName, domainVersion, auth)
	if err != nil {
		return nil, err
	}
	digest, err := utils.HashTypedData(typedData)
	if err != nil {
		return nil, err
	}
	sig, err := w.SignHash(ctx, digest)
	if err != nil {
		return nil, err
	}

	token := &types.PaymentToken{
		Scheme:  types.SchemeEIP3009,
		Network: req.Network,
		Payload: auth,
		Signature: types.PaymentSignature{
			V: int(sig[64]),
			R: hexutil.Encode(sig[:32]),
			S: hexutil.Encode(sig[32:64]),
		},
	}
	if req.Scheme.Valid() {
		token.Scheme = req.Scheme
	}
	return token, nil
}
