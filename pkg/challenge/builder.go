// Package challenge builds the payment requirements advertised in HTTP 402 responses.
package challenge

import (
	"encoding/json"
	"strings"

	x402types "github.com/coinbase/x402/go/pkg/types"
	"github.com/sigweihq/x402treasury/pkg/config"
	"github.com/sigweihq/x402treasury/pkg/constants"
	"github.com/sigweihq/x402treasury/pkg/types"
)

// Builder derives PaymentRequirements from a static configuration.
// It holds no mutable state and is safe for concurrent use.
type Builder struct {
	cfg config.Config
}

func NewBuilder(cfg config.Config) *Builder {
	return &Builder{cfg: cfg}
}

// Config returns the configuration the builder is bound to
func (b *Builder) Config() config.Config {
	return b.cfg
}

// BuildRequirements returns the requirements for resource. A non-empty
// override amount replaces the configured default price. The result is a
// fresh value on every call: callers may mutate it freely.
func (b *Builder) BuildRequirements(resource, description string, override config.PricingOverride) types.PaymentRequirements {
	req := types.PaymentRequirements{
		Scheme:            b.cfg.Scheme,
		Network:           b.cfg.Network,
		MaxAmountRequired: override.Resolve(b.cfg.ChallengeAmount),
		Resource:          resource,
		Description:       description,
		MimeType:          constants.MimeTypeJSON,
		PayTo:             b.cfg.ChallengeRecipient,
		MaxTimeoutSeconds: b.cfg.TimeoutSeconds,
		Asset:             b.cfg.ChallengeAsset,
	}

	if name, ok := usdcDomainName(b.cfg.Network, b.cfg.ChallengeAsset); ok {
		req.Extra = map[string]any{
			"name":    name,
			"version": "2",
		}
	}

	return req
}

// usdcDomainName returns the EIP-712 domain name of the network's USDC
// deployment when asset refers to it, either by symbol or by address.
func usdcDomainName(network, asset string) (string, bool) {
	address, ok := constants.NetworkToUSDCAddress[network]
	if !ok {
		return "", false
	}
	if !strings.EqualFold(asset, constants.DefaultChallengeAsset) && !strings.EqualFold(asset, address) {
		return "", false
	}
	name, ok := constants.USDCName[network]
	return name, ok
}

// NewChallenge wraps requirements into a 402 body. errMsg explains why a
// previously presented payment was rejected and is empty on the bare path.
func NewChallenge(req types.PaymentRequirements, errMsg string) types.Challenge {
	return types.Challenge{
		X402Version: constants.X402Version,
		Accepts:     []types.PaymentRequirements{req},
		Error:       errMsg,
	}
}

// ToX402 converts requirements into the canonical x402 type used by
// exact-scheme facilitators. The asset symbol is resolved to the network's
// USDC contract address when possible.
func ToX402(req types.PaymentRequirements) (*x402types.PaymentRequirements, error) {
	asset := req.Asset
	if strings.EqualFold(asset, constants.DefaultChallengeAsset) {
		if address, ok := constants.NetworkToUSDCAddress[req.Network]; ok {
			asset = address
		}
	}

	out := &x402types.PaymentRequirements{
		Scheme:            string(req.Scheme),
		Network:           req.Network,
		MaxAmountRequired: req.MaxAmountRequired,
		Resource:          req.Resource,
		Description:       req.Description,
		MimeType:          req.MimeType,
		PayTo:             req.PayTo,
		MaxTimeoutSeconds: req.MaxTimeoutSeconds,
		Asset:             asset,
	}

	if req.Extra != nil {
		raw, err := json.Marshal(req.Extra)
		if err != nil {
			return nil, err
		}
		extra := json.RawMessage(raw)
		out.Extra = &extra
	}

	return out, nil
}
