// Package middleware gates net/http handlers behind the x402 payment handshake.
package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/sigweihq/x402treasury/pkg/challenge"
	"github.com/sigweihq/x402treasury/pkg/config"
	"github.com/sigweihq/x402treasury/pkg/constants"
	"github.com/sigweihq/x402treasury/pkg/facilitator"
	"github.com/sigweihq/x402treasury/pkg/types"
	"github.com/sigweihq/x402treasury/pkg/utils"
)

// Facilitator is the subset of facilitator.Client the middleware depends on
type Facilitator interface {
	Verify(ctx context.Context, token *types.PaymentToken, req types.PaymentRequirements) (*types.VerifyResult, error)
	Settle(ctx context.Context, token *types.PaymentToken, req types.PaymentRequirements) (*types.SettleResult, error)
	GetDefaultRequirements(resource, description string) types.PaymentRequirements
	HealthCheck(ctx context.Context) bool
}

var _ Facilitator = (*facilitator.Client)(nil)

// Middleware drives challenge -> verify -> settle for protected resources
type Middleware struct {
	mode        config.Mode
	facilitator Facilitator
	logger      *slog.Logger
}

// New registers the middleware. It logs the resolved mode and, when armed,
// probes the facilitator once; an unhealthy facilitator is not fatal.
func New(ctx context.Context, mode config.Mode, fac Facilitator, logger *slog.Logger) *Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Middleware{mode: mode, facilitator: fac, logger: logger}

	switch md := mode.(type) {
	case config.Disabled:
		if md.Reason == config.ErrMissingRecipient.Error() {
			logger.Warn("x402 enabled but challenge recipient missing, payments disabled")
		} else {
			logger.Info("x402 middleware disabled", "reason", md.Reason)
		}
	case config.Armed:
		if fac == nil {
			logger.Warn("x402 armed without a facilitator client, protected routes pass through")
			break
		}
		if fac.HealthCheck(ctx) {
			logger.Info("x402 facilitator healthy", "network", md.Config.Network, "scheme", md.Config.Scheme)
		} else {
			logger.Warn("x402 facilitator unhealthy, will retry per request", "url", md.Config.FacilitatorURL)
		}
	}
	return m
}

// Enabled reports whether protected routes require payment
func (m *Middleware) Enabled() bool {
	_, armed := m.mode.(config.Armed)
	return armed && m.facilitator != nil
}

// CheckOverride returns override, or NoOverride with an error logged when
// override is not a valid amount
func (m *Middleware) CheckOverride(resource string, override config.PricingOverride) config.PricingOverride {
	if err := override.Validate(); err != nil {
		m.logger.Error("invalid price override ignored", "resource", resource, "error", err)
		return config.NoOverride
	}
	return override
}

// Gating reports whether a request for path must run the handshake. An armed
// middleware without a facilitator passes requests through with a warning.
func (m *Middleware) Gating(path string) bool {
	if _, armed := m.mode.(config.Armed); !armed {
		return false
	}
	if m.facilitator == nil {
		m.logger.Warn("x402 client not initialized, passing through", "path", path)
		return false
	}
	return true
}

// Protect returns a handler wrapper that prices resource. An empty resource
// uses the request path.
func (m *Middleware) Protect(resource, description string, override config.PricingOverride) func(http.Handler) http.Handler {
	override = m.CheckOverride(resource, override)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !m.Gating(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			res := resource
			if res == "" {
				res = r.URL.Path
			}
			result := m.Handle(r.Context(), r.Header.Get(constants.HeaderPayment), res, description, override)
			switch result.Outcome {
			case OutcomeForward:
				w.Header().Set(constants.HeaderPaymentResponse, result.Receipt)
				next.ServeHTTP(w, r.WithContext(WithPayment(r.Context(), result.Payment)))
			case OutcomeChallenge:
				m.writeChallenge(w, result.Challenge)
			default:
				writeError(w, http.StatusInternalServerError, "payment processing failed")
			}
		})
	}
}

// Handler is shorthand for Protect(...)(next)
func (m *Middleware) Handler(resource, description string, override config.PricingOverride, next http.Handler) http.Handler {
	return m.Protect(resource, description, override)(next)
}

// Outcome is the terminal state of one handshake
type Outcome int

const (
	// OutcomeChallenge answers with 402 and Result.Challenge
	OutcomeChallenge Outcome = iota
	// OutcomeForward passes the request on with the receipt header attached
	OutcomeForward
	// OutcomeFailed is an unexpected error surfaced as 5xx
	OutcomeFailed
)

// Result is what Handle decided for a request
type Result struct {
	Outcome   Outcome
	Challenge *types.Challenge
	Payment   *Payment
	Receipt   string // x-payment-response header value
}

func challengeResult(req types.PaymentRequirements, errMsg string) Result {
	c := challenge.NewChallenge(req, errMsg)
	return Result{Outcome: OutcomeChallenge, Challenge: &c}
}

var failed = Result{Outcome: OutcomeFailed}

// Handle runs the handshake for one request without touching the response.
// It is shared by the net/http and gin adapters. settle is only reached
// after verify reported the token valid.
func (m *Middleware) Handle(ctx context.Context, header, resource, description string, override config.PricingOverride) Result {
	req := m.facilitator.GetDefaultRequirements(resource, description)
	req.MaxAmountRequired = override.Resolve(req.MaxAmountRequired)

	if header == "" {
		m.logger.Info("no payment header, returning 402 challenge", "resource", resource)
		return challengeResult(req, "")
	}

	token, err := utils.DecodePaymentToken(header)
	if err != nil {
		m.logger.Warn("malformed payment header", "resource", resource, "error", err)
		return challengeResult(req, constants.ReasonMalformed)
	}

	verify, err := m.facilitator.Verify(ctx, token, req)
	if err != nil {
		if errors.Is(err, facilitator.ErrFacilitatorUnavailable) {
			m.logger.Warn("payment verification failed", "resource", resource, "reason", constants.ReasonUnreachable)
			return challengeResult(req, constants.ReasonUnreachable)
		}
		m.logger.Error("unexpected verify failure", "resource", resource, "error", err)
		return failed
	}
	if !verify.IsValid {
		reason := verify.InvalidReason
		if reason == "" {
			reason = "invalid_payment"
		}
		m.logger.Warn("payment verification failed", "resource", resource, "reason", reason)
		return challengeResult(req, reason)
	}

	m.logger.Info("payment verified, settling", "resource", resource, "payer", verify.Payer)

	settle, err := m.facilitator.Settle(ctx, token, req)
	if err != nil {
		if errors.Is(err, facilitator.ErrFacilitatorUnavailable) {
			m.logger.Error("payment settlement failed", "resource", resource, "error", constants.ReasonUnreachable)
			return challengeResult(req, constants.SettlePrefix+constants.ReasonUnreachable)
		}
		m.logger.Error("unexpected settle failure", "resource", resource, "error", err)
		return failed
	}
	if !settle.Success {
		m.logger.Error("payment settlement failed", "resource", resource, "error", settle.Error)
		return challengeResult(req, constants.SettlePrefix+settle.Error)
	}

	m.logger.Info("payment settled", "resource", resource, "payer", verify.Payer, "txHash", settle.TransactionHash)
	receipt, err := utils.EncodeReceipt(types.ReceiptFromSettlement(settle))
	if err != nil {
		m.logger.Error("failed to encode receipt", "resource", resource, "error", err)
		return failed
	}

	return Result{
		Outcome: OutcomeForward,
		Receipt: receipt,
		Payment: &Payment{
			Payer:           verify.Payer,
			TransactionHash: settle.TransactionHash,
			Token:           token,
			Requirements:    req,
			Settlement:      settle,
		},
	}
}

func (m *Middleware) writeChallenge(w http.ResponseWriter, body *types.Challenge) {
	w.Header().Set("Content-Type", constants.MimeTypeJSON)
	w.WriteHeader(http.StatusPaymentRequired)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		m.logger.Error("failed to send payment required response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", constants.MimeTypeJSON)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg})
}
