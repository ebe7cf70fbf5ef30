// Package facilitator is the client for an external x402 facilitator service.
//
// Based on facilitatorclient.FacilitatorClient
// https://github.com/coinbase/x402/blob/main/go/pkg/facilitatorclient/facilitatorclient.go
package facilitator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	x402types "github.com/coinbase/x402/go/pkg/types"
	"github.com/sigweihq/x402treasury/pkg/challenge"
	"github.com/sigweihq/x402treasury/pkg/config"
	"github.com/sigweihq/x402treasury/pkg/constants"
	"github.com/sigweihq/x402treasury/pkg/types"
	"github.com/sigweihq/x402treasury/pkg/utils"
)

var (
	// ErrFacilitatorUnavailable means no configured facilitator produced a usable response
	ErrFacilitatorUnavailable = errors.New("facilitator unavailable")

	// ErrMisconfigured is returned for programmer errors such as a missing URL
	ErrMisconfigured = errors.New("facilitator client misconfigured")
)

type endpoint struct {
	config     *x402types.FacilitatorConfig
	httpClient *http.Client
}

// Client talks to one or more facilitators, in failover order.
// It is stateless and safe for concurrent use.
type Client struct {
	endpoints []endpoint
	builder   *challenge.Builder
	logger    *slog.Logger
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the HTTP client used for every endpoint
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		for i := range c.endpoints {
			c.endpoints[i].httpClient = hc
		}
	}
}

// New creates a facilitator client. configs are tried in order; the next one
// is used only when the previous is unreachable.
func New(configs []*x402types.FacilitatorConfig, builder *challenge.Builder, logger *slog.Logger, opts ...Option) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if builder == nil {
		return nil, fmt.Errorf("%w: nil challenge builder", ErrMisconfigured)
	}
	if len(configs) == 0 {
		return nil, fmt.Errorf("%w: no facilitator configured", ErrMisconfigured)
	}

	c := &Client{builder: builder, logger: logger}
	for _, cfg := range configs {
		if cfg == nil || cfg.URL == "" {
			return nil, fmt.Errorf("%w: empty facilitator URL", ErrMisconfigured)
		}
		var timeout = constants.FacilitatorTimeout
		if cfg.Timeout != nil {
			timeout = cfg.Timeout()
		}
		c.endpoints = append(c.endpoints, endpoint{
			config:     cfg,
			httpClient: utils.CreateHTTPClientWithTimeouts(timeout),
		})
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// NewFromConfig creates a client bound to cfg, with its own challenge builder
func NewFromConfig(cfg config.Config, logger *slog.Logger, opts ...Option) (*Client, error) {
	return New(cfg.FacilitatorConfigs(), challenge.NewBuilder(cfg), logger, opts...)
}

// URL returns the primary facilitator URL
func (c *Client) URL() string {
	return c.endpoints[0].config.URL
}

type paymentRequest struct {
	X402Version         int                 `json:"x402Version"`
	PaymentHeader       string              `json:"paymentHeader"`
	PaymentToken        *types.PaymentToken `json:"paymentToken"`
	PaymentRequirements any                 `json:"paymentRequirements"`
}

// newPaymentRequest builds the verify/settle body. exact-scheme requirements
// are sent in the canonical x402 shape with the asset resolved to an address.
func newPaymentRequest(token *types.PaymentToken, req types.PaymentRequirements) (*paymentRequest, error) {
	raw, err := utils.EncodePaymentToken(token)
	if err != nil {
		return nil, err
	}
	body := &paymentRequest{
		X402Version:         constants.X402Version,
		PaymentHeader:       base64.StdEncoding.EncodeToString([]byte(raw)),
		PaymentToken:        token,
		PaymentRequirements: req,
	}
	if req.Scheme == types.SchemeExact {
		canonical, err := challenge.ToX402(req)
		if err != nil {
			return nil, fmt.Errorf("failed to convert requirements: %w", err)
		}
		body.PaymentRequirements = canonical
	}
	return body, nil
}

// Verify asks the facilitator whether token satisfies req. An unreachable
// facilitator yields IsValid=false with reason facilitator_unreachable and a nil error.
func (c *Client) Verify(ctx context.Context, token *types.PaymentToken, req types.PaymentRequirements) (*types.VerifyResult, error) {
	body, err := newPaymentRequest(token, req)
	if err != nil {
		return nil, err
	}

	result, err := doJSON[types.VerifyResult](ctx, c, http.MethodPost, "/verify", body, "verify")
	if err != nil {
		if errors.Is(err, ErrFacilitatorUnavailable) {
			c.logger.Warn("facilitator unreachable during verify", "resource", req.Resource, "error", err)
			return &types.VerifyResult{IsValid: false, InvalidReason: constants.ReasonUnreachable}, nil
		}
		if rejected, ok := rejectionFromBody[types.VerifyResult](err); ok && rejected.InvalidReason != "" {
			rejected.IsValid = false
			rejected.Normalize()
			return rejected, nil
		}
		return nil, err
	}

	result.Normalize()
	return result, nil
}

// Settle asks the facilitator to settle token. It re-validates independently
// of any earlier Verify. An unreachable facilitator yields Success=false.
func (c *Client) Settle(ctx context.Context, token *types.PaymentToken, req types.PaymentRequirements) (*types.SettleResult, error) {
	body, err := newPaymentRequest(token, req)
	if err != nil {
		return nil, err
	}

	result, err := doJSON[types.SettleResult](ctx, c, http.MethodPost, "/settle", body, "settle")
	if err != nil {
		if errors.Is(err, ErrFacilitatorUnavailable) {
			c.logger.Error("facilitator unreachable during settle", "resource", req.Resource, "error", err)
			return &types.SettleResult{Success: false, Network: req.Network, Error: constants.ReasonUnreachable}, nil
		}
		if rejected, ok := rejectionFromBody[types.SettleResult](err); ok && rejected.Error != "" {
			rejected.Success = false
			if rejected.Network == "" {
				rejected.Network = req.Network
			}
			rejected.Normalize()
			return rejected, nil
		}
		return nil, err
	}

	if result.Network == "" {
		result.Network = req.Network
	}
	result.Normalize()
	return result, nil
}

// HealthCheck reports whether any facilitator answers GET /health with 2xx
func (c *Client) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, constants.HealthCheckTimeout)
	defer cancel()

	for _, ep := range c.endpoints {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(ep.config.URL, "/")+"/health", nil)
		if err != nil {
			continue
		}
		resp, err := ep.httpClient.Do(req)
		if err != nil {
			c.logger.Debug("facilitator health probe failed", "url", ep.config.URL, "error", err)
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return true
		}
	}
	return false
}

// Supported lists the scheme/network pairs the facilitator accepts
func (c *Client) Supported(ctx context.Context) (*types.SupportedResponse, error) {
	return doJSON[types.SupportedResponse](ctx, c, http.MethodGet, "/supported", nil, "supported")
}

// GetDefaultRequirements delegates to the bound challenge builder
func (c *Client) GetDefaultRequirements(resource, description string) types.PaymentRequirements {
	return c.builder.BuildRequirements(resource, description, config.NoOverride)
}

// doJSON sends the request to each endpoint in turn until one responds.
// When every endpoint is unreachable the error wraps ErrFacilitatorUnavailable.
func doJSON[T any](ctx context.Context, c *Client, method, path string, body any, endpointName string) (*T, error) {
	var lastErr error
	for i, ep := range c.endpoints {
		url := strings.TrimRight(ep.config.URL, "/") + path
		result, err := utils.MakeJSONRequest[T](ctx, ep.httpClient, method, url, body, ep.config.CreateAuthHeaders, endpointName)
		if err == nil {
			return result, nil
		}
		if !shouldRetryWithNextFacilitator(err) {
			return nil, err
		}
		lastErr = err
		if i < len(c.endpoints)-1 {
			c.logger.Warn("facilitator failed, trying next", "endpoint", endpointName, "url", ep.config.URL, "error", err)
		}
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("%w: %w", ErrFacilitatorUnavailable, lastErr)
}

// shouldRetryWithNextFacilitator classifies infrastructure failures: the
// request never got a response, the facilitator returned 5xx, or it rejected
// our credentials. Client errors are not retried.
func shouldRetryWithNextFacilitator(err error) bool {
	if errors.Is(err, utils.ErrNotDelivered) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) {
		return true
	}
	var httpErr *utils.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.IsServerError() || httpErr.IsUnauthorized()
	}
	return false
}

// rejectionFromBody decodes a 4xx response body that still carries a result
func rejectionFromBody[T any](err error) (*T, bool) {
	var httpErr *utils.HTTPError
	if !errors.As(err, &httpErr) || len(httpErr.Body) == 0 {
		return nil, false
	}
	var out T
	if json.Unmarshal(httpErr.Body, &out) != nil {
		return nil, false
	}
	return &out, true
}
