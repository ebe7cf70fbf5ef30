// Package client implements the caller side of the x402 handshake: it
// detects 402 challenges, keeps the original request for replay, and retries
// it once a payment proof is available.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/sigweihq/x402treasury/pkg/constants"
	"github.com/sigweihq/x402treasury/pkg/utils"
)

// State is the position of the client in the request/payment cycle
type State int

const (
	StateIdle State = iota
	StatePending
	StatePaymentRequired
	StateSuccess
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePending:
		return "pending"
	case StatePaymentRequired:
		return "payment_required"
	case StateSuccess:
		return "success"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Payer completes the payment described by info and returns the value for
// the x-payment header of the retried request
type Payer interface {
	Pay(ctx context.Context, info *PaymentInfo) (string, error)
}

// PayerFunc adapts a function to Payer
type PayerFunc func(ctx context.Context, info *PaymentInfo) (string, error)

func (f PayerFunc) Pay(ctx context.Context, info *PaymentInfo) (string, error) {
	return f(ctx, info)
}

// storedRequest is a replayable copy of an outgoing request
type storedRequest struct {
	method string
	url    string
	header http.Header
	body   []byte
}

func (s *storedRequest) build(ctx context.Context) (*http.Request, error) {
	var body io.Reader
	if s.body != nil {
		body = bytes.NewReader(s.body)
	}
	req, err := http.NewRequestWithContext(ctx, s.method, s.url, body)
	if err != nil {
		return nil, err
	}
	req.Header = s.header.Clone()
	return req, nil
}

// Client runs one request/payment cycle at a time
type Client struct {
	httpClient *http.Client
	payer      Payer
	logger     *slog.Logger

	mu      sync.Mutex
	state   State
	pending *storedRequest
	info    *PaymentInfo
}

// Option configures a Client
type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithPayer enables automatic payment in Do
func WithPayer(payer Payer) Option {
	return func(c *Client) {
		c.payer = payer
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

func New(opts ...Option) *Client {
	c := &Client{
		httpClient: utils.CreateHTTPClientWithTimeouts(0),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current state
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// PaymentInfo returns the details of the outstanding 402, if any
func (c *Client) PaymentInfo() *PaymentInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

// Clear drops the pending request and payment details
func (c *Client) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pending = nil
	c.info = nil
	if c.state == StatePaymentRequired {
		c.state = StateIdle
	}
}

// Fetch sends req. On success the response is returned unread. A 402
// yields *PaymentRequiredError and keeps req for Retry; any other non-2xx
// status yields a *utils.HTTPError.
func (c *Client) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	stored := &storedRequest{
		method: req.Method,
		url:    req.URL.String(),
		header: req.Header.Clone(),
	}
	if req.Body != nil && req.Body != http.NoBody {
		body, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			c.setState(StateFailed)
			return nil, fmt.Errorf("failed to buffer request body: %w", err)
		}
		stored.body = body
	}

	return c.send(ctx, stored)
}

// Retry replays the request that received the last 402, attaching
// paymentHeader as x-payment when non-empty. With no pending request it
// does nothing and returns (nil, nil).
func (c *Client) Retry(ctx context.Context, paymentHeader string) (*http.Response, error) {
	c.mu.Lock()
	pending := c.pending
	c.mu.Unlock()

	if pending == nil {
		return nil, nil
	}

	replay := *pending
	replay.header = pending.header.Clone()
	if paymentHeader != "" {
		replay.header.Set(constants.HeaderPayment, paymentHeader)
	}
	return c.send(ctx, &replay)
}

// Do fetches req and, on a 402, pays through the configured Payer and
// retries exactly once. A second 402 is returned to the caller.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	resp, err := c.Fetch(ctx, req)

	var required *PaymentRequiredError
	if !errors.As(err, &required) || c.payer == nil {
		return resp, err
	}

	header, err := c.payer.Pay(ctx, required.Info)
	if err != nil {
		return nil, fmt.Errorf("payment failed: %w", err)
	}

	c.logger.Debug("retrying with payment", "url", req.URL.String())
	return c.Retry(ctx, header)
}

func (c *Client) send(ctx context.Context, stored *storedRequest) (*http.Response, error) {
	c.mu.Lock()
	c.state = StatePending
	c.info = nil
	c.mu.Unlock()

	req, err := stored.build(ctx)
	if err != nil {
		c.setState(StateFailed)
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.setState(StateFailed)
		return nil, fmt.Errorf("request failed: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusPaymentRequired:
		info := ParsePaymentInfo(resp, readBody(resp))

		c.mu.Lock()
		c.state = StatePaymentRequired
		c.pending = stored
		c.info = info
		c.mu.Unlock()

		c.logger.Info("payment required", "url", stored.url, "amount", info.Amount, "token", info.Token)
		return nil, &PaymentRequiredError{Info: info}

	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		body := readBody(resp)
		c.setState(StateFailed)
		return nil, fmt.Errorf("request failed: %w", &utils.HTTPError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       body,
		})

	default:
		c.mu.Lock()
		c.state = StateSuccess
		c.pending = nil
		c.mu.Unlock()
		return resp, nil
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}
