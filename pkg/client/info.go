package client

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/sigweihq/x402treasury/pkg/constants"
	"github.com/sigweihq/x402treasury/pkg/types"
	"github.com/sigweihq/x402treasury/pkg/utils"
)

// Fallbacks used when a 402 response omits a field
const (
	DefaultToken   = "TCRO"
	DefaultNetwork = constants.NetworkCronosTestnet
)

// PaymentInfo is what a 402 response asks the caller to pay
type PaymentInfo struct {
	Address      string                      `json:"address"`
	Amount       string                      `json:"amount"`
	Token        string                      `json:"token"`
	Network      string                      `json:"network"`
	Recipient    string                      `json:"recipient"`
	Description  string                      `json:"description"`
	Error        string                      `json:"error,omitempty"`
	Requirements []types.PaymentRequirements `json:"requirements,omitempty"`
}

// Message is the text to show the user: the server's rejection reason when
// one was given, otherwise a generic prompt
func (p *PaymentInfo) Message() string {
	if p.Error != "" {
		return p.Error
	}
	return "Payment required"
}

// PaymentRequiredError is returned by Fetch and Retry on a 402 response
type PaymentRequiredError struct {
	Info *PaymentInfo
}

func (e *PaymentRequiredError) Error() string {
	return fmt.Sprintf("payment required: %s", e.Info.Message())
}

// paymentBody is the legacy body shape: {"message": ..., "payment": {...}}
type paymentBody struct {
	Message string `json:"message"`
	Payment *struct {
		Address   string `json:"address"`
		Amount    string `json:"amount"`
		Token     string `json:"token"`
		Network   string `json:"network"`
		Recipient string `json:"recipient"`
	} `json:"payment"`
}

// ParsePaymentInfo extracts payment details from a 402 response. Header
// values are read first; a JSON body, either an x402 challenge or a
// {"payment": {...}} object, refines them. Unparseable bodies are ignored.
func ParsePaymentInfo(resp *http.Response, body []byte) *PaymentInfo {
	info := &PaymentInfo{
		Address:     resp.Header.Get(constants.HeaderPaymentAddress),
		Amount:      resp.Header.Get(constants.HeaderPaymentAmount),
		Token:       resp.Header.Get(constants.HeaderPaymentToken),
		Network:     resp.Header.Get(constants.HeaderPaymentNetwork),
		Recipient:   resp.Header.Get(constants.HeaderPaymentRecipient),
		Description: "Payment required for: " + requestURL(resp),
	}

	var challenge types.Challenge
	if err := json.Unmarshal(body, &challenge); err == nil && len(challenge.Accepts) > 0 {
		req := challenge.Accepts[0]
		info.Requirements = challenge.Accepts
		info.Error = challenge.Error
		info.Address = firstNonEmpty(info.Address, req.PayTo)
		info.Recipient = firstNonEmpty(info.Recipient, req.PayTo)
		info.Amount = firstNonEmpty(info.Amount, req.MaxAmountRequired)
		info.Token = firstNonEmpty(info.Token, req.Asset)
		info.Network = firstNonEmpty(info.Network, req.Network)
		if req.Description != "" {
			info.Description = req.Description
		}
	}

	var legacy paymentBody
	if err := json.Unmarshal(body, &legacy); err == nil && legacy.Payment != nil {
		p := legacy.Payment
		info.Address = firstNonEmpty(p.Address, info.Address)
		info.Amount = firstNonEmpty(p.Amount, info.Amount)
		info.Token = firstNonEmpty(p.Token, info.Token)
		info.Network = firstNonEmpty(p.Network, info.Network)
		info.Recipient = firstNonEmpty(p.Recipient, info.Recipient)
		info.Description = firstNonEmpty(legacy.Message, info.Description)
	}

	info.Amount = firstNonEmpty(info.Amount, "0")
	info.Token = firstNonEmpty(info.Token, DefaultToken)
	info.Network = firstNonEmpty(info.Network, DefaultNetwork)
	info.Recipient = firstNonEmpty(info.Recipient, info.Address)
	return info
}

// ReceiptFromResponse decodes the x-payment-response header. It returns nil
// when the header is absent or unparseable.
func ReceiptFromResponse(resp *http.Response) *types.Receipt {
	header := resp.Header.Get(constants.HeaderPaymentResponse)
	if header == "" {
		return nil
	}
	receipt, err := utils.DecodeReceipt(header)
	if err != nil {
		return nil
	}
	return receipt
}

func readBody(resp *http.Response) []byte {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, int64(constants.MaxResponseBodySize)))
	return body
}

func requestURL(resp *http.Response) string {
	if resp.Request == nil || resp.Request.URL == nil {
		return ""
	}
	return resp.Request.URL.String()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
