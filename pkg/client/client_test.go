package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sigweihq/x402treasury/pkg/challenge"
	"github.com/sigweihq/x402treasury/pkg/config"
	"github.com/sigweihq/x402treasury/pkg/constants"
	"github.com/sigweihq/x402treasury/pkg/types"
	"github.com/sigweihq/x402treasury/pkg/utils"
	"github.com/sigweihq/x402treasury/pkg/wallet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPayee = "0x0987654321098765432109876543210987654321"

func testRequirements() types.PaymentRequirements {
	cfg := config.Default()
	cfg.Enabled = true
	cfg.ChallengeRecipient = testPayee
	return challenge.NewBuilder(cfg).BuildRequirements("/premium", "Premium data", config.NoOverride)
}

func write402(w http.ResponseWriter, errMsg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	json.NewEncoder(w).Encode(challenge.NewChallenge(testRequirements(), errMsg))
}

func newRequest(t *testing.T, method, url, body string) *http.Request {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, r)
	require.NoError(t, err)
	return req
}

func TestFetch_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	c := New()
	assert.Equal(t, StateIdle, c.State())

	resp, err := c.Fetch(context.Background(), newRequest(t, http.MethodGet, server.URL, ""))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.JSONEq(t, `{"ok":true}`, string(body))
	assert.Equal(t, StateSuccess, c.State())
}

func TestRetry_NoPendingRequestIsNoop(t *testing.T) {
	c := New()
	resp, err := c.Retry(context.Background(), "proof")
	assert.NoError(t, err)
	assert.Nil(t, resp)
	assert.Equal(t, StateIdle, c.State())
}

func TestFetch_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	c := New()
	_, err := c.Fetch(context.Background(), newRequest(t, http.MethodGet, server.URL, ""))
	require.Error(t, err)

	var httpErr *utils.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusInternalServerError, httpErr.StatusCode)
	assert.Equal(t, StateFailed, c.State())

	// nothing to retry after a non-402 failure
	resp, err := c.Retry(context.Background(), "proof")
	assert.NoError(t, err)
	assert.Nil(t, resp)
}

func TestFetch_PaymentRequired(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		write402(w, "")
	}))
	defer server.Close()

	c := New()
	resp, err := c.Fetch(context.Background(), newRequest(t, http.MethodGet, server.URL+"/premium", ""))
	assert.Nil(t, resp)

	var required *PaymentRequiredError
	require.ErrorAs(t, err, &required)
	assert.Equal(t, StatePaymentRequired, c.State())

	info := c.PaymentInfo()
	require.NotNil(t, info)
	assert.Same(t, required.Info, info)
	assert.Equal(t, testPayee, info.Address)
	assert.Equal(t, testPayee, info.Recipient)
	assert.Equal(t, "1000000", info.Amount)
	assert.Equal(t, "USDC", info.Token)
	assert.Equal(t, constants.NetworkCronosTestnet, info.Network)
	assert.Equal(t, "Premium data", info.Description)
	assert.Empty(t, info.Error)
	assert.Equal(t, "Payment required", info.Message())
	require.Len(t, info.Requirements, 1)

	c.Clear()
	assert.Equal(t, StateIdle, c.State())
	assert.Nil(t, c.PaymentInfo())
	resp, err = c.Retry(context.Background(), "proof")
	assert.NoError(t, err)
	assert.Nil(t, resp)
}

func TestParsePaymentInfo(t *testing.T) {
	reqURL := "http://api.example/premium"

	tests := []struct {
		name    string
		headers map[string]string
		body    string
		want    PaymentInfo
	}{
		{
			name: "headers only with non-JSON body",
			headers: map[string]string{
				constants.HeaderPaymentAddress: "0xabc",
				constants.HeaderPaymentAmount:  "5",
				constants.HeaderPaymentToken:   "USDC",
			},
			body: "pay up",
			want: PaymentInfo{
				Address: "0xabc", Amount: "5", Token: "USDC", Network: DefaultNetwork,
				Recipient: "0xabc", Description: "Payment required for: " + reqURL,
			},
		},
		{
			name: "empty response uses defaults",
			want: PaymentInfo{
				Amount: "0", Token: DefaultToken, Network: DefaultNetwork,
				Description: "Payment required for: " + reqURL,
			},
		},
		{
			name: "payment body overrides headers",
			headers: map[string]string{
				constants.HeaderPaymentAddress:   "0xheader",
				constants.HeaderPaymentAmount:    "1",
				constants.HeaderPaymentRecipient: "0xheaderrecipient",
			},
			body: `{"message":"Unlock the report","payment":{"address":"0xbody","amount":"2","token":"USDC"}}`,
			want: PaymentInfo{
				Address: "0xbody", Amount: "2", Token: "USDC", Network: DefaultNetwork,
				Recipient: "0xheaderrecipient", Description: "Unlock the report",
			},
		},
		{
			name: "payment body with missing fields keeps header values",
			headers: map[string]string{
				constants.HeaderPaymentAmount: "7",
			},
			body: `{"payment":{"address":"0xbody"}}`,
			want: PaymentInfo{
				Address: "0xbody", Amount: "7", Token: DefaultToken, Network: DefaultNetwork,
				Recipient: "0xbody", Description: "Payment required for: " + reqURL,
			},
		},
		{
			name: "challenge body with rejection",
			body: `{"x402Version":1,"accepts":[{"scheme":"eip-3009","network":"base","maxAmountRequired":"42","resource":"/r","payTo":"0xpayee","asset":"USDC"}],"error":"expired"}`,
			want: PaymentInfo{
				Address: "0xpayee", Amount: "42", Token: "USDC", Network: "base",
				Recipient: "0xpayee", Description: "Payment required for: " + reqURL, Error: "expired",
				Requirements: []types.PaymentRequirements{{
					Scheme: types.SchemeEIP3009, Network: "base", MaxAmountRequired: "42",
					Resource: "/r", PayTo: "0xpayee", Asset: "USDC",
				}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, reqURL, nil)
			require.NoError(t, err)
			resp := &http.Response{StatusCode: http.StatusPaymentRequired, Header: http.Header{}, Request: req}
			for k, v := range tt.headers {
				resp.Header.Set(k, v)
			}

			got := ParsePaymentInfo(resp, []byte(tt.body))
			assert.Equal(t, tt.want, *got)
		})
	}
}

func TestPaymentInfo_Message(t *testing.T) {
	assert.Equal(t, "Settlement failed: insufficient funds", (&PaymentInfo{Error: "Settlement failed: insufficient funds"}).Message())
	assert.Equal(t, "Payment required", (&PaymentInfo{}).Message())

	err := &PaymentRequiredError{Info: &PaymentInfo{Error: "expired"}}
	assert.Equal(t, "payment required: expired", err.Error())
}

func TestRetry_ReplaysSameRequest(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/premium", r.URL.Path)
		assert.Equal(t, `{"query":"btc"}`, string(body))
		assert.Equal(t, "trace-1", r.Header.Get("X-Trace"))

		if calls.Add(1) == 1 {
			assert.Empty(t, r.Header.Get(constants.HeaderPayment))
			write402(w, "")
			return
		}
		assert.Equal(t, "proof-token", r.Header.Get(constants.HeaderPayment))
		w.Write([]byte(`{"price":1}`))
	}))
	defer server.Close()

	c := New()
	req := newRequest(t, http.MethodPost, server.URL+"/premium", `{"query":"btc"}`)
	req.Header.Set("X-Trace", "trace-1")

	_, err := c.Fetch(context.Background(), req)
	require.Error(t, err)

	resp, err := c.Retry(context.Background(), "proof-token")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, StateSuccess, c.State())
	assert.Equal(t, int32(2), calls.Load())

	// success clears the pending request
	resp, err = c.Retry(context.Background(), "proof-token")
	assert.NoError(t, err)
	assert.Nil(t, resp)
}

func TestDo_OneAutomaticRetry(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		write402(w, "still unpaid")
	}))
	defer server.Close()

	var payments atomic.Int32
	payer := PayerFunc(func(ctx context.Context, info *PaymentInfo) (string, error) {
		payments.Add(1)
		return "proof", nil
	})

	c := New(WithPayer(payer))
	resp, err := c.Do(context.Background(), newRequest(t, http.MethodGet, server.URL, ""))
	assert.Nil(t, resp)

	var required *PaymentRequiredError
	require.ErrorAs(t, err, &required)
	assert.Equal(t, "still unpaid", required.Info.Error)
	assert.Equal(t, int32(1), payments.Load())
	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, StatePaymentRequired, c.State())
}

func TestDo_PayerError(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		write402(w, "")
	}))
	defer server.Close()

	c := New(WithPayer(PayerFunc(func(ctx context.Context, info *PaymentInfo) (string, error) {
		return "", errors.New("user rejected")
	})))
	_, err := c.Do(context.Background(), newRequest(t, http.MethodGet, server.URL, ""))
	assert.ErrorContains(t, err, "user rejected")
	assert.Equal(t, int32(1), hits.Load())
}

func TestDo_WithoutPayerReturnsChallenge(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		write402(w, "")
	}))
	defer server.Close()

	_, err := New().Do(context.Background(), newRequest(t, http.MethodGet, server.URL, ""))
	var required *PaymentRequiredError
	assert.ErrorAs(t, err, &required)
}

func TestDo_AuthorizationPayer(t *testing.T) {
	w, err := wallet.NewKeyWallet("ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80", nil)
	require.NoError(t, err)

	server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		header := r.Header.Get(constants.HeaderPayment)
		if header == "" {
			write402(rw, "")
			return
		}

		token, err := utils.DecodePaymentToken(header)
		if !assert.NoError(t, err) {
			write402(rw, "malformed_token")
			return
		}
		assert.Equal(t, testPayee, token.Payload.To)
		assert.Equal(t, "1000000", token.Payload.Value)

		receipt, _ := utils.EncodeReceipt(types.Receipt{
			Success: true, Network: token.Network, TransactionHash: "0xabc", SettledAmount: token.Payload.Value,
		})
		rw.Header().Set(constants.HeaderPaymentResponse, receipt)
		rw.Write([]byte(`{"data":"premium"}`))
	}))
	defer server.Close()

	c := New(WithPayer(NewAuthorizationPayer(w, time.Minute)))
	resp, err := c.Do(context.Background(), newRequest(t, http.MethodGet, server.URL+"/premium", ""))
	require.NoError(t, err)
	defer resp.Body.Close()

	receipt := ReceiptFromResponse(resp)
	require.NotNil(t, receipt)
	assert.True(t, receipt.Success)
	assert.Equal(t, "0xabc", receipt.TransactionHash)
}

func TestAuthorizationPayer_NoSupportedRequirements(t *testing.T) {
	w, err := wallet.NewKeyWallet("ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80", nil)
	require.NoError(t, err)

	_, err = NewAuthorizationPayer(w, time.Minute).Pay(context.Background(), &PaymentInfo{})
	assert.Error(t, err)
}

func TestReceiptFromResponse(t *testing.T) {
	resp := &http.Response{Header: http.Header{}}
	assert.Nil(t, ReceiptFromResponse(resp))

	resp.Header.Set(constants.HeaderPaymentResponse, "!!not-base64")
	assert.Nil(t, ReceiptFromResponse(resp))
}
