package ginx402

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/sigweihq/x402treasury/pkg/challenge"
	"github.com/sigweihq/x402treasury/pkg/config"
	"github.com/sigweihq/x402treasury/pkg/constants"
	"github.com/sigweihq/x402treasury/pkg/middleware"
	"github.com/sigweihq/x402treasury/pkg/types"
	"github.com/sigweihq/x402treasury/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testPayer = "0x1234567890123456789012345678901234567890"
	testPayee = "0x0987654321098765432109876543210987654321"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubFacilitator struct {
	builder *challenge.Builder
	valid   bool
}

func (s *stubFacilitator) Verify(ctx context.Context, token *types.PaymentToken, req types.PaymentRequirements) (*types.VerifyResult, error) {
	if !s.valid {
		return &types.VerifyResult{IsValid: false, InvalidReason: "expired"}, nil
	}
	return &types.VerifyResult{IsValid: true, Payer: testPayer}, nil
}

func (s *stubFacilitator) Settle(ctx context.Context, token *types.PaymentToken, req types.PaymentRequirements) (*types.SettleResult, error) {
	return &types.SettleResult{Success: true, TransactionHash: "0xabc", Network: req.Network, SettledAmount: req.MaxAmountRequired}, nil
}

func (s *stubFacilitator) GetDefaultRequirements(resource, description string) types.PaymentRequirements {
	return s.builder.BuildRequirements(resource, description, config.NoOverride)
}

func (s *stubFacilitator) HealthCheck(ctx context.Context) bool { return true }

func newRouter(enabled, valid bool) *gin.Engine {
	cfg := config.Default()
	cfg.Enabled = enabled
	cfg.ChallengeRecipient = testPayee

	fac := &stubFacilitator{builder: challenge.NewBuilder(cfg), valid: valid}
	mw := middleware.New(context.Background(), cfg.Mode(), fac, nil)

	r := gin.New()
	r.GET("/test", Protect(mw, "", "Test resource", config.NoOverride), func(c *gin.Context) {
		p, _ := PaymentFromContext(c)
		payer := ""
		if p != nil {
			payer = p.Payer
		}
		c.JSON(http.StatusOK, gin.H{"message": "success", "payer": payer})
	})
	return r
}

func paymentHeader(t *testing.T) string {
	t.Helper()
	h, err := utils.EncodePaymentToken(&types.PaymentToken{
		Scheme:  types.SchemeEIP3009,
		Network: constants.NetworkCronosTestnet,
		Payload: types.EIP3009Payload{
			From: testPayer, To: testPayee, Value: "1000000",
			ValidAfter: "0", ValidBefore: "999999999999", Nonce: "0x01",
		},
		Signature: types.PaymentSignature{
			V: 27,
			R: "0x1111111111111111111111111111111111111111111111111111111111111111",
			S: "0x2222222222222222222222222222222222222222222222222222222222222222",
		},
	})
	require.NoError(t, err)
	return h
}

func TestGinMiddleware_NoPaymentReturns402(t *testing.T) {
	rec := httptest.NewRecorder()
	newRouter(true, true).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/test", nil))

	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))

	var challenge types.Challenge
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&challenge))
	assert.Equal(t, 1, challenge.X402Version)
	require.Len(t, challenge.Accepts, 1)
	assert.Equal(t, "/test", challenge.Accepts[0].Resource)
	assert.Empty(t, challenge.Error)
}

func TestGinMiddleware_InvalidPayment(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set(constants.HeaderPayment, paymentHeader(t))
	rec := httptest.NewRecorder()
	newRouter(true, false).ServeHTTP(rec, req)

	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	var challenge types.Challenge
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&challenge))
	assert.Equal(t, "expired", challenge.Error)
}

func TestGinMiddleware_ValidPayment(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set(constants.HeaderPayment, paymentHeader(t))
	rec := httptest.NewRecorder()
	newRouter(true, true).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	receipt, err := utils.DecodeReceipt(rec.Header().Get(constants.HeaderPaymentResponse))
	require.NoError(t, err)
	assert.Equal(t, "0xabc", receipt.TransactionHash)

	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, testPayer, body["payer"])
}

func TestGinMiddleware_Disabled(t *testing.T) {
	rec := httptest.NewRecorder()
	newRouter(false, true).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/test", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get(constants.HeaderPaymentResponse))
}

func TestGinMiddleware_ArmedWithoutFacilitatorWarns(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.Default()
	cfg.Enabled = true
	cfg.ChallengeRecipient = testPayee
	mw := middleware.New(context.Background(), cfg.Mode(), nil, slog.New(slog.NewTextHandler(&buf, nil)))

	r := gin.New()
	r.GET("/test", Protect(mw, "", "Test resource", config.NoOverride), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/test", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, buf.String(), "x402 client not initialized, passing through")
	assert.Contains(t, buf.String(), "path=/test")
}

func TestGinMiddleware_InvalidOverrideLogged(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.Default()
	cfg.Enabled = true
	cfg.ChallengeRecipient = testPayee
	fac := &stubFacilitator{builder: challenge.NewBuilder(cfg), valid: true}
	mw := middleware.New(context.Background(), cfg.Mode(), fac, slog.New(slog.NewTextHandler(&buf, nil)))

	r := gin.New()
	r.GET("/test", Protect(mw, "/priced", "Test resource", config.Price("1.5")), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	assert.Contains(t, buf.String(), "invalid price override ignored")
	assert.Contains(t, buf.String(), "resource=/priced")

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/test", nil))
	require.Equal(t, http.StatusPaymentRequired, rec.Code)

	var body types.Challenge
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Len(t, body.Accepts, 1)
	assert.Equal(t, cfg.ChallengeAmount, body.Accepts[0].MaxAmountRequired)
}
