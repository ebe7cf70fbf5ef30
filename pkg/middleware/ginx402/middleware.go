// Package ginx402 provides Gin-compatible payment gating.
// It is a thin adapter that delegates the handshake to pkg/middleware.
package ginx402

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sigweihq/x402treasury/pkg/config"
	"github.com/sigweihq/x402treasury/pkg/constants"
	"github.com/sigweihq/x402treasury/pkg/middleware"
	"github.com/sigweihq/x402treasury/pkg/types"
)

// PaymentContextKey is the gin context key for the settled *middleware.Payment
const PaymentContextKey = "x402_payment"

// Protect returns gin middleware pricing resource. An empty resource uses
// the request path.
//
//	r := gin.New()
//	r.GET("/premium", ginx402.Protect(mw, "", "Premium data", config.NoOverride), handler)
func Protect(m *middleware.Middleware, resource, description string, override config.PricingOverride) gin.HandlerFunc {
	override = m.CheckOverride(resource, override)

	return func(c *gin.Context) {
		if !m.Gating(c.Request.URL.Path) {
			c.Next()
			return
		}

		res := resource
		if res == "" {
			res = c.Request.URL.Path
		}

		result := m.Handle(c.Request.Context(), c.GetHeader(constants.HeaderPayment), res, description, override)
		switch result.Outcome {
		case middleware.OutcomeForward:
			c.Header(constants.HeaderPaymentResponse, result.Receipt)
			c.Set(PaymentContextKey, result.Payment)
			c.Request = c.Request.WithContext(middleware.WithPayment(c.Request.Context(), result.Payment))
			c.Next()
		case middleware.OutcomeChallenge:
			c.AbortWithStatusJSON(http.StatusPaymentRequired, result.Challenge)
		default:
			c.AbortWithStatusJSON(http.StatusInternalServerError, types.ErrorResponse{Error: "payment processing failed"})
		}
	}
}

// PaymentFromContext returns the settled payment stored by Protect
func PaymentFromContext(c *gin.Context) (*middleware.Payment, bool) {
	v, ok := c.Get(PaymentContextKey)
	if !ok {
		return nil, false
	}
	p, ok := v.(*middleware.Payment)
	return p, ok
}
