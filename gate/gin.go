package gate

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/vitwit/x402-burn/types"
)

// GinAssertionKey is the gin context key of the accepted assertion
const GinAssertionKey = "x402_assertion"

// GinMiddleware is Middleware for gin routers
func (g *Gate) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		d, err := g.Check(c.Request.Context(), g.resource(c.Request), PaymentHeader(c.Request.Header))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "payment verification unavailable"})
			return
		}

		if !d.Allowed() {
			c.AbortWithStatusJSON(http.StatusPaymentRequired, d.Required)
			return
		}

		if d.Assertion == nil {
			c.Next()
			return
		}

		c.Set(GinAssertionKey, d.Assertion)
		c.Request = c.Request.WithContext(WithAssertion(c.Request.Context(), d.Assertion))
		c.Next()

		if c.Writer.Status() < http.StatusBadRequest && !c.IsAborted() {
			g.settle(c.Request.Context(), d)
		}
	}
}

// GinAssertion returns the assertion accepted for the current gin request
func GinAssertion(c *gin.Context) (*types.PaymentAssertion, bool) {
	v, ok := c.Get(GinAssertionKey)
	if !ok {
		return nil, false
	}
	a, ok := v.(*types.PaymentAssertion)
	return a, ok
}
