package auth

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/echo/internal/apierr"
	"github.com/mbd888/echo/internal/logging"
)

const (
	// ContextKeyCaller is the key for storing the authenticated *Caller in gin context
	ContextKeyCaller = "caller"
	// ContextKeyPayment is the key for the raw X-PAYMENT header when present
	ContextKeyPayment = "x402Payment"

	// HeaderPayment carries a base64 x402 payment payload
	HeaderPayment = "X-Payment"
)

// Middleware authenticates gateway requests.
//
// A request with X-PAYMENT is passed through unauthenticated; the payment
// itself is verified later in the request. Otherwise a key from
// Authorization or X-API-Key is required. Both headers are removed once
// consumed so they can never reach an upstream.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if payment := c.GetHeader(HeaderPayment); payment != "" {
			c.Set(ContextKeyPayment, payment)
			c.Next()
			return
		}

		raw := c.GetHeader("Authorization")
		if raw == "" {
			raw = c.GetHeader("X-API-Key")
		}
		c.Request.Header.Del("Authorization")
		c.Request.Header.Del("X-API-Key")

		caller, err := m.Authenticate(c.Request.Context(), raw)
		if err != nil {
			abort(c, err)
			return
		}

		c.Set(ContextKeyCaller, caller)
		ctx := logging.WithCaller(c.Request.Context(), caller.UserID, caller.AppID)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func abort(c *gin.Context, err error) {
	var ae *apierr.Error
	switch {
	case errors.Is(err, ErrNoAPIKey):
		ae = apierr.NewAuthentication("API key required. Include 'Authorization: Bearer sk_...' or 'X-API-Key' header.")
	case errors.Is(err, ErrInvalidAPIKey):
		ae = apierr.NewAuthentication("Invalid or expired API key.")
	default:
		ae = apierr.NewDatabase("caller lookup", err)
		logging.L(c.Request.Context()).Error("caller lookup failed", "error", err)
	}
	c.AbortWithStatusJSON(ae.HTTPStatus(), ae.JSON())
}

// GetCaller returns the authenticated caller from context (if any)
func GetCaller(c *gin.Context) (*Caller, bool) {
	v, exists := c.Get(ContextKeyCaller)
	if !exists {
		return nil, false
	}
	caller, ok := v.(*Caller)
	return caller, ok
}

// GetPayment returns the raw X-PAYMENT header captured by Middleware
func GetPayment(c *gin.Context) (string, bool) {
	v, exists := c.Get(ContextKeyPayment)
	if !exists {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && s != ""
}

// RequireCaller rejects requests that were not key-authenticated, including
// X-PAYMENT requests. Used for account endpoints such as /v1/balance.
func RequireCaller() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := GetCaller(c); !ok {
			ae := apierr.NewAuthentication("API key required.")
			c.AbortWithStatusJSON(http.StatusUnauthorized, ae.JSON())
			return
		}
		c.Next()
	}
}
