// Package security provides response-hardening middleware for the gateway.
package security

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Request headers browsers may send cross-origin: both key styles, the x402
// payment and the pass-through vendor headers.
var allowedHeaders = strings.Join([]string{
	"Authorization",
	"Content-Type",
	"X-API-Key",
	"X-Payment",
	"X-Request-ID",
	"Anthropic-Version",
	"Anthropic-Beta",
	"OpenAI-Organization",
	"OpenAI-Beta",
}, ", ")

// Response headers browser clients need to read to handle a 402 challenge.
var exposedHeaders = strings.Join([]string{
	"WWW-Authenticate",
	"X-Payment-Response",
	"X-Request-ID",
	"Retry-After",
}, ", ")

// HeadersMiddleware adds security headers to all responses. The gateway
// serves JSON and event streams only, so nothing may be framed or scripted.
func HeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "no-referrer")
		c.Header("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		c.Next()
	}
}

// CORSMiddleware handles CORS for API endpoints
func CORSMiddleware(allowedOrigins []string) gin.HandlerFunc {
	originsMap := make(map[string]bool)
	for _, o := range allowedOrigins {
		originsMap[o] = true
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")

		if len(allowedOrigins) == 0 || originsMap[origin] || originsMap["*"] {
			if origin != "" {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Vary", "Origin")
			}
			c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			c.Header("Access-Control-Allow-Headers", allowedHeaders)
			c.Header("Access-Control-Expose-Headers", exposedHeaders)
			c.Header("Access-Control-Max-Age", "86400")
			// Wildcard + credentials is rejected by browsers.
			if !originsMap["*"] {
				c.Header("Access-Control-Allow-Credentials", "true")
			}
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
