package validation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsValidEthAddress(t *testing.T) {
	tests := []struct {
		addr  string
		valid bool
	}{
		{"0x1234567890123456789012345678901234567890", true},
		{"0xabcdefABCDEF1234567890123456789012345678", true},
		{"1234567890123456789012345678901234567890", false},
		{"0x12345678901234567890123456789012345678", false},
		{"0xGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGG", false},
		{"", false},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.valid, IsValidEthAddress(tc.addr), tc.addr)
	}
}

func TestValidate_CollectsEveryFailure(t *testing.T) {
	errs := Validate(
		Required("FACILITATOR_URL", ""),
		ValidAddress("PAY_TO_ADDRESS", "0x123"),
		ValidURL("CUSTODY_URL", "ftp://custody"),
		AtLeast("DEFAULT_MARKUP", decimal.RequireFromString("0.9"), decimal.NewFromInt(1)),
		OneOf("FACILITATOR_MODE", "remote", "local", "proxy"),
		Positive("INFLIGHT_CEILING", 0),
	)
	require.Len(t, errs, 6)
	assert.Equal(t, "FACILITATOR_URL", errs[0].Field)
	assert.Contains(t, errs.Error(), "DEFAULT_MARKUP must be >= 1")
	assert.Contains(t, errs.Error(), "must be one of local, proxy")
}

func TestValidate_Passes(t *testing.T) {
	errs := Validate(
		Required("FACILITATOR_URL", "https://x402.example"),
		ValidAddress("PAY_TO_ADDRESS", ""),
		ValidURL("CUSTODY_URL", "http://localhost:9000"),
		AtLeast("DEFAULT_MARKUP", decimal.NewFromInt(1), decimal.NewFromInt(1)),
		OneOf("FACILITATOR_MODE", "proxy", "local", "proxy"),
		Positive("INFLIGHT_CEILING", 10),
	)
	assert.Empty(t, errs)
}

func TestRequestSizeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestSizeMiddleware(16))
	r.POST("/v1/chat/completions", func(c *gin.Context) {
		if _, err := c.GetRawData(); err != nil {
			c.Status(http.StatusBadRequest)
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"model":"x"}`)))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(strings.Repeat("a", 64))))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code, "declared length refused up front")
}
