package paywall

import (
	"crypto/tls"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/echo/pkg/x402"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testPaywall() *Paywall {
	return New(Config{
		Network:        "base-sepolia",
		Asset:          "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		PayTo:          "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
		PaymentLinkURL: "https://echo.example/topup",
	})
}

func TestRequirements(t *testing.T) {
	p := testPaywall()
	req := p.Requirements("https://echo.example/v1/chat/completions", "gpt-4o", big.NewInt(12_345))

	assert.Equal(t, x402.SchemeExact, req.Scheme)
	assert.Equal(t, "base-sepolia", req.Network)
	assert.Equal(t, "12345", req.MaxAmountRequired)
	assert.Equal(t, 60, req.MaxTimeoutSeconds)
	require.NotNil(t, req.Extra)
	assert.Equal(t, "USDC", req.Extra.Name)
	assert.Equal(t, "2", req.Extra.Version)
	assert.True(t, p.Enabled())
	assert.False(t, New(Config{Network: "base"}).Enabled())
}

func TestChallenge(t *testing.T) {
	p := testPaywall()
	router := gin.New()
	router.POST("/v1/chat/completions", func(c *gin.Context) {
		p.Challenge(c, "insufficient balance", p.Requirements(ResourceURL(c.Request), "", big.NewInt(100)))
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t,
		`X-402 realm="echo", link="https://echo.example/topup", network="base-sepolia"`,
		w.Header().Get(HeaderAuthenticate))

	var body map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Contains(t, body, "error")
	assert.Contains(t, body, "message")
	assert.Contains(t, body, "accepts")

	var parsed x402.PaymentRequiredResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &parsed))
	assert.Equal(t, "payment_required", parsed.Error)
	assert.Equal(t, "insufficient balance", parsed.Message)
	require.Len(t, parsed.Accepts, 1)
	assert.Equal(t, "http://example.com/v1/chat/completions", parsed.Accepts[0].Resource)
}

func TestChallenge_NoOffers(t *testing.T) {
	p := New(Config{Network: "base"})
	router := gin.New()
	router.GET("/", func(c *gin.Context) { p.Challenge(c, "top up") })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.JSONEq(t, `{"x402Version":1,"error":"payment_required","message":"top up","accepts":[]}`, w.Body.String())
}

func TestResourceURL(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "http://gw.example/v1/messages?x=1", nil)
	assert.Equal(t, "http://gw.example/v1/messages", ResourceURL(r))

	r.TLS = &tls.ConnectionState{}
	assert.Equal(t, "https://gw.example/v1/messages", ResourceURL(r))

	r.TLS = nil
	r.Header.Set("X-Forwarded-Proto", "https")
	assert.Equal(t, "https://gw.example/v1/messages", ResourceURL(r))
}
