// Package paywall builds x402 payment requirements and writes the HTTP 402
// challenge returned to callers that cannot pay from balance.
package paywall

import (
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/echo/pkg/x402"
)

const (
	DefaultRealm      = "echo"
	DefaultMaxTimeout = 60 * time.Second

	// HeaderAuthenticate carries the payment challenge on 402 responses.
	HeaderAuthenticate = "WWW-Authenticate"
)

// -----------------------------------------------------------------------------
// Config
// -----------------------------------------------------------------------------

// Config for the paywall
type Config struct {
	Network string
	Asset   string
	PayTo   string

	// EIP-712 domain of Asset
	AssetName    string
	AssetVersion string

	// PaymentLinkURL is where a human can top up an API-key balance.
	PaymentLinkURL string
	MaxTimeout     time.Duration
	Realm          string
}

// Paywall issues 402 challenges for a single network and asset.
type Paywall struct {
	cfg Config
}

// New creates a paywall, filling defaults for the optional fields.
func New(cfg Config) *Paywall {
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = DefaultMaxTimeout
	}
	if cfg.Realm == "" {
		cfg.Realm = DefaultRealm
	}
	if cfg.AssetName == "" {
		cfg.AssetName, cfg.AssetVersion = x402.DefaultAssetName, x402.DefaultAssetVersion
	}
	return &Paywall{cfg: cfg}
}

// Enabled reports whether x402 payments can be offered at all.
func (p *Paywall) Enabled() bool {
	return p.cfg.PayTo != "" && p.cfg.Asset != ""
}

// Network returns the network payments are accepted on.
func (p *Paywall) Network() string { return p.cfg.Network }

// Requirements describes a payment of amount atomic units for resource.
func (p *Paywall) Requirements(resource, description string, amount *big.Int) x402.PaymentRequirements {
	if amount == nil {
		amount = new(big.Int)
	}
	return x402.PaymentRequirements{
		Scheme:            x402.SchemeExact,
		Network:           p.cfg.Network,
		MaxAmountRequired: amount.String(),
		Resource:          resource,
		Description:       description,
		MimeType:          "application/json",
		PayTo:             p.cfg.PayTo,
		MaxTimeoutSeconds: int(p.cfg.MaxTimeout.Seconds()),
		Asset:             p.cfg.Asset,
		Extra:             &x402.AssetInfo{Name: p.cfg.AssetName, Version: p.cfg.AssetVersion},
	}
}

// Authenticate returns the WWW-Authenticate value for a 402 response.
func (p *Paywall) Authenticate() string {
	return fmt.Sprintf(`X-402 realm=%q, link=%q, network=%q`, p.cfg.Realm, p.cfg.PaymentLinkURL, p.cfg.Network)
}

// Challenge aborts the request with a 402 and the given offers. With no
// offers the body still carries an empty accepts list so clients can tell
// top-up from pay-per-request.
func (p *Paywall) Challenge(c *gin.Context, message string, accepts ...x402.PaymentRequirements) {
	if accepts == nil {
		accepts = []x402.PaymentRequirements{}
	}
	challengesIssued.WithLabelValues(offerLabel(len(accepts))).Inc()

	c.Header(HeaderAuthenticate, p.Authenticate())
	c.AbortWithStatusJSON(http.StatusPaymentRequired, x402.PaymentRequiredResponse{
		X402Version: x402.Version,
		Error:       "payment_required",
		Message:     message,
		Accepts:     accepts,
	})
}

// ResourceURL reconstructs the absolute URL of the request for the
// requirements' resource field.
func ResourceURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.URL.Path
}

func offerLabel(n int) string {
	if n == 0 {
		return "topup"
	}
	return "x402"
}
