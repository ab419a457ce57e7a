package x402

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"
)

// Client wraps http.Client with automatic 402 payment handling
type Client struct {
	httpClient *http.Client
	signer     *Signer

	// Configuration
	MaxRetries int      // Max payment retries (default: 1)
	AutoPay    bool     // Automatically pay 402s (default: true)
	MaxPayment *big.Int // Max payment in atomic units (nil: unlimited)
	Network    string   // Only pay on this network (empty: first offered)

	// Hooks
	OnPayment func(req *PaymentRequirements, payload *PaymentPayload) // Called before each payment
}

// NewClient creates a new x402-enabled HTTP client
func NewClient(signer *Signer) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
		signer:     signer,
		MaxRetries: 1,
		AutoPay:    true,
	}
}

// Do performs an HTTP request with automatic 402 payment handling
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.DoContext(req.Context(), req)
}

// DoContext performs an HTTP request with context and automatic 402 handling
func (c *Client) DoContext(ctx context.Context, req *http.Request) (*http.Response, error) {
	// Buffer the body; a paid retry resends it.
	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}
		_ = req.Body.Close()
	}
	req = req.WithContext(ctx)

	for attempt := 0; attempt <= c.MaxRetries; attempt++ {
		if bodyBytes != nil {
			req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("request failed: %w", err)
		}

		if resp.StatusCode != http.StatusPaymentRequired || !c.AutoPay {
			return resp, nil
		}

		challenge, err := ParsePaymentRequired(resp)
		_ = resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to parse payment requirements: %w", err)
		}

		accept, err := c.choose(challenge.Accepts)
		if err != nil {
			return nil, err
		}

		payload, err := c.signer.Pay(*accept)
		if err != nil {
			return nil, fmt.Errorf("payment failed: %w", err)
		}

		if c.OnPayment != nil {
			c.OnPayment(accept, payload)
		}

		header, err := EncodeHeader(payload)
		if err != nil {
			return nil, err
		}
		req.Header.Set(HeaderPayment, header)
		// A paid request authenticates by payment alone.
		req.Header.Del("Authorization")
		req.Header.Del("X-API-Key")
	}

	return nil, fmt.Errorf("max retries exceeded")
}

// choose picks the first acceptable requirement within MaxPayment.
func (c *Client) choose(accepts []PaymentRequirements) (*PaymentRequirements, error) {
	for i := range accepts {
		a := &accepts[i]
		if a.Scheme != SchemeExact {
			continue
		}
		if c.Network != "" && !strings.EqualFold(a.Network, c.Network) {
			continue
		}
		amount, err := a.Amount()
		if err != nil {
			continue
		}
		if c.MaxPayment != nil && amount.Cmp(c.MaxPayment) > 0 {
			return nil, fmt.Errorf("payment %s exceeds max %s", amount, c.MaxPayment)
		}
		return a, nil
	}
	return nil, fmt.Errorf("no acceptable payment requirements offered")
}

// Get performs a GET request with automatic 402 handling
func (c *Client) Get(url string) (*http.Response, error) {
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}
