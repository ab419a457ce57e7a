package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mbd888/echo/internal/apierr"
	"github.com/mbd888/echo/internal/health"
	"github.com/mbd888/echo/internal/retry"
	"github.com/mbd888/echo/pkg/x402"
)

const (
	DefaultProxyTimeout = 10 * time.Second

	maxResponseSize = 1 << 20

	verifyAttempts   = 2
	verifyRetryDelay = 100 * time.Millisecond
)

// Proxy forwards verify and settle calls to a remote facilitator.
type Proxy struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewProxy creates a proxy to the facilitator at baseURL. Every call is
// bounded by timeout (DefaultProxyTimeout when zero).
func NewProxy(baseURL string, timeout time.Duration, logger *slog.Logger) *Proxy {
	if timeout <= 0 {
		timeout = DefaultProxyTimeout
	}
	return &Proxy{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

var _ Facilitator = (*Proxy)(nil)

// Verify is read-only on the facilitator side, so transport errors and 5xx
// answers are retried once.
func (p *Proxy) Verify(ctx context.Context, payment *x402.PaymentPayload, req x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	var out x402.VerifyResponse
	err := retry.Do(ctx, verifyAttempts, verifyRetryDelay, func() error {
		return p.post(ctx, "/verify", payment, req, &out)
	})
	if err != nil {
		verifyTotal.WithLabelValues("proxy", "error").Inc()
		return nil, p.fail("/verify", err)
	}
	outcome := "valid"
	if !out.IsValid {
		outcome = out.InvalidReason
	}
	verifyTotal.WithLabelValues("proxy", outcome).Inc()
	return &out, nil
}

func (p *Proxy) Settle(ctx context.Context, payment *x402.PaymentPayload, req x402.PaymentRequirements) (*x402.SettleResponse, error) {
	start := time.Now()
	defer func() { settleDuration.WithLabelValues("proxy").Observe(time.Since(start).Seconds()) }()

	var out x402.SettleResponse
	if err := p.post(ctx, "/settle", payment, req, &out); err != nil {
		settleTotal.WithLabelValues("proxy", "error").Inc()
		return nil, p.fail("/settle", err)
	}
	outcome := "success"
	if !out.Success {
		outcome = out.ErrorReason
	}
	settleTotal.WithLabelValues("proxy", outcome).Inc()
	return &out, nil
}

// fail maps a call failure to a FacilitatorProxy error. The upstream detail
// is logged and never returned to clients.
func (p *Proxy) fail(path string, err error) error {
	p.logger.Error("facilitator call failed", "path", path, "error", err)
	return apierr.NewFacilitatorUnavailable(err)
}

// post sends one call. Failures that a second attempt cannot fix are marked
// permanent.
func (p *Proxy) post(ctx context.Context, path string, payment *x402.PaymentPayload, req x402.PaymentRequirements, out any) error {
	if payment == nil {
		return retry.Permanent(fmt.Errorf("nil payment"))
	}

	body, err := json.Marshal(x402.VerifyRequest{
		X402Version:         x402.Version,
		PaymentPayload:      *payment,
		PaymentRequirements: req,
	})
	if err != nil {
		return retry.Permanent(fmt.Errorf("marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("facilitator returned HTTP %d: %s", resp.StatusCode, respBody)
		if resp.StatusCode < 500 {
			return retry.Permanent(err)
		}
		return err
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return retry.Permanent(fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// HealthCheck reports whether the facilitator answers on its base URL.
func (p *Proxy) HealthCheck(ctx context.Context) health.Status {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/supported", nil)
	if err != nil {
		return health.Status{Name: "facilitator", Healthy: false, Detail: err.Error()}
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return health.Status{Name: "facilitator", Healthy: false, Detail: err.Error()}
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 500 {
		return health.Status{Name: "facilitator", Healthy: false, Detail: fmt.Sprintf("HTTP %d", resp.StatusCode)}
	}
	return health.Status{Name: "facilitator", Healthy: true}
}
