// Package gateway runs the metered request lifecycle.
//
// Flow:
//  1. Resolve the model against the pricing table (unknown model: 400, no
//     upstream call)
//  2. Pick a settlement path: free tier, balance, or a verified x402 payment
//  3. Take an in-flight slot for (user, app)
//  4. Forward to the upstream and deliver the response through the tee
//  5. Price the metered usage and record it; settle x402 payments on-chain
//  6. Release the slot on whichever terminal event fires first
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/mbd888/echo/internal/apierr"
	"github.com/mbd888/echo/internal/auth"
	"github.com/mbd888/echo/internal/delivery"
	"github.com/mbd888/echo/internal/facilitator"
	"github.com/mbd888/echo/internal/inflight"
	"github.com/mbd888/echo/internal/ledger"
	"github.com/mbd888/echo/internal/logging"
	"github.com/mbd888/echo/internal/paywall"
	"github.com/mbd888/echo/internal/providers"
	"github.com/mbd888/echo/internal/settlement"
	"github.com/mbd888/echo/internal/traces"
	"github.com/mbd888/echo/internal/usdc"
	"github.com/mbd888/echo/pkg/x402"
)

// DefaultMaxRequestBody bounds inbound payloads, which may carry audio.
const DefaultMaxRequestBody = 32 << 20

var ErrRequestTooLarge = errors.New("gateway: request body too large")

// Payment modes, used as metric labels.
const (
	modeAPIKey = "api_key"
	modeX402   = "x402"
)

// Service wires the pieces of one metered request together.
type Service struct {
	registry    *providers.Registry
	upstream    *Upstream
	delivery    *delivery.Engine
	settlement  *settlement.Service
	inflight    *inflight.Service
	paywall     *paywall.Paywall
	facilitator facilitator.Facilitator
	logger      *slog.Logger
	maxBody     int64
}

// Deps are the collaborators of a Service. Paywall and Facilitator may be
// nil, in which case x402 payments are not offered or accepted.
type Deps struct {
	Registry    *providers.Registry
	Upstream    *Upstream
	Delivery    *delivery.Engine
	Settlement  *settlement.Service
	InFlight    *inflight.Service
	Paywall     *paywall.Paywall
	Facilitator facilitator.Facilitator
	Logger      *slog.Logger
}

// NewService creates a gateway service.
func NewService(d Deps) *Service {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Upstream == nil {
		d.Upstream = NewUpstream(nil, nil)
	}
	if d.Delivery == nil {
		d.Delivery = delivery.NewEngine(d.Logger)
	}
	return &Service{
		registry:    d.Registry,
		upstream:    d.Upstream,
		delivery:    d.Delivery,
		settlement:  d.Settlement,
		inflight:    d.InFlight,
		paywall:     d.Paywall,
		facilitator: d.Facilitator,
		logger:      d.Logger,
		maxBody:     DefaultMaxRequestBody,
	}
}

// x402Enabled reports whether per-request payments can be offered.
func (s *Service) x402Enabled() bool {
	return s.paywall != nil && s.paywall.Enabled() && s.facilitator != nil
}

// Proxy serves one metered LLM request end to end.
func (s *Service) Proxy(c *gin.Context) {
	start := time.Now()
	ctx := c.Request.Context()

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, s.maxBody+1))
	if err != nil {
		s.writeError(c, apierr.NewValidation("failed to read request body"))
		return
	}
	if int64(len(body)) > s.maxBody {
		s.writeError(c, apierr.NewValidation("%v", ErrRequestTooLarge))
		return
	}

	req, err := providers.NewCanonicalRequest(c.Request, body)
	if err != nil {
		s.writeError(c, apierr.NewValidation("%v", err))
		return
	}
	route, err := providers.Resolve(s.settlement.Table(), req.Model, req.Path)
	if err == nil {
		err = providers.CheckPriced(route, req)
	}
	if err != nil {
		gwRequests.WithLabelValues("unresolved", "", "rejected").Inc()
		s.writeError(c, err)
		return
	}
	adapter, err := s.registry.Adapter(route)
	if err != nil {
		s.writeError(c, err)
		return
	}
	defer func() {
		gwLatency.WithLabelValues(route.Type.String()).Observe(time.Since(start).Seconds())
	}()

	if payment, ok := auth.GetPayment(c); ok {
		s.proxyX402(c, payment, req, route, adapter)
		return
	}
	caller, ok := auth.GetCaller(c)
	if !ok {
		s.writeError(c, apierr.NewAuthentication("API key or X-PAYMENT required."))
		return
	}
	ctx, span := traces.StartSpan(ctx, "gateway.proxy",
		traces.Model(route.Model), traces.Provider(route.Provider), traces.UserID(caller.UserID), traces.AppID(caller.AppID))
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	estimate, err := s.settlement.EstimateCost(caller, route, req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	check, err := s.settlement.CheckBalance(ctx, caller, estimate)
	if err != nil {
		gwRequests.WithLabelValues(route.Type.String(), modeAPIKey, "rejected").Inc()
		if errors.Is(err, apierr.PaymentRequired) {
			s.challenge(c, req, route, apierr.From(err).Message)
			return
		}
		s.writeError(c, err)
		return
	}

	res, ok := s.forward(c, caller, req, route, adapter, modeAPIKey)
	if !ok {
		return
	}
	if res.Usage == nil {
		gwUnrecorded.WithLabelValues("parse").Inc()
		return
	}

	tx, err := s.settlement.Record(ctx, caller, route, res.Usage, check)
	if err != nil {
		gwUnrecorded.WithLabelValues("record").Inc()
		logging.L(ctx).Error("charge not recorded after delivery",
			"model", route.Model, "usage", res.Usage, "error", err)
		return
	}
	logging.L(ctx).Info("request metered",
		"transactionId", tx.ID,
		"model", route.Model,
		"settlementPath", string(tx.SettlementPath),
		"totalCost", tx.TotalCost.String(),
		"inputTokens", res.Usage.InputTokens,
		"outputTokens", res.Usage.OutputTokens,
	)
}

// proxyX402 serves a request paid by an X-PAYMENT authorization. The
// payment is verified before the upstream call and settled once the
// response has been delivered.
func (s *Service) proxyX402(c *gin.Context, header string, req *providers.CanonicalRequest, route providers.Route, adapter providers.Adapter) {
	ctx := c.Request.Context()
	if !s.x402Enabled() {
		s.writeError(c, apierr.NewValidation("X-PAYMENT is not accepted by this gateway"))
		return
	}

	payment, err := x402.DecodePayment(header)
	if err != nil {
		s.challenge(c, req, route, "Malformed X-PAYMENT header.")
		return
	}
	requirements, err := s.requirements(c, req, route)
	if err != nil {
		s.writeError(c, err)
		return
	}

	v, err := s.facilitator.Verify(ctx, payment, requirements)
	if err != nil {
		logging.L(ctx).Error("payment verification unavailable", "error", err)
		s.writeError(c, facilitatorError(err))
		return
	}
	if !v.IsValid {
		gwRequests.WithLabelValues(route.Type.String(), modeX402, "rejected").Inc()
		logging.L(ctx).Info("payment rejected", "reason", v.InvalidReason, "payer", v.Payer)
		s.paywall.Challenge(c, "Payment invalid: "+v.InvalidReason, requirements)
		return
	}

	caller := &auth.Caller{
		UserID:        v.Payer,
		MarkupRatio:   decimal.NewFromInt(1),
		ReferralRatio: decimal.NewFromInt(1),
	}
	ctx = logging.WithCaller(ctx, caller.UserID, caller.AppID)
	c.Request = c.Request.WithContext(ctx)

	res, ok := s.forward(c, caller, req, route, adapter, modeX402)
	if !ok {
		return
	}

	// The client has its response; settlement must outlive its connection.
	settleCtx := context.WithoutCancel(ctx)
	status := ledger.StatusCompleted
	var txHash string
	sr, err := s.facilitator.Settle(settleCtx, payment, requirements)
	switch {
	case err != nil:
		status = ledger.StatusSettleFailed
		gwUnrecorded.WithLabelValues("settle").Inc()
		logging.L(ctx).Error("payment settlement unavailable", "payer", v.Payer, "error", err)
	case !sr.Success:
		status = ledger.StatusSettleFailed
		gwUnrecorded.WithLabelValues("settle").Inc()
		logging.L(ctx).Error("payment settlement failed", "payer", v.Payer, "reason", sr.ErrorReason)
	default:
		txHash = sr.Transaction
	}

	usage := res.Usage
	if usage == nil {
		// The payment covers the request whether or not usage parsed.
		usage = &providers.Usage{Model: route.Model}
	}
	if _, err := s.settlement.RecordX402(settleCtx, caller, route, usage, txHash, status); err != nil {
		gwUnrecorded.WithLabelValues("record").Inc()
		logging.L(ctx).Error("x402 transaction not recorded", "payer", v.Payer, "tx", txHash, "error", err)
	}
}

// forward holds an in-flight slot across the upstream call and delivery.
// It reports false when an error response was written instead.
func (s *Service) forward(c *gin.Context, caller *auth.Caller, req *providers.CanonicalRequest, route providers.Route, adapter providers.Adapter, mode string) (*delivery.Result, bool) {
	ctx := c.Request.Context()
	label := route.Type.String()

	slot, err := s.inflight.Acquire(ctx, caller.UserID, caller.AppID)
	if err != nil {
		gwRequests.WithLabelValues(label, mode, "rejected").Inc()
		s.writeError(c, err)
		return nil, false
	}
	// Disconnect, completion and transport errors all end here; Release is
	// idempotent.
	stop := context.AfterFunc(ctx, func() { slot.Release(ctx) })
	defer func() {
		stop()
		slot.Release(ctx)
	}()

	// A client disconnect must not cut off the accounting drain.
	upstreamReq, err := adapter.BuildUpstreamRequest(context.WithoutCancel(ctx), req)
	if err != nil {
		s.writeError(c, apierr.NewValidation("%v", err))
		return nil, false
	}
	resp, err := s.upstream.Do(adapter, upstreamReq)
	if err != nil {
		gwRequests.WithLabelValues(label, mode, "upstream_error").Inc()
		s.writeError(c, err)
		return nil, false
	}

	res, err := s.delivery.Deliver(ctx, c.Writer, resp, adapter, req)
	if err != nil {
		gwRequests.WithLabelValues(label, mode, "upstream_error").Inc()
		s.writeError(c, err)
		return nil, false
	}

	outcome := "delivered"
	if res.Usage == nil {
		outcome = "unaccounted"
	} else {
		gwTokens.WithLabelValues(route.Provider, "input").Add(float64(res.Usage.InputTokens))
		gwTokens.WithLabelValues(route.Provider, "output").Add(float64(res.Usage.OutputTokens))
	}
	gwRequests.WithLabelValues(label, mode, outcome).Inc()
	return res, true
}

// requirements prices the worst case of req as an x402 offer.
func (s *Service) requirements(c *gin.Context, req *providers.CanonicalRequest, route providers.Route) (x402.PaymentRequirements, error) {
	estimate, err := s.settlement.EstimateMaxCost(route, req)
	if err != nil {
		return x402.PaymentRequirements{}, err
	}
	amount := usdc.FromDecimal(estimate, true)
	desc := fmt.Sprintf("%s request to %s", route.Type, route.Model)
	return s.paywall.Requirements(paywall.ResourceURL(c.Request), desc, amount), nil
}

// challenge answers 402. An x402 offer is attached when payments are enabled.
func (s *Service) challenge(c *gin.Context, req *providers.CanonicalRequest, route providers.Route, message string) {
	if s.paywall == nil {
		s.writeError(c, apierr.NewPaymentRequired(message))
		return
	}
	if !s.x402Enabled() {
		s.paywall.Challenge(c, message)
		return
	}
	offer, err := s.requirements(c, req, route)
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.paywall.Challenge(c, message, offer)
}

// writeError renders err. Upstream errors pass through with the provider's
// own status and body.
func (s *Service) writeError(c *gin.Context, err error) {
	if c.Writer.Written() {
		logging.L(c.Request.Context()).Error("error after response started", "error", err)
		return
	}
	ae := apierr.From(err)
	if ae.Kind == apierr.KindProvider && len(ae.Body) > 0 {
		c.Data(ae.HTTPStatus(), "application/json", ae.Body)
		c.Abort()
		return
	}
	if ae.Err != nil || ae.HTTPStatus() >= 500 {
		logging.L(c.Request.Context()).Error("request failed", "kind", string(ae.Kind), "error", err)
	}
	c.AbortWithStatusJSON(ae.HTTPStatus(), ae.JSON())
}

func facilitatorError(err error) error {
	var ae *apierr.Error
	if errors.As(err, &ae) {
		return ae
	}
	return apierr.NewFacilitatorUnavailable(err)
}
