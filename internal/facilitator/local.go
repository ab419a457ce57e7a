package facilitator

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/mbd888/echo/internal/custody"
	"github.com/mbd888/echo/internal/traces"
	"github.com/mbd888/echo/internal/usdc"
	"github.com/mbd888/echo/internal/wallet"
	"github.com/mbd888/echo/pkg/x402"
)

const DefaultValidBeforeMargin = 6 * time.Second

// Sender submits user operations from the settlement smart account.
type Sender interface {
	SendUserOperation(ctx context.Context, smartAccount common.Address, network string, calls []custody.Call) (string, error)
	WaitForUserOperation(ctx context.Context, smartAccount common.Address, hash string, timeout time.Duration) (*custody.UserOperation, error)
}

// LocalConfig configures a Local facilitator.
type LocalConfig struct {
	Network string
	Asset   common.Address
	// PayTo is the smart account that receives payments and pays gas.
	PayTo common.Address
	// ValidBeforeMargin is the minimum remaining validity an authorization
	// must have to be accepted.
	ValidBeforeMargin time.Duration
	MinGasWei         *big.Int
	WaitTimeout       time.Duration
}

// Local verifies payments against chain state and settles them by
// submitting transferWithAuthorization from the PayTo smart account.
type Local struct {
	cfg     LocalConfig
	chainID int64
	chain   wallet.BalanceChecker
	sender  Sender
	logger  *slog.Logger
	now     func() time.Time
}

// NewLocal creates a Local facilitator.
func NewLocal(cfg LocalConfig, chain wallet.BalanceChecker, sender Sender, logger *slog.Logger) (*Local, error) {
	chainID, ok := x402.Networks[cfg.Network]
	if !ok {
		return nil, fmt.Errorf("facilitator: unsupported network %q", cfg.Network)
	}
	if cfg.ValidBeforeMargin <= 0 {
		cfg.ValidBeforeMargin = DefaultValidBeforeMargin
	}
	if cfg.MinGasWei == nil {
		cfg.MinGasWei = new(big.Int)
	}
	return &Local{
		cfg:     cfg,
		chainID: chainID,
		chain:   chain,
		sender:  sender,
		logger:  logger,
		now:     time.Now,
	}, nil
}

var _ Facilitator = (*Local)(nil)

// Verify runs the checks in a fixed order and reports the first failure.
func (l *Local) Verify(ctx context.Context, payment *x402.PaymentPayload, req x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	resp, err := l.verify(ctx, payment, req)
	if err != nil {
		verifyTotal.WithLabelValues("local", "error").Inc()
		return nil, err
	}
	outcome := "valid"
	if !resp.IsValid {
		outcome = resp.InvalidReason
	}
	verifyTotal.WithLabelValues("local", outcome).Inc()
	return resp, nil
}

func (l *Local) verify(ctx context.Context, payment *x402.PaymentPayload, req x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	if payment == nil {
		return invalid(x402.InvalidPayload, ""), nil
	}
	payer := payment.Payload.Authorization.From

	if payment.Scheme != x402.SchemeExact || req.Scheme != x402.SchemeExact {
		return invalid(x402.InvalidScheme, payer), nil
	}
	if payment.Network != req.Network || req.Network != l.cfg.Network ||
		!strings.EqualFold(req.Asset, l.cfg.Asset.Hex()) {
		return invalid(x402.InvalidNetwork, payer), nil
	}

	auth, err := payment.Payload.Authorization.Parse()
	if err != nil {
		return invalid(x402.InvalidPayload, payer), nil
	}
	if auth.To != common.HexToAddress(req.PayTo) || auth.To != l.cfg.PayTo {
		return invalid(x402.InvalidRecipient, payer), nil
	}

	now := l.now()
	minBefore := big.NewInt(now.Add(l.cfg.ValidBeforeMargin).Unix())
	if auth.ValidBefore.Cmp(minBefore) < 0 {
		return invalid(x402.InvalidValidBefore, payer), nil
	}
	if auth.ValidAfter.Cmp(big.NewInt(now.Unix())) > 0 {
		return invalid(x402.InvalidValidAfter, payer), nil
	}

	signer, err := x402.RecoverSigner(payment.Payload.Authorization, payment.Payload.Signature, l.chainID, req.Asset, req.Extra)
	if err != nil || signer != auth.From {
		return invalid(x402.InvalidSignature, payer), nil
	}

	required, err := req.Amount()
	if err != nil {
		return invalid(x402.InvalidPayload, payer), nil
	}
	balance, err := l.chain.BalanceOf(ctx, auth.From)
	if err != nil {
		return nil, fmt.Errorf("facilitator: read payer balance: %w", err)
	}
	if balance.Cmp(required) < 0 {
		return invalid(x402.InsufficientFunds, payer), nil
	}
	if auth.Value.Cmp(required) < 0 {
		return invalid(x402.InvalidValue, payer), nil
	}

	return &x402.VerifyResponse{IsValid: true, Payer: payer}, nil
}

// Settle re-verifies the payment, checks the smart account can pay gas and
// submits the transfer. A payment settled twice is submitted twice; the
// token contract rejects the reused nonce.
func (l *Local) Settle(ctx context.Context, payment *x402.PaymentPayload, req x402.PaymentRequirements) (_ *x402.SettleResponse, err error) {
	ctx, span := traces.StartSpan(ctx, "facilitator.settle", traces.Network(req.Network), traces.Amount(req.MaxAmountRequired))
	start := time.Now()
	defer func() {
		settleDuration.WithLabelValues("local").Observe(time.Since(start).Seconds())
		traces.End(span, err)
	}()

	failed := func(reason, payer string) *x402.SettleResponse {
		settleTotal.WithLabelValues("local", reason).Inc()
		return &x402.SettleResponse{Success: false, ErrorReason: reason, Network: req.Network, Payer: payer}
	}

	v, err := l.Verify(ctx, payment, req)
	if err != nil {
		return nil, err
	}
	if !v.IsValid {
		return failed(v.InvalidReason, v.Payer), nil
	}

	gas, err := l.chain.NativeBalance(ctx, l.cfg.PayTo)
	if err != nil {
		return nil, fmt.Errorf("facilitator: read gas balance: %w", err)
	}
	if gas.Cmp(l.cfg.MinGasWei) < 0 {
		l.logger.Error("settlement account low on gas",
			"account", l.cfg.PayTo.Hex(), "balance_wei", gas.String(), "min_wei", l.cfg.MinGasWei.String())
		return failed(x402.InsufficientGas, v.Payer), nil
	}

	calldata, err := l.calldata(payment)
	if err != nil {
		return failed(x402.InvalidPayload, v.Payer), nil
	}

	hash, err := l.sender.SendUserOperation(ctx, l.cfg.PayTo, req.Network, []custody.Call{{To: l.cfg.Asset, Data: calldata}})
	if err != nil {
		l.logger.Error("send user operation failed", "payer", v.Payer, "error", err)
		return failed(x402.UnexpectedSettleFailure, v.Payer), nil
	}
	op, err := l.sender.WaitForUserOperation(ctx, l.cfg.PayTo, hash, l.cfg.WaitTimeout)
	if err != nil {
		l.logger.Error("user operation did not complete", "payer", v.Payer, "user_op", hash, "error", err)
		return failed(x402.UnexpectedSettleFailure, v.Payer), nil
	}

	settleTotal.WithLabelValues("local", "success").Inc()
	amount, _ := req.Amount()
	l.logger.Info("payment settled", "payer", v.Payer, "amount_usdc", usdc.Format(amount), "tx", op.TransactionHash)
	return &x402.SettleResponse{
		Success:     true,
		Transaction: op.TransactionHash,
		Network:     req.Network,
		Payer:       v.Payer,
	}, nil
}

func (l *Local) calldata(payment *x402.PaymentPayload) ([]byte, error) {
	auth, err := payment.Payload.Authorization.Parse()
	if err != nil {
		return nil, err
	}
	sig, err := hexutil.Decode(payment.Payload.Signature)
	if err != nil {
		return nil, err
	}
	return wallet.PackTransferWithAuthorization(wallet.TransferAuthorization{
		From:        auth.From,
		To:          auth.To,
		Value:       auth.Value,
		ValidAfter:  auth.ValidAfter,
		ValidBefore: auth.ValidBefore,
		Nonce:       auth.Nonce,
		Signature:   sig,
	})
}
