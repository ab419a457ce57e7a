// Package settlement prices metered usage and records each charge against
// exactly one settlement path.
//
// Path selection, in order:
//   - free_tier: the request's estimated cost fits in the app's spend pool
//     under both the pool total and the per-user cap
//   - balance: the user's pre-funded balance is above the safety buffer
//   - otherwise the request is refused with 402 before any upstream call
//
// x402 requests bypass both and are recorded with the on-chain transaction
// hash once settled.
package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/echo/internal/apierr"
	"github.com/mbd888/echo/internal/auth"
	"github.com/mbd888/echo/internal/idgen"
	"github.com/mbd888/echo/internal/ledger"
	"github.com/mbd888/echo/internal/pricing"
	"github.com/mbd888/echo/internal/providers"
	"github.com/mbd888/echo/internal/retry"
)

const (
	recordAttempts   = 3
	recordRetryDelay = 25 * time.Millisecond
)

// BalanceCheck is the outcome of CheckBalance.
type BalanceCheck struct {
	EnoughBalance    bool            `json:"enoughBalance"`
	UsingFreeTier    bool            `json:"usingFreeTier"`
	EffectiveBalance decimal.Decimal `json:"effectiveBalance"`
	SpendPoolID      string          `json:"spendPoolId,omitempty"`
}

// Options configures a Service.
type Options struct {
	// MinBalanceBuffer is the balance at or below which a user is treated
	// as unfunded.
	MinBalanceBuffer decimal.Decimal
	// EchoFeeRate is the platform fee as a fraction of the raw cost. Zero
	// disables the fee.
	EchoFeeRate decimal.Decimal
}

// Service prices and records charges.
type Service struct {
	store  ledger.Store
	table  *pricing.Table
	opts   Options
	logger *slog.Logger
}

// NewService creates a settlement service.
func NewService(store ledger.Store, table *pricing.Table, opts Options, logger *slog.Logger) *Service {
	return &Service{store: store, table: table, opts: opts, logger: logger}
}

// Table returns the pricing table the service charges against.
func (s *Service) Table() *pricing.Table { return s.table }

// CheckBalance decides, before the upstream call, whether the caller can pay
// for a request estimated to cost estimate. A free-tier pool wins only when
// the estimate fits under both of its caps; otherwise the stored balance must
// exceed MinBalanceBuffer or a payment-required error is returned.
func (s *Service) CheckBalance(ctx context.Context, caller *auth.Caller, estimate decimal.Decimal) (*BalanceCheck, error) {
	pool, err := s.store.GetFreeTierPool(ctx, caller.UserID, caller.AppID)
	if err != nil {
		return nil, apierr.NewDatabase("get free tier pool", err)
	}
	if pool != nil {
		if left := pool.Remaining(); left.IsPositive() && pool.Fits(estimate) {
			checksTotal.WithLabelValues(string(ledger.PathFreeTier)).Inc()
			return &BalanceCheck{
				EnoughBalance:    true,
				UsingFreeTier:    true,
				EffectiveBalance: left,
				SpendPoolID:      pool.ID,
			}, nil
		}
	}

	bal, err := s.store.GetBalance(ctx, caller.UserID)
	if err != nil {
		return nil, apierr.NewDatabase("get balance", err)
	}
	available := bal.Available()
	if !available.GreaterThan(s.opts.MinBalanceBuffer) {
		checksTotal.WithLabelValues("payment_required").Inc()
		return nil, apierr.NewPaymentRequired("Insufficient balance. Add funds or pay per request with X-PAYMENT.")
	}
	checksTotal.WithLabelValues(string(ledger.PathBalance)).Inc()
	return &BalanceCheck{EnoughBalance: true, EffectiveBalance: available}, nil
}

// Ratios returns the pricing inputs for caller.
func (s *Service) Ratios(caller *auth.Caller) Ratios {
	return Ratios{
		Markup:        caller.MarkupRatio,
		Referral:      caller.ReferralRatio,
		HasReferral:   caller.HasReferral(),
		AddEchoProfit: s.opts.EchoFeeRate.IsPositive(),
		EchoFeeRate:   s.opts.EchoFeeRate,
	}
}

// Price computes the full cost split for usage without recording anything.
func (s *Service) Price(caller *auth.Caller, model string, usage *providers.Usage) (Costs, error) {
	raw, err := ComputeCost(s.table, model, usage)
	if err != nil {
		return Costs{}, err
	}
	return ComputeTransactionCosts(raw, s.Ratios(caller))
}

// Record prices usage and appends the transaction with its debit. A
// free-tier check that no longer fits at record time falls through to the
// balance path; the charge is never truncated to the pool's remainder.
func (s *Service) Record(ctx context.Context, caller *auth.Caller, route providers.Route, usage *providers.Usage, check *BalanceCheck) (*ledger.Transaction, error) {
	tx, err := s.build(caller, route, usage)
	if err != nil {
		return nil, err
	}

	if check != nil && check.UsingFreeTier {
		tx.SettlementPath = ledger.PathFreeTier
		tx.SpendPoolID = check.SpendPoolID
		err := s.create(ctx, tx)
		switch {
		case err == nil:
			return tx, nil
		case errors.Is(err, ledger.ErrPoolExhausted), errors.Is(err, ledger.ErrNotFound):
			s.logger.Info("free tier cannot cover charge, settling from balance",
				"userId", caller.UserID, "appId", caller.AppID, "spendPoolId", check.SpendPoolID,
				"totalCost", tx.TotalCost.String())
			poolFallthroughs.Inc()
			tx.SpendPoolID = ""
		default:
			return nil, apierr.NewDatabase("record free tier transaction", err)
		}
	}

	tx.SettlementPath = ledger.PathBalance
	if err := s.create(ctx, tx); err != nil {
		return nil, apierr.NewDatabase("record balance transaction", err)
	}
	return tx, nil
}

// RecordX402 appends a transaction paid on-chain. No ledger balance moves;
// status is settle_failed when the on-chain transfer did not go through.
func (s *Service) RecordX402(ctx context.Context, caller *auth.Caller, route providers.Route, usage *providers.Usage, txHash string, status ledger.Status) (*ledger.Transaction, error) {
	tx, err := s.build(caller, route, usage)
	if err != nil {
		return nil, err
	}
	tx.SettlementPath = ledger.PathX402
	tx.TxHash = txHash
	tx.Status = status
	if err := s.create(ctx, tx); err != nil {
		return nil, apierr.NewDatabase("record x402 transaction", err)
	}
	return tx, nil
}

func (s *Service) build(caller *auth.Caller, route providers.Route, usage *providers.Usage) (*ledger.Transaction, error) {
	costs, err := s.Price(caller, route.Model, usage)
	if err != nil {
		return nil, err
	}
	meta, err := json.Marshal(usage)
	if err != nil {
		return nil, apierr.NewValidation("usage metadata: %v", err)
	}
	return &ledger.Transaction{
		ID:              idgen.WithPrefix("tx_"),
		UserID:          caller.UserID,
		AppID:           caller.AppID,
		APIKeyID:        caller.APIKeyID,
		Model:           route.Model,
		Provider:        route.Provider,
		RawProviderCost: costs.Raw,
		TotalCost:       costs.Total,
		AppProfit:       costs.AppProfit,
		MarkupProfit:    costs.MarkupProfit,
		ReferralProfit:  costs.ReferralProfit,
		EchoProfit:      costs.EchoProfit,
		Metadata:        meta,
		Status:          ledger.StatusCompleted,
		ReferralCodeID:  caller.ReferralCodeID,
		CreatedAt:       time.Now(),
	}, nil
}

func (s *Service) create(ctx context.Context, tx *ledger.Transaction) error {
	err := retry.DoIf(ctx, recordAttempts, recordRetryDelay, ledger.IsRetryable, func() error {
		return s.store.CreateTransaction(ctx, tx)
	})
	if err == nil {
		transactionsTotal.WithLabelValues(string(tx.SettlementPath), string(tx.Status)).Inc()
		chargedUSD.WithLabelValues(string(tx.SettlementPath)).Add(tx.TotalCost.InexactFloat64())
	}
	return err
}
