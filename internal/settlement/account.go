package settlement

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/echo/internal/apierr"
	"github.com/mbd888/echo/internal/auth"
	"github.com/mbd888/echo/internal/ledger"
	"github.com/mbd888/echo/internal/pagination"
)

// FreeTier is the caller's view of an app spend pool.
type FreeTier struct {
	PoolID    string          `json:"poolId"`
	Remaining decimal.Decimal `json:"remaining"`
	Consumed  decimal.Decimal `json:"consumed"`
}

// Account summarizes what a caller can spend.
type Account struct {
	UserID     string          `json:"userId"`
	AppID      string          `json:"appId"`
	Balance    decimal.Decimal `json:"balance"`
	TotalPaid  decimal.Decimal `json:"totalPaid"`
	TotalSpent decimal.Decimal `json:"totalSpent"`
	FreeTier   *FreeTier       `json:"freeTier,omitempty"`
}

// Account returns the caller's balance and free-tier headroom.
func (s *Service) Account(ctx context.Context, caller *auth.Caller) (*Account, error) {
	bal, err := s.store.GetBalance(ctx, caller.UserID)
	if err != nil {
		return nil, apierr.NewDatabase("get balance", err)
	}
	acct := &Account{
		UserID:     caller.UserID,
		AppID:      caller.AppID,
		Balance:    bal.Available(),
		TotalPaid:  bal.TotalPaid,
		TotalSpent: bal.TotalSpent,
	}

	pool, err := s.store.GetFreeTierPool(ctx, caller.UserID, caller.AppID)
	if err != nil {
		return nil, apierr.NewDatabase("get free tier pool", err)
	}
	if pool != nil {
		acct.FreeTier = &FreeTier{PoolID: pool.ID, Remaining: pool.Remaining(), Consumed: pool.UserConsumed}
	}
	return acct, nil
}

// TransactionPage is one newest-first page of a caller's charges.
type TransactionPage struct {
	Transactions []*ledger.Transaction `json:"transactions"`
	NextCursor   string                `json:"nextCursor,omitempty"`
}

// Transactions lists the caller's charges, limit per page, continuing from
// cursor when it is non-empty.
func (s *Service) Transactions(ctx context.Context, caller *auth.Caller, limit int, cursor string) (*TransactionPage, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, apierr.NewValidation("invalid cursor")
	}
	txs, err := s.store.ListTransactions(ctx, caller.UserID, limit+1, after)
	if err != nil {
		return nil, apierr.NewDatabase("list transactions", err)
	}
	txs, next := pagination.ComputePage(txs, limit, func(tx *ledger.Transaction) (time.Time, string) {
		return tx.CreatedAt, tx.ID
	})
	if txs == nil {
		txs = []*ledger.Transaction{}
	}
	return &TransactionPage{Transactions: txs, NextCursor: next}, nil
}
