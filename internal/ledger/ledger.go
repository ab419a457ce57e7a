// Package ledger persists balances, spend pools and the append-only
// transaction log.
//
// Every Transaction is written together with the debit it implies (pool
// consumption or balance spend) in a single atomic operation, so a
// recorded charge and its debit can never diverge.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/echo/internal/pagination"
)

var (
	ErrNotFound          = errors.New("ledger: not found")
	ErrPoolExhausted     = errors.New("ledger: spend pool cap would be exceeded")
	ErrInvalidAmount     = errors.New("ledger: invalid amount")
	ErrDuplicateTx       = errors.New("ledger: transaction already recorded")
	ErrUnknownSettlement = errors.New("ledger: unknown settlement path")
)

// SettlementPath records how a transaction was paid for.
type SettlementPath string

const (
	PathFreeTier SettlementPath = "free_tier"
	PathBalance  SettlementPath = "balance"
	PathX402     SettlementPath = "x402"
)

// Status of a recorded transaction.
type Status string

const (
	StatusCompleted    Status = "completed"
	StatusSettleFailed Status = "settle_failed"
)

// Transaction is one costed, completed request. Never mutated after creation.
type Transaction struct {
	ID              string          `json:"id"`
	UserID          string          `json:"userId"`
	AppID           string          `json:"appId"`
	APIKeyID        string          `json:"apiKeyId,omitempty"`
	Model           string          `json:"model"`
	Provider        string          `json:"provider"`
	RawProviderCost decimal.Decimal `json:"rawProviderCost"`
	TotalCost       decimal.Decimal `json:"totalCost"`
	AppProfit       decimal.Decimal `json:"appProfit"`
	MarkupProfit    decimal.Decimal `json:"markupProfit"`
	ReferralProfit  decimal.Decimal `json:"referralProfit"`
	EchoProfit      decimal.Decimal `json:"echoProfit"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
	Status          Status          `json:"status"`
	SettlementPath  SettlementPath  `json:"settlementPath"`
	SpendPoolID     string          `json:"spendPoolId,omitempty"`
	ReferralCodeID  string          `json:"referralCodeId,omitempty"`
	TxHash          string          `json:"txHash,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
}

// Balance is a user's pre-funded account: Available = TotalPaid - TotalSpent.
type Balance struct {
	UserID     string          `json:"userId"`
	TotalPaid  decimal.Decimal `json:"totalPaid"`
	TotalSpent decimal.Decimal `json:"totalSpent"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// Available is the spendable amount. It may be negative after a charge that
// landed while the balance was just above the safety buffer.
func (b *Balance) Available() decimal.Decimal {
	return b.TotalPaid.Sub(b.TotalSpent)
}

// SpendPool is an app-owner-funded free tier, capped in total and per user.
// UserConsumed is the requesting user's share and is only populated by
// GetFreeTierPool.
type SpendPool struct {
	ID           string          `json:"id"`
	AppID        string          `json:"appId"`
	TotalAmount  decimal.Decimal `json:"totalAmount"`
	PerUserCap   decimal.Decimal `json:"perUserCap"`
	Consumed     decimal.Decimal `json:"consumed"`
	UserConsumed decimal.Decimal `json:"userConsumed"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// Remaining is the headroom for the user: the smaller of the pool's and the
// per-user cap's remaining amounts, floored at zero. A zero PerUserCap means
// no per-user cap.
func (p *SpendPool) Remaining() decimal.Decimal {
	left := p.TotalAmount.Sub(p.Consumed)
	if !p.PerUserCap.IsZero() {
		left = decimal.Min(left, p.PerUserCap.Sub(p.UserConsumed))
	}
	if left.IsNegative() {
		return decimal.Zero
	}
	return left
}

// Fits reports whether cost can be taken from the pool without exceeding
// either cap.
func (p *SpendPool) Fits(cost decimal.Decimal) bool {
	if p.Consumed.Add(cost).GreaterThan(p.TotalAmount) {
		return false
	}
	if !p.PerUserCap.IsZero() && p.UserConsumed.Add(cost).GreaterThan(p.PerUserCap) {
		return false
	}
	return true
}

// ReferralCode links a user of an app to the referrer who brought them.
type ReferralCode struct {
	ID         string    `json:"id"`
	Code       string    `json:"code"`
	AppID      string    `json:"appId"`
	ReferrerID string    `json:"referrerId"`
	UserID     string    `json:"userId"`
	CreatedAt  time.Time `json:"createdAt"`
}

// AppMarkup is an app's current pricing configuration.
type AppMarkup struct {
	AppID         string          `json:"appId"`
	MarkupRatio   decimal.Decimal `json:"markupRatio"`
	ReferralRatio decimal.Decimal `json:"referralRatio"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// Store persists ledger data.
type Store interface {
	GetBalance(ctx context.Context, userID string) (*Balance, error)
	Credit(ctx context.Context, userID string, amount decimal.Decimal) error

	// GetFreeTierPool returns the pool applying to (userID, appID), or
	// (nil, nil) when the app has none.
	GetFreeTierPool(ctx context.Context, userID, appID string) (*SpendPool, error)
	CreateSpendPool(ctx context.Context, pool *SpendPool) error

	// GetReferralCode returns the referral recorded for the user, or (nil, nil).
	GetReferralCode(ctx context.Context, userID, appID string) (*ReferralCode, error)
	CreateReferralCode(ctx context.Context, code *ReferralCode) error

	GetCurrentMarkup(ctx context.Context, appID string) (*AppMarkup, error)
	SetMarkup(ctx context.Context, markup *AppMarkup) error

	// CreateTransaction appends tx and applies the debit for its settlement
	// path atomically. PathFreeTier returns ErrPoolExhausted, writing
	// nothing, when either cap would be exceeded. PathX402 debits nothing.
	CreateTransaction(ctx context.Context, tx *Transaction) error
	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	// ListTransactions returns the user's transactions newest first,
	// starting after cursor when one is given.
	ListTransactions(ctx context.Context, userID string, limit int, cursor *pagination.Cursor) ([]*Transaction, error)
}
