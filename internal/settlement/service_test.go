package settlement

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/echo/internal/apierr"
	"github.com/mbd888/echo/internal/auth"
	"github.com/mbd888/echo/internal/ledger"
	"github.com/mbd888/echo/internal/pricing"
	"github.com/mbd888/echo/internal/providers"
)

// cent-model prices 10 input tokens at exactly $0.10.
const testDataset = `{"models": [
	{"model": "cent-model", "provider": "openai", "input_cost_per_token": "0.01", "output_cost_per_token": "0.02"}
]}`

func newTestService(t *testing.T) (*Service, *ledger.MemoryStore) {
	t.Helper()
	table, err := pricing.Parse([]byte(testDataset))
	require.NoError(t, err)
	store := ledger.NewMemoryStore()
	svc := NewService(store, table, Options{MinBalanceBuffer: d("0.0001")}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return svc, store
}

func testCaller() *auth.Caller {
	return &auth.Caller{UserID: "u1", AppID: "a1", APIKeyID: "ak_1", MarkupRatio: d("1"), ReferralRatio: d("1")}
}

func testRoute(svc *Service) providers.Route {
	price, _ := svc.Table().PriceOf("cent-model")
	return providers.Route{Type: providers.TypeOpenAIChat, Provider: "openai", Model: "cent-model", Price: price}
}

func TestCheckBalance(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)

	_, err := svc.CheckBalance(ctx, testCaller(), d("0.1"))
	assert.ErrorIs(t, err, apierr.PaymentRequired, "empty balance")

	require.NoError(t, store.Credit(ctx, "u1", d("0.0001")))
	_, err = svc.CheckBalance(ctx, testCaller(), d("0.1"))
	assert.ErrorIs(t, err, apierr.PaymentRequired, "balance equal to the buffer is not enough")

	require.NoError(t, store.Credit(ctx, "u1", d("5")))
	check, err := svc.CheckBalance(ctx, testCaller(), d("0.1"))
	require.NoError(t, err)
	assert.True(t, check.EnoughBalance)
	assert.False(t, check.UsingFreeTier)
	assert.Equal(t, "5.0001", check.EffectiveBalance.String())
}

func TestCheckBalance_FreeTierFirst(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	require.NoError(t, store.CreateSpendPool(ctx, &ledger.SpendPool{ID: "p1", AppID: "a1", TotalAmount: d("50"), PerUserCap: d("2")}))

	check, err := svc.CheckBalance(ctx, testCaller(), d("0.1"))
	require.NoError(t, err)
	assert.True(t, check.UsingFreeTier)
	assert.Equal(t, "p1", check.SpendPoolID)
	assert.Equal(t, "2", check.EffectiveBalance.String())

	// An exhausted pool falls back to the balance check.
	require.NoError(t, store.CreateSpendPool(ctx, &ledger.SpendPool{ID: "p1", AppID: "a1", TotalAmount: d("50"), Consumed: d("50")}))
	_, err = svc.CheckBalance(ctx, testCaller(), d("0.1"))
	assert.ErrorIs(t, err, apierr.PaymentRequired)
}

func TestRecord_FreeTier(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	require.NoError(t, store.CreateSpendPool(ctx, &ledger.SpendPool{ID: "p1", AppID: "a1", TotalAmount: d("50")}))

	caller := testCaller()
	check, err := svc.CheckBalance(ctx, caller, d("0.1"))
	require.NoError(t, err)

	usage := &providers.Usage{Model: "cent-model", InputTokens: 10, TotalTokens: 10, ProviderMessageID: "chatcmpl-1"}
	tx, err := svc.Record(ctx, caller, testRoute(svc), usage, check)
	require.NoError(t, err)
	assert.Equal(t, ledger.PathFreeTier, tx.SettlementPath)
	assert.Equal(t, "p1", tx.SpendPoolID)
	assert.Equal(t, "0.1", tx.TotalCost.String())

	var meta providers.Usage
	require.NoError(t, json.Unmarshal(tx.Metadata, &meta))
	assert.Equal(t, "chatcmpl-1", meta.ProviderMessageID)

	pool, _ := store.GetFreeTierPool(ctx, "u1", "a1")
	assert.Equal(t, "0.1", pool.Consumed.String())
}

func TestCheckBalance_PoolTooSmallForRequest(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	require.NoError(t, store.CreateSpendPool(ctx, &ledger.SpendPool{ID: "p1", AppID: "a1", TotalAmount: d("50"), Consumed: d("49.95")}))

	// $0.05 left in the pool, a $0.10 request, nothing in the balance.
	for i := 0; i < 3; i++ {
		_, err := svc.CheckBalance(ctx, testCaller(), d("0.1"))
		require.ErrorIs(t, err, apierr.PaymentRequired, "attempt %d", i)
	}
	bal, _ := store.GetBalance(ctx, "u1")
	assert.True(t, bal.TotalSpent.IsZero())

	check, err := svc.CheckBalance(ctx, testCaller(), d("0.05"))
	require.NoError(t, err)
	assert.True(t, check.UsingFreeTier, "a request that exactly fills the pool is admitted")

	require.NoError(t, store.Credit(ctx, "u1", d("1")))
	check, err = svc.CheckBalance(ctx, testCaller(), d("0.1"))
	require.NoError(t, err)
	assert.False(t, check.UsingFreeTier)
	assert.Empty(t, check.SpendPoolID)
}

func TestCheckBalance_PerUserCapBoundsEstimate(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	require.NoError(t, store.CreateSpendPool(ctx, &ledger.SpendPool{ID: "p1", AppID: "a1", TotalAmount: d("50"), PerUserCap: d("0.05")}))

	_, err := svc.CheckBalance(ctx, testCaller(), d("0.1"))
	assert.ErrorIs(t, err, apierr.PaymentRequired)

	check, err := svc.CheckBalance(ctx, testCaller(), d("0.04"))
	require.NoError(t, err)
	assert.True(t, check.UsingFreeTier)
}

func TestRecord_PoolOverflowFallsThroughToBalance(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	require.NoError(t, store.CreateSpendPool(ctx, &ledger.SpendPool{ID: "p1", AppID: "a1", TotalAmount: d("50"), Consumed: d("49.95")}))
	require.NoError(t, store.Credit(ctx, "u1", d("1")))

	// The estimate fit the pool, but actual usage came in higher.
	caller := testCaller()
	check, err := svc.CheckBalance(ctx, caller, d("0.01"))
	require.NoError(t, err)
	require.True(t, check.UsingFreeTier)

	usage := &providers.Usage{Model: "cent-model", InputTokens: 10, TotalTokens: 10}
	tx, err := svc.Record(ctx, caller, testRoute(svc), usage, check)
	require.NoError(t, err)

	assert.Equal(t, ledger.PathBalance, tx.SettlementPath)
	assert.Empty(t, tx.SpendPoolID)
	assert.Equal(t, "0.1", tx.TotalCost.String(), "charge must not be truncated to the pool remainder")

	pool, _ := store.GetFreeTierPool(ctx, "u1", "a1")
	assert.Equal(t, "49.95", pool.Consumed.String())
	bal, _ := store.GetBalance(ctx, "u1")
	assert.Equal(t, "0.9", bal.Available().String())
}

func TestEstimateCost_AppliesCallerMarkup(t *testing.T) {
	svc, _ := newTestService(t)
	route := testRoute(svc)
	req := &providers.CanonicalRequest{Body: []byte(`{"max_tokens":10}`)}

	base, err := svc.EstimateMaxCost(route, req)
	require.NoError(t, err)

	caller := testCaller()
	caller.MarkupRatio = d("2")
	marked, err := svc.EstimateCost(caller, route, req)
	require.NoError(t, err)
	assert.True(t, marked.Equal(base.Mul(d("2"))), "got %s want 2x %s", marked, base)

	caller.MarkupRatio = d("0.5")
	_, err = svc.EstimateCost(caller, route, req)
	assert.ErrorIs(t, err, apierr.Validation)
}

func TestRecord_MarkupAndReferralSplit(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	require.NoError(t, store.Credit(ctx, "u1", d("10")))

	caller := testCaller()
	caller.MarkupRatio = d("1.5")
	caller.ReferralRatio = d("1.2")
	caller.ReferralCodeID = "ref_1"

	check, err := svc.CheckBalance(ctx, caller, d("0.1"))
	require.NoError(t, err)
	tx, err := svc.Record(ctx, caller, testRoute(svc), &providers.Usage{InputTokens: 100}, check)
	require.NoError(t, err)

	assert.Equal(t, "1", tx.RawProviderCost.String())
	assert.Equal(t, "0.5", tx.AppProfit.String())
	assert.Equal(t, "0.1", tx.ReferralProfit.String())
	assert.Equal(t, "0.4", tx.MarkupProfit.String())
	assert.Equal(t, "1.5", tx.TotalCost.String())
	assert.Equal(t, "ref_1", tx.ReferralCodeID)
}

func TestRecord_EchoFee(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	svc.opts.EchoFeeRate = d("0.1")
	require.NoError(t, store.Credit(ctx, "u1", d("10")))

	tx, err := svc.Record(ctx, testCaller(), testRoute(svc), &providers.Usage{InputTokens: 100}, &BalanceCheck{EnoughBalance: true})
	require.NoError(t, err)
	assert.Equal(t, "0.1", tx.EchoProfit.String())
	assert.Equal(t, "1.1", tx.TotalCost.String())
}

func TestRecord_InvalidMarkupRecordsNothing(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	require.NoError(t, store.Credit(ctx, "u1", d("10")))

	caller := testCaller()
	caller.MarkupRatio = d("0.8")
	_, err := svc.Record(ctx, caller, testRoute(svc), &providers.Usage{InputTokens: 1}, &BalanceCheck{EnoughBalance: true})
	assert.ErrorIs(t, err, apierr.Validation)

	txs, _ := store.ListTransactions(ctx, "u1", 10, nil)
	assert.Empty(t, txs)
}

func TestRecordX402(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)

	caller := testCaller()
	tx, err := svc.RecordX402(ctx, caller, testRoute(svc), &providers.Usage{InputTokens: 10}, "", ledger.StatusSettleFailed)
	require.NoError(t, err)
	assert.Equal(t, ledger.PathX402, tx.SettlementPath)
	assert.Equal(t, ledger.StatusSettleFailed, tx.Status)

	bal, _ := store.GetBalance(ctx, "u1")
	assert.True(t, bal.TotalSpent.IsZero(), "x402 charges never touch the balance")
}

func TestEstimateMaxCost(t *testing.T) {
	svc, _ := newTestService(t)
	route := testRoute(svc)

	body := []byte(`{"model":"cent-model","max_tokens":10,"messages":[]}`)
	got, err := svc.EstimateMaxCost(route, &providers.CanonicalRequest{Body: body})
	require.NoError(t, err)

	promptTokens := int64(len(body)/bytesPerToken) + 1
	want := d("0.01").Mul(decimal.NewFromInt(promptTokens)).Add(d("0.2"))
	assert.True(t, got.Equal(want), "got %s want %s", got, want)

	unbounded, err := svc.EstimateMaxCost(route, &providers.CanonicalRequest{Body: []byte(`{}`)})
	require.NoError(t, err)
	assert.True(t, unbounded.GreaterThan(got))
}

func TestAccount(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	require.NoError(t, store.Credit(ctx, "u1", d("3")))

	acct, err := svc.Account(ctx, testCaller())
	require.NoError(t, err)
	assert.Equal(t, "3", acct.Balance.String())
	assert.Nil(t, acct.FreeTier)

	require.NoError(t, store.CreateSpendPool(ctx, &ledger.SpendPool{ID: "p1", AppID: "a1", TotalAmount: d("50"), PerUserCap: d("1")}))
	acct, err = svc.Account(ctx, testCaller())
	require.NoError(t, err)
	require.NotNil(t, acct.FreeTier)
	assert.Equal(t, "1", acct.FreeTier.Remaining.String())

	usage := &providers.Usage{Model: "cent-model", InputTokens: 10, TotalTokens: 10}
	check, err := svc.CheckBalance(ctx, testCaller(), d("0.1"))
	require.NoError(t, err)
	_, err = svc.Record(ctx, testCaller(), testRoute(svc), usage, check)
	require.NoError(t, err)

	page, err := svc.Transactions(ctx, testCaller(), 0, "")
	require.NoError(t, err)
	assert.Len(t, page.Transactions, 1)
	assert.Empty(t, page.NextCursor)
}

func TestTransactions_Pages(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	base := time.Unix(1_700_000_000, 0)
	for i := 0; i < 5; i++ {
		require.NoError(t, store.CreateTransaction(ctx, &ledger.Transaction{
			ID:             fmt.Sprintf("tx_%d", i),
			UserID:         "u1",
			SettlementPath: ledger.PathX402,
			CreatedAt:      base.Add(time.Duration(i) * time.Minute),
		}))
	}

	var seen []string
	cursor := ""
	for {
		page, err := svc.Transactions(ctx, testCaller(), 2, cursor)
		require.NoError(t, err)
		for _, tx := range page.Transactions {
			seen = append(seen, tx.ID)
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	assert.Equal(t, []string{"tx_4", "tx_3", "tx_2", "tx_1", "tx_0"}, seen)

	_, err := svc.Transactions(ctx, testCaller(), 2, "garbage!")
	assert.ErrorIs(t, err, apierr.Validation)
}
