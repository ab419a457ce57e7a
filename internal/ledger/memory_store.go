package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/echo/internal/pagination"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
type MemoryStore struct {
	mu           sync.RWMutex
	balances     map[string]*Balance
	pools        map[string]*SpendPool // by app
	poolUsage    map[string]decimal.Decimal
	referrals    map[string]*ReferralCode // "user:app"
	markups      map[string]*AppMarkup
	transactions []*Transaction
	byID         map[string]*Transaction
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances:  make(map[string]*Balance),
		pools:     make(map[string]*SpendPool),
		poolUsage: make(map[string]decimal.Decimal),
		referrals: make(map[string]*ReferralCode),
		markups:   make(map[string]*AppMarkup),
		byID:      make(map[string]*Transaction),
	}
}

func usageKey(poolID, userID string) string { return poolID + ":" + userID }

func (m *MemoryStore) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if bal, ok := m.balances[userID]; ok {
		cp := *bal
		return &cp, nil
	}
	return &Balance{UserID: userID, UpdatedAt: time.Now()}, nil
}

func (m *MemoryStore) Credit(ctx context.Context, userID string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	bal := m.balanceLocked(userID)
	bal.TotalPaid = bal.TotalPaid.Add(amount)
	bal.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) balanceLocked(userID string) *Balance {
	bal, ok := m.balances[userID]
	if !ok {
		bal = &Balance{UserID: userID}
		m.balances[userID] = bal
	}
	return bal
}

func (m *MemoryStore) GetFreeTierPool(ctx context.Context, userID, appID string) (*SpendPool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pool, ok := m.pools[appID]
	if !ok {
		return nil, nil
	}
	cp := *pool
	cp.UserConsumed = m.poolUsage[usageKey(pool.ID, userID)]
	return &cp, nil
}

func (m *MemoryStore) CreateSpendPool(ctx context.Context, pool *SpendPool) error {
	if pool.TotalAmount.IsNegative() || pool.PerUserCap.IsNegative() {
		return ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *pool
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	m.pools[pool.AppID] = &cp
	return nil
}

func (m *MemoryStore) GetReferralCode(ctx context.Context, userID, appID string) (*ReferralCode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rc, ok := m.referrals[userID+":"+appID]
	if !ok {
		return nil, nil
	}
	cp := *rc
	return &cp, nil
}

func (m *MemoryStore) CreateReferralCode(ctx context.Context, code *ReferralCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *code
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	m.referrals[code.UserID+":"+code.AppID] = &cp
	return nil
}

func (m *MemoryStore) GetCurrentMarkup(ctx context.Context, appID string) (*AppMarkup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	mk, ok := m.markups[appID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *mk
	return &cp, nil
}

func (m *MemoryStore) SetMarkup(ctx context.Context, markup *AppMarkup) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *markup
	cp.UpdatedAt = time.Now()
	m.markups[markup.AppID] = &cp
	return nil
}

func (m *MemoryStore) CreateTransaction(ctx context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, dup := m.byID[tx.ID]; dup {
		return ErrDuplicateTx
	}

	switch tx.SettlementPath {
	case PathFreeTier:
		pool, ok := m.pools[tx.AppID]
		if !ok || pool.ID != tx.SpendPoolID {
			return ErrNotFound
		}
		key := usageKey(pool.ID, tx.UserID)
		view := *pool
		view.UserConsumed = m.poolUsage[key]
		if !view.Fits(tx.TotalCost) {
			return ErrPoolExhausted
		}
		pool.Consumed = pool.Consumed.Add(tx.TotalCost)
		m.poolUsage[key] = view.UserConsumed.Add(tx.TotalCost)
	case PathBalance:
		bal := m.balanceLocked(tx.UserID)
		bal.TotalSpent = bal.TotalSpent.Add(tx.TotalCost)
		bal.UpdatedAt = time.Now()
	case PathX402:
	default:
		return ErrUnknownSettlement
	}

	cp := *tx
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	m.transactions = append(m.transactions, &cp)
	m.byID[cp.ID] = &cp
	return nil
}

func (m *MemoryStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *tx
	return &cp, nil
}

func (m *MemoryStore) ListTransactions(ctx context.Context, userID string, limit int, cursor *pagination.Cursor) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Transaction
	for _, tx := range m.transactions {
		if tx.UserID == userID && cursor.After(tx.CreatedAt, tx.ID) {
			cp := *tx
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
