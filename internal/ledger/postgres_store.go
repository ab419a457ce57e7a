package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/mbd888/echo/internal/pagination"
)

// PostgresStore implements Store with PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the ledger tables with NUMERIC columns. Production
// deployments apply migrations/ with goose instead.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS user_balances (
			user_id      VARCHAR(64) PRIMARY KEY,
			total_paid   NUMERIC(24,10) NOT NULL DEFAULT 0,
			total_spent  NUMERIC(24,10) NOT NULL DEFAULT 0,
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT chk_total_paid_nonneg  CHECK (total_paid >= 0),
			CONSTRAINT chk_total_spent_nonneg CHECK (total_spent >= 0)
		);

		CREATE TABLE IF NOT EXISTS spend_pools (
			id            VARCHAR(64) PRIMARY KEY,
			app_id        VARCHAR(64) NOT NULL UNIQUE,
			total_amount  NUMERIC(24,10) NOT NULL,
			per_user_cap  NUMERIC(24,10) NOT NULL DEFAULT 0,
			consumed      NUMERIC(24,10) NOT NULL DEFAULT 0,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT chk_pool_consumed CHECK (consumed >= 0 AND consumed <= total_amount)
		);

		CREATE TABLE IF NOT EXISTS user_spend_pool_usage (
			pool_id     VARCHAR(64) NOT NULL REFERENCES spend_pools(id),
			user_id     VARCHAR(64) NOT NULL,
			consumed    NUMERIC(24,10) NOT NULL DEFAULT 0,
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (pool_id, user_id)
		);

		CREATE TABLE IF NOT EXISTS referral_codes (
			id           VARCHAR(64) PRIMARY KEY,
			code         VARCHAR(64) NOT NULL,
			app_id       VARCHAR(64) NOT NULL,
			referrer_id  VARCHAR(64) NOT NULL,
			user_id      VARCHAR(64) NOT NULL,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (user_id, app_id)
		);

		CREATE TABLE IF NOT EXISTS app_markups (
			app_id          VARCHAR(64) PRIMARY KEY,
			markup_ratio    NUMERIC(10,6) NOT NULL DEFAULT 1,
			referral_ratio  NUMERIC(10,6) NOT NULL DEFAULT 1,
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT chk_markup_ratio   CHECK (markup_ratio >= 1),
			CONSTRAINT chk_referral_ratio CHECK (referral_ratio >= 1)
		);

		CREATE TABLE IF NOT EXISTS transactions (
			id                 VARCHAR(64) PRIMARY KEY,
			user_id            VARCHAR(64) NOT NULL,
			app_id             VARCHAR(64) NOT NULL,
			api_key_id         VARCHAR(64),
			model              VARCHAR(128) NOT NULL,
			provider           VARCHAR(32) NOT NULL,
			raw_provider_cost  NUMERIC(24,10) NOT NULL,
			total_cost         NUMERIC(24,10) NOT NULL,
			app_profit         NUMERIC(24,10) NOT NULL,
			markup_profit      NUMERIC(24,10) NOT NULL,
			referral_profit    NUMERIC(24,10) NOT NULL,
			echo_profit        NUMERIC(24,10) NOT NULL,
			metadata           JSONB,
			status             VARCHAR(20) NOT NULL,
			settlement_path    VARCHAR(20) NOT NULL,
			spend_pool_id      VARCHAR(64),
			referral_code_id   VARCHAR(64),
			tx_hash            VARCHAR(66),
			created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT chk_tx_costs_nonneg CHECK (
				raw_provider_cost >= 0 AND total_cost >= 0 AND app_profit >= 0 AND
				markup_profit >= 0 AND referral_profit >= 0 AND echo_profit >= 0
			)
		);

		CREATE INDEX IF NOT EXISTS idx_transactions_user ON transactions(user_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_transactions_app ON transactions(app_id, created_at DESC);
	`)
	return err
}

// IsRetryable reports whether err is a serialization or deadlock failure
// that should be retried with a fresh transaction.
func IsRetryable(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	return false
}

func (p *PostgresStore) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	bal := &Balance{UserID: userID}
	err := p.db.QueryRowContext(ctx, `
		SELECT total_paid, total_spent, updated_at FROM user_balances WHERE user_id = $1
	`, userID).Scan(&bal.TotalPaid, &bal.TotalSpent, &bal.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &Balance{UserID: userID, UpdatedAt: time.Now()}, nil
	}
	if err != nil {
		return nil, err
	}
	return bal, nil
}

func (p *PostgresStore) Credit(ctx context.Context, userID string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO user_balances (user_id, total_paid, updated_at)
		VALUES ($1, $2::NUMERIC(24,10), NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			total_paid = user_balances.total_paid + $2::NUMERIC(24,10),
			updated_at = NOW()
	`, userID, amount)
	if err != nil {
		return fmt.Errorf("failed to credit balance: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetFreeTierPool(ctx context.Context, userID, appID string) (*SpendPool, error) {
	pool := &SpendPool{}
	err := p.db.QueryRowContext(ctx, `
		SELECT sp.id, sp.app_id, sp.total_amount, sp.per_user_cap, sp.consumed, sp.created_at,
		       COALESCE(u.consumed, 0)
		FROM spend_pools sp
		LEFT JOIN user_spend_pool_usage u ON u.pool_id = sp.id AND u.user_id = $1
		WHERE sp.app_id = $2
	`, userID, appID).Scan(&pool.ID, &pool.AppID, &pool.TotalAmount, &pool.PerUserCap, &pool.Consumed, &pool.CreatedAt, &pool.UserConsumed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return pool, nil
}

func (p *PostgresStore) CreateSpendPool(ctx context.Context, pool *SpendPool) error {
	if pool.TotalAmount.IsNegative() || pool.PerUserCap.IsNegative() {
		return ErrInvalidAmount
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO spend_pools (id, app_id, total_amount, per_user_cap, consumed, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`, pool.ID, pool.AppID, pool.TotalAmount, pool.PerUserCap, pool.Consumed)
	return err
}

func (p *PostgresStore) GetReferralCode(ctx context.Context, userID, appID string) (*ReferralCode, error) {
	rc := &ReferralCode{}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, code, app_id, referrer_id, user_id, created_at
		FROM referral_codes WHERE user_id = $1 AND app_id = $2
	`, userID, appID).Scan(&rc.ID, &rc.Code, &rc.AppID, &rc.ReferrerID, &rc.UserID, &rc.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rc, nil
}

func (p *PostgresStore) CreateReferralCode(ctx context.Context, code *ReferralCode) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO referral_codes (id, code, app_id, referrer_id, user_id, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`, code.ID, code.Code, code.AppID, code.ReferrerID, code.UserID)
	return err
}

func (p *PostgresStore) GetCurrentMarkup(ctx context.Context, appID string) (*AppMarkup, error) {
	mk := &AppMarkup{}
	err := p.db.QueryRowContext(ctx, `
		SELECT app_id, markup_ratio, referral_ratio, updated_at FROM app_markups WHERE app_id = $1
	`, appID).Scan(&mk.AppID, &mk.MarkupRatio, &mk.ReferralRatio, &mk.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return mk, nil
}

func (p *PostgresStore) SetMarkup(ctx context.Context, markup *AppMarkup) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO app_markups (app_id, markup_ratio, referral_ratio, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (app_id) DO UPDATE SET
			markup_ratio   = EXCLUDED.markup_ratio,
			referral_ratio = EXCLUDED.referral_ratio,
			updated_at     = NOW()
	`, markup.AppID, markup.MarkupRatio, markup.ReferralRatio)
	return err
}

// CreateTransaction inserts tx and applies its debit in one serializable
// transaction. Callers retry on IsRetryable errors.
func (p *PostgresStore) CreateTransaction(ctx context.Context, t *Transaction) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	switch t.SettlementPath {
	case PathFreeTier:
		if err := debitPool(ctx, tx, t); err != nil {
			return err
		}
	case PathBalance:
		_, err = tx.ExecContext(ctx, `
			INSERT INTO user_balances (user_id, total_spent, updated_at)
			VALUES ($1, $2::NUMERIC(24,10), NOW())
			ON CONFLICT (user_id) DO UPDATE SET
				total_spent = user_balances.total_spent + $2::NUMERIC(24,10),
				updated_at  = NOW()
		`, t.UserID, t.TotalCost)
		if err != nil {
			return fmt.Errorf("failed to debit balance: %w", err)
		}
	case PathX402:
	default:
		return ErrUnknownSettlement
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO transactions (
			id, user_id, app_id, api_key_id, model, provider,
			raw_provider_cost, total_cost, app_profit, markup_profit, referral_profit, echo_profit,
			metadata, status, settlement_path, spend_pool_id, referral_code_id, tx_hash, created_at
		) VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
		          NULLIF($16, ''), NULLIF($17, ''), NULLIF($18, ''), NOW())
	`, t.ID, t.UserID, t.AppID, t.APIKeyID, t.Model, t.Provider,
		t.RawProviderCost, t.TotalCost, t.AppProfit, t.MarkupProfit, t.ReferralProfit, t.EchoProfit,
		nullJSON(t.Metadata), string(t.Status), string(t.SettlementPath), t.SpendPoolID, t.ReferralCodeID, t.TxHash)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateTx
		}
		return fmt.Errorf("failed to record transaction: %w", err)
	}

	return tx.Commit()
}

// debitPool consumes from the pool and the per-user usage row. Both updates
// are conditional so a concurrent request cannot push either past its cap.
func debitPool(ctx context.Context, tx *sql.Tx, t *Transaction) error {
	var perUserCap decimal.Decimal
	err := tx.QueryRowContext(ctx, `
		UPDATE spend_pools SET consumed = consumed + $2
		WHERE id = $1 AND app_id = $3 AND consumed + $2 <= total_amount
		RETURNING per_user_cap
	`, t.SpendPoolID, t.TotalCost, t.AppID).Scan(&perUserCap)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrPoolExhausted
	}
	if err != nil {
		return fmt.Errorf("failed to debit spend pool: %w", err)
	}

	var userConsumed decimal.Decimal
	err = tx.QueryRowContext(ctx, `
		INSERT INTO user_spend_pool_usage (pool_id, user_id, consumed, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (pool_id, user_id) DO UPDATE SET
			consumed   = user_spend_pool_usage.consumed + EXCLUDED.consumed,
			updated_at = NOW()
		RETURNING consumed
	`, t.SpendPoolID, t.UserID, t.TotalCost).Scan(&userConsumed)
	if err != nil {
		return fmt.Errorf("failed to record pool usage: %w", err)
	}
	if !perUserCap.IsZero() && userConsumed.GreaterThan(perUserCap) {
		return ErrPoolExhausted
	}
	return nil
}

func nullJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

const txColumns = `id, user_id, app_id, COALESCE(api_key_id, ''), model, provider,
	raw_provider_cost, total_cost, app_profit, markup_profit, referral_profit, echo_profit,
	COALESCE(metadata::text, ''), status, settlement_path, COALESCE(spend_pool_id, ''),
	COALESCE(referral_code_id, ''), COALESCE(tx_hash, ''), created_at`

func scanTransaction(row interface{ Scan(...any) error }) (*Transaction, error) {
	t := &Transaction{}
	var meta, status, path string
	err := row.Scan(&t.ID, &t.UserID, &t.AppID, &t.APIKeyID, &t.Model, &t.Provider,
		&t.RawProviderCost, &t.TotalCost, &t.AppProfit, &t.MarkupProfit, &t.ReferralProfit, &t.EchoProfit,
		&meta, &status, &path, &t.SpendPoolID, &t.ReferralCodeID, &t.TxHash, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	if meta != "" {
		t.Metadata = []byte(meta)
	}
	t.Status = Status(status)
	t.SettlementPath = SettlementPath(path)
	return t, nil
}

func (p *PostgresStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	t, err := scanTransaction(p.db.QueryRowContext(ctx, `SELECT `+txColumns+` FROM transactions WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

func (p *PostgresStore) ListTransactions(ctx context.Context, userID string, limit int, cursor *pagination.Cursor) ([]*Transaction, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query := `SELECT ` + txColumns + ` FROM transactions WHERE user_id = $1`
	args := []any{userID, limit}
	if cursor != nil {
		query += ` AND (created_at, id) < ($3, $4)`
		args = append(args, cursor.CreatedAt, cursor.ID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT $2`

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
