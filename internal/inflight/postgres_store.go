package inflight

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresStore keeps counters in the in_flight_requests table. Every
// mutation is a single statement on one row key, so concurrent requests
// for the same tenant never lose updates.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed counter store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the in_flight_requests table if it doesn't exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS in_flight_requests (
			user_id          VARCHAR(64) NOT NULL,
			app_id           VARCHAR(64) NOT NULL,
			number_in_flight BIGINT NOT NULL DEFAULT 0 CHECK (number_in_flight >= 0),
			updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (user_id, app_id)
		);
		CREATE INDEX IF NOT EXISTS idx_in_flight_stale ON in_flight_requests(updated_at) WHERE number_in_flight > 0;
	`)
	return err
}

func (p *PostgresStore) Increment(ctx context.Context, userID, appID string) (int64, error) {
	var prev int64
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO in_flight_requests (user_id, app_id, number_in_flight, updated_at)
		VALUES ($1, $2, 1, NOW())
		ON CONFLICT (user_id, app_id) DO UPDATE
		SET number_in_flight = in_flight_requests.number_in_flight + 1,
		    updated_at = NOW()
		RETURNING number_in_flight - 1
	`, userID, appID).Scan(&prev)
	return prev, err
}

func (p *PostgresStore) Decrement(ctx context.Context, userID, appID string) (int64, error) {
	var n int64
	err := p.db.QueryRowContext(ctx, `
		UPDATE in_flight_requests
		SET number_in_flight = GREATEST(number_in_flight - 1, 0),
		    updated_at = NOW()
		WHERE user_id = $1 AND app_id = $2
		RETURNING number_in_flight
	`, userID, appID).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return n, err
}

func (p *PostgresStore) Get(ctx context.Context, userID, appID string) (*Counter, error) {
	c := &Counter{UserID: userID, AppID: appID}
	err := p.db.QueryRowContext(ctx, `
		SELECT number_in_flight, updated_at FROM in_flight_requests
		WHERE user_id = $1 AND app_id = $2
	`, userID, appID).Scan(&c.NumberInFlight, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return c, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (p *PostgresStore) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE in_flight_requests
		SET number_in_flight = 0, updated_at = NOW()
		WHERE number_in_flight > 0 AND updated_at < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
