package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"marketpulse/internal/model"
)

// ExchangeStatusRepo persists adapter health snapshots.
type ExchangeStatusRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewExchangeStatusRepo creates a PostgreSQL exchange status repository.
func NewExchangeStatusRepo(db *sqlx.DB, timeout time.Duration) *ExchangeStatusRepo {
	return &ExchangeStatusRepo{db: db, timeout: timeout}
}

// Upsert writes one status snapshot keyed by (exchange, source).
func (r *ExchangeStatusRepo) Upsert(ctx context.Context, s model.ExchangeStatus) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO exchange_statuses (exchange, source, is_online, last_tick_at, last_error, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (exchange, source) DO UPDATE SET
			is_online    = EXCLUDED.is_online,
			last_tick_at = EXCLUDED.last_tick_at,
			last_error   = EXCLUDED.last_error,
			updated_at   = EXCLUDED.updated_at`,
		s.Exchange, s.Source, s.IsOnline, s.LastTickAt, s.LastError, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("exchange status upsert %s/%s: %w", s.Exchange, s.Source, err)
	}
	return nil
}

// GetAll returns every known status row.
func (r *ExchangeStatusRepo) GetAll(ctx context.Context) ([]model.ExchangeStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var rows []model.ExchangeStatus
	err := r.db.SelectContext(ctx, &rows, `
		SELECT exchange, source, is_online, last_tick_at, last_error, updated_at
		FROM exchange_statuses ORDER BY exchange, source`)
	if err != nil {
		return nil, fmt.Errorf("exchange status get all: %w", err)
	}
	return rows, nil
}

// Get returns the status for one (exchange, source) pair.
func (r *ExchangeStatusRepo) Get(ctx context.Context, exchange string, source model.SourceType) (model.ExchangeStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var s model.ExchangeStatus
	err := r.db.GetContext(ctx, &s, `
		SELECT exchange, source, is_online, last_tick_at, last_error, updated_at
		FROM exchange_statuses WHERE exchange = $1 AND source = $2`, exchange, source)
	if err != nil {
		return model.ExchangeStatus{}, fmt.Errorf("exchange status get %s/%s: %w", exchange, source, err)
	}
	return s, nil
}
