package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"marketpulse/internal/model"
)

// CandleRepo upserts aggregated candles.
type CandleRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewCandleRepo creates a PostgreSQL candle repository.
func NewCandleRepo(db *sqlx.DB, timeout time.Duration) *CandleRepo {
	return &CandleRepo{db: db, timeout: timeout}
}

// BulkUpsert writes candles keyed on (instrument_id, interval, open_time).
// An existing row's OHLCV, volume, trades_count and close_time are replaced,
// so re-flushing a still-open candle is safe.
func (r *CandleRepo) BulkUpsert(ctx context.Context, candles []*model.Candle) error {
	if len(candles) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("candles bulk upsert: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO candles
			(instrument_id, interval, open_time, close_time, open, high, low, close, volume, trades_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (instrument_id, interval, open_time) DO UPDATE SET
			close_time   = EXCLUDED.close_time,
			open         = EXCLUDED.open,
			high         = EXCLUDED.high,
			low          = EXCLUDED.low,
			close        = EXCLUDED.close,
			volume       = EXCLUDED.volume,
			trades_count = EXCLUDED.trades_count`)
	if err != nil {
		return fmt.Errorf("candles bulk upsert: prepare: %w", err)
	}
	defer stmt.Close()

	for _, c := range candles {
		if _, err := stmt.ExecContext(ctx,
			c.InstrumentID, c.Interval, c.OpenTime, c.CloseTime,
			c.Open, c.High, c.Low, c.Close, c.Volume, c.TradesCount); err != nil {
			return fmt.Errorf("candles bulk upsert: exec %s: %w", c.Key(), err)
		}
	}

	return tx.Commit()
}
