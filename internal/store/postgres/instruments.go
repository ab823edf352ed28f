package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"marketpulse/internal/model"
)

// InstrumentRepo resolves instruments, creating them lazily.
type InstrumentRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewInstrumentRepo creates a PostgreSQL instrument repository.
func NewInstrumentRepo(db *sqlx.DB, timeout time.Duration) *InstrumentRepo {
	return &InstrumentRepo{db: db, timeout: timeout}
}

const selectInstrument = `
	SELECT id, symbol, exchange, base_currency, quote_currency, created_at
	FROM instruments WHERE symbol = $1 AND exchange = $2`

// GetOrCreate returns the instrument for (symbol, exchange), inserting it on
// first sighting. The base/quote split happens here, on creation only.
func (r *InstrumentRepo) GetOrCreate(ctx context.Context, symbol, exchange string) (model.Instrument, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var inst model.Instrument
	err := r.db.GetContext(ctx, &inst, selectInstrument, symbol, exchange)
	if err == nil {
		return inst, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return model.Instrument{}, fmt.Errorf("instrument select: %w", err)
	}

	base, quote := model.SplitSymbol(symbol)
	err = r.db.GetContext(ctx, &inst, `
		INSERT INTO instruments (symbol, exchange, base_currency, quote_currency)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (symbol, exchange) DO NOTHING
		RETURNING id, symbol, exchange, base_currency, quote_currency, created_at`,
		symbol, exchange, base, quote)
	if err == nil {
		return inst, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return model.Instrument{}, fmt.Errorf("instrument insert: %w", err)
	}

	// Lost a create race; the row exists now.
	if err := r.db.GetContext(ctx, &inst, selectInstrument, symbol, exchange); err != nil {
		return model.Instrument{}, fmt.Errorf("instrument reselect: %w", err)
	}
	return inst, nil
}
