// Package postgres implements the persistence ports on PostgreSQL.
// Raw ticks land in a daily-partitioned table; candles are upserted on
// their composite identity.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
)

// Config holds database connection configuration.
type Config struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	QueryTimeout    time.Duration `yaml:"query_timeout"`
}

// DefaultConfig returns reasonable defaults for database connections.
func DefaultConfig() Config {
	return Config{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		QueryTimeout:    30 * time.Second,
	}
}

// Connect opens a connection pool and verifies it with a ping.
func Connect(cfg Config) (*sqlx.DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres: DSN is required")
	}

	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	return db, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS instruments (
	id             BIGSERIAL PRIMARY KEY,
	symbol         TEXT NOT NULL,
	exchange       TEXT NOT NULL,
	base_currency  TEXT NOT NULL DEFAULT '',
	quote_currency TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (symbol, exchange)
);

CREATE TABLE IF NOT EXISTS ticks (
	instrument_id BIGINT NOT NULL,
	source        TEXT NOT NULL,
	price         NUMERIC(32, 12) NOT NULL,
	volume        NUMERIC(32, 12) NOT NULL,
	ts            TIMESTAMPTZ NOT NULL,
	received_at   TIMESTAMPTZ NOT NULL
) PARTITION BY RANGE (ts);

CREATE INDEX IF NOT EXISTS idx_ticks_instrument_ts ON ticks (instrument_id, ts DESC);
CREATE INDEX IF NOT EXISTS idx_ticks_ts ON ticks (ts DESC);

CREATE TABLE IF NOT EXISTS candles (
	instrument_id BIGINT NOT NULL,
	interval      TEXT NOT NULL,
	open_time     TIMESTAMPTZ NOT NULL,
	close_time    TIMESTAMPTZ NOT NULL,
	open          NUMERIC(32, 12) NOT NULL,
	high          NUMERIC(32, 12) NOT NULL,
	low           NUMERIC(32, 12) NOT NULL,
	close         NUMERIC(32, 12) NOT NULL,
	volume        NUMERIC(32, 12) NOT NULL,
	trades_count  INTEGER NOT NULL,
	UNIQUE (instrument_id, interval, open_time)
);

CREATE TABLE IF NOT EXISTS alert_rules (
	id             UUID PRIMARY KEY,
	name           TEXT NOT NULL,
	instrument_id  BIGINT NOT NULL,
	kind           TEXT NOT NULL,
	threshold      NUMERIC(32, 12) NOT NULL,
	period_minutes INTEGER NOT NULL DEFAULT 0,
	active         BOOLEAN NOT NULL DEFAULT TRUE,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS alert_histories (
	id            UUID PRIMARY KEY,
	rule_id       UUID NOT NULL,
	instrument_id BIGINT NOT NULL,
	message       TEXT NOT NULL,
	triggered_at  TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_alert_histories_triggered_at ON alert_histories (triggered_at DESC);

CREATE TABLE IF NOT EXISTS exchange_statuses (
	exchange     TEXT NOT NULL,
	source       TEXT NOT NULL,
	is_online    BOOLEAN NOT NULL DEFAULT FALSE,
	last_tick_at TIMESTAMPTZ,
	last_error   TEXT NOT NULL DEFAULT '',
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (exchange, source)
);
`

// Migrate creates the schema if it does not exist.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}
