package model

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ── Storage Port Interfaces ──
// These interfaces decouple the pipeline core from concrete storage
// implementations (Postgres, Redis). Each implementation satisfies one or
// more of these interfaces.

// TickRecord is a raw trade resolved to its instrument, ready for bulk insert.
type TickRecord struct {
	InstrumentID int64           `json:"instrument_id" db:"instrument_id"`
	Source       SourceType      `json:"source" db:"source"`
	Price        decimal.Decimal `json:"price" db:"price"`
	Volume       decimal.Decimal `json:"volume" db:"volume"`
	Timestamp    time.Time       `json:"timestamp" db:"ts"`
	ReceivedAt   time.Time       `json:"received_at" db:"received_at"`
}

// TickRepository persists raw ticks into the time-partitioned ticks table.
// BulkInsert is not required to be idempotent; duplicate rows are tolerated
// when the dedup backend misses.
type TickRepository interface {
	BulkInsert(ctx context.Context, ticks []TickRecord) error

	// EnsurePartitions creates daily partitions covering now-1d .. now+daysAhead.
	EnsurePartitions(ctx context.Context, daysAhead int) error

	// DropPartitionsBefore removes daily partitions entirely before the cutoff.
	DropPartitionsBefore(ctx context.Context, cutoff time.Time) error
}

// CandleRepository upserts aggregated candles keyed on
// (instrument_id, interval, open_time).
type CandleRepository interface {
	BulkUpsert(ctx context.Context, candles []*Candle) error
}

// InstrumentRepository resolves instruments, creating them lazily on first
// observed tick.
type InstrumentRepository interface {
	GetOrCreate(ctx context.Context, symbol, exchange string) (Instrument, error)
}

// AlertRuleRepository manages user-defined alert rules.
type AlertRuleRepository interface {
	GetAllActive(ctx context.Context) ([]AlertRule, error)
	GetByID(ctx context.Context, id string) (AlertRule, error)
	Create(ctx context.Context, rule AlertRule) error
	Update(ctx context.Context, rule AlertRule) error
	Delete(ctx context.Context, id string) error
}

// AlertHistoryRepository appends and reads immutable alert firings.
type AlertHistoryRepository interface {
	Add(ctx context.Context, h AlertHistory) error
	Get(ctx context.Context, from, to time.Time, limit int) ([]AlertHistory, error)
}

// ExchangeStatusRepository persists adapter health snapshots keyed by
// (exchange, source).
type ExchangeStatusRepository interface {
	Upsert(ctx context.Context, s ExchangeStatus) error
	GetAll(ctx context.Context) ([]ExchangeStatus, error)
	Get(ctx context.Context, exchange string, source SourceType) (ExchangeStatus, error)
}
