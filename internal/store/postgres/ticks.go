package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"marketpulse/internal/model"
)

const partitionPrefix = "ticks_"

// TickRepo persists raw ticks into the daily-partitioned ticks table.
type TickRepo struct {
	db      *sqlx.DB
	timeout time.Duration
	log     *slog.Logger
}

// NewTickRepo creates a PostgreSQL tick repository.
func NewTickRepo(db *sqlx.DB, timeout time.Duration, log *slog.Logger) *TickRepo {
	return &TickRepo{db: db, timeout: timeout, log: log}
}

// BulkInsert writes a batch of ticks in one transaction. Not idempotent:
// duplicate rows are possible when the dedup backend misses, callers tolerate.
func (r *TickRepo) BulkInsert(ctx context.Context, ticks []model.TickRecord) error {
	if len(ticks) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ticks bulk insert: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO ticks (instrument_id, source, price, volume, ts, received_at)
		VALUES ($1, $2, $3, $4, $5, $6)`)
	if err != nil {
		return fmt.Errorf("ticks bulk insert: prepare: %w", err)
	}
	defer stmt.Close()

	for _, t := range ticks {
		if _, err := stmt.ExecContext(ctx,
			t.InstrumentID, t.Source, t.Price, t.Volume, t.Timestamp, t.ReceivedAt); err != nil {
			return fmt.Errorf("ticks bulk insert: exec: %w", err)
		}
	}

	return tx.Commit()
}

// PartitionName returns the child table name for a day: "ticks_20240101".
func PartitionName(day time.Time) string {
	return partitionPrefix + day.UTC().Format("20060102")
}

// PartitionDate parses the day back out of a partition name.
func PartitionDate(name string) (time.Time, error) {
	if !strings.HasPrefix(name, partitionPrefix) {
		return time.Time{}, fmt.Errorf("not a tick partition: %s", name)
	}
	return time.ParseInLocation("20060102", strings.TrimPrefix(name, partitionPrefix), time.UTC)
}

// EnsurePartitions creates daily partitions covering yesterday through
// now+daysAhead, so inserts never hit a missing partition around midnight.
func (r *TickRepo) EnsurePartitions(ctx context.Context, daysAhead int) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	today := time.Now().UTC().Truncate(24 * time.Hour)
	for i := -1; i <= daysAhead; i++ {
		day := today.AddDate(0, 0, i)
		next := day.AddDate(0, 0, 1)
		q := fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS %s PARTITION OF ticks FOR VALUES FROM ('%s') TO ('%s')`,
			PartitionName(day),
			day.Format("2006-01-02"),
			next.Format("2006-01-02"),
		)
		if _, err := r.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("ensure partition %s: %w", PartitionName(day), err)
		}
	}
	return nil
}

// DropPartitionsBefore detaches and drops tick partitions entirely before the
// cutoff day.
func (r *TickRepo) DropPartitionsBefore(ctx context.Context, cutoff time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var names []string
	err := r.db.SelectContext(ctx, &names, `
		SELECT c.relname
		FROM pg_inherits
		JOIN pg_class c ON pg_inherits.inhrelid = c.oid
		JOIN pg_class p ON pg_inherits.inhparent = p.oid
		WHERE p.relname = 'ticks'`)
	if err != nil {
		return fmt.Errorf("list tick partitions: %w", err)
	}

	cutoffDay := cutoff.UTC().Truncate(24 * time.Hour)
	for _, name := range names {
		day, err := PartitionDate(name)
		if err != nil {
			continue
		}
		// The partition covers [day, day+1); drop only fully-expired days.
		if day.AddDate(0, 0, 1).After(cutoffDay) {
			continue
		}
		if _, err := r.db.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, name)); err != nil {
			return fmt.Errorf("drop partition %s: %w", name, err)
		}
		r.log.Info("dropped tick partition", "partition", name)
	}
	return nil
}
