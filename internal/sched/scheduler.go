// Package sched runs the periodic background jobs: candle/tick flushing,
// adapter status persistence and tick partition maintenance.
package sched

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"marketpulse/internal/adapter"
	"marketpulse/internal/metrics"
	"marketpulse/internal/model"
)

const (
	// DefaultFlushInterval drives the aggregator's periodic flush.
	DefaultFlushInterval = 10 * time.Second

	// DefaultStatusInterval drives adapter status persistence.
	DefaultStatusInterval = 30 * time.Second

	// DefaultRetentionInterval drives partition creation and cleanup.
	DefaultRetentionInterval = 24 * time.Hour

	// DefaultPartitionDaysAhead is how many future daily partitions to keep
	// pre-created.
	DefaultPartitionDaysAhead = 3

	// DefaultTickRetentionDays is how long raw tick partitions are kept.
	DefaultTickRetentionDays = 30
)

// Flusher is satisfied by the candle aggregator.
type Flusher interface {
	Flush(ctx context.Context)
}

// Config wires the scheduler's dependencies. Zero intervals take the
// defaults above.
type Config struct {
	Flusher  Flusher
	Adapters []adapter.Adapter
	Statuses model.ExchangeStatusRepository
	Ticks    model.TickRepository
	Health   *metrics.HealthStatus
	Log      *slog.Logger

	FlushInterval     time.Duration
	StatusInterval    time.Duration
	RetentionInterval time.Duration
	PartitionDaysAhead int
	TickRetentionDays  int

	Now func() time.Time
}

// Scheduler owns the background loops. Start launches them; Stop waits for
// them to exit.
type Scheduler struct {
	cfg Config

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler.
func New(cfg Config) *Scheduler {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = DefaultStatusInterval
	}
	if cfg.RetentionInterval <= 0 {
		cfg.RetentionInterval = DefaultRetentionInterval
	}
	if cfg.PartitionDaysAhead <= 0 {
		cfg.PartitionDaysAhead = DefaultPartitionDaysAhead
	}
	if cfg.TickRetentionDays <= 0 {
		cfg.TickRetentionDays = DefaultTickRetentionDays
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Scheduler{cfg: cfg}
}

// Start launches the flush, status and retention loops.
func (s *Scheduler) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go s.loop(runCtx, s.cfg.FlushInterval, func(ctx context.Context) {
		s.cfg.Flusher.Flush(ctx)
	})

	if s.cfg.Statuses != nil && len(s.cfg.Adapters) > 0 {
		s.wg.Add(1)
		go s.loop(runCtx, s.cfg.StatusInterval, s.probeAdapters)
	}

	if s.cfg.Ticks != nil {
		s.wg.Add(1)
		go s.loop(runCtx, s.cfg.RetentionInterval, s.maintainPartitions)
		// Run once at startup so today's partition exists before the first
		// bulk insert.
		s.maintainPartitions(runCtx)
	}
}

// Stop cancels the loops and waits for them to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, interval time.Duration, job func(ctx context.Context)) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			job(ctx)
		}
	}
}

// probeAdapters persists every adapter's status and feeds the freshest tick
// time into the health endpoint.
func (s *Scheduler) probeAdapters(ctx context.Context) {
	now := s.cfg.Now().UTC()
	var freshest time.Time

	for _, a := range s.cfg.Adapters {
		st := a.Status()
		if st.LastTickAt.After(freshest) {
			freshest = st.LastTickAt
		}
		err := s.cfg.Statuses.Upsert(ctx, model.ExchangeStatus{
			Exchange:   st.Exchange,
			Source:     st.Source,
			IsOnline:   st.IsOnline,
			LastTickAt: st.LastTickAt,
			LastError:  st.LastError,
			UpdatedAt:  now,
		})
		if err != nil {
			s.cfg.Log.Warn("status upsert failed", "exchange", st.Exchange, "err", err)
		}
	}

	if s.cfg.Health != nil && !freshest.IsZero() {
		s.cfg.Health.SetLastTickTime(freshest)
	}
}

// maintainPartitions pre-creates upcoming daily tick partitions and drops
// the ones past retention.
func (s *Scheduler) maintainPartitions(ctx context.Context) {
	if err := s.cfg.Ticks.EnsurePartitions(ctx, s.cfg.PartitionDaysAhead); err != nil {
		s.cfg.Log.Error("partition creation failed", "err", err)
	}

	cutoff := s.cfg.Now().UTC().AddDate(0, 0, -s.cfg.TickRetentionDays)
	if err := s.cfg.Ticks.DropPartitionsBefore(ctx, cutoff); err != nil {
		s.cfg.Log.Error("partition cleanup failed", "err", err)
	}
}
