package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"marketpulse/internal/model"
)

const defaultPollInterval = 5 * time.Second

// FetchFunc retrieves the current batch of ticks from a REST endpoint.
type FetchFunc func(ctx context.Context) ([]model.RawTick, error)

// PollConfig configures a polling adapter.
type PollConfig struct {
	Exchange string
	Interval time.Duration // zero takes defaultPollInterval
	Fetch    FetchFunc
	Writer   TickWriter
	Log      *slog.Logger
}

// PollAdapter fetches ticks on a fixed interval for exchanges without a
// streaming feed. A failed fetch marks the adapter offline until the next
// successful round.
type PollAdapter struct {
	runner
	cfg PollConfig
}

// NewPoll creates a polling adapter.
func NewPoll(cfg PollConfig) (*PollAdapter, error) {
	if cfg.Fetch == nil {
		return nil, fmt.Errorf("poll adapter %s: fetch func is required", cfg.Exchange)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultPollInterval
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &PollAdapter{
		runner: newRunner(cfg.Exchange, model.SourcePolled),
		cfg:    cfg,
	}, nil
}

func (a *PollAdapter) Name() string { return "poll-" + a.cfg.Exchange }

func (a *PollAdapter) Start(ctx context.Context) error {
	return a.start(ctx, a.run)
}

func (a *PollAdapter) Stop(ctx context.Context) error {
	return a.stop(ctx)
}

func (a *PollAdapter) run(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	a.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.poll(ctx)
		}
	}
}

func (a *PollAdapter) poll(ctx context.Context) {
	ticks, err := a.cfg.Fetch(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		a.setError(err)
		a.cfg.Log.Warn("poll failed", "exchange", a.cfg.Exchange, "err", err)
		return
	}
	a.setOnline(true)

	now := time.Now().UTC()
	for i := range ticks {
		t := ticks[i]
		t.Exchange = a.cfg.Exchange
		t.Source = model.SourcePolled
		if t.ReceivedAt.IsZero() {
			t.ReceivedAt = now
		}
		if err := a.cfg.Writer.Write(ctx, t); err != nil {
			if ctx.Err() != nil {
				return
			}
			a.setError(err)
			return
		}
		a.markTick(t.ReceivedAt)
	}
}
