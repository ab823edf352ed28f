package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"

	"marketpulse/internal/model"
)

const defaultSimInterval = 200 * time.Millisecond

// SimConfig configures the random-walk simulator.
type SimConfig struct {
	Exchange string
	Symbols  []string
	Interval time.Duration // time between emitted ticks, zero takes 200ms
	Writer   TickWriter
	Log      *slog.Logger

	// StartPrice seeds every symbol's walk. Zero takes 100.
	StartPrice float64

	// Seed fixes the walk for reproducible runs. Zero seeds from the clock.
	Seed int64
}

// SimAdapter emits a random-walk tick stream for offline development and
// load testing, mimicking a streaming exchange feed.
type SimAdapter struct {
	runner
	cfg SimConfig
}

// NewSim creates a simulator adapter.
func NewSim(cfg SimConfig) (*SimAdapter, error) {
	if len(cfg.Symbols) == 0 {
		return nil, fmt.Errorf("sim adapter %s: at least one symbol is required", cfg.Exchange)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultSimInterval
	}
	if cfg.StartPrice <= 0 {
		cfg.StartPrice = 100
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &SimAdapter{
		runner: newRunner(cfg.Exchange, model.SourceStreaming),
		cfg:    cfg,
	}, nil
}

func (a *SimAdapter) Name() string { return "sim-" + a.cfg.Exchange }

func (a *SimAdapter) Start(ctx context.Context) error {
	return a.start(ctx, a.run)
}

func (a *SimAdapter) Stop(ctx context.Context) error {
	return a.stop(ctx)
}

func (a *SimAdapter) run(ctx context.Context) {
	rng := rand.New(rand.NewSource(a.cfg.Seed))
	prices := make([]float64, len(a.cfg.Symbols))
	for i := range prices {
		prices[i] = a.cfg.StartPrice
	}

	a.setOnline(true)
	defer a.setOnline(false)
	a.cfg.Log.Info("simulator started",
		"exchange", a.cfg.Exchange, "symbols", len(a.cfg.Symbols), "interval", a.cfg.Interval)

	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		i := rng.Intn(len(a.cfg.Symbols))

		// Walk up to ±0.5% per step, floored well above zero.
		prices[i] *= 1 + (rng.Float64()-0.5)/100
		if prices[i] < 0.0001 {
			prices[i] = 0.0001
		}

		now := time.Now().UTC()
		t := model.RawTick{
			Exchange:   a.cfg.Exchange,
			Source:     model.SourceStreaming,
			Symbol:     a.cfg.Symbols[i],
			Price:      decimal.NewFromFloat(prices[i]).Round(8),
			Volume:     decimal.NewFromFloat(rng.Float64() * 10).Round(8),
			Timestamp:  now,
			ReceivedAt: now,
		}
		if err := a.cfg.Writer.Write(ctx, t); err != nil {
			if ctx.Err() != nil {
				return
			}
			a.setError(err)
			return
		}
		a.markTick(now)
	}
}
