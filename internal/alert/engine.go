package alert

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"marketpulse/internal/logger"
	"marketpulse/internal/metrics"
	"marketpulse/internal/model"
)

const (
	// DefaultCooldown suppresses repeat firings of the same rule.
	DefaultCooldown = 300 * time.Second

	// DefaultRefreshInterval bounds how stale the in-memory rule cache may be.
	DefaultRefreshInterval = 30 * time.Second

	// DefaultMaxConcurrentNotifications bounds the notification fan-out.
	DefaultMaxConcurrentNotifications = 10
)

// Channel delivers a triggered alert message to one destination.
type Channel interface {
	Name() string
	Send(ctx context.Context, message string) error
}

// InstrumentResolver maps a (symbol, exchange) pair to a known instrument.
// The candle aggregator satisfies this from its warm cache.
type InstrumentResolver interface {
	LookupInstrument(symbol, exchange string) (model.Instrument, bool)
}

// Config wires the engine's dependencies.
type Config struct {
	Rules       model.AlertRuleRepository
	History     model.AlertHistoryRepository
	Instruments InstrumentResolver
	Channels    []Channel
	Metrics     *metrics.Metrics
	Log         *slog.Logger

	Cooldown        time.Duration // 0 means DefaultCooldown
	RefreshInterval time.Duration // 0 means DefaultRefreshInterval
	MaxConcurrent   int           // 0 means DefaultMaxConcurrentNotifications

	Now func() time.Time
}

// Engine evaluates every admitted tick against the active rules of its
// instrument. It is registered as a pipeline handler after the aggregator so
// instrument resolution hits the aggregator's cache.
type Engine struct {
	cfg        Config
	evaluators []Evaluator

	cacheMu     sync.RWMutex
	byInstrument map[int64][]model.AlertRule
	refreshedAt time.Time

	lastFired sync.Map // rule id (string) -> time.Time

	sem chan struct{}
	wg  sync.WaitGroup
}

// NewEngine creates the alert engine with the standard evaluator set.
func NewEngine(cfg Config) *Engine {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrentNotifications
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Engine{
		cfg: cfg,
		evaluators: []Evaluator{
			NewThresholdEvaluator(),
			NewPriceChangeEvaluator(),
			NewVolumeSpikeEvaluator(),
			NewVolatilityEvaluator(),
		},
		byInstrument: make(map[int64][]model.AlertRule),
		sem:          make(chan struct{}, cfg.MaxConcurrent),
	}
}

func (e *Engine) Name() string { return "alert-engine" }

// HandleTick evaluates the tick against all active rules for its instrument.
// Evaluation errors never propagate as tick failures; a nil return keeps the
// pipeline's fan-out moving.
func (e *Engine) HandleTick(ctx context.Context, t model.NormalizedTick) error {
	if err := e.refreshRules(ctx); err != nil {
		e.cfg.Log.Warn("alert rule refresh failed, using cached rules", "err", err)
		e.cfg.Metrics.RecordError(t.Exchange, "alert_rule_refresh")
	}

	inst, ok := e.cfg.Instruments.LookupInstrument(t.Symbol, t.Exchange)
	if !ok {
		return nil
	}

	e.cacheMu.RLock()
	rules := e.byInstrument[inst.ID]
	e.cacheMu.RUnlock()

	for _, rule := range rules {
		ev := e.evaluatorFor(rule)
		if ev == nil {
			continue
		}
		triggered, message := ev.Evaluate(rule, t)
		if !triggered {
			continue
		}
		e.fire(ctx, rule, inst, t, message)
	}
	return nil
}

func (e *Engine) evaluatorFor(rule model.AlertRule) Evaluator {
	for _, ev := range e.evaluators {
		if ev.CanEvaluate(rule) {
			return ev
		}
	}
	return nil
}

// refreshRules reloads the active rule set when the cache has gone stale.
func (e *Engine) refreshRules(ctx context.Context) error {
	e.cacheMu.RLock()
	fresh := e.cfg.Now().Sub(e.refreshedAt) < e.cfg.RefreshInterval
	e.cacheMu.RUnlock()
	if fresh {
		return nil
	}

	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	if e.cfg.Now().Sub(e.refreshedAt) < e.cfg.RefreshInterval {
		return nil
	}

	rules, err := e.cfg.Rules.GetAllActive(ctx)
	if err != nil {
		// Stamp anyway so a dead rules store is probed at most once per
		// interval instead of on every tick.
		e.refreshedAt = e.cfg.Now()
		return fmt.Errorf("load active rules: %w", err)
	}

	byInstrument := make(map[int64][]model.AlertRule, len(rules))
	for _, r := range rules {
		byInstrument[r.InstrumentID] = append(byInstrument[r.InstrumentID], r)
	}
	e.byInstrument = byInstrument
	e.refreshedAt = e.cfg.Now()
	return nil
}

// fire records and delivers one triggered rule, subject to the cooldown.
func (e *Engine) fire(ctx context.Context, rule model.AlertRule, inst model.Instrument, t model.NormalizedTick, message string) {
	now := e.cfg.Now()
	key := rule.ID.String()
	if v, ok := e.lastFired.Load(key); ok {
		if now.Sub(v.(time.Time)) < e.cfg.Cooldown {
			return
		}
	}
	// Stamp before delivery so slow channels cannot let a burst through.
	e.lastFired.Store(key, now)

	e.cfg.Log.Info("alert triggered", append([]any{
		"rule", rule.Name, "kind", string(rule.Kind),
		"symbol", t.Symbol, "exchange", t.Exchange, "message", message,
	}, logger.LogWithTrace(ctx)...)...)

	h := model.AlertHistory{
		ID:           uuid.New(),
		RuleID:       rule.ID,
		InstrumentID: inst.ID,
		Message:      message,
		TriggeredAt:  now,
	}
	if err := e.cfg.History.Add(ctx, h); err != nil {
		e.cfg.Log.Error("alert history append failed", "rule", rule.Name, "err", err)
		e.cfg.Metrics.RecordError(t.Exchange, "alert_history")
	}

	for _, ch := range e.cfg.Channels {
		ch := ch
		e.wg.Add(1)
		e.sem <- struct{}{}
		go func() {
			defer e.wg.Done()
			defer func() { <-e.sem }()
			if err := ch.Send(ctx, message); err != nil {
				e.cfg.Log.Error("notification send failed",
					"channel", ch.Name(), "rule", rule.Name, "err", err)
				e.cfg.Metrics.RecordError(t.Exchange, "notify_"+ch.Name())
			}
		}()
	}
}

// Close waits for in-flight notification sends to finish. Bounded by ctx.
func (e *Engine) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
