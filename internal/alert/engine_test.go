package alert

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"marketpulse/internal/metrics"
	"marketpulse/internal/model"
)

type fakeRuleRepo struct {
	mu    sync.Mutex
	rules []model.AlertRule
	err   error
	calls int
}

func (r *fakeRuleRepo) GetAllActive(ctx context.Context) ([]model.AlertRule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	return append([]model.AlertRule(nil), r.rules...), nil
}

func (r *fakeRuleRepo) GetByID(ctx context.Context, id string) (model.AlertRule, error) {
	return model.AlertRule{}, errors.New("not implemented")
}
func (r *fakeRuleRepo) Create(ctx context.Context, rule model.AlertRule) error { return nil }
func (r *fakeRuleRepo) Update(ctx context.Context, rule model.AlertRule) error { return nil }
func (r *fakeRuleRepo) Delete(ctx context.Context, id string) error            { return nil }

type fakeHistoryRepo struct {
	mu   sync.Mutex
	rows []model.AlertHistory
	err  error
}

func (r *fakeHistoryRepo) Add(ctx context.Context, h model.AlertHistory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.rows = append(r.rows, h)
	return nil
}

func (r *fakeHistoryRepo) Get(ctx context.Context, from, to time.Time, limit int) ([]model.AlertHistory, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.AlertHistory(nil), r.rows...), nil
}

func (r *fakeHistoryRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows)
}

type fakeResolver struct {
	instruments map[string]model.Instrument
}

func (r *fakeResolver) LookupInstrument(symbol, exchange string) (model.Instrument, bool) {
	inst, ok := r.instruments[exchange+":"+symbol]
	return inst, ok
}

type fakeChannel struct {
	name        string
	mu          sync.Mutex
	messages    []string
	err         error
	delay       time.Duration
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (c *fakeChannel) Name() string { return c.name }

func (c *fakeChannel) Send(ctx context.Context, message string) error {
	n := c.inFlight.Add(1)
	if n > c.maxInFlight.Load() {
		c.maxInFlight.Store(n)
	}
	defer c.inFlight.Add(-1)

	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.messages = append(c.messages, message)
	return nil
}

func (c *fakeChannel) sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.messages...)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestEngine(t *testing.T, rules *fakeRuleRepo, channels []Channel, clk *clock) (*Engine, *fakeHistoryRepo) {
	t.Helper()
	history := &fakeHistoryRepo{}
	resolver := &fakeResolver{instruments: map[string]model.Instrument{
		"Binance:BTCUSDT": {ID: 1, Symbol: "BTCUSDT", Exchange: "Binance"},
	}}
	e := NewEngine(Config{
		Rules:       rules,
		History:     history,
		Instruments: resolver,
		Channels:    channels,
		Metrics:     metrics.New(prometheus.NewRegistry()),
		Now:         clk.Now,
	})
	return e, history
}

func activeRule(kind model.RuleKind, threshold string) model.AlertRule {
	return model.AlertRule{
		ID:           uuid.New(),
		Name:         "btc-rule",
		InstrumentID: 1,
		Kind:         kind,
		Threshold:    decimal.RequireFromString(threshold),
		Active:       true,
	}
}

func TestEngine_FiresAndRecordsHistory(t *testing.T) {
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	clk := &clock{now: base}
	rules := &fakeRuleRepo{rules: []model.AlertRule{activeRule(model.RulePriceAbove, "50000")}}
	ch := &fakeChannel{name: "console"}
	e, history := newTestEngine(t, rules, []Channel{ch}, clk)

	ctx := context.Background()
	require.NoError(t, e.HandleTick(ctx, evalTick("BTCUSDT", "50001", "1", base)))
	require.NoError(t, e.Close(ctx))

	require.Equal(t, 1, history.count())
	require.Len(t, ch.sent(), 1)
	require.Contains(t, ch.sent()[0], "BTCUSDT")
}

func TestEngine_CooldownSuppressesRepeats(t *testing.T) {
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	clk := &clock{now: base}
	rules := &fakeRuleRepo{rules: []model.AlertRule{activeRule(model.RulePriceAbove, "50000")}}
	ch := &fakeChannel{name: "console"}
	e, history := newTestEngine(t, rules, []Channel{ch}, clk)

	ctx := context.Background()
	require.NoError(t, e.HandleTick(ctx, evalTick("BTCUSDT", "50001", "1", base)))

	// Still triggering, but inside the cooldown window.
	clk.Advance(299 * time.Second)
	require.NoError(t, e.HandleTick(ctx, evalTick("BTCUSDT", "50002", "1", clk.Now())))
	require.NoError(t, e.Close(ctx))
	require.Equal(t, 1, history.count(), "second firing suppressed by cooldown")

	clk.Advance(2 * time.Second)
	require.NoError(t, e.HandleTick(ctx, evalTick("BTCUSDT", "50003", "1", clk.Now())))
	require.NoError(t, e.Close(ctx))
	require.Equal(t, 2, history.count(), "fires again once the cooldown elapsed")
}

func TestEngine_UnknownInstrumentIsSkipped(t *testing.T) {
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	clk := &clock{now: base}
	rules := &fakeRuleRepo{rules: []model.AlertRule{activeRule(model.RulePriceAbove, "1")}}
	ch := &fakeChannel{name: "console"}
	e, history := newTestEngine(t, rules, []Channel{ch}, clk)

	require.NoError(t, e.HandleTick(context.Background(), evalTick("DOGEUSDT", "5", "1", base)))
	require.Equal(t, 0, history.count())
}

func TestEngine_RuleCacheRefreshInterval(t *testing.T) {
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	clk := &clock{now: base}
	rules := &fakeRuleRepo{}
	e, _ := newTestEngine(t, rules, nil, clk)

	ctx := context.Background()
	require.NoError(t, e.HandleTick(ctx, evalTick("BTCUSDT", "1", "1", base)))
	require.NoError(t, e.HandleTick(ctx, evalTick("BTCUSDT", "2", "1", base.Add(time.Second))))
	require.Equal(t, 1, rules.calls, "cache serves ticks within the refresh interval")

	clk.Advance(31 * time.Second)
	require.NoError(t, e.HandleTick(ctx, evalTick("BTCUSDT", "3", "1", clk.Now())))
	require.Equal(t, 2, rules.calls, "stale cache is reloaded")
}

func TestEngine_RefreshFailureKeepsCachedRules(t *testing.T) {
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	clk := &clock{now: base}
	rules := &fakeRuleRepo{rules: []model.AlertRule{activeRule(model.RulePriceAbove, "50000")}}
	ch := &fakeChannel{name: "console"}
	e, history := newTestEngine(t, rules, []Channel{ch}, clk)

	ctx := context.Background()
	require.NoError(t, e.HandleTick(ctx, evalTick("BTCUSDT", "50001", "1", base)))
	require.NoError(t, e.Close(ctx))
	require.Equal(t, 1, history.count())

	// The rules store goes down; cached rules keep evaluating.
	rules.mu.Lock()
	rules.err = errors.New("db unreachable")
	rules.mu.Unlock()
	clk.Advance(6 * time.Minute)

	require.NoError(t, e.HandleTick(ctx, evalTick("BTCUSDT", "50002", "1", clk.Now())))
	require.NoError(t, e.Close(ctx))
	require.Equal(t, 2, history.count(), "cooldown elapsed, cached rule still fires")
}

func TestEngine_NotificationFanOutIsBounded(t *testing.T) {
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	clk := &clock{now: base}
	rules := &fakeRuleRepo{rules: []model.AlertRule{activeRule(model.RulePriceAbove, "50000")}}

	shared := &fakeChannel{name: "slow", delay: 30 * time.Millisecond}
	channels := make([]Channel, 6)
	for i := range channels {
		channels[i] = shared
	}

	history := &fakeHistoryRepo{}
	resolver := &fakeResolver{instruments: map[string]model.Instrument{
		"Binance:BTCUSDT": {ID: 1, Symbol: "BTCUSDT", Exchange: "Binance"},
	}}
	e := NewEngine(Config{
		Rules:         rules,
		History:       history,
		Instruments:   resolver,
		Channels:      channels,
		Metrics:       metrics.New(prometheus.NewRegistry()),
		MaxConcurrent: 2,
		Now:           clk.Now,
	})

	ctx := context.Background()
	require.NoError(t, e.HandleTick(ctx, evalTick("BTCUSDT", "50001", "1", base)))
	require.NoError(t, e.Close(ctx))

	require.Len(t, shared.sent(), 6, "every channel receives the message")
	require.LessOrEqual(t, shared.maxInFlight.Load(), int32(2), "fan-out bounded by MaxConcurrent")
}

func TestEngine_ChannelFailureDoesNotBlockOthers(t *testing.T) {
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	clk := &clock{now: base}
	rules := &fakeRuleRepo{rules: []model.AlertRule{activeRule(model.RulePriceAbove, "50000")}}
	bad := &fakeChannel{name: "bad", err: errors.New("smtp down")}
	good := &fakeChannel{name: "good"}
	e, history := newTestEngine(t, rules, []Channel{bad, good}, clk)

	ctx := context.Background()
	require.NoError(t, e.HandleTick(ctx, evalTick("BTCUSDT", "50001", "1", base)))
	require.NoError(t, e.Close(ctx))

	require.Equal(t, 1, history.count())
	require.Len(t, good.sent(), 1, "healthy channel delivers despite the failing one")
}
