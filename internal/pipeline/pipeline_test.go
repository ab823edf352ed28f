package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"marketpulse/internal/metrics"
	"marketpulse/internal/model"
)

type fakeDedup struct {
	mu     sync.Mutex
	seen   map[string]bool
	err    error
}

func newFakeDedup() *fakeDedup {
	return &fakeDedup{seen: make(map[string]bool)}
}

func (d *fakeDedup) IsUnique(ctx context.Context, t model.NormalizedTick) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return false, d.err
	}
	key := t.DedupKey()
	if d.seen[key] {
		return false, nil
	}
	d.seen[key] = true
	return true, nil
}

type collectHandler struct {
	name  string
	mu    sync.Mutex
	ticks []model.NormalizedTick
	fail  error
	onTick func()
}

func (h *collectHandler) Name() string { return h.name }

func (h *collectHandler) HandleTick(ctx context.Context, t model.NormalizedTick) error {
	h.mu.Lock()
	h.ticks = append(h.ticks, t)
	h.mu.Unlock()
	if h.onTick != nil {
		h.onTick()
	}
	return h.fail
}

func (h *collectHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.ticks)
}

func rawTick(exchange, symbol, price string, ts time.Time) model.RawTick {
	return model.RawTick{
		Exchange:   exchange,
		Source:     model.SourceStreaming,
		Symbol:     symbol,
		Price:      decimal.RequireFromString(price),
		Volume:     decimal.RequireFromString("1"),
		Timestamp:  ts,
		ReceivedAt: ts,
	}
}

func newTestPipeline(t *testing.T, capacity int) (*Pipeline, *fakeDedup, *metrics.Metrics) {
	t.Helper()
	m := metrics.New(prometheus.NewRegistry())
	d := newFakeDedup()
	f := NewSymbolFilter(map[string][]string{"Binance": {"btcusdt", "ETHUSDT"}})
	return New(d, f, m, slog.Default(), capacity), d, m
}

func TestPipeline_DedupAcrossSources(t *testing.T) {
	p, _, m := newTestPipeline(t, 16)
	h := &collectHandler{name: "collect"}
	require.NoError(t, p.RegisterHandler(h))
	require.NoError(t, p.Start(context.Background()))

	ts := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	a := rawTick("Binance", "btcusdt", "50000", ts)
	a.Volume = decimal.RequireFromString("1.5")
	b := rawTick("Binance", "BTCUSDT", "50000", ts)
	b.Source = model.SourcePolled
	b.Volume = decimal.RequireFromString("1.5")

	require.NoError(t, p.Write(context.Background(), a))
	require.NoError(t, p.Write(context.Background(), b))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Stop(ctx))

	require.Equal(t, 1, h.count(), "one of the two reports must be admitted")
	s := m.GetSnapshot()
	require.Equal(t, int64(1), s.TotalDuplicates)
	require.Equal(t, int64(1), s.TotalProcessed)
}

func TestPipeline_SymbolFilter(t *testing.T) {
	p, _, _ := newTestPipeline(t, 16)
	h := &collectHandler{name: "collect"}
	require.NoError(t, p.RegisterHandler(h))
	require.NoError(t, p.Start(context.Background()))

	ts := time.Now().UTC()
	require.NoError(t, p.Write(context.Background(), rawTick("Binance", "DOGEUSDT", "0.1", ts)))
	require.NoError(t, p.Write(context.Background(), rawTick("Binance", "ethusdt", "3000", ts)))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Stop(ctx))

	require.Equal(t, 1, h.count())
	require.Equal(t, "ETHUSDT", h.ticks[0].Symbol)
}

func TestPipeline_HandlerOrderAndFailureIsolation(t *testing.T) {
	p, _, m := newTestPipeline(t, 16)

	var order []string
	var mu sync.Mutex
	first := &collectHandler{name: "first", fail: errors.New("boom")}
	first.onTick = func() { mu.Lock(); order = append(order, "first"); mu.Unlock() }
	second := &collectHandler{name: "second"}
	second.onTick = func() { mu.Lock(); order = append(order, "second"); mu.Unlock() }

	require.NoError(t, p.RegisterHandler(first))
	require.NoError(t, p.RegisterHandler(second))
	require.NoError(t, p.Start(context.Background()))

	require.NoError(t, p.Write(context.Background(), rawTick("Binance", "BTCUSDT", "50000", time.Now().UTC())))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Stop(ctx))

	// First handler failed but the second still ran, in registration order.
	require.Equal(t, []string{"first", "second"}, order)
	require.Equal(t, int64(1), m.GetSnapshot().TotalErrors)
	require.Equal(t, 1, second.count())
}

func TestPipeline_DedupBackendDownAdmitsTick(t *testing.T) {
	p, d, m := newTestPipeline(t, 16)
	d.err = errors.New("redis down")
	h := &collectHandler{name: "collect"}
	require.NoError(t, p.RegisterHandler(h))
	require.NoError(t, p.Start(context.Background()))

	require.NoError(t, p.Write(context.Background(), rawTick("Binance", "BTCUSDT", "50000", time.Now().UTC())))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Stop(ctx))

	require.Equal(t, 1, h.count())
	require.Equal(t, int64(1), m.GetSnapshot().TotalErrors)
}

func TestPipeline_StartTwiceAndLateRegistration(t *testing.T) {
	p, _, _ := newTestPipeline(t, 16)
	require.NoError(t, p.Start(context.Background()))
	require.ErrorIs(t, p.Start(context.Background()), ErrAlreadyStarted)
	require.ErrorIs(t, p.RegisterHandler(&collectHandler{name: "late"}), ErrRegisterAfterStart)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Stop(ctx))
}

func TestPipeline_BackpressureBlocksWriters(t *testing.T) {
	// Consumer not started: the queue fills and the next Write must block
	// until cancelled, never drop.
	p, _, _ := newTestPipeline(t, 1)

	require.NoError(t, p.Write(context.Background(), rawTick("Binance", "BTCUSDT", "1", time.Now().UTC())))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := p.Write(ctx, rawTick("Binance", "BTCUSDT", "2", time.Now().UTC()))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 1, p.QueueDepth(), "blocked write must not enqueue")

	// Start the consumer; the queue drains and writes proceed again.
	h := &collectHandler{name: "collect"}
	p.handlers = append(p.handlers, h) // direct append: pipeline not started yet
	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Write(context.Background(), rawTick("Binance", "BTCUSDT", "3", time.Now().UTC())))

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	require.NoError(t, p.Stop(stopCtx))
	require.Equal(t, 2, h.count())
}

func TestPipeline_WriteAfterStop(t *testing.T) {
	p, _, _ := newTestPipeline(t, 16)
	require.NoError(t, p.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Stop(ctx))

	err := p.Write(context.Background(), rawTick("Binance", "BTCUSDT", "1", time.Now().UTC()))
	require.ErrorIs(t, err, ErrClosed)
}

func TestSymbolFilter(t *testing.T) {
	f := NewSymbolFilter(map[string][]string{
		"Binance": {"btcusdt"},
		"Kraken":  {"ETHUSD"},
	})
	require.Equal(t, 2, f.Size())

	ok := f.IsAllowed(model.NormalizedTick{Exchange: "Binance", Symbol: "BTCUSDT"})
	require.True(t, ok)
	require.False(t, f.IsAllowed(model.NormalizedTick{Exchange: "Kraken", Symbol: "BTCUSDT"}))
	require.False(t, f.IsAllowed(model.NormalizedTick{Exchange: "Binance", Symbol: "ETHUSD"}))
}
