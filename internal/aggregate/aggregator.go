// Package aggregate folds the admitted tick stream into OHLCV candles across
// configured intervals and buffers raw ticks for bulk insertion. It is a
// pipeline handler; flushing runs on its own schedule.
package aggregate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"marketpulse/internal/metrics"
	"marketpulse/internal/model"
)

// DefaultTickBufferSize triggers an inline tick flush when reached.
const DefaultTickBufferSize = 500

// DefaultRetention evicts candles whose open time is older than this even if
// their window has not closed, covering late ticks for long intervals.
const DefaultRetention = 120 * time.Minute

// Config wires the aggregator's collaborators and tuning knobs.
type Config struct {
	Ticks       model.TickRepository
	Candles     model.CandleRepository
	Instruments model.InstrumentRepository
	Metrics     *metrics.Metrics
	Log         *slog.Logger

	Intervals      []model.Interval
	TickBufferSize int
	Retention      time.Duration

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// candleEntry serializes OHLCV application per candle key.
type candleEntry struct {
	mu     sync.Mutex
	candle *model.Candle
}

// Aggregator owns the per-key candle map and the tick buffer.
type Aggregator struct {
	cfg Config

	instruments sync.Map // "EXCHANGE:SYMBOL" -> model.Instrument
	candles     sync.Map // candle key -> *candleEntry
	buffer      chan model.TickRecord

	// flush single-flight flag; only one flush runs at a time
	flushing int32
}

// New creates an Aggregator, applying defaults for zero-value knobs.
func New(cfg Config) *Aggregator {
	if cfg.TickBufferSize <= 0 {
		cfg.TickBufferSize = DefaultTickBufferSize
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if len(cfg.Intervals) == 0 {
		cfg.Intervals = model.DefaultIntervals
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Aggregator{
		cfg:    cfg,
		buffer: make(chan model.TickRecord, 2*cfg.TickBufferSize),
	}
}

// Name implements pipeline.Handler.
func (a *Aggregator) Name() string { return "candle-aggregator" }

// HandleTick resolves the instrument, buffers the raw tick for persistence
// and applies it to every configured interval's candle.
func (a *Aggregator) HandleTick(ctx context.Context, t model.NormalizedTick) error {
	inst, err := a.instrument(ctx, t.Symbol, t.Exchange)
	if err != nil {
		return fmt.Errorf("resolve instrument %s:%s: %w", t.Exchange, t.Symbol, err)
	}

	rec := model.TickRecord{
		InstrumentID: inst.ID,
		Source:       t.Source,
		Price:        t.Price,
		Volume:       t.Volume,
		Timestamp:    t.Timestamp,
		ReceivedAt:   t.ReceivedAt,
	}
	select {
	case a.buffer <- rec:
	default:
		// Buffer saturated with a flush already behind; losing the record
		// beats blocking the consumer loop.
		a.cfg.Log.Warn("tick buffer full, dropping record", "exchange", t.Exchange, "symbol", t.Symbol)
		a.cfg.Metrics.RecordError(t.Exchange, "tick_buffer_full")
	}

	for _, iv := range a.cfg.Intervals {
		openTime := iv.OpenTime(t.Timestamp)
		key := candleKey(inst.ID, iv, openTime)

		v, ok := a.candles.Load(key)
		if !ok {
			v, _ = a.candles.LoadOrStore(key, &candleEntry{
				candle: model.NewCandle(inst.ID, iv, openTime),
			})
		}
		entry := v.(*candleEntry)
		entry.mu.Lock()
		entry.candle.ApplyTick(t.Price, t.Volume)
		entry.mu.Unlock()
	}

	if len(a.buffer) >= a.cfg.TickBufferSize {
		a.flushTicksGuarded(ctx)
	}

	return nil
}

// LookupInstrument returns a cached instrument, if present. The alert engine
// shares this cache; the aggregator runs first per tick so a hit is the
// common case.
func (a *Aggregator) LookupInstrument(symbol, exchange string) (model.Instrument, bool) {
	if v, ok := a.instruments.Load(exchange + ":" + symbol); ok {
		return v.(model.Instrument), true
	}
	return model.Instrument{}, false
}

func (a *Aggregator) instrument(ctx context.Context, symbol, exchange string) (model.Instrument, error) {
	key := exchange + ":" + symbol
	if v, ok := a.instruments.Load(key); ok {
		return v.(model.Instrument), nil
	}
	inst, err := a.cfg.Instruments.GetOrCreate(ctx, symbol, exchange)
	if err != nil {
		return model.Instrument{}, err
	}
	v, _ := a.instruments.LoadOrStore(key, inst)
	return v.(model.Instrument), nil
}

// Flush persists buffered ticks and evictable candles, in that order.
// Single-flight: a concurrent call while a flush is running returns
// immediately.
func (a *Aggregator) Flush(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&a.flushing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&a.flushing, 0)

	a.flushTicks(ctx)
	a.flushCandles(ctx)
}

// flushTicksGuarded runs a tick-only flush under the same single-flight flag,
// used for the inline flush when the buffer crosses its threshold.
func (a *Aggregator) flushTicksGuarded(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&a.flushing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&a.flushing, 0)

	a.flushTicks(ctx)
}

// flushTicks drains up to 2× the buffer threshold and issues one bulk insert.
// On failure the drained batch is dropped: at-most-once to storage while the
// database is unreachable.
func (a *Aggregator) flushTicks(ctx context.Context) {
	limit := 2 * a.cfg.TickBufferSize
	batch := make([]model.TickRecord, 0, min(limit, len(a.buffer)))
	for len(batch) < limit {
		select {
		case rec := <-a.buffer:
			batch = append(batch, rec)
		default:
			goto drained
		}
	}
drained:
	if len(batch) == 0 {
		return
	}

	if err := a.cfg.Ticks.BulkInsert(ctx, batch); err != nil {
		a.cfg.Log.Error("tick bulk insert failed, batch dropped", "count", len(batch), "err", err)
		a.cfg.Metrics.RecordError("db", "tick_bulk_insert")
		return
	}
	a.cfg.Metrics.RecordTickStored(len(batch))
}

// flushCandles snapshots the candle map, upserts every candle whose window is
// finished or whose age exceeded the retention bound, and evicts the
// successfully persisted ones.
func (a *Aggregator) flushCandles(ctx context.Context) {
	now := a.cfg.Now()

	var keys []string
	var batch []*model.Candle
	a.candles.Range(func(k, v any) bool {
		entry := v.(*candleEntry)
		entry.mu.Lock()
		c := entry.candle
		evict := !c.CloseTime.After(now) || now.Sub(c.OpenTime) > a.cfg.Retention
		if evict {
			snapshot := *c
			batch = append(batch, &snapshot)
			keys = append(keys, k.(string))
		}
		entry.mu.Unlock()
		return true
	})

	if len(batch) == 0 {
		return
	}

	if err := a.cfg.Candles.BulkUpsert(ctx, batch); err != nil {
		a.cfg.Log.Error("candle bulk upsert failed", "count", len(batch), "err", err)
		a.cfg.Metrics.RecordError("db", "candle_bulk_upsert")
		return
	}
	for _, k := range keys {
		a.candles.Delete(k)
	}
}

// CandleCount returns the number of in-memory candles.
func (a *Aggregator) CandleCount() int {
	n := 0
	a.candles.Range(func(any, any) bool { n++; return true })
	return n
}

// BufferedTicks returns the current tick buffer depth.
func (a *Aggregator) BufferedTicks() int {
	return len(a.buffer)
}

func candleKey(instrumentID int64, iv model.Interval, openTime time.Time) string {
	return fmt.Sprintf("%d:%s:%d", instrumentID, iv, openTime.Unix())
}
