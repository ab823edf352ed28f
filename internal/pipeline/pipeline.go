// Package pipeline implements the tick ingestion pipeline: a bounded
// multi-producer single-consumer queue feeding normalize → dedup → filter →
// handler fan-out, with backpressure and per-stage metrics.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"marketpulse/internal/logger"
	"marketpulse/internal/metrics"
	"marketpulse/internal/model"
)

// DefaultQueueCapacity bounds the raw tick queue. Producers block when the
// queue is full; nothing is ever dropped here.
const DefaultQueueCapacity = 10000

var (
	// ErrAlreadyStarted is returned by a second Start call.
	ErrAlreadyStarted = errors.New("pipeline already started")

	// ErrRegisterAfterStart is returned when a handler is registered late.
	ErrRegisterAfterStart = errors.New("handlers must be registered before start")

	// ErrClosed is returned by Write after shutdown began.
	ErrClosed = errors.New("pipeline is closed")
)

// Deduplicator answers whether a normalized tick has been seen before.
type Deduplicator interface {
	IsUnique(ctx context.Context, t model.NormalizedTick) (bool, error)
}

// Handler consumes admitted ticks. Handlers run sequentially per tick in
// registration order; a handler error is logged and must not stop the others.
type Handler interface {
	Name() string
	HandleTick(ctx context.Context, t model.NormalizedTick) error
}

// Pipeline owns the raw tick queue and the single consumer goroutine.
type Pipeline struct {
	queue    chan model.RawTick
	handlers []Handler
	dedup    Deduplicator
	filter   *SymbolFilter
	metrics  *metrics.Metrics
	log      *slog.Logger

	started atomic.Bool
	mu      sync.RWMutex // guards closed + close(queue)
	closed  bool
	done    chan struct{}

	now func() time.Time
}

// New creates a pipeline. capacity <= 0 uses DefaultQueueCapacity.
func New(dedup Deduplicator, filter *SymbolFilter, m *metrics.Metrics, log *slog.Logger, capacity int) *Pipeline {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Pipeline{
		queue:   make(chan model.RawTick, capacity),
		dedup:   dedup,
		filter:  filter,
		metrics: m,
		log:     log,
		done:    make(chan struct{}),
		now:     time.Now,
	}
}

// RegisterHandler appends a handler. Registration after Start is an error.
func (p *Pipeline) RegisterHandler(h Handler) error {
	if p.started.Load() {
		return ErrRegisterAfterStart
	}
	p.handlers = append(p.handlers, h)
	return nil
}

// Start launches the consumer goroutine. A second call is an error.
func (p *Pipeline) Start(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	go p.consume(ctx)
	return nil
}

// Write enqueues a raw tick, blocking while the queue is full. This is the
// backpressure signal toward producers; the queue never drops. Returns
// ctx.Err() on cancellation and ErrClosed once shutdown began.
func (p *Pipeline) Write(ctx context.Context, t model.RawTick) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}

	select {
	case p.queue <- t:
		p.metrics.RecordTickReceived(t.Exchange)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// QueueDepth returns the number of queued raw ticks.
func (p *Pipeline) QueueDepth() int {
	return len(p.queue)
}

// Stop closes the writer so no new producers can enqueue, then waits for the
// consumer to drain the remaining items. Bounded by ctx.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// consume is the single consumer loop. It exits when the queue is closed and
// fully drained.
func (p *Pipeline) consume(ctx context.Context) {
	defer close(p.done)
	for t := range p.queue {
		p.process(ctx, t)
	}
}

func (p *Pipeline) process(ctx context.Context, raw model.RawTick) {
	p.metrics.RecordPipelineQueueSize(len(p.queue))

	t := model.Normalize(raw)

	unique, err := p.dedup.IsUnique(ctx, t)
	if err != nil {
		// Availability over exactness: with the dedup backend down the tick
		// is admitted; the ticks table tolerates duplicates.
		p.log.Warn("dedup check failed, admitting tick",
			"exchange", t.Exchange, "symbol", t.Symbol, "err", err)
		p.metrics.RecordError(t.Exchange, "dedup")
		unique = true
	}
	if !unique {
		p.metrics.RecordDuplicateFiltered(t.Exchange)
		return
	}

	if !p.filter.IsAllowed(t) {
		return
	}

	// One logical scope per tick: handlers share a trace id.
	hctx := logger.WithTraceID(ctx, "")
	for _, h := range p.handlers {
		if err := h.HandleTick(hctx, t); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			p.log.Error("handler failed", append([]any{
				"handler", h.Name(), "exchange", t.Exchange, "symbol", t.Symbol, "err", err,
			}, logger.LogWithTrace(hctx)...)...)
			p.metrics.RecordError(t.Exchange, "handler_"+h.Name())
		}
	}

	latencyMs := float64(p.now().Sub(t.ReceivedAt).Microseconds()) / 1000
	p.metrics.RecordTickProcessed(t.Exchange, latencyMs)
}
