// Package adapter implements exchange feed adapters: a reconnecting
// WebSocket client, a REST poller and a random-walk simulator. All adapters
// share one lifecycle: Idle -> Running -> Stopping -> Idle.
package adapter

import (
	"context"
	"errors"
	"sync"
	"time"

	"marketpulse/internal/model"
)

var (
	// ErrAlreadyRunning is returned by Start on a non-idle adapter.
	ErrAlreadyRunning = errors.New("adapter already running")
)

// TickWriter accepts raw ticks from adapters. The pipeline satisfies this;
// Write blocks while the queue is full, which is the backpressure signal.
type TickWriter interface {
	Write(ctx context.Context, t model.RawTick) error
}

// Status is a point-in-time view of one adapter's health.
type Status struct {
	Exchange   string           `json:"exchange"`
	Source     model.SourceType `json:"source"`
	Running    bool             `json:"running"`
	IsOnline   bool             `json:"is_online"`
	LastTickAt time.Time        `json:"last_tick_at"`
	LastError  string           `json:"last_error,omitempty"`
}

// Adapter is a managed tick source.
type Adapter interface {
	Name() string
	Exchange() string
	Source() model.SourceType

	// Start launches the feed loop. Non-blocking; a second Start while
	// running returns ErrAlreadyRunning.
	Start(ctx context.Context) error

	// Stop cancels the feed loop and waits for it to exit, bounded by ctx.
	// Stopping an idle adapter is a no-op.
	Stop(ctx context.Context) error

	Status() Status
}

type lifecycleState int

const (
	stateIdle lifecycleState = iota
	stateRunning
	stateStopping
)

// runner holds the shared lifecycle and health state. Adapters embed it and
// drive their feed loop through start/stop.
type runner struct {
	exchange string
	source   model.SourceType

	mu       sync.Mutex
	state    lifecycleState
	cancel   context.CancelFunc
	done     chan struct{}
	online   bool
	lastTick time.Time
	lastErr  string
}

func newRunner(exchange string, source model.SourceType) runner {
	return runner{exchange: exchange, source: source}
}

func (r *runner) Exchange() string        { return r.exchange }
func (r *runner) Source() model.SourceType { return r.source }

// start transitions Idle -> Running and launches loop in its own goroutine.
// The loop must return when its context is cancelled.
func (r *runner) start(ctx context.Context, loop func(ctx context.Context)) error {
	r.mu.Lock()
	if r.state != stateIdle {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.state = stateRunning
	r.cancel = cancel
	r.done = done
	r.lastErr = ""
	r.mu.Unlock()

	go func() {
		defer close(done)
		loop(runCtx)
	}()
	return nil
}

// stop transitions Running -> Stopping, cancels the loop and waits for it,
// then settles back to Idle.
func (r *runner) stop(ctx context.Context) error {
	r.mu.Lock()
	if r.state != stateRunning {
		r.mu.Unlock()
		return nil
	}
	r.state = stateStopping
	cancel := r.cancel
	done := r.done
	r.mu.Unlock()

	cancel()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	r.mu.Lock()
	r.state = stateIdle
	r.online = false
	r.mu.Unlock()
	return err
}

func (r *runner) setOnline(online bool) {
	r.mu.Lock()
	r.online = online
	r.mu.Unlock()
}

func (r *runner) setError(err error) {
	r.mu.Lock()
	r.lastErr = err.Error()
	r.online = false
	r.mu.Unlock()
}

func (r *runner) markTick(ts time.Time) {
	r.mu.Lock()
	if ts.After(r.lastTick) {
		r.lastTick = ts
	}
	r.mu.Unlock()
}

// Status reports the adapter's health under the lifecycle lock.
func (r *runner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Status{
		Exchange:   r.exchange,
		Source:     r.source,
		Running:    r.state == stateRunning,
		IsOnline:   r.online,
		LastTickAt: r.lastTick,
		LastError:  r.lastErr,
	}
}
