package sched

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"marketpulse/internal/adapter"
	"marketpulse/internal/model"
)

type countingFlusher struct {
	calls atomic.Int32
}

func (f *countingFlusher) Flush(ctx context.Context) { f.calls.Add(1) }

type stubAdapter struct {
	status adapter.Status
}

func (a *stubAdapter) Name() string                    { return "stub" }
func (a *stubAdapter) Exchange() string                { return a.status.Exchange }
func (a *stubAdapter) Source() model.SourceType        { return a.status.Source }
func (a *stubAdapter) Start(ctx context.Context) error { return nil }
func (a *stubAdapter) Stop(ctx context.Context) error  { return nil }
func (a *stubAdapter) Status() adapter.Status          { return a.status }

type recordingStatusRepo struct {
	mu      sync.Mutex
	upserts []model.ExchangeStatus
}

func (r *recordingStatusRepo) Upsert(ctx context.Context, s model.ExchangeStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upserts = append(r.upserts, s)
	return nil
}

func (r *recordingStatusRepo) GetAll(ctx context.Context) ([]model.ExchangeStatus, error) {
	return nil, nil
}

func (r *recordingStatusRepo) Get(ctx context.Context, exchange string, source model.SourceType) (model.ExchangeStatus, error) {
	return model.ExchangeStatus{}, nil
}

func (r *recordingStatusRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.upserts)
}

type partitionTickRepo struct {
	ensured atomic.Int32
	dropped atomic.Int32
	cutoff  atomic.Value
}

func (r *partitionTickRepo) BulkInsert(ctx context.Context, ticks []model.TickRecord) error {
	return nil
}

func (r *partitionTickRepo) EnsurePartitions(ctx context.Context, daysAhead int) error {
	r.ensured.Add(1)
	return nil
}

func (r *partitionTickRepo) DropPartitionsBefore(ctx context.Context, cutoff time.Time) error {
	r.dropped.Add(1)
	r.cutoff.Store(cutoff)
	return nil
}

func TestScheduler_FlushLoop(t *testing.T) {
	f := &countingFlusher{}
	s := New(Config{Flusher: f, FlushInterval: 5 * time.Millisecond})

	s.Start(context.Background())
	require.Eventually(t, func() bool { return f.calls.Load() >= 3 },
		2*time.Second, time.Millisecond)
	s.Stop()
}

func TestScheduler_StatusProbe(t *testing.T) {
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	repo := &recordingStatusRepo{}
	ad := &stubAdapter{status: adapter.Status{
		Exchange:   "Binance",
		Source:     model.SourceStreaming,
		Running:    true,
		IsOnline:   true,
		LastTickAt: base,
	}}
	s := New(Config{
		Flusher:        &countingFlusher{},
		Adapters:       []adapter.Adapter{ad},
		Statuses:       repo,
		FlushInterval:  time.Hour,
		StatusInterval: 5 * time.Millisecond,
		Now:            func() time.Time { return base.Add(time.Minute) },
	})

	s.Start(context.Background())
	require.Eventually(t, func() bool { return repo.count() >= 1 },
		2*time.Second, time.Millisecond)
	s.Stop()

	repo.mu.Lock()
	st := repo.upserts[0]
	repo.mu.Unlock()
	require.Equal(t, "Binance", st.Exchange)
	require.Equal(t, model.SourceStreaming, st.Source)
	require.True(t, st.IsOnline)
	require.True(t, st.LastTickAt.Equal(base))
	require.True(t, st.UpdatedAt.Equal(base.Add(time.Minute)))
}

func TestScheduler_PartitionMaintenance(t *testing.T) {
	base := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	repo := &partitionTickRepo{}
	s := New(Config{
		Flusher:           &countingFlusher{},
		Ticks:             repo,
		FlushInterval:     time.Hour,
		RetentionInterval: time.Hour,
		TickRetentionDays: 30,
		Now:               func() time.Time { return base },
	})

	s.Start(context.Background())
	s.Stop()

	// The startup pass runs synchronously inside Start.
	require.GreaterOrEqual(t, repo.ensured.Load(), int32(1))
	require.GreaterOrEqual(t, repo.dropped.Load(), int32(1))
	cutoff := repo.cutoff.Load().(time.Time)
	require.True(t, cutoff.Equal(base.AddDate(0, 0, -30)))
}
