package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// exchangeCounters holds the per-exchange counters backing GetSnapshot.
// All fields are atomics so the hot path never takes a lock.
type exchangeCounters struct {
	received   atomic.Int64
	processed  atomic.Int64
	duplicates atomic.Int64
	errors     atomic.Int64

	// total processing latency in microseconds, for mean-since-start
	totalProcessingUs atomic.Int64
}

// Metrics records pipeline throughput and latency. It exports Prometheus
// series and keeps its own counters so GetSnapshot can serve averages
// without scraping.
type Metrics struct {
	startedAt time.Time

	exchanges sync.Map // exchange -> *exchangeCounters
	queueSize atomic.Int64
	stored    atomic.Int64

	TicksReceived      *prometheus.CounterVec
	TicksProcessed     *prometheus.CounterVec
	DuplicatesFiltered *prometheus.CounterVec
	Errors             *prometheus.CounterVec
	TicksStored        prometheus.Counter
	PipelineQueueSize  prometheus.Gauge
	ProcessingDur      *prometheus.HistogramVec
}

// New registers and returns all metrics on the given registerer.
// Pass prometheus.DefaultRegisterer in production; tests use a fresh registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		startedAt: time.Now(),
		TicksReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketpulse_ticks_received_total",
			Help: "Raw ticks accepted into the pipeline queue",
		}, []string{"exchange"}),
		TicksProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketpulse_ticks_processed_total",
			Help: "Ticks fully processed by the consumer loop",
		}, []string{"exchange"}),
		DuplicatesFiltered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketpulse_duplicates_filtered_total",
			Help: "Ticks rejected by the deduplicator",
		}, []string{"exchange"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketpulse_errors_total",
			Help: "Errors by exchange and kind",
		}, []string{"exchange", "kind"}),
		TicksStored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketpulse_ticks_stored_total",
			Help: "Raw ticks bulk-inserted into storage",
		}),
		PipelineQueueSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "marketpulse_pipeline_queue_size",
			Help: "Current depth of the raw tick queue",
		}),
		ProcessingDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "marketpulse_tick_processing_seconds",
			Help:    "Latency from tick receipt to handler completion",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}, []string{"exchange"}),
	}

	reg.MustRegister(
		m.TicksReceived,
		m.TicksProcessed,
		m.DuplicatesFiltered,
		m.Errors,
		m.TicksStored,
		m.PipelineQueueSize,
		m.ProcessingDur,
	)

	return m
}

func (m *Metrics) counters(exchange string) *exchangeCounters {
	if v, ok := m.exchanges.Load(exchange); ok {
		return v.(*exchangeCounters)
	}
	v, _ := m.exchanges.LoadOrStore(exchange, &exchangeCounters{})
	return v.(*exchangeCounters)
}

// RecordTickReceived counts a raw tick accepted into the queue.
func (m *Metrics) RecordTickReceived(exchange string) {
	m.counters(exchange).received.Add(1)
	m.TicksReceived.WithLabelValues(exchange).Inc()
}

// RecordTickProcessed counts a processed tick and its end-to-end latency.
func (m *Metrics) RecordTickProcessed(exchange string, ms float64) {
	c := m.counters(exchange)
	c.processed.Add(1)
	c.totalProcessingUs.Add(int64(ms * 1000))
	m.TicksProcessed.WithLabelValues(exchange).Inc()
	m.ProcessingDur.WithLabelValues(exchange).Observe(ms / 1000)
}

// RecordDuplicateFiltered counts a tick suppressed by the deduplicator.
func (m *Metrics) RecordDuplicateFiltered(exchange string) {
	m.counters(exchange).duplicates.Add(1)
	m.DuplicatesFiltered.WithLabelValues(exchange).Inc()
}

// RecordPipelineQueueSize records the current queue depth.
func (m *Metrics) RecordPipelineQueueSize(n int) {
	m.queueSize.Store(int64(n))
	m.PipelineQueueSize.Set(float64(n))
}

// RecordError counts a failure attributed to an exchange and kind.
func (m *Metrics) RecordError(exchange, kind string) {
	m.counters(exchange).errors.Add(1)
	m.Errors.WithLabelValues(exchange, kind).Inc()
}

// RecordTickStored counts ticks persisted by a bulk insert.
func (m *Metrics) RecordTickStored(n int) {
	m.stored.Add(int64(n))
	m.TicksStored.Add(float64(n))
}

// ExchangeSnapshot holds counters for one exchange at snapshot time.
type ExchangeSnapshot struct {
	TicksReceived      int64   `json:"ticks_received"`
	TicksProcessed     int64   `json:"ticks_processed"`
	DuplicatesFiltered int64   `json:"duplicates_filtered"`
	Errors             int64   `json:"errors"`
	AvgProcessingMs    float64 `json:"avg_processing_ms"`
}

// Snapshot is a point-in-time view of all counters.
type Snapshot struct {
	Exchanges          map[string]ExchangeSnapshot `json:"exchanges"`
	TotalReceived      int64                       `json:"total_received"`
	TotalProcessed     int64                       `json:"total_processed"`
	TotalDuplicates    int64                       `json:"total_duplicates"`
	TotalErrors        int64                       `json:"total_errors"`
	TicksStored        int64                       `json:"ticks_stored"`
	QueueSize          int64                       `json:"queue_size"`
	UptimeSeconds      float64                     `json:"uptime_seconds"`
	At                 time.Time                   `json:"at"`
}

// GetSnapshot returns current counters. Averages are mean of all processing
// samples since process start, no decay.
func (m *Metrics) GetSnapshot() Snapshot {
	s := Snapshot{
		Exchanges: make(map[string]ExchangeSnapshot),
		QueueSize: m.queueSize.Load(),
		At:        time.Now().UTC(),
	}
	s.UptimeSeconds = time.Since(m.startedAt).Seconds()
	s.TicksStored = m.stored.Load()

	m.exchanges.Range(func(k, v any) bool {
		c := v.(*exchangeCounters)
		es := ExchangeSnapshot{
			TicksReceived:      c.received.Load(),
			TicksProcessed:     c.processed.Load(),
			DuplicatesFiltered: c.duplicates.Load(),
			Errors:             c.errors.Load(),
		}
		if es.TicksProcessed > 0 {
			es.AvgProcessingMs = float64(c.totalProcessingUs.Load()) / 1000 / float64(es.TicksProcessed)
		}
		s.Exchanges[k.(string)] = es
		s.TotalReceived += es.TicksReceived
		s.TotalProcessed += es.TicksProcessed
		s.TotalDuplicates += es.DuplicatesFiltered
		s.TotalErrors += es.Errors
		return true
	})

	return s
}
