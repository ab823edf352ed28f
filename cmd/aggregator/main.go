// Command aggregator runs the market data aggregation service: exchange
// adapters feed the ingestion pipeline, which fans out to the candle
// aggregator and the alert engine, with Postgres persistence, Redis
// deduplication and a metrics/health endpoint.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"marketpulse/config"
	"marketpulse/internal/adapter"
	"marketpulse/internal/api"
	"marketpulse/internal/aggregate"
	"marketpulse/internal/alert"
	"marketpulse/internal/logger"
	"marketpulse/internal/metrics"
	"marketpulse/internal/notify"
	"marketpulse/internal/pipeline"
	"marketpulse/internal/sched"
	"marketpulse/internal/store/postgres"
	redisstore "marketpulse/internal/store/redis"

	"github.com/prometheus/client_golang/prometheus"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg := config.Load()
	log := logger.Init("aggregator", parseLevel(cfg.LogLevel))
	log.Info("starting market data aggregator")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ---- Postgres ----
	pgCfg := postgres.DefaultConfig()
	pgCfg.DSN = cfg.PostgresDSN
	db, err := postgres.Connect(pgCfg)
	if err != nil {
		log.Error("postgres connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := postgres.Migrate(ctx, db); err != nil {
		log.Error("migration failed", "err", err)
		os.Exit(1)
	}
	log.Info("postgres ready")

	tickRepo := postgres.NewTickRepo(db, pgCfg.QueryTimeout, log)
	candleRepo := postgres.NewCandleRepo(db, pgCfg.QueryTimeout)
	instrumentRepo := postgres.NewInstrumentRepo(db, pgCfg.QueryTimeout)
	ruleRepo := postgres.NewAlertRuleRepo(db, pgCfg.QueryTimeout)
	historyRepo := postgres.NewAlertHistoryRepo(db, pgCfg.QueryTimeout)
	statusRepo := postgres.NewExchangeStatusRepo(db, pgCfg.QueryTimeout)

	// ---- Redis dedup ----
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		// Dedup degrades gracefully: the pipeline admits ticks on dedup
		// errors, so a cold Redis delays nothing.
		log.Warn("redis unreachable at startup, dedup will degrade", "err", err)
	}
	dedup := redisstore.NewDeduplicator(rdb, log)

	// ---- Metrics and health ----
	m := metrics.New(prometheus.DefaultRegisterer)
	health := metrics.NewHealthStatus()
	health.StartLivenessChecker(ctx, rdb, db, 10*time.Second)
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health, m, log)
	metricsSrv.Start()

	// ---- Management API ----
	apiSrv := &http.Server{
		Addr:    cfg.APIAddr,
		Handler: api.NewServer(ruleRepo, historyRepo, statusRepo, log).Router(),
	}
	go func() {
		log.Info("management api listening", "addr", cfg.APIAddr)
		if err := apiSrv.ListenAndServe(); err != http.ErrServerClosed {
			log.Error("management api error", "err", err)
		}
	}()

	// ---- Pipeline ----
	filter := pipeline.NewSymbolFilter(cfg.SymbolsByExchange())
	pipe := pipeline.New(dedup, filter, m, log, cfg.QueueCapacity)

	// ---- Candle aggregator ----
	agg := aggregate.New(aggregate.Config{
		Ticks:          tickRepo,
		Candles:        candleRepo,
		Instruments:    instrumentRepo,
		Metrics:        m,
		Log:            log,
		Intervals:      cfg.CandleIntervals,
		TickBufferSize: cfg.TickBufferSize,
		Retention:      cfg.CandleRetention,
	})

	// ---- Alert engine ----
	channels, err := notify.Build(cfg.Channels)
	if err != nil {
		log.Error("channel config invalid", "err", err)
		os.Exit(1)
	}
	engine := alert.NewEngine(alert.Config{
		Rules:         ruleRepo,
		History:       historyRepo,
		Instruments:   agg,
		Channels:      channels,
		Metrics:       m,
		Log:           log,
		Cooldown:      cfg.Cooldown,
		MaxConcurrent: cfg.MaxConcurrentNotifications,
	})

	// The aggregator must run first: it resolves instruments the engine
	// looks up.
	if err := pipe.RegisterHandler(agg); err != nil {
		log.Error("handler registration failed", "err", err)
		os.Exit(1)
	}
	if err := pipe.RegisterHandler(engine); err != nil {
		log.Error("handler registration failed", "err", err)
		os.Exit(1)
	}
	if err := pipe.Start(ctx); err != nil {
		log.Error("pipeline start failed", "err", err)
		os.Exit(1)
	}
	log.Info("pipeline ready", "queue_capacity", cfg.QueueCapacity,
		"intervals", cfg.CandleIntervals, "filter_size", filter.Size())

	// ---- Adapters ----
	adapters, err := buildAdapters(cfg, pipe, log)
	if err != nil {
		log.Error("adapter setup failed", "err", err)
		os.Exit(1)
	}
	for _, a := range adapters {
		if err := a.Start(ctx); err != nil {
			log.Error("adapter start failed", "adapter", a.Name(), "err", err)
			os.Exit(1)
		}
		log.Info("adapter started", "adapter", a.Name())
	}

	// ---- Background jobs ----
	scheduler := sched.New(sched.Config{
		Flusher:            agg,
		Adapters:           adapters,
		Statuses:           statusRepo,
		Ticks:              tickRepo,
		Health:             health,
		Log:                log,
		FlushInterval:      cfg.FlushInterval,
		PartitionDaysAhead: cfg.PartitionDaysAhead,
		TickRetentionDays:  cfg.TickRetentionDays,
	})
	scheduler.Start(ctx)

	// ---- Wait for shutdown signal ----
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop producers first so the queue stops growing, then drain the
	// pipeline, then flush what the drain accumulated.
	var wg sync.WaitGroup
	for _, a := range adapters {
		wg.Add(1)
		go func(a adapter.Adapter) {
			defer wg.Done()
			if err := a.Stop(shutdownCtx); err != nil {
				log.Warn("adapter stop timed out", "adapter", a.Name(), "err", err)
			}
		}(a)
	}
	wg.Wait()

	if err := pipe.Stop(shutdownCtx); err != nil {
		log.Warn("pipeline drain timed out", "err", err)
	}
	scheduler.Stop()
	agg.Flush(shutdownCtx)
	if err := engine.Close(shutdownCtx); err != nil {
		log.Warn("notification drain timed out", "err", err)
	}
	apiSrv.Shutdown(shutdownCtx)
	metricsSrv.Stop(shutdownCtx)
	cancel()

	log.Info("shutdown complete")
}

// buildAdapters constructs one adapter per configured exchange. With
// SIM_FEED enabled every exchange gets a random-walk simulator; otherwise a
// streaming WebSocket adapter is created from the exchange URL.
func buildAdapters(cfg *config.Config, pipe *pipeline.Pipeline, log *slog.Logger) ([]adapter.Adapter, error) {
	adapters := make([]adapter.Adapter, 0, len(cfg.Exchanges))
	for _, ex := range cfg.Exchanges {
		if cfg.SimFeed || ex.URL == "" {
			a, err := adapter.NewSim(adapter.SimConfig{
				Exchange: ex.Exchange,
				Symbols:  ex.Symbols,
				Writer:   pipe,
				Log:      log,
			})
			if err != nil {
				return nil, err
			}
			adapters = append(adapters, a)
			continue
		}

		a, err := adapter.NewWS(adapter.WSConfig{
			Exchange: ex.Exchange,
			URL:      ex.URL,
			Parse:    adapter.ParseJSONTick,
			Writer:   pipe,
			Log:      log,
		})
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, a)
	}
	return adapters, nil
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
