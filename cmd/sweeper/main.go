// Package main provides the stale-workflow sweeper. It periodically scans
// dispatched workflows whose callbacks never arrived and fails them so
// digests do not hang forever on a lost task.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/helixir/docdigest-service/internal/aggregate"
	"github.com/helixir/docdigest-service/internal/config"
	"github.com/helixir/docdigest-service/internal/database"
	"github.com/helixir/docdigest-service/internal/dispatch"
	"github.com/helixir/docdigest-service/internal/engine"
	"github.com/helixir/docdigest-service/internal/notify"
	"github.com/helixir/docdigest-service/internal/observability"
	"github.com/helixir/docdigest-service/internal/source"
	"github.com/helixir/docdigest-service/internal/store"
	"github.com/helixir/docdigest-service/internal/tracker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := observability.NewLogger(observability.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		AddSource:  cfg.Logging.AddSource,
		TimeFormat: cfg.Logging.TimeFormat,
	})
	logger = logger.With().Str("component", "sweeper").Logger()
	logger.Info().
		Dur("interval", cfg.Sweeper.Interval).
		Dur("stale_after", cfg.Sweeper.StaleAfter).
		Msg("docdigest-service sweeper starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics("docdigest", registry)

	st, cleanup, err := buildStore(ctx, cfg, metrics, logger)
	if err != nil {
		return fmt.Errorf("build store: %w", err)
	}
	defer cleanup()

	var notifier notify.Notifier = notify.NopNotifier{}
	if cfg.Notify.WebhookURL != "" {
		notifier = notify.NewWebhookNotifier(cfg.Notify, metrics, logger)
	}

	var publisher notify.Publisher = notify.NopPublisher{}
	if cfg.Kafka.Enabled {
		kafkaPublisher := notify.NewKafkaPublisher(cfg.Kafka, metrics, logger)
		defer func() {
			if closeErr := kafkaPublisher.Close(); closeErr != nil {
				logger.Error().Err(closeErr).Msg("failed to close kafka publisher")
			}
		}()
		publisher = kafkaPublisher
	}

	// Failing a stale item can complete its digest, so the sweeper carries
	// the full fan-in path: tracker, aggregator, notifier.
	trk := tracker.New(st, metrics, logger)
	dispatcher := dispatch.NewHTTPDispatcher(cfg.Dispatch, metrics, logger)
	fetcher := source.NewHTTPFetcher(cfg.Source, logger)
	aggregator := aggregate.New(st, trk, notifier, publisher, metrics, logger)
	eng := engine.New(st, trk, dispatcher, fetcher, aggregator, publisher, engine.ConfigFrom(cfg), metrics, logger)

	ticker := time.NewTicker(cfg.Sweeper.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("received shutdown signal")
			logger.Info().Msg("sweeper shutdown complete")
			return nil
		case <-ticker.C:
			swept, err := eng.SweepStale(ctx, cfg.Sweeper.StaleAfter)
			if err != nil {
				logger.Error().Err(err).Msg("sweep pass failed")
				continue
			}
			if swept > 0 {
				logger.Info().Int("swept", swept).Msg("stale workflows failed")
			}
		}
	}
}

// buildStore constructs the bounded store on the backend named in config.
func buildStore(ctx context.Context, cfg *config.Config, metrics *observability.Metrics, logger zerolog.Logger) (store.Store, func(), error) {
	storeCfg := store.Config{
		MaxSlotSize: cfg.Store.MaxSlotSize,
		MaxEntries:  cfg.Store.MaxEntries,
		MaxAge:      cfg.Store.MaxAge,
		BudgetBytes: cfg.Store.BudgetBytes,
	}

	switch cfg.Store.Backend {
	case config.StoreBackendMemory:
		return store.New(store.NewMemoryBackend(), storeCfg, metrics, logger), func() {}, nil

	case config.StoreBackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			DialTimeout: cfg.Redis.DialTimeout,
		})
		st := store.New(store.NewRedisBackend(client, cfg.Redis.KeyPrefix), storeCfg, metrics, logger)
		if err := st.Ping(ctx); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("ping redis: %w", err)
		}
		return st, func() { _ = client.Close() }, nil

	case config.StoreBackendPostgres:
		db, err := database.New(ctx, &cfg.Database, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to database: %w", err)
		}
		return store.New(store.NewPgBackend(db), storeCfg, metrics, logger), db.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}
