// Package main provides the entry point for the document digest HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

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
	"github.com/helixir/docdigest-service/internal/server"
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
	// Load configuration.
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Set up structured logging.
	logger := observability.NewLogger(observability.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		AddSource:  cfg.Logging.AddSource,
		TimeFormat: cfg.Logging.TimeFormat,
	})
	logger = logger.With().Str("component", "server").Logger()
	logger.Info().Msg("docdigest-service server starting")

	// Set up context with graceful shutdown via OS signals.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Metrics registry shared by all components.
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics("docdigest", registry)
	var gatherer prometheus.Gatherer
	if cfg.Metrics.Enabled {
		gatherer = registry
	}

	// Build the workflow store on the configured backend.
	st, cleanup, err := buildStore(ctx, cfg, metrics, logger)
	if err != nil {
		return fmt.Errorf("build store: %w", err)
	}
	defer cleanup()

	// Completion notifier: webhook when configured, otherwise a no-op.
	var notifier notify.Notifier = notify.NopNotifier{}
	if cfg.Notify.WebhookURL != "" {
		notifier = notify.NewWebhookNotifier(cfg.Notify, metrics, logger)
		logger.Info().Str("webhook_url", cfg.Notify.WebhookURL).Msg("webhook notifier enabled")
	}

	// Lifecycle event publisher: Kafka when enabled, otherwise a no-op.
	var publisher notify.Publisher = notify.NopPublisher{}
	if cfg.Kafka.Enabled {
		kafkaPublisher := notify.NewKafkaPublisher(cfg.Kafka, metrics, logger)
		defer func() {
			if closeErr := kafkaPublisher.Close(); closeErr != nil {
				logger.Error().Err(closeErr).Msg("failed to close kafka publisher")
			}
		}()
		publisher = kafkaPublisher
		logger.Info().
			Strs("brokers", cfg.Kafka.Brokers).
			Str("topic", cfg.Kafka.Topic).
			Msg("kafka publisher enabled")
	}

	// Wire the digest pipeline: tracker, dispatcher, fetcher, aggregator, engine.
	trk := tracker.New(st, metrics, logger)
	dispatcher := dispatch.NewHTTPDispatcher(cfg.Dispatch, metrics, logger)
	fetcher := source.NewHTTPFetcher(cfg.Source, logger)
	aggregator := aggregate.New(st, trk, notifier, publisher, metrics, logger)
	eng := engine.New(st, trk, dispatcher, fetcher, aggregator, publisher, engine.ConfigFrom(cfg), metrics, logger)

	httpSrv := server.New(cfg.Server, eng, st, gatherer, logger)

	// Channel to collect server errors.
	errCh := make(chan error, 1)

	go func() {
		if err := httpSrv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	logger.Info().
		Str("http_address", cfg.Server.HTTPAddress()).
		Str("store_backend", cfg.Store.Backend).
		Msg("docdigest-service is ready")

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
		logger.Info().Msg("received shutdown signal")
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error")
		return err
	}

	// Graceful shutdown.
	logger.Info().Msg("shutting down docdigest-service")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	}

	logger.Info().Msg("docdigest-service shutdown complete")
	return nil
}

// buildStore constructs the bounded store on the backend named in config.
// The returned cleanup func releases backend connections.
func buildStore(ctx context.Context, cfg *config.Config, metrics *observability.Metrics, logger zerolog.Logger) (store.Store, func(), error) {
	storeCfg := store.Config{
		MaxSlotSize: cfg.Store.MaxSlotSize,
		MaxEntries:  cfg.Store.MaxEntries,
		MaxAge:      cfg.Store.MaxAge,
		BudgetBytes: cfg.Store.BudgetBytes,
	}

	switch cfg.Store.Backend {
	case config.StoreBackendMemory:
		st := store.New(store.NewMemoryBackend(), storeCfg, metrics, logger)
		return st, func() {}, nil

	case config.StoreBackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			DialTimeout: cfg.Redis.DialTimeout,
		})
		backend := store.NewRedisBackend(client, cfg.Redis.KeyPrefix)
		st := store.New(backend, storeCfg, metrics, logger)
		if err := st.Ping(ctx); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("ping redis: %w", err)
		}
		logger.Info().Str("addr", cfg.Redis.Addr).Msg("redis connection established")
		return st, func() { _ = client.Close() }, nil

	case config.StoreBackendPostgres:
		db, err := database.New(ctx, &cfg.Database, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to database: %w", err)
		}
		logger.Info().Msg("database connection established")

		if cfg.Database.MigrationAutoRun {
			migrator, err := database.NewMigrator(db, cfg.Database.MigrationPath, logger)
			if err != nil {
				db.Close()
				return nil, nil, fmt.Errorf("create migrator: %w", err)
			}
			if err := migrator.Up(); err != nil {
				_ = migrator.Close()
				db.Close()
				return nil, nil, fmt.Errorf("run migrations: %w", err)
			}
			if err := migrator.Close(); err != nil {
				logger.Error().Err(err).Msg("failed to close migrator")
			}
		}

		st := store.New(store.NewPgBackend(db), storeCfg, metrics, logger)
		return st, db.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}
