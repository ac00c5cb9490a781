package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/redis/go-redis/v9"

	"github.com/goip-relay/goip-relay/common/devicestats"
	"github.com/goip-relay/goip-relay/common/logging"
	"github.com/goip-relay/goip-relay/common/messaging"
	"github.com/goip-relay/goip-relay/relay/internal/config"
	"github.com/goip-relay/goip-relay/relay/internal/dlq"
	"github.com/goip-relay/goip-relay/relay/internal/events"
	"github.com/goip-relay/goip-relay/relay/internal/forwarding"
	"github.com/goip-relay/goip-relay/relay/internal/handlers"
	"github.com/goip-relay/goip-relay/relay/internal/ratelimit"
	"github.com/goip-relay/goip-relay/relay/internal/repository"
	"github.com/goip-relay/goip-relay/relay/internal/resolver"
	"github.com/goip-relay/goip-relay/relay/internal/search"
	"github.com/goip-relay/goip-relay/relay/internal/server"
	"github.com/goip-relay/goip-relay/relay/internal/service"

	natsclient "github.com/goip-relay/goip-relay/common/messaging/nats"
)

var version = "dev"

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize structured logging
	logger := logging.New(
		logging.ParseLevel(cfg.Logging.Level),
		cfg.Logging.Format,
	).With(logging.Service("relay"))
	logging.SetDefault(logger)

	slog.Info("Starting GOIP relay",
		slog.String("version", version),
		slog.Int("port", cfg.Server.Port),
		slog.String("log_level", cfg.Logging.Level),
		slog.String("database", cfg.Database.Driver),
		slog.String("events", cfg.Events.Driver),
	)
	if *configPath != "" {
		slog.Info("Loaded configuration", slog.String("config_path", *configPath))
	}

	store, err := openStore(cfg)
	if err != nil {
		slog.Error("Failed to open store", logging.Error(err))
		os.Exit(1)
	}
	defer store.Close()

	// Redis backs both rate limiting and device statistics.
	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb, err = openRedis(cfg.Redis)
		if err != nil {
			slog.Error("Failed to connect to Redis", logging.Error(err))
			os.Exit(1)
		}
		defer rdb.Close()
		slog.Info("Connected to Redis")
	} else {
		slog.Info("Redis disabled - rate limiting and device statistics not available")
	}

	var rateLimiter ratelimit.RateLimiter = &ratelimit.NoOpRateLimiter{}
	if rdb != nil && cfg.RateLimit.Enabled {
		rateLimiter = ratelimit.NewRedisRateLimiter(rdb, cfg.RateLimit.Requests, cfg.RateLimit.Window, "ingest")
		slog.Info("Rate limiting enabled",
			slog.Int("requests", cfg.RateLimit.Requests),
			slog.Duration("window", cfg.RateLimit.Window))
	}
	defer rateLimiter.Close()

	var (
		statsClient    *devicestats.Client
		statsCollector *devicestats.Collector
	)
	if rdb != nil {
		statsClient = devicestats.NewClient(rdb)
		statsCollector = devicestats.NewCollector(statsClient, cfg.Stats.FlushInterval, logger.Logger)
	}

	// One NATS connection serves the event bus and the dead letter stream.
	var js *natsclient.JetStreamClient
	if cfg.Events.Driver == "nats" || cfg.DLQ.Enabled {
		js, err = natsclient.NewJetStreamClient(cfg.NATS, logger.Logger)
		if err != nil {
			slog.Error("Failed to connect to NATS", slog.String("url", cfg.NATS.URL), logging.Error(err))
			os.Exit(1)
		}
		slog.Info("Connected to NATS", slog.String("url", cfg.NATS.URL))
	}

	bus, err := openBus(cfg, js, logger.Logger)
	if err != nil {
		slog.Error("Failed to initialize event bus", logging.Error(err))
		os.Exit(1)
	}
	emitter := events.NewEmitter(bus, logger.Logger)

	var deadLetters *dlq.JetStreamQueue
	if cfg.DLQ.Enabled {
		deadLetters, err = dlq.NewJetStreamQueue(context.Background(), js, logger.Logger)
		if err != nil {
			slog.Error("Failed to initialize JetStream DLQ", logging.Error(err))
			os.Exit(1)
		}
		slog.Info("Dead Letter Queue enabled", slog.String("stream", natsclient.DeadLetterStream.Name))
	} else {
		slog.Info("Dead Letter Queue disabled")
	}

	var indexer *search.Indexer
	if cfg.Search.Enabled {
		indexer, err = search.NewIndexer(cfg.Search, logger.Logger)
		if err != nil {
			slog.Error("Failed to create OpenSearch client", logging.Error(err))
			os.Exit(1)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		if err := indexer.Initialize(ctx); err != nil {
			slog.Warn("Failed to initialize OpenSearch index; messages may fail to index",
				logging.Error(err))
		}
		cancel()
	}

	res := resolver.New(store, cfg.Resolver, emitter, logger.Logger)

	engineOpts := []forwarding.Option{
		forwarding.WithHTTPClient(forwarding.NewHTTPClient(logger.Logger)),
		forwarding.WithEmitter(emitter),
		forwarding.WithLogger(logger.Logger),
	}
	if deadLetters != nil {
		engineOpts = append(engineOpts, forwarding.WithDeadLetter(deadLetters))
	}
	engine := forwarding.New(store, cfg.Forwarding, engineOpts...)

	svcOpts := []service.Option{
		service.WithEmitter(emitter),
		service.WithLogger(logger.Logger),
	}
	if indexer != nil {
		svcOpts = append(svcOpts, service.WithIndexer(indexer))
	}
	if statsCollector != nil {
		svcOpts = append(svcOpts, service.WithUsageRecorder(statsCollector))
	}
	ingestService, err := service.New(store, res, engine, cfg.Ingest, svcOpts...)
	if err != nil {
		slog.Error("Failed to initialize ingestion service", logging.Error(err))
		os.Exit(1)
	}

	// Initialize HTTP handlers
	adminOpts := []handlers.AdminOption{}
	if indexer != nil {
		adminOpts = append(adminOpts, handlers.WithSearch(indexer))
	}
	if statsClient != nil {
		adminOpts = append(adminOpts, handlers.WithDeviceStats(statsClient, cfg.Stats.OnlineWindow))
	}
	if deadLetters != nil {
		adminOpts = append(adminOpts, handlers.WithDeadLetters(deadLetters))
	}

	var broker messaging.Client
	if js != nil {
		broker = js.Client
	}

	router := server.NewRouter(server.Handlers{
		Ingest: handlers.NewIngestHandler(ingestService, rateLimiter, handlers.IngestConfig{
			MaxBodyBytes: cfg.Server.MaxBodyBytes,
			FailOpen:     cfg.RateLimit.FailOpen,
		}, logger.Logger),
		Admin:  handlers.NewAdminHandler(store, engine, logger.Logger, adminOpts...),
		Health: handlers.NewHealthHandler(store, broker, version),
	}, cfg.Server.CORSOrigins, logger.Logger)

	// Create server with config values
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		slog.Info("Relay listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server error", logging.Error(err))
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("Shutting down relay...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Stop accepting uploads first so no new forwards start.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", logging.Error(err))
	}
	if err := engine.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Forwarding did not finish before deadline", logging.Error(err))
	}
	if indexer != nil {
		if err := indexer.Close(shutdownCtx); err != nil {
			slog.Warn("Search queue not drained", logging.Error(err))
		}
	}
	if statsCollector != nil {
		statsCollector.Stop()
	}
	if err := emitter.Close(); err != nil {
		slog.Warn("Failed to close event bus", logging.Error(err))
	}
	if js != nil {
		_ = js.Close()
	}

	slog.Info("Relay stopped")
}

func openStore(cfg *config.Config) (repository.Store, error) {
	if cfg.Database.Driver == "memory" {
		slog.Warn("Using in-memory store (development only)")
		return repository.NewMemoryStore(), nil
	}

	pg := cfg.Database.Postgres
	connString := pg.ConnString()
	slog.Info("Connecting to PostgreSQL",
		slog.String("host", pg.Host),
		slog.Int("port", pg.Port),
		slog.String("database", pg.Database),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	store, err := repository.NewPostgresStore(ctx, connString, repository.PoolConfig{
		MaxConns:        pg.MaxConns,
		MinConns:        pg.MinConns,
		MaxConnLifetime: pg.MaxConnLifetime,
		MaxConnIdleTime: pg.MaxConnIdleTime,
		QueryTimeout:    pg.QueryTimeout,
		WriteTimeout:    pg.WriteTimeout,
	})
	if err != nil {
		return nil, err
	}
	slog.Info("Connected to PostgreSQL")

	if err := runMigrations(cfg.Database.Migrations, connString); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

func runMigrations(source, connString string) error {
	slog.Info("Running database migrations", slog.String("source", source))
	m, err := migrate.New(source, connString)
	if err != nil {
		return fmt.Errorf("failed to initialize migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	v, dirty, err := m.Version()
	if err != nil {
		slog.Warn("Could not get migration version", logging.Error(err))
		return nil
	}
	slog.Info("Database migration complete",
		slog.Uint64("version", uint64(v)),
		slog.Bool("dirty", dirty),
	)
	return nil
}

func openRedis(cfg config.RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

func openBus(cfg *config.Config, js *natsclient.JetStreamClient, logger *slog.Logger) (events.Bus, error) {
	switch cfg.Events.Driver {
	case "nats":
		return events.NewPublisherBus(js.Client), nil
	case "amqp":
		bus, err := events.NewAMQPBus(cfg.AMQP, logger)
		if err != nil {
			return nil, err
		}
		return bus, nil
	default:
		return events.NoopBus{}, nil
	}
}
