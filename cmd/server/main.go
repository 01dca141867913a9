package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/payflow/client"
	"github.com/brojonat/payflow/service/config"
	"github.com/brojonat/payflow/service/core"
	"github.com/brojonat/payflow/service/db"
	"github.com/brojonat/payflow/service/events"
	"github.com/brojonat/payflow/service/metrics"
	natspkg "github.com/brojonat/payflow/service/nats"
	"github.com/brojonat/payflow/service/server"
	"github.com/brojonat/payflow/service/solana"
	"github.com/brojonat/payflow/service/temporal"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
)

func main() {
	// A .env file is optional; real deployments set the environment directly
	_ = godotenv.Load()

	// Load and validate configuration from environment
	// This fails fast if any required config is missing or invalid
	cfg := config.MustLoad()

	// Setup structured logging
	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting server",
		"addr", cfg.ServerAddr,
		"log_level", cfg.LogLevel,
	)

	// Setup context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database connection pool
	dbPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()

	// Verify database connection
	if err := dbPool.Ping(ctx); err != nil {
		logger.Error("failed to ping database", "error", err)
		os.Exit(1)
	}
	if err := db.Migrate(ctx, dbPool); err != nil {
		logger.Error("failed to migrate database", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to database")

	// Initialize Prometheus metrics collector
	metricsCollector := metrics.NewMetrics(nil) // nil uses default registry

	// Initialize database store
	store := db.NewStore(dbPool, metricsCollector)

	// Load the fee payer
	if cfg.SolanaKeypairPath == "" {
		logger.Error("SOLANA_KEYPAIR_PATH is required to submit transfers")
		os.Exit(1)
	}
	signer, err := solana.LoadKeypairSigner(cfg.SolanaKeypairPath)
	if err != nil {
		logger.Error("failed to load fee payer keypair", "error", err)
		os.Exit(1)
	}
	logger.Info("loaded fee payer", "address", signer.PublicKey().String())

	// Events fan out to SSE subscribers and, when reachable, to NATS
	bus := events.NewBus()
	sink := events.Sink(bus)
	natsPublisher, err := natspkg.NewPublisher(cfg.NATSURL, metricsCollector, logger)
	if err != nil {
		logger.Warn("NATS unavailable, events are served over SSE only", "url", cfg.NATSURL, "error", err)
	} else {
		defer natsPublisher.Close()
		sink = events.Multi(bus, natsPublisher)
		logger.Info("connected to NATS", "url", cfg.NATSURL)
	}

	// Initialize the delivery pipeline
	pipeline, err := core.New(core.Options{
		Config:  cfg,
		Stores:  core.Stores{Outbox: store, Requests: store},
		RPC:     solana.NewRPCClient(cfg.SolanaRPCURL),
		Signer:  signer,
		Events:  sink,
		Metrics: metricsCollector,
		Logger:  logger,
	})
	if err != nil {
		logger.Error("failed to initialize outbox", "error", err)
		os.Exit(1)
	}
	logger.Info("initialized solana RPC client", "endpoint", core.EndpointName(cfg.SolanaRPCURL))

	// Entries left mid-submission by a previous process are resolved before serving
	recovered, err := pipeline.Outbox.Recover(ctx)
	if err != nil {
		logger.Error("failed to recover in-flight outbox entries", "error", err)
		os.Exit(1)
	}
	if recovered > 0 {
		logger.Info("recovered in-flight outbox entries", "count", recovered)
	}

	// Swaps need an upstream quote API
	var swaps *server.SwapRegistry
	if cfg.QuoteAPIURL != "" {
		swaps, err = server.NewSwapRegistry(server.SwapRegistryConfig{
			Source:          client.NewQuoteClient(cfg.QuoteAPIURL, cfg.QuoteAPIKey, nil, logger),
			Outbox:          pipeline.Outbox,
			RefreshInterval: cfg.QuoteRefreshInterval,
			StaleAfter:      cfg.QuoteStaleAfter,
			RateLimit:       cfg.QuoteRateLimit,
			DefaultSlippage: cfg.DefaultSlippage,
			SessionTTL:      cfg.SwapSessionTTL,
			MaxSessions:     cfg.SwapMaxSessions,
			Events:          sink,
			Metrics:         metricsCollector,
			Logger:          logger,
		})
		if err != nil {
			logger.Error("failed to initialize swaps", "error", err)
			os.Exit(1)
		}
		go swaps.Run(ctx)
		logger.Info("swaps enabled", "quote_api", cfg.QuoteAPIURL, "session_ttl", cfg.SwapSessionTTL)
	} else {
		logger.Info("QUOTE_API_URL not set, swap routes disabled")
	}

	// Initialize Temporal client for schedule management
	temporalClient, err := temporal.NewClient(
		cfg.TemporalHost,
		cfg.TemporalNamespace,
		cfg.TemporalTaskQueue,
		logger,
	)
	if err != nil {
		logger.Error("failed to create temporal client", "error", err)
		os.Exit(1)
	}
	defer temporalClient.Close()
	if err := temporalClient.EnsureSweepSchedule(ctx, cfg.OutboxSweepInterval); err != nil {
		logger.Error("failed to ensure outbox sweep schedule", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to temporal for schedule management",
		"host", cfg.TemporalHost,
		"namespace", cfg.TemporalNamespace,
		"sweep_interval", cfg.OutboxSweepInterval,
	)

	// Initialize HTTP server
	httpServer := server.New(server.Config{
		Addr:       cfg.ServerAddr,
		Outbox:     pipeline.Outbox,
		Requests:   pipeline.Requests,
		Swaps:      swaps,
		Congestion: pipeline.Congestion,
		Scheduler:  temporalClient,
		Bus:        bus,
		Metrics:    metricsCollector,
		Logger:     logger,
	})

	logger.Info("server initialized, all dependencies ready",
		"solana_rpc", core.EndpointName(cfg.SolanaRPCURL),
		"nats_url", cfg.NATSURL,
		"temporal_host", cfg.TemporalHost,
	)

	// Start HTTP server in background
	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- httpServer.Start()
	}()

	// Wait for shutdown signal or server error
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("server error", "error", err)
		os.Exit(1)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())

		// Graceful shutdown with timeout
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown server gracefully", "error", err)
			os.Exit(1)
		}

		logger.Info("server shutdown complete")
	}
}

// setupLogger creates a structured logger with the given log level.
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
