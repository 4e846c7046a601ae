package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/DesideApp/cypherpunk-hackathon-sub001/internal/api"
	"github.com/DesideApp/cypherpunk-hackathon-sub001/internal/config"
	"github.com/DesideApp/cypherpunk-hackathon-sub001/internal/handlers"
	"github.com/DesideApp/cypherpunk-hackathon-sub001/internal/ledger"
	"github.com/DesideApp/cypherpunk-hackathon-sub001/internal/quota"
	"github.com/DesideApp/cypherpunk-hackathon-sub001/internal/relay"
	"github.com/DesideApp/cypherpunk-hackathon-sub001/internal/store"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Logger()
	}

	ctx := context.Background()

	// Initialize the data store: Postgres when configured, SQLite otherwise
	var dataStore store.DataStore
	if cfg.DatabaseURL != "" {
		pgStore, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres connection failed")
		}
		defer pgStore.Close()
		logger.Info().Msg("connected to PostgreSQL")
		dataStore = pgStore
	} else {
		sqliteStore, err := store.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			logger.Fatal().Err(err).Msg("sqlite open failed")
		}
		defer sqliteStore.Close()
		logger.Info().Str("path", cfg.SQLitePath).Msg("using SQLite store")
		dataStore = sqliteStore
	}

	// Initialize Redis store (presence + rate limiting)
	var redisStore *store.RedisStore
	if cfg.RedisURL != "" {
		var err error
		redisStore, err = store.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer redisStore.Close()
		logger.Info().Msg("connected to Redis")
	}

	// Wire the relay components
	guard := quota.NewGuard(quota.Limits{
		PerMessageMaxBytes: cfg.PerMessageMaxBytes,
		QuotaBytes:         cfg.QuotaBytes,
		GracePct:           cfg.QuotaGracePct,
	}, dataStore, dataStore)

	ledgerSvc := ledger.NewService(dataStore, logger)

	var presence relay.PresenceChecker
	if redisStore != nil {
		presence = redisStore
	}
	coordinator := relay.NewCoordinator(relay.Options{
		OfflineOnly: cfg.OfflineOnly,
		Enabled:     cfg.RelayEnabled,
	}, dataStore, guard, ledgerSvc, presence, nil, logger)

	// TTL sweeper
	sweepCtx, stopSweeper := context.WithCancel(ctx)
	defer stopSweeper()
	sweeper := relay.NewSweeper(dataStore, cfg.MailboxTTL, cfg.SweepInterval, logger)
	go sweeper.Run(sweepCtx)

	// Create router
	h := handlers.NewHandler(coordinator, ledgerSvc, dataStore, redisStore)
	router := api.NewRouter(logger, h, redisStore)

	// Create server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Env).
			Bool("offlineOnly", cfg.OfflineOnly).
			Msg("starting relay server")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server...")
	stopSweeper()

	// Graceful shutdown with 30 second timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server forced to shutdown")
	}

	logger.Info().Msg("server stopped")
}
