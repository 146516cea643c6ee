package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/amprelay/internal/api"
	"github.com/eldtechnologies/amprelay/internal/api/middleware"
	"github.com/eldtechnologies/amprelay/internal/config"
	"github.com/eldtechnologies/amprelay/internal/crypto"
	"github.com/eldtechnologies/amprelay/internal/handlers"
	"github.com/eldtechnologies/amprelay/internal/mesh"
	"github.com/eldtechnologies/amprelay/internal/notify"
	"github.com/eldtechnologies/amprelay/internal/registration"
	"github.com/eldtechnologies/amprelay/internal/relay"
	"github.com/eldtechnologies/amprelay/internal/router"
	"github.com/eldtechnologies/amprelay/internal/store"
)

const defaultSQLitePath = "amp.db"

func main() {
	// Initialize logger before config so config errors are readable
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	}
	logger = logger.With().Str("host_id", cfg.HostID).Logger()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Initialize the SQL store: Postgres when configured, SQLite otherwise
	var ds store.DataStore
	if cfg.DatabaseURL != "" {
		logger.Info().Msg("running database migrations...")
		if err := store.RunMigrations(ctx, cfg.DatabaseURL); err != nil {
			logger.Fatal().Err(err).Msg("migration failed")
		}
		logger.Info().Msg("migrations completed")

		pgStore, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres connection failed")
		}
		ds = pgStore
		logger.Info().Msg("connected to PostgreSQL")
	} else {
		path := cfg.SQLitePath
		if path == "" {
			path = defaultSQLitePath
		}
		sqliteStore, err := store.NewSQLiteStore(ctx, path)
		if err != nil {
			logger.Fatal().Err(err).Str("path", path).Msg("sqlite open failed")
		}
		ds = sqliteStore
		logger.Info().Str("path", path).Msg("opened SQLite database")
	}
	defer ds.Close()

	// Initialize Redis store
	var redisStore *store.RedisStore
	if cfg.RedisURL != "" {
		redisStore, err = store.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer redisStore.Close()
		logger.Info().Msg("connected to Redis")
	}

	// Relay queue
	var backend relay.Backend
	switch cfg.RelayBackend {
	case config.RelayBackendRedis:
		backend = relay.NewRedisBackend(redisStore.Client())
	case config.RelayBackendMemory:
		logger.Warn().Msg("relay queue is in memory; pending messages are lost on restart")
		backend = relay.NewMemoryBackend()
	default:
		backend = ds.RelayBackend()
	}
	relayStore := relay.NewStore(backend, relay.WithTTL(cfg.RelayTTL), relay.WithLogger(logger))
	go relay.NewSweeper(relayStore, cfg.RelaySweepInterval, logger).Run(ctx)

	// Mesh
	dir := mesh.NewDirectory(cfg.HostID, cfg.MeshPeers)
	meshClient := mesh.NewClient(dir,
		mesh.WithTimeout(cfg.MeshTimeout),
		mesh.WithToken(cfg.MeshToken),
		mesh.WithLogger(logger),
	)

	if len(cfg.MeshPeers) > 0 {
		go router.NewRetrier(relayStore, meshClient, cfg.MeshRetryInterval, logger).Run(ctx)
	}

	var (
		notifier router.Notifier = notify.Nop{}
		events   handlers.Subscriber
	)
	if redisStore != nil {
		rn := notify.NewRedisNotifier(redisStore.Client(), logger)
		notifier, events = rn, rn
	}

	registry := store.NewRegistry(ds, cfg.PresenceWindow)
	rt := router.New(router.Config{
		Organization:   cfg.Organization,
		ProviderDomain: cfg.ProviderDomain,
		SelfHost:       cfg.HostID,
		Policy: crypto.Policy{
			RequireSignature:       cfg.RequireSignature,
			RejectInvalidSignature: cfg.RejectInvalidSignature,
		},
	}, router.Deps{
		Registry:  registry,
		Relay:     relayStore,
		Forwarder: meshClient,
		Deliverer: store.NewInbox(ds),
		Notifier:  notifier,
	}, logger)

	if cfg.Organization == "" {
		logger.Warn().Msg("ORGANIZATION is not set; registration is disabled")
	}
	registrar := registration.New(registration.Config{
		Organization:   cfg.Organization,
		ProviderDomain: cfg.ProviderDomain,
		HostID:         cfg.HostID,
	}, ds, logger)

	h := handlers.NewHandler(handlers.Deps{
		Store:     ds,
		Registry:  registry,
		Redis:     redisStore,
		Router:    rt,
		Relay:     relayStore,
		Registrar: registrar,
		Mesh:      meshClient,
		Directory: dir,
		Events:    events,
	}, handlers.Info{
		Organization:   cfg.Organization,
		ProviderDomain: cfg.ProviderDomain,
		HostID:         cfg.HostID,
	}, logger)

	auth := middleware.NewAuthMiddleware(ds, middleware.AuthConfig{
		MeshToken: cfg.MeshToken,
		IsPeer:    dir.IsPeer,
	}, logger)

	var limiter *middleware.RateLimiter
	if redisStore != nil {
		limiter = middleware.NewRateLimiter(redisStore.Client(), logger, middleware.RateLimiterConfig{
			Whitelist:        cfg.RateLimitWhitelist,
			AutoBlockEnabled: cfg.AutoBlockEnabled,
		})
	}

	// Create server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      api.NewRouter(logger, h, auth, limiter),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.MeshTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Env).
			Str("organization", cfg.Organization).
			Str("relay_backend", cfg.RelayBackend).
			Strs("mesh_peers", dir.Peers()).
			Msg("starting AMP relay")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server...")
	stop()

	// Graceful shutdown with 30 second timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}

	logger.Info().Msg("server stopped")
}
