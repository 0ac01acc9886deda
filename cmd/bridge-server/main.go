package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/medbridge/medbridge/internal/config"
	"github.com/medbridge/medbridge/internal/integration/cdc"
	"github.com/medbridge/medbridge/internal/integration/connector"
	"github.com/medbridge/medbridge/internal/integration/qc"
	"github.com/medbridge/medbridge/internal/integration/registry"
	"github.com/medbridge/medbridge/internal/integration/scheduler"
	"github.com/medbridge/medbridge/internal/integration/syncer"
	"github.com/medbridge/medbridge/internal/platform/middleware"
	"github.com/medbridge/medbridge/internal/platform/store"
	"github.com/medbridge/medbridge/internal/platform/webhook"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "bridge-server",
		Short: "Healthcare integration bridge",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the integration bridge API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the durable key-value schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL is required for migrate")
			}

			ctx := context.Background()
			pool, err := store.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := store.NewPGStore(pool).EnsureSchema(ctx); err != nil {
				return err
			}
			fmt.Println("Schema is up to date.")
			return nil
		},
	}
}

func runServer() error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	// Durable store: PostgreSQL when configured, in-memory otherwise.
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	var kv store.Store
	if cfg.DatabaseURL != "" {
		pool, err := store.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer pool.Close()

		pg := store.NewPGStore(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			logger.Fatal().Err(err).Msg("failed to ensure schema")
		}
		kv = pg
		logger.Info().Msg("connected to database")
	} else {
		kv = store.NewMemoryStore()
		logger.Warn().Msg("no DATABASE_URL set, state is in-memory and lost on restart")
	}

	httpClient := &http.Client{Timeout: cfg.HTTPTimeout()}

	// Webhook deliveries
	webhook.DefaultRetryPolicy = webhook.RetryPolicy{
		MaxRetries:        cfg.WebhookMaxRetries,
		BackoffMultiplier: cfg.WebhookBackoffMultiplier,
		InitialDelay:      time.Duration(cfg.WebhookInitialDelayMs) * time.Millisecond,
	}
	hooks := webhook.NewManager(httpClient, 0, logger)

	// Change-data-capture
	tracker := cdc.New(cfg.CDCMaxEntries, kv, logger)
	if err := tracker.Load(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to load change log")
	}

	// Integration configurations
	reg := registry.New(kv, logger)
	if err := reg.Load(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to load integration configs")
	}

	// Sync orchestrator; pulled resources flow through the change log.
	local := &trackingLocalStore{
		LocalStore: syncer.NewKVLocalStore(kv),
		tracker:    tracker,
		logger:     logger,
	}
	orch := syncer.New(syncer.Options{
		Local:      local,
		Store:      kv,
		Emitter:    hooks,
		BatchSize:  cfg.SyncBatchSize,
		MaxRetries: cfg.SyncMaxRetries,
		RetryBase:  time.Duration(cfg.SyncRetryDelayMs) * time.Millisecond,
		Logger:     logger,
	})

	// Scheduler
	sched := scheduler.New(scheduledRun(orch, reg, logger), cfg.SchedulerMaxSleep(), kv, logger)
	if err := sched.Load(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to load schedules")
	}
	go sched.Run(ctx)

	// QC import pipeline
	importer := qc.NewImporter(kv, logger)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit("1M", "20M"))
	e.Use(middleware.RequestTimeout(cfg.HTTPTimeout()))

	api := e.Group("/api")
	api.Use(middleware.RateLimit(middleware.DefaultRateLimitConfig()))

	registry.NewHandler(reg).RegisterRoutes(api)
	connector.NewHandler().RegisterRoutes(api)
	syncer.NewHandler(orch, reg).RegisterRoutes(api)
	cdc.NewHandler(tracker).RegisterRoutes(api)
	scheduler.NewHandler(sched).RegisterRoutes(api)
	webhook.NewHandler(hooks).RegisterRoutes(api)
	qc.NewHandler(importer).RegisterRoutes(api)

	e.GET("/health", func(c echo.Context) error {
		if err := kv.Put(c.Request().Context(), "health:probe", []byte("ok")); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{
				"status": "unavailable",
				"error":  err.Error(),
			})
		}
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	hooks.Flush()
	if err := tracker.Save(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to save change log")
	}
	logger.Info().Msg("server stopped")
	return nil
}

// trackingLocalStore records every pulled resource in the change log before
// persisting it, so deltas survive across sync runs.
type trackingLocalStore struct {
	syncer.LocalStore
	tracker *cdc.Tracker
	logger  zerolog.Logger
}

func (s *trackingLocalStore) SaveResource(ctx context.Context, configID string, resource connector.Resource) error {
	if _, err := s.tracker.Observe(resource); err != nil {
		s.logger.Warn().Err(err).
			Str("config_id", configID).
			Str("resource_id", resource.ID()).
			Msg("change log observation failed")
	}
	return s.LocalStore.SaveResource(ctx, configID, resource)
}

// scheduledRun resolves a fired task's configuration and executes the sync.
func scheduledRun(orch *syncer.Orchestrator, reg *registry.Registry, logger zerolog.Logger) scheduler.RunFunc {
	return func(ctx context.Context, task scheduler.Task) error {
		cfg, ok := reg.Config(task.ConfigID)
		if !ok {
			return fmt.Errorf("scheduled sync %s: config %s not found", task.ID, task.ConfigID)
		}

		result, err := orch.StartSync(ctx, cfg, task.ResourceType, task.Direction, nil)
		if err != nil {
			return err
		}
		if result.Status == syncer.StatusError {
			return fmt.Errorf("scheduled sync %s: %d of %d records failed",
				task.ID, result.RecordsFailed, result.RecordsProcessed)
		}

		if err := reg.MarkSynced(ctx, cfg.ID, time.Now()); err != nil {
			logger.Warn().Err(err).Str("config_id", cfg.ID).Msg("failed to record last sync time")
		}
		return nil
	}
}
