package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/irfndi/market-collector/internal/api"
	"github.com/irfndi/market-collector/internal/api/handlers"
	"github.com/irfndi/market-collector/internal/cache"
	"github.com/irfndi/market-collector/internal/config"
	"github.com/irfndi/market-collector/internal/database"
	"github.com/irfndi/market-collector/internal/logging"
	"github.com/irfndi/market-collector/internal/metrics"
	"github.com/irfndi/market-collector/internal/observability"
	"github.com/irfndi/market-collector/internal/providers"
	"github.com/irfndi/market-collector/internal/requester"
	"github.com/irfndi/market-collector/internal/scheduler"
	"github.com/irfndi/market-collector/internal/services"
	"github.com/irfndi/market-collector/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Application failed: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := logging.New(cfg.Log)
	logger.WithField("config", cfg.Masked()).Debug("Configuration loaded")

	ctx := context.Background()

	if err := observability.InitSentry(cfg.Sentry, cfg.Telemetry.ServiceVersion, cfg.Environment); err != nil {
		logger.WithError(err).Warn("Sentry error reporting disabled")
	} else if cfg.Sentry.Enabled && cfg.Sentry.DSN != "" {
		logger.AddHook(observability.NewSentryHook(nil))
		defer observability.Flush(context.Background())
	}

	tp, err := telemetry.Init(ctx, cfg.Telemetry, cfg.Environment)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("Failed to shutdown telemetry")
		}
	}()

	if cfg.Telemetry.Enabled && cfg.Telemetry.ExportLogs {
		hook, err := logging.NewOTLPHook(ctx, logging.OTLPConfig{
			Endpoint:       cfg.Telemetry.OTLPEndpoint,
			ServiceName:    cfg.Telemetry.ServiceName,
			ServiceVersion: cfg.Telemetry.ServiceVersion,
			Environment:    cfg.Environment,
		})
		if err != nil {
			logger.WithError(err).Warn("OTLP log export disabled")
		} else {
			logger.AddHook(hook)
			defer func() { _ = hook.Shutdown(context.Background()) }()
		}
	}

	rec := metrics.NewRecorder()

	db, err := database.NewPostgresConnection(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	pool := database.NewTracedPool(db.Pool)
	if cfg.Database.EnsureSchema {
		if err := database.EnsureSchema(ctx, pool); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	repo := database.NewRepository(pool)

	healthOpts := []handlers.HealthOption{handlers.WithVersion(cfg.Telemetry.ServiceVersion)}
	coordinatorOpts := []services.CoordinatorOption{services.WithMetrics(rec)}

	if cfg.Redis.Enabled {
		redisClient, err := database.NewRedisConnection(ctx, cfg.Redis)
		if err != nil {
			logger.WithError(err).Warn("Redis unavailable, identity cache disabled")
		} else {
			defer redisClient.Close()
			healthOpts = append(healthOpts, handlers.WithRedis(redisClient))
			identities := cache.NewIdentityCache(redisClient.Client, cfg.Cache.IdentityTTL, logger)
			coordinatorOpts = append(coordinatorOpts, services.WithIdentityCache(identities))
		}
	}

	sources, breakers, err := buildSources(cfg, logger, rec)
	if err != nil {
		return err
	}
	healthOpts = append(healthOpts, handlers.WithProviders(breakers...))

	coordinator := services.NewDataCoordinator(repo, sources, services.OptionsFromConfig(cfg), logger, coordinatorOpts...)

	jobs := scheduler.New(logger, scheduler.WithMetrics(rec))
	for _, job := range buildJobs(coordinator, cfg.Schedule) {
		if err := jobs.AddJob(job); err != nil {
			return fmt.Errorf("failed to register job %s: %w", job.ID, err)
		}
	}
	healthOpts = append(healthOpts, handlers.WithScheduler(jobs))

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(cfg.Telemetry.ServiceName, logger, api.Dependencies{
		Health:    handlers.NewHealthHandler(db, logger, healthOpts...),
		Collector: handlers.NewCollectorHandler(jobs, coordinator),
		Market:    handlers.NewMarketHandler(repo, logger),
		Metrics:   rec.Handler(),
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       15 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{
			"service": cfg.Telemetry.ServiceName,
			"version": cfg.Telemetry.ServiceVersion,
			"port":    cfg.Server.Port,
		}).Info("Application startup")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	if err := jobs.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		logger.WithField("signal", sig.String()).Info("Application shutdown")
	case err := <-serverErr:
		runErr = fmt.Errorf("http server failed: %w", err)
		logger.WithError(err).Error("HTTP server stopped unexpectedly")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := jobs.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Scheduler did not stop cleanly")
	}
	if err := coordinator.Close(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Coordinator did not close cleanly")
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	logger.Info("Server exited gracefully")
	return runErr
}

// buildSources constructs the enabled provider clients. The breaker list
// feeds the health endpoint and holds only the providers that were built.
func buildSources(cfg *config.Config, logger logrus.FieldLogger, rec *metrics.Recorder) (services.Sources, []handlers.BreakerReporter, error) {
	var (
		sources  services.Sources
		breakers []handlers.BreakerReporter
	)
	settings := providers.SettingsFromConfig(cfg)
	opts := []requester.Option{requester.WithObserver(rec), requester.WithLogger(logger)}

	if cfg.Providers.CoinGecko.Enabled {
		cg, err := providers.NewCoinGecko(cfg.Providers.CoinGecko, settings, opts...)
		if err != nil {
			return sources, nil, fmt.Errorf("failed to build coingecko client: %w", err)
		}
		sources.CoinGecko = cg
		breakers = append(breakers, cg)
	}
	if cfg.Providers.CMC.Enabled {
		cmc, err := providers.NewCoinMarketCap(cfg.Providers.CMC, settings, opts...)
		if err != nil {
			return sources, nil, fmt.Errorf("failed to build coinmarketcap client: %w", err)
		}
		sources.CMC = cmc
		breakers = append(breakers, cmc)
	}
	if cfg.Providers.CMCDex.Enabled {
		dex, err := providers.NewCMCDex(cfg.Providers.CMCDex, settings, opts...)
		if err != nil {
			return sources, nil, fmt.Errorf("failed to build cmc dex client: %w", err)
		}
		sources.CMCDex = dex
		breakers = append(breakers, dex)
	}
	return sources, breakers, nil
}

// Collector is the part of the coordinator the scheduled jobs drive.
type Collector interface {
	FetchAndStorePrices(ctx context.Context) int
	FetchAndStoreMetadata(ctx context.Context) int
	FetchAndStoreSentiment(ctx context.Context) int
	FetchAndStoreDexPairs(ctx context.Context) int
	FetchAndStoreExchanges(ctx context.Context) int
}

func buildJobs(c Collector, sc config.ScheduleConfig) []scheduler.Job {
	entry := func(id string, js config.JobSchedule, fn func(context.Context) int) scheduler.Job {
		return scheduler.Job{
			ID:         id,
			Name:       id,
			Interval:   js.Interval,
			Grace:      js.Grace,
			Coalesce:   true,
			RunOnStart: sc.RunOnStart,
			Handler: func(ctx context.Context) error {
				fn(ctx)
				return nil
			},
		}
	}

	return []scheduler.Job{
		entry(services.CategoryPrices, sc.Prices, c.FetchAndStorePrices),
		entry(services.CategoryMetadata, sc.Metadata, c.FetchAndStoreMetadata),
		entry(services.CategorySentiment, sc.Sentiment, c.FetchAndStoreSentiment),
		entry(services.CategoryDexPairs, sc.DexPairs, c.FetchAndStoreDexPairs),
		entry(services.CategoryExchanges, sc.Exchanges, c.FetchAndStoreExchanges),
	}
}
