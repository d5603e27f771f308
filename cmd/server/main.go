package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/kolscope/kolscope/internal/analysis"
	"github.com/kolscope/kolscope/internal/api"
	"github.com/kolscope/kolscope/internal/cache"
	"github.com/kolscope/kolscope/internal/collector"
	"github.com/kolscope/kolscope/internal/config"
	"github.com/kolscope/kolscope/internal/database"
	"github.com/kolscope/kolscope/internal/guard"
	"github.com/kolscope/kolscope/internal/logging"
	"github.com/kolscope/kolscope/internal/metrics"
	"github.com/kolscope/kolscope/internal/models"
	"github.com/kolscope/kolscope/internal/quota"
	"github.com/kolscope/kolscope/internal/scheduler"
	"github.com/kolscope/kolscope/internal/server"
	"github.com/kolscope/kolscope/internal/youtube"
	"log/slog"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stdout, nil)).Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stdout, nil)).Error("failed to init logger", "error", err)
		os.Exit(1)
	}

	logger.Info("starting kolscope", "mode", cfg.Collector.Mode)

	ctx := context.Background()

	dbCfg := database.DefaultConfig()
	dbCfg.URL = cfg.Database.URL
	logger.Info("connecting to database")
	db, err := database.Connect(ctx, dbCfg)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	logger.Info("database connected")

	if err := database.RunMigrations(db, cfg.Database.MigrationsDir, logger); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	// Repositories
	credentialRepo := database.NewCredentialRepository(db)
	runRepo := database.NewRunRepository(db)
	channelRepo := database.NewChannelRepository(db)
	statsRepo := database.NewStatsRepository(db)
	analysisRepo := database.NewAnalysisRepository(db)
	productRepo := database.NewProductRepository(db)

	// Redis cache; absent address means every lookup goes to the API
	var channelCache *cache.Cache
	if cfg.Redis.Addr != "" {
		channelCache = cache.New(cfg.Redis.Addr, logger)
		if err := channelCache.Ping(); err != nil {
			logger.Warn("redis unreachable, continuing without cache", "error", err)
			channelCache = nil
		} else {
			logger.Info("cache connected", "addr", cfg.Redis.Addr)
		}
	}

	// Credential pool
	pool := quota.NewPool(credentialRepo, logger)
	if err := pool.Load(ctx); err != nil {
		logger.Error("failed to load credential pool", "error", err)
		os.Exit(1)
	}

	collectorMetrics, err := metrics.NewCollector()
	if err != nil {
		logger.Error("failed to init metrics", "error", err)
		os.Exit(1)
	}

	mode := cfg.Collector.Mode

	// Collection path: YouTube client behind its protection stack
	ytClient := youtube.NewClient(logger)
	ytStack := guard.NewStack(
		guard.DefaultConfig("youtube", models.CategoryYouTube),
		pool, mode, logger, collectorMetrics)

	// Analysis path: AI provider behind its own stack and bounded queue
	provider, err := analysis.NewProvider(cfg.Analysis.Provider, logger)
	if err != nil {
		logger.Error("failed to init analysis provider", "error", err)
		os.Exit(1)
	}
	analysisStack := guard.NewStack(
		guard.DefaultConfig(cfg.Analysis.Provider, models.CategoryAnalysis),
		pool, mode, logger, collectorMetrics)
	queue := analysis.NewQueue(
		analysis.DefaultConfig(mode),
		provider, analysisStack, analysisRepo, channelRepo, statsRepo,
		logger, collectorMetrics)
	if err := queue.Start(ctx); err != nil {
		logger.Error("failed to start analysis queue", "error", err)
		os.Exit(1)
	}

	// Collection pipeline
	pipelineCfg := collector.DefaultConfig()
	pipelineCfg.SampleSize = cfg.Collector.SampleSize
	pipeline := collector.NewPipeline(
		pipelineCfg, ytClient, ytStack, channelCache,
		runRepo, channelRepo, statsRepo, queue,
		collector.NewLogNotifier(logger), logger)

	executor := api.NewRunExecutor(runRepo, productRepo, pipeline, mode, logger)

	// Periodic resubmission of failed analyses
	retryScheduler := scheduler.NewRetryScheduler(runRepo, queue, cfg.Analysis.RetrySweepInterval, logger)
	go retryScheduler.Start(ctx)

	// HTTP API
	mux := http.NewServeMux()
	api.SetupRoutes(mux, api.Dependencies{
		DB:          db,
		Cache:       channelCache,
		Pool:        pool,
		Queue:       queue,
		Executor:    executor,
		Runs:        runRepo,
		Analyses:    analysisRepo,
		Credentials: credentialRepo,
		Products:    productRepo,
		AuthConfig:  cfg.Auth,
		Metrics:     collectorMetrics,
		Logger:      logger,
	})

	srv := server.New(cfg.Server, logger, mux)

	go func() {
		if err := srv.Start(); err != nil {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	logger.Info("kolscope started", "port", cfg.Server.Port)

	waitForSignal(logger)

	logger.Info("shutting down")
	executor.Shutdown()
	retryScheduler.Stop()
	if err := srv.Shutdown(context.Background()); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	if channelCache != nil {
		channelCache.Close()
	}
	logger.Info("shutdown complete")
}

func waitForSignal(logger *slog.Logger) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	sig := <-c
	logger.Info("received signal", "signal", sig.String())
	signal.Stop(c)
	close(c)
}
