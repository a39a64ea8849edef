package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"PulseDispatch/internal/api"
	"PulseDispatch/internal/config"
	"PulseDispatch/internal/db"
	"PulseDispatch/internal/email"
	"PulseDispatch/internal/intake"
	"PulseDispatch/internal/metrics"
	"PulseDispatch/internal/queue"
	"PulseDispatch/internal/selector"
	"PulseDispatch/internal/templates"
	"PulseDispatch/internal/worker"
)

func main() {

	// ------------------------------------------------
	// Logger
	// ------------------------------------------------
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	// ------------------------------------------------
	// Config
	// ------------------------------------------------
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	runAPI := cfg.Mode == "api" || cfg.Mode == "all"
	runWorker := cfg.Mode == "worker" || cfg.Mode == "all"
	if !runAPI && !runWorker {
		logger.Fatal("unknown MODE", zap.String("mode", cfg.Mode))
	}

	// ------------------------------------------------
	// Root Context + Shutdown
	// ------------------------------------------------
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
		cancel()
	}()

	// ------------------------------------------------
	// Database
	// ------------------------------------------------
	store, err := db.New(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		logger.Fatal("database migration failed", zap.Error(err))
	}

	// ------------------------------------------------
	// Queue
	// ------------------------------------------------
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal("invalid REDIS_URL", zap.Error(err))
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal("redis connection failed", zap.Error(err))
	}

	jobQueue := queue.NewRedis(redisClient, cfg.QueueKey)

	// ------------------------------------------------
	// Metrics
	// ------------------------------------------------
	metrics.Init()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())

	metricsServer := &http.Server{
		Addr:    ":" + cfg.MetricsPort,
		Handler: metricsMux,
	}

	go func() {
		logger.Info("metrics server started", zap.String("port", cfg.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("metrics server error", zap.Error(err))
		}
	}()

	// ------------------------------------------------
	// Dispatch
	// ------------------------------------------------
	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimit)

	dispatcher := worker.NewDispatcher(
		store,
		selector.New(store, logger),
		email.NewSender(cfg.ProviderTimeout),
		jobQueue,
		limiter,
		cfg.MaxRetries,
		cfg.JobLease,
		logger,
	)
	if cfg.CaptureEnabled {
		logger.Warn("local capture enabled, undeliverable mail is written to disk",
			zap.String("dir", cfg.CaptureDir),
		)
		dispatcher.EnableCapture(email.NewCapturer(cfg.CaptureDir))
	}

	var wg sync.WaitGroup

	// ------------------------------------------------
	// Worker Pool + Sweeps
	// ------------------------------------------------
	if runWorker {
		moved, err := jobQueue.Recover(ctx)
		if err != nil {
			logger.Fatal("queue recovery failed", zap.Error(err))
		}
		if moved > 0 {
			logger.Info("requeued unacknowledged deliveries", zap.Int("count", moved))
		}

		worker.StartPool(ctx, &wg, cfg.WorkerCount, jobQueue, dispatcher, logger)

		sweeper := worker.NewSweeper(store, jobQueue, cfg.SweepInterval, cfg.StaleJobAge, logger)
		resetter := selector.NewResetter(store, cfg.QuotaResetInterval, cfg.Location(), logger)

		wg.Add(2)
		go func() {
			defer wg.Done()
			sweeper.Run(ctx)
		}()
		go func() {
			defer wg.Done()
			resetter.Run(ctx)
		}()
	}

	// ------------------------------------------------
	// HTTP API Server
	// ------------------------------------------------
	var apiServer *http.Server
	if runAPI {
		router := gin.New()
		router.Use(gin.Recovery())

		api.RegisterRoutes(router, &api.Handler{
			Intake: intake.NewService(
				store,
				store,
				templates.NewResolver(store),
				jobQueue,
				cfg.MaxRetries,
				logger,
			),
			Jobs:  dispatcher,
			Store: store,
			Log:   logger,
		})

		apiServer = &http.Server{
			Addr:    ":" + cfg.APIPort,
			Handler: router,
		}

		go func() {
			logger.Info("api server started", zap.String("port", cfg.APIPort))
			if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Fatal("api server error", zap.Error(err))
			}
		}()
	}

	logger.Info("pulse dispatch running", zap.String("mode", cfg.Mode))

	// ------------------------------------------------
	// Wait for shutdown
	// ------------------------------------------------
	<-ctx.Done()

	logger.Info("shutting down services...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	// Stop accepting new jobs
	if apiServer != nil {
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("api shutdown failed", zap.Error(err))
		}
	}

	// Wait for in-flight passes to persist
	wg.Wait()

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics shutdown failed", zap.Error(err))
	}

	logger.Info("application shutdown complete")
}
