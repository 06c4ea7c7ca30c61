package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gulfbridge/crm-automation/internal/api/router"
	"github.com/gulfbridge/crm-automation/internal/app/bootstrap"
	appconfig "github.com/gulfbridge/crm-automation/internal/config"
	"github.com/gulfbridge/crm-automation/internal/http/handlers"
	"github.com/gulfbridge/crm-automation/internal/worker"
	"github.com/gulfbridge/crm-automation/pkg/logging"
)

func main() {
	_ = godotenv.Load()
	cfg := appconfig.Load()

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting crm-automation API server",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := bootstrap.BuildPostgresPool(ctx, cfg)
	if err != nil {
		logger.Error("postgres setup failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	redisClient := bootstrap.BuildRedisClient(ctx, cfg, logger, true)
	if redisClient != nil {
		defer func() { _ = redisClient.Close() }()
	}

	eventQueue, err := bootstrap.BuildQueue(ctx, cfg, logger)
	if err != nil {
		logger.Error("queue setup failed", "error", err)
		os.Exit(1)
	}

	provider, err := bootstrap.BuildProvider(cfg, logger)
	if err != nil {
		logger.Error("provider setup failed", "error", err)
		os.Exit(1)
	}

	core := bootstrap.BuildAutomation(pool, redisClient, provider, cfg, logger)

	webhookHandler := handlers.NewWebhookHandler(core.Ledger, eventQueue, cfg.WebhookVerifyToken, core.Metrics, logger)
	automationHandler := handlers.NewAutomationHandler(core.Rules, core.Engine, core.Scheduler,
		core.Conversations, core.Leads, core.Tasks, core.Messages, logger)

	r := router.New(&router.Config{
		Logger:             logger,
		Webhook:            webhookHandler,
		Automation:         automationHandler,
		MetricsHandler:     promhttp.Handler(),
		AdminAuthSecret:    cfg.AdminAuthSecret,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		WebhookRateLimit:   cfg.WebhookRateLimit,
	})

	// With the memory queue there is no separate worker binary; consume
	// events inline so local runs exercise the whole pipeline.
	var inlineWorker *worker.Worker
	if cfg.UseMemoryQueue {
		inlineWorker = worker.New(eventQueue, core.Ledger, core.Leads, core.Conversations,
			core.Messages, core.Rules, core.Engine, core.Metrics, logger,
			worker.WithWorkerCount(cfg.WorkerCount),
			worker.WithExpirySweep(cfg.ExpirySweepInterval, cfg.ExpiryWindowDays),
			worker.WithDefaultRegion(cfg.DefaultRegion),
		)
		inlineWorker.Start(ctx)
		logger.Info("inline event worker started", "workers", cfg.WorkerCount)
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	if inlineWorker != nil {
		inlineWorker.Wait()
	}
	logger.Info("server stopped")
}
