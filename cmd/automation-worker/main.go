package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/gulfbridge/crm-automation/internal/app/bootstrap"
	appconfig "github.com/gulfbridge/crm-automation/internal/config"
	"github.com/gulfbridge/crm-automation/internal/worker"
	"github.com/gulfbridge/crm-automation/pkg/logging"
)

func main() {
	_ = godotenv.Load()
	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)

	if cfg.UseMemoryQueue {
		logger.Error("automation worker cannot run when USE_MEMORY_QUEUE=true; the API process consumes inline instead")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

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

	w := worker.New(eventQueue, core.Ledger, core.Leads, core.Conversations,
		core.Messages, core.Rules, core.Engine, core.Metrics, logger,
		worker.WithWorkerCount(cfg.WorkerCount),
		worker.WithExpirySweep(cfg.ExpirySweepInterval, cfg.ExpiryWindowDays),
		worker.WithDefaultRegion(cfg.DefaultRegion),
	)

	w.Start(ctx)
	logger.Info("automation worker started", "workers", cfg.WorkerCount)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down automation worker...")
	cancel()

	doneCtx, doneCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer doneCancel()

	waitCh := make(chan struct{})
	go func() {
		w.Wait()
		close(waitCh)
	}()

	select {
	case <-waitCh:
		logger.Info("automation worker stopped")
	case <-doneCtx.Done():
		logger.Error("automation worker shutdown timed out", "error", doneCtx.Err())
	}
}
