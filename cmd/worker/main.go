package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/branchstock/branchstock/internal/app"
	"github.com/branchstock/branchstock/internal/batch"
	jobmetrics "github.com/branchstock/branchstock/internal/jobs"
	"github.com/branchstock/branchstock/internal/ledger"
	"github.com/branchstock/branchstock/internal/masterdata"
	"github.com/branchstock/branchstock/internal/platform/cache"
	"github.com/branchstock/branchstock/internal/platform/db"
	"github.com/branchstock/branchstock/internal/shared"
	"github.com/branchstock/branchstock/jobs"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable, cache invalidation disabled", slog.Any("error", err))
		redisClient = nil
	}
	defer func() {
		if redisClient == nil {
			return
		}
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := jobmetrics.NewMetrics(nil)

	activityLogger := shared.NewActivityLogger(dbpool)
	idempotencyStore := shared.NewIdempotencyStore(dbpool)

	catalogService := masterdata.NewService(masterdata.NewRepository(dbpool))
	batchService := batch.NewService(batch.NewRepository(dbpool), activityLogger, catalogService)

	stockCache := ledger.NewCache(redisClient, cfg.StockCacheTTL)
	ledgerService := ledger.NewService(ledger.NewRepository(dbpool), app.BatchStockSource{Batches: batchService}, stockCache, activityLogger)

	now := time.Now().UTC()
	sweepTask, err := jobs.NewExpirySweepTask(now)
	if err != nil {
		logger.Error("build expiry sweep task", slog.Any("error", err))
		os.Exit(1)
	}
	reconcileTask, err := jobs.NewLedgerReconcileTask(now)
	if err != nil {
		logger.Error("build ledger reconcile task", slog.Any("error", err))
		os.Exit(1)
	}
	cleanupTask, err := jobs.NewIdempotencyCleanupTask(now)
	if err != nil {
		logger.Error("build idempotency cleanup task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskBatchExpirySweep, Handler: jobs.NewExpirySweepHandler(batchService, stockCache, metrics, logger)},
			{Type: jobs.TaskLedgerReconcile, Handler: jobs.NewLedgerReconcileHandler(ledgerService, metrics, logger)},
			{Type: jobs.TaskIdempotencyCleanup, Handler: jobs.NewIdempotencyCleanupHandler(idempotencyStore, metrics, logger)},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.ExpirySweepCron, Task: sweepTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: cfg.LedgerReconcileCron, Task: reconcileTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: cfg.IdempotencyCleanupCron, Task: cleanupTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
