package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/branchstock/branchstock/internal/app"
	"github.com/branchstock/branchstock/internal/audit"
	"github.com/branchstock/branchstock/internal/batch"
	"github.com/branchstock/branchstock/internal/ledger"
	"github.com/branchstock/branchstock/internal/masterdata"
	"github.com/branchstock/branchstock/internal/observability"
	"github.com/branchstock/branchstock/internal/platform/cache"
	"github.com/branchstock/branchstock/internal/platform/db"
	"github.com/branchstock/branchstock/internal/receiving"
	"github.com/branchstock/branchstock/internal/shared"
	"github.com/branchstock/branchstock/internal/transfer"
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
		logger.Warn("redis unavailable, current-stock cache disabled", slog.Any("error", err))
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

	metrics := observability.NewMetrics()

	activityLogger := shared.NewActivityLogger(dbpool)
	idempotencyStore := shared.NewIdempotencyStore(dbpool)

	catalogRepo := masterdata.NewRepository(dbpool)
	catalogService := masterdata.NewService(catalogRepo)

	batchRepo := batch.NewRepository(dbpool)
	batchService := batch.NewService(batchRepo, activityLogger, catalogService)
	batchHandler := batch.NewHandler(logger, batchService)

	stockCache := ledger.NewCache(redisClient, cfg.StockCacheTTL)
	ledgerRepo := ledger.NewRepository(dbpool)
	ledgerService := ledger.NewService(ledgerRepo, app.BatchStockSource{Batches: batchService}, stockCache, activityLogger)
	ledgerHandler := ledger.NewHandler(logger, ledgerService)

	transferRepo := transfer.NewRepository(dbpool)
	transferService := transfer.NewService(transferRepo, catalogService, idempotencyStore, activityLogger)
	transferHandler := transfer.NewHandler(logger, transferService)

	receivingRepo := receiving.NewRepository(dbpool)
	orderRepo := receiving.NewOrderRepository(dbpool)
	receivingService := receiving.NewService(receivingRepo, orderRepo, app.CatalogProducts{Catalog: catalogService}, idempotencyStore, activityLogger)
	receivingHandler := receiving.NewHandler(logger, receivingService)

	auditRepo := audit.NewRepository(dbpool)
	auditService := audit.NewService(auditRepo)
	auditHandler := audit.NewHandler(logger, auditService)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:           logger,
		Config:           cfg,
		BatchHandler:     batchHandler,
		LedgerHandler:    ledgerHandler,
		TransferHandler:  transferHandler,
		ReceivingHandler: receivingHandler,
		AuditHandler:     auditHandler,
		JobHandler:       jobHandler,
		Metrics:          metrics,
		Pool:             dbpool,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
