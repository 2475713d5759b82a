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

	"github.com/greenlot-erp/greenlot-erp/internal/app"
	"github.com/greenlot-erp/greenlot-erp/internal/ledger"
	"github.com/greenlot-erp/greenlot-erp/internal/movements"
	"github.com/greenlot-erp/greenlot-erp/internal/observability"
	"github.com/greenlot-erp/greenlot-erp/internal/platform/cache"
	"github.com/greenlot-erp/greenlot-erp/internal/platform/db"
	"github.com/greenlot-erp/greenlot-erp/internal/refdata"
	"github.com/greenlot-erp/greenlot-erp/internal/settlement"
	"github.com/greenlot-erp/greenlot-erp/internal/shared"
	"github.com/greenlot-erp/greenlot-erp/internal/stock"
	"github.com/greenlot-erp/greenlot-erp/internal/trade"
	"github.com/greenlot-erp/greenlot-erp/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

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
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	auditLogger := shared.NewAuditLogger(dbpool)
	idempotencyStore := shared.NewIdempotencyStore(dbpool)

	refdataRepo := refdata.NewRepository(dbpool)

	tradeRepo := trade.NewRepository(dbpool)
	processor := trade.NewProcessor(tradeRepo, refdataRepo, auditLogger, metrics, trade.ProcessorConfig{
		PruneReversedHistory: cfg.PruneReversedHistory,
	})
	tradeHandler := trade.NewHandler(logger, processor)

	stockRepo := stock.NewRepository(dbpool)
	stockService := stock.NewService(stockRepo, idempotencyStore, auditLogger)
	stockHandler := stock.NewHandler(logger, stockService)

	ledgerRepo := ledger.NewRepository(dbpool)
	ledgerService := ledger.NewService(ledgerRepo)
	ledgerHandler := ledger.NewHandler(logger, ledgerService)

	movementsRepo := movements.NewRepository(dbpool)
	movementsService := movements.NewService(movementsRepo, idempotencyStore, auditLogger)
	movementsHandler := movements.NewHandler(logger, movementsService)

	settlementRepo := settlement.NewRepository(dbpool)
	cashLedger := settlement.NewPgCashLedger(dbpool)
	settlementService := settlement.NewService(logger, settlementRepo, cashLedger, redisClient, auditLogger, metrics, settlement.ServiceConfig{
		VarianceTolerance: cfg.CloseVarianceTolerance,
		LockTTL:           cfg.CloseLockTTL,
	})
	settlementHandler := settlement.NewHandler(logger, settlementService)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobsHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:            logger,
		Config:            cfg,
		TradeHandler:      tradeHandler,
		StockHandler:      stockHandler,
		LedgerHandler:     ledgerHandler,
		MovementsHandler:  movementsHandler,
		SettlementHandler: settlementHandler,
		JobsHandler:       jobsHandler,
		Metrics:           metrics,
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
