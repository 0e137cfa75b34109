package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/odyssey-erp/gatekeeper/internal/app"
	"github.com/odyssey-erp/gatekeeper/internal/audit"
	"github.com/odyssey-erp/gatekeeper/internal/engine"
	"github.com/odyssey-erp/gatekeeper/internal/httpapi"
	"github.com/odyssey-erp/gatekeeper/internal/observability"
	"github.com/odyssey-erp/gatekeeper/internal/permcache"
	"github.com/odyssey-erp/gatekeeper/internal/platform/cache"
	"github.com/odyssey-erp/gatekeeper/internal/platform/db"
	"github.com/odyssey-erp/gatekeeper/internal/store"
	"github.com/odyssey-erp/gatekeeper/internal/tenant"
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
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	local, err := permcache.NewLocal(cfg.CacheLocalSize)
	if err != nil {
		logger.Error("build local cache", slog.Any("error", err))
		os.Exit(1)
	}
	layered := permcache.NewLayered(local, permcache.NewRedis(redisClient), 0)
	fanout := permcache.NewFanout(redisClient, logger)

	adapter := store.NewPostgres(dbpool)
	metrics := observability.NewMetrics()

	eng, err := engine.New(engine.Config{
		Store:    adapter,
		Cache:    layered,
		Fanout:   fanout,
		Audit:    audit.NewRecorder(dbpool, logger),
		Metrics:  metrics,
		Logger:   logger,
		CacheTTL: cfg.CacheTTL,
	})
	if err != nil {
		logger.Error("build engine", slog.Any("error", err))
		os.Exit(1)
	}

	// Sibling replicas publish invalidations over Redis; apply them to
	// the local level only, the publisher already handled the shared one.
	go func() {
		if err := fanout.Listen(ctx, func(ctx context.Context, ev permcache.Event) {
			local.Invalidate(ctx, ev)
			metrics.InvalidationReceived()
		}); err != nil && ctx.Err() == nil {
			logger.Error("invalidation listener", slog.Any("error", err))
		}
	}()

	apiHandler := httpapi.NewHandler(logger, eng, tenant.NewManager(adapter), audit.NewService(dbpool))

	router := app.NewRouter(app.RouterParams{
		Logger:     logger,
		Config:     cfg,
		APIHandler: apiHandler,
		Pool:       dbpool,
		Metrics:    metrics,
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
