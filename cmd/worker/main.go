package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/gatekeeper/internal/app"
	"github.com/odyssey-erp/gatekeeper/internal/audit"
	"github.com/odyssey-erp/gatekeeper/internal/engine"
	jobmetrics "github.com/odyssey-erp/gatekeeper/internal/jobs"
	"github.com/odyssey-erp/gatekeeper/internal/permcache"
	"github.com/odyssey-erp/gatekeeper/internal/platform/cache"
	"github.com/odyssey-erp/gatekeeper/internal/platform/db"
	"github.com/odyssey-erp/gatekeeper/internal/store"
	"github.com/odyssey-erp/gatekeeper/jobs"
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

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

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

	// The worker owns no local level: it operates on the shared cache
	// and lets the fanout reach the serving replicas' local caches.
	shared := permcache.NewRedis(redisClient)
	fanout := permcache.NewFanout(redisClient, logger)

	eng, err := engine.New(engine.Config{
		Store:    store.NewPostgres(pool),
		Cache:    permcache.NewLayered(nil, shared, 0),
		Fanout:   fanout,
		Audit:    audit.NewRecorder(pool, logger),
		Logger:   logger,
		CacheTTL: cfg.CacheTTL,
	})
	if err != nil {
		logger.Error("build engine", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Engine:    eng,
		Metrics:   jobmetrics.NewMetrics(nil),
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
