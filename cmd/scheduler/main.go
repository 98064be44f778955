package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gtaroom/GTA-GAME-sub005/internal/config"
	"github.com/gtaroom/GTA-GAME-sub005/internal/metrics"
	"github.com/gtaroom/GTA-GAME-sub005/internal/queue"
	"github.com/gtaroom/GTA-GAME-sub005/internal/scheduler"
	"github.com/gtaroom/GTA-GAME-sub005/internal/storage"
)

func main() {
	cfg := config.Load()

	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Development() {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = logger.Sync() }()
	logger = logger.With(zap.String("instance", uuid.NewString()))

	if err := run(cfg, logger); err != nil {
		logger.Fatal("scheduler exited", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) (err error) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	defer func() { err = multierr.Append(err, rdb.Close()) }()

	var elector scheduler.Elector = scheduler.AlwaysLeader{}
	if cfg.PostgresDSN != "" {
		db, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return err
		}
		defer db.Close()
		elector = storage.New(db).Leader(storage.SchedulerLockKey)
	} else {
		logger.Warn("POSTGRES_DSN not set; running without leader election")
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	queues := queue.NewRegistry(rdb,
		queue.WithPrefix(cfg.KeyPrefix),
		queue.WithRetention(cfg.Retention),
		queue.WithLease(cfg.Lease),
		queue.WithLogger(logger.Named("queue")),
		queue.WithMetrics(m),
	)
	s := scheduler.New(queues, elector, cfg.SchedInterval, cfg.SchedBatch, logger.Named("scheduler"), m)

	metricsSrv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.Run(gctx) })
	g.Go(func() error {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
