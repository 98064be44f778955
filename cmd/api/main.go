package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gtaroom/GTA-GAME-sub005/internal/api"
	"github.com/gtaroom/GTA-GAME-sub005/internal/config"
	"github.com/gtaroom/GTA-GAME-sub005/internal/dispatch"
	"github.com/gtaroom/GTA-GAME-sub005/internal/metrics"
	"github.com/gtaroom/GTA-GAME-sub005/internal/queue"
)

func main() {
	cfg := config.Load()
	logger, err := newLogger(cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("api exited", zap.Error(err))
	}
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	if cfg.Development() {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(cfg config.Config, logger *zap.Logger) (err error) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	defer func() { err = multierr.Append(err, rdb.Close()) }()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	queues := queue.NewRegistry(rdb,
		queue.WithPrefix(cfg.KeyPrefix),
		queue.WithRetention(cfg.Retention),
		queue.WithLease(cfg.Lease),
		queue.WithLogger(logger.Named("queue")),
		queue.WithMetrics(m),
	)
	opts := []dispatch.Option{dispatch.WithLogger(logger.Named("dispatch")), dispatch.WithMetrics(m)}
	h := &api.Handler{
		Submitter:       dispatch.NewSubmitter(queues, opts...),
		Status:          dispatch.NewStatusReader(queues, opts...),
		Limiter:         api.NewTenantLimiter(cfg.TenantRateLimit, cfg.TenantRateBurst),
		Log:             logger.Named("api"),
		DefaultUsername: cfg.DefaultUsername,
		DefaultPassword: cfg.DefaultPassword,
	}
	rtr := api.NewRouter(api.RouterConfig{
		JWTSigningKey:      cfg.JWTSigningKey,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	}, h, queues, logger.Named("http"))

	srv := &http.Server{Addr: cfg.APIAddr, Handler: rtr, ReadHeaderTimeout: 5 * time.Second}
	metricsSrv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range []*http.Server{srv, metricsSrv} {
		g.Go(func() error {
			logger.Info("listening", zap.String("addr", s.Addr))
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return multierr.Combine(srv.Shutdown(shutdownCtx), metricsSrv.Shutdown(shutdownCtx))
	})
	return g.Wait()
}
