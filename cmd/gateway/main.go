package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/vnmchuo/llm-manager/config"
	"github.com/vnmchuo/llm-manager/internal/cache"
	"github.com/vnmchuo/llm-manager/internal/manager"
	"github.com/vnmchuo/llm-manager/internal/proxy"
	"github.com/vnmchuo/llm-manager/internal/telemetry"
	"github.com/vnmchuo/llm-manager/internal/usage"
	"github.com/vnmchuo/llm-manager/internal/worker"
	"github.com/vnmchuo/llm-manager/pkg/ratelimit"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		slog.Error("llm manager exited", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	if strings.EqualFold(cfg.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	}))
}

func run() error {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	snap, err := config.LoadSnapshot(cfg.ProvidersFile)
	if err != nil {
		return err
	}

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer("llm-manager", version, cfg)
	if err != nil {
		return err
	}
	defer shutdownTracer()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := []manager.Option{
		manager.WithLogger(logger),
		manager.WithTracer(otel.GetTracerProvider().Tracer("llm-manager")),
	}

	// 3. Connect Redis (optional: shared response cache and provider quotas)
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return err
		}
		logger.Info("redis connected", "addr", cfg.RedisAddr)
	}
	if snap.Cache.Backend == "redis" {
		if rdb == nil {
			return errors.New("cache.backend redis requires REDIS_ADDR")
		}
		opts = append(opts, manager.WithCacheStore(cache.NewRedisStore(rdb, cache.DefaultRedisPrefix)))
	}
	if cfg.ProviderRateLimitTPM > 0 {
		opts = append(opts, manager.WithQuota(ratelimit.NewLimiter(rdb, cfg.ProviderRateLimitTPM)))
	}

	// 4. Connect PostgreSQL (optional: usage event history)
	var history proxy.History
	if cfg.PostgresDSN != "" {
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return err
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			return err
		}
		logger.Info("postgres connected")

		store := usage.NewPostgresStore(pool)
		if err := store.Migrate(ctx); err != nil {
			return err
		}
		usageLog := usage.NewLogger(store, 0, 0, logger)
		defer usageLog.Close()
		opts = append(opts, manager.WithUsageSink(usageLog))
		history = store
	}

	// 5. Init manager
	mgr, err := manager.New(snap, opts...)
	if err != nil {
		return err
	}
	defer mgr.Close()
	go mgr.Run(ctx)

	reload := func(s *config.Snapshot) {
		if err := mgr.Reload(s); err != nil {
			logger.Error("provider reload rejected", "error", err)
		}
	}
	go func() {
		if err := config.Watch(ctx, cfg.ProvidersFile, logger, reload); err != nil {
			logger.Error("provider config watch stopped", "error", err)
		}
	}()
	go func() {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				s, err := config.LoadSnapshot(cfg.ProvidersFile)
				if err != nil {
					logger.Error("provider reload failed", "error", err)
					continue
				}
				reload(s)
			}
		}
	}()

	// 6. Init async jobs
	jobs := worker.NewQueue(mgr, worker.Config{Workers: snap.Batch.Workers}, logger)
	jobsDone := make(chan struct{})
	go func() {
		defer close(jobsDone)
		_ = jobs.Process(ctx)
	}()

	// 7. Init handler and routes
	handler := proxy.NewHandler(mgr, jobs, history, otel.GetTracerProvider().Tracer("llm-manager"), logger)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(proxy.RequestLogger(logger))
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"llm-manager"}`))
	})
	r.Handle("/metrics", promhttp.Handler())
	handler.Routes(r)

	// 8. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("llm manager starting", "port", cfg.Port, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	<-jobsDone
	logger.Info("server stopped")
	return nil
}
