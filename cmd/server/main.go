package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/notifyhub/dispatchd/internal/api"
	"github.com/notifyhub/dispatchd/internal/breaker"
	"github.com/notifyhub/dispatchd/internal/config"
	"github.com/notifyhub/dispatchd/internal/db"
	"github.com/notifyhub/dispatchd/internal/deadletter"
	"github.com/notifyhub/dispatchd/internal/domain"
	"github.com/notifyhub/dispatchd/internal/metrics"
	"github.com/notifyhub/dispatchd/internal/queue"
	"github.com/notifyhub/dispatchd/internal/ratelimiter"
	"github.com/notifyhub/dispatchd/internal/repository"
	"github.com/notifyhub/dispatchd/internal/retrypolicy"
	"github.com/notifyhub/dispatchd/internal/sender"
	"github.com/notifyhub/dispatchd/internal/service"
	"github.com/notifyhub/dispatchd/internal/sweeper"
	"github.com/notifyhub/dispatchd/internal/worker"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := db.Connect(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := db.Migrate(cfg.DatabaseURL); err != nil {
		logger.Fatal("failed to run migrations", zap.Error(err))
	}
	logger.Info("database migrations applied")

	// ---- core dependencies ----
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	repo := repository.NewPgNotificationRepository(pool)
	sink := deadletter.NewPgSink(pool)

	adapter, err := queue.BuildAdapter(cfg.QueueBackend, pool, repo, sink)
	if err != nil {
		logger.Fatal("failed to build queue adapter", zap.Error(err))
	}
	logger.Info("queue adapter ready", zap.String("backend", cfg.QueueBackend))

	limits := ratelimiter.Limits{
		PerSecond: cfg.RatePerSecond,
		PerMinute: cfg.RatePerMinute,
		PerHour:   cfg.RatePerHour,
	}
	var limiter ratelimiter.Limiter
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal("failed to connect to redis", zap.Error(err))
		}
		defer rdb.Close() //nolint:errcheck
		limiter = ratelimiter.NewRedisLimiter(rdb, limits)
		logger.Info("distributed rate limiter enabled", zap.String("redis", cfg.RedisAddr))
	} else {
		limiter = ratelimiter.NewLocalLimiter(limits)
		logger.Warn("in-process rate limiter in use; ceilings are per node")
	}

	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold:    cfg.BreakerFailureThreshold,
		FailureRate:         cfg.BreakerFailureRate,
		MinSamples:          cfg.BreakerMinSamples,
		Window:              cfg.BreakerWindow,
		OpenDuration:        cfg.BreakerOpenDuration,
		HalfOpenMaxProbes:   cfg.BreakerHalfOpenMaxProbes,
		CloseAfterSuccesses: cfg.BreakerCloseAfterSuccesses,
	})

	senders := sender.NewRegistry(
		sender.NewWebhookSender(domain.ChannelSMS, cfg.ProviderBaseURL, cfg.ProviderTimeout),
		sender.NewWebhookSender(domain.ChannelEmail, cfg.ProviderBaseURL, cfg.ProviderTimeout),
		sender.NewWebhookSender(domain.ChannelPush, cfg.ProviderBaseURL, cfg.ProviderTimeout),
	)

	policy := retrypolicy.New(cfg.RetryBase, cfg.RetryExponentCap, cfg.RetryMaxDelay, cfg.RateLimitMultiplier)
	callbacks := worker.NewCallbackNotifier(cfg.CallbackTimeout, logger)

	svc := service.NewDispatchService(repo, adapter, cfg.MaxAttempts, logger)

	// ---- background loops ----
	bgCtx, cancelBg := context.WithCancel(ctx)
	defer cancelBg()

	w := worker.New(adapter, repo, senders, limiter, breakers, policy, callbacks, worker.Config{
		Concurrency:       cfg.WorkerConcurrency,
		PollInterval:      cfg.PollInterval,
		LeaseDuration:     cfg.LeaseDuration,
		HeartbeatInterval: cfg.HeartbeatInterval,
	}, logger, m.WorkerHooks())

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		w.Run(bgCtx)
	}()

	sw := sweeper.New(adapter, repo, sweeper.Config{
		Interval:        cfg.SweepInterval,
		ReapThreshold:   cfg.ReapThreshold,
		RedeliveryDelay: cfg.RedeliveryDelay,
		Retention:       cfg.Retention,
		BatchSize:       cfg.SweepBatchSize,
	}, logger)
	sw.OnReaped = func(count int) { m.LeasesReaped.Add(float64(count)) }
	go sw.Run(bgCtx)

	go gaugeRefreshLoop(bgCtx, adapter, breakers, m, logger)

	// ---- HTTP server ----
	router := api.NewRouter(api.Deps{
		Service:  svc,
		Adapter:  adapter,
		Breakers: breakers,
		DeadLets: sink,
		Repo:     repo,
		Registry: reg,
		DB:       pool,
		Logger:   logger,
	})
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// ---- graceful shutdown ----
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutdown signal received")

	// 1. Stop accepting new HTTP requests.
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// 2. Stop claiming new queue entries; worker drains in-flight sends.
	cancelBg()

	// 3. Wait for the worker to finish its current deliveries. Unfinished
	// leases simply expire and are reaped by another node.
	select {
	case <-workerDone:
	case <-time.After(cfg.ShutdownTimeout):
		logger.Warn("worker did not drain before deadline")
	}

	logger.Info("server stopped cleanly")
}

// gaugeRefreshLoop keeps the sampled gauges (queue depth, oldest entry age,
// circuit state) current between scrapes.
func gaugeRefreshLoop(
	ctx context.Context,
	adapter queue.Adapter,
	breakers *breaker.Registry,
	m *metrics.Metrics,
	logger *zap.Logger,
) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			depths, err := adapter.Depths(ctx)
			if err != nil {
				logger.Warn("queue depth sample failed", zap.Error(err))
				continue
			}
			m.ObserveDepths(depths)

			age, err := adapter.OldestVisibleAge(ctx)
			if err == nil {
				m.OldestVisibleAge.Set(age.Seconds())
			}

			m.ObserveBreakers(breakers.Snapshots())
		}
	}
}
