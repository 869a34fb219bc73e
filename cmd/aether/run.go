package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/aetherlab/aether/internal/auth"
	"github.com/aetherlab/aether/internal/billing"
	"github.com/aetherlab/aether/internal/config"
	"github.com/aetherlab/aether/internal/convert"
	"github.com/aetherlab/aether/internal/dimension"
	"github.com/aetherlab/aether/internal/dispatch"
	"github.com/aetherlab/aether/internal/distlock"
	"github.com/aetherlab/aether/internal/health"
	"github.com/aetherlab/aether/internal/planner"
	"github.com/aetherlab/aether/internal/poller"
	"github.com/aetherlab/aether/internal/proxynode"
	"github.com/aetherlab/aether/internal/ratelimit"
	"github.com/aetherlab/aether/internal/schedule"
	"github.com/aetherlab/aether/internal/server"
	"github.com/aetherlab/aether/internal/storage"
	"github.com/aetherlab/aether/internal/storage/sqlite"
	"github.com/aetherlab/aether/internal/telemetry"
	"github.com/aetherlab/aether/internal/upstream"
	"github.com/aetherlab/aether/internal/usage"
	"github.com/aetherlab/aether/internal/worker"
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("starting aether", "version", version, "addr", cfg.Server.Addr)

	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := config.Bootstrap(ctx, cfg, store); err != nil {
		return err
	}

	// Redis is optional; without it the gateway runs single-instance with
	// direct usage writes and no advisory locks.
	var rdb redis.UniversalClient
	var locker *distlock.Locker
	if cfg.Redis.Enabled() {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		locker = distlock.New(rdb)
	}

	promReg := prometheus.NewRegistry()
	var metrics *telemetry.Metrics
	var metricsHandler http.Handler
	if cfg.Telemetry.Metrics.Enabled {
		metrics = telemetry.NewMetrics(promReg)
		metricsHandler = promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})
	} else {
		metrics = telemetry.NewMetrics(prometheus.NewRegistry())
	}

	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return err
		}
		defer shutdown(context.Background())
	}

	// Usage telemetry: queued through Redis Streams when available.
	var events usage.Writer
	var workers []worker.Worker
	if rdb != nil {
		events = usage.NewQueueWriter(rdb, cfg.Queue.Stream, cfg.Queue.MaxLen, nil)
		consumer := usage.NewConsumer(rdb, store, usage.ConsumerConfig{
			Stream:        cfg.Queue.Stream,
			Group:         cfg.Queue.Group,
			DLQ:           cfg.Queue.DLQ,
			Batch:         cfg.Queue.Batch,
			Block:         cfg.Queue.Block,
			ClaimInterval: 30 * time.Second,
			ClaimIdle:     cfg.Queue.ClaimIdle,
			MaxRetries:    cfg.Queue.MaxRetries,
			DLQMaxLen:     10_000,
		}, nil, metrics)
		workers = append(workers, worker.NewFunc("usage_consumer", consumer.Run))
	} else {
		direct := usage.NewDirectWriter(store, nil)
		events = direct
		workers = append(workers, worker.NewFunc("usage_writer", direct.Run))
	}

	healthMgr := health.NewManager(health.DefaultConfig(), store, nil)
	convReg := convert.NewRegistry()
	plan := planner.New(planner.NewStoreSource(store, store), healthMgr, convReg, cfg.Dispatch.MaxCandidates)
	clients := upstream.NewClientPool(ctx)

	authDeps := upstream.AuthDeps{
		Persist: func(ctx context.Context, credentialID string, oc *upstream.OAuthConfig) error {
			raw, err := json.Marshal(oc)
			if err != nil {
				return err
			}
			return store.UpdateCredentialSecret(ctx, credentialID, oc.RefreshToken, raw)
		},
	}
	if locker != nil {
		authDeps.Locker = locker
	}

	billingEngine, err := billing.NewEngine()
	if err != nil {
		return err
	}
	dims := dimension.NewService(store, nil)

	logLevel := usage.LogLevel(cfg.Dispatch.LogLevel)
	if cfg.Dispatch.LogLevel == "" {
		logLevel = usage.LogBasic
	}
	dispatcher := dispatch.New(dispatch.Config{
		MaxAttemptsPerCandidate: 1,
		MaxCandidates:           cfg.Dispatch.MaxCandidates,
		FirstChunkTimeout:       cfg.Dispatch.FirstChunkTimeout,
		MaxBodyBytes:            cfg.Dispatch.MaxBodyBytes,
		SmootherChars:           cfg.Dispatch.SmootherChars,
		SmootherDelay:           cfg.Dispatch.SmootherDelay,
		LogLevel:                logLevel,
		StrictBilling:           cfg.Billing.Strict,
		GeminiProject:           cfg.Dispatch.GeminiProject,
		UserAgent:               cfg.Dispatch.UserAgent,
	}, dispatch.Deps{
		Planner:  plan,
		Health:   healthMgr,
		Convert:  convReg,
		Clients:  clients,
		AuthDeps: authDeps,
		Events:   events,
		Billing:  billingEngine,
		Dims:     dims,
		Store:    store,
		Limits:   ratelimit.NewRegistry(),
		Metrics:  metrics,
	})

	tunnels := proxynode.NewManager(store, nil)
	nodes := proxynode.NewRegistry(store, tunnels, metrics, nil)

	apiKeyAuth, err := auth.NewAPIKeyAuth(store)
	if err != nil {
		return err
	}

	handler := server.New(server.Deps{
		Auth:           apiKeyAuth,
		Dispatch:       dispatcher,
		Store:          store,
		Nodes:          nodes,
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
		ReadyCheck:     store.Ping,
		AdminToken:     cfg.Server.AdminToken,
	})

	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	sched := schedule.New(loc, nil)
	if err := registerJobs(sched, cfg, store, healthMgr, nodes, locker, clients, authDeps, billingEngine, dims, metrics); err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()

	runner := worker.NewRunner(workers...)
	workerErr := make(chan error, 1)
	go func() { workerErr <- runner.Run(ctx) }()

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	slog.Info("aether ready", "addr", cfg.Server.Addr)

	workersDone := false
	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-serveErr:
		return err
	case err := <-workerErr:
		workersDone = true
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	stop()
	if !workersDone {
		if err := <-workerErr; err != nil {
			slog.Error("worker shutdown", "error", err)
		}
	}
	if err := events.Close(shutdownCtx); err != nil {
		slog.Error("usage writer close", "error", err)
	}

	slog.Info("aether stopped")
	return nil
}

// registerJobs wires the cron and interval maintenance jobs.
func registerJobs(
	sched *schedule.Scheduler,
	cfg *config.Config,
	store storage.Store,
	healthMgr *health.Manager,
	nodes *proxynode.Registry,
	locker *distlock.Locker,
	clients *upstream.ClientPool,
	authDeps upstream.AuthDeps,
	billingEngine *billing.Engine,
	dims *dimension.Service,
	metrics *telemetry.Metrics,
) error {
	rollup := worker.NewRollup(store, locker, nil)
	if err := sched.AddCron("stats-rollup", cfg.Schedule.AggregationCron, func(ctx context.Context) {
		if err := rollup.RunOnce(ctx); err != nil {
			slog.Error("stats rollup failed", "error", err)
		}
	}); err != nil {
		return err
	}
	// The resync tick backfills missed days after downtime; RunOnce is a
	// no-op when aggregation is current.
	sched.AddInterval("stats-backfill", cfg.Schedule.AggregationResync, func(ctx context.Context) {
		if err := rollup.RunOnce(ctx); err != nil {
			slog.Error("stats backfill failed", "error", err)
		}
	})

	retention := usage.NewRetention(store, usage.RetentionPolicy{
		CompressAfterDays:     cfg.Retention.CompressAfterDays,
		DropCompressedDays:    cfg.Retention.DropCompressedDays,
		ClearHeadersAfterDays: cfg.Retention.ClearHeadersAfterDays,
		DeleteAfterDays:       cfg.Retention.DeleteAfterDays,
	}, nil)
	if err := sched.AddCron("usage-retention", cfg.Schedule.RetentionCron, retention.Run); err != nil {
		return err
	}

	sched.AddInterval("pending-reaper", cfg.Schedule.ReaperInterval, func(ctx context.Context) {
		n, err := store.ReapStale(ctx, time.Now().UTC().Add(-10*time.Minute))
		if err != nil {
			slog.Error("pending reaper failed", "error", err)
			return
		}
		if n > 0 {
			slog.Info("reaped stale usage rows", "rows", n)
		}
	})

	sched.AddInterval("credential-health", time.Minute, func(ctx context.Context) {
		healthMgr.Persist(ctx)
		healthMgr.EvictStale(time.Now().Add(-24 * time.Hour))
	})

	sched.AddInterval("node-sweep", cfg.Schedule.NodeSweepInterval, func(ctx context.Context) {
		if err := nodes.Sweep(ctx); err != nil {
			slog.Error("node sweep failed", "error", err)
		}
	})

	if err := sched.AddCron("key-cleanup", cfg.Schedule.KeyCleanupCron, func(ctx context.Context) {
		n, err := store.DeleteExpiredKeys(ctx, time.Now().UTC())
		if err != nil {
			slog.Error("key cleanup failed", "error", err)
			return
		}
		if n > 0 {
			slog.Info("deleted expired keys", "keys", n)
		}
		if _, err := store.TrimNodeEvents(ctx, time.Now().UTC().Add(-7*24*time.Hour)); err != nil {
			slog.Error("node event trim failed", "error", err)
		}
	}); err != nil {
		return err
	}

	if err := sched.AddCron("provider-monthly-reset", "0 0 1 * *", func(ctx context.Context) {
		if err := store.ResetProviderMonthlyUsage(ctx); err != nil {
			slog.Error("monthly usage reset failed", "error", err)
		}
	}); err != nil {
		return err
	}

	if cfg.Poller.IsEnabled() {
		taskPoller := poller.New(poller.Config{
			Interval:    cfg.Poller.Interval,
			Batch:       cfg.Poller.Batch,
			Concurrency: cfg.Poller.Concurrency,
			LockTTL:     cfg.Poller.LockTTL,
			Strict:      cfg.Billing.Strict,
		}, poller.Deps{
			Store:    store,
			Clients:  clients,
			AuthDeps: authDeps,
			Billing:  billingEngine,
			Dims:     dims,
			Metrics:  metrics,
			Locker:   locker,
		})
		sched.AddInterval("task-poller", cfg.Poller.Interval, func(ctx context.Context) {
			if err := taskPoller.Tick(ctx); err != nil {
				slog.Error("task poll failed", "error", err)
			}
		})
	}

	return nil
}
