// Copyright 2025 James Ross
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/jamesross/mediaforge/internal/api"
	"github.com/jamesross/mediaforge/internal/config"
	"github.com/jamesross/mediaforge/internal/eventhooks"
	"github.com/jamesross/mediaforge/internal/hwaccel"
	"github.com/jamesross/mediaforge/internal/job"
	"github.com/jamesross/mediaforge/internal/obs"
	"github.com/jamesross/mediaforge/internal/reaper"
	"github.com/jamesross/mediaforge/internal/redisclient"
	"github.com/jamesross/mediaforge/internal/scheduler"
	"github.com/jamesross/mediaforge/internal/storage"
	"github.com/jamesross/mediaforge/internal/store"
	"github.com/jamesross/mediaforge/internal/worker"
)

var version = "dev"

func main() {
	var role string
	var configPath string
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&role, "role", "all", "Role to run: api|worker|all")
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	tp, err := obs.MaybeInitTracing(cfg)
	if err != nil {
		logger.Warn("tracing init failed", obs.Err(err))
	}
	if tp != nil {
		defer func() { _ = tp.Shutdown(context.Background()) }()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rdb := redisclient.New(cfg)
	defer rdb.Close()

	st, err := store.Open(ctx, store.Config{
		DSN:            cfg.Postgres.DSN,
		MaxConnections: cfg.Postgres.MaxConnections,
		MigrationsPath: cfg.Postgres.MigrationsPath,
	})
	if err != nil {
		logger.Fatal("job store open failed", obs.Err(err))
	}
	defer st.Close()
	if cfg.Postgres.MigrationsPath != "" {
		if err := st.Migrate(cfg.Postgres.MigrationsPath); err != nil {
			logger.Fatal("job store migrate failed", obs.Err(err))
		}
	}

	registry, err := storage.BuildRegistry(ctx, cfg.Storage)
	if err != nil {
		logger.Fatal("storage registry build failed", obs.Err(err))
	}

	tenantCounter := scheduler.NewRedisTenantCounter(rdb, cfg.Scheduler.TenantCounterKey)
	reconcileTenants(ctx, cfg, st, tenantCounter, logger)

	sched := scheduler.New(rdb, tenantCounter, cfg.TenantCap, scheduler.Options{
		KeyPattern:     cfg.Scheduler.QueueKeyPattern,
		Queues:         asQueues(cfg.Scheduler.Queues),
		Priorities:     asPriorities(cfg.Scheduler.Priorities),
		DequeueTimeout: cfg.Scheduler.DequeueTimeout,
	})
	runningCanceller := scheduler.NewRunningCanceller()

	hub := eventhooks.NewHub()
	webhooks := eventhooks.NewWebhookDeliverer(cfg.Webhook, logger)
	sink := eventhooks.NewSink(hub, webhooks, logger)
	sse := eventhooks.NewSSEHandler(hub, st, cfg.SSE.PollInterval, logger)

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(5 * time.Second):
		}
	}()

	readyCheck := func(c context.Context) error {
		_, err := rdb.Ping(c).Result()
		return err
	}
	healthSrv := obs.StartHTTPServer(cfg, readyCheck)
	defer func() { _ = healthSrv.Shutdown(context.Background()) }()
	obs.StartQueueLengthUpdater(ctx, cfg, rdb, logger)

	runAPI := role == "api" || role == "all"
	runWorker := role == "worker" || role == "all"

	var apiSrv *http.Server
	if runAPI {
		apiServer := api.NewServer(cfg, st, sched, runningCanceller, sse, logger)
		apiSrv = &http.Server{Addr: cfg.API.Addr, Handler: apiServer.Router()}
		go func() {
			logger.Info("api server listening", obs.String("addr", cfg.API.Addr))
			if err := apiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("api server error", obs.Err(err))
				cancel()
			}
		}()
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			_ = apiSrv.Shutdown(shutdownCtx)
		}()
	}

	if !runWorker {
		<-ctx.Done()
		return
	}

	caps, err := hwaccel.Discover(ctx, cfg.Worker.ToolPath)
	if err != nil {
		logger.Warn("hardware capability discovery failed, proceeding with software-only encoding", obs.Err(err))
	}

	rep := reaper.New(cfg, rdb, st, logger)
	go rep.Run(ctx)

	decrTenant := func(ctx context.Context, tenantKey string) error {
		return tenantCounter.Decrement(ctx, tenantKey)
	}
	wrk := worker.New(cfg, rdb, logger, st, registry, sched, runningCanceller, sink, caps, decrTenant)
	if err := wrk.Run(ctx); err != nil {
		logger.Fatal("worker error", obs.Err(err))
	}
}

// reconcileTenants resets each configured tenant's Redis concurrency
// counter to its actual non-terminal job count in the Job Store, since the
// counter itself is not durable across restarts (spec.md §4.6).
func reconcileTenants(ctx context.Context, cfg *config.Config, st *store.Store, counter scheduler.TenantCounter, log *zap.Logger) {
	for tenantKey := range cfg.Scheduler.TenantCaps {
		n, err := st.CountNonTerminal(ctx, tenantKey)
		if err != nil {
			log.Warn("tenant counter reconcile failed", obs.String("tenant_key", tenantKey), obs.Err(err))
			continue
		}
		if err := counter.Reconcile(ctx, tenantKey, n); err != nil {
			log.Warn("tenant counter reconcile failed", obs.String("tenant_key", tenantKey), obs.Err(err))
		}
	}
}

func asQueues(ss []string) []job.Queue {
	out := make([]job.Queue, 0, len(ss))
	for _, s := range ss {
		out = append(out, job.Queue(s))
	}
	return out
}

func asPriorities(ss []string) []job.Priority {
	out := make([]job.Priority, 0, len(ss))
	for _, s := range ss {
		out = append(out, job.Priority(s))
	}
	return out
}
