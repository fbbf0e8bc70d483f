package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/devicecloud/quotad/internal/api"
	"github.com/devicecloud/quotad/internal/audit"
	"github.com/devicecloud/quotad/internal/cache"
	"github.com/devicecloud/quotad/internal/config"
	"github.com/devicecloud/quotad/internal/database"
	"github.com/devicecloud/quotad/internal/jobs"
	"github.com/devicecloud/quotad/internal/lock"
	mw "github.com/devicecloud/quotad/internal/middleware"
	inats "github.com/devicecloud/quotad/internal/nats"
	"github.com/devicecloud/quotad/internal/quota"
	iredis "github.com/devicecloud/quotad/internal/redis"
	"github.com/devicecloud/quotad/internal/server"
)

func main() {
	if err := run(); err != nil {
		slog.Error("quotad exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	setupLogger(cfg.Log)

	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	checks := map[string]api.HealthCheck{}
	var routes []func(chi.Router)

	// Store
	var store quota.Store
	var auditRepo *audit.Repository
	switch cfg.Store.Driver {
	case config.StoreDriverMemory:
		store = quota.NewMemoryStore()
	default:
		pool, err := database.NewPostgresPool(ctx, cfg.DB, cfg.Ledger.TxTimeout)
		if err != nil {
			return err
		}
		defer pool.Close()

		if err := database.RunMigrations(cfg.DB.DSN(), cfg.DB.MigrationsPath); err != nil {
			return err
		}

		store = quota.NewPostgresStore(pool, cfg.Ledger.TxTimeout)
		auditRepo = audit.NewRepository(pool)
		checks["database"] = func(ctx context.Context) error {
			return database.HealthCheck(ctx, pool)
		}
	}

	// Redis
	rdb, err := iredis.NewClient(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer rdb.Close()
	checks["redis"] = func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	}

	tiered := cache.NewTiered(
		cache.NewLocalBackend(cfg.Cache.L1Size, cfg.Cache.L1TTL),
		cache.NewRedisBackend(rdb),
	)

	g, gctx := errgroup.WithContext(ctx)

	// NATS
	var events quota.Publisher
	if cfg.NATS.URL != "" {
		nc, err := inats.NewClient(ctx, cfg.NATS)
		if err != nil {
			return err
		}
		defer nc.Close()

		events = inats.NewPublisher(nc.JetStream())
		checks["nats"] = nc.Ping

		bc := inats.NewBroadcaster(nc.Conn())
		tiered.SetBroadcaster(bc)
		sub, err := bc.Subscribe(tiered.ApplyRemote)
		if err != nil {
			return err
		}
		defer func() { _ = sub.Unsubscribe() }()

		if auditRepo != nil {
			consumer := audit.NewConsumer(auditRepo, inats.NewConsumerManager(nc.JetStream()), cfg.NATS.AckWait)
			g.Go(func() error { return consumer.Start(gctx) })
		}
	}
	if auditRepo != nil {
		routes = append(routes, audit.NewHandler(auditRepo).Routes)
	}

	// Ledger
	svc := quota.NewService(store, quota.NewCache(tiered, cfg.Cache.TTL, cfg.Cache.ListTTL), events)
	routes = append(routes, quota.NewHandler(svc).Routes)

	// Jobs
	runner := jobs.NewRunner(svc, lock.NewLocker(rdb), jobs.NewMarker(rdb),
		jobs.WithLockTTL(cfg.Jobs.LockTTL),
		jobs.WithAlertThreshold(cfg.Jobs.AlertThreshold),
	)
	sched := jobs.NewScheduler(slog.Default())
	for _, j := range []struct {
		name string
		spec string
		fn   func(context.Context) error
	}{
		{jobs.JobMonthlyReset, cfg.Jobs.MonthlyCron, runner.RunMonthlyReset},
		{jobs.JobDailyReset, cfg.Jobs.DailyCron, runner.RunDailyReset},
		{jobs.JobExpirySweep, cfg.Jobs.ExpiryCron, runner.RunExpirySweep},
		{jobs.JobAlertScan, cfg.Jobs.AlertCron, runner.RunAlertScan},
	} {
		if err := sched.Add(j.name, j.spec, j.fn); err != nil {
			return err
		}
	}
	g.Go(func() error {
		sched.Run(gctx)
		return nil
	})

	// HTTP
	limiter := mw.NewRateLimiter(rdb, cfg.RateLimit.Requests, cfg.RateLimit.Window)
	router := api.NewRouter(api.RouterConfig{
		CORSAllowedOrigins: cfg.CORS.AllowedOrigins,
		RateLimiter:        limiter.Middleware,
		Checks:             checks,
		Routes: func(r chi.Router) {
			for _, mount := range routes {
				mount(r)
			}
		},
	})

	srv := server.New(cfg.Server, router, server.WithWriteTimeout(cfg.Ledger.TxTimeout+10*time.Second))
	g.Go(func() error { return srv.Run(gctx) })

	slog.Info("quotad started", "store", cfg.Store.Driver, "addr", cfg.Server.Addr())
	return g.Wait()
}

func setupLogger(cfg config.LogConfig) {
	var handler slog.Handler

	opts := &slog.HandlerOptions{}
	switch cfg.Level {
	case "debug":
		opts.Level = slog.LevelDebug
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	default:
		opts.Level = slog.LevelInfo
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler))
}
