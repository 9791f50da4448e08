package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/somatechlat/voyant/internal/clock"
	"github.com/somatechlat/voyant/internal/config"
	"github.com/somatechlat/voyant/internal/httpserver"
	"github.com/somatechlat/voyant/internal/platform"
	"github.com/somatechlat/voyant/internal/telemetry"
	"github.com/somatechlat/voyant/pkg/analytics"
	"github.com/somatechlat/voyant/pkg/artifact"
	"github.com/somatechlat/voyant/pkg/breaker"
	"github.com/somatechlat/voyant/pkg/core"
	"github.com/somatechlat/voyant/pkg/events"
	"github.com/somatechlat/voyant/pkg/lineage"
	"github.com/somatechlat/voyant/pkg/plugin"
	"github.com/somatechlat/voyant/pkg/queue"
	"github.com/somatechlat/voyant/pkg/quota"
	"github.com/somatechlat/voyant/pkg/scheduler"
	"github.com/somatechlat/voyant/pkg/worker"
	"github.com/somatechlat/voyant/pkg/workflow"
)

// Run is the main application entry point. It reads config, connects to
// infrastructure, and starts the appropriate mode (api or worker).
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting voyant",
		"mode", cfg.Mode,
		"listen", cfg.ListenAddr(),
	)

	// Database
	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	// Redis
	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	metricsReg := telemetry.NewMetricsRegistry(cfg.MetricsMode)

	coreCtx, lineageWriter, sched, err := buildCore(cfg, logger, db, rdb)
	if err != nil {
		return err
	}
	lineageWriter.Start(ctx)
	defer lineageWriter.Close()

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, db, rdb, metricsReg, coreCtx)
	case "worker":
		return runWorker(ctx, cfg, logger, rdb, coreCtx, sched)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

// buildCore assembles the CoreContext shared by both modes.
func buildCore(cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client) (*core.Context, *lineage.Writer, *scheduler.Scheduler, error) {
	clk := clock.System{}

	schemas := events.NewSchemaRegistry()
	events.RegisterCanonicalSchemas(schemas)

	bus := events.NewBus(schemas, events.NewRedisPublisher(rdb), clk, logger, events.BusMetrics{
		Emitted: telemetry.EventsEmittedTotal,
		Dropped: telemetry.EventsDroppedTotal,
	})

	breakers := breaker.NewRegistry(breaker.DefaultConfig(), clk, logger, breaker.Metrics{
		State:       telemetry.BreakerState,
		Transitions: telemetry.BreakerTransitionsTotal,
	})

	plugins := plugin.NewRegistry()
	pipeline := plugin.NewPipeline(plugins, logger, telemetry.GeneratorDuration)

	quotas := quota.NewManager(clk)
	q := queue.NewPostgres(db, clk, cfg.LeaseTTL())
	artifacts := artifact.NewPostgres(db, clk)

	// Shared analytical-store gate ("DuckDB waiters" discipline).
	analyticsGate := analytics.NewGate(telemetry.AnalyticsWaiters)

	lineageWriter := lineage.NewWriter(db, bus, logger)

	executor := workflow.NewExecutor(clk, logger, cfg.HeartbeatTimeout(), cfg.CancelGrace(), workflow.ExecutorMetrics{
		Duration: telemetry.ActivityDuration,
		Retries:  telemetry.ActivityRetriesTotal,
	})
	runtime := workflow.NewRuntime(clk, logger, q, bus, executor)
	runtime.CompletedMetric = telemetry.JobsCompletedTotal
	if err := workflow.RegisterActivities(executor, workflow.ActivityDeps{
		Clock:     clk,
		Breakers:  breakers,
		Pipeline:  pipeline,
		Bus:       bus,
		Artifacts: artifacts,
		Analytics: analyticsGate,
		Lineage:   lineageWriter,
		Settings: plugin.Settings{Flags: map[string]bool{
			"enable_quality":   cfg.EnableQuality,
			"enable_charts":    cfg.EnableCharts,
			"enable_narrative": cfg.EnableNarrative,
		}},
	}); err != nil {
		return nil, nil, nil, fmt.Errorf("registering activities: %w", err)
	}
	if err := workflow.RegisterCoreWorkflows(runtime); err != nil {
		return nil, nil, nil, fmt.Errorf("registering workflows: %w", err)
	}

	// Startup registration is done; the registry is read-only from here.
	plugins.Seal()

	sched := scheduler.New(clk, logger, q, artifacts, quotas, nil,
		cfg.PruneInterval(), time.Duration(cfg.ArtifactRetentionDays)*24*time.Hour,
		scheduler.Metrics{
			Requeued: telemetry.JobsRequeuedTotal,
			Pruned:   telemetry.ArtifactsPrunedTotal,
			Depth:    telemetry.QueueDepth,
		})

	coreCtx := &core.Context{
		Clock:    clk,
		Logger:   logger,
		Queue:    q,
		Quotas:   quotas,
		Schemas:  schemas,
		Bus:      bus,
		Breakers: breakers,
		Plugins:  plugins,
		Runtime:  runtime,
		Store:    artifacts,
		CancelBroadcast: func(ctx context.Context, jobID string) {
			worker.PublishCancel(ctx, rdb, jobID)
		},
		RunMaintenance:        sched.Tick,
		SubmittedMetric:       telemetry.JobsSubmittedTotal,
		QuotaRejectionsMetric: telemetry.QuotaRejectionsTotal,
	}
	return coreCtx, lineageWriter, sched, nil
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry, coreCtx *core.Context) error {
	srv := httpserver.NewServer(httpserver.ServerConfig{
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		TenantHeader:       cfg.TenantHeader,
		MetricsPath:        cfg.MetricsPath,
	}, logger, db, rdb, metricsReg)

	coreHandler := core.NewHandler(coreCtx)
	srv.APIRouter.Mount("/", coreHandler.Routes())

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func runWorker(ctx context.Context, cfg *config.Config, logger *slog.Logger, rdb *redis.Client, coreCtx *core.Context, sched *scheduler.Scheduler) error {
	logger.Info("worker started")

	pool := worker.NewPool(coreCtx.Queue, coreCtx.Quotas, coreCtx.Runtime, logger,
		cfg.WorkerCount, cfg.MaxConcurrentJobs, cfg.LeaseTTL())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pool.Run(ctx) })
	g.Go(func() error { return sched.Run(ctx) })
	g.Go(func() error {
		worker.RunCancelListener(ctx, rdb, coreCtx.Runtime, logger)
		return nil
	})
	return g.Wait()
}
