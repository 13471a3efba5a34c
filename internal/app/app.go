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

	"github.com/opsfleet/fleetctl/internal/config"
	"github.com/opsfleet/fleetctl/internal/httpserver"
	"github.com/opsfleet/fleetctl/internal/platform"
	"github.com/opsfleet/fleetctl/internal/telemetry"
	"github.com/opsfleet/fleetctl/internal/version"
	"github.com/opsfleet/fleetctl/pkg/cloudadapter"
	"github.com/opsfleet/fleetctl/pkg/dispatcher"
	"github.com/opsfleet/fleetctl/pkg/oplog"
	"github.com/opsfleet/fleetctl/pkg/orchestrator"
	"github.com/opsfleet/fleetctl/pkg/registry"
	"github.com/opsfleet/fleetctl/pkg/resourceshare"
	"github.com/opsfleet/fleetctl/pkg/scheduler"
	"github.com/opsfleet/fleetctl/pkg/status"
	"github.com/opsfleet/fleetctl/pkg/statusapi"
)

// Run is the main application entry point. It reads config, connects to
// infrastructure, wires the domain components, and starts the runtime mode
// selected by cfg.Mode (api, worker, or scheduler).
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting fleetctl", "mode", cfg.Mode, "listen", cfg.ListenAddr())

	if cfg.InsecureHTTPProbes {
		logger.Warn("insecure HTTP probes enabled: outbound TLS verification is disabled")
	}

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

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

	metricsReg := telemetry.NewMetricsRegistry()

	store := registry.NewStore(db)
	oplogStore := oplog.NewStore(db)
	oplogWriter := oplog.NewWriter(db, logger)

	adapter, err := cloudadapter.New(ctx, cloudadapter.Config{
		AWSRegion:          cfg.AWSRegion,
		ClusterName:        cfg.ClusterName,
		Kubeconfig:         cfg.Kubeconfig,
		RedisClient:        rdb,
		VMCacheTTL:         cfg.VMCacheTTL,
		InsecureHTTPProbes: cfg.InsecureHTTPProbes,
	})
	if err != nil {
		return fmt.Errorf("building cloud adapter: %w", err)
	}

	resolver := resourceshare.NewResolver(store, adapter.Prober)
	aggregator := status.NewAggregator(adapter, resolver)
	start := orchestrator.NewStart(adapter, store)
	stop := orchestrator.NewStop(adapter, store, resolver)

	acceptance := status.AcceptanceSet{}
	for _, code := range cfg.HTTPAcceptanceCodes {
		acceptance[code] = true
	}
	if len(acceptance) == 0 {
		acceptance = status.DefaultAcceptanceSet()
	}

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, db, rdb, metricsReg, store, aggregator, adapter, start, stop, oplogWriter, acceptance)
	case "worker":
		return runWorker(ctx, logger, start, stop, store, oplogWriter, oplogStore, cfg)
	case "scheduler":
		return runScheduler(ctx, logger, store, adapter, start, stop, oplogWriter, cfg)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

func runAPI(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
	db *pgxpool.Pool,
	rdb *redis.Client,
	metricsReg *prometheus.Registry,
	store *registry.Store,
	aggregator *status.Aggregator,
	adapter *cloudadapter.Adapter,
	start *orchestrator.Start,
	stop *orchestrator.Stop,
	oplogWriter *oplog.Writer,
	acceptance status.AcceptanceSet,
) error {
	oplogWriter.Start(ctx)
	defer oplogWriter.Close()

	disp := dispatcher.New(store, start, stop, oplogWriter, logger, 0)
	disp.Start(ctx)
	defer disp.Close()

	srv := httpserver.NewServer(cfg, logger, db, rdb, metricsReg)

	handler := statusapi.New(store, aggregator, adapter, disp, acceptance, logger, cfg.AggregatorConcurrency)
	handler.MountReadRoutes(srv.Router)
	handler.MountWriteRoutes(srv.APIRouter)

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

// runWorker periodically reaps expired operation log entries. It also
// starts its own in-process dispatcher, but tasks enqueued by the api and
// scheduler modes run in those processes' dispatchers and never reach
// this one (see DESIGN.md, "Dispatcher process topology").
func runWorker(
	ctx context.Context,
	logger *slog.Logger,
	start *orchestrator.Start,
	stop *orchestrator.Stop,
	store *registry.Store,
	oplogWriter *oplog.Writer,
	oplogStore *oplog.Store,
	cfg *config.Config,
) error {
	logger.Info("worker started")

	oplogWriter.Start(ctx)
	defer oplogWriter.Close()

	disp := dispatcher.New(store, start, stop, oplogWriter, logger, 0)
	disp.Start(ctx)
	defer disp.Close()

	go oplogStore.RunReapLoop(ctx, logger, cfg.OperationLogTTL, 6*time.Hour)

	<-ctx.Done()
	logger.Info("worker shutting down")
	return nil
}

// runScheduler ticks the global schedule and fires start/stop actions
// through its own dispatcher instance.
func runScheduler(
	ctx context.Context,
	logger *slog.Logger,
	store *registry.Store,
	adapter *cloudadapter.Adapter,
	start *orchestrator.Start,
	stop *orchestrator.Stop,
	oplogWriter *oplog.Writer,
	cfg *config.Config,
) error {
	logger.Info("scheduler started")

	oplogWriter.Start(ctx)
	defer oplogWriter.Close()

	disp := dispatcher.New(store, start, stop, oplogWriter, logger, 0)
	disp.Start(ctx)
	defer disp.Close()

	sched := scheduler.New(store, adapter.Prober, disp, logger)
	scheduler.RunLoop(ctx, sched, logger, cfg.SchedulerTickInterval)

	logger.Info("scheduler shutting down", "version", version.Version)
	return nil
}
