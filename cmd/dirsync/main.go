// Package main is the entry point for the directory sync binary.
// It dispatches its subcommands (serve, sync, status, migrate, version) via a simple
// switch on os.Args so the whole CLI surface is readable in one place. The serve command
// runs migrations on startup so a fresh deployment needs no separate migration step.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/irregularchat/chat-based-community-dashboard-sub000/internal/api"
	"github.com/irregularchat/chat-based-community-dashboard-sub000/internal/audit"
	"github.com/irregularchat/chat-based-community-dashboard-sub000/internal/config"
	"github.com/irregularchat/chat-based-community-dashboard-sub000/internal/db"
	"github.com/irregularchat/chat-based-community-dashboard-sub000/internal/db/repositories"
	"github.com/irregularchat/chat-based-community-dashboard-sub000/internal/directory"
	"github.com/irregularchat/chat-based-community-dashboard-sub000/internal/dirsync"
	"github.com/irregularchat/chat-based-community-dashboard-sub000/internal/jobs"
	"github.com/irregularchat/chat-based-community-dashboard-sub000/internal/lock"
	"github.com/irregularchat/chat-based-community-dashboard-sub000/internal/safego"
	"github.com/irregularchat/chat-based-community-dashboard-sub000/internal/telemetry"
)

const version = "0.1.0"

func main() {
	if err := run(); err != nil {
		slog.Error("dirsync failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	command := "serve"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}
	if command == "version" {
		fmt.Printf("dirsync v%s\n", version)
		return nil
	}

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level, cfg.Logging.Output)

	switch command {
	case "serve":
		return serve(cfg, logger)
	case "sync":
		return syncOnce(cfg, logger, os.Args[2:])
	case "status":
		return status(cfg, logger)
	case "migrate":
		if len(os.Args) < 3 {
			return fmt.Errorf("usage: %s migrate <up|down>", os.Args[0])
		}
		return runMigrations(cfg, logger, os.Args[2])
	default:
		return fmt.Errorf("unknown command: %s\nAvailable commands: serve, sync, status, migrate, version", command)
	}
}

// app holds the wired sync components shared by every subcommand
type app struct {
	db      *sqlx.DB
	redis   *redis.Client
	events  *repositories.SyncEventRepository
	orch    *dirsync.Orchestrator
	shipper *audit.MultiShipper
}

func (a *app) Close() {
	if a.shipper != nil {
		if err := a.shipper.Close(); err != nil {
			slog.Warn("failed to close audit shippers", "error", err)
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	_ = a.db.Close()
}

func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	a := &app{db: database}

	if cfg.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	fail := func(err error) (*app, error) {
		a.Close()
		return nil, err
	}

	guard, err := lock.New(cfg.Sync.Lock, database.DB, a.redis)
	if err != nil {
		return fail(fmt.Errorf("failed to create sync lock: %w", err))
	}

	dir, err := directory.New(ctx, cfg.Directory, a.redis)
	if err != nil {
		return fail(fmt.Errorf("failed to create directory client: %w", err))
	}
	fetcher := directory.NewFetcher(dir, cfg.Directory.MaxRetries, cfg.Directory.RetryDelay, cfg.Directory.RequestTimeout, logger)

	shipper, err := audit.NewMultiShipper(cfg.Audit.Shippers, logger)
	if err != nil {
		return fail(fmt.Errorf("failed to create audit shippers: %w", err))
	}
	a.shipper = shipper
	// A typed nil would make the orchestrator call into an empty shipper on every run.
	var eventShipper dirsync.EventShipper
	if shipper.Len() > 0 {
		eventShipper = shipper
	}

	users := repositories.NewDirectoryUserRepository(database)
	a.events = repositories.NewSyncEventRepository(database)
	a.orch = dirsync.NewOrchestrator(fetcher, users, a.events, guard, eventShipper, cfg.Sync, logger)

	logger.Info("directory sync configured",
		"provider", cfg.Directory.Provider,
		"lock_backend", cfg.Sync.Lock.Backend,
		"audit_shippers", shipper.Len())
	return a, nil
}

func serve(cfg *config.Config, logger *slog.Logger) error {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	telemetry.StartDBStatsCollector(a.db.DB)

	logger.Info("running database migrations")
	if err := db.RunMigrations(a.db.DB, "up"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	if v, dirty, err := db.GetMigrationVersion(a.db.DB); err != nil {
		logger.Warn("failed to get migration version", "error", err)
	} else {
		logger.Info("database schema version", "version", v, "dirty", dirty)
	}

	// Metrics live on a dedicated port so the scrape path stays off the public listener.
	if cfg.Telemetry.Metrics.Enabled {
		metricsAddr := fmt.Sprintf(":%d", cfg.Telemetry.Metrics.PrometheusPort)
		safego.Go("metrics-server", func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			logger.Info("starting Prometheus metrics server", "addr", metricsAddr)
			srv := &http.Server{
				Addr:         metricsAddr,
				Handler:      mux,
				ReadTimeout:  10 * time.Second,
				WriteTimeout: 10 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server error", "error", err)
			}
		})
	}

	job := jobs.NewDirectorySyncJob(a.orch, logger)
	job.Start(ctx, cfg.Sync.Interval)
	defer job.Stop()

	if !cfg.API.Enabled {
		logger.Info("HTTP API disabled; running scheduler only")
		<-ctx.Done()
		logger.Info("shutting down")
		return nil
	}

	checks := map[string]api.CheckFunc{}
	if a.redis != nil {
		checks["redis"] = func(ctx context.Context) error { return a.redis.Ping(ctx).Err() }
	}
	router, bgServices := api.NewRouter(api.Dependencies{
		Config: cfg,
		DB:     a.db,
		Sync:   a.orch,
		Events: a.events,
		Checks: checks,
		Logger: logger,
	})

	server := &http.Server{
		Addr:         cfg.Server.GetAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting server", "addr", cfg.Server.GetAddress())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	bgServices.Shutdown()

	logger.Info("server stopped gracefully")
	return nil
}

// syncOnce runs a single sync and fails when the run fails
func syncOnce(cfg *config.Config, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("sync", flag.ContinueOnError)
	force := fs.Bool("force", false, "run even when no sync is due")
	full := fs.Bool("full", false, "run a full sync with the deletion pass")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	outcome, err := a.orch.Run(ctx, dirsync.RunOptions{Force: *force, Full: *full})
	if err != nil {
		return fmt.Errorf("sync failed: %w", err)
	}
	if outcome.Status == dirsync.StatusSkipped {
		fmt.Printf("sync skipped: %s\n", outcome.Reason)
		return nil
	}
	fmt.Printf("sync %s (%s): fetched=%d new=%d updated=%d unchanged=%d deleted=%d delete_failures=%d rejected=%d\n",
		outcome.Status, outcome.Mode, outcome.Fetched, outcome.New, outcome.Updated,
		outcome.Unchanged, outcome.Deleted, outcome.DeleteFailures, outcome.Rejected)
	return nil
}

func status(cfg *config.Config, logger *slog.Logger) error {
	ctx := context.Background()
	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	st, err := a.orch.Status(ctx)
	if err != nil {
		return fmt.Errorf("failed to read sync status: %w", err)
	}
	fmt.Printf("sync due:      %v\n", st.SyncDue)
	fmt.Printf("full sync due: %v\n", st.FullSyncDue)
	fmt.Printf("in flight:     %v\n", st.InFlight)
	if st.LastSync != nil {
		fmt.Printf("last sync:     %s (%s) %s\n", st.LastSync.WatermarkAt.Format(time.RFC3339), st.LastSync.Mode, st.LastSync.Details)
	} else {
		fmt.Println("last sync:     never")
	}
	if st.LastFullSync != nil {
		fmt.Printf("last full:     %s\n", st.LastFullSync.WatermarkAt.Format(time.RFC3339))
	}
	return nil
}

func runMigrations(cfg *config.Config, logger *slog.Logger, direction string) error {
	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	logger.Info("running migrations", "direction", direction)
	if err := db.RunMigrations(database.DB, direction); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	v, dirty, err := db.GetMigrationVersion(database.DB)
	if err != nil {
		return fmt.Errorf("failed to get migration version: %w", err)
	}
	logger.Info("migration completed", "version", v, "dirty", dirty)
	return nil
}
