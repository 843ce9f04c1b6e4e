// Package main is the entry point for the rollup orchestrator daemon.
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

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/ipiton/tsrollup/internal/config"
	"github.com/ipiton/tsrollup/internal/database/postgres"
	"github.com/ipiton/tsrollup/internal/infrastructure/lock"
	infmigrations "github.com/ipiton/tsrollup/internal/infrastructure/migrations"
	"github.com/ipiton/tsrollup/internal/metrics"
	"github.com/ipiton/tsrollup/internal/rollup/bootstrap"
	"github.com/ipiton/tsrollup/internal/rollup/orchestrate"
	"github.com/ipiton/tsrollup/internal/rollup/partition"
	"github.com/ipiton/tsrollup/internal/rollup/store"
	"github.com/ipiton/tsrollup/pkg/logger"
)

const (
	serviceName    = "tsrollup-orchestrator"
	serviceVersion = "0.1.0"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to a YAML config file (optional, env vars take precedence)")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s %s\n", serviceName, serviceVersion)
		return
	}

	bootLogger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLogger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	appLogger := logger.NewLogger(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		Filename:   cfg.Log.Filename,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	})
	slog.SetDefault(appLogger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pgPool := postgres.NewPostgresPool(&postgres.PostgresConfig{
		Host:              cfg.Database.Host,
		Port:              cfg.Database.Port,
		Database:          cfg.Database.Database,
		User:              cfg.Database.Username,
		Password:          cfg.Database.Password,
		SSLMode:           cfg.Database.SSLMode,
		MaxConns:          int32(cfg.Database.MaxConnections),
		MinConns:          int32(cfg.Database.MinConnections),
		MaxConnLifetime:   cfg.Database.MaxConnLifetime,
		MaxConnIdleTime:   cfg.Database.MaxConnIdleTime,
		HealthCheckPeriod: 30 * time.Second,
		ConnectTimeout:    cfg.Database.ConnectTimeout,
	}, appLogger)
	if err := pgPool.Connect(ctx); err != nil {
		appLogger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()

	// sqlx needs a database/sql.DB; stdlib.OpenDBFromPool wraps the
	// pgxpool.Pool pgPool already manages (connect lifecycle, health checks,
	// and Prometheus metrics) so the Store does not open a second pool. The
	// migration manager below opens its own database/sql connection from
	// cfg.DatabaseURL().
	db := sqlx.NewDb(stdlib.OpenDBFromPool(pgPool.Pool()), "pgx")
	defer db.Close()

	migrationConfig := &infmigrations.MigrationConfig{
		Driver:  "pgx",
		DSN:     cfg.DatabaseURL(),
		Dialect: "postgres",
		Dir:     "migrations",
		Table:   "goose_db_version",
		Timeout: 5 * time.Minute,
		Logger:  appLogger,
	}
	migrator, err := infmigrations.NewMigrationManager(migrationConfig)
	if err != nil {
		appLogger.Error("failed to create migration manager", "error", err)
		os.Exit(1)
	}
	if err := migrator.Up(ctx); err != nil {
		appLogger.Error("failed to apply migrations", "error", err)
		os.Exit(1)
	}

	st := store.NewPostgresStoreFromDB(db, appLogger)
	reg := metrics.NewMetricsRegistry("tsrollup")

	poolExporter := postgres.NewPrometheusExporter(pgPool, reg.Infra().DB)
	poolExporter.Start(ctx, 10*time.Second)
	defer poolExporter.Stop()

	redisClient := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
		MaxRetries:   cfg.Redis.MaxRetries,
	})
	defer redisClient.Close()

	partitions := partition.NewSQLManager(st)
	creator := bootstrap.NewCreator(st, partitions, appLogger)

	orch := orchestrate.New(st, st, orchestrate.Options{
		WorkerID:   fmt.Sprintf("%s-%d", serviceName, os.Getpid()),
		MaxWorkers: cfg.Rollup.MaxWorkers,
	}, appLogger)

	scheduler := cron.New(cron.WithSeconds())

	// runExclusive guards a cron-triggered job with a Redis lock so that
	// only one orchestrator replica actually executes a given tick; every
	// replica registers the same schedule, but losers of the race simply
	// skip the tick (spec §9's duplicate-cron-registration question).
	runExclusive := func(jobName string, ttl time.Duration, fn func(context.Context) error) {
		lockCtx, cancel := context.WithTimeout(ctx, cfg.Lock.AcquireTimeout)
		defer cancel()

		lockConfig := &lock.LockConfig{
			TTL:            ttl,
			MaxRetries:     0,
			RetryInterval:  cfg.Lock.RetryInterval,
			AcquireTimeout: cfg.Lock.AcquireTimeout,
			ReleaseTimeout: cfg.Lock.ReleaseTimeout,
			ValuePrefix:    cfg.Lock.ValuePrefix,
		}
		jobLock := lock.NewDistributedLock(redisClient, "tsrollup:cron:"+jobName, lockConfig, appLogger)

		acquired, err := jobLock.Acquire(lockCtx)
		if err != nil {
			appLogger.Error("cron lock acquisition failed", "job", jobName, "error", err)
			return
		}
		if !acquired {
			appLogger.Debug("skipping cron tick, lock held elsewhere", "job", jobName)
			return
		}
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), cfg.Lock.ReleaseTimeout)
			defer cancel()
			if err := jobLock.Release(releaseCtx); err != nil {
				appLogger.Warn("cron lock release failed", "job", jobName, "error", err)
			}
		}()

		runCtx, cancel := context.WithTimeout(ctx, ttl)
		defer cancel()
		if err := fn(runCtx); err != nil {
			appLogger.Error("cron job failed", "job", jobName, "error", err)
		}
	}

	if _, err := scheduler.AddFunc(fmt.Sprintf("@every %s", cfg.Rollup.PerformInterval), func() {
		runExclusive("perform_rollup", cfg.Rollup.PerformInterval, func(ctx context.Context) error {
			return orch.PerformRollup(ctx, nil)
		})
	}); err != nil {
		appLogger.Error("failed to register perform_rollup cron job", "error", err)
		os.Exit(1)
	}

	if _, err := scheduler.AddFunc(fmt.Sprintf("@every %s", cfg.Rollup.RetryInterval), func() {
		runExclusive("handle_retries", cfg.Rollup.RetryInterval, func(ctx context.Context) error {
			return orch.HandleRetries(ctx)
		})
	}); err != nil {
		appLogger.Error("failed to register handle_retries cron job", "error", err)
		os.Exit(1)
	}

	if _, err := scheduler.AddFunc(fmt.Sprintf("@every %s", cfg.Rollup.MaintenanceInterval), func() {
		runExclusive("maintain_timeseries_tables", cfg.Rollup.MaintenanceInterval, func(ctx context.Context) error {
			return creator.MaintainTimeseriesTables(ctx, nil)
		})
	}); err != nil {
		appLogger.Error("failed to register maintain_timeseries_tables cron job", "error", err)
		os.Exit(1)
	}

	scheduler.Start()
	defer func() { <-scheduler.Stop().Done() }()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := pgPool.Health(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, "database unreachable: %v", err)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})
	mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg.Prometheus(), promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		appLogger.Info("orchestrator http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("http server failed", "error", err)
		}
	}()

	<-ctx.Done()
	appLogger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("graceful shutdown failed", "error", err)
	}
}
