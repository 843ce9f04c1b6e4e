// Package main is the entry point for rolloutctl, the rollup control
// plane's operator CLI.
package main

import (
	"fmt"
	"os"

	"github.com/jmoiron/sqlx"

	"github.com/ipiton/tsrollup/internal/config"
	"github.com/ipiton/tsrollup/internal/rollup/bootstrap"
	rolloutcli "github.com/ipiton/tsrollup/internal/rollup/cli"
	"github.com/ipiton/tsrollup/internal/rollup/monitor"
	"github.com/ipiton/tsrollup/internal/rollup/orchestrate"
	"github.com/ipiton/tsrollup/internal/rollup/partition"
	"github.com/ipiton/tsrollup/internal/rollup/store"
	applogger "github.com/ipiton/tsrollup/pkg/logger"
)

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := applogger.NewLogger(applogger.Config{
		Level:  cfg.Log.Level,
		Format: "text",
		Output: "stderr",
	})

	db, err := sqlx.Open("pgx", cfg.DatabaseURL())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open database connection: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	st := store.NewPostgresStoreFromDB(db, logger)
	partitions := partition.NewSQLManager(st)
	creator := bootstrap.NewCreator(st, partitions, logger)
	mon := monitor.New(st)
	orch := orchestrate.New(st, st, orchestrate.Options{
		WorkerID:   "rolloutctl",
		MaxWorkers: cfg.Rollup.MaxWorkers,
	}, logger)

	cli := rolloutcli.NewCLI(orch, creator, mon, logger)
	if err := cli.GetRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
