//go:build integration
// +build integration

package orchestrate

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/ipiton/tsrollup/internal/rollup/store"
)

const controlPlaneSchema = `
CREATE SCHEMA IF NOT EXISTS silver;
CREATE SCHEMA IF NOT EXISTS raw;
CREATE SCHEMA IF NOT EXISTS gold;

CREATE TABLE silver.rollup_configs (
	id                           BIGSERIAL PRIMARY KEY,
	source_table                TEXT NOT NULL,
	target_table                TEXT NOT NULL,
	is_active                    BOOLEAN NOT NULL DEFAULT true,

	rollup_interval_seconds      BIGINT NOT NULL,
	look_back_window_seconds     BIGINT NOT NULL,
	max_look_back_window_seconds BIGINT NOT NULL,
	processing_window_seconds    BIGINT NOT NULL,
	chunk_interval_seconds       BIGINT NOT NULL DEFAULT 86400,
	retention_period_seconds     BIGINT NOT NULL DEFAULT 2592000,

	last_processed_time          TIMESTAMPTZ,

	status                       TEXT NOT NULL DEFAULT 'idle',
	worker_id                    TEXT,
	started_at                   TIMESTAMPTZ,

	avg_processing_time_seconds  DOUBLE PRECISION NOT NULL DEFAULT 0,
	last_processed_rows          BIGINT NOT NULL DEFAULT 0,
	last_optimization_time       TIMESTAMPTZ,

	retry_count                  INTEGER NOT NULL DEFAULT 0,
	last_error_time              TIMESTAMPTZ,
	next_retry_time              TIMESTAMPTZ,

	max_execution_time_seconds   BIGINT NOT NULL DEFAULT 600,
	alert_threshold_seconds      BIGINT NOT NULL DEFAULT 300,

	UNIQUE (source_table, target_table)
);

CREATE TABLE silver.dimension_configs (
	id               BIGSERIAL PRIMARY KEY,
	source_table     TEXT NOT NULL,
	dimension_column TEXT NOT NULL,
	is_active        BOOLEAN NOT NULL DEFAULT true,
	UNIQUE (source_table, dimension_column)
);

CREATE TABLE silver.refresh_log (
	id                 BIGSERIAL PRIMARY KEY,
	table_name         TEXT NOT NULL,
	start_time         TIMESTAMPTZ NOT NULL,
	end_time           TIMESTAMPTZ NOT NULL,
	records_processed  BIGINT NOT NULL,
	refresh_timestamp  TIMESTAMPTZ NOT NULL
);

CREATE TABLE silver.error_log (
	id               BIGSERIAL PRIMARY KEY,
	source_table     TEXT NOT NULL,
	target_table     TEXT NOT NULL,
	error_timestamp  TIMESTAMPTZ NOT NULL,
	message          TEXT,
	sql_state        TEXT,
	detail           TEXT,
	hint             TEXT,
	context          TEXT,
	attempted_query  TEXT
);

CREATE TABLE raw.metrics (
	"timestamp" TIMESTAMPTZ NOT NULL,
	tenant      TEXT NOT NULL,
	value       DOUBLE PRECISION NOT NULL
);

CREATE TABLE gold.metrics_1h (
	"timestamp"      TIMESTAMPTZ NOT NULL,
	tenant           TEXT NOT NULL,
	min_value        DOUBLE PRECISION,
	max_value        DOUBLE PRECISION,
	avg_value        DOUBLE PRECISION,
	rollup_count     INTEGER NOT NULL DEFAULT 1,
	last_updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY ("timestamp", tenant)
);
`

func setupOrchestrateTestDB(t *testing.T) *sqlx.DB {
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("tsrollup_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgContainer.Terminate(ctx) })

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sqlx.Open("pgx", connStr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, db.PingContext(ctx))
	_, err = db.ExecContext(ctx, controlPlaneSchema)
	require.NoError(t, err)

	return db
}

func insertHappyPathFixture(t *testing.T, db *sqlx.DB, now time.Time) int64 {
	ctx := context.Background()

	_, err := db.ExecContext(ctx, `
		INSERT INTO raw.metrics ("timestamp", tenant, value) VALUES
		($1, 'acme', 1), ($1, 'acme', 3), ($2, 'acme', 10), ($2, 'acme', 20)
	`, now.Add(-3*time.Hour), now.Add(-2*time.Hour))
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, `
		INSERT INTO silver.dimension_configs (source_table, dimension_column) VALUES ('raw.metrics', 'tenant')
	`)
	require.NoError(t, err)

	var id int64
	err = db.GetContext(ctx, &id, `
		INSERT INTO silver.rollup_configs
			(source_table, target_table, rollup_interval_seconds, look_back_window_seconds,
			 max_look_back_window_seconds, processing_window_seconds, max_execution_time_seconds, alert_threshold_seconds)
		VALUES ('raw.metrics', 'gold.metrics_1h', 3600, 14400, 86400, 3600, 600, 300)
		RETURNING id
	`)
	require.NoError(t, err)
	return id
}

// TestOrchestrator_PerformRollup_HappyPath exercises spec §8 scenario 1: a
// 1h rollup over two distinct buckets produces one target row per bucket
// with matching aggregates, and last_processed_time advances to the
// planned window end (I1). The first run's window is capped at 1h and
// covers only the earlier bucket; the second run covers the later one.
func TestOrchestrator_PerformRollup_HappyPath(t *testing.T) {
	db := setupOrchestrateTestDB(t)
	now := time.Now().UTC()
	insertHappyPathFixture(t, db, now)

	st := store.NewPostgresStoreFromDB(db, nil)
	o := New(st, nil, Options{WorkerID: "worker-a", MaxWorkers: 1}, nil)

	require.NoError(t, o.PerformRollup(context.Background(), nil))
	require.NoError(t, o.PerformRollup(context.Background(), nil))

	var rowCount int
	require.NoError(t, db.Get(&rowCount, `SELECT count(*) FROM gold.metrics_1h`))
	require.Equal(t, 2, rowCount, "expect one target row per distinct bucket")

	var cfg struct {
		Status            string     `db:"status"`
		LastProcessedTime *time.Time `db:"last_processed_time"`
	}
	require.NoError(t, db.Get(&cfg, `SELECT status, last_processed_time FROM silver.rollup_configs LIMIT 1`))
	require.Equal(t, "idle", cfg.Status)
	require.NotNil(t, cfg.LastProcessedTime)
}

// TestOrchestrator_PerformRollup_IdempotentReExecution exercises I3: running
// the same window twice produces the same target content via
// ON CONFLICT DO UPDATE, not duplicate rows.
func TestOrchestrator_PerformRollup_IdempotentReExecution(t *testing.T) {
	db := setupOrchestrateTestDB(t)
	now := time.Now().UTC()
	id := insertHappyPathFixture(t, db, now)

	st := store.NewPostgresStoreFromDB(db, nil)
	o := New(st, nil, Options{WorkerID: "worker-a", MaxWorkers: 1}, nil)

	require.NoError(t, o.PerformRollup(context.Background(), nil))

	var firstCount int
	require.NoError(t, db.Get(&firstCount, `SELECT count(*) FROM gold.metrics_1h`))

	// Reset the lease and last_processed_time to force re-processing the
	// same window.
	_, err := db.Exec(`UPDATE silver.rollup_configs SET status = 'idle', last_processed_time = NULL WHERE id = $1`, id)
	require.NoError(t, err)

	require.NoError(t, o.PerformRollup(context.Background(), nil))

	var secondCount int
	require.NoError(t, db.Get(&secondCount, `SELECT count(*) FROM gold.metrics_1h`))
	require.Equal(t, firstCount, secondCount, "re-execution must not duplicate rows")
}

// TestOrchestrator_Claim_ExclusiveUnderConcurrency exercises I2: of N
// concurrent claim attempts against the same idle config, exactly one
// succeeds.
func TestOrchestrator_Claim_ExclusiveUnderConcurrency(t *testing.T) {
	db := setupOrchestrateTestDB(t)
	now := time.Now().UTC()
	id := insertHappyPathFixture(t, db, now)

	st := store.NewPostgresStoreFromDB(db, nil)

	const workers = 8
	results := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		i := i
		go func() {
			o := New(st, nil, Options{WorkerID: string(rune('A' + i)), MaxWorkers: 1}, nil)
			_, _, err := o.leases.Claim(context.Background(), id, o.workerID, now)
			results <- err == nil
		}()
	}

	successes := 0
	for i := 0; i < workers; i++ {
		if <-results {
			successes++
		}
	}
	require.Equal(t, 1, successes, "exactly one concurrent claim should succeed")
}

// TestOrchestrator_PerformRollup_TakesOverAbandonedLeaseAsBudgetOverrun
// exercises spec §4.6 step 2: a config whose lease was abandoned long
// enough ago to be both claimable (started_at predates alert_threshold)
// and over its hard cap (started_at also predates max_execution_time) must
// be taken over, immediately failed as a budget overrun, and released back
// to idle with retry state recorded - not silently re-run as if freshly
// claimed.
func TestOrchestrator_PerformRollup_TakesOverAbandonedLeaseAsBudgetOverrun(t *testing.T) {
	db := setupOrchestrateTestDB(t)
	now := time.Now().UTC()
	id := insertHappyPathFixture(t, db, now)

	abandonedSince := now.Add(-1 * time.Hour)
	_, err := db.ExecContext(context.Background(), `
		UPDATE silver.rollup_configs
		SET status = 'processing', worker_id = 'dead-worker', started_at = $2
		WHERE id = $1
	`, id, abandonedSince)
	require.NoError(t, err)

	st := store.NewPostgresStoreFromDB(db, nil)
	o := New(st, nil, Options{WorkerID: "worker-a", MaxWorkers: 1}, nil)

	require.NoError(t, o.PerformRollup(context.Background(), nil))

	var cfg struct {
		Status     string  `db:"status"`
		WorkerID   *string `db:"worker_id"`
		RetryCount int     `db:"retry_count"`
	}
	require.NoError(t, db.Get(&cfg, `SELECT status, worker_id, retry_count FROM silver.rollup_configs WHERE id = $1`, id))
	require.Equal(t, "idle", cfg.Status, "lease must be released, not left held by the worker that took it over")
	require.Nil(t, cfg.WorkerID)
	require.Equal(t, 1, cfg.RetryCount, "budget overrun must be recorded as a failure, not silently rerun")

	var errCount int
	require.NoError(t, db.Get(&errCount, `SELECT count(*) FROM silver.error_log WHERE source_table = 'raw.metrics'`))
	require.Equal(t, 1, errCount, "budget overrun must append an ErrorLog entry (domain.KindBudgetOverrun)")

	var rowCount int
	require.NoError(t, db.Get(&rowCount, `SELECT count(*) FROM gold.metrics_1h`))
	require.Equal(t, 0, rowCount, "a budget-overrun takeover must abort before touching the target table")
}

// TestOrchestrator_ValidateRollupConfig_MissingDimension exercises spec §8
// scenario 6: a declared dimension absent from the target table is
// reported with the exact message shape.
func TestOrchestrator_ValidateRollupConfig_MissingDimension(t *testing.T) {
	db := setupOrchestrateTestDB(t)

	_, err := db.Exec(`ALTER TABLE gold.metrics_1h DROP COLUMN tenant`)
	require.NoError(t, err)

	_, err = db.Exec(`
		INSERT INTO silver.dimension_configs (source_table, dimension_column) VALUES ('raw.metrics', 'region')
	`)
	require.NoError(t, err)
	_, err = db.Exec(`ALTER TABLE raw.metrics ADD COLUMN region TEXT NOT NULL DEFAULT 'x'`)
	require.NoError(t, err)

	_, err = db.Exec(`
		INSERT INTO silver.rollup_configs
			(source_table, target_table, rollup_interval_seconds, look_back_window_seconds,
			 max_look_back_window_seconds, processing_window_seconds)
		VALUES ('raw.metrics', 'gold.metrics_1h', 3600, 14400, 86400, 3600)
	`)
	require.NoError(t, err)

	st := store.NewPostgresStoreFromDB(db, nil)
	o := New(st, nil, Options{WorkerID: "validator", MaxWorkers: 1}, nil)

	results, err := o.ValidateRollupConfig(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.False(t, results[0].IsValid)
	require.Contains(t, results[0].Message, "Missing dimension columns in target table: region")
}
