package orchestrate

import (
	"context"
	"fmt"
	"time"

	"github.com/ipiton/tsrollup/internal/rollup/domain"
	"github.com/ipiton/tsrollup/internal/rollup/store"
)

// candidateRow mirrors the subset of silver.rollup_configs needed to drive
// the PerformRollup candidate scan (spec §4.6); the lease fields are
// re-read in full by lease.Manager.Claim on the conditional update.
type candidateRow struct {
	ID          int64  `db:"id"`
	SourceTable string `db:"source_table"`
	TargetTable string `db:"target_table"`
}

// candidates loads the PerformRollup candidate set in the exact order of
// spec §4.6: active, matching specificTable if given, idle or
// stale-processing, ordered by last_processed_time NULLS FIRST.
func (o *Orchestrator) candidates(ctx context.Context, now time.Time, specificTable *string) ([]candidateRow, error) {
	var rows []candidateRow
	err := o.store.Select(ctx, &rows, `
		SELECT id, source_table, target_table
		FROM silver.rollup_configs
		WHERE is_active = true
		  AND ($1::text IS NULL OR source_table = $1)
		  AND ( status = 'idle'
		        OR (status = 'processing' AND started_at < $2 - (alert_threshold_seconds * interval '1 second')) )
		ORDER BY last_processed_time NULLS FIRST
	`, specificTable, now)
	if err != nil {
		return nil, fmt.Errorf("scan rollup config candidates: %w", err)
	}
	return rows, nil
}

// activeConfigs loads every active config's (source, target) pair,
// irrespective of lease status, for ValidateRollupConfig (spec §6): unlike
// the candidate scan this does not filter by claimability.
func (o *Orchestrator) activeConfigs(ctx context.Context) ([]candidateRow, error) {
	var rows []candidateRow
	err := o.store.Select(ctx, &rows, `
		SELECT id, source_table, target_table
		FROM silver.rollup_configs
		WHERE is_active = true
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("scan active rollup configs: %w", err)
	}
	return rows, nil
}

// dimensionSource implements schema.DimensionSource against
// silver.dimension_configs, the store-backed declaration of GROUP BY keys
// for one source table (spec §3).
type dimensionSource struct {
	store store.Store
}

func (d dimensionSource) ActiveDimensions(ctx context.Context, sourceTable string) ([]domain.DimensionConfig, error) {
	type row struct {
		ID              int64  `db:"id"`
		SourceTable     string `db:"source_table"`
		DimensionColumn string `db:"dimension_column"`
		IsActive        bool   `db:"is_active"`
	}
	var rows []row
	err := d.store.Select(ctx, &rows, `
		SELECT id, source_table, dimension_column, is_active
		FROM silver.dimension_configs
		WHERE source_table = $1 AND is_active = true
		ORDER BY id
	`, sourceTable)
	if err != nil {
		return nil, fmt.Errorf("load dimension configs for %s: %w", sourceTable, err)
	}

	out := make([]domain.DimensionConfig, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.DimensionConfig{
			ID:              r.ID,
			SourceTable:     r.SourceTable,
			DimensionColumn: r.DimensionColumn,
			IsActive:        r.IsActive,
		})
	}
	return out, nil
}

// appendRefreshLog writes one completed-run record (spec §3 RefreshLog).
func (o *Orchestrator) appendRefreshLog(ctx context.Context, e domain.RefreshLogEntry) error {
	_, err := o.store.Exec(ctx, `
		INSERT INTO silver.refresh_log (table_name, start_time, end_time, records_processed, refresh_timestamp)
		VALUES ($1, $2, $3, $4, $5)
	`, e.TableName, e.StartTime, e.EndTime, e.RecordsProcessed, e.RefreshTimestamp)
	if err != nil {
		return fmt.Errorf("append refresh log for %s: %w", e.TableName, err)
	}
	return nil
}

// appendErrorLog writes one diagnostic record (spec §3 ErrorLog).
func (o *Orchestrator) appendErrorLog(ctx context.Context, e domain.ErrorLogEntry) error {
	_, err := o.store.Exec(ctx, `
		INSERT INTO silver.error_log
			(source_table, target_table, error_timestamp, message, sql_state, detail, hint, context, attempted_query)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, e.SourceTable, e.TargetTable, e.ErrorTimestamp, e.Message, e.SQLState, e.Detail, e.Hint, e.Context, e.AttemptedQuery)
	if err != nil {
		return fmt.Errorf("append error log for %s -> %s: %w", e.SourceTable, e.TargetTable, err)
	}
	return nil
}

// commitSuccess advances progress, clears retry fields, adapts
// processing_window, and rolls the EWMA, all per spec §4.6 step 6.
func (o *Orchestrator) commitSuccess(ctx context.Context, id int64, windowEnd time.Time, nextProcessingWindow, newAvgProcessingTime time.Duration, rowsProcessed int64) error {
	_, err := o.store.Exec(ctx, `
		UPDATE silver.rollup_configs
		SET last_processed_time = $2,
		    retry_count = 0,
		    last_error_time = NULL,
		    next_retry_time = NULL,
		    processing_window_seconds = $3,
		    avg_processing_time_seconds = $4,
		    last_processed_rows = $5
		WHERE id = $1
	`, id, windowEnd, int64(nextProcessingWindow.Seconds()), newAvgProcessingTime.Seconds(), rowsProcessed)
	if err != nil {
		return fmt.Errorf("commit success for config %d: %w", id, err)
	}
	return nil
}
