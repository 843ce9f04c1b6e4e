// Package monitor implements the Operations Monitor (C7): a read-only
// projection joining RollupConfig, the latest ErrorLog entry, and a
// 24-hour RefreshLog rollup, deriving a health_status per config (spec
// §4.7).
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/ipiton/tsrollup/internal/rollup/store"
)

// HealthStatus classifies a config's operational state (spec §4.7).
type HealthStatus string

const (
	HealthAlert   HealthStatus = "ALERT"
	HealthWarning HealthStatus = "WARNING"
	HealthRunning HealthStatus = "RUNNING"
	HealthOK      HealthStatus = "OK"
)

// ConfigHealth is one row of the operations snapshot.
type ConfigHealth struct {
	ID          int64  `db:"id"`
	SourceTable string `db:"source_table"`
	TargetTable string `db:"target_table"`

	Status     string     `db:"status"`
	StartedAt  *time.Time `db:"started_at"`
	RetryCount int        `db:"retry_count"`

	LastErrorMessage *string `db:"last_error_message"`
	LastErrorTime    *time.Time `db:"last_error_time"`

	AvgDuration24h  *float64 `db:"avg_duration_seconds_24h"`
	SuccessRate24h  *float64 `db:"success_rate_24h"`

	AlertThresholdSeconds int64 `db:"alert_threshold_seconds"`
}

// HealthStatus derives spec §4.7's classification from the row's own
// fields, given wall clock now.
func (c ConfigHealth) HealthStatus(now time.Time) HealthStatus {
	switch {
	case c.Status == "processing" && c.StartedAt != nil && c.StartedAt.Before(now.Add(-time.Duration(c.AlertThresholdSeconds)*time.Second)):
		return HealthAlert
	case c.RetryCount > 3:
		return HealthWarning
	case c.Status == "processing":
		return HealthRunning
	default:
		return HealthOK
	}
}

// Monitor answers read-only observability queries over the persisted
// rollup state.
type Monitor struct {
	store store.Store
}

// New creates a Monitor backed by st.
func New(st store.Store) *Monitor {
	return &Monitor{store: st}
}

// Snapshot implements spec §4.7: one ConfigHealth row per RollupConfig,
// joined with its latest ErrorLog entry and a 24-hour RefreshLog rollup.
func (m *Monitor) Snapshot(ctx context.Context) ([]ConfigHealth, error) {
	var rows []ConfigHealth
	err := m.store.Select(ctx, &rows, `
		SELECT
			c.id, c.source_table, c.target_table, c.status, c.started_at,
			c.retry_count, c.alert_threshold_seconds,
			le.message AS last_error_message,
			le.error_timestamp AS last_error_time,
			rl.avg_duration_seconds_24h,
			rl.success_rate_24h
		FROM silver.rollup_configs c
		LEFT JOIN LATERAL (
			SELECT message, error_timestamp
			FROM silver.error_log e
			WHERE e.source_table = c.source_table AND e.target_table = c.target_table
			ORDER BY e.error_timestamp DESC
			LIMIT 1
		) le ON true
		LEFT JOIN LATERAL (
			SELECT
				avg(EXTRACT(EPOCH FROM (end_time - start_time))) AS avg_duration_seconds_24h,
				avg(CASE WHEN records_processed > 0 THEN 1.0 ELSE 0.0 END) AS success_rate_24h
			FROM silver.refresh_log r
			WHERE r.table_name = c.source_table
			  AND r.refresh_timestamp >= now() - interval '24 hours'
		) rl ON true
		ORDER BY c.id
	`)
	if err != nil {
		return nil, fmt.Errorf("load operations snapshot: %w", err)
	}
	return rows, nil
}

// PartitionStats is one row of GetPartitionStats (SPEC_FULL §13).
type PartitionStats struct {
	TargetTable   string `db:"target_table"`
	PartitionName string `db:"partition_name"`
	SizeBytes     int64  `db:"size_bytes"`
	RowEstimate   int64  `db:"row_estimate"`
}

// GetPartitionStats reports per-partition size and row-count estimates
// for table, read from pg_catalog (spec §6).
func (m *Monitor) GetPartitionStats(ctx context.Context, table string) ([]PartitionStats, error) {
	var rows []PartitionStats
	err := m.store.Select(ctx, &rows, `
		SELECT
			$1::text AS target_table,
			child.relname AS partition_name,
			pg_total_relation_size(child.oid) AS size_bytes,
			child.reltuples::bigint AS row_estimate
		FROM pg_inherits
		JOIN pg_class parent ON pg_inherits.inhparent = parent.oid
		JOIN pg_class child ON pg_inherits.inhrelid = child.oid
		WHERE parent.relname = split_part($1::text, '.', 2)
		ORDER BY child.relname
	`, table)
	if err != nil {
		return nil, fmt.Errorf("get partition stats for %s: %w", table, err)
	}
	return rows, nil
}

// DetailedStats is one row of GetDetailedStats (SPEC_FULL §13): the
// ConfigHealth projection plus source/target row counts, for every config
// whose source_table or target_table matches pattern (a SQL LIKE
// pattern).
type DetailedStats struct {
	ConfigHealth
	SourceRowEstimate int64 `db:"source_row_estimate"`
	TargetRowEstimate int64 `db:"target_row_estimate"`
}

// GetDetailedStats extends Snapshot with row-count estimates for configs
// matching pattern.
func (m *Monitor) GetDetailedStats(ctx context.Context, pattern string) ([]DetailedStats, error) {
	var rows []DetailedStats
	err := m.store.Select(ctx, &rows, `
		SELECT
			c.id, c.source_table, c.target_table, c.status, c.started_at,
			c.retry_count, c.alert_threshold_seconds,
			le.message AS last_error_message,
			le.error_timestamp AS last_error_time,
			rl.avg_duration_seconds_24h,
			rl.success_rate_24h,
			COALESCE(sc.reltuples, 0)::bigint AS source_row_estimate,
			COALESCE(tc.reltuples, 0)::bigint AS target_row_estimate
		FROM silver.rollup_configs c
		LEFT JOIN LATERAL (
			SELECT message, error_timestamp
			FROM silver.error_log e
			WHERE e.source_table = c.source_table AND e.target_table = c.target_table
			ORDER BY e.error_timestamp DESC
			LIMIT 1
		) le ON true
		LEFT JOIN LATERAL (
			SELECT
				avg(EXTRACT(EPOCH FROM (end_time - start_time))) AS avg_duration_seconds_24h,
				avg(CASE WHEN records_processed > 0 THEN 1.0 ELSE 0.0 END) AS success_rate_24h
			FROM silver.refresh_log r
			WHERE r.table_name = c.source_table
			  AND r.refresh_timestamp >= now() - interval '24 hours'
		) rl ON true
		LEFT JOIN pg_class sc ON sc.relname = split_part(c.source_table, '.', 2)
		LEFT JOIN pg_class tc ON tc.relname = split_part(c.target_table, '.', 2)
		WHERE c.source_table LIKE $1 OR c.target_table LIKE $1
		ORDER BY c.id
	`, pattern)
	if err != nil {
		return nil, fmt.Errorf("get detailed stats for pattern %q: %w", pattern, err)
	}
	return rows, nil
}
