// Package lease implements the Lease Manager (C4): optimistic claim and
// release of a RollupConfig row via conditional UPDATE ... RETURNING, the
// store's linearisation point for mutual exclusion (spec §4.4, §5).
package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ipiton/tsrollup/internal/rollup/domain"
	"github.com/ipiton/tsrollup/internal/rollup/store"
)

// ErrNotClaimed is returned by Claim when no row matched the conditional
// update: another worker already holds a fresh lease.
var ErrNotClaimed = errors.New("lease: config not claimed, another worker holds a fresh lease")

// ErrLeaseLost is returned by Release when zero rows were affected: the
// lease was revoked mid-run by a takeover (spec §4.4).
var ErrLeaseLost = errors.New("lease: zero rows affected on release, lease was revoked mid-run")

// configRow mirrors the full silver.rollup_configs row shape returned by
// RETURNING *, enough to rebuild a domain.RollupConfig.
type configRow struct {
	ID          int64     `db:"id"`
	SourceTable string    `db:"source_table"`
	TargetTable string    `db:"target_table"`
	IsActive    bool      `db:"is_active"`

	RollupIntervalSeconds    int64 `db:"rollup_interval_seconds"`
	LookBackWindowSeconds    int64 `db:"look_back_window_seconds"`
	MaxLookBackWindowSeconds int64 `db:"max_look_back_window_seconds"`
	ProcessingWindowSeconds  int64 `db:"processing_window_seconds"`
	ChunkIntervalSeconds     int64 `db:"chunk_interval_seconds"`
	RetentionPeriodSeconds   int64 `db:"retention_period_seconds"`

	LastProcessedTime *time.Time `db:"last_processed_time"`

	Status    string     `db:"status"`
	WorkerID  *string    `db:"worker_id"`
	StartedAt *time.Time `db:"started_at"`

	AvgProcessingTimeSeconds float64    `db:"avg_processing_time_seconds"`
	LastProcessedRows        int64      `db:"last_processed_rows"`
	LastOptimizationTime      *time.Time `db:"last_optimization_time"`

	RetryCount    int        `db:"retry_count"`
	LastErrorTime *time.Time `db:"last_error_time"`
	NextRetryTime *time.Time `db:"next_retry_time"`

	MaxExecutionTimeSeconds int64 `db:"max_execution_time_seconds"`
	AlertThresholdSeconds   int64 `db:"alert_threshold_seconds"`

	// PriorStartedAt is the started_at this row carried *before* the
	// claiming UPDATE overwrote it, captured by a CTE that reads the row
	// ahead of the update. NULL when the claim came from an idle row
	// (there was no prior lease to have gone stale).
	PriorStartedAt *time.Time `db:"prior_started_at"`
}

func (r configRow) toDomain() *domain.RollupConfig {
	return &domain.RollupConfig{
		ID:          r.ID,
		SourceTable: r.SourceTable,
		TargetTable: r.TargetTable,
		IsActive:    r.IsActive,

		RollupInterval:    time.Duration(r.RollupIntervalSeconds) * time.Second,
		LookBackWindow:    time.Duration(r.LookBackWindowSeconds) * time.Second,
		MaxLookBackWindow: time.Duration(r.MaxLookBackWindowSeconds) * time.Second,
		ProcessingWindow:  time.Duration(r.ProcessingWindowSeconds) * time.Second,
		ChunkInterval:     time.Duration(r.ChunkIntervalSeconds) * time.Second,
		RetentionPeriod:   time.Duration(r.RetentionPeriodSeconds) * time.Second,

		LastProcessedTime: r.LastProcessedTime,

		Status:    domain.LeaseStatus(r.Status),
		WorkerID:  r.WorkerID,
		StartedAt: r.StartedAt,

		AvgProcessingTime:    time.Duration(r.AvgProcessingTimeSeconds * float64(time.Second)),
		LastProcessedRows:    r.LastProcessedRows,
		LastOptimizationTime: r.LastOptimizationTime,

		RetryCount:    r.RetryCount,
		LastErrorTime: r.LastErrorTime,
		NextRetryTime: r.NextRetryTime,

		MaxExecutionTime: time.Duration(r.MaxExecutionTimeSeconds) * time.Second,
		AlertThreshold:   time.Duration(r.AlertThresholdSeconds) * time.Second,
	}
}

// Manager claims and releases RollupConfig leases against the store.
type Manager struct {
	store  store.Store
	logger *slog.Logger
}

// NewManager creates a lease Manager backed by st.
func NewManager(st store.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: st, logger: logger}
}

// Claim attempts the single conditional update of spec §4.4: it succeeds
// either on an idle config or on a stale processing lease (one whose
// started_at predates now - alert_threshold). ErrNotClaimed means another
// worker holds a fresh lease; the caller should skip this config.
//
// The prior_started_at CTE reads started_at before the UPDATE overwrites
// it, so a caller taking over an abandoned lease can still evaluate that
// lease's age (e.g. domain.RollupConfig.OverBudget) against its real,
// stale start time rather than the just-written one.
func (m *Manager) Claim(ctx context.Context, id int64, workerID string, now time.Time) (cfg *domain.RollupConfig, priorStartedAt *time.Time, err error) {
	var row configRow
	err = m.store.Get(ctx, &row, `
		WITH prior AS (
			SELECT started_at FROM silver.rollup_configs WHERE id = $3
		)
		UPDATE silver.rollup_configs
		SET status = 'processing', worker_id = $1, started_at = $2
		WHERE id = $3
		  AND ( status = 'idle'
		        OR (status = 'processing' AND started_at < $2 - (alert_threshold_seconds * interval '1 second')) )
		RETURNING *, (SELECT started_at FROM prior) AS prior_started_at
	`, workerID, now, id)
	if errors.Is(err, store.ErrNoRows) {
		return nil, nil, ErrNotClaimed
	}
	if err != nil {
		return nil, nil, fmt.Errorf("claim config %d: %w", id, err)
	}

	cfg = row.toDomain()
	if err := cfg.ValidateLeaseInvariant(); err != nil {
		m.logger.Error("claimed config violates lease invariant", "config_id", id, "error", err)
	}
	return cfg, row.PriorStartedAt, nil
}

// Release releases a held lease back to idle, guarded by worker ownership
// (spec §4.4). ErrLeaseLost means the lease was taken over mid-run; the
// caller must not overwrite progress in that case.
func (m *Manager) Release(ctx context.Context, id int64, workerID string) error {
	affected, err := m.store.Exec(ctx, `
		UPDATE silver.rollup_configs
		SET status = 'idle', worker_id = NULL, started_at = NULL
		WHERE id = $1 AND worker_id = $2
	`, id, workerID)
	if err != nil {
		return fmt.Errorf("release config %d: %w", id, err)
	}
	if affected == 0 {
		return ErrLeaseLost
	}
	return nil
}
