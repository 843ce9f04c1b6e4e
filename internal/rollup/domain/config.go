// Package domain holds the persisted row types the rollup orchestrator
// operates over (RollupConfig, DimensionConfig, RefreshLogEntry,
// ErrorLogEntry) and the lease/error value types threaded through every
// component built on top of them.
package domain

import (
	"fmt"
	"time"
)

// LeaseStatus is the processing state of a RollupConfig row.
type LeaseStatus string

const (
	// LeaseIdle means no worker currently holds the config.
	LeaseIdle LeaseStatus = "idle"
	// LeaseProcessing means a worker has claimed the config and may be
	// actively running a window against it.
	LeaseProcessing LeaseStatus = "processing"
)

// RollupConfig is one (source_table, target_table) rollup definition,
// carrying both its aggregation parameters and its lease/retry state.
//
// Tables live in the silver schema; see migrations/ for the DDL.
type RollupConfig struct {
	ID           int64
	SourceTable  string
	TargetTable  string
	IsActive     bool

	RollupInterval     time.Duration
	LookBackWindow     time.Duration
	MaxLookBackWindow  time.Duration
	ProcessingWindow   time.Duration
	ChunkInterval      time.Duration
	RetentionPeriod    time.Duration

	LastProcessedTime *time.Time

	Status    LeaseStatus
	WorkerID  *string
	StartedAt *time.Time

	AvgProcessingTime    time.Duration
	LastProcessedRows    int64
	LastOptimizationTime *time.Time

	RetryCount    int
	LastErrorTime *time.Time
	NextRetryTime *time.Time

	MaxExecutionTime time.Duration
	AlertThreshold   time.Duration
}

// ValidateLeaseInvariant checks I7: the lease tuple is either fully idle or
// fully held, never a partial combination.
func (c *RollupConfig) ValidateLeaseInvariant() error {
	switch c.Status {
	case LeaseIdle:
		if c.WorkerID != nil || c.StartedAt != nil {
			return fmt.Errorf("rollup config %d: idle lease must have nil worker_id and started_at", c.ID)
		}
	case LeaseProcessing:
		if c.WorkerID == nil || c.StartedAt == nil {
			return fmt.Errorf("rollup config %d: processing lease must have non-nil worker_id and started_at", c.ID)
		}
	default:
		return fmt.Errorf("rollup config %d: unknown lease status %q", c.ID, c.Status)
	}
	return nil
}

// IsStale reports whether a processing lease has outlived alert_threshold
// as of now, making it eligible for stale-lease takeover (spec §4.4).
func (c *RollupConfig) IsStale(now time.Time) bool {
	if c.Status != LeaseProcessing || c.StartedAt == nil {
		return false
	}
	return c.StartedAt.Before(now.Add(-c.AlertThreshold))
}

// OverBudget reports whether a held lease has exceeded max_execution_time,
// the hard cap checked on claim (spec §4.6 step 2).
func (c *RollupConfig) OverBudget(now time.Time) bool {
	if c.Status != LeaseProcessing || c.StartedAt == nil {
		return false
	}
	return c.StartedAt.Before(now.Add(-c.MaxExecutionTime))
}

// DimensionConfig declares one GROUP-BY key to carry through the rollup of
// a source table.
type DimensionConfig struct {
	ID               int64
	SourceTable      string
	DimensionColumn  string
	IsActive         bool
}

// RefreshLogEntry is one append-only record of a completed (possibly
// empty) rollup run.
type RefreshLogEntry struct {
	ID                int64
	TableName         string
	StartTime         time.Time
	EndTime           time.Time
	RecordsProcessed  int64
	RefreshTimestamp  time.Time
}

// Duration returns end - start, the wall time spent on the window.
func (r RefreshLogEntry) Duration() time.Duration {
	return r.EndTime.Sub(r.StartTime)
}

// ErrorLogEntry is one append-only diagnostic record of a failed or
// partially-degraded rollup attempt.
type ErrorLogEntry struct {
	ID             int64
	SourceTable    string
	TargetTable    string
	ErrorTimestamp time.Time
	Message        string
	SQLState       string
	Detail         string
	Hint           string
	Context        string
	AttemptedQuery string
}
