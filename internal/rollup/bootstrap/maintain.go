package bootstrap

import (
	"context"
	"fmt"
	"time"
)

func secondsToDuration(seconds int64) time.Duration {
	return time.Duration(seconds) * time.Second
}

// targetRow is one (source, target) pair eligible for maintenance.
type targetRow struct {
	SourceTable     string `db:"source_table"`
	TargetTable     string `db:"target_table"`
	RetentionPeriod int64  `db:"retention_period_seconds"`
}

// MaintainTimeseriesTables implements spec §6's reconciliation entry
// point (supplemented by SPEC_FULL §13): recompute
// optimize_chunk_interval per managed target and store it in
// rollup_configs.chunk_interval_seconds, reapply each target's retention,
// then run the partition manager's maintenance. The recomputed interval
// is not passed to the partition manager. target, if non-nil, restricts
// reconciliation to a single target table.
func (c *Creator) MaintainTimeseriesTables(ctx context.Context, target *string) error {
	rows, err := c.managedTargets(ctx, target)
	if err != nil {
		return fmt.Errorf("maintain timeseries tables: %w", err)
	}

	for _, row := range rows {
		chunkInterval, err := c.OptimizeChunkInterval(ctx, row.SourceTable)
		if err != nil {
			c.logger.Error("failed to recompute chunk interval", "target", row.TargetTable, "error", err)
			continue
		}

		if _, err := c.store.Exec(ctx, `
			UPDATE silver.rollup_configs
			SET chunk_interval_seconds = $2
			WHERE target_table = $1
		`, row.TargetTable, int64(chunkInterval.Seconds())); err != nil {
			c.logger.Error("failed to persist recomputed chunk interval", "target", row.TargetTable, "error", err)
			continue
		}

		if c.partitions == nil {
			continue
		}
		if err := c.partitions.SetRetention(ctx, row.TargetTable, secondsToDuration(row.RetentionPeriod), false, row.RetentionPeriod <= 0); err != nil {
			c.logger.Error("failed to reapply retention", "target", row.TargetTable, "error", err)
		}
	}

	if c.partitions != nil {
		if err := c.partitions.RunMaintenance(ctx); err != nil {
			return fmt.Errorf("run_maintenance: %w", err)
		}
	}
	return nil
}

func (c *Creator) managedTargets(ctx context.Context, target *string) ([]targetRow, error) {
	var rows []targetRow
	err := c.store.Select(ctx, &rows, `
		SELECT source_table, target_table, retention_period_seconds
		FROM silver.rollup_configs
		WHERE is_active = true
		  AND ($1::text IS NULL OR target_table = $1)
		ORDER BY id
	`, target)
	return rows, err
}
