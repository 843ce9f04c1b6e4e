// Package bootstrap implements the Bootstrap / Target Creator (C8):
// onboarding a new source table by creating its rollup target, indexes,
// and partition policy, and registering the resulting RollupConfig.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ipiton/tsrollup/internal/rollup/domain"
	"github.com/ipiton/tsrollup/internal/rollup/partition"
	"github.com/ipiton/tsrollup/internal/rollup/schema"
	"github.com/ipiton/tsrollup/internal/rollup/store"
)

// Spec describes one CreateRollupTable request (spec §4.8, §6).
type Spec struct {
	Source           string
	TargetSchema     string
	TargetName       string
	RollupInterval   time.Duration
	LookBackWindow   time.Duration
	RetentionPeriod  time.Duration
	ProcessingWindow time.Duration
	InitialStatus    domain.LeaseStatus
	IsActive         bool
}

func (s Spec) targetTable() string {
	return s.TargetSchema + "." + s.TargetName
}

// Creator builds rollup target tables and registers their RollupConfig.
type Creator struct {
	store      store.Store
	inspector  *schema.Inspector
	partitions partition.Manager
	logger     *slog.Logger
}

// NewCreator creates a bootstrap Creator. partitions may be nil, in which
// case partition creation and retention are skipped with a warning
// (useful against a store with no partition-management extension
// installed, e.g. in tests).
func NewCreator(st store.Store, partitions partition.Manager, logger *slog.Logger) *Creator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Creator{
		store:      st,
		inspector:  schema.NewInspector(st, logger),
		partitions: partitions,
		logger:     logger,
	}
}

// CreateRollupTable implements spec §4.8 steps 1-6: resolve dimensions,
// build the primary key, project source columns into the target schema,
// create the partitioned table and its indexes, request partition
// management, and register the RollupConfig row.
func (c *Creator) CreateRollupTable(ctx context.Context, spec Spec) error {
	dimSource := storeDimensionSource{store: c.store}
	declared, err := dimSource.ActiveDimensions(ctx, spec.Source)
	if err != nil {
		return fmt.Errorf("resolve dimensions for %s: %w", spec.Source, err)
	}

	var dimensions []string
	for _, d := range declared {
		dimensions = append(dimensions, d.DimensionColumn)
	}

	present, _, err := c.inspector.ClassifyDimensions(ctx, spec.Source, declared)
	if err != nil {
		return fmt.Errorf("classify dimensions for %s: %w", spec.Source, err)
	}

	timestampCol, err := c.inspector.TimestampColumn(ctx, spec.Source)
	if err != nil {
		return fmt.Errorf("resolve timestamp column for %s: %w", spec.Source, err)
	}

	numeric, err := c.inspector.ClassifyNumeric(ctx, spec.Source, present)
	if err != nil {
		return fmt.Errorf("classify numeric columns for %s: %w", spec.Source, err)
	}

	jsonCols, otherCols, err := c.inspector.ClassifyNonNumeric(ctx, spec.Source, present)
	if err != nil {
		return fmt.Errorf("classify non-numeric columns for %s: %w", spec.Source, err)
	}

	sourceColumns, err := c.inspector.Columns(ctx, spec.Source)
	if err != nil {
		return fmt.Errorf("fetch source columns for %s: %w", spec.Source, err)
	}

	ddl, err := renderCreateTable(spec, sourceColumns, timestampCol, present, numeric, jsonCols, otherCols)
	if err != nil {
		return fmt.Errorf("render create table ddl: %w", err)
	}
	if _, err := c.store.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create target table %s: %w", spec.targetTable(), err)
	}

	for _, stmt := range renderIndexes(spec, present, jsonCols) {
		if _, err := c.store.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create index on %s: %w", spec.targetTable(), err)
		}
	}

	if c.partitions != nil {
		chunkInterval, err := c.OptimizeChunkInterval(ctx, spec.Source)
		if err != nil {
			return fmt.Errorf("optimize chunk interval for %s: %w", spec.Source, err)
		}
		if err := c.partitions.CreateParent(ctx, spec.targetTable(), "timestamp", chunkInterval, 4); err != nil {
			return fmt.Errorf("create_parent for %s: %w", spec.targetTable(), err)
		}
		if err := c.partitions.SetRetention(ctx, spec.targetTable(), spec.RetentionPeriod, false, spec.RetentionPeriod <= 0); err != nil {
			return fmt.Errorf("set_retention for %s: %w", spec.targetTable(), err)
		}
	} else {
		c.logger.Warn("no partition manager configured, skipping partition creation", "target", spec.targetTable())
	}

	if err := c.registerConfig(ctx, spec); err != nil {
		return fmt.Errorf("register rollup config for %s: %w", spec.targetTable(), err)
	}

	return nil
}

func (c *Creator) registerConfig(ctx context.Context, spec Spec) error {
	status := spec.InitialStatus
	if status == "" {
		status = domain.LeaseIdle
	}

	chunkInterval := time.Hour
	if c.partitions != nil {
		if v, err := c.OptimizeChunkInterval(ctx, spec.Source); err == nil {
			chunkInterval = v
		}
	}

	_, err := c.store.Exec(ctx, `
		INSERT INTO silver.rollup_configs
			(source_table, target_table, is_active, status,
			 rollup_interval_seconds, look_back_window_seconds, max_look_back_window_seconds,
			 processing_window_seconds, chunk_interval_seconds, retention_period_seconds)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (source_table, target_table) DO NOTHING
	`,
		spec.Source, spec.targetTable(), spec.IsActive, string(status),
		int64(spec.RollupInterval.Seconds()), int64(spec.LookBackWindow.Seconds()), int64(spec.LookBackWindow.Seconds())*4,
		int64(spec.ProcessingWindow.Seconds()), int64(chunkInterval.Seconds()), int64(spec.RetentionPeriod.Seconds()),
	)
	return err
}

// storeDimensionSource duplicates orchestrate's dimensionSource against
// silver.dimension_configs; kept local so bootstrap has no dependency on
// the orchestrate package.
type storeDimensionSource struct {
	store store.Store
}

func (d storeDimensionSource) ActiveDimensions(ctx context.Context, sourceTable string) ([]domain.DimensionConfig, error) {
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
		return nil, err
	}
	out := make([]domain.DimensionConfig, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.DimensionConfig{
			ID: r.ID, SourceTable: r.SourceTable, DimensionColumn: r.DimensionColumn, IsActive: r.IsActive,
		})
	}
	return out, nil
}

// quoteIdent mirrors plan.quoteIdent; duplicated locally to avoid an
// import cycle between bootstrap and plan (neither depends on the
// other's domain types).
func quoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}
