package orchestrate

import (
	"context"
	"fmt"
	"strings"

	"github.com/ipiton/tsrollup/internal/rollup/schema"
)

// ConfigValidation is one row of ValidateRollupConfig's result (spec §6).
type ConfigValidation struct {
	SourceTable string
	TargetTable string
	IsValid     bool
	Message     string
}

// ValidateRollupConfig checks every active config against the three
// structural rules of spec §6: the target table exists, the source table
// has a timestamp column, and every declared dimension exists on the
// target. It never mutates state; failures are returned, not logged to
// ErrorLog (spec §7: "Validation failure ... Returned row, no state
// change").
func (o *Orchestrator) ValidateRollupConfig(ctx context.Context) ([]ConfigValidation, error) {
	rows, err := o.activeConfigs(ctx)
	if err != nil {
		return nil, fmt.Errorf("validate rollup config: %w", err)
	}

	inspector := schema.NewInspector(o.store, o.logger)
	dimSource := dimensionSource{store: o.store}

	results := make([]ConfigValidation, 0, len(rows))
	for _, row := range rows {
		results = append(results, o.validateOne(ctx, inspector, dimSource, row.SourceTable, row.TargetTable))
	}
	return results, nil
}

func (o *Orchestrator) validateOne(ctx context.Context, inspector *schema.Inspector, dimSource dimensionSource, sourceTable, targetTable string) ConfigValidation {
	result := ConfigValidation{SourceTable: sourceTable, TargetTable: targetTable, IsValid: true}

	targetColumns, err := inspector.Columns(ctx, targetTable)
	if err != nil || len(targetColumns) == 0 {
		result.IsValid = false
		result.Message = fmt.Sprintf("Target table does not exist: %s", targetTable)
		return result
	}

	if _, err := inspector.TimestampColumn(ctx, sourceTable); err != nil {
		result.IsValid = false
		result.Message = fmt.Sprintf("Source table %s has no timestamp column", sourceTable)
		return result
	}

	declared, err := dimSource.ActiveDimensions(ctx, sourceTable)
	if err != nil {
		result.IsValid = false
		result.Message = fmt.Sprintf("Failed to load dimension configs for %s: %v", sourceTable, err)
		return result
	}

	var dimNames []string
	for _, d := range declared {
		dimNames = append(dimNames, d.DimensionColumn)
	}

	missing, err := inspector.MissingDimensionsOnTarget(ctx, targetTable, dimNames)
	if err != nil {
		result.IsValid = false
		result.Message = fmt.Sprintf("Failed to inspect target table %s: %v", targetTable, err)
		return result
	}
	if len(missing) > 0 {
		result.IsValid = false
		result.Message = fmt.Sprintf("Missing dimension columns in target table: %s", strings.Join(missing, ", "))
		return result
	}

	return result
}
