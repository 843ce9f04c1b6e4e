package schema

import (
	"context"
	"fmt"

	"github.com/ipiton/tsrollup/internal/rollup/domain"
)

// DimensionSource abstracts the set of declared dimension columns for a
// source table, so ClassifyDimensions doesn't depend on a concrete
// repository; internal/rollup/orchestrate supplies the live one backed by
// the silver.dimension_configs table.
type DimensionSource interface {
	ActiveDimensions(ctx context.Context, sourceTable string) ([]domain.DimensionConfig, error)
}

// ClassifyDimensions returns the active, schema-verified dimension columns
// of sourceTable (spec §4.1): declared dimensions that are both active and
// present on the source. Missing-but-declared dimensions are reported
// separately so the caller can log them to ErrorLog without aborting the
// run.
func (i *Inspector) ClassifyDimensions(ctx context.Context, sourceTable string, declared []domain.DimensionConfig) (present []string, missing []string, err error) {
	columns, err := i.Columns(ctx, sourceTable)
	if err != nil {
		return nil, nil, err
	}

	for _, d := range declared {
		if !d.IsActive {
			continue
		}
		if _, ok := columnByName(columns, d.DimensionColumn); ok {
			present = append(present, d.DimensionColumn)
		} else {
			missing = append(missing, d.DimensionColumn)
		}
	}
	return present, missing, nil
}

// ClassifyNumeric returns the numeric source columns eligible for
// MIN/MAX/AVG aggregation (spec §4.1): semantic type NUMERIC, not one of
// the reserved bookkeeping columns, not a dimension, and not itself the
// output of a prior rollup (min_/max_/avg_ prefix).
func (i *Inspector) ClassifyNumeric(ctx context.Context, sourceTable string, dimensions []string) ([]string, error) {
	columns, err := i.Columns(ctx, sourceTable)
	if err != nil {
		return nil, err
	}

	dimSet := toSet(dimensions)

	var numeric []string
	for _, c := range columns {
		if c.Type != Numeric {
			continue
		}
		if reservedColumns[c.Name] || dimSet[c.Name] || hasReservedAggregatePrefix(c.Name) {
			continue
		}
		numeric = append(numeric, c.Name)
	}
	return numeric, nil
}

// ClassifyNonNumeric returns the non-numeric, non-timestamp source columns
// eligible for projection (JSON via array_agg, anything else via MODE()
// WITHIN GROUP), excluding dimensions and reserved bookkeeping columns.
func (i *Inspector) ClassifyNonNumeric(ctx context.Context, sourceTable string, dimensions []string) (jsonColumns []string, otherColumns []string, err error) {
	columns, err := i.Columns(ctx, sourceTable)
	if err != nil {
		return nil, nil, err
	}

	dimSet := toSet(dimensions)

	for _, c := range columns {
		if c.Type == Numeric || c.Type == Timestamp {
			continue
		}
		if dimSet[c.Name] || reservedColumns[c.Name] {
			continue
		}
		if c.Type == JSON {
			jsonColumns = append(jsonColumns, c.Name)
		} else {
			otherColumns = append(otherColumns, c.Name)
		}
	}
	return jsonColumns, otherColumns, nil
}

// NumericProjectable filters numericCandidates down to those the target
// table can actually receive: a numeric column x is only projected if the
// target has all three of min_x, max_x, avg_x (spec §4.1).
func (i *Inspector) NumericProjectable(ctx context.Context, targetTable string, numericCandidates []string) ([]string, error) {
	targetColumns, err := i.Columns(ctx, targetTable)
	if err != nil {
		return nil, err
	}

	var projectable []string
	for _, x := range numericCandidates {
		minOK, maxOK, avgOK := false, false, false
		if _, ok := columnByName(targetColumns, "min_"+x); ok {
			minOK = true
		}
		if _, ok := columnByName(targetColumns, "max_"+x); ok {
			maxOK = true
		}
		if _, ok := columnByName(targetColumns, "avg_"+x); ok {
			avgOK = true
		}
		if minOK && maxOK && avgOK {
			projectable = append(projectable, x)
		}
	}
	return projectable, nil
}

// NonNumericProjectable filters non-numeric candidates down to those that
// also exist verbatim on the target table (spec §4.1).
func (i *Inspector) NonNumericProjectable(ctx context.Context, targetTable string, candidates []string) ([]string, error) {
	targetColumns, err := i.Columns(ctx, targetTable)
	if err != nil {
		return nil, err
	}

	var projectable []string
	for _, c := range candidates {
		if _, ok := columnByName(targetColumns, c); ok {
			projectable = append(projectable, c)
		}
	}
	return projectable, nil
}

// MissingDimensionsOnTarget reports which of the declared dimensions are
// absent from targetTable, used by ValidateRollupConfig (spec §6).
func (i *Inspector) MissingDimensionsOnTarget(ctx context.Context, targetTable string, dimensions []string) ([]string, error) {
	targetColumns, err := i.Columns(ctx, targetTable)
	if err != nil {
		return nil, err
	}

	var missing []string
	for _, d := range dimensions {
		if _, ok := columnByName(targetColumns, d); !ok {
			missing = append(missing, d)
		}
	}
	return missing, nil
}

// TimestampColumn returns the name of the first TIMESTAMP-classified
// column on qualifiedTable, or an error if none exists.
func (i *Inspector) TimestampColumn(ctx context.Context, qualifiedTable string) (string, error) {
	columns, err := i.Columns(ctx, qualifiedTable)
	if err != nil {
		return "", err
	}
	for _, c := range columns {
		if c.Type == Timestamp {
			return c.Name, nil
		}
	}
	return "", fmt.Errorf("table %s has no timestamp column", qualifiedTable)
}

func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}
