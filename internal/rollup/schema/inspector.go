// Package schema implements the Schema Inspector (C1): live introspection
// of source/target table columns via information_schema, classification
// into timestamp / dimension / numeric / non-numeric / jsonb, and the
// derived sets the Plan Builder consumes.
package schema

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ipiton/tsrollup/internal/rollup/domain"
	"github.com/ipiton/tsrollup/internal/rollup/store"
)

// SemanticType is the classification of a column for rollup purposes.
type SemanticType string

const (
	Timestamp SemanticType = "TIMESTAMP"
	Numeric   SemanticType = "NUMERIC"
	JSON      SemanticType = "JSON"
	Other     SemanticType = "OTHER"
)

// Column is one introspected column: its name and semantic type.
type Column struct {
	Name string       `db:"column_name"`
	Type SemanticType `db:"-"`

	dataType string `db:"data_type"`
	udtName  string `db:"udt_name"`
}

// reservedColumns are never projected as aggregated numeric/non-numeric
// output columns: they are either the partitioning key or rollup
// bookkeeping added by the Bootstrap step (spec §4.1, §4.8).
var reservedColumns = map[string]bool{
	"timestamp":       true,
	"last_updated_at": true,
	"rollup_count":    true,
}

// reservedAggregatePrefixes excludes columns that are themselves the
// output of a previous rollup pass (min_/max_/avg_) from being treated as
// raw numeric input columns.
var reservedAggregatePrefixes = []string{"min_", "max_", "avg_"}

// Inspector introspects table columns via information_schema and caches
// results for the lifetime of a single orchestrator invocation (spec
// §4.1: "Results for a single invocation... are cached").
type Inspector struct {
	store  store.Store
	logger *slog.Logger

	cache map[string][]Column
}

// NewInspector creates an Inspector backed by st. The cache is scoped to
// this Inspector instance; orchestrate constructs one per config run and
// one per ValidateRollupConfig call.
func NewInspector(st store.Store, logger *slog.Logger) *Inspector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Inspector{
		store:  st,
		logger: logger,
		cache:  make(map[string][]Column),
	}
}

// qualifiedTableParts splits "schema.table" into its two parts, defaulting
// the schema to "public" when unqualified.
func qualifiedTableParts(qualified string) (schemaName, tableName string) {
	parts := strings.SplitN(qualified, ".", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return "public", parts[0]
}

// columnRow mirrors one information_schema.columns row.
type columnRow struct {
	ColumnName string `db:"column_name"`
	DataType   string `db:"data_type"`
	UDTName    string `db:"udt_name"`
}

// Columns returns the ordered list of columns for a qualified table name,
// classified by semantic type. Results are cached per Inspector instance.
func (i *Inspector) Columns(ctx context.Context, qualifiedTable string) ([]Column, error) {
	if cached, ok := i.cache[qualifiedTable]; ok {
		return cached, nil
	}

	schemaName, tableName := qualifiedTableParts(qualifiedTable)

	var rows []columnRow
	err := i.store.Select(ctx, &rows, `
		SELECT column_name, data_type, udt_name
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position
	`, schemaName, tableName)
	if err != nil {
		return nil, domain.NewRollupError(domain.KindSchemaInspection,
			fmt.Sprintf("introspecting columns of %s", qualifiedTable)).
			WithCause(err).
			WithContext("column introspection")
	}

	columns := make([]Column, 0, len(rows))
	for _, r := range rows {
		columns = append(columns, Column{
			Name:     r.ColumnName,
			Type:     classifyDataType(r.DataType, r.UDTName),
			dataType: r.DataType,
			udtName:  r.UDTName,
		})
	}

	i.cache[qualifiedTable] = columns
	return columns, nil
}

// classifyDataType maps an information_schema data_type/udt_name pair to
// a SemanticType.
func classifyDataType(dataType, udtName string) SemanticType {
	switch dataType {
	case "timestamp without time zone", "timestamp with time zone", "date":
		return Timestamp
	case "smallint", "integer", "bigint", "decimal", "numeric", "real", "double precision":
		return Numeric
	case "json", "jsonb":
		return JSON
	default:
		if strings.HasPrefix(udtName, "_") {
			// Array types (e.g. _jsonb for jsonb[]) surface JSON-like
			// aggregation the same way a plain jsonb column does.
			if strings.Contains(udtName, "json") {
				return JSON
			}
		}
		return Other
	}
}

// hasReservedAggregatePrefix reports whether name looks like the output of
// a prior rollup (min_x, max_x, avg_x), excluding it from numeric
// classification so a rollup target is never mistaken for a source.
func hasReservedAggregatePrefix(name string) bool {
	for _, prefix := range reservedAggregatePrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// columnByName finds a column by name in a slice, or reports not-found.
func columnByName(columns []Column, name string) (Column, bool) {
	for _, c := range columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// DataType returns the raw information_schema.data_type for a column,
// used by bootstrap to project a source column's type onto the target
// table (spec §4.8).
func (c Column) DataType() string {
	return c.dataType
}

// ColumnByName finds a column by name, for callers outside this package
// that already hold a []Column (e.g. bootstrap rendering DDL).
func ColumnByName(columns []Column, name string) (Column, bool) {
	return columnByName(columns, name)
}

// HasColumn reports whether qualifiedTable has a column named name.
func (i *Inspector) HasColumn(ctx context.Context, qualifiedTable, name string) (bool, error) {
	columns, err := i.Columns(ctx, qualifiedTable)
	if err != nil {
		return false, err
	}
	_, ok := columnByName(columns, name)
	return ok, nil
}
