package bootstrap

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ipiton/tsrollup/internal/rollup/schema"
)

// renderCreateTable builds the target table DDL per spec §4.8 step 3:
// timestamp and dimensions copied verbatim (NOT NULL), numeric columns
// expanded into nullable min_x/max_x/avg_x of the source type, JSON
// columns into a nullable jsonb array, other columns copied verbatim
// (nullable), plus the fixed rollup_count/last_updated_at bookkeeping
// pair and a (timestamp, dims…) primary key.
func renderCreateTable(spec Spec, sourceColumns []schema.Column, timestampCol string, dimensions, numeric, jsonCols, otherCols []string) (string, error) {
	var cols []string
	cols = append(cols, fmt.Sprintf(`%s TIMESTAMPTZ NOT NULL`, quoteIdent("timestamp")))

	for _, d := range dimensions {
		sqlType := sourceColumnType(sourceColumns, d, "TEXT")
		cols = append(cols, fmt.Sprintf(`%s %s NOT NULL`, quoteIdent(d), sqlType))
	}

	for _, x := range numeric {
		sqlType := sourceColumnType(sourceColumns, x, "DOUBLE PRECISION")
		cols = append(cols,
			fmt.Sprintf(`%s %s`, quoteIdent("min_"+x), sqlType),
			fmt.Sprintf(`%s %s`, quoteIdent("max_"+x), sqlType),
			fmt.Sprintf(`%s %s`, quoteIdent("avg_"+x), sqlType),
		)
	}

	for _, j := range jsonCols {
		cols = append(cols, fmt.Sprintf(`%s JSONB[]`, quoteIdent(j)))
	}

	for _, o := range otherCols {
		sqlType := sourceColumnType(sourceColumns, o, "TEXT")
		cols = append(cols, fmt.Sprintf(`%s %s`, quoteIdent(o), sqlType))
	}

	cols = append(cols,
		fmt.Sprintf(`%s INTEGER NOT NULL DEFAULT 1`, quoteIdent("rollup_count")),
		fmt.Sprintf(`%s TIMESTAMPTZ NOT NULL DEFAULT now()`, quoteIdent("last_updated_at")),
	)

	pkCols := append([]string{"timestamp"}, dimensions...)
	quotedPK := make([]string, len(pkCols))
	for i, c := range pkCols {
		quotedPK[i] = quoteIdent(c)
	}

	return fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s.%s (\n\t%s,\n\tPRIMARY KEY (%s)\n)",
		quoteIdent(spec.TargetSchema), quoteIdent(spec.TargetName),
		strings.Join(cols, ",\n\t"),
		strings.Join(quotedPK, ", "),
	), nil
}

// renderIndexes builds the index set of spec §4.8 step 5: a block-range
// index on timestamp, a composite BTREE on (dims…, timestamp DESC) when
// dimensions exist, and a GIN index per JSON-array column.
func renderIndexes(spec Spec, dimensions, jsonCols []string) []string {
	target := quoteIdent(spec.TargetSchema) + "." + quoteIdent(spec.TargetName)
	indexNamePrefix := spec.TargetName

	var stmts []string
	stmts = append(stmts, fmt.Sprintf(
		`CREATE INDEX IF NOT EXISTS %s ON %s USING BRIN (%s)`,
		quoteIdent(indexNamePrefix+"_timestamp_brin"), target, quoteIdent("timestamp"),
	))

	if len(dimensions) > 0 {
		cols := make([]string, 0, len(dimensions)+1)
		for _, d := range dimensions {
			cols = append(cols, quoteIdent(d))
		}
		cols = append(cols, quoteIdent("timestamp")+" DESC")
		stmts = append(stmts, fmt.Sprintf(
			`CREATE INDEX IF NOT EXISTS %s ON %s (%s)`,
			quoteIdent(indexNamePrefix+"_dims_timestamp_btree"), target, strings.Join(cols, ", "),
		))
	}

	for _, j := range jsonCols {
		stmts = append(stmts, fmt.Sprintf(
			`CREATE INDEX IF NOT EXISTS %s ON %s USING GIN (%s)`,
			quoteIdent(indexNamePrefix+"_"+j+"_gin"), target, quoteIdent(j),
		))
	}

	return stmts
}

const (
	targetChunkBytes = 256 * 1024 * 1024
)

// OptimizeChunkInterval implements the partition-sizing heuristic of spec
// §4.8: given current relation size, row count, and the past-day ingest
// rate, choose the interval fitting a 256 MiB target chunk, rounded down
// to the nearest of {1h, 1d, 1w}, defaulting to 1 day when data is
// insufficient.
func (c *Creator) OptimizeChunkInterval(ctx context.Context, sourceTable string) (time.Duration, error) {
	schemaName, tableName := splitQualified(sourceTable)

	var stats struct {
		TotalBytes int64 `db:"total_bytes"`
		RowCount   int64 `db:"row_count"`
	}
	err := c.store.Get(ctx, &stats, `
		SELECT
			pg_total_relation_size(format('%I.%I', $1::text, $2::text)::regclass) AS total_bytes,
			GREATEST(n_live_tup, 0) AS row_count
		FROM pg_stat_user_tables
		WHERE schemaname = $1 AND relname = $2
	`, schemaName, tableName)
	if err != nil || stats.RowCount == 0 || stats.TotalBytes == 0 {
		return 24 * time.Hour, nil
	}

	var dayRows int64
	if err := c.store.Get(ctx, &dayRows, fmt.Sprintf(`
		SELECT count(*) FROM %s.%s WHERE "timestamp" >= now() - interval '1 day'
	`, quoteIdent(schemaName), quoteIdent(tableName))); err != nil || dayRows == 0 {
		return 24 * time.Hour, nil
	}

	bytesPerRow := float64(stats.TotalBytes) / float64(stats.RowCount)
	rowsPerChunk := float64(targetChunkBytes) / bytesPerRow
	rowsPerSecond := float64(dayRows) / 86400.0
	if rowsPerSecond <= 0 {
		return 24 * time.Hour, nil
	}

	idealSeconds := rowsPerChunk / rowsPerSecond

	switch {
	case idealSeconds >= 7*24*3600:
		return 7 * 24 * time.Hour, nil
	case idealSeconds >= 24*3600:
		return 24 * time.Hour, nil
	default:
		return time.Hour, nil
	}
}

func splitQualified(qualified string) (schemaName, tableName string) {
	parts := strings.SplitN(qualified, ".", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return "public", parts[0]
}

func sourceColumnType(columns []schema.Column, name, fallback string) string {
	if c, ok := schema.ColumnByName(columns, name); ok && c.DataType() != "" {
		return c.DataType()
	}
	return fallback
}
