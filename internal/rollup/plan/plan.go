// Package plan implements the Plan Builder (C2): synthesis of the single
// parameterised INSERT ... SELECT ... GROUP BY ... ON CONFLICT statement
// for one (config, window), built from a typed ColumnPlan produced by
// internal/rollup/schema classification.
package plan

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// ColumnPlan is the introspection-derived, typed description of exactly
// which columns participate in one rollup statement. Its numeric, JSON
// and other columns have been verified by internal/rollup/schema to exist
// on both source and target; its dimensions and timestamp column have
// been verified on the source only. The renderer never accepts raw,
// unvalidated column names.
type ColumnPlan struct {
	Source string // qualified source table, e.g. "raw.metrics"
	Target string // qualified target table, e.g. "gold.metrics_1h"

	TimestampColumn string
	RollupInterval  time.Duration

	Dimensions []string // GROUP BY keys, in stable declared order
	Numeric    []string // columns receiving min_/max_/avg_
	JSONCols   []string // columns receiving array_agg
	OtherCols  []string // columns receiving MODE() WITHIN GROUP
}

// Window is the half-open [Start, End) range a single run aggregates.
type Window struct {
	Start time.Time
	End   time.Time
}

// Statement is a fully parameterised SQL statement ready for execution.
type Statement struct {
	SQL  string
	Args []any
}

// quoteIdent quotes a single SQL identifier, doubling any embedded quote
// characters. Every identifier reaching this function has already been
// whitelisted against a ColumnPlan built from live schema introspection;
// it is never interpolated from untrusted input.
func quoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// quoteQualified quotes a possibly schema-qualified identifier, e.g.
// "gold.metrics_1h" -> "gold"."metrics_1h".
func quoteQualified(qualified string) string {
	parts := strings.SplitN(qualified, ".", 2)
	if len(parts) == 1 {
		return quoteIdent(parts[0])
	}
	return quoteIdent(parts[0]) + "." + quoteIdent(parts[1])
}

// degenerate reports whether a plan has nothing worth rolling up: no
// dimensions and no aggregated columns (spec §4.6 step 4).
func (p ColumnPlan) degenerate() bool {
	return len(p.Dimensions) == 0 && len(p.Numeric) == 0 && len(p.JSONCols) == 0 && len(p.OtherCols) == 0
}

// Builder renders a ColumnPlan and Window into a single parameterised
// INSERT ... SELECT ... GROUP BY ... ON CONFLICT statement.
type Builder struct{}

// NewBuilder creates a plan Builder. It holds no state: all inputs are
// passed to Build.
func NewBuilder() *Builder {
	return &Builder{}
}

// Build synthesises the statement for one (ColumnPlan, Window). Returns a
// plan-degeneracy error if the plan has no dimensions and no aggregated
// columns.
func (b *Builder) Build(p ColumnPlan, w Window) (Statement, error) {
	if p.degenerate() {
		return Statement{}, fmt.Errorf("plan degenerate: %s has no dimensions and no aggregated columns", p.Source)
	}

	tsIdent := quoteIdent(p.TimestampColumn)

	// Column ordering in INSERT and SELECT must match positionally
	// (spec §4.2); insertCols tracks that shared order. The bucket
	// expression is GROUP BY'd by ordinal position (1), and each
	// dimension by its own ordinal position, so the interval literal
	// need only be bound once.
	sb := sq.StatementBuilder.PlaceholderFormat(sq.Dollar).
		Select().
		Column(fmt.Sprintf("time_bucket(?, %s)", tsIdent), p.RollupInterval.String())

	insertCols := []string{"timestamp"}
	groupByOrdinals := []string{"1"}

	for idx, d := range p.Dimensions {
		sb = sb.Column(quoteIdent(d))
		insertCols = append(insertCols, d)
		groupByOrdinals = append(groupByOrdinals, strconv.Itoa(2+idx))
	}

	for _, x := range p.Numeric {
		sb = sb.Column(fmt.Sprintf("MIN(%s)", quoteIdent(x)))
		sb = sb.Column(fmt.Sprintf("MAX(%s)", quoteIdent(x)))
		sb = sb.Column(fmt.Sprintf("AVG(%s)", quoteIdent(x)))
		insertCols = append(insertCols, "min_"+x, "max_"+x, "avg_"+x)
	}

	for _, j := range p.JSONCols {
		sb = sb.Column(fmt.Sprintf("array_agg(%s)", quoteIdent(j)))
		insertCols = append(insertCols, j)
	}

	for _, o := range p.OtherCols {
		sb = sb.Column(fmt.Sprintf("MODE() WITHIN GROUP (ORDER BY %s)", quoteIdent(o)))
		insertCols = append(insertCols, o)
	}

	sb = sb.Column("COUNT(*)")
	sb = sb.Column("NOW()")
	insertCols = append(insertCols, "rollup_count", "last_updated_at")

	sb = sb.From(quoteQualified(p.Source)).
		Where(fmt.Sprintf("%s >= ? AND %s < ?", tsIdent, tsIdent), w.Start, w.End).
		GroupBy(groupByOrdinals...)

	selectSQL, selectArgs, err := sb.ToSql()
	if err != nil {
		return Statement{}, fmt.Errorf("render select: %w", err)
	}

	sqlText := renderInsertWrapper(insertCols, selectSQL, p)

	return Statement{SQL: sqlText, Args: selectArgs}, nil
}

// renderInsertWrapper wraps the rendered SELECT in the
// INSERT ... ON CONFLICT shell. The conflict target is (timestamp, dims…);
// when there are no dimensions it collapses to (timestamp). Non-key
// columns receive DO UPDATE SET col = EXCLUDED.col; if there are none,
// the action is DO NOTHING. Build always adds rollup_count and
// last_updated_at, so a dimensions-only plan still gets DO UPDATE SET.
func renderInsertWrapper(insertCols []string, selectSQL string, p ColumnPlan) string {
	quotedInsertCols := make([]string, len(insertCols))
	for i, c := range insertCols {
		quotedInsertCols[i] = quoteIdent(c)
	}

	conflictTarget := append([]string{"timestamp"}, p.Dimensions...)
	quotedConflictTarget := make([]string, len(conflictTarget))
	for i, c := range conflictTarget {
		quotedConflictTarget[i] = quoteIdent(c)
	}

	keySet := toSet(conflictTarget)
	var setClauses []string
	for _, c := range insertCols {
		if keySet[c] {
			continue
		}
		setClauses = append(setClauses, fmt.Sprintf("%s = EXCLUDED.%s", quoteIdent(c), quoteIdent(c)))
	}

	conflictAction := "DO NOTHING"
	if len(setClauses) > 0 {
		conflictAction = "DO UPDATE SET " + strings.Join(setClauses, ", ")
	}

	return fmt.Sprintf(
		"INSERT INTO %s (%s)\n%s\nON CONFLICT (%s) %s",
		quoteQualified(p.Target),
		strings.Join(quotedInsertCols, ", "),
		selectSQL,
		strings.Join(quotedConflictTarget, ", "),
		conflictAction,
	)
}

func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}
