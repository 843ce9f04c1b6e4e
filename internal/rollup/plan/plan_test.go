package plan

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuilder_Build_WithDimensionsAndNumeric(t *testing.T) {
	b := NewBuilder()
	w := Window{
		Start: time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 1, 1, 11, 0, 0, 0, time.UTC),
	}
	p := ColumnPlan{
		Source:          "raw.metrics",
		Target:          "gold.metrics_1h",
		TimestampColumn: "ts",
		RollupInterval:  time.Hour,
		Dimensions:      []string{"tenant"},
		Numeric:         []string{"value"},
	}

	stmt, err := b.Build(p, w)
	require.NoError(t, err)

	assert.Contains(t, stmt.SQL, `INSERT INTO "gold"."metrics_1h"`)
	assert.Contains(t, stmt.SQL, `"timestamp", "tenant", "min_value", "max_value", "avg_value", "rollup_count", "last_updated_at"`)
	assert.Contains(t, stmt.SQL, "time_bucket($1,")
	assert.Contains(t, stmt.SQL, `MIN("value")`)
	assert.Contains(t, stmt.SQL, `MAX("value")`)
	assert.Contains(t, stmt.SQL, `AVG("value")`)
	assert.Contains(t, stmt.SQL, "GROUP BY 1, 2")
	assert.Contains(t, stmt.SQL, `ON CONFLICT ("timestamp", "tenant") DO UPDATE SET`)
	assert.Contains(t, stmt.SQL, `"min_value" = EXCLUDED."min_value"`)

	require.Len(t, stmt.Args, 3)
	assert.Equal(t, time.Hour.String(), stmt.Args[0])
	assert.Equal(t, w.Start, stmt.Args[1])
	assert.Equal(t, w.End, stmt.Args[2])
}

func TestBuilder_Build_NoDimensions_ConflictTargetIsTimestamp(t *testing.T) {
	b := NewBuilder()
	w := Window{Start: time.Now().Add(-time.Hour), End: time.Now()}
	p := ColumnPlan{
		Source:          "raw.metrics",
		Target:          "gold.metrics_1h",
		TimestampColumn: "ts",
		RollupInterval:  time.Hour,
		Numeric:         []string{"value"},
	}

	stmt, err := b.Build(p, w)
	require.NoError(t, err)

	assert.Contains(t, stmt.SQL, `ON CONFLICT ("timestamp") DO UPDATE SET`)
	assert.NotContains(t, stmt.SQL, "GROUP BY 1, 2")
	assert.True(t, strings.Contains(stmt.SQL, "GROUP BY 1"))
}

func TestBuilder_Build_NoAggregatedColumns_StillUpdatesBookkeeping(t *testing.T) {
	b := NewBuilder()
	w := Window{Start: time.Now().Add(-time.Hour), End: time.Now()}
	p := ColumnPlan{
		Source:          "raw.metrics",
		Target:          "gold.metrics_1h",
		TimestampColumn: "ts",
		RollupInterval:  time.Hour,
		Dimensions:      []string{"tenant"},
	}

	stmt, err := b.Build(p, w)
	require.NoError(t, err)

	assert.Contains(t, stmt.SQL, `DO UPDATE SET "rollup_count" = EXCLUDED."rollup_count", "last_updated_at" = EXCLUDED."last_updated_at"`)
}

func TestBuilder_Build_Degenerate(t *testing.T) {
	b := NewBuilder()
	w := Window{Start: time.Now().Add(-time.Hour), End: time.Now()}
	p := ColumnPlan{
		Source:          "raw.metrics",
		Target:          "gold.metrics_1h",
		TimestampColumn: "ts",
		RollupInterval:  time.Hour,
	}

	_, err := b.Build(p, w)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "degenerate")
}
