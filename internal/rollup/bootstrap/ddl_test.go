package bootstrap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ipiton/tsrollup/internal/rollup/schema"
)

func TestRenderCreateTable_DimensionsAndNumeric(t *testing.T) {
	spec := Spec{TargetSchema: "gold", TargetName: "metrics_1h"}
	sourceColumns := []schema.Column{}

	ddl, err := renderCreateTable(spec, sourceColumns, "timestamp", []string{"tenant"}, []string{"value"}, nil, nil)
	require.NoError(t, err)

	assert.Contains(t, ddl, `"timestamp" TIMESTAMPTZ NOT NULL`)
	assert.Contains(t, ddl, `"tenant" TEXT NOT NULL`)
	assert.Contains(t, ddl, `"min_value" DOUBLE PRECISION`)
	assert.Contains(t, ddl, `"max_value" DOUBLE PRECISION`)
	assert.Contains(t, ddl, `"avg_value" DOUBLE PRECISION`)
	assert.Contains(t, ddl, `"rollup_count" INTEGER NOT NULL DEFAULT 1`)
	assert.Contains(t, ddl, `PRIMARY KEY ("timestamp", "tenant")`)
}

func TestRenderCreateTable_NoDimensions(t *testing.T) {
	spec := Spec{TargetSchema: "gold", TargetName: "metrics_1h"}
	ddl, err := renderCreateTable(spec, nil, "timestamp", nil, nil, nil, nil)
	require.NoError(t, err)
	assert.Contains(t, ddl, `PRIMARY KEY ("timestamp")`)
}

func TestRenderIndexes_WithDimensionsAndJSON(t *testing.T) {
	spec := Spec{TargetSchema: "gold", TargetName: "metrics_1h"}
	stmts := renderIndexes(spec, []string{"tenant"}, []string{"payload"})

	require.Len(t, stmts, 3)
	assert.Contains(t, stmts[0], "USING BRIN")
	assert.Contains(t, stmts[1], `"tenant"`)
	assert.Contains(t, stmts[1], `"timestamp" DESC`)
	assert.Contains(t, stmts[2], "USING GIN")
}

func TestRenderIndexes_NoDimensionsNoJSON(t *testing.T) {
	spec := Spec{TargetSchema: "gold", TargetName: "metrics_1h"}
	stmts := renderIndexes(spec, nil, nil)
	require.Len(t, stmts, 1)
}
