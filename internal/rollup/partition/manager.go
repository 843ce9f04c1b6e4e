// Package partition models the external partition manager of spec §6: an
// opaque service the orchestrator only invokes, never reimplements. The
// default implementation calls the partition-management SQL functions a
// pg_partman-style extension installs; any store exposing the same
// functions under the same names satisfies it.
package partition

import (
	"context"
	"fmt"
	"time"

	"github.com/ipiton/tsrollup/internal/rollup/store"
)

// Manager is the partition-manager contract of spec §6.
type Manager interface {
	// CreateParent registers table for range partitioning on
	// controlColumn, partitioned at interval, with premake partitions
	// pre-created ahead of the current range.
	CreateParent(ctx context.Context, table, controlColumn string, interval time.Duration, premake int) error

	// RunMaintenance creates upcoming partitions and drops/detaches
	// expired ones across every managed table.
	RunMaintenance(ctx context.Context) error

	// SetRetention sets or updates the retention policy for table.
	// keepTable controls whether an expired partition is detached (kept
	// as a standalone table) or dropped outright; infinite disables
	// retention-based reclamation entirely.
	SetRetention(ctx context.Context, table string, retention time.Duration, keepTable, infinite bool) error
}

// SQLManager calls the partition-management functions of spec §6
// (create_parent, run_maintenance, set_retention) directly against the
// store, the way the external extension's own SQL API expects them to be
// invoked.
type SQLManager struct {
	store store.Store
}

// NewSQLManager creates a Manager backed by st's partition-management
// SQL functions.
func NewSQLManager(st store.Store) *SQLManager {
	return &SQLManager{store: st}
}

// CreateParent implements Manager.
func (m *SQLManager) CreateParent(ctx context.Context, table, controlColumn string, interval time.Duration, premake int) error {
	_, err := m.store.Exec(ctx, `
		SELECT partman.create_parent(
			p_parent_table := $1,
			p_control := $2,
			p_interval := $3,
			p_premake := $4
		)
	`, table, controlColumn, intervalLiteral(interval), premake)
	if err != nil {
		return fmt.Errorf("create_parent(%s): %w", table, err)
	}
	return nil
}

// RunMaintenance implements Manager.
func (m *SQLManager) RunMaintenance(ctx context.Context) error {
	_, err := m.store.Exec(ctx, `SELECT partman.run_maintenance()`)
	if err != nil {
		return fmt.Errorf("run_maintenance: %w", err)
	}
	return nil
}

// SetRetention implements Manager.
func (m *SQLManager) SetRetention(ctx context.Context, table string, retention time.Duration, keepTable, infinite bool) error {
	_, err := m.store.Exec(ctx, `
		UPDATE partman.part_config
		SET retention = $2,
		    retention_keep_table = $3,
		    infinite_time_partitions = $4
		WHERE parent_table = $1
	`, table, intervalLiteral(retention), keepTable, infinite)
	if err != nil {
		return fmt.Errorf("set_retention(%s): %w", table, err)
	}
	return nil
}

// intervalLiteral renders d as a Postgres interval literal accepted by
// partman's text-typed interval parameters.
func intervalLiteral(d time.Duration) string {
	return fmt.Sprintf("%d seconds", int64(d.Seconds()))
}
