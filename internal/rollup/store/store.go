// Package store defines the abstract relational store contract every
// rollup component depends on, so unit tests can substitute a fake
// instead of a live PostgreSQL connection. postgres.PostgresPool (via the
// Postgres adapter in this package) satisfies it.
package store

import "context"

// Store is the store contract of spec §6: single-statement ACID
// transactions, conditional UPDATE ... RETURNING, and the row-scanning
// primitives the rollup components are built on.
type Store interface {
	// Exec runs a statement with no result rows and returns rows affected.
	Exec(ctx context.Context, query string, args ...any) (int64, error)

	// Get scans a single row into dest, a pointer to a struct or scalar.
	// Returns ErrNoRows if the query produced no rows.
	Get(ctx context.Context, dest any, query string, args ...any) error

	// Select scans every row into dest, a pointer to a slice.
	Select(ctx context.Context, dest any, query string, args ...any) error

	// WithTx runs fn inside a single transaction, committing on a nil
	// return and rolling back otherwise.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error
}

// LoadSampler samples concurrent store activity, used by the Window
// Controller (C3) to scale the processing window to observed load. It is
// store-specific (pg_stat_activity or equivalent) and deliberately kept
// separate from Store so tests can substitute a constant sampler.
type LoadSampler interface {
	// ActivePeerSessions returns the count of active sessions against the
	// store, excluding the caller's own connection and introspection
	// queries.
	ActivePeerSessions(ctx context.Context) (int, error)
}
