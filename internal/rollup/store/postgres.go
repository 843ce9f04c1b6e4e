package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	"github.com/jmoiron/sqlx"

	"github.com/ipiton/tsrollup/internal/resilience"
)

// connectionErrorChecker retries only transient network failures.
// sql.ErrNoRows and every other query-shaped error (bad SQL, constraint
// violation, missing column) must surface immediately, not after a round
// of pointless backoff delays.
type connectionErrorChecker struct{}

func (connectionErrorChecker) IsRetryable(err error) bool {
	if errors.Is(err, sql.ErrNoRows) {
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// storeRetryPolicy bounds the connection-level retries PostgresStore
// applies to its top-level (non-transactional) calls: a dropped connection
// or transient network blip should not fail a whole candidate scan, but a
// genuine query error (bad SQL, constraint violation) must not be retried.
func storeRetryPolicy() *resilience.RetryPolicy {
	policy := resilience.DefaultRetryPolicy()
	policy.MaxRetries = 2
	policy.OperationName = "rollup_store"
	policy.ErrorChecker = connectionErrorChecker{}
	return policy
}

// PostgresStore adapts a *sqlx.DB (built over the pgx stdlib driver, so it
// shares the connection string and pooling behaviour of
// internal/database/postgres) to the Store interface.
type PostgresStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewPostgresStore opens a sqlx-wrapped connection against dsn.
func NewPostgresStore(dsn string, logger *slog.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres store: %w", err)
	}

	return &PostgresStore{db: db, logger: logger}, nil
}

// NewPostgresStoreFromDB wraps an already-open *sqlx.DB, letting callers
// share a connection pool with other subsystems.
func NewPostgresStoreFromDB(db *sqlx.DB, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{db: db, logger: logger}
}

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Exec implements Store.
func (s *PostgresStore) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	var rowsAffected int64
	err := resilience.WithRetry(ctx, storeRetryPolicy(), func() error {
		result, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		rowsAffected, err = result.RowsAffected()
		return err
	})
	return rowsAffected, err
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, dest any, query string, args ...any) error {
	err := resilience.WithRetry(ctx, storeRetryPolicy(), func() error {
		return s.db.GetContext(ctx, dest, query, args...)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNoRows
	}
	return err
}

// Select implements Store.
func (s *PostgresStore) Select(ctx context.Context, dest any, query string, args ...any) error {
	return resilience.WithRetry(ctx, storeRetryPolicy(), func() error {
		return s.db.SelectContext(ctx, dest, query, args...)
	})
}

// WithTx implements Store.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	sqlTx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	txStore := &postgresTx{tx: sqlTx}

	if err := fn(ctx, txStore); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			s.logger.Error("rollback failed after transaction error", "error", rbErr, "cause", err)
		}
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// postgresTx adapts a single *sqlx.Tx to Store, so transactional code
// inside WithTx can reuse the same Exec/Get/Select call surface.
type postgresTx struct {
	tx *sqlx.Tx
}

func (t *postgresTx) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	result, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (t *postgresTx) Get(ctx context.Context, dest any, query string, args ...any) error {
	err := t.tx.GetContext(ctx, dest, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNoRows
	}
	return err
}

func (t *postgresTx) Select(ctx context.Context, dest any, query string, args ...any) error {
	return t.tx.SelectContext(ctx, dest, query, args...)
}

// WithTx on a transaction runs fn against the same transaction: Postgres
// does not nest transactions, so this simply reuses the current one.
func (t *postgresTx) WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	return fn(ctx, t)
}

// ActivePeerSessions implements LoadSampler against pg_stat_activity,
// excluding the caller's own backend and idle connections.
func (s *PostgresStore) ActivePeerSessions(ctx context.Context) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `
		SELECT count(*)
		FROM pg_stat_activity
		WHERE datname = current_database()
		  AND pid <> pg_backend_pid()
		  AND state = 'active'
		  AND query NOT ILIKE '%pg_stat_activity%'
	`)
	return count, err
}
