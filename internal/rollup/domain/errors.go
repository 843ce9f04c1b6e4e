package domain

import (
	"fmt"
	"time"
)

// ErrorKind classifies a RollupError into one of the taxonomy entries of
// spec §7. It drives whether the orchestrator continues the loop, aborts
// the config, or surfaces the error to the caller.
type ErrorKind string

const (
	// KindTransientStore covers deadlocks, connection resets and similar
	// store errors that are retried via the C5 backoff schedule.
	KindTransientStore ErrorKind = "transient_store"

	// KindSchemaInspection covers introspection problems. A declared
	// dimension missing from the source is logged and the run continues
	// without it; a failed column-introspection query aborts the run.
	// Columns are read per table, so a single unreadable column is not
	// skipped on its own.
	KindSchemaInspection ErrorKind = "schema_inspection"

	// KindPlanDegeneracy covers a plan with no dimensions and no
	// aggregated columns (nothing left to roll up); aborts the config.
	KindPlanDegeneracy ErrorKind = "plan_degeneracy"

	// KindExecution covers a failure of the synthesised INSERT statement
	// itself (bad query, permission denied).
	KindExecution ErrorKind = "execution"

	// KindBudgetOverrun covers a lease held past max_execution_time.
	KindBudgetOverrun ErrorKind = "budget_overrun"

	// KindLostLease covers zero rows affected on release: the lease was
	// revoked mid-run by a takeover.
	KindLostLease ErrorKind = "lost_lease"

	// KindValidation covers a ValidateRollupConfig failure; it is
	// caller-visible and never written to ErrorLog.
	KindValidation ErrorKind = "validation"
)

// RollupError is the Go translation of the source's PL/pgSQL
// "BEGIN ... EXCEPTION WHEN OTHERS" blocks (spec §9): a structured result
// carrying everything an ErrorLog row needs.
type RollupError struct {
	Kind           ErrorKind
	Message        string
	SQLState       string
	Detail         string
	Hint           string
	Context        string
	AttemptedQuery string

	cause error
}

// NewRollupError creates a RollupError of the given kind.
func NewRollupError(kind ErrorKind, message string) *RollupError {
	return &RollupError{Kind: kind, Message: message}
}

// Error implements the error interface.
func (e *RollupError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s [%s]: %s (%s)", e.Kind, e.SQLState, e.Message, e.Context)
	}
	return fmt.Sprintf("%s [%s]: %s", e.Kind, e.SQLState, e.Message)
}

// Unwrap exposes the wrapped cause, if any, to errors.Is/errors.As.
func (e *RollupError) Unwrap() error {
	return e.cause
}

// WithCause attaches the underlying error this RollupError was derived from.
func (e *RollupError) WithCause(cause error) *RollupError {
	e.cause = cause
	if cause != nil && e.Message == "" {
		e.Message = cause.Error()
	}
	return e
}

// WithSQLState attaches the store's SQLSTATE code.
func (e *RollupError) WithSQLState(sqlState string) *RollupError {
	e.SQLState = sqlState
	return e
}

// WithDetail attaches additional diagnostic detail and hint text.
func (e *RollupError) WithDetail(detail, hint string) *RollupError {
	e.Detail = detail
	e.Hint = hint
	return e
}

// WithContext attaches a short label naming where in the pipeline the
// error occurred (e.g. "dimension column check", "plan execution").
func (e *RollupError) WithContext(context string) *RollupError {
	e.Context = context
	return e
}

// WithAttemptedQuery attaches the synthesised statement that failed, for
// ErrorLog's attempted_query column.
func (e *RollupError) WithAttemptedQuery(query string) *RollupError {
	e.AttemptedQuery = query
	return e
}

// ToErrorLogEntry renders the error as an ErrorLogEntry ready for append.
func (e *RollupError) ToErrorLogEntry(sourceTable, targetTable string, at time.Time) ErrorLogEntry {
	return ErrorLogEntry{
		SourceTable:    sourceTable,
		TargetTable:    targetTable,
		ErrorTimestamp: at,
		Message:        e.Message,
		SQLState:       e.SQLState,
		Detail:         e.Detail,
		Hint:           e.Hint,
		Context:        e.Context,
		AttemptedQuery: e.AttemptedQuery,
	}
}
