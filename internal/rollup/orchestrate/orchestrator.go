// Package orchestrate implements the Orchestrator (C6): the top-level
// scan-and-process loop that drives every other rollup component through
// the per-config pipeline of spec §4.6 (claim, budget check, window, plan,
// execute, commit or retry, release).
package orchestrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ipiton/tsrollup/internal/rollup/domain"
	"github.com/ipiton/tsrollup/internal/rollup/lease"
	"github.com/ipiton/tsrollup/internal/rollup/plan"
	"github.com/ipiton/tsrollup/internal/rollup/retry"
	"github.com/ipiton/tsrollup/internal/rollup/schema"
	"github.com/ipiton/tsrollup/internal/rollup/store"
	"github.com/ipiton/tsrollup/internal/rollup/window"
)

// Options configures an Orchestrator.
type Options struct {
	// WorkerID identifies this process in claimed leases. Defaults to a
	// fresh UUID if empty.
	WorkerID string
	// MaxWorkers bounds per-invocation fan-out across candidate configs
	// (spec §5: "an implementation may choose parallelism across configs
	// provided each config is claimed exclusively").
	MaxWorkers int
}

// Orchestrator wires the Lease Manager, Window Controller, Schema
// Inspector, Plan Builder and Retry Scheduler into the candidate scan and
// per-config pipeline of spec §4.6.
type Orchestrator struct {
	store store.Store

	leases  *lease.Manager
	windows *window.Controller
	retries *retry.Scheduler
	planner *plan.Builder

	workerID   string
	maxWorkers int

	logger *slog.Logger
}

// New creates an Orchestrator backed by st. sampler may be nil (no load
// adjustment). logger may be nil (defaults to slog.Default()).
func New(st store.Store, sampler store.LoadSampler, opts Options, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	workerID := opts.WorkerID
	if workerID == "" {
		workerID = uuid.NewString()
	}
	maxWorkers := opts.MaxWorkers
	if maxWorkers < 1 {
		maxWorkers = 1
	}

	return &Orchestrator{
		store:      st,
		leases:     lease.NewManager(st, logger),
		windows:    window.NewController(sampler, logger),
		retries:    retry.NewScheduler(st, logger),
		planner:    plan.NewBuilder(),
		workerID:   workerID,
		maxWorkers: maxWorkers,
		logger:     logger.With("component", "orchestrator", "worker_id", workerID),
	}
}

// PerformRollup loads the candidate set (spec §4.6) and drives each
// through the per-config pipeline, with up to maxWorkers running
// concurrently. specificTable, if non-nil, restricts the scan to one
// source table. Errors inside the per-config pipeline are caught and
// logged (spec §7 propagation policy); only a failure to load the
// candidate set itself is returned.
func (o *Orchestrator) PerformRollup(ctx context.Context, specificTable *string) error {
	loopStart := time.Now()

	rows, err := o.candidates(ctx, loopStart, specificTable)
	if err != nil {
		return fmt.Errorf("perform rollup: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.maxWorkers)

	for _, row := range rows {
		row := row
		g.Go(func() error {
			o.runOne(gctx, row.ID)
			return nil
		})
	}
	// g.Wait's error is always nil: runOne never returns an error, it logs
	// and continues per spec §7 ("the orchestrator loop continues with the
	// next config").
	_ = g.Wait()

	if elapsed := time.Since(loopStart); elapsed > 0 {
		o.logger.Debug("perform rollup loop finished", "candidates", len(rows), "elapsed", elapsed)
	}
	return nil
}

// runOne drives one candidate config through claim -> budget check ->
// window -> plan -> execute -> commit/retry -> release (spec §4.6,
// steps 1-7), logging but never propagating a per-config failure.
func (o *Orchestrator) runOne(ctx context.Context, id int64) {
	now := time.Now()

	// Step 1: claim.
	cfg, priorStartedAt, err := o.leases.Claim(ctx, id, o.workerID, now)
	if errors.Is(err, lease.ErrNotClaimed) {
		return
	}
	if err != nil {
		o.logger.Error("claim failed", "config_id", id, "error", err)
		return
	}

	// Step 2: budget check. A lease we just took over may have already
	// blown its hard cap; check against the started_at it carried before
	// the claim (priorStartedAt), since cfg.StartedAt now holds the
	// just-written claim timestamp and would never look overrun.
	staleCfg := *cfg
	staleCfg.StartedAt = priorStartedAt
	if staleCfg.OverBudget(now) {
		o.failRun(ctx, cfg, now,
			domain.NewRollupError(domain.KindBudgetOverrun,
				fmt.Sprintf("lease for config %d exceeded max_execution_time", cfg.ID)).
				WithContext("budget check"))
		return
	}

	batchStart := now

	// Step 3: compute window.
	w, err := o.windows.Compute(ctx, cfg, now)
	if err != nil {
		o.failRun(ctx, cfg, now,
			domain.NewRollupError(domain.KindExecution, "computing processing window").
				WithCause(err).WithContext("window computation"))
		return
	}
	if w.Empty() {
		if relErr := o.leases.Release(ctx, cfg.ID, o.workerID); relErr != nil && !errors.Is(relErr, lease.ErrLeaseLost) {
			o.logger.Error("release after empty window failed", "config_id", cfg.ID, "error", relErr)
		}
		return
	}

	// Step 4: build plan (schema introspection + rendering).
	stmt, degenerate, buildErr := o.buildPlan(ctx, cfg, w)
	if buildErr != nil {
		o.failRun(ctx, cfg, now, buildErr)
		return
	}
	if degenerate {
		o.failRun(ctx, cfg, now,
			domain.NewRollupError(domain.KindPlanDegeneracy,
				fmt.Sprintf("%s has no dimensions and no aggregated columns", cfg.SourceTable)).
				WithContext("plan degeneracy"))
		return
	}

	// Step 5: execute.
	rowsAffected, err := o.store.Exec(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		o.failRun(ctx, cfg, now,
			domain.NewRollupError(domain.KindExecution, "executing rollup statement").
				WithCause(err).
				WithContext("plan execution").
				WithAttemptedQuery(stmt.SQL))
		return
	}
	if rowsAffected < 0 {
		rowsAffected = 0
	}

	// Step 6: commit success.
	o.commitRun(ctx, cfg, batchStart, now, w, rowsAffected)
}

// buildPlan runs the Schema Inspector and Plan Builder for cfg over window
// w. A failed introspection query is returned as a KindSchemaInspection
// error. A source without a timestamp column, or a plan with nothing to
// roll up, is reported as degenerate (true, nil error). Declared
// dimensions missing from the source are logged to ErrorLog and dropped,
// and columns the target cannot receive are silently left out.
func (o *Orchestrator) buildPlan(ctx context.Context, cfg *domain.RollupConfig, w window.Window) (plan.Statement, bool, *domain.RollupError) {
	inspector := schema.NewInspector(o.store, o.logger)
	dimSource := dimensionSource{store: o.store}

	declared, err := dimSource.ActiveDimensions(ctx, cfg.SourceTable)
	if err != nil {
		return plan.Statement{}, false, domain.NewRollupError(domain.KindSchemaInspection, "loading dimension configs").
			WithCause(err).WithContext("dimension column check")
	}

	present, missing, err := inspector.ClassifyDimensions(ctx, cfg.SourceTable, declared)
	if err != nil {
		return plan.Statement{}, false, domain.NewRollupError(domain.KindSchemaInspection, "classifying dimensions").
			WithCause(err).WithContext("dimension column check")
	}
	for _, m := range missing {
		o.logDimensionMissing(ctx, cfg, m)
	}

	timestampCol, err := inspector.TimestampColumn(ctx, cfg.SourceTable)
	if err != nil {
		return plan.Statement{}, true, nil
	}

	numericCandidates, err := inspector.ClassifyNumeric(ctx, cfg.SourceTable, present)
	if err != nil {
		return plan.Statement{}, false, domain.NewRollupError(domain.KindSchemaInspection, "classifying numeric columns").
			WithCause(err).WithContext("column discovery")
	}
	numeric, err := inspector.NumericProjectable(ctx, cfg.TargetTable, numericCandidates)
	if err != nil {
		return plan.Statement{}, false, domain.NewRollupError(domain.KindSchemaInspection, "checking numeric projectability").
			WithCause(err).WithContext("column discovery")
	}

	jsonCandidates, otherCandidates, err := inspector.ClassifyNonNumeric(ctx, cfg.SourceTable, present)
	if err != nil {
		return plan.Statement{}, false, domain.NewRollupError(domain.KindSchemaInspection, "classifying non-numeric columns").
			WithCause(err).WithContext("column discovery")
	}
	jsonCols, err := inspector.NonNumericProjectable(ctx, cfg.TargetTable, jsonCandidates)
	if err != nil {
		return plan.Statement{}, false, domain.NewRollupError(domain.KindSchemaInspection, "checking json projectability").
			WithCause(err).WithContext("column discovery")
	}
	otherCols, err := inspector.NonNumericProjectable(ctx, cfg.TargetTable, otherCandidates)
	if err != nil {
		return plan.Statement{}, false, domain.NewRollupError(domain.KindSchemaInspection, "checking other-column projectability").
			WithCause(err).WithContext("column discovery")
	}

	columnPlan := plan.ColumnPlan{
		Source:          cfg.SourceTable,
		Target:          cfg.TargetTable,
		TimestampColumn: timestampCol,
		RollupInterval:  cfg.RollupInterval,
		Dimensions:      present,
		Numeric:         numeric,
		JSONCols:        jsonCols,
		OtherCols:       otherCols,
	}

	stmt, err := o.planner.Build(columnPlan, plan.Window{Start: w.Start, End: w.End})
	if err != nil {
		return plan.Statement{}, true, nil
	}
	return stmt, false, nil
}

// logDimensionMissing records a missing-but-declared dimension to
// ErrorLog without aborting the run (spec §4.1).
func (o *Orchestrator) logDimensionMissing(ctx context.Context, cfg *domain.RollupConfig, column string) {
	re := domain.NewRollupError(domain.KindSchemaInspection,
		fmt.Sprintf("declared dimension %q not found on source table", column)).
		WithContext("dimension column check")
	if err := o.appendErrorLog(ctx, re.ToErrorLogEntry(cfg.SourceTable, cfg.TargetTable, time.Now())); err != nil {
		o.logger.Error("failed to append error log for missing dimension", "config_id", cfg.ID, "error", err)
	}
}

// commitRun implements spec §4.6 step 6: append RefreshLog, advance
// last_processed_time to the planned window end, clear retry state, adapt
// processing_window, roll the EWMA, and release the lease.
func (o *Orchestrator) commitRun(ctx context.Context, cfg *domain.RollupConfig, batchStart, now time.Time, w window.Window, rowsProcessed int64) {
	if err := o.appendRefreshLog(ctx, domain.RefreshLogEntry{
		TableName:        cfg.SourceTable,
		StartTime:        batchStart,
		EndTime:          now,
		RecordsProcessed: rowsProcessed,
		RefreshTimestamp: now,
	}); err != nil {
		o.logger.Error("failed to append refresh log", "config_id", cfg.ID, "error", err)
	}

	nextWindow := window.NextProcessingWindow(w.End.Sub(w.Start), rowsProcessed, cfg.MaxLookBackWindow)
	newAvg := window.RollEWMA(cfg.AvgProcessingTime, now.Sub(batchStart))

	if err := o.commitSuccess(ctx, cfg.ID, w.End, nextWindow, newAvg, rowsProcessed); err != nil {
		o.logger.Error("failed to commit success", "config_id", cfg.ID, "error", err)
	}

	if err := o.leases.Release(ctx, cfg.ID, o.workerID); err != nil && !errors.Is(err, lease.ErrLeaseLost) {
		o.logger.Error("release after success failed", "config_id", cfg.ID, "error", err)
	} else if errors.Is(err, lease.ErrLeaseLost) {
		o.logger.Warn("lease lost mid-run, progress was still committed", "config_id", cfg.ID)
	}
}

// failRun implements spec §4.6 step 7 and §4.5: write ErrorLog with full
// diagnostic context, release the lease, then apply the backoff schedule.
func (o *Orchestrator) failRun(ctx context.Context, cfg *domain.RollupConfig, now time.Time, re *domain.RollupError) {
	o.logger.Error("rollup run failed", "config_id", cfg.ID, "source_table", cfg.SourceTable, "kind", re.Kind, "error", re.Error())

	if err := o.appendErrorLog(ctx, re.ToErrorLogEntry(cfg.SourceTable, cfg.TargetTable, now)); err != nil {
		o.logger.Error("failed to append error log", "config_id", cfg.ID, "error", err)
	}

	if err := o.leases.Release(ctx, cfg.ID, o.workerID); err != nil && !errors.Is(err, lease.ErrLeaseLost) {
		o.logger.Error("release after failure failed", "config_id", cfg.ID, "error", err)
	}

	if err := o.retries.RecordFailure(ctx, cfg.ID, now); err != nil {
		o.logger.Error("failed to record retry failure", "config_id", cfg.ID, "error", err)
	}
}

// HandleRetries sweeps configs whose backoff has elapsed (spec §4.5) and
// drives each, one at a time, through runOne, the per-config pipeline
// PerformRollup uses.
func (o *Orchestrator) HandleRetries(ctx context.Context) error {
	now := time.Now()

	ids, err := o.retries.DueForRetry(ctx, now)
	if err != nil {
		return fmt.Errorf("handle retries: %w", err)
	}

	for _, id := range ids {
		id := id
		o.runOne(ctx, id)
	}
	return nil
}
