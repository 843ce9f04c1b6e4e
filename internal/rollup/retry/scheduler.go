// Package retry implements the Retry Scheduler (C5): the exponential
// backoff law applied on failure, and the retry-queue sweep that feeds
// HandleRetries (spec §4.5).
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ipiton/tsrollup/internal/rollup/store"
)

// baseDelay and the doubling law implement spec §4.5: 5 min * 2^(k-1).
const baseDelay = 5 * time.Minute

// Backoff returns the delay before retry attempt retryCount, following
// the law 5 min * 2^(retryCount-1). retryCount must be >= 1.
func Backoff(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	multiplier := 1 << uint(retryCount-1)
	return baseDelay * time.Duration(multiplier)
}

// Scheduler mutates a RollupConfig's lease/retry fields on success or
// failure and sweeps the retry queue for HandleRetries.
type Scheduler struct {
	store  store.Store
	logger *slog.Logger
}

// NewScheduler creates a retry Scheduler backed by st.
func NewScheduler(st store.Store, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{store: st, logger: logger}
}

// RecordFailure increments retry_count, stamps last_error_time, and sets
// next_retry_time per the backoff law (spec §4.5). The lease must already
// have been released by the caller.
func (s *Scheduler) RecordFailure(ctx context.Context, id int64, now time.Time) error {
	_, err := s.store.Exec(ctx, `
		UPDATE silver.rollup_configs
		SET retry_count = retry_count + 1,
		    last_error_time = $2,
		    next_retry_time = $2 + (5 * POWER(2, retry_count) * interval '1 minute')
		WHERE id = $1
	`, id, now)
	if err != nil {
		return fmt.Errorf("record failure for config %d: %w", id, err)
	}
	return nil
}

// RecordSuccess clears retry_count, last_error_time and next_retry_time
// (spec §4.5).
func (s *Scheduler) RecordSuccess(ctx context.Context, id int64) error {
	_, err := s.store.Exec(ctx, `
		UPDATE silver.rollup_configs
		SET retry_count = 0,
		    last_error_time = NULL,
		    next_retry_time = NULL
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("record success for config %d: %w", id, err)
	}
	return nil
}

// idRow scans a single id column.
type idRow struct {
	ID int64 `db:"id"`
}

// DueForRetry returns the ids of active configs whose backoff has elapsed
// (spec §4.5: retry_count > 0 AND next_retry_time <= now AND is_active),
// resetting their status to idle so HandleRetries can re-drive them
// through the normal claim path.
func (s *Scheduler) DueForRetry(ctx context.Context, now time.Time) ([]int64, error) {
	var rows []idRow
	err := s.store.Select(ctx, &rows, `
		UPDATE silver.rollup_configs
		SET status = 'idle'
		WHERE retry_count > 0
		  AND next_retry_time <= $1
		  AND is_active = true
		  AND status != 'processing'
		RETURNING id
	`, now)
	if err != nil {
		return nil, fmt.Errorf("sweep retry queue: %w", err)
	}

	ids := make([]int64, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.ID)
	}
	return ids, nil
}

// ExpectedNextRetryTime is a test helper mirroring the SQL backoff
// expression in Go, for asserting I4 without a live store.
func ExpectedNextRetryTime(lastErrorTime time.Time, retryCountAfterIncrement int) time.Time {
	return lastErrorTime.Add(Backoff(retryCountAfterIncrement))
}
