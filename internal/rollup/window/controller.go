// Package window implements the Window Controller (C3): derivation of the
// [start, end) range a freshly claimed config processes in one run, and
// the post-run adaptation of processing_window to observed throughput.
package window

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ipiton/tsrollup/internal/rollup/domain"
	"github.com/ipiton/tsrollup/internal/rollup/store"
)

// Window is the half-open [Start, End) range a single run aggregates.
type Window struct {
	Start time.Time
	End   time.Time
}

// Empty reports whether the window has no work (start >= end).
func (w Window) Empty() bool {
	return !w.Start.Before(w.End)
}

const (
	loadHighPeerThreshold = 5
	loadLowPeerThreshold  = 2
	loadHighMultiplier    = 0.5
	loadLowMultiplier     = 1.5

	oneHour = time.Hour

	rowsHighWatermark = 1_000_000
	rowsLowWatermark  = 100_000
	windowShrinkFactor = 0.8
	windowGrowFactor   = 1.2
)

// Controller computes the processing window for a claimed config and
// adapts processing_window after a run completes.
type Controller struct {
	sampler store.LoadSampler
	logger  *slog.Logger
}

// NewController creates a Controller. sampler may be nil, in which case
// load-based scaling is skipped (treated as zero active peers).
func NewController(sampler store.LoadSampler, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{sampler: sampler, logger: logger}
}

// SafetyBuffer returns the minimum distance kept from now to avoid rolling
// up still-live buckets, as a function of the rollup interval (spec §4.3).
func SafetyBuffer(rollupInterval time.Duration) time.Duration {
	switch {
	case rollupInterval <= time.Second:
		return 30 * time.Second
	case rollupInterval == time.Minute:
		return 60 * time.Second
	default:
		return rollupInterval
	}
}

// Compute derives [start, end) for a freshly claimed config at wall clock
// now (spec §4.3). A window with Empty() true means there is no work for
// this run; the caller releases the lease without an error.
func (c *Controller) Compute(ctx context.Context, cfg *domain.RollupConfig, now time.Time) (Window, error) {
	firstRun := cfg.LastProcessedTime == nil

	var start time.Time
	if firstRun {
		start = now.Add(-cfg.LookBackWindow)
	} else {
		start = *cfg.LastProcessedTime
	}

	optimalWindow := cfg.ProcessingWindow
	if firstRun {
		optimalWindow = minDuration(cfg.ProcessingWindow, oneHour)
	} else {
		optimalWindow = c.applyLoadAdjustment(ctx, optimalWindow, cfg.MaxLookBackWindow)
	}

	buffer := SafetyBuffer(cfg.RollupInterval)
	end := minTime(now.Add(-buffer), start.Add(optimalWindow))

	return Window{Start: start, End: end}, nil
}

// applyLoadAdjustment samples concurrent store activity and scales
// optimalWindow per spec §4.3: shrink under heavy concurrent load, grow
// under light load, capped at maxLookBack.
func (c *Controller) applyLoadAdjustment(ctx context.Context, optimalWindow, maxLookBack time.Duration) time.Duration {
	if c.sampler == nil {
		return optimalWindow
	}

	peers, err := c.sampler.ActivePeerSessions(ctx)
	if err != nil {
		c.logger.Warn("failed to sample active peer sessions, skipping load adjustment", "error", err)
		return optimalWindow
	}

	switch {
	case peers > loadHighPeerThreshold:
		return time.Duration(float64(optimalWindow) * loadHighMultiplier)
	case peers < loadLowPeerThreshold:
		grown := time.Duration(float64(optimalWindow) * loadLowMultiplier)
		return minDuration(grown, maxLookBack)
	default:
		return optimalWindow
	}
}

// NextProcessingWindow applies the post-run adaptation rule of spec §4.3
// given the rows processed in the just-completed run.
func NextProcessingWindow(optimalWindow time.Duration, rowsProcessed int64, maxLookBack time.Duration) time.Duration {
	switch {
	case rowsProcessed > rowsHighWatermark:
		return time.Duration(float64(optimalWindow) * windowShrinkFactor)
	case rowsProcessed < rowsLowWatermark:
		grown := time.Duration(float64(optimalWindow) * windowGrowFactor)
		return minDuration(grown, maxLookBack)
	default:
		return optimalWindow
	}
}

// RollEWMA updates avg_processing_time with α=0.3, per spec §9.
func RollEWMA(prev, sample time.Duration) time.Duration {
	const alpha = 0.3
	return time.Duration((1-alpha)*float64(prev) + alpha*float64(sample))
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}

// ValidateWindow is a defensive check used by tests and callers that want
// an explicit error instead of silently skipping an empty window.
func ValidateWindow(w Window) error {
	if w.Empty() {
		return fmt.Errorf("window is empty: start=%s end=%s", w.Start, w.End)
	}
	return nil
}
