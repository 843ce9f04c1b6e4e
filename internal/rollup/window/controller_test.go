package window

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ipiton/tsrollup/internal/rollup/domain"
)

type constSampler struct {
	peers int
	err   error
}

func (s constSampler) ActivePeerSessions(ctx context.Context) (int, error) {
	return s.peers, s.err
}

func TestSafetyBuffer(t *testing.T) {
	assert.Equal(t, 30*time.Second, SafetyBuffer(time.Second))
	assert.Equal(t, 60*time.Second, SafetyBuffer(time.Minute))
	assert.Equal(t, time.Hour, SafetyBuffer(time.Hour))
}

func TestController_Compute_FirstRun_CapsAtOneHour(t *testing.T) {
	c := NewController(nil, nil)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	cfg := &domain.RollupConfig{
		LookBackWindow:   2 * time.Hour,
		ProcessingWindow: 3 * time.Hour,
		RollupInterval:   time.Hour,
	}

	w, err := c.Compute(context.Background(), cfg, now)
	require.NoError(t, err)

	assert.Equal(t, now.Add(-2*time.Hour), w.Start)
	// optimal window capped at 1h, safety buffer = rollup_interval = 1h
	assert.Equal(t, w.Start.Add(time.Hour), w.End)
}

func TestController_Compute_SubsequentRun_UsesLastProcessedTime(t *testing.T) {
	c := NewController(nil, nil)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	last := now.Add(-30 * time.Minute)

	cfg := &domain.RollupConfig{
		LastProcessedTime: &last,
		ProcessingWindow:  10 * time.Minute,
		RollupInterval:    time.Minute,
		MaxLookBackWindow: time.Hour,
	}

	w, err := c.Compute(context.Background(), cfg, now)
	require.NoError(t, err)
	assert.Equal(t, last, w.Start)
}

func TestController_Compute_LoadAdjustment_HighLoadShrinks(t *testing.T) {
	c := NewController(constSampler{peers: 10}, nil)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	last := now.Add(-30 * time.Minute)

	cfg := &domain.RollupConfig{
		LastProcessedTime: &last,
		ProcessingWindow:  20 * time.Minute,
		RollupInterval:    time.Minute,
		MaxLookBackWindow: time.Hour,
	}

	w, err := c.Compute(context.Background(), cfg, now)
	require.NoError(t, err)

	expectedEnd := minTime(now.Add(-time.Minute), last.Add(10*time.Minute))
	assert.Equal(t, expectedEnd, w.End)
}

func TestController_Compute_EndNeverPastSafetyBuffer(t *testing.T) {
	c := NewController(nil, nil)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	last := now.Add(-10 * time.Hour)

	cfg := &domain.RollupConfig{
		LastProcessedTime: &last,
		ProcessingWindow:  24 * time.Hour,
		RollupInterval:    time.Minute,
		MaxLookBackWindow: 48 * time.Hour,
	}

	w, err := c.Compute(context.Background(), cfg, now)
	require.NoError(t, err)
	assert.True(t, !w.End.After(now.Add(-60*time.Second)))
}

func TestNextProcessingWindow(t *testing.T) {
	assert.Equal(t, time.Duration(float64(time.Hour)*0.8), NextProcessingWindow(time.Hour, 2_000_000, 24*time.Hour))
	assert.Equal(t, time.Duration(float64(time.Hour)*1.2), NextProcessingWindow(time.Hour, 50_000, 24*time.Hour))
	assert.Equal(t, time.Hour, NextProcessingWindow(time.Hour, 500_000, 24*time.Hour))
	// grown window capped at max look-back
	assert.Equal(t, 90*time.Minute, NextProcessingWindow(80*time.Minute, 1, 90*time.Minute))
}

func TestRollEWMA(t *testing.T) {
	got := RollEWMA(10*time.Second, 20*time.Second)
	want := time.Duration(0.7*float64(10*time.Second) + 0.3*float64(20*time.Second))
	assert.Equal(t, want, got)
}
