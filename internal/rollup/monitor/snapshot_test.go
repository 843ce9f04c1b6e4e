package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConfigHealth_HealthStatus(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	stale := now.Add(-10 * time.Minute)
	fresh := now.Add(-1 * time.Minute)

	cases := []struct {
		name string
		c    ConfigHealth
		want HealthStatus
	}{
		{
			name: "stale processing lease alerts",
			c:    ConfigHealth{Status: "processing", StartedAt: &stale, AlertThresholdSeconds: 300},
			want: HealthAlert,
		},
		{
			name: "fresh processing lease is running",
			c:    ConfigHealth{Status: "processing", StartedAt: &fresh, AlertThresholdSeconds: 300},
			want: HealthRunning,
		},
		{
			name: "idle with many retries warns",
			c:    ConfigHealth{Status: "idle", RetryCount: 4},
			want: HealthWarning,
		},
		{
			name: "idle and healthy",
			c:    ConfigHealth{Status: "idle", RetryCount: 0},
			want: HealthOK,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.c.HealthStatus(now))
		})
	}
}
