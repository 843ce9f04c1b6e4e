package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_ExponentialLaw(t *testing.T) {
	cases := []struct {
		retryCount int
		want       time.Duration
	}{
		{1, 5 * time.Minute},
		{2, 10 * time.Minute},
		{3, 20 * time.Minute},
		{4, 40 * time.Minute},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, Backoff(tc.retryCount))
	}
}

func TestBackoff_ClampsBelowOne(t *testing.T) {
	assert.Equal(t, Backoff(1), Backoff(0))
	assert.Equal(t, Backoff(1), Backoff(-3))
}

func TestExpectedNextRetryTime_ThreeAttemptDeltas(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	first := ExpectedNextRetryTime(start, 1)
	second := ExpectedNextRetryTime(first, 2)
	third := ExpectedNextRetryTime(second, 3)

	assert.Equal(t, 5*time.Minute, first.Sub(start))
	assert.Equal(t, 10*time.Minute, second.Sub(first))
	assert.Equal(t, 20*time.Minute, third.Sub(second))
}
