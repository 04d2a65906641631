package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimitDelaySchedule(t *testing.T) {
	tests := []struct {
		attempt int
		base    time.Duration
	}{
		{0, 500 * time.Millisecond},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{10, 30 * time.Second},
	}

	for _, tt := range tests {
		got := rateLimitDelay(tt.attempt)
		// Jitter adds at most 25% on top of the base.
		assert.GreaterOrEqual(t, got, tt.base)
		assert.Less(t, got, tt.base+tt.base/4+time.Millisecond)
	}
}

func TestRestartDelaySchedule(t *testing.T) {
	assert.Equal(t, time.Second, restartDelay(0))
	assert.Equal(t, 2*time.Second, restartDelay(1))
	assert.Equal(t, 4*time.Second, restartDelay(2))
	assert.Equal(t, 32*time.Second, restartDelay(5))
	assert.Equal(t, 60*time.Second, restartDelay(6))
	assert.Equal(t, 60*time.Second, restartDelay(20))
}
