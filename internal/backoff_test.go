package internal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetRetryDelayBounds(t *testing.T) {
	const (
		initialDelayUnitMilliSecs = 1000
		maxDelaySecs              = 60
		maxJitterPercent          = 5.0
	)

	for attempt := uint(0); attempt < 20; attempt++ {
		delay := GetRetryDelay(attempt, initialDelayUnitMilliSecs, maxDelaySecs, maxJitterPercent)

		maxWithJitter := time.Duration(float64(maxDelaySecs) * (1 + maxJitterPercent/100.0) * float64(time.Second))
		assert.LessOrEqual(t, delay, maxWithJitter, "attempt %d", attempt)
		assert.GreaterOrEqual(t, delay, time.Duration(0), "attempt %d", attempt)
	}
}

func TestGetRetryDelayExponentCap(t *testing.T) {
	// With a huge maximum the uncapped delay would keep doubling; the
	// exponent cap must freeze it at 2^9 delay units.
	const initialDelayUnitMilliSecs = 1000
	const maxDelaySecs = 1 << 40

	capped := time.Duration(1<<MaxRetryExponent) * time.Second

	for _, attempt := range []uint{9, 10, 25, 1000} {
		delay := GetRetryDelay(attempt, initialDelayUnitMilliSecs, maxDelaySecs, 0)
		assert.Equal(t, capped, delay, "attempt %d", attempt)
	}
}

func TestGetRetryDelayGrowsUntilCap(t *testing.T) {
	const initialDelayUnitMilliSecs = 1000
	const maxDelaySecs = 1 << 40

	var prev time.Duration
	for attempt := uint(0); attempt <= MaxRetryExponent; attempt++ {
		delay := GetRetryDelay(attempt, initialDelayUnitMilliSecs, maxDelaySecs, 0)
		assert.Greater(t, delay, prev, "attempt %d", attempt)
		prev = delay
	}
}

func TestGetRetryDelayClampedToMaximum(t *testing.T) {
	// 1s * 2^5 = 32s > 10s maximum.
	delay := GetRetryDelay(5, 1000, 10, 0)
	assert.Equal(t, 10*time.Second, delay)
}

func TestGetNextRetryTimestamp(t *testing.T) {
	before := time.Now()
	next := GetNextRetryTimestamp(30, 0, 1000, 60, 0)
	after := time.Now()

	// additionalDelaySecs 30 + base delay 1s at attempt 0, no jitter.
	assert.False(t, next.Before(before.Add(31*time.Second)))
	assert.False(t, next.After(after.Add(31*time.Second)))
}
