package internal

import (
	"math/rand"
	"time"
)

// MaxRetryExponent caps the growth of the exponential delay so that the
// uncapped doubling never overflows and the delay saturates after ~2^9
// delay units.
const MaxRetryExponent = 9

// GetRetryDelay computes the jittered exponential backoff delay for the
// given retry attempt.
//
// The base delay is initialDelayUnitMilliSecs * 2^min(retries, MaxRetryExponent),
// converted to seconds and clamped to maxDelaySecs. A uniform random
// jitter of up to maxJitterPercent percent is then added on top.
func GetRetryDelay(
	retries uint,
	initialDelayUnitMilliSecs uint64,
	maxDelaySecs uint64,
	maxJitterPercent float64) (delay time.Duration) {

	defer func() {
		if r := recover(); r != nil {
			delay = time.Duration(maxDelaySecs) * time.Second
		}
	}()

	exponent := retries
	if exponent > MaxRetryExponent {
		exponent = MaxRetryExponent
	}

	delaySecs := float64(uint64(1)<<exponent) * float64(initialDelayUnitMilliSecs) / 1000.0
	if delaySecs > float64(maxDelaySecs) {
		delaySecs = float64(maxDelaySecs)
	}

	jitterPercent := (maxJitterPercent / 100.0) * rand.Float64()

	delay = time.Duration(delaySecs * (1 + jitterPercent) * float64(time.Second))
	return delay
}

// GetNextRetryTimestamp returns the absolute time of the next retry
// attempt: now + additionalDelaySecs + the jittered exponential delay.
func GetNextRetryTimestamp(
	additionalDelaySecs uint64,
	retries uint,
	initialDelayUnitMilliSecs uint64,
	maxDelaySecs uint64,
	maxJitterPercent float64) time.Time {

	return time.Now().
		Add(time.Duration(additionalDelaySecs) * time.Second).
		Add(GetRetryDelay(retries, initialDelayUnitMilliSecs, maxDelaySecs, maxJitterPercent))
}
