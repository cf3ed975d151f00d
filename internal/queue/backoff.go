package queue

import (
	"time"
)

// Backoff returns the retry delay after a failure, given how many attempts
// already failed before this one. The schedule is deterministic,
// base * 2^attempts capped at max, so the retry timeline is exactly testable
// and monotonically non-decreasing.
func Backoff(base, max time.Duration, attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	d := base
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
