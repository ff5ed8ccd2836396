package manager

import "time"

// backoffDelay returns the reconnect delay for the given 1-based attempt:
// min(base * 2^(attempt-1), max). Delays are monotonically non-decreasing
// across attempts.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	// Cap the shift so large attempt counts cannot overflow.
	shift := uint(attempt - 1)
	if shift > 20 {
		shift = 20
	}
	d := base << shift
	if d > max || d <= 0 {
		return max
	}
	return d
}
