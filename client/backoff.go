package client

import "time"

// backoffDelay returns the reconnect delay for the given attempt, starting at
// base and doubling each attempt up to max. Attempt numbering starts at zero.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 0; i < attempt; i++ {
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
