package websocket

import "time"

const (
	maxBackoff         = 60 * time.Second
	maxBackoffExponent = 5
)

// Backoff returns the delay before the next dial after failures consecutive
// failed attempts: interval doubled per failure, exponent capped at 5 and the
// delay capped at 60s. An interval of 5s yields 5s, 10s, 20s, 40s, 60s, 60s...
func Backoff(interval time.Duration, failures int) time.Duration {
	if failures < 0 {
		failures = 0
	}
	if failures > maxBackoffExponent {
		failures = maxBackoffExponent
	}
	delay := interval * time.Duration(1<<failures)
	if delay > maxBackoff {
		return maxBackoff
	}
	return delay
}
