// Package resilience provides the retry-delay calculator used by the block
// engine's retry policy.
package resilience

import "time"

// Backoff enumerates the retry backoff strategies from the BlockDef retry
// policy (spec §3/§4.4).
type Backoff string

const (
	BackoffNone        Backoff = "none"
	BackoffLinear      Backoff = "linear"
	BackoffExponential Backoff = "exponential"
)

// NextDelay computes the delay before the next attempt, given the attempt
// number that just failed (1-indexed), the configured delay, backoff
// strategy, and an optional cap (0 means uncapped). Mirrors
// the failBlock delay formula from spec §4.4 (engine.FailBlock):
//
//	none:        delay_ms
//	linear:      delay_ms * attempt
//	exponential: delay_ms * 2^(attempt-1)
func NextDelay(strategy Backoff, attempt int, delayMs, maxDelayMs int64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	var ms int64
	switch strategy {
	case BackoffLinear:
		ms = delayMs * int64(attempt)
	case BackoffExponential:
		ms = delayMs << uint(attempt-1)
	default:
		ms = delayMs
	}
	if maxDelayMs > 0 && ms > maxDelayMs {
		ms = maxDelayMs
	}
	if ms < 0 {
		ms = 0
	}
	return time.Duration(ms) * time.Millisecond
}
