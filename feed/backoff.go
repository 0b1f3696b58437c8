package feed

import "time"

const (
	baseDelay = 500 * time.Millisecond
	maxDelay  = 30 * time.Second
)

// reconnectDelay returns the exponential backoff for the given retry
// count, capped at maxDelay.
func reconnectDelay(retry int) time.Duration {
	if retry < 0 {
		return baseDelay
	}
	if retry > 30 {
		return maxDelay
	}
	d := baseDelay * time.Duration(1<<retry)
	if d > maxDelay {
		return maxDelay
	}
	return d
}
