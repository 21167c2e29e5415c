package session

import "time"

const (
	baseReconnectDelay = time.Second
	maxReconnectDelay  = 60 * time.Second
)

// Backoff returns the reconnect delay after attempt failed connections:
// 1s doubling per attempt, capped at 60s. It never gives up.
func Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= 6 {
		return maxReconnectDelay
	}
	d := baseReconnectDelay << uint(attempt)
	if d > maxReconnectDelay {
		return maxReconnectDelay
	}
	return d
}
