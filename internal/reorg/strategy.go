package reorg

import (
	"math"
	"time"
)

// Backoff controls retries of external fetches during recovery.
type Backoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
}

// DefaultBackoff returns a schedule suitable for public RPC providers:
// 2s, 4s, 8s, 16s, 32s (capped at 60s), five attempts.
func DefaultBackoff() Backoff {
	return Backoff{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		MaxAttempts:  5,
	}
}

// Delay returns the wait before the given attempt (0-indexed):
// InitialDelay * 2^attempt, capped at MaxDelay.
func (b Backoff) Delay(attempt int) time.Duration {
	delay := float64(b.InitialDelay) * math.Pow(2, float64(attempt))
	if delay > float64(b.MaxDelay) {
		return b.MaxDelay
	}
	return time.Duration(delay)
}
