package livetiming

import (
	"math"
	"time"
)

// Backoff is an exponential reconnect policy.
// The delay starts at Base, doubles on each attempt and is capped at Max.
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

var DefaultBackoff = Backoff{
	Base:        time.Second,
	Max:         30 * time.Second,
	MaxAttempts: 10,
}

// Delay returns the wait time before attempt (1-based)
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	delay := float64(b.Base) * math.Pow(2, float64(attempt-1))
	if b.Max > 0 && delay > float64(b.Max) {
		return b.Max
	}
	return time.Duration(delay)
}
