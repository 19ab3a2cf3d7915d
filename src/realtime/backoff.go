package realtime

import (
	"math"
	"math/rand"
	"time"
)

// DefaultReconnectDelay is the fixed wait between connection attempts.
const DefaultReconnectDelay = 5 * time.Second

// Backoff decides how long to wait before connection attempt number attempt
// (1 for the first retry after a close).
type Backoff interface {
	Next(attempt int) time.Duration
}

// FixedBackoff waits the same delay before every attempt.
type FixedBackoff struct {
	Delay time.Duration
}

func (b FixedBackoff) Next(int) time.Duration {
	if b.Delay <= 0 {
		return DefaultReconnectDelay
	}
	return b.Delay
}

// ExponentialBackoff grows the delay by Factor per attempt up to Max.
// With Jitter the delay is scaled by a random factor in [0.5, 1.5).
type ExponentialBackoff struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
	Jitter  bool
}

func (b ExponentialBackoff) Next(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	initial := b.Initial
	if initial <= 0 {
		initial = 500 * time.Millisecond
	}
	max := b.Max
	if max <= 0 {
		max = time.Minute
	}
	factor := b.Factor
	if factor <= 0 {
		factor = 2
	}

	delay := float64(initial) * math.Pow(factor, float64(attempt-1))
	if delay > float64(max) {
		delay = float64(max)
	}
	if b.Jitter {
		delay *= 0.5 + rand.Float64() // #nosec G404 -- jitter does not require cryptographic randomness
	}
	return time.Duration(delay)
}
