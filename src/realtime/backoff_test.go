package realtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFixedBackoff(t *testing.T) {
	assert.Equal(t, DefaultReconnectDelay, FixedBackoff{}.Next(1))

	b := FixedBackoff{Delay: 2 * time.Second}
	for attempt := 1; attempt <= 10; attempt++ {
		assert.Equal(t, 2*time.Second, b.Next(attempt))
	}
}

func TestExponentialBackoffGrowsAndCaps(t *testing.T) {
	b := ExponentialBackoff{Initial: 100 * time.Millisecond, Max: time.Second, Factor: 2}

	assert.Equal(t, 100*time.Millisecond, b.Next(0))
	assert.Equal(t, 100*time.Millisecond, b.Next(1))
	assert.Equal(t, 200*time.Millisecond, b.Next(2))
	assert.Equal(t, 400*time.Millisecond, b.Next(3))
	assert.Equal(t, 800*time.Millisecond, b.Next(4))
	assert.Equal(t, time.Second, b.Next(5))
	assert.Equal(t, time.Second, b.Next(50))
}

func TestExponentialBackoffJitterRange(t *testing.T) {
	b := ExponentialBackoff{Initial: time.Second, Max: time.Second, Factor: 2, Jitter: true}
	for i := 0; i < 100; i++ {
		d := b.Next(3)
		assert.GreaterOrEqual(t, d, 500*time.Millisecond)
		assert.Less(t, d, 1500*time.Millisecond)
	}
}
