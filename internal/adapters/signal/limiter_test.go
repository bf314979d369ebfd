package signal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiterWindow(t *testing.T) {
	rl := NewRateLimiter(3, 50*time.Millisecond)

	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow(1), "attempt %d", i)
	}
	assert.False(t, rl.Allow(1))

	// The window slides, so waiting it out readmits the client.
	time.Sleep(60 * time.Millisecond)
	assert.True(t, rl.Allow(1))
}

func TestRateLimiterPerClient(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)

	assert.True(t, rl.Allow(1))
	assert.False(t, rl.Allow(1))
	assert.True(t, rl.Allow(2), "one client's burst must not throttle another")
}

func TestRateLimiterForget(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)

	assert.True(t, rl.Allow(1))
	assert.False(t, rl.Allow(1))

	rl.Forget(1)
	assert.True(t, rl.Allow(1), "a reconnecting client starts with a clean window")
}
