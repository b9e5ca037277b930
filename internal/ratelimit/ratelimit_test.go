package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLimiterAllow(t *testing.T) {
	limiter := New(Config{
		RequestsPerMinute: 60,
		BurstSize:         5,
		CleanupInterval:   time.Minute,
	})
	defer limiter.Stop()

	key := "test-ip"
	for i := 0; i < 5; i++ {
		assert.True(t, limiter.Allow(key), "request %d is within burst", i)
	}
	assert.False(t, limiter.Allow(key), "request after burst is denied")

	// One token replenishes per second at 60/min.
	time.Sleep(1100 * time.Millisecond)
	assert.True(t, limiter.Allow(key))
}

func TestLimiterIndependentSources(t *testing.T) {
	limiter := New(Config{
		RequestsPerMinute: 60,
		BurstSize:         3,
		CleanupInterval:   time.Minute,
	})
	defer limiter.Stop()

	for i := 0; i < 3; i++ {
		limiter.Allow("source-a")
	}
	assert.False(t, limiter.Allow("source-a"))
	assert.True(t, limiter.Allow("source-b"), "other sources keep their own bucket")
}

func TestLimiterZeroConfigDefaults(t *testing.T) {
	limiter := New(Config{})
	defer limiter.Stop()

	assert.True(t, limiter.Allow("x"))
	assert.Equal(t, DefaultConfig().RequestsPerMinute, limiter.cfg.RequestsPerMinute)
}
