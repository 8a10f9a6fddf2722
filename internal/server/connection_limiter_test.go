package server

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIPConnectionLimiter_AcquireRelease(t *testing.T) {
	limiter := NewIPConnectionLimiter(2)

	assert.True(t, limiter.Acquire("192.168.1.1"))
	assert.True(t, limiter.Acquire("192.168.1.1"))
	assert.Equal(t, 2, limiter.Count("192.168.1.1"))

	// IP at its limit
	assert.False(t, limiter.Acquire("192.168.1.1"))

	assert.True(t, limiter.Acquire("192.168.1.2"))
	assert.Equal(t, 2, limiter.UniqueIPs())

	limiter.Release("192.168.1.1")
	assert.Equal(t, 1, limiter.Count("192.168.1.1"))
	assert.True(t, limiter.Acquire("192.168.1.1"))
}

func TestIPConnectionLimiter_ReleaseToZeroForgetsIP(t *testing.T) {
	limiter := NewIPConnectionLimiter(5)

	require.True(t, limiter.Acquire("192.168.1.1"))
	limiter.Release("192.168.1.1")
	limiter.Release("192.168.1.1")

	assert.Equal(t, 0, limiter.UniqueIPs())
	assert.Equal(t, 0, limiter.Count("192.168.1.1"))
}

func TestIPConnectionLimiter_Concurrent(t *testing.T) {
	limiter := NewIPConnectionLimiter(10)
	var granted atomic.Int64

	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if limiter.Acquire("192.168.1.1") {
				granted.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int64(10), granted.Load())
	assert.Equal(t, 10, limiter.Count("192.168.1.1"))
}

func TestConnectionRateLimiter_Burst(t *testing.T) {
	limiter := NewConnectionRateLimiter(2.0, 2, clockwork.NewFakeClock())

	assert.True(t, limiter.Allow("192.168.1.1"))
	assert.True(t, limiter.Allow("192.168.1.1"))
	assert.False(t, limiter.Allow("192.168.1.1"))

	// Independent bucket per IP
	assert.True(t, limiter.Allow("192.168.1.2"))
	assert.Equal(t, 2, limiter.ActiveLimiters())
}

func TestConnectionRateLimiter_TokenRefill(t *testing.T) {
	clock := clockwork.NewFakeClock()
	limiter := NewConnectionRateLimiter(10.0, 5, clock)

	for i := 0; i < 5; i++ {
		assert.True(t, limiter.Allow("192.168.1.1"))
	}
	assert.False(t, limiter.Allow("192.168.1.1"))

	clock.Advance(100 * time.Millisecond)
	assert.True(t, limiter.Allow("192.168.1.1"))
	assert.False(t, limiter.Allow("192.168.1.1"))
}

func TestConnectionRateLimiter_IdleLimitersAreDropped(t *testing.T) {
	clock := clockwork.NewFakeClock()
	limiter := NewConnectionRateLimiter(10.0, 5, clock)

	limiter.Allow("192.168.1.1")
	limiter.Allow("192.168.1.2")
	assert.Equal(t, 2, limiter.ActiveLimiters())

	clock.Advance(limiterIdleAfter + time.Second)
	limiter.Allow("192.168.1.3")

	assert.Equal(t, 1, limiter.ActiveLimiters())
}

func TestConnectionLimits_Acquire(t *testing.T) {
	limits := NewConnectionLimits(10, 5.0, 5, clockwork.NewFakeClock())

	ok, reason := limits.Acquire("192.168.1.1")
	assert.True(t, ok)
	assert.Equal(t, LimitReason(""), reason)
	assert.Equal(t, 1, limits.PerIP().Count("192.168.1.1"))

	limits.Release("192.168.1.1")
	assert.Equal(t, 0, limits.PerIP().Count("192.168.1.1"))
}

func TestConnectionLimits_PerIPLimitExceeded(t *testing.T) {
	limits := NewConnectionLimits(1, 100.0, 100, clockwork.NewFakeClock())

	ok, _ := limits.Acquire("192.168.1.1")
	require.True(t, ok)

	ok, reason := limits.Acquire("192.168.1.1")
	assert.False(t, ok)
	assert.Equal(t, LimitReasonPerIP, reason)

	ok, _ = limits.Acquire("192.168.1.2")
	assert.True(t, ok)
}

func TestConnectionLimits_RateLimitExceeded(t *testing.T) {
	limits := NewConnectionLimits(100, 1.0, 2, clockwork.NewFakeClock())

	ok1, _ := limits.Acquire("192.168.1.1")
	ok2, _ := limits.Acquire("192.168.1.1")
	require.True(t, ok1)
	require.True(t, ok2)

	ok3, reason := limits.Acquire("192.168.1.1")
	assert.False(t, ok3)
	assert.Equal(t, LimitReasonRate, reason)
	// A rate rejection takes no per-IP slot.
	assert.Equal(t, 2, limits.PerIP().Count("192.168.1.1"))
}
