package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestLimiterBackoffSequence(t *testing.T) {
	l := NewAdaptiveLimiter("search", time.Second, 30*time.Second, 2.0, 5, zap.NewNop())

	assert.Equal(t, time.Second, l.Delay())

	l.OnRateLimited(0)
	assert.Equal(t, 2*time.Second, l.Delay())

	l.OnRateLimited(0)
	assert.Equal(t, 4*time.Second, l.Delay())
}

func TestLimiterNeverDecreasesOnRateLimit(t *testing.T) {
	l := NewAdaptiveLimiter("search", time.Second, 30*time.Second, 2.0, 5, zap.NewNop())

	prev := l.Delay()
	for i := 0; i < 10; i++ {
		l.OnRateLimited(0)
		cur := l.Delay()
		assert.GreaterOrEqual(t, cur, prev)
		prev = cur
	}
	assert.Equal(t, 30*time.Second, l.Delay())
}

func TestLimiterAdoptsProviderWait(t *testing.T) {
	l := NewAdaptiveLimiter("synthesis", time.Second, 30*time.Second, 2.0, 5, zap.NewNop())

	l.OnRateLimited(10 * time.Second)
	assert.Equal(t, 10*time.Second, l.Delay())

	// An advisory wait below the computed backoff is ignored.
	l.OnRateLimited(time.Second)
	assert.Equal(t, 20*time.Second, l.Delay())
}

func TestLimiterAdvisoryWaitCapped(t *testing.T) {
	l := NewAdaptiveLimiter("fetch", time.Second, 30*time.Second, 2.0, 5, zap.NewNop())

	l.OnRateLimited(5 * time.Minute)
	assert.Equal(t, 30*time.Second, l.Delay())
}

func TestLimiterDecaysAfterConsecutiveSuccesses(t *testing.T) {
	l := NewAdaptiveLimiter("search", time.Second, 30*time.Second, 2.0, 3, zap.NewNop())
	l.OnRateLimited(0)
	l.OnRateLimited(0)
	assert.Equal(t, 4*time.Second, l.Delay())

	l.OnSuccess()
	l.OnSuccess()
	assert.Equal(t, 4*time.Second, l.Delay())
	l.OnSuccess()
	assert.Equal(t, 2*time.Second, l.Delay())

	for i := 0; i < 9; i++ {
		l.OnSuccess()
	}
	assert.Equal(t, time.Second, l.Delay(), "decay never drops below the base delay")
}

func TestLimiterRateLimitResetsSuccessStreak(t *testing.T) {
	l := NewAdaptiveLimiter("search", time.Second, 30*time.Second, 2.0, 3, zap.NewNop())
	l.OnRateLimited(0)

	l.OnSuccess()
	l.OnSuccess()
	l.OnRateLimited(0)
	l.OnSuccess()
	l.OnSuccess()
	assert.Equal(t, 4*time.Second, l.Delay())
}

func TestLimiterReset(t *testing.T) {
	l := NewAdaptiveLimiter("search", time.Second, 30*time.Second, 2.0, 5, zap.NewNop())
	l.OnRateLimited(0)
	l.Reset()
	assert.Equal(t, time.Second, l.Delay())
}
