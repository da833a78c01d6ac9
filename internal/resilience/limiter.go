package resilience

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pathfindlabs/journeybuilder/internal/metrics"
)

// AdaptiveLimiter paces one kind of outbound call. Rate-limit signals
// multiply the delay up to a ceiling (or adopt the provider's advisory
// wait); a run of consecutive successes decays it back toward the floor.
type AdaptiveLimiter struct {
	kind   string
	logger *zap.Logger

	mu         sync.Mutex
	base       time.Duration
	max        time.Duration
	factor     float64
	decayAfter int
	current    time.Duration
	successes  int
}

// NewAdaptiveLimiter returns a limiter starting at the base delay.
func NewAdaptiveLimiter(kind string, base, max time.Duration, factor float64, decayAfter int, logger *zap.Logger) *AdaptiveLimiter {
	if factor < 1 {
		factor = 1
	}
	if decayAfter < 1 {
		decayAfter = 1
	}
	l := &AdaptiveLimiter{
		kind:       kind,
		logger:     logger,
		base:       base,
		max:        max,
		factor:     factor,
		decayAfter: decayAfter,
		current:    base,
	}
	metrics.RateLimiterDelay.WithLabelValues(kind).Set(base.Seconds())
	return l
}

// Delay returns the current inter-call delay.
func (l *AdaptiveLimiter) Delay() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// Wait blocks for the current delay or until ctx is done.
func (l *AdaptiveLimiter) Wait(ctx context.Context) error {
	d := l.Delay()
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// OnSuccess counts toward decay; after decayAfter consecutive successes the
// delay halves back toward the floor.
func (l *AdaptiveLimiter) OnSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.successes++
	if l.successes < l.decayAfter {
		return
	}
	l.successes = 0
	decayed := time.Duration(float64(l.current) / l.factor)
	if decayed < l.base {
		decayed = l.base
	}
	if decayed != l.current {
		l.current = decayed
		metrics.RateLimiterDelay.WithLabelValues(l.kind).Set(l.current.Seconds())
		l.logger.Debug("Rate limiter delay decayed",
			zap.String("kind", l.kind),
			zap.Duration("delay", l.current),
		)
	}
}

// OnRateLimited raises the delay: the provider-advised wait when given,
// otherwise the current delay times the backoff factor, capped at the
// ceiling. The delay never decreases here.
func (l *AdaptiveLimiter) OnRateLimited(retryAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.successes = 0

	next := time.Duration(float64(l.current) * l.factor)
	if retryAfter > next {
		next = retryAfter
	}
	if next > l.max {
		next = l.max
	}
	if next < l.current {
		next = l.current
	}
	l.current = next
	metrics.RateLimiterDelay.WithLabelValues(l.kind).Set(l.current.Seconds())
	l.logger.Warn("Rate limiter delay increased",
		zap.String("kind", l.kind),
		zap.Duration("delay", l.current),
	)
}

// Reset restores the base delay.
func (l *AdaptiveLimiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.current = l.base
	l.successes = 0
	metrics.RateLimiterDelay.WithLabelValues(l.kind).Set(l.current.Seconds())
}
