package resilience

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pathfindlabs/journeybuilder/internal/circuitbreaker"
	"github.com/pathfindlabs/journeybuilder/internal/metrics"
	"github.com/pathfindlabs/journeybuilder/internal/models"
)

// Policy bounds the retry loop for one invocation kind.
type Policy struct {
	MaxAttempts int
	BaseWait    time.Duration
	MaxWait     time.Duration
	Multiplier  float64
	Jitter      float64 // fraction of the wait randomized, 0 disables
	Timeout     time.Duration
}

// Usage reports what one attempt consumed, for the ledger.
type Usage struct {
	InputUnits  int
	OutputUnits int
	CostUSD     float64
	Cached      bool
}

// Operation is one outbound attempt.
type Operation func(ctx context.Context) (Usage, error)

// Recorder receives one record per attempt, success or failure.
type Recorder interface {
	Record(inv models.Invocation)
}

// Invoker runs operations of one kind through the adaptive limiter, the
// circuit breaker, and the bounded retry loop, recording every attempt.
type Invoker struct {
	kind    models.InvocationKind
	policy  Policy
	limiter *AdaptiveLimiter
	breaker *circuitbreaker.CircuitBreaker
	rec     Recorder
	logger  *zap.Logger
}

// NewInvoker wires the resilience stack for one invocation kind.
func NewInvoker(kind models.InvocationKind, policy Policy, limiter *AdaptiveLimiter, breaker *circuitbreaker.CircuitBreaker, rec Recorder, logger *zap.Logger) *Invoker {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.Multiplier < 1 {
		policy.Multiplier = 1
	}
	return &Invoker{
		kind:    kind,
		policy:  policy,
		limiter: limiter,
		breaker: breaker,
		rec:     rec,
		logger:  logger,
	}
}

// Do runs op until it succeeds, fails permanently, or the attempt budget is
// spent. The returned error is always classified.
func (iv *Invoker) Do(ctx context.Context, stageOrdinal int, op Operation) (Usage, error) {
	var lastErr error
	kind := string(iv.kind)

	for attempt := 1; attempt <= iv.policy.MaxAttempts; attempt++ {
		if err := iv.limiter.Wait(ctx); err != nil {
			return Usage{}, &TransientError{Err: err}
		}

		usage, err := iv.attempt(ctx, stageOrdinal, attempt, op)
		if err == nil {
			iv.limiter.OnSuccess()
			return usage, nil
		}
		lastErr = err

		var rl *RateLimitedError
		if errors.As(err, &rl) {
			iv.limiter.OnRateLimited(rl.RetryAfter)
		}

		if !Retryable(err) {
			iv.logger.Error("Invocation failed permanently",
				zap.String("kind", kind),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			return Usage{}, err
		}
		if attempt == iv.policy.MaxAttempts {
			break
		}

		wait := iv.backoff(attempt)
		if errors.As(err, &rl) && rl.RetryAfter > wait {
			wait = rl.RetryAfter
		}
		metrics.RetriesTotal.WithLabelValues(kind, ClassOf(err)).Inc()
		iv.logger.Warn("Invocation failed, retrying",
			zap.String("kind", kind),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.String("class", ClassOf(err)),
			zap.Error(err),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Usage{}, &TransientError{Err: ctx.Err()}
		case <-timer.C:
		}
	}

	return Usage{}, fmt.Errorf("%s failed after %d attempts: %w", kind, iv.policy.MaxAttempts, lastErr)
}

func (iv *Invoker) attempt(ctx context.Context, stageOrdinal, attempt int, op Operation) (Usage, error) {
	kind := string(iv.kind)
	start := time.Now()

	var usage Usage
	err := iv.breaker.Execute(ctx, func() error {
		callCtx := ctx
		if iv.policy.Timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, iv.policy.Timeout)
			defer cancel()
		}
		var opErr error
		usage, opErr = op(callCtx)
		return opErr
	})
	elapsed := time.Since(start)

	// A tripped breaker means the provider was recently hard-down; treat
	// the rejection like any other transient failure.
	if errors.Is(err, circuitbreaker.ErrOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
		err = &TransientError{Err: err}
	}

	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	metrics.InvocationsTotal.WithLabelValues(kind, outcome).Inc()
	metrics.InvocationDuration.WithLabelValues(kind).Observe(float64(elapsed.Milliseconds()))
	if err == nil {
		metrics.CostUSD.WithLabelValues(kind).Add(usage.CostUSD)
	}

	if iv.rec != nil {
		iv.rec.Record(models.Invocation{
			ID:           uuid.NewString(),
			StageOrdinal: stageOrdinal,
			Kind:         iv.kind,
			InputUnits:   usage.InputUnits,
			OutputUnits:  usage.OutputUnits,
			Cached:       usage.Cached,
			CostUSD:      usage.CostUSD,
			DurationMs:   elapsed.Milliseconds(),
			Success:      err == nil,
			ErrorClass:   ClassOf(err),
			Attempt:      attempt,
			Timestamp:    start.UTC(),
		})
	}
	return usage, err
}

func (iv *Invoker) backoff(attempt int) time.Duration {
	wait := float64(iv.policy.BaseWait)
	for i := 1; i < attempt; i++ {
		wait *= iv.policy.Multiplier
	}
	if max := float64(iv.policy.MaxWait); iv.policy.MaxWait > 0 && wait > max {
		wait = max
	}
	if iv.policy.Jitter > 0 {
		spread := wait * iv.policy.Jitter
		wait = wait - spread/2 + rand.Float64()*spread
	}
	return time.Duration(wait)
}
