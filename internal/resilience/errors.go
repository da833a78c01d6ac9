// Package resilience wraps outbound calls with classified-error retry and
// an adaptive per-kind rate limiter. Callers never see raw transport
// errors, only the three classes below.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Error classes. RateLimited and Transient are retryable; Permanent is a
// caller-side defect and never retried.
const (
	ClassRateLimited = "rate_limited"
	ClassTransient   = "transient"
	ClassPermanent   = "permanent"
)

// RateLimitedError signals provider pacing. RetryAfter is the advisory
// wait, zero when the provider gave none.
type RateLimitedError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited (retry after %s): %v", e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("rate limited: %v", e.Err)
}

func (e *RateLimitedError) Unwrap() error { return e.Err }

// TransientError is a network or server-side failure worth retrying.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError is a caller-side defect; retrying cannot help.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return fmt.Sprintf("permanent: %v", e.Err) }
func (e *PermanentError) Unwrap() error { return e.Err }

// ClassifyHTTP maps a provider response status to an error class, honoring
// a Retry-After header on 429. A 2xx status maps to nil.
func ClassifyHTTP(status int, retryAfter string) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests:
		var wait time.Duration
		if secs, err := strconv.ParseFloat(retryAfter, 64); err == nil && secs > 0 {
			wait = time.Duration(secs * float64(time.Second))
		}
		return &RateLimitedError{RetryAfter: wait, Err: fmt.Errorf("status %d", status)}
	case status >= 500:
		return &TransientError{Err: fmt.Errorf("server error: status %d", status)}
	default:
		return &PermanentError{Err: fmt.Errorf("client error: status %d", status)}
	}
}

// ClassifyNetwork maps transport-level failures. Timeouts and cancellations
// behave as transient so the standard policy applies.
func ClassifyNetwork(err error) error {
	if err == nil {
		return nil
	}
	var rl *RateLimitedError
	var tr *TransientError
	var pm *PermanentError
	if errors.As(err, &rl) || errors.As(err, &tr) || errors.As(err, &pm) {
		return err
	}
	return &TransientError{Err: err}
}

// ClassOf returns the class label for a classified error, or "unknown".
func ClassOf(err error) string {
	if err == nil {
		return ""
	}
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return ClassRateLimited
	}
	var tr *TransientError
	if errors.As(err, &tr) {
		return ClassTransient
	}
	var pm *PermanentError
	if errors.As(err, &pm) {
		return ClassPermanent
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ClassTransient
	}
	return "unknown"
}

// Retryable reports whether the policy may attempt the operation again.
func Retryable(err error) bool {
	switch ClassOf(err) {
	case ClassRateLimited, ClassTransient:
		return true
	default:
		return false
	}
}
