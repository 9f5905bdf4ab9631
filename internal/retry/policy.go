// Package retry holds the pure retry policy: backoff math and the
// classification of execution errors into transient, permanent, and unknown.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Class partitions execution errors for the requeue-or-dead-letter decision.
type Class int

const (
	// Unknown errors are treated as transient. Conservative default: a
	// retry wastes at most the backoff window, while skipping a retry
	// loses work that might have succeeded.
	Unknown Class = iota
	Transient
	Permanent
)

// Policy computes the delay before a failed job becomes visible again.
// Exponential growth from BaseDelay by Multiplier, capped at MaxDelay,
// with up to +-JitterFrac of randomized jitter to spread re-lease storms.
type Policy struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	JitterFrac float64
}

// DefaultPolicy mirrors the production defaults: 5s base, x2 growth,
// 10m ceiling, +-20% jitter.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:  5 * time.Second,
		MaxDelay:   10 * time.Minute,
		Multiplier: 2,
		JitterFrac: 0.2,
	}
}

// NextDelay returns the backoff before attempt number attempts+1.
// attempts is the count of executions already recorded (>= 1 on the
// first failure).
func (p Policy) NextDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := float64(p.BaseDelay)
	for i := 1; i < attempts; i++ {
		d *= p.Multiplier
		if d >= float64(p.MaxDelay) {
			d = float64(p.MaxDelay)
			break
		}
	}
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.JitterFrac > 0 {
		jitter := d * p.JitterFrac
		d = d - jitter + rand.Float64()*2*jitter
	}
	return time.Duration(d)
}

type classifiedError struct {
	class Class
	err   error
}

func (e *classifiedError) Error() string { return e.err.Error() }
func (e *classifiedError) Unwrap() error { return e.err }

// MarkPermanent wraps err so Classify reports it as Permanent.
func MarkPermanent(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{class: Permanent, err: err}
}

// MarkTransient wraps err so Classify reports it as Transient.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{class: Transient, err: err}
}

// Classify decides how an execution error is retried. Explicit marks win;
// deadline and cancellation errors count as transient; anything else is
// Unknown, which the worker retries.
func Classify(err error) Class {
	var ce *classifiedError
	if errors.As(err, &ce) {
		return ce.class
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Transient
	}
	return Unknown
}

// Retryable reports whether the class allows another attempt.
func (c Class) Retryable() bool { return c != Permanent }

func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	default:
		return "unknown"
	}
}
