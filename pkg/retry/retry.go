package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/cuemby/burrow/pkg/fault"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
)

// Policy describes how an operation is retried. The zero value performs a
// single attempt.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first one.
	MaxAttempts int
	// BaseDelay is the delay after the first failed attempt.
	BaseDelay time.Duration
	// MaxDelay caps any single delay. Zero means no cap.
	MaxDelay time.Duration
	// Factor multiplies the delay after each failed attempt. Values below 1 are treated as 1.
	Factor float64
	// Jitter randomizes each delay in [d, 2d) before capping.
	Jitter bool
}

// Default is the policy applied to network calls and image pulls.
func Default() Policy {
	return Policy{
		MaxAttempts: 11,
		BaseDelay:   time.Second,
		MaxDelay:    5 * time.Minute,
		Factor:      2,
		Jitter:      true,
	}
}

// Fixed returns a policy retrying with a constant delay.
func Fixed(attempts int, delay time.Duration) Policy {
	return Policy{
		MaxAttempts: attempts,
		BaseDelay:   delay,
		Factor:      1,
	}
}

// Delay returns the wait after the given failed attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 || p.BaseDelay <= 0 {
		return 0
	}

	factor := p.Factor
	if factor < 1 {
		factor = 1
	}

	d := float64(p.BaseDelay) * math.Pow(factor, float64(attempt-1))
	if p.Jitter {
		d += d * rand.Float64()
	}
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if d > float64(math.MaxInt64) {
		d = float64(math.MaxInt64)
	}
	return time.Duration(d)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not retryable. Do returns the wrapped error as is.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do runs fn until it succeeds, returns a permanent error, the context is
// done, or the attempt budget is exhausted. Exhaustion yields a transient
// fault keyed by op that wraps the last error.
func (p Policy) Do(ctx context.Context, op string, fn func(ctx context.Context, attempt int) error) error {
	_, err := Value(ctx, p, op, func(ctx context.Context, attempt int) (struct{}, error) {
		return struct{}{}, fn(ctx, attempt)
	})
	return err
}

// Value is Do for operations that produce a result.
func Value[T any](ctx context.Context, p Policy, op string, fn func(ctx context.Context, attempt int) (T, error)) (T, error) {
	var zero T
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	logger := log.WithComponent("retry")

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, fault.Wrap(fault.KindTransient, op, err, "Operation cancelled.")
		}

		v, err := fn(ctx, attempt)
		if err == nil {
			return v, nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return zero, perm.err
		}

		lastErr = err
		if attempt == attempts {
			break
		}

		delay := p.Delay(attempt)
		metrics.RetryAttemptsTotal.WithLabelValues(op).Inc()
		logger.Warn().
			Str("operation", op).
			Int("attempt", attempt).
			Dur("delay", delay).
			Str("error", fault.Message(err)).
			Msg("Retrying after error")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, fault.Wrap(fault.KindTransient, op, ctx.Err(), "Operation cancelled.")
		case <-timer.C:
		}
	}

	return zero, fault.Wrap(fault.KindTransient, op, lastErr, fmt.Sprintf("Failed after %d attempts.", attempts))
}
