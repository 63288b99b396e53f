package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// Backoff computes the delay before a failed job becomes ready again:
// Base × 2^(attempt-1), capped at Max. No jitter, so the sequence is
// non-decreasing in the attempt number.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the backoff for the given 1-based attempt count.
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	limit := b.Max
	if limit <= 0 {
		limit = time.Duration(math.MaxInt64)
	}
	// Doubling past 62 bits overflows; anything that large is capped anyway.
	if attempt > 62 {
		return limit
	}
	d := float64(b.Base) * math.Pow(2, float64(attempt-1))
	if d >= float64(limit) {
		return limit
	}
	return time.Duration(d)
}

// RequestRetry controls in-call retries of a single upstream request. It is
// distinct from job-level retries: a request retry happens inside one job
// attempt and only for transient errors.
type RequestRetry struct {
	// MaxAttempts includes the first try. Default: 3.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// JitterFraction spreads concurrent retries (0.25 = ±25%).
	JitterFraction float64
	// OnRetry is called before each retry sleep.
	OnRetry func(attempt int, err error)
}

// DefaultRequestRetry returns the retry policy used by HTTP collectors.
func DefaultRequestRetry() RequestRetry {
	return RequestRetry{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		JitterFraction: 0.25,
	}
}

func (r RequestRetry) withDefaults() RequestRetry {
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = 3
	}
	if r.InitialBackoff <= 0 {
		r.InitialBackoff = 500 * time.Millisecond
	}
	if r.MaxBackoff <= 0 {
		r.MaxBackoff = 10 * time.Second
	}
	if r.JitterFraction < 0 {
		r.JitterFraction = 0
	}
	return r
}

func (r RequestRetry) sleepFor(retry int) time.Duration {
	d := float64(Backoff{Base: r.InitialBackoff, Max: r.MaxBackoff}.Delay(retry))
	if r.JitterFraction > 0 {
		d += (rand.Float64()*2 - 1) * d * r.JitterFraction
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// DoVal runs fn until it succeeds, returns a non-transient error, the
// context ends or attempts run out.
func DoVal[T any](ctx context.Context, r RequestRetry, fn func(ctx context.Context) (T, error)) (T, error) {
	r = r.withDefaults()

	var zero T
	var lastErr error
	for attempt := 1; attempt <= r.MaxAttempts; attempt++ {
		val, err := fn(ctx)
		if err == nil {
			return val, nil
		}
		lastErr = err

		if ctx.Err() != nil || !IsTransient(err) || attempt == r.MaxAttempts {
			return zero, lastErr
		}

		if r.OnRetry != nil {
			r.OnRetry(attempt, err)
		}

		timer := time.NewTimer(r.sleepFor(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, lastErr
		case <-timer.C:
		}
	}
	return zero, lastErr
}

// RetryLogger returns an OnRetry callback that logs each request retry.
func RetryLogger(component, target string) func(int, error) {
	return func(attempt int, err error) {
		zap.L().Warn("retrying request",
			zap.String("component", component),
			zap.String("target", target),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
}
