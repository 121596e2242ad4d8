package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Backoff is an exponential retry schedule with jitter.
type Backoff struct {
	Attempts int           // total tries including the first; 1 disables retry
	Base     time.Duration // delay before the first retry
	Max      time.Duration // cap on any single delay
	Jitter   float64       // ± fraction of the computed delay
}

// DefaultBackoff is used for provider calls unless configured otherwise.
func DefaultBackoff() Backoff {
	return Backoff{Attempts: 3, Base: 500 * time.Millisecond, Max: 20 * time.Second, Jitter: 0.25}
}

func (b Backoff) normalize() Backoff {
	if b.Attempts <= 0 {
		b.Attempts = 1
	}
	if b.Base <= 0 {
		b.Base = 500 * time.Millisecond
	}
	if b.Max <= 0 {
		b.Max = 20 * time.Second
	}
	if b.Jitter < 0 {
		b.Jitter = 0
	}
	return b
}

// Delay returns the wait before retry number n (0-based).
func (b Backoff) Delay(n int) time.Duration {
	b = b.normalize()
	d := float64(b.Base) * math.Pow(2, float64(n))
	if d > float64(b.Max) {
		d = float64(b.Max)
	}
	if b.Jitter > 0 {
		d += (rand.Float64()*2 - 1) * d * b.Jitter
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// Retry runs fn until it succeeds, returns a non-retryable error, the
// attempts run out or ctx ends. onRetry, if set, sees each failure that will
// be retried.
func Retry[T any](ctx context.Context, b Backoff, retryable func(error) bool, onRetry func(int, error), fn func(context.Context) (T, error)) (T, int, error) {
	b = b.normalize()
	if retryable == nil {
		retryable = IsTransient
	}

	var zero T
	var err error
	for attempt := 1; attempt <= b.Attempts; attempt++ {
		var v T
		v, err = fn(ctx)
		if err == nil {
			return v, attempt, nil
		}
		if ctx.Err() != nil || !retryable(err) || attempt == b.Attempts {
			return zero, attempt, err
		}
		if onRetry != nil {
			onRetry(attempt, err)
		}

		t := time.NewTimer(b.Delay(attempt - 1))
		select {
		case <-ctx.Done():
			t.Stop()
			return zero, attempt, err
		case <-t.C:
		}
	}
	return zero, b.Attempts, err
}
