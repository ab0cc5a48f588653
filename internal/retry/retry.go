// Package retry retries idempotent backend calls and spaces reconnect
// attempts with jittered exponential backoff.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// MaxDelay caps the wait between attempts made by Do.
const MaxDelay = 10 * time.Second

// PermanentError stops Do from retrying.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so Do returns it without retrying.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Transient is implemented by errors that know whether a retry can help.
type Transient interface {
	Temporary() bool
}

// Classify marks err permanent when it reports itself non-temporary.
// Errors without an opinion stay retryable.
func Classify(err error) error {
	var t Transient
	if errors.As(err, &t) && !t.Temporary() {
		return Permanent(err)
	}
	return err
}

// Do calls fn up to attempts times, waiting Backoff(n, base, MaxDelay)
// after the nth failure. It returns the unwrapped error of a permanent
// failure, the last error once attempts run out, or ctx's error if ctx
// ends while waiting.
func Do(ctx context.Context, attempts int, base time.Duration, fn func() error) error {
	attempts = max(attempts, 1)
	for n := 1; ; n++ {
		err := fn()
		if err == nil {
			return nil
		}
		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}
		if n >= attempts {
			return err
		}

		t := time.NewTimer(Backoff(n, base, MaxDelay))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Backoff returns the wait after failed attempt n (1-based): base doubled
// per attempt up to limit, then spread by ±25%.
func Backoff(n int, base, limit time.Duration) time.Duration {
	d := base
	for i := 1; i < n && d < limit; i++ {
		d *= 2
	}
	d = min(d, limit)
	if d <= 0 {
		return 0
	}
	spread := d / 2
	return d - spread/2 + rand.N(spread+1)
}
