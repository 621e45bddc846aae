package backoff

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// ErrMaxAttempts wraps the last error once Retry gives up.
var ErrMaxAttempts = errors.New("max retries exceeded")

// Retry calls fn until it succeeds, fails with an error retryable rejects,
// has been called attempts times, or ctx is done. With attempts of one or
// less the error from the only call is returned as is.
//
// The delay before retry n is n^2 * 10ms capped at maxBackoff, randomized
// between 0.5-1.5 times that so waiting clients do not retry in lockstep.
func Retry(ctx context.Context, attempts int, maxBackoff time.Duration, retryable func(error) bool, fn func() error) error {
	var err error
	for n := 1; ; n++ {
		if err = fn(); err == nil || !retryable(err) {
			return err
		}

		if n >= attempts {
			if n == 1 {
				return err
			}
			return fmt.Errorf("%w: %w", ErrMaxAttempts, err)
		}

		// n^2 backoff timer is a little smoother than the
		// common choice of 2^n.
		d := min(time.Duration(n*n)*10*time.Millisecond, maxBackoff)
		d = time.Duration(float64(d) * (rand.Float64() + 0.5))

		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}
