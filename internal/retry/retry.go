// Package retry backs Trustbook's outbound deliveries (reputation
// settlement posts, webhook notifications) with bounded retries,
// exponential backoff, and jitter. Callers mark non-retryable failures
// with Permanent so a 4xx rejection is never hammered.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"
)

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do stops retrying and returns it as-is.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Do calls fn up to maxAttempts times, sleeping between attempts with
// exponential backoff. It returns early when fn succeeds, when fn
// returns a *PermanentError, or when ctx is cancelled during a backoff
// sleep. maxAttempts below 1 means one attempt. baseDelay doubles on
// each retry.
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var err error
	delay := baseDelay

	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}

		if attempt == maxAttempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered(delay)):
		}

		delay *= 2
	}

	return err
}

// jittered spreads a sleep +-25% around delay so concurrent deliveries
// retrying the same dead endpoint do not fire in lockstep.
func jittered(delay time.Duration) time.Duration {
	spread := delay / 4
	return delay - spread + time.Duration(randInt64n(int64(2*spread+1)))
}

// randInt64n returns a random int64 in [0, n) using crypto/rand.
func randInt64n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	v := binary.LittleEndian.Uint64(b[:]) >> 1 // fits in int64
	return int64(v % uint64(n))                //nolint:gosec // n>0, v%n < n, safe
}
