// Package retry re-runs operations that lost a race with a concurrent writer.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"

	"github.com/yaqeenpay/ledger/internal/fault"
)

// Conflict retry defaults: a serialization failure usually clears on the
// next attempt, so the backoff starts small.
const (
	ConflictAttempts  = 5
	ConflictBaseDelay = 5 * time.Millisecond
)

func cryptoInt64n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	v := binary.LittleEndian.Uint64(b[:]) >> 1
	return int64(v % uint64(n)) //nolint:gosec // n>0, v%n < n
}

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do will not retry it.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Do calls fn up to maxAttempts times with exponential backoff and jitter.
// It stops early on success, on a *PermanentError, or when ctx is done.
// baseDelay is doubled on each retry with +-25% jitter.
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

		jitter := delay / 4
		sleep := delay - jitter + time.Duration(cryptoInt64n(int64(2*jitter+1)))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}

		delay *= 2
	}

	return err
}

// OnConflict runs fn and retries it only while it fails with a
// fault.Contention error (a lost serialization race). Any other error is
// returned at once. fn must be safe to repeat with the same input.
func OnConflict(ctx context.Context, fn func(ctx context.Context) error) error {
	return Do(ctx, ConflictAttempts, ConflictBaseDelay, func() error {
		err := fn(ctx)
		if err != nil && !fault.Is(err, fault.Contention) {
			return Permanent(err)
		}
		return err
	})
}
