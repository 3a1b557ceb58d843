package util

import (
	"context"
	"math/rand"
	"time"

	"helmsman/internal/domain"
)

// Backoff computes exponential delays with jitter. A zero Base produces zero
// delays, which retry loops use to run without waiting.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// NewBackoff returns a Backoff doubling from base and capped at max.
func NewBackoff(base, max time.Duration) Backoff {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	return Backoff{Base: base, Max: max}
}

// Delay returns the backoff for the given zero-based attempt, with up to 50%
// additive jitter, capped at Max.
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= b.Max {
			d = b.Max
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(d)/2 + 1))
	if d+jitter > b.Max {
		return b.Max
	}
	return d + jitter
}

// Retry calls fn up to maxAttempts times with exponential backoff starting at
// baseDelay. It returns nil on the first successful call, or the last error
// if all attempts fail. The function respects context cancellation between
// retries.
func Retry(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	var err error
	delay := baseDelay

	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		// Don't sleep after the last failed attempt.
		if attempt < maxAttempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}

	return err
}

// RetryTransient is Retry with error-kind awareness: rejected, capability,
// conflict, and fatal errors abort immediately since repeating them cannot
// succeed.
func RetryTransient(ctx context.Context, maxAttempts int, backoff Backoff, fn func() error) error {
	var err error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !domain.IsTransient(err) {
			return err
		}

		if attempt < maxAttempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff.Delay(attempt)):
			}
		}
	}

	return err
}
