// Package retry runs operations with exponential backoff.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

// Config holds retry configuration.
type Config struct {
	MaxAttempts int           // total attempts, including the first (0 = unlimited)
	InitialWait time.Duration // wait after the first failure
	MaxWait     time.Duration // cap for any single wait
	Multiplier  float64
	Jitter      float64 // fraction of the wait, 0-1
}

// DefaultConfig returns the backoff used for relay metadata calls.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		InitialWait: 200 * time.Millisecond,
		MaxWait:     10 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.1,
	}
}

// RetryableError marks an error as transient. After, when set, is the
// minimum wait requested by the remote side.
type RetryableError struct {
	Err   error
	After time.Duration
}

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable wraps err so Do retries it.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// RetryableAfter wraps err so Do retries it no sooner than after.
func RetryableAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err, After: after}
}

// IsRetryable reports whether err was marked retryable.
func IsRetryable(err error) bool {
	var r *RetryableError
	return errors.As(err, &r)
}

// Backoff returns the wait before the attempt following attempt (1-based),
// without jitter.
func (c Config) Backoff(attempt int) time.Duration {
	wait := float64(c.InitialWait) * math.Pow(c.Multiplier, float64(attempt-1))
	if c.MaxWait > 0 && wait > float64(c.MaxWait) {
		wait = float64(c.MaxWait)
	}
	return time.Duration(wait)
}

func (c Config) wait(attempt int, err error) time.Duration {
	wait := c.Backoff(attempt)
	if c.Jitter > 0 {
		wait += time.Duration(float64(wait) * c.Jitter * (rand.Float64()*2 - 1))
	}
	var r *RetryableError
	if errors.As(err, &r) && r.After > wait {
		wait = r.After
		if c.MaxWait > 0 && wait > c.MaxWait {
			wait = c.MaxWait
		}
	}
	return wait
}

// Do runs fn until it succeeds, returns a non-retryable error, the attempts
// are exhausted or ctx ends. The last error is returned unwrapped from its
// RetryableError marker.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	_, err := DoWithResult(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoWithResult is Do for functions that return a value.
func DoWithResult[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	var zero T
	for attempt := 1; ; attempt++ {
		v, err := fn()
		if err == nil {
			return v, nil
		}
		if !IsRetryable(err) {
			return zero, err
		}
		if cfg.MaxAttempts > 0 && attempt >= cfg.MaxAttempts {
			return zero, unwrap(err)
		}

		timer := time.NewTimer(cfg.wait(attempt, err))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
}

func unwrap(err error) error {
	var r *RetryableError
	if errors.As(err, &r) {
		return r.Err
	}
	return err
}
