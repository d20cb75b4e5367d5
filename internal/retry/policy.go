// Package retry holds the single attempts-and-delay policy shared by login,
// stability polling and acquisition retries.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Schedule returns the pause that follows the given 1-based attempt.
type Schedule func(attempt int) time.Duration

// Constant waits the same delay after every attempt.
func Constant(delay time.Duration) Schedule {
	return func(int) time.Duration { return delay }
}

// Linear waits step multiplied by the attempt number.
func Linear(step time.Duration) Schedule {
	return func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		return step * time.Duration(attempt)
	}
}

// SleepFunc blocks for d or until ctx ends.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Policy bounds a retried operation.
type Policy struct {
	Attempts int
	Schedule Schedule
	Sleep    SleepFunc
}

// ErrExhausted wraps the last error once every attempt has failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// Sleep waits for d, returning early with the context error on cancellation.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("sleep interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

// Delay returns the scheduled pause after attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if p.Schedule == nil {
		return 0
	}
	return p.Schedule(attempt)
}

// Pause sleeps the scheduled delay for attempt.
func (p Policy) Pause(ctx context.Context, attempt int) error {
	sleep := p.Sleep
	if sleep == nil {
		sleep = Sleep
	}
	return sleep(ctx, p.Delay(attempt))
}

// Do runs fn until it succeeds or Attempts is reached, pausing between attempts only.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry canceled: %w", err)
		}
		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		if err := p.Pause(ctx, attempt); err != nil {
			return errors.Join(lastErr, err)
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, lastErr)
}
