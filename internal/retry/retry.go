// Package retry runs an operation again with exponential backoff while its errors are retryable.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"
)

var (
	// ErrRetriesExhausted is returned when every attempt failed with a retryable error.
	// The last error is wrapped and stays reachable with errors.Is/As.
	ErrRetriesExhausted = errors.New("retries exhausted")

	// ErrInvalidMaxAttempts is returned when a policy allows no attempts at all.
	ErrInvalidMaxAttempts = errors.New("maxAttempts must be greater than 0")
)

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Policy describes how often and how patiently an operation is retried.
type Policy struct {
	// MaxAttempts counts every call, the first one included.
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64

	// Sleep replaces the real timer, mostly in tests.
	Sleep  Sleeper
	Logger *slog.Logger
}

// Ingestion is the policy for knowledge base submissions hitting the concurrent operation limit.
func Ingestion() Policy {
	return Policy{MaxAttempts: 100, InitialDelay: 100 * time.Second, Multiplier: 2}
}

// Chat is the policy for chat requests while the knowledge base database resumes.
func Chat() Policy {
	return Policy{MaxAttempts: 11, InitialDelay: 5 * time.Second, Multiplier: 1.5}
}

// Delay returns the wait before the retry following the given zero-based attempt.
func (p Policy) Delay(attempt int) time.Duration {
	mult := p.Multiplier
	if mult <= 0 {
		mult = 1
	}
	return time.Duration(float64(p.InitialDelay) * math.Pow(mult, float64(attempt)))
}

// Do calls fn until it succeeds, returns an error retryable rejects, or the attempts run out.
// No sleep follows the final attempt.
func Do[T any](ctx context.Context, p Policy, retryable func(error) bool, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if p.MaxAttempts <= 0 {
		return zero, ErrInvalidMaxAttempts
	}

	sleep := p.Sleep
	if sleep == nil {
		sleep = Sleep
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				logger.Debug("operation succeeded after retry", "attempt", attempt+1)
			}
			return result, nil
		}
		if !retryable(err) {
			return zero, err
		}
		lastErr = err

		if attempt == p.MaxAttempts-1 {
			break
		}

		delay := p.Delay(attempt)
		logger.Warn("retryable error, backing off",
			"attempt", attempt+1,
			"max_attempts", p.MaxAttempts,
			"delay", delay,
			"error", err)

		if err := sleep(ctx, delay); err != nil {
			return zero, err
		}
	}

	return zero, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, p.MaxAttempts, lastErr)
}

// Sleep blocks for d unless ctx is done first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
