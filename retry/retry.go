// Package retry repeats an operation with exponential backoff until it
// succeeds, fails permanently, runs out of attempts or its context ends.
//
// It is used to poll for results that appear later, such as transaction
// receipts. It must not wrap operations with side effects.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Config holds retry configuration.
type Config struct {
	MaxAttempts  int           // Maximum number of attempts; zero or less means until ctx is done
	InitialDelay time.Duration // Initial delay between retries
	MaxDelay     time.Duration // Maximum delay between retries
	Multiplier   float64       // Multiplier for exponential backoff
}

// PollConfig polls until the context ends, backing off to one attempt every two seconds.
var PollConfig = Config{
	InitialDelay: 250 * time.Millisecond,
	MaxDelay:     2 * time.Second,
	Multiplier:   1.5,
}

// IsRetryable determines if an error should trigger a retry.
type IsRetryable func(error) bool

// WithRetry executes fn until it succeeds or returns a non-retryable error.
// When the context ends first, the returned error wraps ctx.Err().
func WithRetry[T any](
	ctx context.Context,
	config Config,
	isRetryable IsRetryable,
	fn func() (T, error),
) (T, error) {
	var zero T
	var lastErr error
	delay := config.InitialDelay

	for attempt := 0; config.MaxAttempts <= 0 || attempt < config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, contextError(err, lastErr)
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}

		lastErr = err

		if !isRetryable(err) {
			return zero, err
		}

		// Don't sleep after last attempt
		if config.MaxAttempts > 0 && attempt == config.MaxAttempts-1 {
			break
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
			delay = time.Duration(float64(delay) * config.Multiplier)
			if delay > config.MaxDelay {
				delay = config.MaxDelay
			}
		case <-ctx.Done():
			timer.Stop()
			return zero, contextError(ctx.Err(), lastErr)
		}
	}

	return zero, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func contextError(ctxErr, lastErr error) error {
	if lastErr == nil {
		return fmt.Errorf("context done: %w", ctxErr)
	}
	return fmt.Errorf("context done (last error: %v): %w", lastErr, ctxErr)
}
