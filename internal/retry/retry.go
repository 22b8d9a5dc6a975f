// Package retry provides the single bounded retry-on-conflict combinator used
// by every state-store mutation in the coordinators.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alanyang/agent-forge/internal/port/state"
)

const (
	// DefaultAttempts bounds conflict retries. Sibling runs mutating the same
	// task contend briefly; five attempts with backoff outlasts any burst.
	DefaultAttempts = 5

	initialBackoff = 25 * time.Millisecond
	maxBackoff     = 2 * time.Second
	backoffFactor  = 2
)

// backoffFor returns the delay before the given retry attempt.
func backoffFor(attempt int) time.Duration {
	delay := initialBackoff
	for i := 0; i < attempt; i++ {
		delay *= backoffFactor
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

// OnConflict runs fn until it succeeds, returns a non-conflict error, or the
// attempt budget is exhausted. Only state.ErrConflict is retried — every other
// error propagates immediately.
func OnConflict(ctx context.Context, attempts int, fn func(ctx context.Context) error) error {
	if attempts <= 0 {
		attempts = DefaultAttempts
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoffFor(attempt - 1)):
			}
		}

		err = fn(ctx)
		if err == nil {
			return nil
		}
		if !errors.Is(err, state.ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("retry budget exhausted after %d attempts: %w", attempts, err)
}
