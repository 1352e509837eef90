package chat

import (
	"context"
	"time"
)

// Policy is an explicit retry policy applied uniformly wherever
// persistence is called.
type Policy struct {
	MaxAttempts int
	Backoff     func(attempt int) time.Duration
	// Retryable classifies errors; nil means every error is retryable.
	Retryable func(error) bool
}

// DefaultPolicy retries three times with linear backoff: 0.5s, 1s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		Backoff: func(attempt int) time.Duration {
			return time.Duration(attempt) * 500 * time.Millisecond
		},
	}
}

// Do runs op until it succeeds, a non-retryable error occurs, attempts are
// exhausted, or ctx is cancelled. The attempt number passed to op starts
// at 1. The last error is returned on failure.
func (p Policy) Do(ctx context.Context, op func(attempt int) error) error {
	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err = op(attempt); err == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		if attempt == p.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.Backoff(attempt)):
		}
	}
	return err
}
