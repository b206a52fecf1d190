package conversation

import (
	"context"
	"time"
)

// RetryPolicy bounds the durable write attempts for one turn. The wait before
// attempt n (n > 1) is Delay*(n-1).
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
}

// DefaultRetryPolicy makes three attempts with a 200ms linear backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, Delay: 200 * time.Millisecond}
}

// MaxDuration is the longest Do can take when each attempt is bounded by
// perAttempt.
func (p RetryPolicy) MaxDuration(perAttempt time.Duration) time.Duration {
	n := time.Duration(max(p.Attempts, 2))
	return n*perAttempt + p.Delay*n*(n-1)/2
}

// Do runs op until it succeeds, the attempts are exhausted or ctx is done. It
// returns the number of attempts made and the last error. At least two attempts
// are always made so a transient failure is retried once.
func (p RetryPolicy) Do(ctx context.Context, op func(attempt int) error) (int, error) {
	attempts := p.Attempts
	if attempts < 2 {
		attempts = 2
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			wait := p.Delay * time.Duration(attempt-1)
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return attempt - 1, ctx.Err()
			case <-timer.C:
			}
		}
		lastErr = op(attempt)
		if lastErr == nil {
			return attempt, nil
		}
		if ctx.Err() != nil {
			return attempt, lastErr
		}
	}
	return attempts, lastErr
}
