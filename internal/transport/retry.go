package transport

import (
	"context"
	"time"

	"github.com/af-corp/operator-gateway/internal/types"
)

// RetryPolicy is the generic backoff applied to transient failures:
// network errors, timeouts and 5xx responses.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second}
}

// Backoff returns the wait before attempt+1, doubling from BaseDelay.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay << (attempt - 1)
	if d < p.BaseDelay || (p.MaxDelay > 0 && d > p.MaxDelay) {
		d = p.MaxDelay
	}
	return d
}

// Retryable reports whether err is worth another attempt.
func Retryable(err error) bool {
	return err != nil && types.KindOf(err) == types.KindTransport
}

// Retry runs fn until it succeeds, returns a non-retryable error, the
// attempts run out or ctx is done. onRetry, if set, is called before each wait.
func Retry(ctx context.Context, p RetryPolicy, fn func(attempt int) error, onRetry func(attempt int, err error)) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn(attempt)
		if err == nil || !Retryable(err) || attempt == attempts {
			return err
		}
		if ctx.Err() != nil {
			return err
		}
		if onRetry != nil {
			onRetry(attempt, err)
		}
		wait := p.Backoff(attempt)
		if wait <= 0 {
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}
