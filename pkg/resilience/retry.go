package resilience

import (
	"context"
	"time"
)

// RetryPolicy defines retry behavior for transient failures.
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration
}

func NewRetryPolicy(maxRetries int, backoff time.Duration) RetryPolicy {
	if maxRetries <= 0 {
		maxRetries = 2
	}
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	return RetryPolicy{MaxRetries: maxRetries, Backoff: backoff}
}

func (r RetryPolicy) Do(fn func() error) error {
	return r.DoContext(context.Background(), fn)
}

// DoContext retries fn with a fixed backoff, stopping early when ctx is done.
func (r RetryPolicy) DoContext(ctx context.Context, fn func() error) error {
	var err error
	for i := 0; i <= r.MaxRetries; i++ {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		err = fn()
		if err == nil {
			return nil
		}
		if i == r.MaxRetries {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.Backoff):
		}
	}
	return err
}
