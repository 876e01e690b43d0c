package notification

import (
	"context"
	"time"
)

// RetryPolicy bounds delivery retries with exponential backoff.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultRetryPolicy retries three times with 1s, 2s, 4s backoff.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second}

// Delay returns the backoff before the given attempt. The first attempt
// (attempt 0) has no delay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	return p.BaseDelay << (attempt - 1)
}

// Do runs fn up to MaxAttempts times, sleeping the policy's backoff
// between attempts. It returns the last error, or nil once fn succeeds.
// The sleep function is injectable so tests do not wait out real
// backoff.
func (p RetryPolicy) Do(ctx context.Context, sleep func(context.Context, time.Duration) error, fn func(context.Context) error) error {
	if sleep == nil {
		sleep = sleepCtx
	}
	var err error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if d := p.Delay(attempt); d > 0 {
			if serr := sleep(ctx, d); serr != nil {
				return serr
			}
		}
		if err = fn(ctx); err == nil {
			return nil
		}
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
