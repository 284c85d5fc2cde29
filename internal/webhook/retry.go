package webhook

import (
	"context"
	"time"
)

// RetryPolicy bounds delivery attempts per webhook call.
type RetryPolicy struct {
	// MaxAttempts is the total number of tries, the first included.
	MaxAttempts int
	// Delay is the base backoff; attempt N waits 2^(N-1) times this.
	Delay time.Duration
	// MaxDelay caps the computed backoff. Zero means uncapped.
	MaxDelay time.Duration
}

// DefaultRetryPolicy returns the default delivery retry tuning.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 4,
		Delay:       500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.Delay <= 0 {
		p.Delay = d.Delay
	}
	return p
}

// backoff computes the exponential delay before retry attempt (1-indexed).
func (p RetryPolicy) backoff(attempt int) time.Duration {
	delay := p.Delay
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// waitBackoff sleeps for the given delay or returns early if the context is
// cancelled during the wait.
func waitBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
