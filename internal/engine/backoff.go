package engine

import "time"

// RetryPolicy bounds automatic retries of transient failures.
type RetryPolicy struct {
	// MaxAttempts is the number of failed attempts after which an entry is
	// no longer retried automatically. Zero means unbounded.
	MaxAttempts int

	// BaseDelay is the wait after the first failure.
	BaseDelay time.Duration

	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration
}

// DefaultRetryPolicy returns 10 attempts, 5s base delay, 10m cap.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 10,
		BaseDelay:   5 * time.Second,
		MaxDelay:    10 * time.Minute,
	}
}

// Delay returns the wait before the next attempt of an entry that has
// failed n times: BaseDelay * 2^(n-1), capped at MaxDelay.
func (p RetryPolicy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := p.BaseDelay
	for i := 1; i < n; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
		if d <= 0 {
			// overflow
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Exhausted reports whether an entry with retryCount failures has used up
// its automatic attempts.
func (p RetryPolicy) Exhausted(retryCount int) bool {
	return p.MaxAttempts > 0 && retryCount >= p.MaxAttempts
}
