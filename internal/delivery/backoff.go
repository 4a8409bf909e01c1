package delivery

import (
	"math"
	"math/rand"
	"time"
)

// BackoffPolicy computes the delay before a failed send is retried.
// Delay doubles with each attempt, is capped, and gets a random jitter so
// a burst of failures does not retry in lockstep.
type BackoffPolicy struct {
	Base       time.Duration
	Cap        time.Duration
	JitterFrac float64
}

// DefaultBackoff matches the engine defaults: 1m base, 1h cap, 20% jitter.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{
		Base:       time.Minute,
		Cap:        time.Hour,
		JitterFrac: 0.2,
	}
}

// Delay returns the wait before retry number attempt (1-based, the attempt
// that just failed). Attempt 1 waits Base, attempt 2 waits 2*Base, and so on.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	backoff := float64(p.Base) * math.Pow(2, float64(attempt-1))
	if backoff > float64(p.Cap) {
		backoff = float64(p.Cap)
	}

	if p.JitterFrac > 0 {
		jitter := backoff * p.JitterFrac * (2*rand.Float64() - 1)
		backoff += jitter
	}
	if backoff < 0 {
		backoff = 0
	}

	return time.Duration(backoff)
}

// NextRetryAt returns the wall-clock time of the next retry.
func (p BackoffPolicy) NextRetryAt(now time.Time, attempt int) time.Time {
	return now.Add(p.Delay(attempt))
}
