package failure

import (
	"math"
	"math/rand"
	"time"
)

// RetryPolicy controls how long a failed message waits before it is redelivered.
type RetryPolicy struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
	Jitter         bool
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     3,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		BackoffFactor:  2.0,
		Jitter:         true,
	}
}

// Backoff returns the delay before retry number attempt (zero based).
func Backoff(policy RetryPolicy, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	factor := policy.BackoffFactor
	if factor <= 0 {
		factor = 1
	}
	limit := time.Duration(math.MaxInt64)
	if policy.MaxBackoff > 0 {
		limit = policy.MaxBackoff
	}

	// clamped before conversion; large attempts overflow int64
	backoff := limit
	if f := float64(policy.InitialBackoff) * math.Pow(factor, float64(attempt)); !math.IsNaN(f) && f < float64(limit) {
		backoff = time.Duration(f)
	}

	// jitter adds up to a quarter of the delay and is clamped to MaxBackoff again
	if policy.Jitter && backoff > 0 {
		maxJitter := backoff / 4
		if maxJitter > 0 {
			backoff += time.Duration(rand.Int63n(int64(maxJitter)))
			if backoff < 0 || backoff > limit {
				backoff = limit
			}
		}
	}

	return backoff
}
