// Package retry decides whether and when a failed execution is re-attempted.
package retry

import (
	"math/rand"
	"time"

	"jobd/internal/job"
)

// Default policy applied when a job's action carries none.
var Default = job.RetryPolicy{
	MaxRetries:    3,
	RetryDelay:    500 * time.Millisecond,
	Multiplier:    2,
	MaxRetryDelay: 15 * time.Second,
}

// Resolve fills zero fields of p from def. A nil p means "use def whole".
func Resolve(p *job.RetryPolicy, def job.RetryPolicy) job.RetryPolicy {
	if p == nil {
		return def
	}
	out := *p
	if out.RetryDelay <= 0 {
		out.RetryDelay = def.RetryDelay
	}
	if out.Multiplier < 1 {
		out.Multiplier = def.Multiplier
	}
	if out.MaxRetryDelay <= 0 {
		out.MaxRetryDelay = def.MaxRetryDelay
	}
	return out
}

// Decide reports whether another attempt is allowed after a failure with the
// given retryable classification and prior retry count, and the delay before
// it. Delay for retry n (0-based) is RetryDelay * Multiplier^n, capped at
// MaxRetryDelay.
func Decide(p job.RetryPolicy, retryable bool, retryCount int) (bool, time.Duration) {
	if !retryable {
		return false, 0
	}
	if retryCount >= p.MaxRetries {
		return false, 0
	}
	return true, Delay(p, retryCount)
}

// Delay computes the backoff for retry n (0-based) without jitter.
func Delay(p job.RetryPolicy, retryCount int) time.Duration {
	d := p.RetryDelay
	if d <= 0 {
		d = Default.RetryDelay
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	maxD := p.MaxRetryDelay
	if maxD <= 0 {
		maxD = Default.MaxRetryDelay
	}
	for i := 0; i < retryCount; i++ {
		d = time.Duration(float64(d) * mult)
		if d >= maxD {
			return maxD
		}
	}
	if d > maxD {
		d = maxD
	}
	return d
}

// Jitter spreads a delay by ±frac to avoid thundering herds when many jobs
// fail against the same downstream. frac <= 0 returns d unchanged.
func Jitter(d time.Duration, frac float64, rng *rand.Rand) time.Duration {
	if frac <= 0 || d <= 0 || rng == nil {
		return d
	}
	r := (rng.Float64()*2 - 1) * frac
	out := time.Duration(float64(d) * (1 + r))
	if out < 0 {
		out = 0
	}
	return out
}
