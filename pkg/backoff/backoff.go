package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Exponential returns base*2^(attempt-1) capped at max. Attempt 1 is the
// first retry. A non-positive max disables the cap.
func Exponential(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	mul := math.Pow(2, float64(attempt-1))
	d := float64(base) * mul
	if max > 0 && d >= float64(max) {
		return max
	}
	return time.Duration(d)
}

// ExponentialJitter is Exponential with +/-20% jitter, for loops that
// must not reconnect in lockstep.
func ExponentialJitter(base, max time.Duration, attempt int) time.Duration {
	d := Exponential(base, max, attempt)
	j := time.Duration(float64(d) * 0.2)
	if j <= 0 {
		return d
	}
	return d - j + rand.N(2*j) //nolint:gosec // jitter does not need crypto rand
}

// Policy is the retry schedule applied to failed jobs.
type Policy struct {
	Base time.Duration
	Max  time.Duration
}

func DefaultPolicy() Policy {
	return Policy{Base: 10 * time.Second, Max: 10 * time.Minute}
}

// Delay returns how long to wait before re-running a job whose
// attempt-th run just failed.
func (p Policy) Delay(attempt int) time.Duration {
	return Exponential(p.Base, p.Max, attempt)
}
