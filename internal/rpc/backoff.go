package rpc

import (
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy bounds attempts and spaces them with exponential backoff.
type RetryPolicy struct {
	// MaxAttempts counts the first send. Values below 1 mean 1.
	MaxAttempts int
	BaseDelay   time.Duration
	Factor      float64
	MaxDelay    time.Duration
	Jitter      time.Duration
}

// DefaultRetryPolicy retries twice, 250ms then 500ms, plus up to 100ms jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   250 * time.Millisecond,
		Factor:      2,
		MaxDelay:    5 * time.Second,
		Jitter:      100 * time.Millisecond,
	}
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Delay returns the wait before the attempt following attempt (1-based):
// BaseDelay*Factor^(attempt-1) plus uniform jitter in [0, Jitter],
// capped at MaxDelay when MaxDelay > 0. u is a sample in [0, 1); nil
// uses math/rand. The result is never negative.
func (p RetryPolicy) Delay(attempt int, u func() float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}

	d := float64(p.BaseDelay) * math.Pow(factor, float64(attempt-1))
	if p.Jitter > 0 {
		if u == nil {
			u = rand.Float64
		}
		d += float64(p.Jitter) * u()
	}

	switch {
	case math.IsNaN(d) || d < 0:
		d = 0
	case p.MaxDelay > 0 && d > float64(p.MaxDelay):
		d = float64(p.MaxDelay)
	case d >= math.MaxInt64:
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Backoff walks a RetryPolicy for loops that retry without a
// Correlator, such as redialing.
type Backoff struct {
	Policy  RetryPolicy
	attempt int
}

// Next returns the delay before the next try.
func (b *Backoff) Next() time.Duration {
	b.attempt++
	return b.Policy.Delay(b.attempt, nil)
}

// Attempt returns the number of delays handed out since the last Reset.
func (b *Backoff) Attempt() int { return b.attempt }

// Reset starts over from BaseDelay.
func (b *Backoff) Reset() { b.attempt = 0 }
