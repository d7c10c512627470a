// Package clock abstracts timers so retry and timeout scheduling can be
// driven deterministically in tests.
//
// Production code takes a Clock and is wired with Real(). Tests wire a
// FakeClock and move time with Advance:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	corr := rpc.NewCorrelator(sender, rpc.WithClock(c))
//	// ... issue a request ...
//	c.WaitForTimers(1)
//	c.Advance(5 * time.Second) // timeout fires
package clock

import "time"

// Clock is the subset of the time package used by this module.
type Clock interface {
	Now() time.Time

	// After returns a channel that receives once d has elapsed.
	After(d time.Duration) <-chan time.Time

	// AfterFunc calls f once d has elapsed. The returned Timer can
	// cancel the pending call.
	AfterFunc(d time.Duration, f func()) *Timer

	// NewTicker delivers ticks every d. Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker
}

// Timer is a scheduled callback.
type Timer struct {
	stopFunc func() bool
}

// Stop prevents the Timer from firing. It reports whether the call
// stopped the timer; false means it already fired or was stopped.
func (t *Timer) Stop() bool {
	if t == nil || t.stopFunc == nil {
		return false
	}
	return t.stopFunc()
}

// Ticker delivers periodic ticks on C. C has capacity 1; ticks are
// dropped if the reader falls behind.
type Ticker struct {
	C <-chan time.Time

	stopFunc func()
}

// Stop turns off the ticker. C is not closed.
func (t *Ticker) Stop() { t.stopFunc() }
