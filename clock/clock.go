// Package clock provides the time source used by the stack timers.
//
// All protocol timers (transaction retransmissions and timeouts, flow idle
// sweeps) are armed through a [Clock], so tests can drive them
// deterministically with [Fake].
package clock

import "time"

// Clock is a source of the current time and one-shot timers.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// AfterFunc waits for the duration to elapse and then calls f.
	// Callbacks must not assume they are called from any particular goroutine.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a one-shot timer created by [Clock.AfterFunc].
type Timer interface {
	// Stop prevents the timer from firing.
	// It returns false if the timer has already fired or been stopped.
	Stop() bool
	// Reset changes the timer to expire after duration d.
	// It returns true if the timer had been active.
	Reset(d time.Duration) bool
}

type realClock struct{}

var rc Clock = realClock{}

// Real returns the clock backed by the runtime timers.
func Real() Clock { return rc }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Since returns the time elapsed since t on the clock c.
func Since(c Clock, t time.Time) time.Duration {
	if c == nil {
		c = rc
	}
	return c.Now().Sub(t)
}

// Or returns c or the real clock if c is nil.
func Or(c Clock) Clock {
	if c == nil {
		return rc
	}
	return c
}
