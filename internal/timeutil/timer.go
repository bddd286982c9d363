package timeutil

import (
	"log/slog"
	"sync"
	"time"

	"github.com/ghettovoice/sipcore/clock"
)

// TimerState represents the current state of a timer.
type TimerState string

const (
	// TimerStateRunning indicates the timer is currently running.
	TimerStateRunning TimerState = "running"
	// TimerStateStopped indicates the timer was stopped before expiration.
	TimerStateStopped TimerState = "stopped"
	// TimerStateExpired indicates the timer has expired.
	TimerStateExpired TimerState = "expired"
)

// Timer is a one-shot timer armed on a [clock.Clock].
type Timer struct {
	clk clock.Clock
	fn  func()

	mu        sync.Mutex
	gen       uint64
	startTime time.Time
	duration  time.Duration
	state     TimerState
	inner     clock.Timer
}

// AfterFunc arms a timer on clk that calls f after d.
// A nil clock means the real clock.
func AfterFunc(clk clock.Clock, d time.Duration, f func()) *Timer {
	t := &Timer{
		clk: clock.Or(clk),
		fn:  f,
	}
	t.mu.Lock()
	t.armUnsafe(d)
	t.mu.Unlock()
	return t
}

func (t *Timer) armUnsafe(d time.Duration) {
	t.gen++
	gen := t.gen
	t.startTime = t.clk.Now()
	t.duration = d
	t.state = TimerStateRunning
	t.inner = t.clk.AfterFunc(d, func() { t.fire(gen) })
}

func (t *Timer) fire(gen uint64) {
	t.mu.Lock()
	if t.gen != gen || t.state != TimerStateRunning {
		t.mu.Unlock()
		return
	}
	t.state = TimerStateExpired
	fn := t.fn
	t.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// Stop stops the timer.
// It returns false if the timer has already expired or been stopped.
func (t *Timer) Stop() bool {
	if t == nil {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.gen++
	if t.state != TimerStateRunning {
		return false
	}
	t.state = TimerStateStopped
	if t.inner != nil {
		t.inner.Stop()
		t.inner = nil
	}
	return true
}

// Reset re-arms the timer to expire after d, starting from now.
// It returns true if the timer had been running.
func (t *Timer) Reset(d time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	wasRunning := t.state == TimerStateRunning
	if t.inner != nil {
		t.inner.Stop()
		t.inner = nil
	}
	t.armUnsafe(d)
	return wasRunning
}

// State returns the current timer state.
func (t *Timer) State() TimerState {
	if t == nil {
		return ""
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Duration returns the duration the timer was last armed with.
func (t *Timer) Duration() time.Duration {
	if t == nil {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.duration
}

// Left returns the time remaining until the timer expires.
// Returns 0 if the timer is expired or stopped.
func (t *Timer) Left() time.Duration {
	if t == nil {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != TimerStateRunning {
		return 0
	}
	left := t.duration - t.clk.Now().Sub(t.startTime)
	if left < 0 {
		return 0
	}
	return left
}

// LogValue implements [slog.LogValuer].
func (t *Timer) LogValue() slog.Value {
	if t == nil {
		return slog.Value{}
	}

	t.mu.Lock()
	state, d := t.state, t.duration
	t.mu.Unlock()
	return slog.GroupValue(
		slog.Any("state", state),
		slog.Duration("duration", d),
		slog.Duration("left", t.Left()),
	)
}
