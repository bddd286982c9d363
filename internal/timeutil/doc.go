// Package timeutil provides Timer, a generation-stamped one-shot timer armed on a [clock.Clock].
//
// Every Stop or Reset advances the timer generation. A clock callback captured by an
// earlier generation finds the generation changed and returns without calling the user
// function, so a late expiry racing with Stop or Reset is always a no-op.
//
// Basic usage:
//
//	tmr := timeutil.AfterFunc(clk, 500*time.Millisecond, func() {
//	    // retransmit
//	})
//	defer tmr.Stop()
//
// A Timer implements [slog.LogValuer] and logs its state, duration and time left.
//
// All timer operations are thread-safe.
package timeutil
