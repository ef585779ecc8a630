package repl

import (
	"os"
	"os/signal"
	"sync/atomic"

	"persona/internal/logging"
)

// InterruptFlag is the single point of contact between the signal handler
// and the loop. The handler only sets it; the loop polls it between
// events and clears it before every turn.
type InterruptFlag struct {
	v atomic.Bool
}

// Set marks an interrupt request. Safe to call from a signal handler
// goroutine.
func (f *InterruptFlag) Set() { f.v.Store(true) }

// Clear resets the flag. Called by the loop before each turn.
func (f *InterruptFlag) Clear() { f.v.Store(false) }

// IsSet reports whether an interrupt is pending.
func (f *InterruptFlag) IsSet() bool { return f.v.Load() }

// Notify routes SIGINT to the flag for the life of the process. Returns
// a stop function that restores default signal handling.
func (f *InterruptFlag) Notify() func() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt)

	go func() {
		for range ch {
			logging.Repl("interrupt requested")
			f.Set()
		}
	}()

	return func() {
		signal.Stop(ch)
		close(ch)
	}
}
