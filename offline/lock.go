// Package offline holds the forced-offline flag.
package offline

import "sync/atomic"

// Lock is the process-wide forced-offline flag.
// While active, mutating requests are answered locally instead of reaching the network.
// The zero value is an inactive lock.
type Lock struct {
	active atomic.Bool
}

// Active reports whether the lock is set.
func (l *Lock) Active() bool {
	return l.active.Load()
}

// Set stores the flag and returns the previous value.
func (l *Lock) Set(active bool) (previous bool) {
	return l.active.Swap(active)
}
