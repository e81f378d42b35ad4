// Package clock provides the wall-clock and monotonic time source used
// throughout the dispatch core. Every component that reasons about "now",
// lease expiry, or sleep intervals goes through a Clock rather than calling
// time.Now directly, so tests can substitute a deterministic fake.
package clock

import "time"

// Clock exposes wall-clock and monotonic time to the rest of the module.
//
// Now returns the current UTC instant and is used for all persisted
// timestamps (createdAt, lockedUntil, dueTimeUtc, ...). MonotonicSeconds
// returns a value that only ever increases and is immune to wall-clock
// jumps (NTP adjustments, manual clock changes); interval math for sleeping
// loops (scheduler wake timers, lease renew cadence) must use it instead of
// subtracting two Now() values.
type Clock interface {
	// Now returns the current time in UTC.
	Now() time.Time
	// MonotonicSeconds returns a monotonically increasing number of seconds
	// since an arbitrary, process-local epoch. Only differences between two
	// calls are meaningful.
	MonotonicSeconds() float64
}

// System is the production Clock backed by the Go runtime. time.Now()
// already carries a monotonic reading internally; System exposes it
// through MonotonicSeconds via time.Since against a fixed start instant.
type System struct {
	start time.Time
}

// NewSystem returns a Clock backed by the real wall clock.
func NewSystem() *System {
	return &System{start: time.Now()}
}

// Now returns the current UTC time.
func (s *System) Now() time.Time {
	return time.Now().UTC()
}

// MonotonicSeconds returns the number of seconds elapsed since the Clock
// was created, measured with time.Since (which uses the runtime's
// monotonic clock reading, not wall-clock time).
func (s *System) MonotonicSeconds() float64 {
	return time.Since(s.start).Seconds()
}

// compile-time interface check
var _ Clock = (*System)(nil)
