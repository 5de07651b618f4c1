// SPDX-License-Identifier: AGPL-3.0-only

// Package tick implements the simulation tick counter, the fixed timestep
// clock that advances it, and client side clock synchronization against a
// remote authoritative tick.
package tick

// Tick is a unit of simulation time.  It wraps at 2^16; all comparisons are
// performed modulo 2^16 within a signed half window, so the ordering of two
// ticks is well defined as long as they are less than 32768 ticks apart.
type Tick uint16

// Diff returns a-b interpreted within the signed half window of the wrapping
// tick space.  A positive result means a is later than b.
func Diff(a, b Tick) int {
	return int(int16(a - b))
}

// After reports whether t is strictly later than o.
func (t Tick) After(o Tick) bool {
	return Diff(t, o) > 0
}

// Before reports whether t is strictly earlier than o.
func (t Tick) Before(o Tick) bool {
	return Diff(t, o) < 0
}

// Add returns t advanced by n ticks.  n may be negative.
func (t Tick) Add(n int) Tick {
	return Tick(uint16(int(t) + n))
}

// Latest returns the later of a and b.
func Latest(a, b Tick) Tick {
	if a.After(b) {
		return a
	}
	return b
}
