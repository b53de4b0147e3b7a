// Package appserver implements the stateless request worker: it pulls
// client requests from the broker backend, consults the data store, and
// participates in the control plane (heartbeats, membership, election,
// clock synchronization).
package appserver

import (
	"math"
	"sync/atomic"
	"time"
)

// Clock is the server's logical clock: wall-clock seconds as a float64,
// perturbed by simulated drift and overwritten by leader sync broadcasts.
// Reads and writes are single-word atomics; no other state depends on the
// value, so no lock is needed.
type Clock struct {
	bits atomic.Uint64
}

// NewClock starts the clock at the current wall time.
func NewClock() *Clock {
	c := &Clock{}
	c.Set(WallSeconds())
	return c
}

// Now returns the current clock value in seconds.
func (c *Clock) Now() float64 {
	return math.Float64frombits(c.bits.Load())
}

// Set adopts an absolute value, as received from a clock_sync broadcast.
func (c *Clock) Set(seconds float64) {
	c.bits.Store(math.Float64bits(seconds))
}

// Drift shifts the clock by delta seconds and returns the new value.
func (c *Clock) Drift(delta float64) float64 {
	for {
		old := c.bits.Load()
		val := math.Float64frombits(old) + delta
		if c.bits.CompareAndSwap(old, math.Float64bits(val)) {
			return val
		}
	}
}

// WallSeconds returns the wall clock as float seconds since the epoch.
func WallSeconds() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
