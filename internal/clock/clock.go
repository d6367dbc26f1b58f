// Package clock provides an injectable time source so workers and caches
// can be driven deterministically in tests.
package clock

import "time"

// Clock abstracts wall-clock access and ticker creation.
type Clock interface {
	Now() time.Time
	// Ticker returns a channel that delivers ticks at the given interval
	// and a stop function that releases the underlying resources.
	Ticker(d time.Duration) (<-chan time.Time, func())
}

// Real is the production clock backed by the time package.
type Real struct{}

// NewReal creates a real clock.
func NewReal() *Real {
	return &Real{}
}

// Now returns the current wall-clock time.
func (r *Real) Now() time.Time {
	return time.Now().UTC()
}

// Ticker returns a real time.Ticker channel and its stop function.
func (r *Real) Ticker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}
