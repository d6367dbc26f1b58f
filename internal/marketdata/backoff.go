package marketdata

import (
	"sync"
	"time"
)

// backoff tracks per-provider exponential backoff. Each failure doubles the
// delay up to the ceiling; each success halves the failure count so a
// provider earns its way back instead of snapping to zero.
type backoff struct {
	base time.Duration
	max  time.Duration

	mu       sync.Mutex
	failures int
	until    time.Time
}

func newBackoff(base, max time.Duration) *backoff {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	return &backoff{base: base, max: max}
}

// ready reports whether the provider may be tried at the given time.
func (b *backoff) ready(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !now.Before(b.until)
}

// failure records a failed call and extends the hold-off window.
func (b *backoff) failure(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	delay := b.base << uint(b.failures-1)
	if delay > b.max || delay <= 0 {
		delay = b.max
	}
	b.until = now.Add(delay)
}

// success decays the failure count and clears the hold-off.
func (b *backoff) success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures /= 2
	b.until = time.Time{}
}
