package clock

import (
	"sync"
	"time"
)

// Fake is a manually advanced clock for tests. Tickers created from it fire
// only when Tick() is called.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	tickers []chan time.Time
}

// NewFake creates a fake clock starting at the given instant.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now returns the fake current time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the clock forward without firing tickers.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// Ticker returns a channel that fires when Tick is called. The interval is
// ignored; tests control delivery explicitly.
func (f *Fake) Ticker(d time.Duration) (<-chan time.Time, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan time.Time, 1)
	f.tickers = append(f.tickers, ch)

	stop := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		for i, c := range f.tickers {
			if c == ch {
				f.tickers = append(f.tickers[:i], f.tickers[i+1:]...)
				break
			}
		}
	}
	return ch, stop
}

// Tick advances the clock and delivers one tick to every open ticker.
func (f *Fake) Tick(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	now := f.now
	tickers := make([]chan time.Time, len(f.tickers))
	copy(tickers, f.tickers)
	f.mu.Unlock()

	for _, ch := range tickers {
		select {
		case ch <- now:
		default:
			// Ticker consumer is behind; drop the tick like time.Ticker does.
		}
	}
}
