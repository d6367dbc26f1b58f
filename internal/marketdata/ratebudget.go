package marketdata

import (
	"context"
	"sync"
	"time"

	"github.com/evoquant/evoquant/internal/clock"
	"github.com/evoquant/evoquant/internal/domain"
)

// RateBudget enforces a rolling-window request budget for one provider.
// The window slides continuously rather than resetting on a boundary, so
// a burst at the end of one minute cannot combine with a burst at the
// start of the next.
type RateBudget struct {
	limit  int
	window time.Duration
	clock  clock.Clock

	mu    sync.Mutex
	sent  []time.Time
}

// NewRateBudget creates a budget of limit requests per window.
func NewRateBudget(limit int, window time.Duration, clk clock.Clock) *RateBudget {
	if limit < 1 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RateBudget{limit: limit, window: window, clock: clk}
}

// TryAcquire consumes one slot if available. When the budget is exhausted
// it returns false and the duration until the oldest in-window request
// expires.
func (b *RateBudget) TryAcquire() (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	b.prune(now)

	if len(b.sent) < b.limit {
		b.sent = append(b.sent, now)
		return true, 0
	}
	return false, b.sent[0].Add(b.window).Sub(now)
}

// Acquire blocks until a slot is free or the context expires. When the
// context deadline cannot outlast the required wait it fails fast with
// domain.ErrRateLimited instead of sleeping toward certain failure.
func (b *RateBudget) Acquire(ctx context.Context) error {
	for {
		ok, wait := b.TryAcquire()
		if ok {
			return nil
		}
		if deadline, has := ctx.Deadline(); has {
			if b.clock.Now().Add(wait).After(deadline) {
				return domain.ErrRateLimited
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// InFlight reports how many requests currently count against the window.
func (b *RateBudget) InFlight() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prune(b.clock.Now())
	return len(b.sent)
}

func (b *RateBudget) prune(now time.Time) {
	cutoff := now.Add(-b.window)
	i := 0
	for i < len(b.sent) && !b.sent[i].After(cutoff) {
		i++
	}
	if i > 0 {
		b.sent = append(b.sent[:0], b.sent[i:]...)
	}
}
