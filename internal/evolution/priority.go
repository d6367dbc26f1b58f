package evolution

import (
	"sort"
	"time"

	"github.com/evoquant/evoquant/internal/domain"
)

// Priority ranks for batch selection. Lower runs first.
const (
	rankNeverBacktested = 0
	rankStale           = 1
	rankExperiment      = 2
	rankOther           = 3
)

func rankOf(s *domain.Strategy, now time.Time, staleAfter time.Duration) int {
	switch {
	case s.LastBacktestAt == nil:
		return rankNeverBacktested
	case now.Sub(*s.LastBacktestAt) > staleAfter:
		return rankStale
	case s.Status == domain.StatusExperiment:
		return rankExperiment
	}
	return rankOther
}

// orderBatch sorts strategies by evolution priority and truncates to max:
// never-backtested first, then stale by oldest backtest, then experiments,
// then everything else by ascending score so the weakest get attention
// first.
func orderBatch(strategies []*domain.Strategy, now time.Time, staleAfter time.Duration, max int) []*domain.Strategy {
	sorted := make([]*domain.Strategy, len(strategies))
	copy(sorted, strategies)

	sort.SliceStable(sorted, func(i, j int) bool {
		ri, rj := rankOf(sorted[i], now, staleAfter), rankOf(sorted[j], now, staleAfter)
		if ri != rj {
			return ri < rj
		}
		if ri == rankStale && !sorted[i].LastBacktestAt.Equal(*sorted[j].LastBacktestAt) {
			return sorted[i].LastBacktestAt.Before(*sorted[j].LastBacktestAt)
		}
		if sorted[i].ScoreValue() != sorted[j].ScoreValue() {
			return sorted[i].ScoreValue() < sorted[j].ScoreValue()
		}
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	if max > 0 && len(sorted) > max {
		sorted = sorted[:max]
	}
	return sorted
}
