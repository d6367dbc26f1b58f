package evolution

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/evoquant/evoquant/internal/domain"
)

func strat(id string, status domain.Status, score float64, lastBacktest *time.Time, createdAt time.Time) *domain.Strategy {
	return &domain.Strategy{
		ID:             id,
		Status:         status,
		Score:          &score,
		LastBacktestAt: lastBacktest,
		CreatedAt:      createdAt,
	}
}

func TestRankOf(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	staleAfter := 7 * 24 * time.Hour
	fresh := now.Add(-time.Hour)
	old := now.Add(-8 * 24 * time.Hour)

	assert.Equal(t, rankNeverBacktested, rankOf(strat("a", domain.StatusCandidate, 0.5, nil, now), now, staleAfter))
	assert.Equal(t, rankStale, rankOf(strat("b", domain.StatusCandidate, 0.5, &old, now), now, staleAfter))
	assert.Equal(t, rankExperiment, rankOf(strat("c", domain.StatusExperiment, 0.5, &fresh, now), now, staleAfter))
	assert.Equal(t, rankOther, rankOf(strat("d", domain.StatusCandidate, 0.5, &fresh, now), now, staleAfter))
}

func TestOrderBatchPriority(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	staleAfter := 7 * 24 * time.Hour
	fresh := now.Add(-time.Hour)
	old := now.Add(-8 * 24 * time.Hour)

	input := []*domain.Strategy{
		strat("other-high", domain.StatusCandidate, 0.9, &fresh, now),
		strat("other-low", domain.StatusCandidate, 0.2, &fresh, now),
		strat("experiment", domain.StatusExperiment, 0.5, &fresh, now),
		strat("stale", domain.StatusProposable, 0.8, &old, now),
		strat("never", domain.StatusCandidate, 0.0, nil, now),
	}

	got := orderBatch(input, now, staleAfter, 0)
	ids := make([]string, len(got))
	for i, s := range got {
		ids[i] = s.ID
	}
	assert.Equal(t, []string{"never", "stale", "experiment", "other-low", "other-high"}, ids)
}

func TestOrderBatchStaleOldestFirst(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	staleAfter := 7 * 24 * time.Hour
	oldest := now.Add(-30 * 24 * time.Hour)
	older := now.Add(-10 * 24 * time.Hour)

	// The longest-neglected strategy runs first even with a better score.
	input := []*domain.Strategy{
		strat("stale-recent", domain.StatusCandidate, 0.1, &older, now),
		strat("stale-oldest", domain.StatusCandidate, 0.9, &oldest, now),
	}

	got := orderBatch(input, now, staleAfter, 0)
	assert.Equal(t, "stale-oldest", got[0].ID)
	assert.Equal(t, "stale-recent", got[1].ID)
}

func TestOrderBatchTruncatesAndKeepsInputIntact(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	fresh := now.Add(-time.Hour)

	input := []*domain.Strategy{
		strat("a", domain.StatusCandidate, 0.9, &fresh, now),
		strat("b", domain.StatusCandidate, 0.1, &fresh, now),
		strat("c", domain.StatusCandidate, 0.5, &fresh, now),
	}

	got := orderBatch(input, now, time.Hour*24, 2)
	assert.Len(t, got, 2)
	assert.Equal(t, "b", got[0].ID)
	// The caller's slice keeps its order.
	assert.Equal(t, "a", input[0].ID)
}

func TestOrderBatchTiesBreakOnCreation(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	fresh := now.Add(-time.Hour)

	older := strat("older", domain.StatusCandidate, 0.5, &fresh, now.Add(-2*time.Hour))
	newer := strat("newer", domain.StatusCandidate, 0.5, &fresh, now.Add(-time.Hour))

	got := orderBatch([]*domain.Strategy{newer, older}, now, 24*time.Hour, 0)
	assert.Equal(t, "older", got[0].ID)
}
