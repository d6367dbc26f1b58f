package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/evoquant/evoquant/internal/domain"
)

func TestTransitionEventType(t *testing.T) {
	tests := []struct {
		name string
		from domain.Status
		to   domain.Status
		want EventType
	}{
		{"promotion", domain.StatusExperiment, domain.StatusCandidate, StrategyPromoted},
		{"promotion to proposable", domain.StatusCandidate, domain.StatusProposable, StrategyPromoted},
		{"demotion", domain.StatusCandidate, domain.StatusExperiment, StrategyDemoted},
		{"demotion from proposable", domain.StatusProposable, domain.StatusCandidate, StrategyDemoted},
		{"discard", domain.StatusExperiment, domain.StatusDiscarded, StrategyDiscarded},
		{"reject", domain.StatusPendingReview, domain.StatusRejected, StrategyRejected},
		{"duplicate", domain.StatusPendingReview, domain.StatusDuplicate, StrategyDuplicate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &TransitionData{From: tt.from, To: tt.to}
			assert.Equal(t, tt.want, d.EventType())
		})
	}
}

func TestNewFillsEnvelope(t *testing.T) {
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	e := New(&BacktestData{StrategyID: "s-1", Symbol: "AAPL", Score: 0.8}, ts)
	assert.Equal(t, StrategyBacktest, e.Type)
	assert.Equal(t, "s-1", e.StrategyID)
	assert.Equal(t, "AAPL", e.Symbol)
	assert.Equal(t, ts, e.Timestamp)

	e = New(&CreatedData{StrategyID: "s-2", OwnerID: "owner-9"}, ts)
	assert.Equal(t, StrategyCreated, e.Type)
	assert.Equal(t, "s-2", e.StrategyID)
	assert.Equal(t, "owner-9", e.UserID)

	e = New(&MutationData{ParentID: "p", ChildID: "c"}, ts)
	assert.Equal(t, StrategyMutated, e.Type)
	assert.Equal(t, "c", e.StrategyID)

	e = New(&RoyaltyData{StrategyID: "s-3", CreatorID: "creator-1"}, ts)
	assert.Equal(t, RoyaltyRecorded, e.Type)
	assert.Equal(t, "creator-1", e.UserID)
}
