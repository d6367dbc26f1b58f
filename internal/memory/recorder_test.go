package memory_test

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evoquant/evoquant/internal/clock"
	"github.com/evoquant/evoquant/internal/domain"
	"github.com/evoquant/evoquant/internal/events"
	"github.com/evoquant/evoquant/internal/memory"
	testutil "github.com/evoquant/evoquant/internal/testing"
)

func newSink(t *testing.T) (*memory.SQLiteSink, *clock.Fake, func()) {
	t.Helper()
	db, cleanup := testutil.NewTestDB(t, "ledger")
	clk := clock.NewFake(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	return memory.NewSQLiteSink(db.Conn(), clk, zerolog.Nop()), clk, cleanup
}

func backtestEvent(id, symbol string, score float64, overfit bool, ts time.Time) events.Event {
	m := testutil.HealthyMetrics()
	m.OverfittingDetected = overfit
	return events.New(&events.BacktestData{
		StrategyID: id,
		Symbol:     symbol,
		Timeframe:  "1d",
		Score:      score,
		Metrics:    m,
	}, ts)
}

func TestRecordIdempotent(t *testing.T) {
	sink, clk, cleanup := newSink(t)
	defer cleanup()

	e := backtestEvent("s-1", "AAPL", 0.8, false, clk.Now())
	require.NoError(t, sink.Record(e))
	require.NoError(t, sink.Record(e))
	require.NoError(t, sink.Record(e))

	got, err := sink.MemoryForStrategy("s-1")
	require.NoError(t, err)
	assert.Len(t, got, 1, "re-recording the same (type, strategy, timestamp) must not add rows")
}

func TestMemoryForStrategyOrdered(t *testing.T) {
	sink, clk, cleanup := newSink(t)
	defer cleanup()

	for i := 0; i < 3; i++ {
		require.NoError(t, sink.Record(backtestEvent("s-1", "AAPL", 0.5, false, clk.Now())))
		clk.Advance(time.Minute)
	}
	require.NoError(t, sink.Record(backtestEvent("s-2", "MSFT", 0.5, false, clk.Now())))

	got, err := sink.MemoryForStrategy("s-1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i := 1; i < len(got); i++ {
		assert.True(t, !got[i].Timestamp.Before(got[i-1].Timestamp))
	}
	assert.Equal(t, events.StrategyBacktest, got[0].Type)
}

func TestRegimeContextNoData(t *testing.T) {
	sink, _, cleanup := newSink(t)
	defer cleanup()

	summary, err := sink.RegimeContext("AAPL")
	require.NoError(t, err)
	assert.False(t, summary.HasData)
	assert.Equal(t, memory.RiskLow, summary.OverfittingRisk)
}

func TestRegimeContextStableSymbol(t *testing.T) {
	sink, clk, cleanup := newSink(t)
	defer cleanup()

	// Ten backtests with identical scores: zero dispersion, no overfitting.
	for i := 0; i < 10; i++ {
		require.NoError(t, sink.Record(backtestEvent("s-1", "AAPL", 0.8, false, clk.Now())))
		clk.Advance(time.Hour)
	}

	summary, err := sink.RegimeContext("AAPL")
	require.NoError(t, err)
	assert.True(t, summary.HasData)
	assert.InDelta(t, 1.0, summary.RegimeStability, 1e-9)
	assert.InDelta(t, 0.6, summary.Recommendation, 1e-9) // 0.8*2-1
	assert.Equal(t, memory.RiskLow, summary.OverfittingRisk)
}

func TestRegimeContextOverfittingRisk(t *testing.T) {
	sink, clk, cleanup := newSink(t)
	defer cleanup()

	// Six of ten backtests flagged overfitting: high risk.
	for i := 0; i < 10; i++ {
		require.NoError(t, sink.Record(backtestEvent("s-1", "AAPL", 0.6, i < 6, clk.Now())))
		clk.Advance(time.Hour)
	}

	summary, err := sink.RegimeContext("AAPL")
	require.NoError(t, err)
	assert.Equal(t, memory.RiskHigh, summary.OverfittingRisk)
}

func TestRegimeContextMediumRisk(t *testing.T) {
	sink, clk, cleanup := newSink(t)
	defer cleanup()

	// Three of ten flagged: medium.
	for i := 0; i < 10; i++ {
		require.NoError(t, sink.Record(backtestEvent("s-1", "AAPL", 0.6, i < 3, clk.Now())))
		clk.Advance(time.Hour)
	}

	summary, err := sink.RegimeContext("AAPL")
	require.NoError(t, err)
	assert.Equal(t, memory.RiskMedium, summary.OverfittingRisk)
}

func TestLineageMemoryPenalty(t *testing.T) {
	sink, clk, cleanup := newSink(t)
	defer cleanup()

	for i := 0; i < 2; i++ {
		require.NoError(t, sink.Record(events.New(&events.TransitionData{
			StrategyID: "s-1",
			From:       domain.StatusExperiment,
			To:         domain.StatusDiscarded,
			Reason:     "max_attempts",
		}, clk.Now())))
		clk.Advance(time.Hour)
	}
	require.NoError(t, sink.Record(events.New(&events.TransitionData{
		StrategyID: "s-1",
		From:       domain.StatusExperiment,
		To:         domain.StatusCandidate,
		Reason:     "candidate_gates_met",
	}, clk.Now())))

	summary, err := sink.LineageMemory("s-1")
	require.NoError(t, err)
	assert.True(t, summary.HasData)
	assert.Equal(t, 2, summary.AncestorDiscards)
	assert.Equal(t, 1, summary.AncestorPromotes)
	assert.InDelta(t, 0.2, summary.StabilityPenalty, 1e-9)
}

func TestLineageMemoryPenaltyCapped(t *testing.T) {
	sink, clk, cleanup := newSink(t)
	defer cleanup()

	for i := 0; i < 6; i++ {
		require.NoError(t, sink.Record(events.New(&events.TransitionData{
			StrategyID: "s-1",
			From:       domain.StatusExperiment,
			To:         domain.StatusDiscarded,
			Reason:     "max_attempts",
		}, clk.Now())))
		clk.Advance(time.Hour)
	}

	summary, err := sink.LineageMemory("s-1")
	require.NoError(t, err)
	assert.InDelta(t, 0.3, summary.StabilityPenalty, 1e-9)
}

func TestLineageMemoryNoData(t *testing.T) {
	sink, _, cleanup := newSink(t)
	defer cleanup()

	summary, err := sink.LineageMemory("s-unknown")
	require.NoError(t, err)
	assert.False(t, summary.HasData)
	assert.Zero(t, summary.StabilityPenalty)
}
