package strategy_test

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evoquant/evoquant/internal/clock"
	"github.com/evoquant/evoquant/internal/domain"
	"github.com/evoquant/evoquant/internal/strategy"
	testutil "github.com/evoquant/evoquant/internal/testing"
)

func newBacktestLog(t *testing.T) (*strategy.BacktestLog, *clock.Fake, func()) {
	t.Helper()
	db, cleanup := testutil.NewTestDB(t, "ledger")
	clk := clock.NewFake(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	return strategy.NewBacktestLog(db.Conn(), clk, zerolog.Nop()), clk, cleanup
}

func TestBacktestLogAppendAndRead(t *testing.T) {
	log, clk, cleanup := newBacktestLog(t)
	defer cleanup()

	start := clk.Now().AddDate(0, 0, -200)
	end := clk.Now()
	require.NoError(t, log.Append(strategy.BacktestEntry{
		StrategyID:   "s-1",
		Symbol:       "AAPL",
		Timeframe:    "1d",
		WindowStart:  start,
		WindowEnd:    end,
		Metrics:      testutil.HealthyMetrics(),
		Score:        0.81,
		StatusBefore: domain.StatusExperiment,
		StatusAfter:  domain.StatusCandidate,
		Reason:       "candidate_gates_met",
	}))

	entries, err := log.ForStrategy("s-1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	e := entries[0]
	assert.Equal(t, "AAPL", e.Symbol)
	assert.Equal(t, domain.StatusExperiment, e.StatusBefore)
	assert.Equal(t, domain.StatusCandidate, e.StatusAfter)
	assert.InDelta(t, 0.81, e.Score, 1e-9)
	require.NotNil(t, e.Metrics)
	assert.Equal(t, 80, e.Metrics.TotalTrades)
	assert.Equal(t, start.UTC(), e.WindowStart)
	assert.Equal(t, clk.Now().UTC(), e.CreatedAt)
}

func TestBacktestLogNewestFirst(t *testing.T) {
	log, clk, cleanup := newBacktestLog(t)
	defer cleanup()

	for i := 0; i < 3; i++ {
		require.NoError(t, log.Append(strategy.BacktestEntry{
			StrategyID:   "s-1",
			Symbol:       "AAPL",
			Timeframe:    "1d",
			WindowStart:  clk.Now().AddDate(0, 0, -100),
			WindowEnd:    clk.Now(),
			Score:        float64(i) / 10,
			StatusBefore: domain.StatusExperiment,
			StatusAfter:  domain.StatusExperiment,
			Reason:       "hold",
		}))
		clk.Advance(time.Hour)
	}

	entries, err := log.ForStrategy("s-1", 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.InDelta(t, 0.2, entries[0].Score, 1e-9)
	assert.InDelta(t, 0.1, entries[1].Score, 1e-9)
}

func TestBacktestLogScopedByStrategy(t *testing.T) {
	log, clk, cleanup := newBacktestLog(t)
	defer cleanup()

	for _, id := range []string{"s-1", "s-2"} {
		require.NoError(t, log.Append(strategy.BacktestEntry{
			StrategyID:   id,
			Symbol:       "AAPL",
			Timeframe:    "1d",
			WindowStart:  clk.Now(),
			WindowEnd:    clk.Now(),
			StatusBefore: domain.StatusExperiment,
			StatusAfter:  domain.StatusExperiment,
			Reason:       "hold",
		}))
		clk.Advance(time.Minute)
	}

	entries, err := log.ForStrategy("s-2", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "s-2", entries[0].StrategyID)
}
