package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evoquant/evoquant/internal/config"
	"github.com/evoquant/evoquant/internal/domain"
	"github.com/evoquant/evoquant/internal/scoring"
)

func flat(n int, price float64) []domain.Candle {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]domain.Candle, n)
	for i := range out {
		out[i] = domain.Candle{
			Time: start.Add(time.Duration(i) * 24 * time.Hour),
			Open: price, High: price + 0.5, Low: price - 0.5, Close: price, Volume: 1000,
		}
	}
	return out
}

func TestRelativeDeviation(t *testing.T) {
	assert.Zero(t, relativeDeviation(0, 0))
	assert.InDelta(t, 0.25, relativeDeviation(0.8, 0.6), 1e-9)
	assert.InDelta(t, 0.25, relativeDeviation(0.6, 0.8), 1e-9)
	assert.InDelta(t, 1.0, relativeDeviation(0.5, 0), 1e-9)
}

func TestSliceVolatility(t *testing.T) {
	assert.Zero(t, sliceVolatility(flat(30, 100)))
	assert.Zero(t, sliceVolatility(flat(1, 100)))

	choppy := flat(30, 100)
	for i := range choppy {
		if i%2 == 0 {
			choppy[i].Close = 110
		}
	}
	assert.Positive(t, sliceVolatility(choppy))
}

func TestRegimeSlicesNeedsLongWindow(t *testing.T) {
	assert.Nil(t, regimeSlices(flat(89, 100)))
}

func TestRegimeSlicesPicksCalmAndStormy(t *testing.T) {
	candles := flat(90, 100)
	// Make the final third choppy so it stands out as the stormy regime.
	for i := 60; i < 90; i++ {
		if i%2 == 0 {
			candles[i].Close = 115
		}
	}

	slices := regimeSlices(candles)
	require.Len(t, slices, 2)
	assert.Less(t, sliceVolatility(slices[0]), sliceVolatility(slices[1]))
}

func TestRegimeSlicesUniformVolatility(t *testing.T) {
	slices := regimeSlices(flat(90, 100))
	require.Len(t, slices, 1)
}

func TestAssessRobustnessQuietStrategy(t *testing.T) {
	rs := &domain.Ruleset{
		DefaultSymbol:    "TEST",
		DefaultTimeframe: "1d",
		Entry: []domain.Rule{
			&domain.Threshold{
				Indicator: domain.IndicatorRef{Name: domain.IndicatorPrice},
				Op:        domain.OpGT,
				Value:     1000, // never fires
			},
		},
		Exit: domain.ExitPolicy{StopLossPct: 0.05},
	}
	btCfg := config.BacktestConfig{TrainRatio: 0.7, MinCandles: 20, InitialCapital: 10000}
	scorer := scoring.NewCalculator(config.DefaultScoringWeights())

	// A strategy that never trades is stable across halves and immune to
	// parameter perturbation when its base score is already zero.
	report := assessRobustness(context.Background(), rs, nil, flat(40, 100), btCfg, scorer, 0)
	assert.Zero(t, report.RegimesTested)
	assert.True(t, report.HalvesStable)
	assert.True(t, report.PerturbResilient)
	assert.InDelta(t, 70.0, report.Score, 1e-9)

	// With a high claimed base score the zero-trade evaluations expose the
	// fragility and the sensitivity probe fails.
	report = assessRobustness(context.Background(), rs, nil, flat(40, 100), btCfg, scorer, 0.9)
	assert.False(t, report.PerturbResilient)
	assert.InDelta(t, 35.0, report.Score, 1e-9)
}
