package monitor

import (
	"context"
	"math"

	"github.com/evoquant/evoquant/internal/backtest"
	"github.com/evoquant/evoquant/internal/config"
	"github.com/evoquant/evoquant/internal/domain"
	"github.com/evoquant/evoquant/internal/scoring"
)

// RobustnessReport is the composed verdict of the three robustness
// probes. Score is in [0,100].
type RobustnessReport struct {
	Score            float64
	RegimesPassed    int
	RegimesTested    int
	HalvesStable     bool
	PerturbResilient bool
}

// Probe weights compose the robustness score.
const (
	regimeWeight      = 30.0 // split across tested regime slices
	stabilityWeight   = 35.0
	sensitivityWeight = 35.0
)

// assessRobustness runs the three probes on one candle window:
// volatility regime slices, first-half versus second-half stability, and
// parameter perturbation sensitivity.
func assessRobustness(ctx context.Context, rs *domain.Ruleset, params map[string]float64, candles []domain.Candle, btCfg config.BacktestConfig, scorer *scoring.Calculator, baseScore float64) RobustnessReport {
	var report RobustnessReport

	// Regime diversity: backtest the calmest and stormiest thirds of the
	// window and count the slices that hold up.
	slices := regimeSlices(candles)
	report.RegimesTested = len(slices)
	for _, slice := range slices {
		res, err := backtest.Run(ctx, rs, params, slice, btCfg)
		if err != nil {
			continue
		}
		if res.Metrics.WinRate >= 0.50 && res.Metrics.MaxDrawdown <= 0.40 {
			report.RegimesPassed++
		}
	}
	if report.RegimesTested > 0 {
		report.Score += regimeWeight * float64(report.RegimesPassed) / float64(report.RegimesTested)
	}

	// Walk-forward stability: win rate and sharpe must not drift more
	// than 25% between halves.
	half := len(candles) / 2
	if half >= btCfg.MinCandles && len(candles)-half >= btCfg.MinCandles {
		first, err1 := backtest.Run(ctx, rs, params, candles[:half], btCfg)
		second, err2 := backtest.Run(ctx, rs, params, candles[half:], btCfg)
		if err1 == nil && err2 == nil {
			report.HalvesStable =
				relativeDeviation(first.Metrics.WinRate, second.Metrics.WinRate) <= 0.25 &&
					relativeDeviation(first.Metrics.Sharpe, second.Metrics.Sharpe) <= 0.25
			if report.HalvesStable {
				report.Score += stabilityWeight
			}
		}
	}

	// Parameter sensitivity: a fragile optimum collapses under small
	// perturbations of the parameter vector.
	resilient := 0
	for _, factor := range []float64{0.95, 1.05} {
		perturbed := make(map[string]float64, len(params))
		for k, v := range params {
			perturbed[k] = v * factor
		}
		res, err := backtest.Evaluate(ctx, rs, perturbed, candles, btCfg, 1)
		if err != nil {
			continue
		}
		if baseScore-scorer.Score(res.Combined) <= 0.10 {
			resilient++
		}
	}
	report.PerturbResilient = resilient == 2
	report.Score += sensitivityWeight * float64(resilient) / 2

	if report.Score > 100 {
		report.Score = 100
	}
	return report
}

// regimeSlices picks the lowest- and highest-volatility contiguous thirds
// of the window as two distinct regimes.
func regimeSlices(candles []domain.Candle) [][]domain.Candle {
	if len(candles) < 90 {
		return nil
	}
	third := len(candles) / 3
	parts := [][]domain.Candle{
		candles[:third],
		candles[third : 2*third],
		candles[2*third:],
	}

	lo, hi := 0, 0
	loVol, hiVol := math.Inf(1), math.Inf(-1)
	for i, part := range parts {
		v := sliceVolatility(part)
		if v < loVol {
			loVol, lo = v, i
		}
		if v > hiVol {
			hiVol, hi = v, i
		}
	}
	if lo == hi {
		return [][]domain.Candle{parts[lo]}
	}
	return [][]domain.Candle{parts[lo], parts[hi]}
}

func sliceVolatility(candles []domain.Candle) float64 {
	if len(candles) < 2 {
		return 0
	}
	returns := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		if candles[i-1].Close > 0 {
			returns = append(returns, candles[i].Close/candles[i-1].Close-1)
		}
	}
	if len(returns) < 2 {
		return 0
	}
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	ss := 0.0
	for _, r := range returns {
		ss += (r - mean) * (r - mean)
	}
	return math.Sqrt(ss / float64(len(returns)-1))
}

// relativeDeviation is |a-b| scaled by the larger magnitude; equal zeros
// deviate by zero.
func relativeDeviation(a, b float64) float64 {
	den := math.Max(math.Abs(a), math.Abs(b))
	if den == 0 {
		return 0
	}
	return math.Abs(a-b) / den
}
