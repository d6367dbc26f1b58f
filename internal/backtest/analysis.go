package backtest

import (
	"context"
	"math"
	"math/rand"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/evoquant/evoquant/internal/config"
	"github.com/evoquant/evoquant/internal/domain"
)

// Report is the full evaluation output: the chronological train/test
// split, the combined record carrying walk-forward and Monte Carlo
// results, and the overfitting verdict.
type Report struct {
	Train    *domain.MetricsRecord
	Test     *domain.MetricsRecord
	Combined *domain.MetricsRecord
}

// Evaluate runs the complete analysis pipeline on one candle window:
// a chronological train/test split, a full-window pass, walk-forward
// analysis, Monte Carlo resampling of trade returns and overfitting
// detection. seed makes the Monte Carlo pass reproducible.
func Evaluate(ctx context.Context, rs *domain.Ruleset, params map[string]float64, candles []domain.Candle, cfg config.BacktestConfig, seed int64) (*Report, error) {
	split := int(float64(len(candles)) * cfg.TrainRatio)
	if split < cfg.MinCandles || len(candles)-split < cfg.MinCandles {
		// Window too small to split; evaluate whole and skip the gap check.
		full, err := Run(ctx, rs, params, candles, cfg)
		if err != nil {
			return nil, err
		}
		attachMonteCarlo(full, cfg, seed)
		attachWFA(ctx, full.Metrics, rs, params, candles, cfg)
		return &Report{Combined: full.Metrics}, nil
	}

	train, err := Run(ctx, rs, params, candles[:split], cfg)
	if err != nil {
		return nil, err
	}
	test, err := Run(ctx, rs, params, candles[split:], cfg)
	if err != nil {
		return nil, err
	}
	full, err := Run(ctx, rs, params, candles, cfg)
	if err != nil {
		return nil, err
	}

	combined := full.Metrics
	combined.TrainTestGap = train.Metrics.WinRate - test.Metrics.WinRate
	combined.OverfittingDetected = detectOverfitting(train.Metrics, test.Metrics)

	attachMonteCarlo(full, cfg, seed)
	attachWFA(ctx, combined, rs, params, candles, cfg)

	return &Report{Train: train.Metrics, Test: test.Metrics, Combined: combined}, nil
}

// detectOverfitting flags strategies whose in-sample edge evaporates out
// of sample. Any single rule firing is enough.
func detectOverfitting(train, test *domain.MetricsRecord) bool {
	if test.WinRate+0.10 < train.WinRate && train.WinRate > 0.80 {
		return true
	}
	if test.Sharpe+0.5 < train.Sharpe && train.Sharpe > 1.5 {
		return true
	}
	if test.TotalReturn < 0 && train.TotalReturn > 0.20 {
		return true
	}
	return false
}

// attachMonteCarlo resamples the trade sequence with replacement and
// reports the distribution of compounded outcomes.
func attachMonteCarlo(res *Result, cfg config.BacktestConfig, seed int64) {
	m := res.Metrics
	if len(res.Trades) == 0 || cfg.MonteCarloIters <= 0 {
		return
	}

	rng := rand.New(rand.NewSource(seed))
	outcomes := make([]float64, cfg.MonteCarloIters)
	for iter := range outcomes {
		compounded := 1.0
		for range res.Trades {
			pick := res.Trades[rng.Intn(len(res.Trades))]
			compounded *= 1 + pick.Return
		}
		outcomes[iter] = compounded - 1
	}

	mean, std := stat.MeanStdDev(outcomes, nil)
	if math.IsNaN(std) {
		std = 0
	}
	m.MCMean = mean
	m.MCStd = std

	sort.Float64s(outcomes)
	m.MCPercentile5 = stat.Quantile(0.05, stat.Empirical, outcomes, nil)
}

// attachWFA slices the window into rolling in-sample/out-of-sample
// periods and scores the consistency of out-of-sample returns. With
// fewer than two complete periods consistency stays zero.
func attachWFA(ctx context.Context, m *domain.MetricsRecord, rs *domain.Ruleset, params map[string]float64, candles []domain.Candle, cfg config.BacktestConfig) {
	if len(candles) == 0 {
		return
	}

	inSample := monthsDuration(cfg.WFA.InSampleMonths)
	outSample := monthsDuration(cfg.WFA.OutSampleMonths)
	step := monthsDuration(cfg.WFA.StepMonths)
	if inSample <= 0 || outSample <= 0 || step <= 0 {
		return
	}

	first := candles[0].Time
	last := candles[len(candles)-1].Time

	var periodReturns []float64
	for start := first; start.Add(inSample + outSample).Before(last.Add(time.Nanosecond)); start = start.Add(step) {
		oosStart := start.Add(inSample)
		oosEnd := oosStart.Add(outSample)
		slice := candlesBetween(candles, oosStart, oosEnd)
		if len(slice) < cfg.MinCandles {
			continue
		}
		res, err := Run(ctx, rs, params, slice, cfg)
		if err != nil {
			continue
		}
		periodReturns = append(periodReturns, res.Metrics.TotalReturn)
	}

	m.WFAPeriods = len(periodReturns)
	if len(periodReturns) < 2 {
		return
	}

	mean, std := stat.MeanStdDev(periodReturns, nil)
	if mean == 0 || math.IsNaN(std) {
		return
	}
	cv := math.Abs(std / mean)
	m.WFAConsistency = clamp01(1 - cv)
	if mean < 0 {
		// Consistently losing periods are consistent but not good.
		m.WFAConsistency = 0
	}
}

func candlesBetween(candles []domain.Candle, start, end time.Time) []domain.Candle {
	lo := sort.Search(len(candles), func(i int) bool { return !candles[i].Time.Before(start) })
	hi := sort.Search(len(candles), func(i int) bool { return !candles[i].Time.Before(end) })
	return candles[lo:hi]
}

func monthsDuration(months int) time.Duration {
	return time.Duration(months) * 30 * 24 * time.Hour
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
