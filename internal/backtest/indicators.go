// Package backtest implements the pure backtest engine: indicator
// computation, bar-by-bar rule simulation, train/test evaluation,
// walk-forward analysis and Monte Carlo resampling. The engine performs
// no I/O; candles come in, metrics come out.
package backtest

import (
	"fmt"

	"github.com/markcheno/go-talib"

	"github.com/evoquant/evoquant/internal/domain"
)

// series holds every indicator series a ruleset references, keyed by the
// canonical "NAME:period" form. Values are aligned to the candle slice;
// positions before an indicator warms up hold NaN-like zero and are
// guarded by the warmup offset.
type series struct {
	values map[string][]float64
	warmup map[string]int
}

func seriesKey(ref domain.IndicatorRef, params map[string]float64) string {
	return fmt.Sprintf("%s:%d", ref.Name, ref.ResolvePeriod(params))
}

// computeSeries builds all indicator series the ruleset needs.
func computeSeries(rs *domain.Ruleset, params map[string]float64, candles []domain.Candle) (*series, error) {
	n := len(candles)
	high := make([]float64, n)
	low := make([]float64, n)
	closes := make([]float64, n)
	volume := make([]float64, n)
	for i, c := range candles {
		high[i] = c.High
		low[i] = c.Low
		closes[i] = c.Close
		volume[i] = c.Volume
	}

	s := &series{
		values: make(map[string][]float64),
		warmup: make(map[string]int),
	}

	for _, ref := range rs.AllIndicators() {
		key := seriesKey(ref, params)
		if _, done := s.values[key]; done {
			continue
		}
		period := ref.ResolvePeriod(params)
		if period > n {
			return nil, fmt.Errorf("indicator %s needs %d bars, have %d: %w",
				key, period, n, domain.ErrInsufficientData)
		}

		switch ref.Name {
		case domain.IndicatorPrice:
			s.values[key] = closes
			s.warmup[key] = 0
		case domain.IndicatorVolume:
			s.values[key] = volume
			s.warmup[key] = 0
		case domain.IndicatorSMA:
			s.values[key] = talib.Sma(closes, period)
			s.warmup[key] = period - 1
		case domain.IndicatorEMA:
			s.values[key] = talib.Ema(closes, period)
			s.warmup[key] = period - 1
		case domain.IndicatorRSI:
			s.values[key] = talib.Rsi(closes, period)
			s.warmup[key] = period
		case domain.IndicatorMACD:
			macd, _, _ := talib.Macd(closes, 12, 26, 9)
			s.values[key] = macd
			s.warmup[key] = 33
		case domain.IndicatorATR:
			s.values[key] = talib.Atr(high, low, closes, period)
			s.warmup[key] = period
		default:
			return nil, fmt.Errorf("%w: unknown indicator %q", domain.ErrInvalidRuleset, ref.Name)
		}
	}
	return s, nil
}

// at returns the series value at bar i and whether the indicator has
// warmed up by then.
func (s *series) at(key string, i int) (float64, bool) {
	vals, ok := s.values[key]
	if !ok || i >= len(vals) {
		return 0, false
	}
	if i < s.warmup[key] {
		return 0, false
	}
	return vals[i], true
}

// maxWarmup returns the longest warmup across all series; simulation
// starts after it so every rule sees valid values.
func (s *series) maxWarmup() int {
	max := 0
	for _, w := range s.warmup {
		if w > max {
			max = w
		}
	}
	return max
}
