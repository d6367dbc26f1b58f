// Package scoring collapses a metrics record into a composite score in
// [0,1]. Weights come from configuration; components a record cannot
// support have their weight redistributed proportionally across the rest.
package scoring

import (
	"math"

	"github.com/evoquant/evoquant/internal/config"
	"github.com/evoquant/evoquant/internal/domain"
)

// Calculator scores metrics records under one weight set.
type Calculator struct {
	weights config.ScoringWeights
}

// NewCalculator creates a scorer with the given weights.
func NewCalculator(weights config.ScoringWeights) *Calculator {
	return &Calculator{weights: weights}
}

// component is one weighted term of the composite.
type component struct {
	weight  float64
	value   float64
	present bool
}

// Score computes the composite. A nil or empty record scores zero.
func (c *Calculator) Score(m *domain.MetricsRecord) float64 {
	if m == nil || m.TotalTrades == 0 {
		return 0
	}

	components := []component{
		{c.weights.WinRate, clip(m.WinRate, 0, 1), true},
		c.riskAdjusted(m),
		{c.weights.Drawdown, math.Exp(-2 * m.MaxDrawdown), true},
		c.stability(m),
		{c.weights.Sharpe, clip(m.Sharpe/3+0.5, 0, 1), true},
		c.walkForward(m),
		c.monteCarlo(m),
	}

	var weightSum, score float64
	for _, comp := range components {
		if comp.present {
			weightSum += comp.weight
		}
	}
	if weightSum <= 0 {
		return 0
	}
	for _, comp := range components {
		if comp.present {
			score += comp.weight / weightSum * comp.value
		}
	}
	return clip(score, 0, 1)
}

// riskAdjusted maps CAGR per unit volatility into [0,1]. Without a
// volatility estimate the component is absent.
func (c *Calculator) riskAdjusted(m *domain.MetricsRecord) component {
	if m.Volatility <= 0 {
		return component{weight: c.weights.RiskAdj}
	}
	return component{
		weight:  c.weights.RiskAdj,
		value:   clip(m.CAGR/m.Volatility/2, 0, 1),
		present: true,
	}
}

// stability rewards smooth equity curves: exp of the negative coefficient
// of variation of monthly returns. Curves under two months are absent.
func (c *Calculator) stability(m *domain.MetricsRecord) component {
	returns := monthlyReturns(m.EquityCurve)
	if len(returns) < 2 {
		return component{weight: c.weights.Stability}
	}
	mean, std := meanStd(returns)
	if mean == 0 {
		return component{weight: c.weights.Stability}
	}
	cv := math.Abs(std / mean)
	return component{
		weight:  c.weights.Stability,
		value:   clip(math.Exp(-cv), 0, 1),
		present: true,
	}
}

func (c *Calculator) walkForward(m *domain.MetricsRecord) component {
	if m.WFAPeriods < 2 {
		return component{weight: c.weights.WFA}
	}
	return component{
		weight:  c.weights.WFA,
		value:   clip(m.WFAConsistency, 0, 1),
		present: true,
	}
}

// monteCarlo rewards tight outcome distributions and penalizes a negative
// fifth percentile by halving the component.
func (c *Calculator) monteCarlo(m *domain.MetricsRecord) component {
	if m.MCMean == 0 && m.MCStd == 0 && m.MCPercentile5 == 0 {
		return component{weight: c.weights.MonteCarlo}
	}
	base := 1 / (1 + m.MCStd/50)
	value := base
	if m.MCPercentile5 < 0 {
		value = 0.5 * base
	}
	return component{
		weight:  c.weights.MonteCarlo,
		value:   clip(value, 0, 1),
		present: true,
	}
}

// monthlyReturns compresses an equity curve into month-over-month returns.
func monthlyReturns(curve []domain.EquityPoint) []float64 {
	if len(curve) < 2 {
		return nil
	}

	type bucket struct {
		key  string
		last float64
	}
	var buckets []bucket
	for _, p := range curve {
		key := p.At.UTC().Format("2006-01")
		if len(buckets) > 0 && buckets[len(buckets)-1].key == key {
			buckets[len(buckets)-1].last = p.Value
			continue
		}
		buckets = append(buckets, bucket{key: key, last: p.Value})
	}

	var returns []float64
	for i := 1; i < len(buckets); i++ {
		if buckets[i-1].last > 0 {
			returns = append(returns, buckets[i].last/buckets[i-1].last-1)
		}
	}
	return returns
}

func meanStd(xs []float64) (float64, float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	if len(xs) < 2 {
		return mean, 0
	}
	ss := 0.0
	for _, x := range xs {
		d := x - mean
		ss += d * d
	}
	return mean, math.Sqrt(ss / float64(len(xs)-1))
}

func clip(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
