package backtest

import (
	"context"
	"fmt"
	"math"

	"github.com/evoquant/evoquant/internal/config"
	"github.com/evoquant/evoquant/internal/domain"
)

// Trade is one closed simulated position.
type Trade struct {
	EntryIndex int
	ExitIndex  int
	EntryPrice float64
	ExitPrice  float64
	Return     float64 // (exit - entry) / entry
	Reason     string  // "stop", "target", "trailing", "time"
}

// Result is the raw output of one simulation pass.
type Result struct {
	Metrics *domain.MetricsRecord
	Trades  []Trade
}

// Run simulates the ruleset over the candle slice. It is deterministic
// and performs no I/O; the context is checked each bar so a deadline can
// abort long simulations.
func Run(ctx context.Context, rs *domain.Ruleset, params map[string]float64, candles []domain.Candle, cfg config.BacktestConfig) (*Result, error) {
	if err := rs.Validate(); err != nil {
		return nil, err
	}
	if len(candles) < cfg.MinCandles {
		return nil, fmt.Errorf("have %d candles, need %d: %w",
			len(candles), cfg.MinCandles, domain.ErrInsufficientData)
	}

	ser, err := computeSeries(rs, params, candles)
	if err != nil {
		return nil, err
	}

	riskPerTrade := rs.Sizing.RiskPerTrade
	if riskPerTrade <= 0 {
		riskPerTrade = 0.02
	}

	var (
		trades     []Trade
		inPosition bool
		entryIdx   int
		entryPrice float64
		highWater  float64 // highest close since entry, drives trailing stop
		equity     = cfg.InitialCapital
		curve      = make([]domain.EquityPoint, 0, len(candles))
	)
	if equity <= 0 {
		equity = 10000
	}

	closeTrade := func(i int, price float64, reason string) {
		r := (price - entryPrice) / entryPrice
		trades = append(trades, Trade{
			EntryIndex: entryIdx,
			ExitIndex:  i,
			EntryPrice: entryPrice,
			ExitPrice:  price,
			Return:     r,
			Reason:     reason,
		})
		equity *= 1 + positionFraction(rs.Exit, riskPerTrade, cfg.UnlimitedCapital)*r
		inPosition = false
	}

	start := ser.maxWarmup() + 1 // crosses need the previous bar too
	for i := start; i < len(candles); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		bar := candles[i]

		if inPosition {
			if bar.Close > highWater {
				highWater = bar.Close
			}
			exit := rs.Exit

			// Stop before target when both trigger inside one bar.
			switch {
			case exit.StopLossPct > 0 && bar.Low <= entryPrice*(1-exit.StopLossPct):
				closeTrade(i, entryPrice*(1-exit.StopLossPct), "stop")
			case exit.TrailingPct > 0 && bar.Low <= highWater*(1-exit.TrailingPct):
				closeTrade(i, highWater*(1-exit.TrailingPct), "trailing")
			case exit.TakeProfitPct > 0 && bar.High >= entryPrice*(1+exit.TakeProfitPct):
				closeTrade(i, entryPrice*(1+exit.TakeProfitPct), "target")
			case exit.MaxHoldBars > 0 && i-entryIdx >= exit.MaxHoldBars:
				closeTrade(i, bar.Close, "time")
			}
		} else if evalEntry(rs, params, ser, candles, i) {
			inPosition = true
			entryIdx = i
			entryPrice = bar.Close
			highWater = bar.Close
		}

		curve = append(curve, domain.EquityPoint{At: bar.Time, Value: equity})
	}

	// An open position at the end of data closes at the final bar.
	if inPosition {
		last := len(candles) - 1
		closeTrade(last, candles[last].Close, "time")
		curve[len(curve)-1].Value = equity
	}

	metrics := computeMetrics(trades, curve, candles, cfg)
	return &Result{Metrics: metrics, Trades: trades}, nil
}

// positionFraction translates risk per trade into the equity fraction a
// position occupies. With a stop in place, risking r of equity at a stop
// distance d means allocating r/d, capped at full equity unless the
// simulation allows unlimited capital.
func positionFraction(exit domain.ExitPolicy, riskPerTrade float64, unlimited bool) float64 {
	stop := exit.StopLossPct
	if stop <= 0 {
		stop = exit.TrailingPct
	}
	if stop <= 0 {
		return riskPerTrade
	}
	frac := riskPerTrade / stop
	if !unlimited && frac > 1 {
		frac = 1
	}
	return frac
}

func computeMetrics(trades []Trade, curve []domain.EquityPoint, candles []domain.Candle, cfg config.BacktestConfig) *domain.MetricsRecord {
	m := &domain.MetricsRecord{
		TotalTrades: len(trades),
		EquityCurve: curve,
	}

	initial := cfg.InitialCapital
	if initial <= 0 {
		initial = 10000
	}
	if len(curve) > 0 {
		m.TotalReturn = curve[len(curve)-1].Value/initial - 1
	}

	if len(trades) == 0 {
		return m
	}

	var wins int
	var grossProfit, grossLoss float64
	returns := make([]float64, len(trades))
	for i, t := range trades {
		returns[i] = t.Return
		if t.Return > 0 {
			wins++
			grossProfit += t.Return
		} else {
			grossLoss += -t.Return
		}
	}
	m.WinRate = float64(wins) / float64(len(trades))

	if grossLoss == 0 {
		m.ProfitFactor = math.Inf(1)
	} else {
		m.ProfitFactor = grossProfit / grossLoss
	}

	mean, dev := meanStd(returns)
	m.Volatility = dev
	if dev > 0 {
		m.Sharpe = mean / dev
	}
	if downside := downsideDev(returns); downside > 0 {
		m.Sortino = mean / downside
	} else if mean > 0 {
		m.Sortino = math.Inf(1)
	}

	m.MaxDrawdown = maxDrawdown(curve)

	if len(candles) > 1 {
		span := candles[len(candles)-1].Time.Sub(candles[0].Time)
		years := span.Hours() / (24 * 365.25)
		if years > 0 && m.TotalReturn > -1 {
			m.CAGR = math.Pow(1+m.TotalReturn, 1/years) - 1
		}
	}
	return m
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

func downsideDev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	ss := 0.0
	for _, x := range xs {
		if x < 0 {
			ss += x * x
		}
	}
	return math.Sqrt(ss / float64(len(xs)-1))
}

func maxDrawdown(curve []domain.EquityPoint) float64 {
	peak := 0.0
	maxDD := 0.0
	for _, p := range curve {
		if p.Value > peak {
			peak = p.Value
		}
		if peak > 0 {
			dd := (peak - p.Value) / peak
			if dd > maxDD {
				maxDD = dd
			}
		}
	}
	return maxDD
}
