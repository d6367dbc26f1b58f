package testing

import (
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/evoquant/evoquant/internal/domain"
)

// SampleRuleset returns a valid crossover ruleset usable across tests:
// SMA(10) crossing above SMA(30) on daily AAPL bars, with a complete
// exit policy.
func SampleRuleset() domain.Ruleset {
	return domain.Ruleset{
		DefaultSymbol:    "AAPL",
		DefaultTimeframe: "1d",
		Entry: []domain.Rule{
			&domain.Crosses{
				Fast:      domain.IndicatorRef{Name: domain.IndicatorSMA, Period: 10},
				Slow:      domain.IndicatorRef{Name: domain.IndicatorSMA, Period: 30},
				Direction: domain.CrossAbove,
			},
		},
		Exit: domain.ExitPolicy{
			StopLossPct:   0.05,
			TakeProfitPct: 0.10,
			MaxHoldBars:   20,
		},
		Sizing: domain.Sizing{RiskPerTrade: 0.02},
	}
}

// ThresholdRuleset returns a ruleset gated on RSI dipping below an
// oversold level resolved from the parameter map.
func ThresholdRuleset() domain.Ruleset {
	return domain.Ruleset{
		DefaultSymbol:    "BTC-USD",
		DefaultTimeframe: "1h",
		Entry: []domain.Rule{
			&domain.Threshold{
				Indicator:  domain.IndicatorRef{Name: domain.IndicatorRSI, PeriodParam: "rsi_period"},
				Op:         domain.OpLT,
				ValueParam: "rsi_oversold",
			},
		},
		Exit: domain.ExitPolicy{
			StopLossPct: 0.03,
			TrailingPct: 0.02,
		},
		Sizing: domain.Sizing{RiskPerTrade: 0.01},
	}
}

// NewStrategy builds a strategy fixture with the sample ruleset and the
// given status. Callers mutate the returned value for scenario setup.
func NewStrategy(status domain.Status) *domain.Strategy {
	return &domain.Strategy{
		ID:      uuid.NewString(),
		OwnerID: "owner-1",
		Name:    "golden-cross",
		Parameters: map[string]float64{
			"fast_period": 10,
			"slow_period": 30,
		},
		Ruleset:   SampleRuleset(),
		AssetType: domain.AssetEquity,
		Status:    status,
	}
}

// HealthyMetrics returns a record that clears every promotion gate.
func HealthyMetrics() *domain.MetricsRecord {
	return &domain.MetricsRecord{
		TotalTrades:    80,
		WinRate:        0.82,
		Sharpe:         1.4,
		Sortino:        1.9,
		ProfitFactor:   1.8,
		MaxDrawdown:    0.12,
		TotalReturn:    0.45,
		CAGR:           0.30,
		Volatility:     0.20,
		MCMean:         28,
		MCStd:          9,
		MCPercentile5:  6,
		WFAConsistency: 0.85,
		WFAPeriods:     5,
	}
}

// WeakMetrics returns a record that fails the hold gates.
func WeakMetrics() *domain.MetricsRecord {
	return &domain.MetricsRecord{
		TotalTrades:  60,
		WinRate:      0.45,
		Sharpe:       0.2,
		ProfitFactor: 0.9,
		MaxDrawdown:  0.45,
		TotalReturn:  -0.10,
		CAGR:         -0.08,
		Volatility:   0.35,
	}
}

// TrendingCandles generates n daily bars starting at start, walking the
// close from base with a per-bar drift plus a deterministic oscillation.
// The series is reproducible and has enough texture for crossovers to
// fire.
func TrendingCandles(n int, start time.Time, base, drift float64) []domain.Candle {
	out := make([]domain.Candle, n)
	price := base
	for i := 0; i < n; i++ {
		wiggle := math.Sin(float64(i)/4) * base * 0.01
		open := price
		close := price + drift + wiggle
		high := math.Max(open, close) * 1.005
		low := math.Min(open, close) * 0.995
		out[i] = domain.Candle{
			Time:   start.Add(time.Duration(i) * 24 * time.Hour),
			Open:   open,
			High:   high,
			Low:    low,
			Close:  close,
			Volume: 1_000_000 + float64(i%7)*50_000,
		}
		price = close
	}
	return out
}

// FlatCandles generates n bars pinned at a constant price. Useful for
// exercising no-trade paths.
func FlatCandles(n int, start time.Time, price float64) []domain.Candle {
	out := make([]domain.Candle, n)
	for i := 0; i < n; i++ {
		out[i] = domain.Candle{
			Time:   start.Add(time.Duration(i) * 24 * time.Hour),
			Open:   price,
			High:   price * 1.001,
			Low:    price * 0.999,
			Close:  price,
			Volume: 500_000,
		}
	}
	return out
}
