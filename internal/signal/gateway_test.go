package signal

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evoquant/evoquant/internal/clock"
	"github.com/evoquant/evoquant/internal/domain"
	"github.com/evoquant/evoquant/internal/events"
	"github.com/evoquant/evoquant/internal/memory"
	"github.com/evoquant/evoquant/internal/strategy"
	testutil "github.com/evoquant/evoquant/internal/testing"
)

type signalFixture struct {
	gateway *Gateway
	repo    *strategy.Repository
	market  *testutil.MockMarketData
	sink    *testutil.MockSink
}

func newSignalFixture(t *testing.T) *signalFixture {
	t.Helper()

	db, cleanup := testutil.NewTestDB(t, "strategies")
	t.Cleanup(cleanup)

	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	log := zerolog.Nop()
	repo := strategy.NewRepository(db.Conn(), clk, log)
	market := testutil.NewMockMarketData()
	sink := testutil.NewMockSink()

	return &signalFixture{
		gateway: NewGateway(repo, market, sink, clk, log),
		repo:    repo,
		market:  market,
		sink:    sink,
	}
}

func servableStrategy(score float64) *domain.Strategy {
	return &domain.Strategy{
		ID:      uuid.NewString(),
		OwnerID: "owner-1",
		Name:    "breakout",
		Ruleset: domain.Ruleset{
			DefaultSymbol:    "TEST",
			DefaultTimeframe: "1d",
			Entry: []domain.Rule{
				&domain.Threshold{
					Indicator: domain.IndicatorRef{Name: domain.IndicatorPrice},
					Op:        domain.OpGT,
					Value:     100,
				},
			},
			Exit:   domain.ExitPolicy{StopLossPct: 0.05, TakeProfitPct: 0.10},
			Sizing: domain.Sizing{RiskPerTrade: 0.02},
		},
		AssetType:   domain.AssetEquity,
		Status:      domain.StatusProposable,
		Score:       &score,
		LastMetrics: &domain.MetricsRecord{TotalTrades: 80, WinRate: 0.8},
	}
}

func bars(n int, lastClose float64) []domain.Candle {
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	out := make([]domain.Candle, n)
	for i := range out {
		out[i] = domain.Candle{
			Time: start.Add(time.Duration(i) * 24 * time.Hour),
			Open: 90, High: 90.5, Low: 89.5, Close: 90, Volume: 1000,
		}
	}
	last := &out[n-1]
	last.Close = lastClose
	if lastClose > last.High {
		last.High = lastClose + 0.5
	}
	return out
}

func TestEligibleGates(t *testing.T) {
	candidate := servableStrategy(0.8)
	candidate.Status = domain.StatusCandidate
	assert.True(t, domain.IsNotEligible(eligible(candidate)))

	lowScore := servableStrategy(0.5)
	assert.True(t, domain.IsNotEligible(eligible(lowScore)))

	thinHistory := servableStrategy(0.8)
	thinHistory.LastMetrics = &domain.MetricsRecord{TotalTrades: 20}
	assert.True(t, domain.IsNotEligible(eligible(thinHistory)))

	assert.NoError(t, eligible(servableStrategy(0.8)))
}

func TestGenerateUnknownStrategy(t *testing.T) {
	f := newSignalFixture(t)
	_, err := f.gateway.Generate(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestGenerateIneligibleStrategy(t *testing.T) {
	f := newSignalFixture(t)

	s := servableStrategy(0.8)
	s.Status = domain.StatusCandidate
	require.NoError(t, f.repo.Create(s))

	_, err := f.gateway.Generate(context.Background(), s.ID)
	assert.True(t, domain.IsNotEligible(err))
}

func TestGenerateFlatSignal(t *testing.T) {
	f := newSignalFixture(t)

	s := servableStrategy(0.8)
	require.NoError(t, f.repo.Create(s))
	f.market.SetPrice("TEST", 90)
	f.market.SetCandles("TEST", bars(20, 90)) // no breakout

	sig, err := f.gateway.Generate(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SideFlat, sig.Side)
	assert.Zero(t, sig.PositionSize)
	assert.Zero(t, sig.Stop)
	assert.Zero(t, sig.Target)

	recorded := f.sink.EventsOfType(events.SignalGenerated)
	require.Len(t, recorded, 1)
}

func TestGenerateBuySignal(t *testing.T) {
	f := newSignalFixture(t)

	s := servableStrategy(0.8)
	require.NoError(t, f.repo.Create(s))
	f.market.SetPrice("TEST", 105)
	f.market.SetCandles("TEST", bars(20, 105)) // breakout on the last bar

	sig, err := f.gateway.Generate(context.Background(), s.ID)
	require.NoError(t, err)

	assert.Equal(t, domain.SideBuy, sig.Side)
	assert.Equal(t, 105.0, sig.Entry)
	assert.InDelta(t, 105*0.95, sig.Stop, 1e-9)
	assert.InDelta(t, 105*1.10, sig.Target, 1e-9)
	// Risking 2% of 10k equity at a 5.25 stop distance buys 38.0952 shares.
	assert.InDelta(t, 38.0952, sig.PositionSize, 1e-4)
	// Without sink data the memory part is neutral: 0.6*0.8 + 0.4*0.5.
	assert.InDelta(t, 0.68, sig.Confidence, 1e-9)
}

func TestGenerateLowConfidenceRejected(t *testing.T) {
	f := newSignalFixture(t)

	s := servableStrategy(0.75)
	require.NoError(t, f.repo.Create(s))
	f.market.SetPrice("TEST", 105)
	f.market.SetCandles("TEST", bars(20, 105))
	f.sink.SetRegime("TEST", memory.RegimeSummary{
		Symbol:          "TEST",
		HasData:         true,
		Recommendation:  -1, // memory fully against the symbol
		RegimeStability: 0.9,
		OverfittingRisk: memory.RiskLow,
	})

	_, err := f.gateway.Generate(context.Background(), s.ID)
	assert.True(t, domain.IsLowConfidence(err))
}

func TestComposeConfidenceMultipliers(t *testing.T) {
	f := newSignalFixture(t)

	s := servableStrategy(0.8)
	f.sink.SetRegime("TEST", memory.RegimeSummary{
		Symbol:          "TEST",
		HasData:         true,
		Recommendation:  0.5,
		RegimeStability: 0.3,
		OverfittingRisk: memory.RiskHigh,
	})
	f.sink.SetLineage(s.ID, memory.StabilitySummary{
		StrategyID:       s.ID,
		HasData:          true,
		AncestorDiscards: 2,
		StabilityPenalty: 0.2,
	})

	confidence, explanation := f.gateway.composeConfidence(s, "TEST")
	// 0.6*0.8 + 0.4*0.75, then the instability, overfitting and lineage
	// multipliers.
	want := (0.6*0.8 + 0.4*0.75) * 0.85 * 0.75 * 0.8
	assert.InDelta(t, want, confidence, 1e-9)
	assert.Contains(t, explanation, "unstable regime")
	assert.Contains(t, explanation, "high overfitting risk")
	assert.Contains(t, explanation, "lineage penalty")
}

func TestVolumeConfirmation(t *testing.T) {
	short := bars(20, 90)
	factor, _ := volumeConfirmation(short)
	assert.Equal(t, 1.0, factor, "short windows stay neutral")

	surge := bars(25, 90)
	surge[len(surge)-1].Volume = 1500
	factor, note := volumeConfirmation(surge)
	assert.Equal(t, 1.05, factor)
	assert.Contains(t, note, "volume confirms")

	dry := bars(25, 90)
	dry[len(dry)-1].Volume = 400
	factor, note = volumeConfirmation(dry)
	assert.Equal(t, 0.9, factor)
	assert.Contains(t, note, "volume dried up")

	steady := bars(25, 90)
	factor, _ = volumeConfirmation(steady)
	assert.Equal(t, 1.0, factor)
}

func TestGenerateVolumeSurgeBoostsConfidence(t *testing.T) {
	f := newSignalFixture(t)

	s := servableStrategy(0.8)
	require.NoError(t, f.repo.Create(s))
	candles := bars(25, 105)
	candles[len(candles)-1].Volume = 1500
	f.market.SetPrice("TEST", 105)
	f.market.SetCandles("TEST", candles)

	sig, err := f.gateway.Generate(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SideBuy, sig.Side)
	assert.InDelta(t, 0.68*1.05, sig.Confidence, 1e-9)
	assert.Contains(t, sig.Explanation, "volume confirms")
}

func TestAggregateCandles(t *testing.T) {
	candles := bars(8, 90)
	candles[2].High = 95
	candles[5].Low = 85

	agg := aggregateCandles(candles, 4)
	require.Len(t, agg, 2)
	assert.Equal(t, candles[0].Time, agg[0].Time)
	assert.Equal(t, 95.0, agg[0].High)
	assert.Equal(t, candles[3].Close, agg[0].Close)
	assert.Equal(t, 4000.0, agg[0].Volume)
	assert.Equal(t, 85.0, agg[1].Low)
}

func TestAlignedHigherTimeframe(t *testing.T) {
	s := servableStrategy(0.8)

	// Too short to aggregate: treated as aligned.
	assert.True(t, alignedHigherTimeframe(&s.Ruleset, s.Parameters, bars(4, 105)))

	// Breakout holds on the aggregated bars.
	assert.True(t, alignedHigherTimeframe(&s.Ruleset, s.Parameters, bars(20, 105)))

	// The coarse close sits back under the threshold: misaligned.
	candles := bars(20, 105)
	candles[len(candles)-1].Close = 90
	assert.False(t, alignedHigherTimeframe(&s.Ruleset, s.Parameters, candles))
}

func TestIntent(t *testing.T) {
	f := newSignalFixture(t)

	flat := &domain.Signal{Side: domain.SideFlat}
	_, err := f.gateway.Intent(flat, domain.ModePaper)
	assert.Error(t, err)

	buy := &domain.Signal{
		StrategyID:   "s-1",
		Symbol:       "TEST",
		Side:         domain.SideBuy,
		Stop:         99.75,
		Target:       115.5,
		PositionSize: 38.1,
	}
	intent, err := f.gateway.Intent(buy, domain.ModeReal)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderIntent{
		Symbol:     "TEST",
		Side:       domain.SideBuy,
		Quantity:   38.1,
		Stop:       99.75,
		Target:     115.5,
		StrategyID: "s-1",
		Mode:       domain.ModeReal,
	}, *intent)
}

func TestPositionSizeFallbacks(t *testing.T) {
	f := newSignalFixture(t)

	trailingOnly := domain.Ruleset{
		Exit:   domain.ExitPolicy{TrailingPct: 0.04},
		Sizing: domain.Sizing{RiskPerTrade: 0.02},
	}
	// 200 of risk against a 4 point trailing distance.
	assert.InDelta(t, 50.0, f.gateway.positionSize(trailingOnly, 100), 1e-9)

	timeOnly := domain.Ruleset{Exit: domain.ExitPolicy{MaxHoldBars: 10}}
	assert.Zero(t, f.gateway.positionSize(timeOnly, 100))

	assert.Zero(t, f.gateway.positionSize(trailingOnly, 0))

	f.gateway.SetEquity(20000)
	assert.InDelta(t, 100.0, f.gateway.positionSize(trailingOnly, 100), 1e-9)
}

func TestPositionSizePortfolioCap(t *testing.T) {
	f := newSignalFixture(t)

	tightStop := domain.Ruleset{
		Exit:   domain.ExitPolicy{StopLossPct: 0.01},
		Sizing: domain.Sizing{RiskPerTrade: 0.05},
	}
	// Uncapped sizing would be 500 shares; half the 10k account at 100
	// per share allows only 50.
	assert.InDelta(t, 50.0, f.gateway.positionSize(tightStop, 100), 1e-9)
}
