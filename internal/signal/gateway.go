// Package signal implements the signal gateway: on-demand composition of
// a live trading signal from the newest ruleset evaluation, the current
// market snapshot and the memory sink's context, plus the order intent
// handed to the broker collaborator.
package signal

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/evoquant/evoquant/internal/backtest"
	"github.com/evoquant/evoquant/internal/clock"
	"github.com/evoquant/evoquant/internal/domain"
	"github.com/evoquant/evoquant/internal/events"
	"github.com/evoquant/evoquant/internal/memory"
	"github.com/evoquant/evoquant/internal/strategy"
)

// MarketData is the slice of the market gateway the signal gateway needs.
type MarketData interface {
	Price(ctx context.Context, symbol string) (domain.PriceSnapshot, error)
	Candles(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]domain.Candle, error)
}

// Sink is the memory contract consumed when composing confidence.
type Sink interface {
	Record(e events.Event) error
	RegimeContext(symbol string) (memory.RegimeSummary, error)
	LineageMemory(id string) (memory.StabilitySummary, error)
}

// Gateway composes live signals.
type Gateway struct {
	repo   *strategy.Repository
	market MarketData
	sink   Sink
	clock  clock.Clock
	log    zerolog.Logger

	// Equity the sizing math assumes; live deployments set the real
	// account value through SetEquity.
	equity decimal.Decimal
}

// NewGateway wires the signal gateway.
func NewGateway(repo *strategy.Repository, market MarketData, sink Sink, clk clock.Clock, log zerolog.Logger) *Gateway {
	return &Gateway{
		repo:   repo,
		market: market,
		sink:   sink,
		clock:  clk,
		log:    log.With().Str("component", "signal_gateway").Logger(),
		equity: decimal.NewFromInt(10000),
	}
}

// SetEquity updates the account value the sizing math uses.
func (g *Gateway) SetEquity(equity float64) {
	g.equity = decimal.NewFromFloat(equity)
}

// Generate composes a signal for one strategy. Ineligible strategies fail
// with a not-eligible signal error; a composed confidence under 0.5 fails
// with a low-confidence one.
func (g *Gateway) Generate(ctx context.Context, strategyID string) (*domain.Signal, error) {
	s, err := g.repo.Get(strategyID)
	if err != nil {
		return nil, err
	}
	if err := eligible(s); err != nil {
		return nil, err
	}

	symbol := s.Ruleset.DefaultSymbol
	snapshot, err := g.market.Price(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("price fetch for %s: %w", symbol, err)
	}

	end := g.clock.Now()
	candles, err := g.market.Candles(ctx, symbol, s.Ruleset.DefaultTimeframe, end.Add(-90*24*time.Hour), end)
	if err != nil {
		return nil, fmt.Errorf("candle fetch for %s: %w", symbol, err)
	}

	fired, err := backtest.EntrySignal(&s.Ruleset, s.Parameters, candles)
	if err != nil {
		return nil, err
	}

	side := domain.SideFlat
	if fired {
		side = domain.SideBuy
	}

	confidence, explanation := g.composeConfidence(s, symbol)
	if factor, note := volumeConfirmation(candles); factor != 1 {
		confidence = clamp01(confidence * factor)
		explanation += note
	}
	if side == domain.SideBuy && !alignedHigherTimeframe(&s.Ruleset, s.Parameters, candles) {
		confidence = clamp01(confidence * 0.9)
		explanation += ", higher timeframe disagrees"
	}
	if side != domain.SideFlat && confidence < 0.5 {
		return nil, domain.LowConfidence(fmt.Sprintf("confidence %.2f below 0.5 for %s", confidence, strategyID))
	}

	sig := &domain.Signal{
		StrategyID:  s.ID,
		Symbol:      symbol,
		Side:        side,
		Entry:       snapshot.Price,
		Confidence:  confidence,
		Explanation: explanation,
	}
	if side == domain.SideBuy {
		g.priceLevels(sig, s.Ruleset.Exit, snapshot.Price)
		sig.PositionSize = g.positionSize(s.Ruleset, snapshot.Price)
	}

	if err := g.sink.Record(events.New(&events.SignalData{
		StrategyID:   s.ID,
		Symbol:       symbol,
		Side:         side,
		Confidence:   confidence,
		PositionSize: sig.PositionSize,
	}, g.clock.Now())); err != nil {
		g.log.Warn().Err(err).Str("strategy", s.ID).Msg("Signal event record failed")
	}

	g.log.Info().Str("strategy", s.ID).Str("symbol", symbol).Str("side", string(side)).
		Float64("confidence", confidence).Msg("Signal composed")
	return sig, nil
}

// Intent converts a non-flat signal into the broker order intent.
func (g *Gateway) Intent(sig *domain.Signal, mode domain.OrderMode) (*domain.OrderIntent, error) {
	if sig.Side == domain.SideFlat {
		return nil, fmt.Errorf("flat signal carries no intent")
	}
	return &domain.OrderIntent{
		Symbol:     sig.Symbol,
		Side:       sig.Side,
		Quantity:   sig.PositionSize,
		Stop:       sig.Stop,
		Target:     sig.Target,
		StrategyID: sig.StrategyID,
		Mode:       mode,
	}, nil
}

// eligible enforces the serving bar: proposable status, a score of at
// least 0.70 and fifty trades of history.
func eligible(s *domain.Strategy) error {
	if s.Status != domain.StatusProposable {
		return domain.NotEligible(fmt.Sprintf("strategy %s is %s, not %s", s.ID, s.Status, domain.StatusProposable))
	}
	if s.ScoreValue() < 0.70 {
		return domain.NotEligible(fmt.Sprintf("strategy %s score %.2f below 0.70", s.ID, s.ScoreValue()))
	}
	if s.LastMetrics == nil || s.LastMetrics.TotalTrades < 50 {
		return domain.NotEligible(fmt.Sprintf("strategy %s lacks trade history", s.ID))
	}
	return nil
}

// composeConfidence blends the strategy's own score with the memory
// sink's context: sixty percent score, forty percent memory, then the
// regime and lineage multipliers.
func (g *Gateway) composeConfidence(s *domain.Strategy, symbol string) (float64, string) {
	score := s.ScoreValue()
	memoryPart := 0.5 // neutral without sink data
	explanation := fmt.Sprintf("score %.2f", score)

	regime, err := g.sink.RegimeContext(symbol)
	if err == nil && regime.HasData {
		// Recommendation in [-1,1] maps to [0,1].
		memoryPart = (regime.Recommendation + 1) / 2
		explanation += fmt.Sprintf(", regime recommendation %.2f", regime.Recommendation)
	}

	confidence := 0.6*score + 0.4*memoryPart

	if err == nil && regime.HasData {
		if regime.RegimeStability < 0.5 {
			confidence *= 0.85
			explanation += ", unstable regime"
		}
		if regime.OverfittingRisk == memory.RiskHigh {
			confidence *= 0.75
			explanation += ", high overfitting risk"
		}
	}

	lineage, err := g.sink.LineageMemory(s.ID)
	if err == nil && lineage.HasData && lineage.StabilityPenalty > 0 {
		confidence *= 1 - lineage.StabilityPenalty
		explanation += fmt.Sprintf(", lineage penalty %.2f", lineage.StabilityPenalty)
	}

	return clamp01(confidence), explanation
}

// volumeConfirmation compares the freshest bar's volume against its
// trailing average: a surge confirms the move, a dry-up undermines it.
// Short windows stay neutral.
func volumeConfirmation(candles []domain.Candle) (float64, string) {
	const lookback = 20
	if len(candles) < lookback+1 {
		return 1, ""
	}
	last := candles[len(candles)-1].Volume
	var sum float64
	for _, c := range candles[len(candles)-1-lookback : len(candles)-1] {
		sum += c.Volume
	}
	avg := sum / lookback
	switch {
	case avg <= 0:
		return 1, ""
	case last >= 1.2*avg:
		return 1.05, ", volume confirms"
	case last <= 0.5*avg:
		return 0.9, ", volume dried up"
	}
	return 1, ""
}

// alignedHigherTimeframe re-evaluates the entry rules on bars aggregated
// four to one. Disagreement between timeframes softens confidence;
// windows too short to aggregate, or rulesets that cannot run on the
// coarser series, count as aligned.
func alignedHigherTimeframe(rs *domain.Ruleset, params map[string]float64, candles []domain.Candle) bool {
	const factor = 4
	if len(candles) < 2*factor {
		return true
	}
	agg := aggregateCandles(candles, factor)
	fired, err := backtest.EntrySignal(rs, params, agg)
	if err != nil {
		return true
	}
	return fired
}

func aggregateCandles(candles []domain.Candle, factor int) []domain.Candle {
	out := make([]domain.Candle, 0, len(candles)/factor+1)
	for i := 0; i < len(candles); i += factor {
		end := i + factor
		if end > len(candles) {
			end = len(candles)
		}
		bar := candles[i]
		for _, c := range candles[i+1 : end] {
			if c.High > bar.High {
				bar.High = c.High
			}
			if c.Low < bar.Low {
				bar.Low = c.Low
			}
			bar.Close = c.Close
			bar.Volume += c.Volume
		}
		out = append(out, bar)
	}
	return out
}

func (g *Gateway) priceLevels(sig *domain.Signal, exit domain.ExitPolicy, entry float64) {
	price := decimal.NewFromFloat(entry)
	one := decimal.NewFromInt(1)
	if exit.StopLossPct > 0 {
		sig.Stop, _ = price.Mul(one.Sub(decimal.NewFromFloat(exit.StopLossPct))).Float64()
	}
	if exit.TakeProfitPct > 0 {
		sig.Target, _ = price.Mul(one.Add(decimal.NewFromFloat(exit.TakeProfitPct))).Float64()
	}
}

// maxPositionFraction caps one position's value relative to the account.
const maxPositionFraction = 0.5

// positionSize converts risk per trade and stop distance into a share
// quantity with decimal arithmetic so sizing is exact at the cent level.
// The result is capped so a tight stop cannot size past the portfolio
// limit.
func (g *Gateway) positionSize(rs domain.Ruleset, entry float64) float64 {
	risk := rs.Sizing.RiskPerTrade
	if risk <= 0 {
		risk = 0.02
	}
	stop := rs.Exit.StopLossPct
	if stop <= 0 {
		stop = rs.Exit.TrailingPct
	}
	if stop <= 0 || entry <= 0 {
		return 0
	}

	entryD := decimal.NewFromFloat(entry)
	riskBudget := g.equity.Mul(decimal.NewFromFloat(risk))
	stopDistance := entryD.Mul(decimal.NewFromFloat(stop))
	if stopDistance.IsZero() {
		return 0
	}
	qtyD := riskBudget.Div(stopDistance)
	if capD := g.equity.Mul(decimal.NewFromFloat(maxPositionFraction)).Div(entryD); qtyD.GreaterThan(capD) {
		qtyD = capD
	}
	qty, _ := qtyD.Round(4).Float64()
	return qty
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
