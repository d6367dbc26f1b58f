package mutation

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evoquant/evoquant/internal/clock"
	"github.com/evoquant/evoquant/internal/config"
	"github.com/evoquant/evoquant/internal/domain"
)

func testMutationConfig() config.MutationConfig {
	return config.MutationConfig{
		Rate:            0.2,
		CrossoverRate:   0.7,
		EliteFraction:   0.2,
		TournamentSize:  4,
		TimeframeLadder: []string{"1h", "4h", "1d"},
		SymbolPools: map[string][]string{
			"equity": {"AAPL", "MSFT", "GOOG"},
		},
	}
}

func newTestEngine(cfg config.MutationConfig, seed int64) *Engine {
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	return NewEngine(cfg, seed, clk, zerolog.Nop())
}

func scored(id string, score float64) *domain.Strategy {
	s := parentStrategy(id)
	s.Score = &score
	return s
}

func parentStrategy(id string) *domain.Strategy {
	return &domain.Strategy{
		ID:      id,
		OwnerID: "owner-1",
		Name:    "golden-cross",
		Parameters: map[string]float64{
			"fast_period": 10,
			"slow_period": 30,
		},
		Ruleset: domain.Ruleset{
			DefaultSymbol:    "AAPL",
			DefaultTimeframe: "1h",
			Entry: []domain.Rule{
				&domain.Crosses{
					Fast:      domain.IndicatorRef{Name: domain.IndicatorSMA, PeriodParam: "fast_period"},
					Slow:      domain.IndicatorRef{Name: domain.IndicatorSMA, PeriodParam: "slow_period"},
					Direction: domain.CrossAbove,
				},
			},
			Exit:   domain.ExitPolicy{StopLossPct: 0.05, TakeProfitPct: 0.10},
			Sizing: domain.Sizing{RiskPerTrade: 0.02},
		},
		AssetType: domain.AssetEquity,
		Status:    domain.StatusCandidate,
	}
}

func TestSelectParentEmptyPopulation(t *testing.T) {
	e := newTestEngine(testMutationConfig(), 1)
	assert.Nil(t, e.SelectParent(nil))
}

func TestSelectParentFavorsScore(t *testing.T) {
	e := newTestEngine(testMutationConfig(), 1)
	population := []*domain.Strategy{
		scored("low", 0.1),
		scored("mid", 0.5),
		scored("high", 0.9),
	}

	wins := 0
	const trials = 200
	for i := 0; i < trials; i++ {
		if e.SelectParent(population).ID == "high" {
			wins++
		}
	}
	// A size-4 tournament over 3 entries samples the best one with
	// probability about 0.8; well over half the trials must pick it.
	assert.Greater(t, wins, trials/2)
}

func TestElitesTopFraction(t *testing.T) {
	e := newTestEngine(testMutationConfig(), 1)

	var population []*domain.Strategy
	for i := 0; i < 10; i++ {
		population = append(population, scored(string(rune('a'+i)), float64(i)/10))
	}

	elites := e.Elites(population)
	require.Len(t, elites, 2)
	assert.True(t, elites["j"], "score 0.9 belongs to the elite set")
	assert.True(t, elites["i"], "score 0.8 belongs to the elite set")
}

func TestElitesSmallPopulation(t *testing.T) {
	e := newTestEngine(testMutationConfig(), 1)
	assert.Empty(t, e.Elites(nil))
	assert.Empty(t, e.Elites([]*domain.Strategy{scored("only", 0.5)}))
}

func TestMutateParamTweak(t *testing.T) {
	e := newTestEngine(testMutationConfig(), 7)
	parent := scored("parent", 0.9)

	child, err := e.Mutate(parent, domain.MutationParamTweak)
	require.NoError(t, err)

	s := child.Strategy
	assert.NotEqual(t, parent.ID, s.ID)
	assert.Equal(t, domain.StatusExperiment, s.Status)
	assert.True(t, s.IsActive)
	assert.Nil(t, s.Score)
	assert.Zero(t, s.EvolutionAttempts)
	assert.Nil(t, s.LastBacktestAt)

	// A 0.9 score earns the gentlest perturbation: every parameter stays
	// within 5% of the parent value.
	for name, pv := range parent.Parameters {
		cv := s.Parameters[name]
		assert.InDelta(t, pv, cv, pv*0.05+1e-9, "parameter %s drifted too far", name)
		assert.NotEqual(t, pv, cv, "parameter %s should move", name)
	}

	require.Len(t, child.Edges, 1)
	edge := child.Edges[0]
	assert.Equal(t, parent.ID, edge.ParentID)
	assert.Equal(t, s.ID, edge.ChildID)
	assert.Equal(t, domain.MutationParamTweak, edge.MutationType)
	assert.Equal(t, 0.05, edge.MutationParams["delta"])
	assert.GreaterOrEqual(t, edge.Similarity, 0.95)
}

func TestMutateDoesNotTouchParent(t *testing.T) {
	e := newTestEngine(testMutationConfig(), 7)
	parent := scored("parent", 0.5)

	_, err := e.Mutate(parent, domain.MutationParamTweak)
	require.NoError(t, err)
	assert.Equal(t, 10.0, parent.Parameters["fast_period"])
	assert.Equal(t, 30.0, parent.Parameters["slow_period"])
}

func TestMutateIndicatorSub(t *testing.T) {
	e := newTestEngine(testMutationConfig(), 7)
	parent := scored("parent", 0.5)

	child, err := e.Mutate(parent, domain.MutationIndicatorSub)
	require.NoError(t, err)
	require.Len(t, child.Edges, 1)
	assert.Equal(t, domain.MutationIndicatorSub, child.Edges[0].MutationType)

	for _, ref := range child.Strategy.Ruleset.AllIndicators() {
		assert.Equal(t, domain.IndicatorEMA, ref.Name)
	}
	// The parent keeps its own rule tree.
	for _, ref := range parent.Ruleset.AllIndicators() {
		assert.Equal(t, domain.IndicatorSMA, ref.Name)
	}
}

func TestMutateTimeframeChange(t *testing.T) {
	cfg := testMutationConfig()
	cfg.TimeframeLadder = []string{"1h", "4h"}
	e := newTestEngine(cfg, 7)
	parent := scored("parent", 0.5)

	// From the bottom rung the only move is up.
	child, err := e.Mutate(parent, domain.MutationTimeframeChange)
	require.NoError(t, err)
	assert.Equal(t, "4h", child.Strategy.Ruleset.DefaultTimeframe)
	assert.Equal(t, domain.MutationTimeframeChange, child.Edges[0].MutationType)
}

func TestMutateAssetTransplant(t *testing.T) {
	cfg := testMutationConfig()
	cfg.SymbolPools = map[string][]string{"equity": {"AAPL", "MSFT"}}
	e := newTestEngine(cfg, 7)
	parent := scored("parent", 0.5)

	child, err := e.Mutate(parent, domain.MutationAssetTransplant)
	require.NoError(t, err)
	assert.Equal(t, "MSFT", child.Strategy.Ruleset.DefaultSymbol)
	assert.Equal(t, "AAPL", parent.Ruleset.DefaultSymbol)
	assert.Equal(t, domain.MutationAssetTransplant, child.Edges[0].MutationType)
}

func TestCrossoverMergesParents(t *testing.T) {
	e := newTestEngine(testMutationConfig(), 7)
	a := scored("parent-a", 0.8)
	b := scored("parent-b", 0.6)
	b.Parameters = map[string]float64{
		"fast_period": 20, // shared with a: averaged
		"rsi_period":  14, // only in b: inherited
	}

	child, err := e.Crossover(a, b)
	require.NoError(t, err)

	s := child.Strategy
	assert.Equal(t, 15.0, s.Parameters["fast_period"])
	assert.Equal(t, 30.0, s.Parameters["slow_period"])
	assert.Equal(t, 14.0, s.Parameters["rsi_period"])
	assert.Equal(t, domain.StatusExperiment, s.Status)

	require.Len(t, child.Edges, 2)
	assert.Equal(t, "parent-a", child.Edges[0].ParentID)
	assert.Equal(t, "parent-b", child.Edges[1].ParentID)
	for _, edge := range child.Edges {
		assert.Equal(t, domain.MutationCrossover, edge.MutationType)
		assert.Equal(t, s.ID, edge.ChildID)
	}

	assert.GreaterOrEqual(t, len(s.Ruleset.Entry), len(a.Ruleset.Entry))
}

func TestCrossoverRejectsSameParent(t *testing.T) {
	e := newTestEngine(testMutationConfig(), 7)
	a := scored("parent-a", 0.8)
	_, err := e.Crossover(a, a)
	assert.Error(t, err)
}

func TestShouldCrossoverRespectsRate(t *testing.T) {
	always := testMutationConfig()
	always.CrossoverRate = 1.0
	e := newTestEngine(always, 7)
	for i := 0; i < 10; i++ {
		assert.True(t, e.ShouldCrossover())
	}

	never := testMutationConfig()
	never.CrossoverRate = 0
	e = newTestEngine(never, 7)
	for i := 0; i < 10; i++ {
		assert.False(t, e.ShouldCrossover())
	}
}

func TestAdaptiveDelta(t *testing.T) {
	assert.Equal(t, 0.05, adaptiveDelta(0.95))
	assert.Equal(t, 0.05, adaptiveDelta(0.80))
	assert.Equal(t, 0.10, adaptiveDelta(0.79))
	assert.Equal(t, 0.10, adaptiveDelta(0.60))
	assert.Equal(t, 0.20, adaptiveDelta(0.59))
	assert.Equal(t, 0.20, adaptiveDelta(0))
}

func TestSimilarity(t *testing.T) {
	a := parentStrategy("a")
	identical := a.Clone()
	assert.Equal(t, 1.0, similarity(a, identical))

	halved := a.Clone()
	halved.Parameters["fast_period"] = 5
	halved.Parameters["slow_period"] = 15
	assert.InDelta(t, 0.5, similarity(a, halved), 1e-9)

	noParams := parentStrategy("p")
	noParams.Parameters = nil
	twin := noParams.Clone()
	assert.Equal(t, 0.9, similarity(noParams, twin))

	moved := noParams.Clone()
	moved.Ruleset.DefaultSymbol = "MSFT"
	assert.Equal(t, 0.5, similarity(noParams, moved))
}
