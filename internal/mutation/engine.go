// Package mutation implements the genetic operators that breed new
// strategies: tournament selection with elitism, typed mutation operators
// with adaptive strength, and two-parent crossover. The engine only
// builds child values; the evolution worker persists them and records
// lineage edges.
package mutation

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/evoquant/evoquant/internal/clock"
	"github.com/evoquant/evoquant/internal/config"
	"github.com/evoquant/evoquant/internal/domain"
)

// Child is one bred strategy plus the lineage edges that explain it.
// Crossover children carry two edges.
type Child struct {
	Strategy *domain.Strategy
	Edges    []domain.LineageEdge
}

// Engine applies genetic operators. Safe for use from one goroutine; the
// evolution worker serializes breeding within a cycle.
type Engine struct {
	cfg   config.MutationConfig
	clock clock.Clock
	log   zerolog.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// NewEngine creates an engine. The seed makes breeding reproducible in
// tests; production passes the current time.
func NewEngine(cfg config.MutationConfig, seed int64, clk clock.Clock, log zerolog.Logger) *Engine {
	return &Engine{
		cfg:   cfg,
		clock: clk,
		rng:   rand.New(rand.NewSource(seed)),
		log:   log.With().Str("component", "mutation").Logger(),
	}
}

// SelectParent runs a score-weighted tournament over the population.
// Within the sampled tournament the best score wins.
func (e *Engine) SelectParent(population []*domain.Strategy) *domain.Strategy {
	if len(population) == 0 {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	size := e.cfg.TournamentSize
	if size < 1 {
		size = 4
	}

	var best *domain.Strategy
	for i := 0; i < size; i++ {
		pick := population[e.rng.Intn(len(population))]
		if best == nil || pick.ScoreValue() > best.ScoreValue() {
			best = pick
		}
	}
	return best
}

// Elites returns the ids of the top elite fraction by score. Elites are
// never replaced within a breeding cycle.
func (e *Engine) Elites(population []*domain.Strategy) map[string]bool {
	n := int(float64(len(population)) * e.cfg.EliteFraction)
	if n == 0 || len(population) == 0 {
		return map[string]bool{}
	}

	sorted := make([]*domain.Strategy, len(population))
	copy(sorted, population)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].ScoreValue() > sorted[j].ScoreValue()
	})

	elites := make(map[string]bool, n)
	for _, s := range sorted[:n] {
		elites[s.ID] = true
	}
	return elites
}

// Mutate breeds one child from a parent. prefer biases operator choice
// for directed repair; pass the empty string for a uniform pick among
// applicable operators.
func (e *Engine) Mutate(parent *domain.Strategy, prefer domain.MutationType) (*Child, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	op := e.chooseOperator(parent, prefer)

	child := e.newChild(parent)
	var params map[string]float64

	switch op {
	case domain.MutationParamTweak:
		params = e.paramTweak(child, parent.ScoreValue())
	case domain.MutationIndicatorSub:
		params = e.indicatorSub(child)
	case domain.MutationTimeframeChange:
		params = e.timeframeChange(child)
	case domain.MutationAssetTransplant:
		params = e.assetTransplant(child, parent.AssetType)
	default:
		return nil, fmt.Errorf("operator %s not applicable to %s", op, parent.ID)
	}

	if err := child.Ruleset.Validate(); err != nil {
		return nil, err
	}

	edge := domain.LineageEdge{
		ParentID:       parent.ID,
		ChildID:        child.ID,
		MutationType:   op,
		MutationParams: params,
		Similarity:     similarity(parent, child),
		CreatorID:      parent.OwnerID,
		CreatedAt:      e.clock.Now(),
	}
	return &Child{Strategy: child, Edges: []domain.LineageEdge{edge}}, nil
}

// Crossover breeds one child from two parents: numeric parameters are
// averaged, categorical genes picked at random, and entry rules unioned
// up to the complexity cap.
func (e *Engine) Crossover(a, b *domain.Strategy) (*Child, error) {
	if a.ID == b.ID {
		return nil, fmt.Errorf("crossover needs two distinct parents")
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	child := e.newChild(a)

	// Average where both parents carry the parameter, inherit otherwise.
	merged := make(map[string]float64, len(a.Parameters)+len(b.Parameters))
	for k, v := range a.Parameters {
		merged[k] = v
	}
	for k, v := range b.Parameters {
		if av, ok := merged[k]; ok {
			merged[k] = (av + v) / 2
		} else {
			merged[k] = v
		}
	}
	child.Parameters = merged

	if e.rng.Intn(2) == 0 {
		child.Ruleset.DefaultSymbol = b.Ruleset.DefaultSymbol
		child.AssetType = b.AssetType
	}
	if e.rng.Intn(2) == 0 {
		child.Ruleset.DefaultTimeframe = b.Ruleset.DefaultTimeframe
	}
	if e.rng.Intn(2) == 0 {
		child.Ruleset.Exit = b.Ruleset.Exit
	}

	// Union of entry rules, capped at the stricter complexity limit.
	limit := complexityLimit(a.Ruleset, b.Ruleset)
	bClone := b.Ruleset.Clone()
	for _, r := range bClone.Entry {
		if child.Ruleset.Complexity()+r.Complexity() > limit {
			break
		}
		child.Ruleset.Entry = append(child.Ruleset.Entry, r)
	}

	if err := child.Ruleset.Validate(); err != nil {
		return nil, err
	}

	now := e.clock.Now()
	edges := []domain.LineageEdge{
		{
			ParentID:     a.ID,
			ChildID:      child.ID,
			MutationType: domain.MutationCrossover,
			Similarity:   similarity(a, child),
			CreatorID:    a.OwnerID,
			CreatedAt:    now,
		},
		{
			ParentID:     b.ID,
			ChildID:      child.ID,
			MutationType: domain.MutationCrossover,
			Similarity:   similarity(b, child),
			CreatorID:    a.OwnerID,
			CreatedAt:    now,
		},
	}
	return &Child{Strategy: child, Edges: edges}, nil
}

// ShouldCrossover rolls the crossover probability.
func (e *Engine) ShouldCrossover() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rng.Float64() < e.cfg.CrossoverRate
}

func (e *Engine) newChild(parent *domain.Strategy) *domain.Strategy {
	child := parent.Clone()
	child.ID = uuid.NewString()
	child.Name = fmt.Sprintf("%s-g%s", parent.Name, child.ID[:8])
	child.Status = domain.StatusExperiment
	child.IsActive = true
	child.Score = nil
	child.EvolutionAttempts = 0
	child.LastBacktestAt = nil
	child.LastMetrics = nil
	child.TrainMetrics = nil
	child.TestMetrics = nil
	return child
}

// chooseOperator picks among the operators applicable to this parent.
func (e *Engine) chooseOperator(parent *domain.Strategy, prefer domain.MutationType) domain.MutationType {
	applicable := []domain.MutationType{}
	if len(parent.Parameters) > 0 {
		applicable = append(applicable, domain.MutationParamTweak)
	}
	if len(swappableIndicators(parent.Ruleset)) > 0 {
		applicable = append(applicable, domain.MutationIndicatorSub)
	}
	if len(e.cfg.TimeframeLadder) > 1 {
		applicable = append(applicable, domain.MutationTimeframeChange)
	}
	if len(e.cfg.SymbolPools[string(parent.AssetType)]) > 1 {
		applicable = append(applicable, domain.MutationAssetTransplant)
	}
	if len(applicable) == 0 {
		return domain.MutationParamTweak
	}

	if prefer != "" {
		for _, op := range applicable {
			if op == prefer {
				return op
			}
		}
	}
	return applicable[e.rng.Intn(len(applicable))]
}

// adaptiveDelta returns the perturbation strength for a parent score:
// strong performers get gentle tweaks, weak ones get bigger jumps.
func adaptiveDelta(score float64) float64 {
	switch {
	case score >= 0.8:
		return 0.05
	case score >= 0.6:
		return 0.10
	default:
		return 0.20
	}
}

func (e *Engine) paramTweak(child *domain.Strategy, parentScore float64) map[string]float64 {
	delta := adaptiveDelta(parentScore)
	applied := map[string]float64{"delta": delta}

	for _, name := range domain.SortedParamNames(child.Parameters) {
		shift := (e.rng.Float64()*2 - 1) * delta
		child.Parameters[name] *= 1 + shift
		applied[name] = shift
	}
	return applied
}

// indicatorPeers maps each swappable indicator to its substitute.
var indicatorPeers = map[domain.IndicatorName]domain.IndicatorName{
	domain.IndicatorSMA:  domain.IndicatorEMA,
	domain.IndicatorEMA:  domain.IndicatorSMA,
	domain.IndicatorRSI:  domain.IndicatorMACD,
	domain.IndicatorMACD: domain.IndicatorRSI,
}

func swappableIndicators(rs domain.Ruleset) []domain.IndicatorName {
	seen := map[domain.IndicatorName]bool{}
	var out []domain.IndicatorName
	for _, ref := range rs.AllIndicators() {
		if _, ok := indicatorPeers[ref.Name]; ok && !seen[ref.Name] {
			seen[ref.Name] = true
			out = append(out, ref.Name)
		}
	}
	return out
}

func (e *Engine) indicatorSub(child *domain.Strategy) map[string]float64 {
	candidates := swappableIndicators(child.Ruleset)
	if len(candidates) == 0 {
		return map[string]float64{}
	}
	target := candidates[e.rng.Intn(len(candidates))]
	replacement := indicatorPeers[target]

	for _, r := range child.Ruleset.Entry {
		substituteIndicator(r, target, replacement)
	}
	return map[string]float64{"swapped": float64(len(candidates))}
}

func substituteIndicator(r domain.Rule, from, to domain.IndicatorName) {
	switch v := r.(type) {
	case *domain.AndAll:
		for _, c := range v.Rules {
			substituteIndicator(c, from, to)
		}
	case *domain.OrAny:
		for _, c := range v.Rules {
			substituteIndicator(c, from, to)
		}
	case *domain.Crosses:
		if v.Fast.Name == from {
			v.Fast.Name = to
		}
		if v.Slow.Name == from {
			v.Slow.Name = to
		}
	case *domain.Threshold:
		if v.Indicator.Name == from {
			v.Indicator.Name = to
		}
	}
}

func (e *Engine) timeframeChange(child *domain.Strategy) map[string]float64 {
	ladder := e.cfg.TimeframeLadder
	idx := -1
	for i, tf := range ladder {
		if tf == child.Ruleset.DefaultTimeframe {
			idx = i
			break
		}
	}

	var next int
	switch {
	case idx < 0:
		next = e.rng.Intn(len(ladder))
	case idx == 0:
		next = 1
	case idx == len(ladder)-1:
		next = idx - 1
	case e.rng.Intn(2) == 0:
		next = idx - 1
	default:
		next = idx + 1
	}
	child.Ruleset.DefaultTimeframe = ladder[next]
	return map[string]float64{"rung": float64(next)}
}

func (e *Engine) assetTransplant(child *domain.Strategy, assetType domain.AssetType) map[string]float64 {
	pool := e.cfg.SymbolPools[string(assetType)]
	options := make([]string, 0, len(pool))
	for _, sym := range pool {
		if sym != child.Ruleset.DefaultSymbol {
			options = append(options, sym)
		}
	}
	if len(options) == 0 {
		return map[string]float64{}
	}
	pick := e.rng.Intn(len(options))
	child.Ruleset.DefaultSymbol = options[pick]
	return map[string]float64{"pool_index": float64(pick)}
}

// similarity measures how close a child stayed to its parent in
// parameter space, in [0,1].
func similarity(parent, child *domain.Strategy) float64 {
	if len(parent.Parameters) == 0 {
		if parent.Ruleset.DefaultSymbol == child.Ruleset.DefaultSymbol &&
			parent.Ruleset.DefaultTimeframe == child.Ruleset.DefaultTimeframe {
			return 0.9
		}
		return 0.5
	}

	var total, n float64
	for name, pv := range parent.Parameters {
		cv, ok := child.Parameters[name]
		if !ok {
			continue
		}
		n++
		if pv == 0 {
			if cv == 0 {
				total += 1
			}
			continue
		}
		rel := (cv - pv) / pv
		if rel < 0 {
			rel = -rel
		}
		if rel > 1 {
			rel = 1
		}
		total += 1 - rel
	}
	if n == 0 {
		return 0.5
	}
	return total / n
}

func complexityLimit(a, b domain.Ruleset) int {
	limit := a.MaxComplexity
	if b.MaxComplexity > 0 && (limit == 0 || b.MaxComplexity < limit) {
		limit = b.MaxComplexity
	}
	if limit == 0 {
		limit = 12
	}
	return limit
}
