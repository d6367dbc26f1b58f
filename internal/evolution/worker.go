// Package evolution implements the evolution worker: the periodic
// supervisor that selects a batch of active strategies, backtests them
// concurrently, applies the status machine, breeds replacements through
// the mutation engine and enforces the population cap.
package evolution

import (
	"context"
	"database/sql"
	"errors"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"

	"github.com/evoquant/evoquant/internal/backtest"
	"github.com/evoquant/evoquant/internal/clock"
	"github.com/evoquant/evoquant/internal/config"
	"github.com/evoquant/evoquant/internal/domain"
	"github.com/evoquant/evoquant/internal/events"
	"github.com/evoquant/evoquant/internal/lifecycle"
	"github.com/evoquant/evoquant/internal/memory"
	"github.com/evoquant/evoquant/internal/mutation"
	"github.com/evoquant/evoquant/internal/scoring"
	"github.com/evoquant/evoquant/internal/strategy"
)

// MarketData is the slice of the gateway the worker needs.
type MarketData interface {
	Candles(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]domain.Candle, error)
	PrimaryBudget() int
}

// Worker runs the evolution cycle.
type Worker struct {
	cfg      config.EvolutionConfig
	btCfg    config.BacktestConfig
	repo     *strategy.Repository
	lineage  *strategy.LineageIndex
	history  *strategy.BacktestLog
	market   MarketData
	scorer   *scoring.Calculator
	breeder  *mutation.Engine
	recorder memory.Recorder
	runsDB   *sql.DB // optional worker_runs bookkeeping
	clock    clock.Clock
	log      zerolog.Logger

	mu       sync.Mutex
	running  bool
	stop     chan struct{}
	stopped  chan struct{}
	cancel   context.CancelFunc
	inflight map[string]bool
}

// NewWorker wires the evolution worker.
func NewWorker(
	cfg config.EvolutionConfig,
	btCfg config.BacktestConfig,
	repo *strategy.Repository,
	lineage *strategy.LineageIndex,
	history *strategy.BacktestLog,
	market MarketData,
	scorer *scoring.Calculator,
	breeder *mutation.Engine,
	recorder memory.Recorder,
	clk clock.Clock,
	log zerolog.Logger,
) *Worker {
	return &Worker{
		cfg:      cfg,
		btCfg:    btCfg,
		repo:     repo,
		lineage:  lineage,
		history:  history,
		market:   market,
		scorer:   scorer,
		breeder:  breeder,
		recorder: recorder,
		clock:    clk,
		log:      log.With().Str("worker", "evolution").Logger(),
		inflight: make(map[string]bool),
	}
}

// WithRunLog enables run bookkeeping on the given database so the
// worker-status surface can report recent cycles.
func (w *Worker) WithRunLog(db *sql.DB) *Worker {
	w.runsDB = db
	return w
}

// Start launches the periodic cycle loop.
func (w *Worker) Start() {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.stop = make(chan struct{})
	w.stopped = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.mu.Unlock()

	go w.loop(ctx)
	w.log.Info().Dur("interval", w.cfg.Interval).Int("workers", w.cfg.ParallelWorkers).
		Msg("Evolution worker started")
}

// Stop cancels in-flight jobs and waits for the loop to exit.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stop)
	w.cancel()
	stopped := w.stopped
	w.mu.Unlock()

	<-stopped
	w.log.Info().Msg("Evolution worker stopped")
}

func (w *Worker) loop(ctx context.Context) {
	defer close(w.stopped)
	tick, cancel := w.clock.Ticker(w.cfg.Interval)
	defer cancel()

	for {
		select {
		case <-w.stop:
			return
		case <-tick:
			if err := w.RunCycle(ctx); err != nil && !errors.Is(err, context.Canceled) {
				w.log.Error().Err(err).Msg("Evolution cycle failed")
			}
		}
	}
}

// RunCycle executes one full evolution cycle: batch selection, concurrent
// backtests, breeding and the population cap. The cycle's wall clock is
// bounded by the configured interval.
func (w *Worker) RunCycle(ctx context.Context) error {
	cycleCtx, cancel := context.WithTimeout(ctx, w.cfg.Interval)
	defer cancel()

	population, err := w.repo.ListActive(strategy.ListFilter{
		Statuses: []domain.Status{
			domain.StatusExperiment,
			domain.StatusCandidate,
			domain.StatusProposable,
		},
	})
	if err != nil {
		return err
	}
	if len(population) == 0 {
		return nil
	}

	started := w.clock.Now()
	batch := orderBatch(population, started, w.cfg.StaleAfter, w.batchSize())
	w.log.Info().Int("population", len(population)).Int("batch", len(batch)).
		Msg("Evolution cycle starting")

	pool, err := ants.NewPool(w.cfg.ParallelWorkers)
	if err != nil {
		return err
	}
	defer pool.Release()

	var errCount atomic.Int64
	var wg sync.WaitGroup
	for _, s := range batch {
		s := s
		wg.Add(1)
		if err := pool.Submit(func() {
			defer wg.Done()
			if !w.processOne(cycleCtx, s, population) {
				errCount.Add(1)
			}
		}); err != nil {
			wg.Done()
			errCount.Add(1)
			w.log.Warn().Err(err).Str("strategy", s.ID).Msg("Pool submit failed")
		}
	}
	wg.Wait()

	w.recordRun(started, len(batch), int(errCount.Load()))
	return w.enforcePopulationCap()
}

// batchSize keeps the batch inside the provider budget so a full cycle
// cannot exhaust the rate window by itself.
func (w *Worker) batchSize() int {
	size := w.cfg.BatchMax
	if budget := int(0.8 * float64(w.market.PrimaryBudget())); budget > 0 && budget < size {
		size = budget
	}
	if size < 1 {
		size = 1
	}
	return size
}

// processOne runs the per-strategy pipeline. The bool result reports
// whether the strategy was handled cleanly; deferrals count as clean.
func (w *Worker) processOne(ctx context.Context, s *domain.Strategy, population []*domain.Strategy) bool {
	end := w.clock.Now()
	start := end.Add(-time.Duration(w.cfg.WindowDays) * 24 * time.Hour)
	job := domain.BacktestJob{
		StrategyID:  s.ID,
		Symbol:      s.Ruleset.DefaultSymbol,
		Timeframe:   s.Ruleset.DefaultTimeframe,
		WindowStart: start,
		WindowEnd:   end,
	}
	if !w.claim(job.Key()) {
		w.log.Debug().Str("strategy", s.ID).Msg("Backtest already in flight, skipping")
		return true
	}
	defer w.release(job.Key())

	log := w.log.With().Str("strategy", s.ID).Str("symbol", job.Symbol).Logger()

	candles, err := w.market.Candles(ctx, job.Symbol, job.Timeframe, start, end)
	if err != nil {
		// Data unavailability is not the strategy's fault; retry next cycle.
		if errors.Is(err, domain.ErrUnavailable) || errors.Is(err, domain.ErrRateLimited) {
			log.Warn().Err(err).Msg("Market data unavailable, deferring")
			return true
		}
		log.Error().Err(err).Msg("Candle fetch failed")
		return false
	}

	btCtx, cancel := context.WithTimeout(ctx, w.btCfg.Deadline)
	defer cancel()

	report, err := backtest.Evaluate(btCtx, &s.Ruleset, s.Parameters, candles, w.btCfg, seedFor(s.ID))
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidRuleset):
			// The attempt still counts toward the discard cap, but a broken
			// ruleset must not breed.
			w.recordFailedAttempt(s.ID, log)
			return true
		case errors.Is(err, domain.ErrInsufficientData):
			log.Warn().Err(err).Msg("Not enough candles, deferring")
			return true
		default:
			log.Error().Err(err).Msg("Backtest failed")
			return false
		}
	}

	score := w.scorer.Score(report.Combined)
	input := lifecycle.Input{
		Status:      s.Status,
		Score:       score,
		Attempts:    s.EvolutionAttempts + 1,
		Metrics:     report.Combined,
		TestWinRate: testWinRate(report),
	}
	decision := lifecycle.ForActor(lifecycle.ActorEvolution, input, lifecycle.Evaluate(input))

	now := w.clock.Now()
	updated, err := w.repo.UpdateWithRetry(s.ID, func(cur *domain.Strategy) error {
		cur.Score = &score
		cur.LastMetrics = report.Combined
		cur.TrainMetrics = report.Train
		cur.TestMetrics = report.Test
		cur.LastBacktestAt = &now
		cur.EvolutionAttempts++
		cur.Status = decision.NewStatus
		if w.cfg.ResetAttemptsOnDemotion &&
			s.Status == domain.StatusCandidate && decision.NewStatus == domain.StatusExperiment {
			cur.EvolutionAttempts = 0
		}
		return nil
	})
	if err != nil {
		log.Error().Err(err).Msg("Strategy update failed")
		return false
	}

	w.record(events.New(&events.BacktestData{
		StrategyID: s.ID,
		Symbol:     job.Symbol,
		Timeframe:  job.Timeframe,
		Score:      score,
		Metrics:    report.Combined,
	}, now))
	if w.history != nil {
		if err := w.history.Append(strategy.BacktestEntry{
			StrategyID:   s.ID,
			Symbol:       job.Symbol,
			Timeframe:    job.Timeframe,
			WindowStart:  job.WindowStart,
			WindowEnd:    job.WindowEnd,
			Metrics:      report.Combined,
			Score:        score,
			StatusBefore: s.Status,
			StatusAfter:  decision.NewStatus,
			Reason:       decision.Reason,
		}); err != nil {
			log.Warn().Err(err).Msg("Backtest history append failed")
		}
	}
	if decision.NewStatus != s.Status {
		w.record(events.New(&events.TransitionData{
			StrategyID: s.ID,
			From:       s.Status,
			To:         decision.NewStatus,
			Reason:     decision.Reason,
			BufferZone: decision.BufferZone,
			Metrics:    report.Combined,
		}, now))
	}
	log.Info().Float64("score", score).Str("status", string(updated.Status)).
		Int("attempts", updated.EvolutionAttempts).Msg("Backtest complete")

	if updated.Status.Terminal() {
		return true
	}
	w.maybeBreed(updated, report, population, log)
	return true
}

// recordFailedAttempt bumps the attempt counter when a backtest cannot
// even start; persistent failures walk toward the discard cap.
func (w *Worker) recordFailedAttempt(id string, log zerolog.Logger) {
	updated, err := w.repo.UpdateWithRetry(id, func(cur *domain.Strategy) error {
		cur.EvolutionAttempts++
		input := lifecycle.Input{
			Status:   cur.Status,
			Score:    cur.ScoreValue(),
			Attempts: cur.EvolutionAttempts,
			Metrics:  cur.LastMetrics,
		}
		decision := lifecycle.ForActor(lifecycle.ActorEvolution, input, lifecycle.Evaluate(input))
		cur.Status = decision.NewStatus
		return nil
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed attempt update failed")
		return
	}
	log.Warn().Int("attempts", updated.EvolutionAttempts).Msg("Invalid ruleset, attempt counted")
}

// maybeBreed invokes the mutation engine when the evolution triggers hit:
// forced exploration after three attempts, or directed repair for weak
// win rates.
func (w *Worker) maybeBreed(s *domain.Strategy, report *backtest.Report, population []*domain.Strategy, log zerolog.Logger) {
	forced := s.EvolutionAttempts >= 3
	directed := report.Combined.WinRate < 0.60 &&
		(s.Status == domain.StatusExperiment || s.Status == domain.StatusCandidate)
	if !forced && !directed {
		return
	}

	prefer := domain.MutationType("")
	if directed {
		prefer = domain.MutationIndicatorSub
	}

	var child *mutation.Child
	var err error
	if second := w.secondParent(s, population); second != nil && w.breeder.ShouldCrossover() {
		child, err = w.breeder.Crossover(s, second)
	} else {
		child, err = w.breeder.Mutate(s, prefer)
	}
	if err != nil {
		log.Warn().Err(err).Msg("Breeding failed")
		return
	}

	if err := w.repo.Create(child.Strategy); err != nil {
		log.Error().Err(err).Msg("Child create failed")
		return
	}
	for _, edge := range child.Edges {
		if err := w.lineage.AddEdge(edge); err != nil {
			log.Error().Err(err).Str("child", edge.ChildID).Msg("Lineage edge insert failed")
		}
	}

	now := w.clock.Now()
	w.record(events.New(&events.CreatedData{
		StrategyID: child.Strategy.ID,
		OwnerID:    child.Strategy.OwnerID,
		Status:     child.Strategy.Status,
		Source:     "mutation",
	}, now))
	for _, edge := range child.Edges {
		w.record(events.New(&events.MutationData{
			ParentID:     edge.ParentID,
			ChildID:      edge.ChildID,
			MutationType: edge.MutationType,
			Similarity:   edge.Similarity,
		}, now))
	}
	log.Info().Str("child", child.Strategy.ID).Msg("Child strategy bred")
}

// secondParent tournament-selects a distinct crossover partner.
func (w *Worker) secondParent(s *domain.Strategy, population []*domain.Strategy) *domain.Strategy {
	candidates := make([]*domain.Strategy, 0, len(population))
	for _, p := range population {
		if p.ID != s.ID {
			candidates = append(candidates, p)
		}
	}
	return w.breeder.SelectParent(candidates)
}

// enforcePopulationCap discards the lowest-scoring excess once the
// active population exceeds the cap. Elites are protected.
func (w *Worker) enforcePopulationCap() error {
	count, err := w.repo.CountActive()
	if err != nil {
		return err
	}
	excess := count - w.cfg.MaxPopulation
	if excess <= 0 {
		return nil
	}

	population, err := w.repo.ListActive(strategy.ListFilter{})
	if err != nil {
		return err
	}
	elites := w.breeder.Elites(population)

	sorted := orderByScoreAscending(population)
	discarded := 0
	for _, s := range sorted {
		if discarded >= excess {
			break
		}
		if elites[s.ID] {
			continue
		}
		from := s.Status
		if _, err := w.repo.UpdateWithRetry(s.ID, func(cur *domain.Strategy) error {
			from = cur.Status
			cur.Status = domain.StatusDiscarded
			return nil
		}); err != nil {
			w.log.Error().Err(err).Str("strategy", s.ID).Msg("Population cap discard failed")
			continue
		}
		w.record(events.New(&events.TransitionData{
			StrategyID: s.ID,
			From:       from,
			To:         domain.StatusDiscarded,
			Reason:     "population_cap",
			Metrics:    s.LastMetrics,
		}, w.clock.Now()))
		discarded++
	}
	w.log.Info().Int("discarded", discarded).Int("cap", w.cfg.MaxPopulation).
		Msg("Population cap enforced")
	return nil
}

func orderByScoreAscending(population []*domain.Strategy) []*domain.Strategy {
	sorted := make([]*domain.Strategy, len(population))
	copy(sorted, population)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].ScoreValue() < sorted[j].ScoreValue()
	})
	return sorted
}

func (w *Worker) recordRun(started time.Time, processed, errCount int) {
	if w.runsDB == nil {
		return
	}
	_, err := w.runsDB.Exec(`
		INSERT INTO worker_runs (worker, started_at, finished_at, processed, errors, notes)
		VALUES (?, ?, ?, ?, ?, ?)`,
		"evolution", started.UnixMicro(), w.clock.Now().UnixMicro(), processed, errCount, "")
	if err != nil {
		w.log.Warn().Err(err).Msg("Worker run bookkeeping failed")
	}
}

func (w *Worker) claim(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.inflight[key] {
		return false
	}
	w.inflight[key] = true
	return true
}

func (w *Worker) release(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.inflight, key)
}

func (w *Worker) record(e events.Event) {
	if err := w.recorder.Record(e); err != nil {
		w.log.Warn().Err(err).Str("type", string(e.Type)).Msg("Event record failed")
	}
}

func testWinRate(report *backtest.Report) *float64 {
	if report.Test == nil {
		return nil
	}
	v := report.Test.WinRate
	return &v
}

// seedFor derives a stable Monte Carlo seed from the strategy id so
// repeated evaluations of the same strategy are comparable.
func seedFor(id string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(id))
	return int64(h.Sum64())
}
