// Package monitor implements the monitoring worker: the gatekeeper for
// uploaded strategies and the only actor allowed to confirm a candidate
// as proposable. It runs duplicate detection, the sanity backtest and the
// periodic robustness check.
package monitor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/evoquant/evoquant/internal/backtest"
	"github.com/evoquant/evoquant/internal/clock"
	"github.com/evoquant/evoquant/internal/config"
	"github.com/evoquant/evoquant/internal/domain"
	"github.com/evoquant/evoquant/internal/events"
	"github.com/evoquant/evoquant/internal/lifecycle"
	"github.com/evoquant/evoquant/internal/memory"
	"github.com/evoquant/evoquant/internal/scoring"
	"github.com/evoquant/evoquant/internal/strategy"
)

// MarketData is the slice of the gateway the monitor needs.
type MarketData interface {
	Candles(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]domain.Candle, error)
}

// Sink is the memory contract the monitor consumes: recording plus the
// regime context that gates promotion.
type Sink interface {
	Record(e events.Event) error
	RegimeContext(symbol string) (memory.RegimeSummary, error)
}

// Worker runs the monitoring cycle on a cron schedule.
type Worker struct {
	cfg    config.MonitoringConfig
	btCfg  config.BacktestConfig
	repo   *strategy.Repository
	market MarketData
	scorer *scoring.Calculator
	sink   Sink
	runsDB *sql.DB // cache database, worker_runs bookkeeping
	clock  clock.Clock
	log    zerolog.Logger

	cron *cron.Cron
}

// NewWorker wires the monitoring worker. runsDB may be nil; run
// bookkeeping is then skipped.
func NewWorker(
	cfg config.MonitoringConfig,
	btCfg config.BacktestConfig,
	repo *strategy.Repository,
	market MarketData,
	scorer *scoring.Calculator,
	sink Sink,
	runsDB *sql.DB,
	clk clock.Clock,
	log zerolog.Logger,
) *Worker {
	return &Worker{
		cfg:    cfg,
		btCfg:  btCfg,
		repo:   repo,
		market: market,
		scorer: scorer,
		sink:   sink,
		runsDB: runsDB,
		clock:  clk,
		log:    log.With().Str("worker", "monitor").Logger(),
	}
}

// Start schedules the cycle.
func (w *Worker) Start() error {
	w.cron = cron.New()
	spec := fmt.Sprintf("@every %s", w.cfg.Interval)
	if _, err := w.cron.AddFunc(spec, func() {
		if err := w.RunCycle(context.Background()); err != nil {
			w.log.Error().Err(err).Msg("Monitoring cycle failed")
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule monitoring cycle: %w", err)
	}
	w.cron.Start()
	w.log.Info().Dur("interval", w.cfg.Interval).Msg("Monitoring worker started")
	return nil
}

// Stop halts the schedule and waits for a running cycle to finish.
func (w *Worker) Stop() {
	if w.cron == nil {
		return
	}
	<-w.cron.Stop().Done()
	w.log.Info().Msg("Monitoring worker stopped")
}

// RunCycle processes pending review, then the robustness check and the
// candidate confirmation. The cycle's wall clock is bounded by the
// configured interval so a slow pass cannot overlap the next firing.
func (w *Worker) RunCycle(ctx context.Context) error {
	cycleCtx, cancel := context.WithTimeout(ctx, w.cfg.Interval)
	defer cancel()

	started := w.clock.Now()
	processed, errCount := 0, 0

	pending, err := w.repo.ListActive(strategy.ListFilter{
		Statuses: []domain.Status{domain.StatusPendingReview},
	})
	if err != nil {
		return err
	}
	for _, s := range pending {
		if err := w.reviewPending(cycleCtx, s); err != nil {
			w.log.Error().Err(err).Str("strategy", s.ID).Msg("Pending review failed")
			errCount++
		}
		processed++
	}

	evaluable, err := w.repo.ListActive(strategy.ListFilter{
		Statuses: []domain.Status{domain.StatusExperiment, domain.StatusCandidate},
	})
	if err != nil {
		return err
	}
	for _, s := range evaluable {
		if s.LastMetrics == nil {
			continue
		}
		if err := w.checkRobustness(cycleCtx, s); err != nil {
			w.log.Error().Err(err).Str("strategy", s.ID).Msg("Robustness check failed")
			errCount++
		}
		processed++
	}

	w.recordRun(started, processed, errCount)
	return nil
}

// reviewPending runs the upload gate: fingerprint dedup first, then the
// sanity backtest.
func (w *Worker) reviewPending(ctx context.Context, s *domain.Strategy) error {
	fp, err := w.repo.FingerprintOf(s.ID)
	if err != nil {
		return err
	}
	dup, err := w.repo.FindActiveByFingerprint(fp, s.ID)
	if err != nil {
		return err
	}

	input := lifecycle.Input{Status: s.Status}
	if dup != nil {
		input.DuplicateFound = true
	} else {
		pass, sanityErr := w.sanityBacktest(ctx, s)
		if sanityErr != nil {
			// Data trouble is not a verdict; leave the strategy pending.
			if errors.Is(sanityErr, domain.ErrUnavailable) || errors.Is(sanityErr, domain.ErrRateLimited) {
				w.log.Warn().Err(sanityErr).Str("strategy", s.ID).Msg("Sanity backtest deferred")
				return nil
			}
			pass = false
		}
		input.SanityPass = &pass
	}

	decision := lifecycle.Evaluate(input)
	if decision.NewStatus == s.Status {
		return nil
	}
	return w.commit(s, decision)
}

// sanityBacktest runs a short-window backtest and applies the acceptance
// gates: enough trades, bounded drawdown and no NaN metrics.
func (w *Worker) sanityBacktest(ctx context.Context, s *domain.Strategy) (bool, error) {
	end := w.clock.Now()
	start := end.Add(-time.Duration(w.cfg.SanityWindowDays) * 24 * time.Hour)

	candles, err := w.market.Candles(ctx, s.Ruleset.DefaultSymbol, s.Ruleset.DefaultTimeframe, start, end)
	if err != nil {
		return false, err
	}

	res, err := backtest.Run(ctx, &s.Ruleset, s.Parameters, candles, w.btCfg)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidRuleset) || errors.Is(err, domain.ErrInsufficientData) {
			return false, nil
		}
		return false, err
	}

	m := res.Metrics
	if m.TotalTrades < w.cfg.SanityMinTrades {
		return false, nil
	}
	if m.MaxDrawdown > w.cfg.SanityMaxDD {
		return false, nil
	}
	if hasNaN(m) {
		return false, nil
	}
	return true, nil
}

// checkRobustness runs the robustness probes, confirms candidates whose
// gates hold, and discards strategies that repeatedly fail.
func (w *Worker) checkRobustness(ctx context.Context, s *domain.Strategy) error {
	end := w.clock.Now()
	start := end.Add(-time.Duration(w.cfg.SanityWindowDays) * 2 * 24 * time.Hour)

	candles, err := w.market.Candles(ctx, s.Ruleset.DefaultSymbol, s.Ruleset.DefaultTimeframe, start, end)
	if err != nil {
		if errors.Is(err, domain.ErrUnavailable) || errors.Is(err, domain.ErrRateLimited) {
			return nil
		}
		return err
	}

	report := assessRobustness(ctx, &s.Ruleset, s.Parameters, candles, w.btCfg, w.scorer, s.ScoreValue())

	// The consecutive-failure counter lives on the strategy row so the
	// discard rule survives restarts. A passing check resets it.
	failures := s.RobustnessFailures + 1
	if report.Score >= 40 {
		failures = 0
	}
	if failures != s.RobustnessFailures {
		updated, err := w.repo.UpdateWithRetry(s.ID, func(cur *domain.Strategy) error {
			cur.RobustnessFailures = failures
			return nil
		})
		if err != nil {
			return err
		}
		s = updated
	}

	log := w.log.With().Str("strategy", s.ID).Float64("robustness", report.Score).Logger()
	log.Debug().Int("regimes_passed", report.RegimesPassed).Bool("halves_stable", report.HalvesStable).
		Int("failures", failures).Msg("Robustness assessed")

	// Repeated robustness failure with real trading history discards.
	if report.Score < 40 && s.LastMetrics.TotalTrades >= 20 && failures >= 3 {
		return w.commit(s, lifecycle.Decision{
			NewStatus: domain.StatusDiscarded,
			Reason:    "robustness_failed",
		})
	}

	// Confirmation is the monitor's exclusive edge.
	if s.Status != domain.StatusCandidate || report.Score < 70 {
		return nil
	}

	input := lifecycle.Input{
		Status:      s.Status,
		Score:       s.ScoreValue(),
		Attempts:    s.EvolutionAttempts,
		Metrics:     s.LastMetrics,
		TestWinRate: testWinRate(s),
		Regime:      w.regimeFlags(s.Ruleset.DefaultSymbol),
	}
	decision := lifecycle.ForActor(lifecycle.ActorMonitor, input, lifecycle.Evaluate(input))
	if decision.NewStatus != domain.StatusProposable {
		return nil
	}
	log.Info().Msg("Candidate confirmed proposable")
	return w.commit(s, decision)
}

// regimeFlags pulls the memory sink's regime context; a sink without
// data yields absent flags, which pass the gates.
func (w *Worker) regimeFlags(symbol string) lifecycle.RegimeFlags {
	summary, err := w.sink.RegimeContext(symbol)
	if err != nil {
		w.log.Warn().Err(err).Str("symbol", symbol).Msg("Regime context unavailable")
		return lifecycle.RegimeFlags{}
	}
	if !summary.HasData {
		return lifecycle.RegimeFlags{}
	}
	return lifecycle.RegimeFlags{
		Available: true,
		Stability: summary.RegimeStability,
		RiskLow:   summary.OverfittingRisk == memory.RiskLow,
	}
}

// commit writes the transition and emits its event.
func (w *Worker) commit(s *domain.Strategy, decision lifecycle.Decision) error {
	from := s.Status
	updated, err := w.repo.UpdateWithRetry(s.ID, func(cur *domain.Strategy) error {
		from = cur.Status
		cur.Status = decision.NewStatus
		return nil
	})
	if err != nil {
		return err
	}

	if err := w.sink.Record(events.New(&events.TransitionData{
		StrategyID: s.ID,
		From:       from,
		To:         decision.NewStatus,
		Reason:     decision.Reason,
		BufferZone: decision.BufferZone,
		Metrics:    updated.LastMetrics,
	}, w.clock.Now())); err != nil {
		w.log.Warn().Err(err).Str("strategy", s.ID).Msg("Transition event record failed")
	}

	w.log.Info().Str("strategy", s.ID).Str("from", string(from)).
		Str("to", string(decision.NewStatus)).Str("reason", decision.Reason).
		Msg("Status transition committed")
	return nil
}

func (w *Worker) recordRun(started time.Time, processed, errCount int) {
	if w.runsDB == nil {
		return
	}
	_, err := w.runsDB.Exec(`
		INSERT INTO worker_runs (worker, started_at, finished_at, processed, errors, notes)
		VALUES (?, ?, ?, ?, ?, ?)`,
		"monitor", started.UnixMicro(), w.clock.Now().UnixMicro(), processed, errCount, "")
	if err != nil {
		w.log.Warn().Err(err).Msg("Worker run bookkeeping failed")
	}
}

func testWinRate(s *domain.Strategy) *float64 {
	if s.TestMetrics == nil {
		return nil
	}
	v := s.TestMetrics.WinRate
	return &v
}

func hasNaN(m *domain.MetricsRecord) bool {
	for _, v := range []float64{
		m.WinRate, m.Sharpe, m.Sortino, m.MaxDrawdown, m.TotalReturn, m.CAGR, m.Volatility,
	} {
		if math.IsNaN(v) {
			return true
		}
	}
	return false
}
