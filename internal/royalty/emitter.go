// Package royalty implements the attribution emitter: it consumes trade
// settlement events from the broker collaborator, resolves the strategy's
// creator and appends an idempotent royalty record.
package royalty

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/evoquant/evoquant/internal/clock"
	"github.com/evoquant/evoquant/internal/domain"
	"github.com/evoquant/evoquant/internal/events"
	"github.com/evoquant/evoquant/internal/memory"
	"github.com/evoquant/evoquant/internal/strategy"
)

// Plan royalty rates. The platform keeps a quarter of every royalty.
var (
	planRates = map[string]decimal.Decimal{
		"free":  decimal.Zero,
		"basic": decimal.NewFromFloat(0.10),
		"pro":   decimal.NewFromFloat(0.15),
	}
	platformCut = decimal.NewFromFloat(0.25)
)

// Emitter turns settlements into attribution rows. Settlement processing
// never blocks on storage trouble; failed records retry in the background.
type Emitter struct {
	db       *sql.DB
	repo     *strategy.Repository
	recorder memory.Recorder
	clock    clock.Clock
	log      zerolog.Logger

	mu      sync.Mutex
	pending []domain.SettledTrade
	running bool
	stop    chan struct{}
	stopped chan struct{}
}

// NewEmitter wires the emitter over the ledger database.
func NewEmitter(db *sql.DB, repo *strategy.Repository, recorder memory.Recorder, clk clock.Clock, log zerolog.Logger) *Emitter {
	return &Emitter{
		db:       db,
		repo:     repo,
		recorder: recorder,
		clock:    clk,
		log:      log.With().Str("component", "royalty").Logger(),
	}
}

// OnSettlement handles one settlement event. Trades without profit or
// without strategy attribution produce no record. Errors are absorbed
// into the retry queue; settlement consumption never stalls.
func (e *Emitter) OnSettlement(trade domain.SettledTrade) {
	if trade.RealizedPnL <= 0 || trade.StrategyID == "" {
		return
	}
	if err := e.process(trade); err != nil {
		e.log.Warn().Err(err).Str("trade", trade.TradeID).Msg("Royalty record failed, queueing retry")
		e.enqueue(trade)
	}
}

func (e *Emitter) process(trade domain.SettledTrade) error {
	s, err := e.repo.Get(trade.StrategyID)
	if err != nil {
		return fmt.Errorf("resolve creator for %s: %w", trade.StrategyID, err)
	}

	record := computeRecord(trade, s.OwnerID, e.clock.Now())

	res, err := e.db.Exec(`
		INSERT INTO royalties (id, trade_id, strategy_id, creator_id, realized_pnl, royalty, platform_fee, plan, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (trade_id) DO NOTHING`,
		record.ID, record.TradeID, record.StrategyID, record.CreatorID,
		record.RealizedPnL, record.Royalty, record.PlatformFee, record.Plan,
		record.CreatedAt.UnixMicro(),
	)
	if err != nil {
		return fmt.Errorf("insert royalty for trade %s: %w", trade.TradeID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Already attributed; settlements can be redelivered.
		return nil
	}

	if err := e.recorder.Record(events.New(&events.RoyaltyData{
		TradeID:    record.TradeID,
		StrategyID: record.StrategyID,
		CreatorID:  record.CreatorID,
		Royalty:    record.Royalty,
	}, record.CreatedAt)); err != nil {
		e.log.Warn().Err(err).Str("trade", record.TradeID).Msg("Royalty event record failed")
	}

	e.log.Info().Str("trade", record.TradeID).Str("creator", record.CreatorID).
		Float64("royalty", record.Royalty).Str("plan", record.Plan).
		Msg("Royalty recorded")
	return nil
}

// computeRecord applies the plan rate and platform cut with decimal
// arithmetic; amounts round to cents.
func computeRecord(trade domain.SettledTrade, creatorID string, now time.Time) domain.RoyaltyRecord {
	rate, ok := planRates[trade.UserPlan]
	if !ok {
		rate = planRates["free"]
	}

	pnl := decimal.NewFromFloat(trade.RealizedPnL)
	royalty := pnl.Mul(rate).Round(2)
	fee := royalty.Mul(platformCut).Round(2)

	royaltyF, _ := royalty.Float64()
	feeF, _ := fee.Float64()
	return domain.RoyaltyRecord{
		ID:          uuid.NewString(),
		TradeID:     trade.TradeID,
		StrategyID:  trade.StrategyID,
		CreatorID:   creatorID,
		RealizedPnL: trade.RealizedPnL,
		Royalty:     royaltyF,
		PlatformFee: feeF,
		Plan:        trade.UserPlan,
		CreatedAt:   now,
	}
}

// History returns the attribution rows for a strategy, newest first.
func (e *Emitter) History(strategyID string) ([]domain.RoyaltyRecord, error) {
	rows, err := e.db.Query(`
		SELECT id, trade_id, strategy_id, creator_id, realized_pnl, royalty, platform_fee, plan, created_at
		FROM royalties WHERE strategy_id = ? ORDER BY created_at DESC`, strategyID)
	if err != nil {
		return nil, fmt.Errorf("query royalties for %s: %w", strategyID, err)
	}
	defer rows.Close()

	var out []domain.RoyaltyRecord
	for rows.Next() {
		var rec domain.RoyaltyRecord
		var createdAt int64
		if err := rows.Scan(&rec.ID, &rec.TradeID, &rec.StrategyID, &rec.CreatorID,
			&rec.RealizedPnL, &rec.Royalty, &rec.PlatformFee, &rec.Plan, &createdAt); err != nil {
			return nil, fmt.Errorf("scan royalty row: %w", err)
		}
		rec.CreatedAt = time.UnixMicro(createdAt).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (e *Emitter) enqueue(trade domain.SettledTrade) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = append(e.pending, trade)
}

// Start launches the background retry loop with exponential spacing.
func (e *Emitter) Start() {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.stop = make(chan struct{})
	e.stopped = make(chan struct{})
	e.mu.Unlock()

	go e.retryLoop()
	e.log.Info().Msg("Royalty emitter started")
}

// Stop halts the retry loop after a final drain attempt.
func (e *Emitter) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	close(e.stop)
	stopped := e.stopped
	e.mu.Unlock()

	<-stopped
	e.drain()
	e.log.Info().Msg("Royalty emitter stopped")
}

func (e *Emitter) retryLoop() {
	defer close(e.stopped)

	delay := 5 * time.Second
	const maxDelay = 5 * time.Minute
	for {
		timer := time.NewTimer(delay)
		select {
		case <-e.stop:
			timer.Stop()
			return
		case <-timer.C:
		}

		if remaining := e.drain(); remaining > 0 {
			if delay *= 2; delay > maxDelay {
				delay = maxDelay
			}
		} else {
			delay = 5 * time.Second
		}
	}
}

// drain retries every queued settlement once and reports how many remain.
func (e *Emitter) drain() int {
	e.mu.Lock()
	batch := e.pending
	e.pending = nil
	e.mu.Unlock()

	var failed []domain.SettledTrade
	for _, trade := range batch {
		if err := e.process(trade); err != nil {
			failed = append(failed, trade)
		}
	}
	if len(failed) > 0 {
		e.mu.Lock()
		e.pending = append(failed, e.pending...)
		e.mu.Unlock()
	}
	return len(failed)
}
