// Package memory implements the memory sink contract: an append-only,
// idempotent event recorder plus the context queries the lifecycle engine
// consumes. The sink is an external collaborator by design; this package
// keeps the engine's dependency behind small interfaces so a remote
// implementation can replace the local one.
package memory

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/evoquant/evoquant/internal/clock"
	"github.com/evoquant/evoquant/internal/events"
)

// Risk is the categorical overfitting risk pinned in the sink contract.
type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// RegimeSummary is what RegimeContext returns for a symbol.
type RegimeSummary struct {
	Symbol          string  `json:"symbol"`
	RegimeStability float64 `json:"regime_stability"` // in [0,1]
	OverfittingRisk Risk    `json:"overfitting_risk"`
	Recommendation  float64 `json:"recommendation"` // signal bias in [-1,1]
	HasData         bool    `json:"has_data"`
}

// StabilitySummary is what LineageMemory returns for a strategy.
type StabilitySummary struct {
	StrategyID       string  `json:"strategy_id"`
	AncestorDiscards int     `json:"ancestor_discards"`
	AncestorPromotes int     `json:"ancestor_promotes"`
	StabilityPenalty float64 `json:"stability_penalty"` // in [0,1], 0 = no penalty
	HasData          bool    `json:"has_data"`
}

// Recorder is the record side of the sink contract. Record is idempotent
// under retries on the same (type, strategy_id, timestamp).
type Recorder interface {
	Record(e events.Event) error
}

// Sink is the full contract: recording plus the context queries.
type Sink interface {
	Recorder
	MemoryForStrategy(id string) ([]events.Event, error)
	RegimeContext(symbol string) (RegimeSummary, error)
	LineageMemory(id string) (StabilitySummary, error)
}

// SQLiteSink stores events in the ledger database.
type SQLiteSink struct {
	db    *sql.DB
	clock clock.Clock
	log   zerolog.Logger
}

// NewSQLiteSink creates a sink over the ledger database.
func NewSQLiteSink(db *sql.DB, clk clock.Clock, log zerolog.Logger) *SQLiteSink {
	return &SQLiteSink{
		db:    db,
		clock: clk,
		log:   log.With().Str("component", "memory_sink").Logger(),
	}
}

// Record appends one event. Re-recording the same (type, strategy_id,
// timestamp) has no additional effect.
func (s *SQLiteSink) Record(e events.Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = s.clock.Now()
	}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode event payload: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO memory_events (type, strategy_id, user_id, symbol, payload, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (type, strategy_id, timestamp) DO NOTHING`,
		string(e.Type), nullStr(e.StrategyID), nullStr(e.UserID), nullStr(e.Symbol),
		string(payload), e.Timestamp.UnixMicro(),
	)
	if err != nil {
		return fmt.Errorf("failed to record event %s: %w", e.Type, err)
	}
	return nil
}

// MemoryForStrategy returns every recorded event for a strategy in
// timestamp order. Payloads come back as raw generic data.
func (s *SQLiteSink) MemoryForStrategy(id string) ([]events.Event, error) {
	rows, err := s.db.Query(`
		SELECT type, strategy_id, user_id, symbol, payload, timestamp
		FROM memory_events WHERE strategy_id = ? ORDER BY timestamp ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query memory for %s: %w", id, err)
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// RegimeContext summarizes recorded backtest outcomes for a symbol into a
// regime stability score and an overfitting risk category. With no history
// the summary reports HasData=false and callers must not gate on it.
func (s *SQLiteSink) RegimeContext(symbol string) (RegimeSummary, error) {
	summary := RegimeSummary{Symbol: symbol, OverfittingRisk: RiskLow}

	rows, err := s.db.Query(`
		SELECT payload FROM memory_events
		WHERE symbol = ? AND type = ?
		ORDER BY timestamp DESC LIMIT 50`, symbol, string(events.StrategyBacktest))
	if err != nil {
		return summary, fmt.Errorf("failed to query regime context: %w", err)
	}
	defer rows.Close()

	var scores []float64
	overfitting := 0
	total := 0
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return summary, fmt.Errorf("failed to scan regime event: %w", err)
		}
		var data struct {
			Score   float64 `json:"score"`
			Metrics *struct {
				OverfittingDetected bool `json:"overfitting_detected"`
			} `json:"metrics"`
		}
		if err := json.Unmarshal([]byte(payload), &data); err != nil {
			continue
		}
		scores = append(scores, data.Score)
		total++
		if data.Metrics != nil && data.Metrics.OverfittingDetected {
			overfitting++
		}
	}
	if err := rows.Err(); err != nil {
		return summary, err
	}
	if total == 0 {
		return summary, nil
	}

	summary.HasData = true
	// Stability: one minus the normalized score dispersion across recent
	// backtests on this symbol.
	mean, dev := meanAndDev(scores)
	if mean > 0 {
		cv := dev / mean
		summary.RegimeStability = clamp01(1 - cv)
	} else {
		summary.RegimeStability = 0
	}
	summary.Recommendation = clamp(mean*2-1, -1, 1)

	frac := float64(overfitting) / float64(total)
	switch {
	case frac <= 0.15:
		summary.OverfittingRisk = RiskLow
	case frac <= 0.40:
		summary.OverfittingRisk = RiskMedium
	default:
		summary.OverfittingRisk = RiskHigh
	}
	return summary, nil
}

// LineageMemory summarizes discard/promotion history across a strategy's
// recorded lineage events into a stability penalty for the signal gateway.
func (s *SQLiteSink) LineageMemory(id string) (StabilitySummary, error) {
	summary := StabilitySummary{StrategyID: id}

	rows, err := s.db.Query(`
		SELECT type, COUNT(*) FROM memory_events
		WHERE strategy_id = ? AND type IN (?, ?)
		GROUP BY type`, id, string(events.StrategyDiscarded), string(events.StrategyPromoted))
	if err != nil {
		return summary, fmt.Errorf("failed to query lineage memory: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var typ string
		var n int
		if err := rows.Scan(&typ, &n); err != nil {
			return summary, fmt.Errorf("failed to scan lineage memory: %w", err)
		}
		switch events.EventType(typ) {
		case events.StrategyDiscarded:
			summary.AncestorDiscards = n
		case events.StrategyPromoted:
			summary.AncestorPromotes = n
		}
		summary.HasData = true
	}
	if err := rows.Err(); err != nil {
		return summary, err
	}

	// Penalty grows with discard history, capped at 0.3.
	if summary.AncestorDiscards > 0 {
		summary.StabilityPenalty = clamp(0.1*float64(summary.AncestorDiscards), 0, 0.3)
	}
	return summary, nil
}

func scanEvent(rows *sql.Rows) (events.Event, error) {
	var (
		e          events.Event
		typ        string
		sid, uid   sql.NullString
		sym        sql.NullString
		payload    string
		tsMicro    int64
	)
	if err := rows.Scan(&typ, &sid, &uid, &sym, &payload, &tsMicro); err != nil {
		return e, fmt.Errorf("failed to scan event: %w", err)
	}
	e.Type = events.EventType(typ)
	e.StrategyID = sid.String
	e.UserID = uid.String
	e.Symbol = sym.String
	e.Timestamp = time.UnixMicro(tsMicro).UTC()
	// Raw payloads keep their generic form on the query side.
	var raw rawPayload
	if err := json.Unmarshal([]byte(payload), &raw.data); err == nil {
		raw.typ = e.Type
		e.Payload = &raw
	}
	return e, nil
}

// rawPayload is the generic payload for events read back from storage.
type rawPayload struct {
	typ  events.EventType
	data map[string]interface{}
}

// EventType returns the stored event type.
func (p *rawPayload) EventType() events.EventType { return p.typ }

// MarshalJSON serializes the raw payload map.
func (p *rawPayload) MarshalJSON() ([]byte, error) { return json.Marshal(p.data) }

func nullStr(s string) interface{} {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

func meanAndDev(xs []float64) (float64, float64) {
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

func clamp01(x float64) float64 { return clamp(x, 0, 1) }

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
