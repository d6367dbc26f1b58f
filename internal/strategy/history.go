package strategy

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/evoquant/evoquant/internal/clock"
	"github.com/evoquant/evoquant/internal/domain"
)

// BacktestEntry is one appended backtest outcome.
type BacktestEntry struct {
	StrategyID   string                `json:"strategy_id"`
	Symbol       string                `json:"symbol"`
	Timeframe    string                `json:"timeframe"`
	WindowStart  time.Time             `json:"window_start"`
	WindowEnd    time.Time             `json:"window_end"`
	Metrics      *domain.MetricsRecord `json:"metrics,omitempty"`
	Score        float64               `json:"score"`
	StatusBefore domain.Status         `json:"status_before"`
	StatusAfter  domain.Status         `json:"status_after"`
	Reason       string                `json:"reason"`
	CreatedAt    time.Time             `json:"created_at"`
}

// BacktestLog is the append-only ledger of backtest outcomes. Rows are
// never updated or deleted; the latest snapshot lives on the strategy
// row, this log keeps the trail.
type BacktestLog struct {
	db    *sql.DB
	clock clock.Clock
	log   zerolog.Logger
}

// NewBacktestLog creates a log over the ledger database.
func NewBacktestLog(db *sql.DB, clk clock.Clock, log zerolog.Logger) *BacktestLog {
	return &BacktestLog{
		db:    db,
		clock: clk,
		log:   log.With().Str("repo", "backtest_log").Logger(),
	}
}

// Append writes one outcome row.
func (l *BacktestLog) Append(entry BacktestEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = l.clock.Now()
	}
	metrics, err := json.Marshal(entry.Metrics)
	if err != nil {
		return fmt.Errorf("failed to encode metrics: %w", err)
	}

	_, err = l.db.Exec(`
		INSERT INTO backtest_history (strategy_id, symbol, timeframe, window_start, window_end,
			metrics, score, status_before, status_after, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.StrategyID, entry.Symbol, entry.Timeframe,
		entry.WindowStart.UnixMicro(), entry.WindowEnd.UnixMicro(),
		string(metrics), entry.Score,
		string(entry.StatusBefore), string(entry.StatusAfter), entry.Reason,
		entry.CreatedAt.UnixMicro(),
	)
	if err != nil {
		return fmt.Errorf("failed to append backtest history for %s: %w", entry.StrategyID, err)
	}
	return nil
}

// ForStrategy returns the newest entries for a strategy, up to limit.
func (l *BacktestLog) ForStrategy(id string, limit int) ([]BacktestEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.Query(`
		SELECT strategy_id, symbol, timeframe, window_start, window_end,
			metrics, score, status_before, status_after, reason, created_at
		FROM backtest_history WHERE strategy_id = ?
		ORDER BY created_at DESC LIMIT ?`, id, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query backtest history for %s: %w", id, err)
	}
	defer rows.Close()

	var out []BacktestEntry
	for rows.Next() {
		var (
			entry                  BacktestEntry
			windowStart, windowEnd int64
			createdAt              int64
			metrics                string
			before, after          string
		)
		if err := rows.Scan(&entry.StrategyID, &entry.Symbol, &entry.Timeframe,
			&windowStart, &windowEnd, &metrics, &entry.Score,
			&before, &after, &entry.Reason, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan backtest history row: %w", err)
		}
		entry.WindowStart = time.UnixMicro(windowStart).UTC()
		entry.WindowEnd = time.UnixMicro(windowEnd).UTC()
		entry.CreatedAt = time.UnixMicro(createdAt).UTC()
		entry.StatusBefore = domain.Status(before)
		entry.StatusAfter = domain.Status(after)
		if metrics != "" && metrics != "null" {
			var m domain.MetricsRecord
			if err := json.Unmarshal([]byte(metrics), &m); err == nil {
				entry.Metrics = &m
			}
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}
