package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Strategy is the single durable record for a trading strategy. The strategy
// store exclusively owns rows; every other component works on value
// snapshots and writes back through UpdateAtomic.
type Strategy struct {
	ID                string             `json:"id"`
	OwnerID           string             `json:"owner_id"`
	Name              string             `json:"name"`
	Parameters        map[string]float64 `json:"parameters"`
	Ruleset           Ruleset            `json:"ruleset"`
	AssetType         AssetType          `json:"asset_type"`
	Status            Status             `json:"status"`
	IsActive          bool               `json:"is_active"`
	Score             *float64           `json:"score,omitempty"`
	EvolutionAttempts int                `json:"evolution_attempts"`
	// Consecutive failed robustness checks; the monitor discards at three.
	RobustnessFailures int            `json:"robustness_failures"`
	LastBacktestAt     *time.Time     `json:"last_backtest_at,omitempty"`
	LastMetrics        *MetricsRecord `json:"last_metrics,omitempty"`
	TrainMetrics       *MetricsRecord `json:"train_metrics,omitempty"`
	TestMetrics        *MetricsRecord `json:"test_metrics,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// ScoreValue returns the score or 0 when absent.
func (s *Strategy) ScoreValue() float64 {
	if s.Score == nil {
		return 0
	}
	return *s.Score
}

// Clone returns a deep copy safe to hand to other components.
func (s *Strategy) Clone() *Strategy {
	out := *s
	out.Parameters = make(map[string]float64, len(s.Parameters))
	for k, v := range s.Parameters {
		out.Parameters[k] = v
	}
	out.Ruleset = s.Ruleset.Clone()
	if s.Score != nil {
		v := *s.Score
		out.Score = &v
	}
	if s.LastBacktestAt != nil {
		t := *s.LastBacktestAt
		out.LastBacktestAt = &t
	}
	out.LastMetrics = s.LastMetrics.Clone()
	out.TrainMetrics = s.TrainMetrics.Clone()
	out.TestMetrics = s.TestMetrics.Clone()
	return &out
}

// EquityPoint is one sample of the simulated account value.
type EquityPoint struct {
	At    time.Time `json:"at"`
	Value float64   `json:"value"`
}

// MetricsRecord is the output of one backtest run.
type MetricsRecord struct {
	TotalTrades         int           `json:"total_trades"`
	WinRate             float64       `json:"win_rate"`
	Sharpe              float64       `json:"sharpe"`
	Sortino             float64       `json:"sortino"`
	ProfitFactor        float64       `json:"profit_factor"` // +Inf when no losing trades
	MaxDrawdown         float64       `json:"max_drawdown"`
	TotalReturn         float64       `json:"total_return"`
	CAGR                float64       `json:"cagr"`
	Volatility          float64       `json:"volatility"`
	EquityCurve         []EquityPoint `json:"equity_curve,omitempty"`
	TrainTestGap        float64       `json:"train_test_gap"`
	MCMean              float64       `json:"mc_mean"`
	MCStd               float64       `json:"mc_std"`
	MCPercentile5       float64       `json:"mc_percentile_5"`
	WFAConsistency      float64       `json:"wfa_consistency"`
	WFAPeriods          int           `json:"wfa_periods"`
	OverfittingDetected bool          `json:"overfitting_detected"`
}

// extFloat is a float64 that survives JSON round trips when the value is
// an IEEE infinity or NaN. encoding/json rejects those as bare numbers,
// so they encode as the strings "+Inf", "-Inf" and "NaN".
type extFloat float64

func (f extFloat) MarshalJSON() ([]byte, error) {
	v := float64(f)
	switch {
	case math.IsInf(v, 1):
		return json.Marshal("+Inf")
	case math.IsInf(v, -1):
		return json.Marshal("-Inf")
	case math.IsNaN(v):
		return json.Marshal("NaN")
	}
	return json.Marshal(v)
}

func (f *extFloat) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		switch s {
		case "+Inf", "Inf":
			*f = extFloat(math.Inf(1))
		case "-Inf":
			*f = extFloat(math.Inf(-1))
		case "NaN":
			*f = extFloat(math.NaN())
		default:
			return fmt.Errorf("invalid metric value %q", s)
		}
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*f = extFloat(v)
	return nil
}

// metricsAlias strips the methods so the wire helpers below can reuse the
// plain field set without recursing.
type metricsAlias MetricsRecord

// metricsWire shadows the ratio fields that go infinite on a backtest
// with no losing trades.
type metricsWire struct {
	metricsAlias
	Sharpe       extFloat `json:"sharpe"`
	Sortino      extFloat `json:"sortino"`
	ProfitFactor extFloat `json:"profit_factor"`
}

// MarshalJSON encodes the record with infinity-safe ratio fields; a
// flawless run carries profit_factor +Inf, which plain encoding/json
// would reject.
func (m MetricsRecord) MarshalJSON() ([]byte, error) {
	return json.Marshal(metricsWire{
		metricsAlias: metricsAlias(m),
		Sharpe:       extFloat(m.Sharpe),
		Sortino:      extFloat(m.Sortino),
		ProfitFactor: extFloat(m.ProfitFactor),
	})
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (m *MetricsRecord) UnmarshalJSON(b []byte) error {
	var w metricsWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*m = MetricsRecord(w.metricsAlias)
	m.Sharpe = float64(w.Sharpe)
	m.Sortino = float64(w.Sortino)
	m.ProfitFactor = float64(w.ProfitFactor)
	return nil
}

// Clone returns a deep copy, or nil for a nil receiver.
func (m *MetricsRecord) Clone() *MetricsRecord {
	if m == nil {
		return nil
	}
	out := *m
	if m.EquityCurve != nil {
		out.EquityCurve = make([]EquityPoint, len(m.EquityCurve))
		copy(out.EquityCurve, m.EquityCurve)
	}
	return &out
}

// LineageEdge records that a child strategy was produced from a parent by a
// genetic operator. Edges are immutable after creation. Crossover children
// carry two edges, one per parent.
type LineageEdge struct {
	ParentID       string             `json:"parent_id"`
	ChildID        string             `json:"child_id"`
	MutationType   MutationType       `json:"mutation_type"`
	MutationParams map[string]float64 `json:"mutation_params,omitempty"`
	Similarity     float64            `json:"similarity"`
	CreatorID      string             `json:"creator_id"`
	CreatedAt      time.Time          `json:"created_at"`
}

// Candle is one OHLCV bar.
type Candle struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// PriceSnapshot is the latest known price for a symbol.
type PriceSnapshot struct {
	Symbol string    `json:"symbol"`
	Price  float64   `json:"price"`
	At     time.Time `json:"at"`
}

// SentimentRecord summarizes market sentiment for a symbol in [-1, 1].
type SentimentRecord struct {
	Symbol string    `json:"symbol"`
	Score  float64   `json:"score"`
	At     time.Time `json:"at"`
}

// BacktestJob identifies one backtest to run. At most one job per key is
// in flight at any time.
type BacktestJob struct {
	StrategyID  string    `json:"strategy_id"`
	Symbol      string    `json:"symbol"`
	Timeframe   string    `json:"timeframe"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
}

// Key returns the deduplication key for invariant tracking.
func (j BacktestJob) Key() string {
	return j.StrategyID + "|" + j.Symbol + "|" + j.Timeframe + "|" +
		j.WindowStart.UTC().Format(time.RFC3339) + "|" + j.WindowEnd.UTC().Format(time.RFC3339)
}

// Signal is a live trading signal composed by the signal gateway.
type Signal struct {
	StrategyID   string  `json:"strategy_id"`
	Symbol       string  `json:"symbol"`
	Side         Side    `json:"side"`
	Entry        float64 `json:"entry"`
	Stop         float64 `json:"stop"`
	Target       float64 `json:"target"`
	Confidence   float64 `json:"confidence"`
	PositionSize float64 `json:"position_size"`
	Explanation  string  `json:"explanation"`
}

// OrderMode selects paper or real execution at the broker.
type OrderMode string

const (
	ModePaper OrderMode = "PAPER"
	ModeReal  OrderMode = "REAL"
)

// OrderIntent is the contract emitted toward the broker collaborator.
type OrderIntent struct {
	Symbol     string    `json:"symbol"`
	Side       Side      `json:"side"`
	Quantity   float64   `json:"quantity"`
	Stop       float64   `json:"stop"`
	Target     float64   `json:"target"`
	StrategyID string    `json:"strategy_id"`
	Mode       OrderMode `json:"mode"`
}

// SettledTrade is the asynchronous settlement event consumed from the broker.
type SettledTrade struct {
	TradeID     string    `json:"trade_id"`
	StrategyID  string    `json:"strategy_id"`
	RealizedPnL float64   `json:"realized_pnl"`
	UserPlan    string    `json:"user_plan"`
	SettledAt   time.Time `json:"settled_at"`
}

// RoyaltyRecord is one append-only attribution row.
type RoyaltyRecord struct {
	ID          string    `json:"id"`
	TradeID     string    `json:"trade_id"`
	StrategyID  string    `json:"strategy_id"`
	CreatorID   string    `json:"creator_id"`
	RealizedPnL float64   `json:"realized_pnl"`
	Royalty     float64   `json:"royalty"`
	PlatformFee float64   `json:"platform_fee"`
	Plan        string    `json:"plan"`
	CreatedAt   time.Time `json:"created_at"`
}
