// Package events defines the typed event payloads the lifecycle engine
// records to the memory sink. Every status transition emits exactly one
// event carrying the before/after status, the reason code and a metrics
// snapshot.
package events

import (
	"time"

	"github.com/evoquant/evoquant/internal/domain"
)

// EventType identifies a lifecycle event.
type EventType string

const (
	StrategyCreated   EventType = "strategy_created"
	StrategyBacktest  EventType = "strategy_backtest"
	StrategyPromoted  EventType = "strategy_promoted"
	StrategyDemoted   EventType = "strategy_demoted"
	StrategyDiscarded EventType = "strategy_discarded"
	StrategyRejected  EventType = "strategy_rejected"
	StrategyDuplicate EventType = "strategy_duplicate"
	StrategyMutated   EventType = "strategy_mutated"
	SignalGenerated   EventType = "signal_generated"
	RoyaltyRecorded   EventType = "royalty_recorded"
)

// EventData is the interface all typed payloads implement.
type EventData interface {
	EventType() EventType
}

// BacktestData is recorded after every completed backtest.
type BacktestData struct {
	StrategyID string                `json:"strategy_id"`
	Symbol     string                `json:"symbol"`
	Timeframe  string                `json:"timeframe"`
	Score      float64               `json:"score"`
	Metrics    *domain.MetricsRecord `json:"metrics,omitempty"`
}

// EventType returns the event type for BacktestData.
func (d *BacktestData) EventType() EventType { return StrategyBacktest }

// TransitionData is recorded on every status change.
type TransitionData struct {
	StrategyID string                `json:"strategy_id"`
	From       domain.Status         `json:"from"`
	To         domain.Status         `json:"to"`
	Reason     string                `json:"reason"`
	BufferZone bool                  `json:"buffer_zone,omitempty"`
	Metrics    *domain.MetricsRecord `json:"metrics,omitempty"`
}

// EventType maps the transition to its event type by destination status.
func (d *TransitionData) EventType() EventType {
	switch d.To {
	case domain.StatusDiscarded:
		return StrategyDiscarded
	case domain.StatusRejected:
		return StrategyRejected
	case domain.StatusDuplicate:
		return StrategyDuplicate
	}
	// Promotion vs demotion by rank of the two statuses.
	if statusRank(d.To) > statusRank(d.From) {
		return StrategyPromoted
	}
	return StrategyDemoted
}

func statusRank(s domain.Status) int {
	switch s {
	case domain.StatusPendingReview:
		return 0
	case domain.StatusExperiment:
		return 1
	case domain.StatusCandidate:
		return 2
	case domain.StatusProposable:
		return 3
	}
	return -1
}

// MutationData is recorded when the mutation engine produces a child.
type MutationData struct {
	ParentID     string              `json:"parent_id"`
	SecondParent string              `json:"second_parent,omitempty"`
	ChildID      string              `json:"child_id"`
	MutationType domain.MutationType `json:"mutation_type"`
	Similarity   float64             `json:"similarity"`
}

// EventType returns the event type for MutationData.
func (d *MutationData) EventType() EventType { return StrategyMutated }

// SignalData is recorded when the signal gateway emits a signal.
type SignalData struct {
	StrategyID   string      `json:"strategy_id"`
	Symbol       string      `json:"symbol"`
	Side         domain.Side `json:"side"`
	Confidence   float64     `json:"confidence"`
	PositionSize float64     `json:"position_size"`
}

// EventType returns the event type for SignalData.
func (d *SignalData) EventType() EventType { return SignalGenerated }

// CreatedData is recorded when a strategy enters the store.
type CreatedData struct {
	StrategyID string        `json:"strategy_id"`
	OwnerID    string        `json:"owner_id"`
	Status     domain.Status `json:"status"`
	Source     string        `json:"source"` // "upload" or "mutation"
}

// EventType returns the event type for CreatedData.
func (d *CreatedData) EventType() EventType { return StrategyCreated }

// RoyaltyData is recorded when an attribution row is appended.
type RoyaltyData struct {
	TradeID    string  `json:"trade_id"`
	StrategyID string  `json:"strategy_id"`
	CreatorID  string  `json:"creator_id"`
	Royalty    float64 `json:"royalty"`
}

// EventType returns the event type for RoyaltyData.
func (d *RoyaltyData) EventType() EventType { return RoyaltyRecorded }

// Event is the record shape of the memory sink contract. Recording is
// idempotent on (Type, StrategyID, Timestamp).
type Event struct {
	Type       EventType `json:"type"`
	StrategyID string    `json:"strategy_id,omitempty"`
	UserID     string    `json:"user_id,omitempty"`
	Symbol     string    `json:"symbol,omitempty"`
	Payload    EventData `json:"payload"`
	Timestamp  time.Time `json:"timestamp"`
}

// New builds an Event from a typed payload.
func New(data EventData, ts time.Time) Event {
	e := Event{
		Type:      data.EventType(),
		Payload:   data,
		Timestamp: ts,
	}
	switch v := data.(type) {
	case *BacktestData:
		e.StrategyID = v.StrategyID
		e.Symbol = v.Symbol
	case *TransitionData:
		e.StrategyID = v.StrategyID
	case *MutationData:
		e.StrategyID = v.ChildID
	case *SignalData:
		e.StrategyID = v.StrategyID
		e.Symbol = v.Symbol
	case *CreatedData:
		e.StrategyID = v.StrategyID
		e.UserID = v.OwnerID
	case *RoyaltyData:
		e.StrategyID = v.StrategyID
		e.UserID = v.CreatorID
	}
	return e
}
