package testing

import (
	"context"
	"sync"
	"time"

	"github.com/evoquant/evoquant/internal/domain"
	"github.com/evoquant/evoquant/internal/events"
	"github.com/evoquant/evoquant/internal/memory"
)

// MockMarketData is an in-memory market data source satisfying the
// worker and gateway collaborator interfaces.
type MockMarketData struct {
	mu      sync.Mutex
	candles map[string][]domain.Candle
	prices  map[string]float64
	err     error
	budget  int
	calls   int
}

// NewMockMarketData creates an empty mock with a generous budget.
func NewMockMarketData() *MockMarketData {
	return &MockMarketData{
		candles: make(map[string][]domain.Candle),
		prices:  make(map[string]float64),
		budget:  100,
	}
}

// SetCandles sets the bars returned for a symbol.
func (m *MockMarketData) SetCandles(symbol string, candles []domain.Candle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.candles[symbol] = candles
}

// SetPrice sets the latest price for a symbol.
func (m *MockMarketData) SetPrice(symbol string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[symbol] = price
}

// SetError makes every call fail with err.
func (m *MockMarketData) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// SetBudget sets the value PrimaryBudget reports.
func (m *MockMarketData) SetBudget(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.budget = n
}

// Calls returns how many data lookups were made.
func (m *MockMarketData) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Candles returns the configured bars for the symbol.
func (m *MockMarketData) Candles(_ context.Context, symbol, _ string, _, _ time.Time) ([]domain.Candle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	if c, ok := m.candles[symbol]; ok {
		return c, nil
	}
	return nil, domain.ErrUnavailable
}

// Price returns the configured price for the symbol.
func (m *MockMarketData) Price(_ context.Context, symbol string) (domain.PriceSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return domain.PriceSnapshot{}, m.err
	}
	if p, ok := m.prices[symbol]; ok {
		return domain.PriceSnapshot{Symbol: symbol, Price: p, At: time.Now()}, nil
	}
	return domain.PriceSnapshot{}, domain.ErrUnavailable
}

// PrimaryBudget reports the configured rate budget.
func (m *MockMarketData) PrimaryBudget() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.budget
}

// MockSink collects recorded events in memory and serves canned context
// summaries. It satisfies the full memory.Sink contract.
type MockSink struct {
	mu        sync.Mutex
	events    []events.Event
	recordErr error
	regimes   map[string]memory.RegimeSummary
	lineage   map[string]memory.StabilitySummary
}

// NewMockSink creates an empty mock sink.
func NewMockSink() *MockSink {
	return &MockSink{
		regimes: make(map[string]memory.RegimeSummary),
		lineage: make(map[string]memory.StabilitySummary),
	}
}

// SetRecordError makes Record fail with err.
func (m *MockSink) SetRecordError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recordErr = err
}

// SetRegime sets the summary RegimeContext returns for a symbol.
func (m *MockSink) SetRegime(symbol string, s memory.RegimeSummary) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.regimes[symbol] = s
}

// SetLineage sets the summary LineageMemory returns for a strategy.
func (m *MockSink) SetLineage(id string, s memory.StabilitySummary) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lineage[id] = s
}

// Record appends the event to the in-memory list.
func (m *MockSink) Record(e events.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recordErr != nil {
		return m.recordErr
	}
	m.events = append(m.events, e)
	return nil
}

// Events returns a copy of everything recorded so far.
func (m *MockSink) Events() []events.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]events.Event, len(m.events))
	copy(out, m.events)
	return out
}

// EventsOfType filters recorded events by type.
func (m *MockSink) EventsOfType(t events.EventType) []events.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []events.Event
	for _, e := range m.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// MemoryForStrategy returns recorded events for one strategy.
func (m *MockSink) MemoryForStrategy(id string) ([]events.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []events.Event
	for _, e := range m.events {
		if e.StrategyID == id {
			out = append(out, e)
		}
	}
	return out, nil
}

// RegimeContext returns the canned summary for the symbol.
func (m *MockSink) RegimeContext(symbol string) (memory.RegimeSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.regimes[symbol]; ok {
		return s, nil
	}
	return memory.RegimeSummary{Symbol: symbol, OverfittingRisk: memory.RiskLow}, nil
}

// LineageMemory returns the canned summary for the strategy.
func (m *MockSink) LineageMemory(id string) (memory.StabilitySummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.lineage[id]; ok {
		return s, nil
	}
	return memory.StabilitySummary{StrategyID: id}, nil
}
