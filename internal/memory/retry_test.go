package memory_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evoquant/evoquant/internal/clock"
	"github.com/evoquant/evoquant/internal/events"
	"github.com/evoquant/evoquant/internal/memory"
)

// flakySink fails Record until healed.
type flakySink struct {
	mu     sync.Mutex
	broken bool
	events []events.Event
}

func (f *flakySink) Record(e events.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.broken {
		return errors.New("sink down")
	}
	f.events = append(f.events, e)
	return nil
}

func (f *flakySink) setBroken(b bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broken = b
}

func (f *flakySink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func TestRetryingRecorderNeverFailsCaller(t *testing.T) {
	sink := &flakySink{broken: true}
	clk := clock.NewFake(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	rec := memory.NewRetryingRecorder(sink, clk, time.Minute, 8, zerolog.Nop())

	e := events.New(&events.CreatedData{StrategyID: "s-1"}, clk.Now())
	assert.NoError(t, rec.Record(e))
	assert.Equal(t, 1, rec.Pending())
	assert.Equal(t, 0, sink.count())
}

func TestRetryingRecorderDrainDelivers(t *testing.T) {
	sink := &flakySink{broken: true}
	clk := clock.NewFake(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	rec := memory.NewRetryingRecorder(sink, clk, time.Minute, 8, zerolog.Nop())

	for i := 0; i < 3; i++ {
		clk.Advance(time.Second)
		require.NoError(t, rec.Record(events.New(&events.CreatedData{StrategyID: "s-1"}, clk.Now())))
	}
	require.Equal(t, 3, rec.Pending())

	// Still broken: drain keeps everything buffered.
	rec.Drain()
	assert.Equal(t, 3, rec.Pending())
	assert.Equal(t, 0, sink.count())

	sink.setBroken(false)
	rec.Drain()
	assert.Equal(t, 0, rec.Pending())
	assert.Equal(t, 3, sink.count())
}

func TestRetryingRecorderBoundedQueue(t *testing.T) {
	sink := &flakySink{broken: true}
	clk := clock.NewFake(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	rec := memory.NewRetryingRecorder(sink, clk, time.Minute, 2, zerolog.Nop())

	for i := 0; i < 5; i++ {
		clk.Advance(time.Second)
		require.NoError(t, rec.Record(events.New(&events.CreatedData{StrategyID: "s-1"}, clk.Now())))
	}
	assert.Equal(t, 2, rec.Pending(), "oldest events are dropped past the cap")
}

func TestRetryingRecorderStopDrains(t *testing.T) {
	sink := &flakySink{broken: true}
	clk := clock.NewFake(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	rec := memory.NewRetryingRecorder(sink, clk, time.Minute, 8, zerolog.Nop())
	rec.Start()

	clk.Advance(time.Second)
	require.NoError(t, rec.Record(events.New(&events.CreatedData{StrategyID: "s-1"}, clk.Now())))

	sink.setBroken(false)
	rec.Stop()
	assert.Equal(t, 0, rec.Pending())
	assert.Equal(t, 1, sink.count())
}
