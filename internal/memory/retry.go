package memory

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/evoquant/evoquant/internal/clock"
	"github.com/evoquant/evoquant/internal/events"
)

// RetryingRecorder wraps a Recorder so that sink outages never block the
// caller. Failed events are buffered and re-recorded in the background;
// idempotent recording makes the retries safe.
type RetryingRecorder struct {
	inner Recorder
	clock clock.Clock
	log   zerolog.Logger

	interval time.Duration
	maxQueue int

	mu      sync.Mutex
	pending []events.Event
	running bool
	stop    chan struct{}
	stopped chan struct{}
}

// NewRetryingRecorder creates a retrying wrapper. interval is how often
// the drain loop retries buffered events.
func NewRetryingRecorder(inner Recorder, clk clock.Clock, interval time.Duration, maxQueue int, log zerolog.Logger) *RetryingRecorder {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if maxQueue <= 0 {
		maxQueue = 1024
	}
	return &RetryingRecorder{
		inner:    inner,
		clock:    clk,
		log:      log.With().Str("component", "memory_retry").Logger(),
		interval: interval,
		maxQueue: maxQueue,
	}
}

// Record attempts the write immediately and buffers the event on failure.
// It always returns nil so that lifecycle work never stalls on the sink.
func (r *RetryingRecorder) Record(e events.Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = r.clock.Now()
	}
	if err := r.inner.Record(e); err != nil {
		r.log.Warn().Err(err).Str("type", string(e.Type)).Msg("Event record failed, buffering for retry")
		r.buffer(e)
	}
	return nil
}

func (r *RetryingRecorder) buffer(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pending) >= r.maxQueue {
		// Drop the oldest rather than grow without bound.
		r.pending = r.pending[1:]
		r.log.Warn().Msg("Retry queue full, dropping oldest event")
	}
	r.pending = append(r.pending, e)
}

// Pending reports how many events await retry.
func (r *RetryingRecorder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Start launches the background drain loop.
func (r *RetryingRecorder) Start() {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.stop = make(chan struct{})
	r.stopped = make(chan struct{})
	r.mu.Unlock()

	go r.loop()
	r.log.Info().Dur("interval", r.interval).Msg("Memory retry drain started")
}

// Stop halts the drain loop after attempting one final drain.
func (r *RetryingRecorder) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stop)
	stopped := r.stopped
	r.mu.Unlock()

	<-stopped
	r.Drain()
	r.log.Info().Msg("Memory retry drain stopped")
}

func (r *RetryingRecorder) loop() {
	defer close(r.stopped)
	tick, cancel := r.clock.Ticker(r.interval)
	defer cancel()

	for {
		select {
		case <-r.stop:
			return
		case <-tick:
			r.Drain()
		}
	}
}

// Drain retries every buffered event once; events that fail again stay
// buffered in order.
func (r *RetryingRecorder) Drain() {
	r.mu.Lock()
	batch := r.pending
	r.pending = nil
	r.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	var failed []events.Event
	for _, e := range batch {
		if err := r.inner.Record(e); err != nil {
			failed = append(failed, e)
		}
	}

	if len(failed) > 0 {
		r.mu.Lock()
		r.pending = append(failed, r.pending...)
		r.mu.Unlock()
	}
	r.log.Debug().Int("retried", len(batch)).Int("failed", len(failed)).Msg("Retry drain pass complete")
}
