package marketdata

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes gateway counters. A nil Metrics is safe to use so tests
// can run without a registry.
type Metrics struct {
	requests    *prometheus.CounterVec
	cacheHits   prometheus.Counter
	coalesced   prometheus.Counter
	rateLimited prometheus.Counter
	fallbacks   prometheus.Counter
	breakerOpen *prometheus.CounterVec
}

// NewMetrics registers gateway counters on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "marketdata_requests_total",
			Help: "Upstream provider calls by provider and outcome.",
		}, []string{"provider", "outcome"}),
		cacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "marketdata_cache_hits_total",
			Help: "Requests served from the TTL cache.",
		}),
		coalesced: factory.NewCounter(prometheus.CounterOpts{
			Name: "marketdata_coalesced_total",
			Help: "Requests that shared an in-flight identical fetch.",
		}),
		rateLimited: factory.NewCounter(prometheus.CounterOpts{
			Name: "marketdata_rate_limited_total",
			Help: "Requests rejected because budgets or the queue were exhausted.",
		}),
		fallbacks: factory.NewCounter(prometheus.CounterOpts{
			Name: "marketdata_fallbacks_total",
			Help: "Provider failures that fell through to the next provider.",
		}),
		breakerOpen: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "marketdata_breaker_open_total",
			Help: "Calls skipped because the provider circuit was open.",
		}, []string{"provider"}),
	}
}

func (m *Metrics) request(provider, outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(provider, outcome).Inc()
}

func (m *Metrics) cacheHit() {
	if m == nil {
		return
	}
	m.cacheHits.Inc()
}

func (m *Metrics) coalescedHit() {
	if m == nil {
		return
	}
	m.coalesced.Inc()
}

func (m *Metrics) rateLimitedHit() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

func (m *Metrics) fallback() {
	if m == nil {
		return
	}
	m.fallbacks.Inc()
}

func (m *Metrics) breakerOpenHit(provider string) {
	if m == nil {
		return
	}
	m.breakerOpen.WithLabelValues(provider).Inc()
}
