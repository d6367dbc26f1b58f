package marketdata

import (
	"context"
	"errors"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/evoquant/evoquant/internal/clock"
	"github.com/evoquant/evoquant/internal/config"
	"github.com/evoquant/evoquant/internal/domain"
)

// Gateway is the single entry point for market data. Every read passes the
// same chain: TTL cache, coalescing of identical in-flight requests, the
// per-provider admission queue and rolling rate budget, the provider
// circuit breaker, then ordered fallback across the remaining providers.
type Gateway struct {
	cfg       config.MarketDataConfig
	providers []Provider
	cache     *gocache.Cache
	budgets   map[string]*RateBudget
	breakers  map[string]*gobreaker.CircuitBreaker
	backoffs  map[string]*backoff
	coalesce  *coalescer
	queues    map[string]chan struct{}
	clock     clock.Clock
	metrics   *Metrics
	log       zerolog.Logger
}

// NewGateway composes the gateway over an ordered provider chain. The
// first provider is preferred; later ones serve as fallbacks.
func NewGateway(cfg config.MarketDataConfig, providers []Provider, clk clock.Clock, metrics *Metrics, log zerolog.Logger) *Gateway {
	g := &Gateway{
		cfg:       cfg,
		providers: providers,
		cache:     gocache.New(cfg.CacheTTLPrice, 2*time.Minute),
		budgets:   make(map[string]*RateBudget, len(providers)),
		breakers:  make(map[string]*gobreaker.CircuitBreaker, len(providers)),
		backoffs:  make(map[string]*backoff, len(providers)),
		coalesce:  newCoalescer(),
		queues:    make(map[string]chan struct{}, len(providers)),
		clock:     clk,
		metrics:   metrics,
		log:       log.With().Str("component", "marketdata_gateway").Logger(),
	}

	for _, p := range providers {
		key := p.Key()
		g.budgets[key] = NewRateBudget(cfg.RateFor(key), cfg.RateWindow, clk)
		g.backoffs[key] = newBackoff(cfg.BackoffBase, cfg.MaxBackoff)
		g.queues[key] = make(chan struct{}, maxInt(cfg.QueueDepthMax, 1))
		g.breakers[key] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "marketdata:" + key,
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				g.log.Warn().Str("breaker", name).
					Str("from", from.String()).Str("to", to.String()).
					Msg("Circuit breaker state change")
			},
		})
	}
	return g
}

// Price returns the latest price for a symbol.
func (g *Gateway) Price(ctx context.Context, symbol string) (domain.PriceSnapshot, error) {
	key := "price|" + symbol
	val, err := g.fetch(ctx, key, g.cfg.CacheTTLPrice, nil, func(ctx context.Context, p Provider) (interface{}, error) {
		return p.GetPrice(ctx, symbol)
	})
	if err != nil {
		return domain.PriceSnapshot{}, err
	}
	return val.(domain.PriceSnapshot), nil
}

// Candles returns OHLCV bars for a symbol over a window.
func (g *Gateway) Candles(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]domain.Candle, error) {
	key := fmt.Sprintf("candles|%s|%s|%d|%d", symbol, timeframe, start.Unix(), end.Unix())
	val, err := g.fetch(ctx, key, g.cfg.CacheTTLCandles, nil, func(ctx context.Context, p Provider) (interface{}, error) {
		return p.GetCandles(ctx, symbol, timeframe, start, end)
	})
	if err != nil {
		return nil, err
	}
	return val.([]domain.Candle), nil
}

// Sentiment returns the sentiment score for a symbol. Providers that do
// not serve sentiment are skipped; with no capable provider the request
// fails with domain.ErrUnsupported.
func (g *Gateway) Sentiment(ctx context.Context, symbol string) (domain.SentimentRecord, error) {
	key := "sentiment|" + symbol
	supports := func(p Provider) bool { _, ok := p.(SentimentProvider); return ok }
	val, err := g.fetch(ctx, key, g.cfg.CacheTTLSentiment, supports, func(ctx context.Context, p Provider) (interface{}, error) {
		return p.(SentimentProvider).GetSentiment(ctx, symbol)
	})
	if err != nil {
		return domain.SentimentRecord{}, err
	}
	return val.(domain.SentimentRecord), nil
}

// Volatility returns a volatility estimate for a symbol.
func (g *Gateway) Volatility(ctx context.Context, symbol string) (float64, error) {
	key := "volatility|" + symbol
	supports := func(p Provider) bool { _, ok := p.(VolatilityProvider); return ok }
	val, err := g.fetch(ctx, key, g.cfg.CacheTTLSentiment, supports, func(ctx context.Context, p Provider) (interface{}, error) {
		return p.(VolatilityProvider).GetVolatility(ctx, symbol)
	})
	if err != nil {
		return 0, err
	}
	return val.(float64), nil
}

type fetchFn func(ctx context.Context, p Provider) (interface{}, error)

// fetch runs the full gateway chain for one cache key.
func (g *Gateway) fetch(ctx context.Context, key string, ttl time.Duration, supports func(Provider) bool, fn fetchFn) (interface{}, error) {
	if cached, ok := g.cache.Get(key); ok {
		g.metrics.cacheHit()
		return cached, nil
	}

	val, err, shared := g.coalesce.do(key, func() (interface{}, error) {
		return g.fetchUpstream(ctx, key, ttl, supports, fn)
	})
	if shared {
		g.metrics.coalescedHit()
	}
	return val, err
}

func (g *Gateway) fetchUpstream(ctx context.Context, key string, ttl time.Duration, supports func(Provider) bool, fn fetchFn) (interface{}, error) {
	var lastErr error
	supported := false

	for _, p := range g.providers {
		pkey := p.Key()
		if supports != nil && !supports(p) {
			continue
		}
		supported = true

		if !g.backoffs[pkey].ready(g.clock.Now()) {
			g.metrics.request(pkey, "backoff")
			continue
		}

		// Admission control: a provider whose pending queue is full sheds
		// load to the next one rather than pile latency on every caller.
		select {
		case g.queues[pkey] <- struct{}{}:
		default:
			g.metrics.rateLimitedHit()
			lastErr = fmt.Errorf("%s queue full: %w", pkey, domain.ErrRateLimited)
			continue
		}
		release := func() { <-g.queues[pkey] }

		if err := g.budgets[pkey].Acquire(ctx); err != nil {
			release()
			g.metrics.rateLimitedHit()
			lastErr = fmt.Errorf("%s: %w", pkey, err)
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, lastErr
			}
			continue
		}

		val, err := g.breakers[pkey].Execute(func() (interface{}, error) {
			callCtx, cancel := context.WithTimeout(ctx, g.cfg.RequestTimeout)
			defer cancel()
			return fn(callCtx, p)
		})
		release()
		if err == nil {
			g.backoffs[pkey].success()
			g.metrics.request(pkey, "ok")
			g.cache.Set(key, val, ttl)
			return val, nil
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			g.metrics.breakerOpenHit(pkey)
			lastErr = fmt.Errorf("%s: %w", pkey, domain.ErrUnavailable)
			continue
		}

		g.backoffs[pkey].failure(g.clock.Now())
		g.metrics.request(pkey, "error")
		lastErr = err

		if !fallbackWorthy(err) {
			return nil, err
		}
		g.metrics.fallback()
		g.log.Warn().Err(err).Str("provider", pkey).Str("key", key).Msg("Provider failed, trying next")
	}

	if !supported {
		return nil, domain.ErrUnsupported
	}
	if lastErr == nil {
		lastErr = errors.New("no provider available")
	}
	return nil, fmt.Errorf("all providers failed for %s: %w: %w", key, domain.ErrUnavailable, lastErr)
}

// PrimaryBudget returns the per-window request budget of the preferred
// provider. Batch planners size their work against it.
func (g *Gateway) PrimaryBudget() int {
	if len(g.providers) == 0 {
		return 0
	}
	return g.cfg.RateFor(g.providers[0].Key())
}

// InvalidateSymbol drops every cached entry for a symbol. Used by tests
// and by operational tooling after provider incidents.
func (g *Gateway) InvalidateSymbol(symbol string) {
	for key := range g.cache.Items() {
		if containsSymbol(key, symbol) {
			g.cache.Delete(key)
		}
	}
}

func containsSymbol(key, symbol string) bool {
	for i := 0; i+len(symbol) <= len(key); i++ {
		if key[i:i+len(symbol)] == symbol {
			return true
		}
	}
	return false
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
