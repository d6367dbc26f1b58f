// Package marketdata implements the market data gateway: a single front
// door for price, candle, sentiment and volatility reads that layers
// caching, request coalescing, per-provider rate budgets, circuit breaking
// and ordered provider fallback over pluggable upstream adapters.
package marketdata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/evoquant/evoquant/internal/domain"
)

// Provider is one upstream market data source. Adapters translate upstream
// failures into ProviderError so the gateway can classify them.
type Provider interface {
	Key() string
	GetPrice(ctx context.Context, symbol string) (domain.PriceSnapshot, error)
	GetCandles(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]domain.Candle, error)
}

// SentimentProvider is implemented by providers that can serve sentiment.
// Providers without it are skipped; a request no provider supports fails
// with domain.ErrUnsupported.
type SentimentProvider interface {
	GetSentiment(ctx context.Context, symbol string) (domain.SentimentRecord, error)
}

// VolatilityProvider is implemented by providers that can serve a
// volatility estimate for a symbol.
type VolatilityProvider interface {
	GetVolatility(ctx context.Context, symbol string) (float64, error)
}

// ProviderError carries the upstream HTTP status so the gateway can decide
// whether to fall back to the next provider.
type ProviderError struct {
	Provider string
	Status   int
	Err      error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: upstream status %d: %v", e.Provider, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

// Unwrap exposes the underlying error.
func (e *ProviderError) Unwrap() error { return e.Err }

// fallbackWorthy reports whether the failure should trigger fallback to
// the next provider. Auth failures, missing symbols, throttling, server
// errors and transport errors all qualify; anything else is terminal.
func fallbackWorthy(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		switch {
		case pe.Status == 401, pe.Status == 403, pe.Status == 404, pe.Status == 429:
			return true
		case pe.Status >= 500:
			return true
		case pe.Status == 0:
			// Transport-level failure, no HTTP status.
			return true
		}
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return errors.Is(err, domain.ErrUnavailable) || errors.Is(err, domain.ErrRateLimited)
}
