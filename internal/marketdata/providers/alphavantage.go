// Package providers contains the upstream market data adapters consumed by
// the gateway. Each adapter translates one vendor API into the provider
// contract and maps upstream failures onto ProviderError.
package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/evoquant/evoquant/internal/domain"
	"github.com/evoquant/evoquant/internal/marketdata"
)

// AlphaVantage adapts the Alpha Vantage REST API. It serves prices,
// candles and news sentiment.
type AlphaVantage struct {
	apiKey  string
	baseURL string
	client  *http.Client
	log     zerolog.Logger
}

// NewAlphaVantage creates the adapter. A nil client falls back to a
// default with a sane timeout.
func NewAlphaVantage(apiKey string, client *http.Client, log zerolog.Logger) *AlphaVantage {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &AlphaVantage{
		apiKey:  apiKey,
		baseURL: "https://www.alphavantage.co/query",
		client:  client,
		log:     log.With().Str("provider", "alphavantage").Logger(),
	}
}

// Key identifies the provider for budgets, breakers and metrics.
func (a *AlphaVantage) Key() string { return "alphavantage" }

// GetPrice fetches the latest quote.
func (a *AlphaVantage) GetPrice(ctx context.Context, symbol string) (domain.PriceSnapshot, error) {
	params := url.Values{
		"function": {"GLOBAL_QUOTE"},
		"symbol":   {symbol},
		"apikey":   {a.apiKey},
	}

	var body struct {
		Quote struct {
			Price         string `json:"05. price"`
			LatestTrading string `json:"07. latest trading day"`
		} `json:"Global Quote"`
		Note string `json:"Note"`
	}
	if err := a.get(ctx, params, &body); err != nil {
		return domain.PriceSnapshot{}, err
	}
	if body.Note != "" {
		// Alpha Vantage reports throttling with HTTP 200 and a Note field.
		return domain.PriceSnapshot{}, &marketdata.ProviderError{
			Provider: a.Key(), Status: 429, Err: fmt.Errorf("throttled: %s", body.Note),
		}
	}

	price, err := strconv.ParseFloat(body.Quote.Price, 64)
	if err != nil {
		return domain.PriceSnapshot{}, &marketdata.ProviderError{
			Provider: a.Key(), Status: 404, Err: fmt.Errorf("no quote for %s", symbol),
		}
	}
	return domain.PriceSnapshot{Symbol: symbol, Price: price, At: time.Now().UTC()}, nil
}

// GetCandles fetches daily or intraday bars depending on the timeframe.
func (a *AlphaVantage) GetCandles(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]domain.Candle, error) {
	params := url.Values{
		"symbol":     {symbol},
		"apikey":     {a.apiKey},
		"outputsize": {"full"},
	}
	switch timeframe {
	case "1d":
		params.Set("function", "TIME_SERIES_DAILY")
	case "1w":
		params.Set("function", "TIME_SERIES_WEEKLY")
	case "15m", "1h":
		params.Set("function", "TIME_SERIES_INTRADAY")
		if timeframe == "1h" {
			params.Set("interval", "60min")
		} else {
			params.Set("interval", "15min")
		}
	default:
		return nil, &marketdata.ProviderError{
			Provider: a.Key(), Status: 404,
			Err: fmt.Errorf("timeframe %s not served: %w", timeframe, domain.ErrUnsupported),
		}
	}

	var raw map[string]json.RawMessage
	if err := a.get(ctx, params, &raw); err != nil {
		return nil, err
	}
	if note, ok := raw["Note"]; ok {
		return nil, &marketdata.ProviderError{
			Provider: a.Key(), Status: 429, Err: fmt.Errorf("throttled: %s", string(note)),
		}
	}

	series, err := findSeries(raw)
	if err != nil {
		return nil, &marketdata.ProviderError{Provider: a.Key(), Status: 404, Err: err}
	}

	candles := make([]domain.Candle, 0, len(series))
	for stamp, bar := range series {
		t, err := parseStamp(stamp)
		if err != nil {
			continue
		}
		if t.Before(start) || t.After(end) {
			continue
		}
		candles = append(candles, domain.Candle{
			Time:   t,
			Open:   atof(bar["1. open"]),
			High:   atof(bar["2. high"]),
			Low:    atof(bar["3. low"]),
			Close:  atof(bar["4. close"]),
			Volume: atof(bar["5. volume"]),
		})
	}
	sort.Slice(candles, func(i, j int) bool { return candles[i].Time.Before(candles[j].Time) })
	return candles, nil
}

// GetSentiment fetches the news sentiment feed and averages the relevance
// weighted scores into [-1, 1].
func (a *AlphaVantage) GetSentiment(ctx context.Context, symbol string) (domain.SentimentRecord, error) {
	params := url.Values{
		"function": {"NEWS_SENTIMENT"},
		"tickers":  {symbol},
		"apikey":   {a.apiKey},
		"limit":    {"50"},
	}

	var body struct {
		Feed []struct {
			TickerSentiment []struct {
				Ticker         string `json:"ticker"`
				RelevanceScore string `json:"relevance_score"`
				SentimentScore string `json:"ticker_sentiment_score"`
			} `json:"ticker_sentiment"`
		} `json:"feed"`
	}
	if err := a.get(ctx, params, &body); err != nil {
		return domain.SentimentRecord{}, err
	}

	var weighted, weight float64
	for _, item := range body.Feed {
		for _, ts := range item.TickerSentiment {
			if ts.Ticker != symbol {
				continue
			}
			rel, _ := strconv.ParseFloat(ts.RelevanceScore, 64)
			score, _ := strconv.ParseFloat(ts.SentimentScore, 64)
			weighted += rel * score
			weight += rel
		}
	}

	rec := domain.SentimentRecord{Symbol: symbol, At: time.Now().UTC()}
	if weight > 0 {
		rec.Score = weighted / weight
	}
	return rec, nil
}

func (a *AlphaVantage) get(ctx context.Context, params url.Values, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return &marketdata.ProviderError{Provider: a.Key(), Err: err}
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return &marketdata.ProviderError{Provider: a.Key(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &marketdata.ProviderError{
			Provider: a.Key(), Status: resp.StatusCode,
			Err: fmt.Errorf("unexpected status"),
		}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &marketdata.ProviderError{Provider: a.Key(), Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// findSeries locates the time series object among the response's metadata
// siblings. The key name varies by function, so match on the prefix.
func findSeries(raw map[string]json.RawMessage) (map[string]map[string]string, error) {
	for key, val := range raw {
		if len(key) >= 11 && key[:11] == "Time Series" || len(key) >= 6 && key[:6] == "Weekly" {
			var series map[string]map[string]string
			if err := json.Unmarshal(val, &series); err != nil {
				return nil, fmt.Errorf("malformed time series: %w", err)
			}
			return series, nil
		}
	}
	return nil, fmt.Errorf("no time series in response")
}

func parseStamp(s string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02 15:04:05", s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", s)
	return t.UTC(), err
}

func atof(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
