package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/evoquant/evoquant/internal/domain"
	"github.com/evoquant/evoquant/internal/marketdata"
)

// Yahoo adapts the Yahoo Finance chart API. No API key required, which
// makes it the usual fallback provider. It also derives a volatility
// estimate from recent daily closes.
type Yahoo struct {
	baseURL string
	client  *http.Client
	log     zerolog.Logger
}

// NewYahoo creates the adapter.
func NewYahoo(client *http.Client, log zerolog.Logger) *Yahoo {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Yahoo{
		baseURL: "https://query1.finance.yahoo.com/v8/finance/chart",
		client:  client,
		log:     log.With().Str("provider", "yahoo").Logger(),
	}
}

// Key identifies the provider for budgets, breakers and metrics.
func (y *Yahoo) Key() string { return "yahoo" }

var yahooIntervals = map[string]string{
	"15m": "15m",
	"1h":  "60m",
	"4h":  "60m", // resampled client-side
	"1d":  "1d",
	"1w":  "1wk",
}

type chartResponse struct {
	Chart struct {
		Result []struct {
			Meta struct {
				RegularMarketPrice float64 `json:"regularMarketPrice"`
			} `json:"meta"`
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Open   []float64 `json:"open"`
					High   []float64 `json:"high"`
					Low    []float64 `json:"low"`
					Close  []float64 `json:"close"`
					Volume []float64 `json:"volume"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// GetPrice fetches the regular market price from chart metadata.
func (y *Yahoo) GetPrice(ctx context.Context, symbol string) (domain.PriceSnapshot, error) {
	body, err := y.chart(ctx, symbol, "1d", time.Now().AddDate(0, 0, -5), time.Now())
	if err != nil {
		return domain.PriceSnapshot{}, err
	}
	price := body.Chart.Result[0].Meta.RegularMarketPrice
	if price <= 0 {
		return domain.PriceSnapshot{}, &marketdata.ProviderError{
			Provider: y.Key(), Status: 404, Err: fmt.Errorf("no price for %s", symbol),
		}
	}
	return domain.PriceSnapshot{Symbol: symbol, Price: price, At: time.Now().UTC()}, nil
}

// GetCandles fetches OHLCV bars. The 4h timeframe is resampled from
// hourly bars because the API does not serve it natively.
func (y *Yahoo) GetCandles(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]domain.Candle, error) {
	if _, ok := yahooIntervals[timeframe]; !ok {
		return nil, &marketdata.ProviderError{
			Provider: y.Key(), Status: 404,
			Err: fmt.Errorf("timeframe %s not served: %w", timeframe, domain.ErrUnsupported),
		}
	}

	body, err := y.chart(ctx, symbol, timeframe, start, end)
	if err != nil {
		return nil, err
	}

	result := body.Chart.Result[0]
	if len(result.Indicators.Quote) == 0 {
		return nil, &marketdata.ProviderError{
			Provider: y.Key(), Status: 404, Err: fmt.Errorf("no quote data for %s", symbol),
		}
	}
	quote := result.Indicators.Quote[0]

	candles := make([]domain.Candle, 0, len(result.Timestamp))
	for i, ts := range result.Timestamp {
		if i >= len(quote.Close) || quote.Close[i] == 0 {
			continue
		}
		candles = append(candles, domain.Candle{
			Time:   time.Unix(ts, 0).UTC(),
			Open:   quote.Open[i],
			High:   quote.High[i],
			Low:    quote.Low[i],
			Close:  quote.Close[i],
			Volume: quote.Volume[i],
		})
	}

	if timeframe == "4h" {
		candles = resample(candles, 4)
	}
	return candles, nil
}

// GetVolatility estimates annualized volatility from 30 days of daily
// closes.
func (y *Yahoo) GetVolatility(ctx context.Context, symbol string) (float64, error) {
	end := time.Now()
	candles, err := y.GetCandles(ctx, symbol, "1d", end.AddDate(0, 0, -45), end)
	if err != nil {
		return 0, err
	}
	if len(candles) < 2 {
		return 0, &marketdata.ProviderError{
			Provider: y.Key(), Status: 404, Err: fmt.Errorf("not enough history for %s", symbol),
		}
	}

	returns := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		if candles[i-1].Close > 0 {
			returns = append(returns, math.Log(candles[i].Close/candles[i-1].Close))
		}
	}

	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	ss := 0.0
	for _, r := range returns {
		ss += (r - mean) * (r - mean)
	}
	daily := math.Sqrt(ss / float64(len(returns)-1))
	return daily * math.Sqrt(252), nil
}

func (y *Yahoo) chart(ctx context.Context, symbol, timeframe string, start, end time.Time) (*chartResponse, error) {
	params := url.Values{
		"interval": {yahooIntervals[timeframe]},
		"period1":  {strconv.FormatInt(start.Unix(), 10)},
		"period2":  {strconv.FormatInt(end.Unix(), 10)},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		y.baseURL+"/"+url.PathEscape(symbol)+"?"+params.Encode(), nil)
	if err != nil {
		return nil, &marketdata.ProviderError{Provider: y.Key(), Err: err}
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; evoquant/1.0)")

	resp, err := y.client.Do(req)
	if err != nil {
		return nil, &marketdata.ProviderError{Provider: y.Key(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &marketdata.ProviderError{
			Provider: y.Key(), Status: resp.StatusCode, Err: fmt.Errorf("unexpected status"),
		}
	}

	var body chartResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, &marketdata.ProviderError{Provider: y.Key(), Err: fmt.Errorf("decode response: %w", err)}
	}
	if body.Chart.Error != nil {
		return nil, &marketdata.ProviderError{
			Provider: y.Key(), Status: 404,
			Err: fmt.Errorf("%s: %s", body.Chart.Error.Code, body.Chart.Error.Description),
		}
	}
	if len(body.Chart.Result) == 0 {
		return nil, &marketdata.ProviderError{
			Provider: y.Key(), Status: 404, Err: fmt.Errorf("empty chart for %s", symbol),
		}
	}
	return &body, nil
}

// resample merges consecutive bars n at a time.
func resample(candles []domain.Candle, n int) []domain.Candle {
	if n <= 1 || len(candles) == 0 {
		return candles
	}
	out := make([]domain.Candle, 0, len(candles)/n+1)
	for i := 0; i < len(candles); i += n {
		j := i + n
		if j > len(candles) {
			j = len(candles)
		}
		group := candles[i:j]
		merged := domain.Candle{
			Time: group[0].Time,
			Open: group[0].Open,
			High: group[0].High,
			Low:  group[0].Low,
		}
		for _, c := range group {
			if c.High > merged.High {
				merged.High = c.High
			}
			if c.Low < merged.Low {
				merged.Low = c.Low
			}
			merged.Volume += c.Volume
		}
		merged.Close = group[len(group)-1].Close
		out = append(out, merged)
	}
	return out
}
