package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evoquant/evoquant/internal/clock"
	"github.com/evoquant/evoquant/internal/database"
	"github.com/evoquant/evoquant/internal/domain"
	"github.com/evoquant/evoquant/internal/events"
	"github.com/evoquant/evoquant/internal/royalty"
	"github.com/evoquant/evoquant/internal/signal"
	"github.com/evoquant/evoquant/internal/strategy"
	testutil "github.com/evoquant/evoquant/internal/testing"
)

type serverFixture struct {
	server  *Server
	repo    *strategy.Repository
	lineage *strategy.LineageIndex
	history *strategy.BacktestLog
	market  *testutil.MockMarketData
	sink    *testutil.MockSink
	clock   *clock.Fake
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()

	strategiesDB, cleanupStrategies := testutil.NewTestDB(t, "strategies")
	t.Cleanup(cleanupStrategies)
	ledgerDB, cleanupLedger := testutil.NewTestDB(t, "ledger")
	t.Cleanup(cleanupLedger)

	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	log := zerolog.Nop()

	repo := strategy.NewRepository(strategiesDB.Conn(), clk, log)
	lineage := strategy.NewLineageIndex(strategiesDB.Conn(), clk, log)
	history := strategy.NewBacktestLog(ledgerDB.Conn(), clk, log)
	market := testutil.NewMockMarketData()
	sink := testutil.NewMockSink()

	srv := New(Config{
		Port:     0,
		Log:      log,
		Repo:     repo,
		Lineage:  lineage,
		History:  history,
		Signals:  signal.NewGateway(repo, market, sink, clk, log),
		Royalty:  royalty.NewEmitter(ledgerDB.Conn(), repo, sink, clk, log),
		Recorder: sink,
		Clock:    clk,
		Registry: prometheus.NewRegistry(),

		Databases: []*database.DB{strategiesDB, ledgerDB},
	})

	return &serverFixture{
		server:  srv,
		repo:    repo,
		lineage: lineage,
		history: history,
		market:  market,
		sink:    sink,
		clock:   clk,
	}
}

func (f *serverFixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeInto(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestUploadCreatesPendingStrategy(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodPost, "/api/strategies", uploadRequest{
		OwnerID:    "owner-1",
		Name:       "golden-cross",
		Parameters: map[string]float64{"fast_period": 10},
		Ruleset:    testutil.SampleRuleset(),
		AssetType:  domain.AssetEquity,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created domain.Strategy
	decodeInto(t, rec, &created)
	assert.Equal(t, domain.StatusPendingReview, created.Status)
	assert.NotEmpty(t, created.ID)

	stored, err := f.repo.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, "owner-1", stored.OwnerID)

	recorded := f.sink.EventsOfType(events.StrategyCreated)
	require.Len(t, recorded, 1)
}

func TestUploadValidation(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodPost, "/api/strategies", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "empty body is invalid JSON")

	rec = f.do(t, http.MethodPost, "/api/strategies", uploadRequest{
		Name:    "orphan",
		Ruleset: testutil.SampleRuleset(),
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "owner_id is required")

	broken := testutil.SampleRuleset()
	broken.Entry = nil
	rec = f.do(t, http.MethodPost, "/api/strategies", uploadRequest{
		OwnerID: "owner-1",
		Name:    "no-entry",
		Ruleset: broken,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestGetStrategy(t *testing.T) {
	f := newServerFixture(t)
	s := testutil.NewStrategy(domain.StatusExperiment)
	require.NoError(t, f.repo.Create(s))

	rec := f.do(t, http.MethodGet, "/api/strategies/"+s.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got domain.Strategy
	decodeInto(t, rec, &got)
	assert.Equal(t, s.ID, got.ID)
	assert.Equal(t, s.Name, got.Name)

	rec = f.do(t, http.MethodGet, "/api/strategies/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLineageEndpoint(t *testing.T) {
	f := newServerFixture(t)

	require.NoError(t, f.lineage.AddEdge(domain.LineageEdge{
		ParentID:     "parent-1",
		ChildID:      "child-1",
		MutationType: domain.MutationParamTweak,
		Similarity:   0.95,
	}))

	rec := f.do(t, http.MethodGet, "/api/strategies/child-1/lineage", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got struct {
		StrategyID string               `json:"strategy_id"`
		Generation int                  `json:"generation"`
		Parents    []domain.LineageEdge `json:"parents"`
		Children   []domain.LineageEdge `json:"children"`
	}
	decodeInto(t, rec, &got)
	assert.Equal(t, "child-1", got.StrategyID)
	assert.Equal(t, 1, got.Generation)
	require.Len(t, got.Parents, 1)
	assert.Equal(t, "parent-1", got.Parents[0].ParentID)
	assert.Empty(t, got.Children)
}

func TestBacktestsEndpoint(t *testing.T) {
	f := newServerFixture(t)

	for i := 0; i < 2; i++ {
		require.NoError(t, f.history.Append(strategy.BacktestEntry{
			StrategyID:   "s-1",
			Symbol:       "AAPL",
			Timeframe:    "1d",
			WindowStart:  f.clock.Now().Add(-30 * 24 * time.Hour),
			WindowEnd:    f.clock.Now(),
			Metrics:      testutil.HealthyMetrics(),
			Score:        0.7 + float64(i)/10,
			StatusBefore: domain.StatusExperiment,
			StatusAfter:  domain.StatusCandidate,
		}))
		f.clock.Advance(time.Minute)
	}

	rec := f.do(t, http.MethodGet, "/api/strategies/s-1/backtests", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []strategy.BacktestEntry
	decodeInto(t, rec, &entries)
	assert.Len(t, entries, 2)

	rec = f.do(t, http.MethodGet, "/api/strategies/s-1/backtests?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeInto(t, rec, &entries)
	assert.Len(t, entries, 1)

	rec = f.do(t, http.MethodGet, "/api/strategies/s-1/backtests?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/strategies/unknown/backtests", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String(), "empty history is an array, not null")
}

func TestRoyaltiesEndpoint(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodGet, "/api/strategies/s-1/royalties", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var records []domain.RoyaltyRecord
	decodeInto(t, rec, &records)
	assert.Empty(t, records)
}

func proposableStrategy() *domain.Strategy {
	score := 0.8
	return &domain.Strategy{
		ID:      uuid.NewString(),
		OwnerID: "owner-1",
		Name:    "breakout",
		Ruleset: domain.Ruleset{
			DefaultSymbol:    "TEST",
			DefaultTimeframe: "1d",
			Entry: []domain.Rule{
				&domain.Threshold{
					Indicator: domain.IndicatorRef{Name: domain.IndicatorPrice},
					Op:        domain.OpGT,
					Value:     100,
				},
			},
			Exit:   domain.ExitPolicy{StopLossPct: 0.05, TakeProfitPct: 0.10},
			Sizing: domain.Sizing{RiskPerTrade: 0.02},
		},
		AssetType:   domain.AssetEquity,
		Status:      domain.StatusProposable,
		Score:       &score,
		LastMetrics: &domain.MetricsRecord{TotalTrades: 80, WinRate: 0.8},
	}
}

func signalCandles(n int, lastClose float64) []domain.Candle {
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	out := make([]domain.Candle, n)
	for i := range out {
		out[i] = domain.Candle{
			Time: start.Add(time.Duration(i) * 24 * time.Hour),
			Open: 90, High: 90.5, Low: 89.5, Close: 90, Volume: 1000,
		}
	}
	out[n-1].Close = lastClose
	if lastClose > out[n-1].High {
		out[n-1].High = lastClose + 0.5
	}
	return out
}

func TestSignalEndpoint(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodPost, fmt.Sprintf("/api/strategies/%s/signal", uuid.NewString()), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	candidate := testutil.NewStrategy(domain.StatusCandidate)
	require.NoError(t, f.repo.Create(candidate))
	rec = f.do(t, http.MethodPost, fmt.Sprintf("/api/strategies/%s/signal", candidate.ID), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	s := proposableStrategy()
	require.NoError(t, f.repo.Create(s))
	f.market.SetPrice("TEST", 105)
	f.market.SetCandles("TEST", signalCandles(20, 105))

	rec = f.do(t, http.MethodPost, fmt.Sprintf("/api/strategies/%s/signal", s.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var sig domain.Signal
	decodeInto(t, rec, &sig)
	assert.Equal(t, domain.SideBuy, sig.Side)
	assert.Equal(t, 105.0, sig.Entry)
	assert.Positive(t, sig.PositionSize)
}

func TestStatusEndpoint(t *testing.T) {
	f := newServerFixture(t)

	require.NoError(t, f.repo.Create(testutil.NewStrategy(domain.StatusExperiment)))
	candidate := testutil.NewStrategy(domain.StatusCandidate)
	candidate.Parameters["salt"] = 1 // distinct fingerprint
	require.NoError(t, f.repo.Create(candidate))

	rec := f.do(t, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got struct {
		Active    int                   `json:"active"`
		Statuses  map[domain.Status]int `json:"statuses"`
		Time      time.Time             `json:"time"`
		Databases map[string]string     `json:"databases"`
	}
	decodeInto(t, rec, &got)
	assert.Equal(t, 2, got.Active)
	assert.Equal(t, 1, got.Statuses[domain.StatusExperiment])
	assert.Equal(t, 1, got.Statuses[domain.StatusCandidate])
	assert.Equal(t, f.clock.Now().UTC(), got.Time.UTC())
	assert.Equal(t, "ok", got.Databases["strategies"])
	assert.Equal(t, "ok", got.Databases["ledger"])
}

func TestStatusEndpointFlagsUnhealthyDatabase(t *testing.T) {
	f := newServerFixture(t)

	// A closed connection fails the ping; the endpoint must degrade to 503.
	brokenDB, cleanup := testutil.NewTestDB(t, "cache")
	cleanup()

	srv := New(Config{
		Log:       zerolog.Nop(),
		Repo:      f.repo,
		Clock:     f.clock,
		Databases: []*database.DB{brokenDB},
	})

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var got struct {
		Databases map[string]string `json:"databases"`
	}
	decodeInto(t, rec, &got)
	assert.NotEqual(t, "ok", got.Databases["cache"])
}

func TestMetricsEndpoint(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
