package domain

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecordJSONRoundTrip(t *testing.T) {
	in := MetricsRecord{
		TotalTrades:  42,
		WinRate:      0.71,
		Sharpe:       1.3,
		Sortino:      1.9,
		ProfitFactor: 1.6,
		MaxDrawdown:  0.18,
	}

	b, err := json.Marshal(in)
	require.NoError(t, err)

	var out MetricsRecord
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, in, out)
}

func TestMetricsRecordEncodesInfinities(t *testing.T) {
	// A run with no losing trades carries an infinite profit factor and
	// sortino; the record must still encode.
	in := MetricsRecord{
		TotalTrades:  10,
		WinRate:      1.0,
		Sortino:      math.Inf(1),
		ProfitFactor: math.Inf(1),
	}

	b, err := json.Marshal(in)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"profit_factor":"+Inf"`)

	var out MetricsRecord
	require.NoError(t, json.Unmarshal(b, &out))
	assert.True(t, math.IsInf(out.ProfitFactor, 1))
	assert.True(t, math.IsInf(out.Sortino, 1))
	assert.Equal(t, 10, out.TotalTrades)
}

func TestMetricsRecordEncodesNegativeInfAndNaN(t *testing.T) {
	in := MetricsRecord{Sharpe: math.NaN(), Sortino: math.Inf(-1)}

	b, err := json.Marshal(in)
	require.NoError(t, err)

	var out MetricsRecord
	require.NoError(t, json.Unmarshal(b, &out))
	assert.True(t, math.IsNaN(out.Sharpe))
	assert.True(t, math.IsInf(out.Sortino, -1))
}

func TestMetricsRecordRejectsUnknownSentinel(t *testing.T) {
	var out MetricsRecord
	err := json.Unmarshal([]byte(`{"profit_factor":"huge"}`), &out)
	assert.Error(t, err)
}
