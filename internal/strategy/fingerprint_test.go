package strategy_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evoquant/evoquant/internal/domain"
	"github.com/evoquant/evoquant/internal/strategy"
	testutil "github.com/evoquant/evoquant/internal/testing"
)

func TestFingerprintIgnoresIdentity(t *testing.T) {
	a := testutil.NewStrategy(domain.StatusExperiment)
	b := testutil.NewStrategy(domain.StatusCandidate)
	b.Name = "something-else"
	b.OwnerID = "owner-2"

	fpA, err := strategy.Fingerprint(a)
	require.NoError(t, err)
	fpB, err := strategy.Fingerprint(b)
	require.NoError(t, err)

	assert.Equal(t, fpA, fpB, "name, owner and status must not affect the fingerprint")
	assert.Len(t, fpA, 64)
}

func TestFingerprintSensitiveToStructure(t *testing.T) {
	base := testutil.NewStrategy(domain.StatusExperiment)
	fpBase, err := strategy.Fingerprint(base)
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*domain.Strategy)
	}{
		{"parameter value", func(s *domain.Strategy) { s.Parameters["fast_period"] = 12 }},
		{"extra parameter", func(s *domain.Strategy) { s.Parameters["extra"] = 1 }},
		{"symbol", func(s *domain.Strategy) { s.Ruleset.DefaultSymbol = "MSFT" }},
		{"timeframe", func(s *domain.Strategy) { s.Ruleset.DefaultTimeframe = "1h" }},
		{"stop loss", func(s *domain.Strategy) { s.Ruleset.Exit.StopLossPct = 0.07 }},
		{"indicator period", func(s *domain.Strategy) {
			s.Ruleset.Entry[0].(*domain.Crosses).Fast.Period = 12
		}},
		{"cross direction", func(s *domain.Strategy) {
			s.Ruleset.Entry[0].(*domain.Crosses).Direction = domain.CrossBelow
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testutil.NewStrategy(domain.StatusExperiment)
			tt.mutate(s)
			fp, err := strategy.Fingerprint(s)
			require.NoError(t, err)
			assert.NotEqual(t, fpBase, fp)
		})
	}
}

func TestFingerprintParamOrderStable(t *testing.T) {
	a := testutil.NewStrategy(domain.StatusExperiment)
	a.Parameters = map[string]float64{"alpha": 1, "beta": 2, "gamma": 3}

	b := testutil.NewStrategy(domain.StatusExperiment)
	b.Parameters = map[string]float64{"gamma": 3, "alpha": 1, "beta": 2}

	fpA, err := strategy.Fingerprint(a)
	require.NoError(t, err)
	fpB, err := strategy.Fingerprint(b)
	require.NoError(t, err)
	assert.Equal(t, fpA, fpB)
}

func TestFingerprintResolvesPeriodParams(t *testing.T) {
	// A literal period and a parameter resolving to the same period are the
	// same strategy in canonical form.
	literal := testutil.NewStrategy(domain.StatusExperiment)

	viaParam := testutil.NewStrategy(domain.StatusExperiment)
	cross := viaParam.Ruleset.Entry[0].(*domain.Crosses)
	cross.Fast = domain.IndicatorRef{Name: domain.IndicatorSMA, PeriodParam: "fast_period"}

	fpLit, err := strategy.Fingerprint(literal)
	require.NoError(t, err)
	fpParam, err := strategy.Fingerprint(viaParam)
	require.NoError(t, err)
	assert.Equal(t, fpLit, fpParam)
}
