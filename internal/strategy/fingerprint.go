// Package strategy provides the durable strategy store and lineage index.
package strategy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/evoquant/evoquant/internal/domain"
)

// canonicalRule is the normalized, order-stable form of a rule node used
// for fingerprinting. Child rules keep their authored order; parameters
// are resolved by sorted name at the ruleset level.
type canonicalRule struct {
	Kind      string          `msgpack:"k"`
	Children  []canonicalRule `msgpack:"c,omitempty"`
	Fast      string          `msgpack:"f,omitempty"`
	Slow      string          `msgpack:"s,omitempty"`
	Direction string          `msgpack:"d,omitempty"`
	Indicator string          `msgpack:"i,omitempty"`
	Op        string          `msgpack:"o,omitempty"`
	Value     float64         `msgpack:"v,omitempty"`
	ValueRef  string          `msgpack:"vr,omitempty"`
	StartHour int             `msgpack:"sh,omitempty"`
	EndHour   int             `msgpack:"eh,omitempty"`
}

type canonicalStrategy struct {
	Symbol     string          `msgpack:"sym"`
	Timeframe  string          `msgpack:"tf"`
	Entry      []canonicalRule `msgpack:"e"`
	Stop       float64         `msgpack:"st"`
	Target     float64         `msgpack:"tg"`
	Trailing   float64         `msgpack:"tr"`
	MaxHold    int             `msgpack:"mh"`
	ParamNames []string        `msgpack:"pn"`
	ParamVals  []float64       `msgpack:"pv"`
}

func canonicalIndicator(ref domain.IndicatorRef, params map[string]float64) string {
	return fmt.Sprintf("%s:%d", ref.Name, ref.ResolvePeriod(params))
}

func canonicalize(r domain.Rule, params map[string]float64) canonicalRule {
	switch v := r.(type) {
	case *domain.AndAll:
		node := canonicalRule{Kind: string(domain.KindAndAll)}
		for _, c := range v.Rules {
			node.Children = append(node.Children, canonicalize(c, params))
		}
		return node
	case *domain.OrAny:
		node := canonicalRule{Kind: string(domain.KindOrAny)}
		for _, c := range v.Rules {
			node.Children = append(node.Children, canonicalize(c, params))
		}
		return node
	case *domain.Crosses:
		return canonicalRule{
			Kind:      string(domain.KindCrosses),
			Fast:      canonicalIndicator(v.Fast, params),
			Slow:      canonicalIndicator(v.Slow, params),
			Direction: string(v.Direction),
		}
	case *domain.Threshold:
		return canonicalRule{
			Kind:      string(domain.KindThreshold),
			Indicator: canonicalIndicator(v.Indicator, params),
			Op:        string(v.Op),
			Value:     v.ResolveValue(params),
			ValueRef:  v.ValueParam,
		}
	case *domain.TimeRange:
		return canonicalRule{
			Kind:      string(domain.KindTimeRange),
			StartHour: v.StartHour,
			EndHour:   v.EndHour,
		}
	}
	return canonicalRule{Kind: "unknown"}
}

// Fingerprint computes the canonical hash of a strategy's ruleset and
// sorted parameters. Structurally identical strategies collide regardless
// of name, owner or authoring order of the parameter map.
func Fingerprint(s *domain.Strategy) (string, error) {
	names := domain.SortedParamNames(s.Parameters)
	vals := make([]float64, len(names))
	for i, n := range names {
		vals[i] = s.Parameters[n]
	}

	canon := canonicalStrategy{
		Symbol:     s.Ruleset.DefaultSymbol,
		Timeframe:  s.Ruleset.DefaultTimeframe,
		Stop:       s.Ruleset.Exit.StopLossPct,
		Target:     s.Ruleset.Exit.TakeProfitPct,
		Trailing:   s.Ruleset.Exit.TrailingPct,
		MaxHold:    s.Ruleset.Exit.MaxHoldBars,
		ParamNames: names,
		ParamVals:  vals,
	}
	for _, r := range s.Ruleset.Entry {
		canon.Entry = append(canon.Entry, canonicalize(r, s.Parameters))
	}

	encoded, err := msgpack.Marshal(canon)
	if err != nil {
		return "", fmt.Errorf("failed to encode canonical strategy: %w", err)
	}

	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:]), nil
}
