package backtest

import (
	"fmt"

	"github.com/evoquant/evoquant/internal/domain"
)

// EntrySignal evaluates the entry rules on the freshest bar of the candle
// slice. The signal gateway uses it to compose live signals without
// running a full simulation.
func EntrySignal(rs *domain.Ruleset, params map[string]float64, candles []domain.Candle) (bool, error) {
	if err := rs.Validate(); err != nil {
		return false, err
	}
	ser, err := computeSeries(rs, params, candles)
	if err != nil {
		return false, err
	}
	last := len(candles) - 1
	if last < ser.maxWarmup()+1 {
		return false, fmt.Errorf("have %d candles, need %d for warmup: %w",
			len(candles), ser.maxWarmup()+2, domain.ErrInsufficientData)
	}
	return evalEntry(rs, params, ser, candles, last), nil
}

// evalEntry reports whether every top-level entry rule fires on bar i.
func evalEntry(rs *domain.Ruleset, params map[string]float64, ser *series, candles []domain.Candle, i int) bool {
	for _, r := range rs.Entry {
		if !evalRule(r, params, ser, candles, i) {
			return false
		}
	}
	return true
}

func evalRule(r domain.Rule, params map[string]float64, ser *series, candles []domain.Candle, i int) bool {
	switch v := r.(type) {
	case *domain.AndAll:
		for _, c := range v.Rules {
			if !evalRule(c, params, ser, candles, i) {
				return false
			}
		}
		return true

	case *domain.OrAny:
		for _, c := range v.Rules {
			if evalRule(c, params, ser, candles, i) {
				return true
			}
		}
		return false

	case *domain.Crosses:
		if i == 0 {
			return false
		}
		fastKey := seriesKey(v.Fast, params)
		slowKey := seriesKey(v.Slow, params)
		fPrev, ok1 := ser.at(fastKey, i-1)
		sPrev, ok2 := ser.at(slowKey, i-1)
		fCur, ok3 := ser.at(fastKey, i)
		sCur, ok4 := ser.at(slowKey, i)
		if !ok1 || !ok2 || !ok3 || !ok4 {
			return false
		}
		if v.Direction == domain.CrossAbove {
			return fPrev <= sPrev && fCur > sCur
		}
		return fPrev >= sPrev && fCur < sCur

	case *domain.Threshold:
		val, ok := ser.at(seriesKey(v.Indicator, params), i)
		if !ok {
			return false
		}
		target := v.ResolveValue(params)
		switch v.Op {
		case domain.OpGT:
			return val > target
		case domain.OpGE:
			return val >= target
		case domain.OpLT:
			return val < target
		case domain.OpLE:
			return val <= target
		}
		return false

	case *domain.TimeRange:
		h := candles[i].Time.UTC().Hour()
		return h >= v.StartHour && h < v.EndHour
	}
	return false
}
