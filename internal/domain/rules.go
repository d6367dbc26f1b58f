package domain

import (
	"encoding/json"
	"fmt"
	"sort"
)

// IndicatorName identifies an indicator from the fixed registry. The
// backtest engine computes indicator series; rules only reference them.
type IndicatorName string

const (
	IndicatorPrice  IndicatorName = "PRICE"
	IndicatorVolume IndicatorName = "VOLUME"
	IndicatorSMA    IndicatorName = "SMA"
	IndicatorEMA    IndicatorName = "EMA"
	IndicatorRSI    IndicatorName = "RSI"
	IndicatorMACD   IndicatorName = "MACD"
	IndicatorATR    IndicatorName = "ATR"
)

// KnownIndicator reports whether n is part of the registry.
func KnownIndicator(n IndicatorName) bool {
	switch n {
	case IndicatorPrice, IndicatorVolume, IndicatorSMA, IndicatorEMA,
		IndicatorRSI, IndicatorMACD, IndicatorATR:
		return true
	}
	return false
}

// IndicatorRef points at one indicator series. Period is a literal bar
// count; PeriodParam, when set, resolves the period from the strategy's
// parameter map instead, so mutation can tweak it numerically.
type IndicatorRef struct {
	Name        IndicatorName `json:"name"`
	Period      int           `json:"period,omitempty"`
	PeriodParam string        `json:"period_param,omitempty"`
}

// ResolvePeriod returns the effective period given the parameter map.
func (r IndicatorRef) ResolvePeriod(params map[string]float64) int {
	if r.PeriodParam != "" {
		if v, ok := params[r.PeriodParam]; ok && v >= 1 {
			return int(v)
		}
	}
	if r.Period > 0 {
		return r.Period
	}
	return 14
}

// CmpOp is a comparison operator for Threshold rules.
type CmpOp string

const (
	OpGT CmpOp = ">"
	OpGE CmpOp = ">="
	OpLT CmpOp = "<"
	OpLE CmpOp = "<="
)

// CrossDirection says which way a Crosses rule must fire.
type CrossDirection string

const (
	CrossAbove CrossDirection = "above"
	CrossBelow CrossDirection = "below"
)

// RuleKind discriminates rule variants in serialized form.
type RuleKind string

const (
	KindAndAll    RuleKind = "and_all"
	KindOrAny     RuleKind = "or_any"
	KindCrosses   RuleKind = "crosses"
	KindThreshold RuleKind = "threshold"
	KindTimeRange RuleKind = "time_range"
)

// Rule is one node of the typed condition tree. Implementations are the
// closed set of variants below; evaluation pattern-matches on Kind.
type Rule interface {
	Kind() RuleKind
	// Indicators appends every indicator reference in this subtree.
	Indicators(out []IndicatorRef) []IndicatorRef
	// Complexity counts the nodes in this subtree.
	Complexity() int
}

// AndAll fires when every child rule fires.
type AndAll struct {
	Rules []Rule `json:"rules"`
}

func (r *AndAll) Kind() RuleKind { return KindAndAll }

func (r *AndAll) Indicators(out []IndicatorRef) []IndicatorRef {
	for _, c := range r.Rules {
		out = c.Indicators(out)
	}
	return out
}

func (r *AndAll) Complexity() int {
	n := 1
	for _, c := range r.Rules {
		n += c.Complexity()
	}
	return n
}

// OrAny fires when at least one child rule fires.
type OrAny struct {
	Rules []Rule `json:"rules"`
}

func (r *OrAny) Kind() RuleKind { return KindOrAny }

func (r *OrAny) Indicators(out []IndicatorRef) []IndicatorRef {
	for _, c := range r.Rules {
		out = c.Indicators(out)
	}
	return out
}

func (r *OrAny) Complexity() int {
	n := 1
	for _, c := range r.Rules {
		n += c.Complexity()
	}
	return n
}

// Crosses fires when the Fast series crosses the Slow series in the given
// direction between the previous and current bar.
type Crosses struct {
	Fast      IndicatorRef   `json:"fast"`
	Slow      IndicatorRef   `json:"slow"`
	Direction CrossDirection `json:"direction"`
}

func (r *Crosses) Kind() RuleKind { return KindCrosses }

func (r *Crosses) Indicators(out []IndicatorRef) []IndicatorRef {
	return append(out, r.Fast, r.Slow)
}

func (r *Crosses) Complexity() int { return 1 }

// Threshold compares an indicator value against a constant, or against a
// strategy parameter when ValueParam is set.
type Threshold struct {
	Indicator  IndicatorRef `json:"indicator"`
	Op         CmpOp        `json:"op"`
	Value      float64      `json:"value,omitempty"`
	ValueParam string       `json:"value_param,omitempty"`
}

func (r *Threshold) Kind() RuleKind { return KindThreshold }

func (r *Threshold) Indicators(out []IndicatorRef) []IndicatorRef {
	return append(out, r.Indicator)
}

func (r *Threshold) Complexity() int { return 1 }

// ResolveValue returns the comparison value given the parameter map.
func (r *Threshold) ResolveValue(params map[string]float64) float64 {
	if r.ValueParam != "" {
		if v, ok := params[r.ValueParam]; ok {
			return v
		}
	}
	return r.Value
}

// TimeRange fires only when the bar's hour (UTC) falls inside [Start, End).
type TimeRange struct {
	StartHour int `json:"start_hour"`
	EndHour   int `json:"end_hour"`
}

func (r *TimeRange) Kind() RuleKind { return KindTimeRange }

func (r *TimeRange) Indicators(out []IndicatorRef) []IndicatorRef { return out }

func (r *TimeRange) Complexity() int { return 1 }

// ExitPolicy describes how positions are closed. A policy is complete when
// at least one of stop, target or time exit is configured.
type ExitPolicy struct {
	StopLossPct   float64 `json:"stop_loss_pct,omitempty"`   // fraction below entry
	TakeProfitPct float64 `json:"take_profit_pct,omitempty"` // fraction above entry
	TrailingPct   float64 `json:"trailing_pct,omitempty"`    // trailing stop fraction
	MaxHoldBars   int     `json:"max_hold_bars,omitempty"`   // time-based exit
}

// Complete reports whether the policy can always close a position.
func (p ExitPolicy) Complete() bool {
	return p.StopLossPct > 0 || p.TakeProfitPct > 0 || p.TrailingPct > 0 || p.MaxHoldBars > 0
}

// Sizing controls position sizing during simulation and live signals.
type Sizing struct {
	RiskPerTrade float64 `json:"risk_per_trade,omitempty"` // fraction of equity, default 0.02
}

// Ruleset is the full typed strategy definition: entry conditions, exit
// policy and sizing, plus the defaults the workers use to build jobs.
type Ruleset struct {
	DefaultSymbol    string     `json:"default_symbol"`
	DefaultTimeframe string     `json:"default_timeframe"`
	Entry            []Rule     `json:"entry"`
	Exit             ExitPolicy `json:"exit"`
	Sizing           Sizing     `json:"sizing"`
	MaxComplexity    int        `json:"max_complexity,omitempty"`
}

// Validate checks structural requirements: at least one entry rule, a
// complete exit policy, known indicators, sane time ranges.
func (rs *Ruleset) Validate() error {
	if len(rs.Entry) == 0 {
		return fmt.Errorf("%w: ruleset has no entry rules", ErrInvalidRuleset)
	}
	if !rs.Exit.Complete() {
		return fmt.Errorf("%w: exit policy has no stop, target or time exit", ErrInvalidRuleset)
	}
	if rs.DefaultSymbol == "" {
		return fmt.Errorf("%w: missing default symbol", ErrInvalidRuleset)
	}
	if rs.DefaultTimeframe == "" {
		return fmt.Errorf("%w: missing default timeframe", ErrInvalidRuleset)
	}
	var refs []IndicatorRef
	for _, r := range rs.Entry {
		if err := validateRule(r); err != nil {
			return err
		}
		refs = r.Indicators(refs)
	}
	for _, ref := range refs {
		if !KnownIndicator(ref.Name) {
			return fmt.Errorf("%w: unknown indicator %q", ErrInvalidRuleset, ref.Name)
		}
	}
	return nil
}

func validateRule(r Rule) error {
	switch v := r.(type) {
	case *AndAll:
		if len(v.Rules) == 0 {
			return fmt.Errorf("%w: empty and_all", ErrInvalidRuleset)
		}
		for _, c := range v.Rules {
			if err := validateRule(c); err != nil {
				return err
			}
		}
	case *OrAny:
		if len(v.Rules) == 0 {
			return fmt.Errorf("%w: empty or_any", ErrInvalidRuleset)
		}
		for _, c := range v.Rules {
			if err := validateRule(c); err != nil {
				return err
			}
		}
	case *Crosses:
		if v.Direction != CrossAbove && v.Direction != CrossBelow {
			return fmt.Errorf("%w: crosses direction %q", ErrInvalidRuleset, v.Direction)
		}
	case *Threshold:
		switch v.Op {
		case OpGT, OpGE, OpLT, OpLE:
		default:
			return fmt.Errorf("%w: threshold op %q", ErrInvalidRuleset, v.Op)
		}
	case *TimeRange:
		if v.StartHour < 0 || v.StartHour > 23 || v.EndHour < 0 || v.EndHour > 24 || v.StartHour >= v.EndHour {
			return fmt.Errorf("%w: time range %d-%d", ErrInvalidRuleset, v.StartHour, v.EndHour)
		}
	default:
		return fmt.Errorf("%w: unknown rule variant %T", ErrInvalidRuleset, r)
	}
	return nil
}

// Complexity returns the total node count across entry rules.
func (rs *Ruleset) Complexity() int {
	n := 0
	for _, r := range rs.Entry {
		n += r.Complexity()
	}
	return n
}

// AllIndicators returns every indicator reference used by the ruleset.
func (rs *Ruleset) AllIndicators() []IndicatorRef {
	var refs []IndicatorRef
	for _, r := range rs.Entry {
		refs = r.Indicators(refs)
	}
	return refs
}

// Clone returns a deep copy of the ruleset.
func (rs Ruleset) Clone() Ruleset {
	out := rs
	out.Entry = make([]Rule, len(rs.Entry))
	for i, r := range rs.Entry {
		out.Entry[i] = cloneRule(r)
	}
	return out
}

func cloneRule(r Rule) Rule {
	switch v := r.(type) {
	case *AndAll:
		c := &AndAll{Rules: make([]Rule, len(v.Rules))}
		for i, child := range v.Rules {
			c.Rules[i] = cloneRule(child)
		}
		return c
	case *OrAny:
		c := &OrAny{Rules: make([]Rule, len(v.Rules))}
		for i, child := range v.Rules {
			c.Rules[i] = cloneRule(child)
		}
		return c
	case *Crosses:
		c := *v
		return &c
	case *Threshold:
		c := *v
		return &c
	case *TimeRange:
		c := *v
		return &c
	}
	return r
}

// ruleEnvelope is the serialized form of a rule node.
type ruleEnvelope struct {
	Kind RuleKind        `json:"kind"`
	Body json.RawMessage `json:"body"`
}

// MarshalRule serializes a rule with its kind discriminator.
func MarshalRule(r Rule) ([]byte, error) {
	body, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return json.Marshal(ruleEnvelope{Kind: r.Kind(), Body: body})
}

// UnmarshalRule deserializes a rule envelope back to its concrete variant.
func UnmarshalRule(data []byte) (Rule, error) {
	var env ruleEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	switch env.Kind {
	case KindAndAll:
		var raw struct {
			Rules []json.RawMessage `json:"rules"`
		}
		if err := json.Unmarshal(env.Body, &raw); err != nil {
			return nil, err
		}
		node := &AndAll{}
		for _, rr := range raw.Rules {
			child, err := UnmarshalRule(rr)
			if err != nil {
				return nil, err
			}
			node.Rules = append(node.Rules, child)
		}
		return node, nil
	case KindOrAny:
		var raw struct {
			Rules []json.RawMessage `json:"rules"`
		}
		if err := json.Unmarshal(env.Body, &raw); err != nil {
			return nil, err
		}
		node := &OrAny{}
		for _, rr := range raw.Rules {
			child, err := UnmarshalRule(rr)
			if err != nil {
				return nil, err
			}
			node.Rules = append(node.Rules, child)
		}
		return node, nil
	case KindCrosses:
		node := &Crosses{}
		if err := json.Unmarshal(env.Body, node); err != nil {
			return nil, err
		}
		return node, nil
	case KindThreshold:
		node := &Threshold{}
		if err := json.Unmarshal(env.Body, node); err != nil {
			return nil, err
		}
		return node, nil
	case KindTimeRange:
		node := &TimeRange{}
		if err := json.Unmarshal(env.Body, node); err != nil {
			return nil, err
		}
		return node, nil
	}
	return nil, fmt.Errorf("unknown rule kind %q", env.Kind)
}

// MarshalJSON serializes the ruleset with discriminated rule envelopes.
func (rs Ruleset) MarshalJSON() ([]byte, error) {
	entries := make([]json.RawMessage, len(rs.Entry))
	for i, r := range rs.Entry {
		b, err := MarshalRule(r)
		if err != nil {
			return nil, err
		}
		entries[i] = b
	}
	return json.Marshal(struct {
		DefaultSymbol    string            `json:"default_symbol"`
		DefaultTimeframe string            `json:"default_timeframe"`
		Entry            []json.RawMessage `json:"entry"`
		Exit             ExitPolicy        `json:"exit"`
		Sizing           Sizing            `json:"sizing"`
		MaxComplexity    int               `json:"max_complexity,omitempty"`
	}{rs.DefaultSymbol, rs.DefaultTimeframe, entries, rs.Exit, rs.Sizing, rs.MaxComplexity})
}

// UnmarshalJSON restores a ruleset from its envelope form.
func (rs *Ruleset) UnmarshalJSON(data []byte) error {
	var raw struct {
		DefaultSymbol    string            `json:"default_symbol"`
		DefaultTimeframe string            `json:"default_timeframe"`
		Entry            []json.RawMessage `json:"entry"`
		Exit             ExitPolicy        `json:"exit"`
		Sizing           Sizing            `json:"sizing"`
		MaxComplexity    int               `json:"max_complexity"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	rs.DefaultSymbol = raw.DefaultSymbol
	rs.DefaultTimeframe = raw.DefaultTimeframe
	rs.Exit = raw.Exit
	rs.Sizing = raw.Sizing
	rs.MaxComplexity = raw.MaxComplexity
	rs.Entry = nil
	for _, rr := range raw.Entry {
		r, err := UnmarshalRule(rr)
		if err != nil {
			return err
		}
		rs.Entry = append(rs.Entry, r)
	}
	return nil
}

// SortedParamNames returns parameter names in deterministic order; the
// fingerprint and mutation operators rely on this.
func SortedParamNames(params map[string]float64) []string {
	names := make([]string, 0, len(params))
	for k := range params {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
