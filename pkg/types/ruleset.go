package types

import "time"

// Indicator references a fixed-registry technical indicator by name and
// lookback. The registry (sma, ema, rsi, macd, bollinger, atr, vwap) lives
// in internal/ruleset; this struct only carries the reference.
type Indicator struct {
	Name     string `json:"name"`
	Lookback int    `json:"lookback,omitempty"`
	Field    string `json:"field,omitempty"` // sub-output, e.g. "signal" for macd
}

// Operator is a comparison used by Condition and Threshold nodes.
type Operator string

const (
	OpGT Operator = ">"
	OpGE Operator = ">="
	OpLT Operator = "<"
	OpLE Operator = "<="
	OpEQ Operator = "=="
)

// CrossDirection enumerates the direction a Crosses node fires on.
type CrossDirection string

const (
	CrossAbove CrossDirection = "Above"
	CrossBelow CrossDirection = "Below"
)

// RuleKind discriminates the RuleNode variant, replacing the teacher's
// duck-typed Rule{Indicator, Condition, Value interface{}} with a closed,
// pattern-matchable tree.
type RuleKind string

const (
	RuleCondition RuleKind = "condition"
	RuleAndAll    RuleKind = "and_all"
	RuleOrAny     RuleKind = "or_any"
	RuleCrosses   RuleKind = "crosses"
	RuleThreshold RuleKind = "threshold"
	RuleTimeRange RuleKind = "time_range"
)

// TimeOfDay is a wall-clock boundary used by TimeRange nodes, independent of
// any specific date.
type TimeOfDay struct {
	Hour   int `json:"hour"`
	Minute int `json:"minute"`
}

// Before reports whether d is at or before t's wall-clock time (hour and
// minute; seconds are ignored).
func (d TimeOfDay) Before(t time.Time) bool {
	h, m, _ := t.Clock()
	if h != d.Hour {
		return d.Hour < h
	}
	return d.Minute <= m
}

// RuleNode is one node of the typed ruleset tree. Exactly one of the
// variant-specific fields is populated, selected by Kind; Children holds the
// sub-nodes for AndAll/OrAny.
type RuleNode struct {
	Kind RuleKind `json:"kind"`

	// Condition / Threshold
	Indicator Indicator `json:"indicator,omitempty"`
	Op        Operator  `json:"op,omitempty"`
	Value     float64   `json:"value,omitempty"`

	// Crosses
	Fast      Indicator      `json:"fast,omitempty"`
	Slow      Indicator      `json:"slow,omitempty"`
	Direction CrossDirection `json:"direction,omitempty"`

	// AndAll / OrAny
	Children []RuleNode `json:"children,omitempty"`

	// TimeRange
	Start TimeOfDay `json:"start,omitempty"`
	End   TimeOfDay `json:"end,omitempty"`
}

// NodeCount returns the number of nodes in the tree rooted at n, used to
// enforce the Mutation Engine's crossover complexity cap.
func (n RuleNode) NodeCount() int {
	count := 1
	for _, c := range n.Children {
		count += c.NodeCount()
	}
	return count
}

// SizingSpec configures position sizing for a ruleset.
type SizingSpec struct {
	Method     string  `json:"method"` // "fixed_fraction" | "kelly" | "fixed_units"
	RiskPerTrade float64 `json:"riskPerTrade,omitempty"`
	FixedUnits float64 `json:"fixedUnits,omitempty"`
}

// Ruleset is the complete typed entry/exit/sizing specification a Strategy
// carries, generalizing the teacher's per-strategy hand-written OnBar logic.
type Ruleset struct {
	EntryRules       []RuleNode     `json:"entryRules"`
	ExitRules        []RuleNode     `json:"exitRules"`
	StopLossPct      *float64       `json:"stopLossPct,omitempty"`
	TakeProfitPct    *float64       `json:"takeProfitPct,omitempty"`
	TimeExit         *time.Duration `json:"timeExit,omitempty"`
	DefaultSymbol    string         `json:"defaultSymbol"`
	DefaultTimeframe Timeframe      `json:"defaultTimeframe"`
	PositionSizing   SizingSpec     `json:"positionSizing"`
}

// MaxComplexity bounds ruleset size for ME's crossover cap (§4.4).
const MaxComplexity = 40

// Complexity returns the total node count across entry and exit rules.
func (r Ruleset) Complexity() int {
	total := 0
	for _, n := range r.EntryRules {
		total += n.NodeCount()
	}
	for _, n := range r.ExitRules {
		total += n.NodeCount()
	}
	return total
}
