package ruleset

import (
	"fmt"

	"github.com/atlas-desktop/strategy-evolution/internal/errs"
	"github.com/atlas-desktop/strategy-evolution/pkg/types"
)

// Validate enforces BE algorithm step 1: at least one entry rule and a
// complete exit policy (stop, target, or time-based).
func Validate(r types.Ruleset) error {
	if len(r.EntryRules) == 0 {
		return errs.Validation("ruleset.validate", fmt.Errorf("no entry rules"))
	}
	hasExit := len(r.ExitRules) > 0 || r.StopLossPct != nil || r.TakeProfitPct != nil || r.TimeExit != nil
	if !hasExit {
		return errs.Validation("ruleset.validate", fmt.Errorf("no exit policy: need exit rules, stop, target, or time exit"))
	}
	return nil
}

// Evaluate reports whether node fires at candle index i given the series.
func Evaluate(node types.RuleNode, series *Series, i int) bool {
	switch node.Kind {
	case types.RuleCondition, types.RuleThreshold:
		v, ok := series.Value(node.Indicator, i)
		if !ok {
			return false
		}
		return compare(v, node.Op, node.Value)

	case types.RuleAndAll:
		for _, c := range node.Children {
			if !Evaluate(c, series, i) {
				return false
			}
		}
		return len(node.Children) > 0

	case types.RuleOrAny:
		for _, c := range node.Children {
			if Evaluate(c, series, i) {
				return true
			}
		}
		return false

	case types.RuleCrosses:
		return evalCrosses(node, series, i)

	case types.RuleTimeRange:
		if i < 0 || i >= len(series.candles) {
			return false
		}
		h, m, _ := series.candles[i].Timestamp.Clock()
		cur := types.TimeOfDay{Hour: h, Minute: m}
		after := cur.Hour > node.Start.Hour || (cur.Hour == node.Start.Hour && cur.Minute >= node.Start.Minute)
		before := cur.Hour < node.End.Hour || (cur.Hour == node.End.Hour && cur.Minute <= node.End.Minute)
		return after && before

	default:
		return false
	}
}

func evalCrosses(node types.RuleNode, series *Series, i int) bool {
	if i < 1 {
		return false
	}
	fastNow, ok1 := series.Value(node.Fast, i)
	slowNow, ok2 := series.Value(node.Slow, i)
	fastPrev, ok3 := series.Value(node.Fast, i-1)
	slowPrev, ok4 := series.Value(node.Slow, i-1)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return false
	}
	switch node.Direction {
	case types.CrossAbove:
		return fastPrev <= slowPrev && fastNow > slowNow
	case types.CrossBelow:
		return fastPrev >= slowPrev && fastNow < slowNow
	default:
		return false
	}
}

func compare(v float64, op types.Operator, target float64) bool {
	switch op {
	case types.OpGT:
		return v > target
	case types.OpGE:
		return v >= target
	case types.OpLT:
		return v < target
	case types.OpLE:
		return v <= target
	case types.OpEQ:
		return v == target
	default:
		return false
	}
}

// EvaluateAny reports whether any rule in nodes fires at i (used for the
// top-level list of entry/exit rules, which are implicitly OR'd).
func EvaluateAny(nodes []types.RuleNode, series *Series, i int) bool {
	for _, n := range nodes {
		if Evaluate(n, series, i) {
			return true
		}
	}
	return false
}
