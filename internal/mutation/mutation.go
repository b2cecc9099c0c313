// Package mutation implements the Mutation Engine: tournament selection,
// elitism, and the five typed operators that turn one (or two) parent
// Strategy rows into new EXPERIMENT-status children plus lineage edges.
// Grounded on internal/optimization/optimizer.go's genetic-algorithm
// machinery (evolvePopulation/tournamentSelect/crossover/mutate),
// generalized from a float64 ParamSet to SPEC_FULL.md's typed
// pkg/types.Ruleset tree.
package mutation

import (
	"context"
	"math/rand"
	"sort"

	"github.com/atlas-desktop/strategy-evolution/pkg/types"
)

// IndicatorPool groups interchangeable indicators for INDICATOR_SUB, e.g.
// {"sma": peers "ema"}. Configured rather than hard-coded so the operator
// pool can grow without a code change.
type IndicatorPool map[string][]string

// DefaultIndicatorPool mirrors the peer groupings named in SPEC_FULL.md's
// worked example (SMA↔EMA, RSI↔MACD) plus the remaining registry entries
// grouped by what they measure.
func DefaultIndicatorPool() IndicatorPool {
	return IndicatorPool{
		"sma":       {"ema"},
		"ema":       {"sma"},
		"rsi":       {"macd"},
		"macd":      {"rsi"},
		"bollinger": {"atr"},
		"atr":       {"bollinger"},
		"vwap":      {"sma"},
	}
}

// TimeframeLadder orders timeframes from shortest to longest for
// TIMEFRAME_CHANGE's one-rung shift.
var TimeframeLadder = []types.Timeframe{
	types.Timeframe1m, types.Timeframe5m, types.Timeframe15m,
	types.Timeframe1h, types.Timeframe4h, types.Timeframe1d,
}

// Config bundles the knobs the Evolution Worker/tests need to adjust; the
// zero value is not directly usable, use DefaultConfig.
type Config struct {
	TournamentSize   int
	ElitismFraction  float64 // top fraction of the active population left unchanged
	CrossoverProb    float64
	AssetPool        map[types.AssetType][]string // symbols interchangeable within an asset class
}

func DefaultConfig() Config {
	return Config{
		TournamentSize:  4,
		ElitismFraction: 0.10,
		CrossoverProb:   0.7,
		AssetPool: map[types.AssetType][]string{
			types.AssetCrypto: {"BTC/USDT", "ETH/USDT", "SOL/USDT", "BNB/USDT"},
			types.AssetEquity: {"SPY", "QQQ", "IWM"},
			types.AssetFX:     {"EUR/USD", "GBP/USD", "USD/JPY"},
		},
	}
}

// Engine is the Mutation Engine. rng is not safe for concurrent use;
// callers invoke Engine from a single Evolution Worker goroutine per
// parent, consistent with the cooperative-candle-iteration cancellation
// model the rest of the engine follows.
type Engine struct {
	cfg    Config
	pool   IndicatorPool
	rng    *rand.Rand
}

func New(cfg Config, pool IndicatorPool, seed int64) *Engine {
	return &Engine{cfg: cfg, pool: pool, rng: rand.New(rand.NewSource(seed))}
}

// ShouldTrigger reports whether the Mutation Engine should run this cycle
// for a strategy, per SPEC_FULL.md's two independent triggers.
func ShouldTrigger(evolutionAttempts int, status types.StrategyStatus, winRate float64) (trigger bool, preferIndicatorSub bool) {
	if evolutionAttempts >= 3 {
		return true, false
	}
	if winRate < 0.60 && (status == types.StatusExperiment || status == types.StatusCandidate) {
		return true, true
	}
	return false, false
}

// Elite returns the top ElitismFraction of active strategies by score,
// unchanged, sorted descending — the set the Evolution Worker must never
// subject to mutation in a given cycle.
func Elite(active []*types.Strategy, cfg Config) []*types.Strategy {
	scored := make([]*types.Strategy, 0, len(active))
	for _, s := range active {
		if s.Score != nil {
			scored = append(scored, s)
		}
	}
	sort.Slice(scored, func(i, j int) bool { return *scored[i].Score > *scored[j].Score })
	n := int(float64(len(scored)) * cfg.ElitismFraction)
	if n > len(scored) {
		n = len(scored)
	}
	return scored[:n]
}

// TournamentSelect picks one strategy from candidates by repeated random
// draws, keeping the highest-scoring; strategies with no score yet (never
// backtested) are treated as score 0, the Darwinian floor.
func (e *Engine) TournamentSelect(candidates []*types.Strategy) *types.Strategy {
	if len(candidates) == 0 {
		return nil
	}
	best := candidates[e.rng.Intn(len(candidates))]
	for i := 1; i < e.cfg.TournamentSize; i++ {
		challenger := candidates[e.rng.Intn(len(candidates))]
		if scoreOf(challenger) > scoreOf(best) {
			best = challenger
		}
	}
	return best
}

func scoreOf(s *types.Strategy) float64 {
	if s.Score == nil {
		return 0
	}
	return *s.Score
}

// Child is one newly produced Strategy plus the lineage edge(s) describing
// how it was derived; the caller (Evolution Worker) is responsible for
// persisting all of them via the Strategy Store. SecondEdge is set only for
// CROSSOVER children, recording the second parent as a first-class edge
// rather than a MutationParams side-channel.
type Child struct {
	Strategy   types.Strategy
	Edge       types.LineageEdge
	SecondEdge *types.LineageEdge
}

// Edges returns every lineage edge this child carries, in parent order.
func (c Child) Edges() []types.LineageEdge {
	edges := []types.LineageEdge{c.Edge}
	if c.SecondEdge != nil {
		edges = append(edges, *c.SecondEdge)
	}
	return edges
}

// Mutate produces 1-2 children from parent (and optionally a second
// parent for crossover). preferIndicatorSub biases operator choice toward
// INDICATOR_SUB for the "directed repair" trigger.
func (e *Engine) Mutate(ctx context.Context, parent *types.Strategy, second *types.Strategy, preferIndicatorSub bool) []Child {
	var children []Child

	if second != nil && e.rng.Float64() < e.cfg.CrossoverProb {
		child := e.crossover(parent, second)
		finalized := e.finalize(child, parent, types.MutationCrossover, nil)
		secondEdge := types.LineageEdge{
			ParentID:       second.ID,
			MutationType:   types.MutationCrossover,
			MutationParams: map[string]any{"role": "second_parent"},
			CreatorID:      "mutation_engine",
		}
		finalized.SecondEdge = &secondEdge
		children = append(children, finalized)
		return children
	}

	op := e.chooseOperator(preferIndicatorSub)
	child := e.applyOperator(op, parent)
	children = append(children, e.finalize(child, parent, op, nil))
	return children
}

func (e *Engine) chooseOperator(preferIndicatorSub bool) types.MutationType {
	if preferIndicatorSub {
		return types.MutationIndicatorSub
	}
	operators := []types.MutationType{
		types.MutationParamTweak,
		types.MutationIndicatorSub,
		types.MutationTimeframeChange,
		types.MutationAssetTransplant,
	}
	return operators[e.rng.Intn(len(operators))]
}

func (e *Engine) applyOperator(op types.MutationType, parent *types.Strategy) types.Strategy {
	child := cloneStrategy(parent)
	switch op {
	case types.MutationParamTweak:
		e.paramTweak(&child, scoreOf(parent))
	case types.MutationIndicatorSub:
		e.indicatorSub(&child)
	case types.MutationTimeframeChange:
		e.timeframeChange(&child)
	case types.MutationAssetTransplant:
		e.assetTransplant(&child)
	}
	return child
}

// paramTweak perturbs every numeric parameter by ±δ drawn uniformly, with
// δ set by the parent's score tier: tighter perturbations for
// already-strong strategies, wider exploration for weak ones.
func (e *Engine) paramTweak(child *types.Strategy, parentScore float64) {
	delta := deltaFor(parentScore)
	for k, v := range child.Parameters {
		f, ok := v.(float64)
		if !ok {
			continue
		}
		sign := 1.0
		if e.rng.Float64() < 0.5 {
			sign = -1.0
		}
		child.Parameters[k] = f * (1 + sign*delta*e.rng.Float64())
	}
	child.Ruleset.PositionSizing.RiskPerTrade = perturb(e.rng, child.Ruleset.PositionSizing.RiskPerTrade, delta)
}

func deltaFor(score float64) float64 {
	switch {
	case score >= 0.8:
		return 0.05
	case score >= 0.6:
		return 0.10
	default:
		return 0.20
	}
}

func perturb(rng *rand.Rand, v, delta float64) float64 {
	sign := 1.0
	if rng.Float64() < 0.5 {
		sign = -1.0
	}
	return v * (1 + sign*delta*rng.Float64())
}

// indicatorSub walks the ruleset tree swapping every leaf indicator for a
// random peer from the pool, if one is configured.
func (e *Engine) indicatorSub(child *types.Strategy) {
	child.Ruleset.EntryRules = e.substituteNodes(child.Ruleset.EntryRules)
	child.Ruleset.ExitRules = e.substituteNodes(child.Ruleset.ExitRules)
}

func (e *Engine) substituteNodes(nodes []types.RuleNode) []types.RuleNode {
	out := make([]types.RuleNode, len(nodes))
	for i, n := range nodes {
		out[i] = e.substituteNode(n)
	}
	return out
}

func (e *Engine) substituteNode(n types.RuleNode) types.RuleNode {
	n.Indicator = e.substituteIndicator(n.Indicator)
	n.Fast = e.substituteIndicator(n.Fast)
	n.Slow = e.substituteIndicator(n.Slow)
	if len(n.Children) > 0 {
		n.Children = e.substituteNodes(n.Children)
	}
	return n
}

func (e *Engine) substituteIndicator(ind types.Indicator) types.Indicator {
	peers := e.pool[ind.Name]
	if len(peers) == 0 {
		return ind
	}
	ind.Name = peers[e.rng.Intn(len(peers))]
	return ind
}

// timeframeChange shifts the ruleset's default timeframe one rung up or
// down the configured ladder.
func (e *Engine) timeframeChange(child *types.Strategy) {
	idx := indexOf(TimeframeLadder, child.Ruleset.DefaultTimeframe)
	if idx < 0 {
		return
	}
	shift := 1
	if e.rng.Float64() < 0.5 {
		shift = -1
	}
	newIdx := idx + shift
	if newIdx < 0 || newIdx >= len(TimeframeLadder) {
		return
	}
	child.Ruleset.DefaultTimeframe = TimeframeLadder[newIdx]
}

func indexOf(ladder []types.Timeframe, tf types.Timeframe) int {
	for i, t := range ladder {
		if t == tf {
			return i
		}
	}
	return -1
}

// assetTransplant swaps the ruleset's default symbol for another in the
// configured pool of the same asset class.
func (e *Engine) assetTransplant(child *types.Strategy) {
	pool := e.cfg.AssetPool[child.AssetType]
	if len(pool) == 0 {
		return
	}
	candidates := make([]string, 0, len(pool))
	for _, sym := range pool {
		if sym != child.Ruleset.DefaultSymbol {
			candidates = append(candidates, sym)
		}
	}
	if len(candidates) == 0 {
		return
	}
	child.Ruleset.DefaultSymbol = candidates[e.rng.Intn(len(candidates))]
}

// crossover averages numeric parameters, randomly chooses categorical
// fields from either parent, and unions the two rulesets' indicator
// rules, capped at MaxComplexity.
func (e *Engine) crossover(a, b *types.Strategy) types.Strategy {
	child := cloneStrategy(a)

	for k, av := range a.Parameters {
		bv, ok := b.Parameters[k]
		if !ok {
			continue
		}
		af, aok := av.(float64)
		bf, bok := bv.(float64)
		if aok && bok {
			child.Parameters[k] = (af + bf) / 2
		}
	}

	if e.rng.Float64() < 0.5 {
		child.Ruleset.DefaultTimeframe = b.Ruleset.DefaultTimeframe
	}
	if e.rng.Float64() < 0.5 {
		child.Ruleset.DefaultSymbol = b.Ruleset.DefaultSymbol
	}
	if e.rng.Float64() < 0.5 {
		child.Ruleset.PositionSizing = b.Ruleset.PositionSizing
	}

	union := append(append([]types.RuleNode{}, a.Ruleset.EntryRules...), b.Ruleset.EntryRules...)
	child.Ruleset.EntryRules = capComplexity(union, types.MaxComplexity/2)
	unionExit := append(append([]types.RuleNode{}, a.Ruleset.ExitRules...), b.Ruleset.ExitRules...)
	child.Ruleset.ExitRules = capComplexity(unionExit, types.MaxComplexity/2)

	return child
}

// capComplexity trims a unioned rule list so its total node count never
// exceeds budget, preferring to keep earlier (parent-A-originated) rules.
func capComplexity(nodes []types.RuleNode, budget int) []types.RuleNode {
	var kept []types.RuleNode
	total := 0
	for _, n := range nodes {
		c := n.NodeCount()
		if total+c > budget {
			continue
		}
		kept = append(kept, n)
		total += c
	}
	return kept
}

func cloneStrategy(s *types.Strategy) types.Strategy {
	c := *s
	params := make(map[string]any, len(s.Parameters))
	for k, v := range s.Parameters {
		params[k] = v
	}
	c.Parameters = params
	c.Score = nil
	c.LastMetrics = nil
	c.TrainMetrics = nil
	c.TestMetrics = nil
	c.LastBacktestAt = nil
	return c
}

// finalize stamps a mutated ruleset into a fresh EXPERIMENT-status child
// row owned by the parent's owner, plus the lineage edge recording how it
// was derived. The Strategy Store assigns the real id and timestamps on
// Create; Child.Strategy carries only the fields the store doesn't own.
func (e *Engine) finalize(child types.Strategy, parent *types.Strategy, op types.MutationType, extraParams map[string]any) Child {
	child.OwnerID = parent.OwnerID
	child.Status = types.StatusExperiment
	child.EvolutionAttempts = 0
	child.EvaluationCycles = 0
	child.IsActive = true

	params := map[string]any{"operator": string(op)}
	for k, v := range extraParams {
		params[k] = v
	}

	return Child{
		Strategy: child,
		Edge: types.LineageEdge{
			ParentID:       parent.ID,
			MutationType:   op,
			MutationParams: params,
			CreatorID:      "mutation_engine",
		},
	}
}
