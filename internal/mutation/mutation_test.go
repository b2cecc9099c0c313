package mutation_test

import (
	"context"
	"testing"

	"github.com/atlas-desktop/strategy-evolution/internal/mutation"
	"github.com/atlas-desktop/strategy-evolution/pkg/types"
)

func scorePtr(f float64) *float64 { return &f }

func sampleParent(id string, score float64) *types.Strategy {
	return &types.Strategy{
		ID:      id,
		OwnerID: "owner-1",
		Score:   scorePtr(score),
		Parameters: map[string]any{
			"rsiThreshold": 30.0,
		},
		Ruleset: types.Ruleset{
			EntryRules: []types.RuleNode{{
				Kind:      types.RuleThreshold,
				Indicator: types.Indicator{Name: "rsi", Lookback: 14},
				Op:        types.OpLT,
				Value:     30,
			}},
			DefaultSymbol:    "BTC/USDT",
			DefaultTimeframe: types.Timeframe1h,
			PositionSizing:   types.SizingSpec{Method: "fixed_fraction", RiskPerTrade: 0.02},
		},
		AssetType: types.AssetCrypto,
		Status:    types.StatusExperiment,
	}
}

func TestShouldTriggerForcedExploration(t *testing.T) {
	trigger, _ := mutation.ShouldTrigger(3, types.StatusExperiment, 0.9)
	if !trigger {
		t.Fatal("evolution_attempts >= 3 must force exploration regardless of win_rate")
	}
}

func TestShouldTriggerDirectedRepair(t *testing.T) {
	trigger, preferIndicatorSub := mutation.ShouldTrigger(0, types.StatusCandidate, 0.5)
	if !trigger || !preferIndicatorSub {
		t.Fatal("win_rate < 0.60 on CANDIDATE must trigger directed repair preferring INDICATOR_SUB")
	}
}

func TestShouldNotTrigger(t *testing.T) {
	trigger, _ := mutation.ShouldTrigger(1, types.StatusExperiment, 0.8)
	if trigger {
		t.Fatal("neither trigger condition is met, should not trigger")
	}
}

func TestEliteFractionKeepsTopScorers(t *testing.T) {
	active := []*types.Strategy{
		sampleParent("a", 0.9),
		sampleParent("b", 0.5),
		sampleParent("c", 0.7),
		sampleParent("d", 0.95),
		sampleParent("e", 0.1),
		sampleParent("f", 0.2),
		sampleParent("g", 0.3),
		sampleParent("h", 0.4),
		sampleParent("i", 0.6),
		sampleParent("j", 0.8),
	}
	cfg := mutation.DefaultConfig()
	elite := mutation.Elite(active, cfg)
	if len(elite) != 1 {
		t.Fatalf("expected floor(10*0.10)=1 elite strategy, got %d", len(elite))
	}
	if elite[0].ID != "d" {
		t.Fatalf("expected highest scorer 'd' as elite, got %s", elite[0].ID)
	}
}

func TestMutateParamTweakProducesChildInExperiment(t *testing.T) {
	eng := mutation.New(mutation.DefaultConfig(), mutation.DefaultIndicatorPool(), 42)
	parent := sampleParent("parent-1", 0.5)

	children := eng.Mutate(context.Background(), parent, nil, false)
	if len(children) != 1 {
		t.Fatalf("expected exactly one child without a second parent, got %d", len(children))
	}
	child := children[0]
	if child.Strategy.Status != types.StatusExperiment {
		t.Errorf("expected child status EXPERIMENT, got %s", child.Strategy.Status)
	}
	if child.Strategy.EvolutionAttempts != 0 {
		t.Errorf("expected child evolution_attempts reset to 0, got %d", child.Strategy.EvolutionAttempts)
	}
	if child.Strategy.OwnerID != parent.OwnerID {
		t.Errorf("expected child to inherit parent's owner_id")
	}
	if child.Edge.ParentID != parent.ID {
		t.Errorf("expected lineage edge parent_id to match parent")
	}
}

func TestMutateCrossoverWithSecondParent(t *testing.T) {
	cfg := mutation.DefaultConfig()
	cfg.CrossoverProb = 1.0 // force crossover for this test
	eng := mutation.New(cfg, mutation.DefaultIndicatorPool(), 7)

	a := sampleParent("a", 0.7)
	b := sampleParent("b", 0.6)
	b.Ruleset.DefaultSymbol = "ETH/USDT"

	children := eng.Mutate(context.Background(), a, b, false)
	if len(children) != 1 {
		t.Fatalf("expected one crossover child, got %d", len(children))
	}
	if children[0].Edge.MutationType != types.MutationCrossover {
		t.Errorf("expected CROSSOVER mutation type, got %s", children[0].Edge.MutationType)
	}
	if children[0].Edge.ParentID != a.ID {
		t.Errorf("expected first edge to point at parent a, got %s", children[0].Edge.ParentID)
	}
	if children[0].SecondEdge == nil {
		t.Fatal("expected a second lineage edge recording parent b")
	}
	if children[0].SecondEdge.ParentID != b.ID {
		t.Errorf("expected second edge to point at parent b, got %s", children[0].SecondEdge.ParentID)
	}
	if children[0].SecondEdge.MutationType != types.MutationCrossover {
		t.Errorf("expected second edge mutation type CROSSOVER, got %s", children[0].SecondEdge.MutationType)
	}
	if edges := children[0].Edges(); len(edges) != 2 {
		t.Fatalf("expected Edges() to return both parent edges, got %d", len(edges))
	}
}

func TestIndicatorSubSwapsRegisteredPeers(t *testing.T) {
	eng := mutation.New(mutation.DefaultConfig(), mutation.IndicatorPool{"rsi": {"macd"}}, 1)
	parent := sampleParent("parent-2", 0.5)

	var sawSub bool
	for i := 0; i < 20; i++ {
		children := eng.Mutate(context.Background(), parent, nil, true)
		if children[0].Strategy.Ruleset.EntryRules[0].Indicator.Name == "macd" {
			sawSub = true
			break
		}
	}
	if !sawSub {
		t.Fatal("expected INDICATOR_SUB to eventually swap rsi for its configured peer macd")
	}
}

func TestCrossoverComplexityCapped(t *testing.T) {
	eng := mutation.New(mutation.DefaultConfig(), mutation.DefaultIndicatorPool(), 3)
	a := sampleParent("a", 0.7)
	b := sampleParent("b", 0.7)
	// Pad both parents with enough nodes to exceed the per-side cap.
	for i := 0; i < types.MaxComplexity; i++ {
		a.Ruleset.EntryRules = append(a.Ruleset.EntryRules, types.RuleNode{Kind: types.RuleThreshold, Indicator: types.Indicator{Name: "rsi"}, Op: types.OpLT, Value: 50})
		b.Ruleset.EntryRules = append(b.Ruleset.EntryRules, types.RuleNode{Kind: types.RuleThreshold, Indicator: types.Indicator{Name: "rsi"}, Op: types.OpLT, Value: 50})
	}

	cfg := mutation.DefaultConfig()
	cfg.CrossoverProb = 1.0
	eng = mutation.New(cfg, mutation.DefaultIndicatorPool(), 3)
	children := eng.Mutate(context.Background(), a, b, false)

	got := types.Ruleset{EntryRules: children[0].Strategy.Ruleset.EntryRules}.Complexity()
	if got > types.MaxComplexity/2 {
		t.Errorf("expected crossover entry rules capped at %d nodes, got %d", types.MaxComplexity/2, got)
	}
}
