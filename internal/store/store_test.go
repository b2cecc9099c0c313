// Package store_test provides tests for the strategy store.
package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/atlas-desktop/strategy-evolution/internal/clock"
	"github.com/atlas-desktop/strategy-evolution/internal/store"
	"github.com/atlas-desktop/strategy-evolution/pkg/types"
	"go.uber.org/zap"
)

func pctPtr(f float64) *float64 { return &f }

func draft(name, owner string) types.StrategyDraft {
	return types.StrategyDraft{
		Name:    name,
		OwnerID: owner,
		Ruleset: types.Ruleset{
			EntryRules: []types.RuleNode{{
				Kind:      types.RuleThreshold,
				Indicator: types.Indicator{Name: "rsi", Lookback: 14},
				Op:        types.OpLT,
				Value:     30,
			}},
			StopLossPct:      pctPtr(0.05),
			DefaultSymbol:    "BTC/USDT",
			DefaultTimeframe: types.Timeframe1h,
			PositionSizing:   types.SizingSpec{Method: "fixed_fraction", RiskPerTrade: 0.02},
		},
		AssetType: types.AssetCrypto,
	}
}

func TestCreateAndGet(t *testing.T) {
	s, err := store.New(zap.NewNop(), t.TempDir(), clock.NewReal())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	row, err := s.Create(ctx, draft("mean-revert-rsi", "owner-1"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if row.Status != types.StatusPendingReview {
		t.Fatalf("expected new strategy in PENDING_REVIEW, got %s", row.Status)
	}

	got, err := s.Get(ctx, row.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != row.Name {
		t.Errorf("name mismatch: got %s want %s", got.Name, row.Name)
	}
}

func TestFingerprintDuplicateDetection(t *testing.T) {
	s, err := store.New(zap.NewNop(), t.TempDir(), clock.NewReal())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	a, err := s.Create(ctx, draft("first", "owner-1"))
	if err != nil {
		t.Fatalf("Create a: %v", err)
	}
	b, err := s.Create(ctx, draft("clone-of-first", "owner-2"))
	if err != nil {
		t.Fatalf("Create b: %v", err)
	}

	dupA, _ := s.FingerprintDuplicate(ctx, a.ID)
	if dupA {
		t.Error("first strategy to claim a fingerprint must not be flagged duplicate")
	}
	dupB, _ := s.FingerprintDuplicate(ctx, b.ID)
	if !dupB {
		t.Error("identical ruleset/parameters under a different id should be flagged duplicate")
	}
}

func TestUpdateAtomicConflict(t *testing.T) {
	s, err := store.New(zap.NewNop(), t.TempDir(), clock.NewReal())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	row, _ := s.Create(ctx, draft("cas-test", "owner-1"))

	staleTimestamp := row.UpdatedAt.Add(-time.Hour)
	_, err = s.UpdateAtomic(ctx, row.ID, staleTimestamp, func(r *types.Strategy) {
		r.Status = types.StatusExperiment
	})
	if err == nil {
		t.Fatal("expected conflict when expected_updated_at does not match current row")
	}

	updated, err := s.UpdateAtomic(ctx, row.ID, row.UpdatedAt, func(r *types.Strategy) {
		r.Status = types.StatusExperiment
	})
	if err != nil {
		t.Fatalf("UpdateAtomic with correct CAS token: %v", err)
	}
	if updated.Status != types.StatusExperiment {
		t.Errorf("expected status EXPERIMENT, got %s", updated.Status)
	}
}

func TestListActiveFilters(t *testing.T) {
	s, err := store.New(zap.NewNop(), t.TempDir(), clock.NewReal())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	a, _ := s.Create(ctx, draft("a", "owner-1"))
	_, _ = s.Create(ctx, draft("b", "owner-1"))

	experiment := types.StatusExperiment
	_, err = s.UpdateAtomic(ctx, a.ID, a.UpdatedAt, func(r *types.Strategy) { r.Status = types.StatusExperiment })
	if err != nil {
		t.Fatalf("UpdateAtomic: %v", err)
	}

	rows, err := s.ListActive(ctx, store.ListFilter{Status: &experiment})
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != a.ID {
		t.Fatalf("expected exactly strategy a filtered to EXPERIMENT, got %d rows", len(rows))
	}
}

func TestLineageAncestorsChildrenGeneration(t *testing.T) {
	s, err := store.New(zap.NewNop(), t.TempDir(), clock.NewReal())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	root, _ := s.Create(ctx, draft("root", "owner-1"))
	child, _ := s.Create(ctx, draft("child", "owner-1"))
	grandchild, _ := s.Create(ctx, draft("grandchild", "owner-1"))

	if err := s.AddEdge(ctx, types.LineageEdge{ParentID: root.ID, ChildID: child.ID, MutationType: types.MutationParamTweak}); err != nil {
		t.Fatalf("AddEdge root->child: %v", err)
	}
	if err := s.AddEdge(ctx, types.LineageEdge{ParentID: child.ID, ChildID: grandchild.ID, MutationType: types.MutationIndicatorSub}); err != nil {
		t.Fatalf("AddEdge child->grandchild: %v", err)
	}

	kids, err := s.Children(ctx, root.ID)
	if err != nil || len(kids) != 1 || kids[0] != child.ID {
		t.Fatalf("expected root's only child to be %s, got %v (err=%v)", child.ID, kids, err)
	}

	ancestors, err := s.Ancestors(ctx, grandchild.ID)
	if err != nil {
		t.Fatalf("Ancestors: %v", err)
	}
	if len(ancestors) != 2 || ancestors[0] != child.ID || ancestors[1] != root.ID {
		t.Fatalf("expected ancestors [child, root], got %v", ancestors)
	}

	gen, err := s.Generation(ctx, grandchild.ID)
	if err != nil {
		t.Fatalf("Generation: %v", err)
	}
	if gen != 2 {
		t.Errorf("expected generation 2 for a grandchild, got %d", gen)
	}
}

func TestCrossoverChildHasTwoParentEdges(t *testing.T) {
	s, err := store.New(zap.NewNop(), t.TempDir(), clock.NewReal())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	parentA, _ := s.Create(ctx, draft("parent-a", "owner-1"))
	parentB, _ := s.Create(ctx, draft("parent-b", "owner-1"))
	if err := s.AddEdge(ctx, types.LineageEdge{ParentID: "root", ChildID: parentB.ID, MutationType: types.MutationParamTweak}); err != nil {
		t.Fatalf("AddEdge root->parentB: %v", err)
	}

	child, err := s.CreateChild(ctx, types.Strategy{OwnerID: "owner-1", Name: "crossed", Ruleset: parentA.Ruleset},
		types.LineageEdge{ParentID: parentA.ID, MutationType: types.MutationCrossover, CreatorID: "mutation_engine"},
		types.LineageEdge{ParentID: parentB.ID, MutationType: types.MutationCrossover, CreatorID: "mutation_engine"},
	)
	if err != nil {
		t.Fatalf("CreateChild: %v", err)
	}

	ancestors, err := s.Ancestors(ctx, child.ID)
	if err != nil {
		t.Fatalf("Ancestors: %v", err)
	}
	if len(ancestors) != 3 {
		t.Fatalf("expected both parents and parentB's root among ancestors, got %v", ancestors)
	}

	kidsA, _ := s.Children(ctx, parentA.ID)
	kidsB, _ := s.Children(ctx, parentB.ID)
	if len(kidsA) != 1 || kidsA[0] != child.ID {
		t.Fatalf("expected parentA to list %s as a child, got %v", child.ID, kidsA)
	}
	if len(kidsB) != 1 || kidsB[0] != child.ID {
		t.Fatalf("expected parentB to list %s as a child, got %v", child.ID, kidsB)
	}

	// parentB is one generation deep (root->parentB); the crossover child must
	// inherit the deeper parent's generation, not parentA's (which is 0).
	gen, err := s.Generation(ctx, child.ID)
	if err != nil {
		t.Fatalf("Generation: %v", err)
	}
	if gen != 2 {
		t.Errorf("expected crossover child generation 2 (1+max(0,1)), got %d", gen)
	}
}

func TestPersistenceAcrossReload(t *testing.T) {
	dir := t.TempDir()
	logger := zap.NewNop()
	ctx := context.Background()

	s1, err := store.New(logger, dir, clock.NewReal())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	row, err := s1.Create(ctx, draft("persisted", "owner-1"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	s2, err := store.New(logger, dir, clock.NewReal())
	if err != nil {
		t.Fatalf("New (reload): %v", err)
	}
	got, err := s2.Get(ctx, row.ID)
	if err != nil {
		t.Fatalf("Get after reload: %v", err)
	}
	if got.Name != row.Name {
		t.Errorf("name mismatch after reload: got %s want %s", got.Name, row.Name)
	}
}

func TestConcurrentStoreAccess(t *testing.T) {
	s, err := store.New(zap.NewNop(), t.TempDir(), clock.NewReal())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	seed, _ := s.Create(ctx, draft("seed", "owner-1"))

	done := make(chan bool)
	for i := 0; i < 5; i++ {
		go func() {
			for j := 0; j < 50; j++ {
				_, _ = s.Get(ctx, seed.ID)
				_, _ = s.ListActive(ctx, store.ListFilter{})
			}
			done <- true
		}()
	}
	for i := 0; i < 3; i++ {
		go func(id int) {
			for j := 0; j < 20; j++ {
				_, _ = s.Create(ctx, draft("concurrent", "owner-1"))
			}
			done <- true
		}(i)
	}
	for i := 0; i < 8; i++ {
		<-done
	}
}
