// Package store is the Strategy Store and Lineage Index: the single
// authority over Strategy rows and their parent/child mutation edges.
// Grounded on internal/data/store.go's in-memory-map-plus-JSON-file
// persistence pattern, generalized from OHLCV candle files to Strategy
// rows and lineage edges.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/atlas-desktop/strategy-evolution/internal/clock"
	"github.com/atlas-desktop/strategy-evolution/internal/errs"
	"github.com/atlas-desktop/strategy-evolution/internal/ruleset"
	"github.com/atlas-desktop/strategy-evolution/pkg/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Store owns every Strategy row and lineage edge. All mutation is
// serialized through mu, matching internal/data/store.go's coarse
// single-lock design; the population this guards is small enough
// (N_max strategies, a bounded edge set) that per-row locking would
// buy nothing but complexity.
type Store struct {
	mu sync.RWMutex

	logger  *zap.Logger
	dataDir string
	clock   clock.Clock

	strategies map[string]*types.Strategy
	edges      []types.LineageEdge
	history    []types.BacktestHistory

	// fingerprints indexes canonicalized ruleset+parameter hashes to the
	// strategy id that first claimed them, for MW duplicate detection.
	fingerprints map[string]string
}

// New creates a Store backed by dataDir, loading any persisted snapshot.
func New(logger *zap.Logger, dataDir string, clk clock.Clock) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, errs.Unavailable("store.New", fmt.Errorf("create data dir: %w", err))
	}
	s := &Store{
		logger:       logger,
		dataDir:      dataDir,
		clock:        clk,
		strategies:   make(map[string]*types.Strategy),
		fingerprints: make(map[string]string),
	}
	if err := s.load(); err != nil {
		logger.Warn("store: no prior snapshot loaded", zap.Error(err))
	}
	return s, nil
}

// Create inserts a new Strategy in PENDING_REVIEW, assigning it an id and
// fingerprint. The row is persisted even when the fingerprint collides with
// an existing strategy: the fingerprint stays claimed by the earlier id, so
// FingerprintDuplicate reports the new row as a duplicate and the Status
// Machine can reject it.
func (s *Store) Create(ctx context.Context, draft types.StrategyDraft) (*types.Strategy, error) {
	if draft.Name == "" || draft.OwnerID == "" {
		return nil, errs.Validation("store.Create", fmt.Errorf("name and owner_id are required"))
	}
	if err := ruleset.Validate(draft.Ruleset); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	row := &types.Strategy{
		ID:         uuid.NewString(),
		OwnerID:    draft.OwnerID,
		Name:       draft.Name,
		Parameters: draft.Parameters,
		Ruleset:    draft.Ruleset,
		AssetType:  draft.AssetType,
		Status:     types.StatusPendingReview,
		IsActive:   true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	fp := fingerprint(row.Ruleset, row.Parameters)
	s.strategies[row.ID] = row
	if _, exists := s.fingerprints[fp]; !exists {
		s.fingerprints[fp] = row.ID
	}
	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	return cloneStrategy(row), nil
}

// CreateChild inserts a Mutation Engine-produced Strategy and its lineage
// edge(s) atomically: a child must never exist without at least one edge
// recording how it was derived, so a persist failure leaves no orphaned row
// behind. A crossover child carries two edges, one per parent, so both
// parents are first-class in the Lineage Index rather than one of them
// living only inside MutationParams.
func (s *Store) CreateChild(ctx context.Context, child types.Strategy, edges ...types.LineageEdge) (*types.Strategy, error) {
	if len(edges) == 0 {
		return nil, errs.Validation("store.CreateChild", fmt.Errorf("at least one lineage edge is required"))
	}
	if err := ruleset.Validate(child.Ruleset); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	child.ID = uuid.NewString()
	child.CreatedAt = now
	child.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	fp := fingerprint(child.Ruleset, child.Parameters)
	s.strategies[child.ID] = &child
	if _, exists := s.fingerprints[fp]; !exists {
		s.fingerprints[fp] = child.ID
	}
	for _, edge := range edges {
		edge.ChildID = child.ID
		edge.CreatedAt = now
		s.edges = append(s.edges, edge)
	}
	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	return cloneStrategy(&child), nil
}

// Get retrieves one Strategy by id.
func (s *Store) Get(ctx context.Context, id string) (*types.Strategy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.strategies[id]
	if !ok {
		return nil, errs.NotFound("store.Get", fmt.Errorf("strategy %s", id))
	}
	return cloneStrategy(row), nil
}

// Diff is a partial-update closure applied under the store's write lock,
// so a caller can express "flip status and bump evaluation_cycles" as one
// atomic unit instead of a read-modify-write race.
type Diff func(*types.Strategy)

// UpdateAtomic applies diff to the row matching id, using expectedUpdatedAt
// as a compare-and-swap token: if the row has been mutated since the
// caller last read it, UpdateAtomic fails with a Conflict error instead of
// silently overwriting a concurrent change (EW and MW can race on the same
// row between one periodic sweep and the next).
func (s *Store) UpdateAtomic(ctx context.Context, id string, expectedUpdatedAt time.Time, diff Diff) (*types.Strategy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.strategies[id]
	if !ok {
		return nil, errs.NotFound("store.UpdateAtomic", fmt.Errorf("strategy %s", id))
	}
	if !row.UpdatedAt.Equal(expectedUpdatedAt) {
		return nil, errs.Conflict("store.UpdateAtomic", fmt.Errorf("strategy %s was modified concurrently", id))
	}

	updated := cloneStrategy(row)
	diff(updated)
	updated.UpdatedAt = s.clock.Now()
	s.strategies[id] = updated

	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	return cloneStrategy(updated), nil
}

// ListFilter narrows ListActive's result set.
type ListFilter struct {
	Status         *types.StrategyStatus
	OnlyActive     bool
	StaleAfter     time.Duration // last_backtest_at older than now-StaleAfter, or never backtested
	NeverBacktested bool
}

// ListActive returns every Strategy matching filter, sorted by id for a
// deterministic iteration order across repeated sweeps.
func (s *Store) ListActive(ctx context.Context, filter ListFilter) ([]*types.Strategy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.clock.Now()
	var out []*types.Strategy
	for _, row := range s.strategies {
		if filter.OnlyActive && !row.IsActive {
			continue
		}
		if filter.Status != nil && row.Status != *filter.Status {
			continue
		}
		if filter.NeverBacktested && row.LastBacktestAt != nil {
			continue
		}
		if filter.StaleAfter > 0 && row.LastBacktestAt != nil && now.Sub(*row.LastBacktestAt) < filter.StaleAfter {
			continue
		}
		out = append(out, cloneStrategy(row))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// RecordBacktest appends an immutable history row; Strategy Store history
// is append-only regardless of how many times a row's live status flips.
func (s *Store) RecordBacktest(ctx context.Context, h types.BacktestHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h.ID = uuid.NewString()
	h.CreatedAt = s.clock.Now()
	s.history = append(s.history, h)
	return s.persistLocked()
}

// FingerprintDuplicate reports whether strategy id's canonical
// ruleset+parameter fingerprint is already claimed by a different id.
func (s *Store) FingerprintDuplicate(ctx context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.strategies[id]
	if !ok {
		return false, errs.NotFound("store.FingerprintDuplicate", fmt.Errorf("strategy %s", id))
	}
	fp := fingerprint(row.Ruleset, row.Parameters)
	owner, exists := s.fingerprints[fp]
	return exists && owner != id, nil
}

// AddEdge records one Mutation Engine parent→child creation. The Lineage
// Index is append-only. AddEdge does not check that ChildID is new or that
// the graph stays acyclic; Ancestors and Generation guard their walks
// against cycles.
func (s *Store) AddEdge(ctx context.Context, edge types.LineageEdge) error {
	if edge.ParentID == "" || edge.ChildID == "" {
		return errs.Validation("store.AddEdge", fmt.Errorf("parent_id and child_id are required"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	edge.CreatedAt = s.clock.Now()
	s.edges = append(s.edges, edge)
	return s.persistLocked()
}

// Ancestors walks the Lineage Index backward from id, returning every
// strategy id reachable by following ParentID edges, nearest first. A
// crossover child has two parent edges, so the walk is a breadth-first
// traversal of a DAG rather than a single linear chain.
func (s *Store) Ancestors(ctx context.Context, id string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byChild := s.parentsByChildLocked()
	var chain []string
	seen := map[string]bool{id: true}
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, parent := range byChild[cur] {
			if seen[parent] {
				continue
			}
			seen[parent] = true
			chain = append(chain, parent)
			queue = append(queue, parent)
		}
	}
	return chain, nil
}

// parentsByChildLocked indexes the Lineage Index by child id; callers must
// hold mu. A child produced by crossover maps to both of its parent ids.
func (s *Store) parentsByChildLocked() map[string][]string {
	byChild := make(map[string][]string, len(s.edges))
	for _, e := range s.edges {
		byChild[e.ChildID] = append(byChild[e.ChildID], e.ParentID)
	}
	return byChild
}

// Children returns every strategy id the Mutation Engine created directly
// from id.
func (s *Store) Children(ctx context.Context, id string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var kids []string
	for _, e := range s.edges {
		if e.ParentID == id {
			kids = append(kids, e.ChildID)
		}
	}
	sort.Strings(kids)
	return kids, nil
}

// Generation reports 1+max(generation(parents)), or 0 for an upload-origin
// strategy with no parent edge (invariant 5). A crossover child's
// generation is driven by its deeper parent, not either parent in
// isolation.
func (s *Store) Generation(ctx context.Context, id string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byChild := s.parentsByChildLocked()
	memo := make(map[string]int, len(byChild))
	return generationOf(id, byChild, memo, map[string]bool{}), nil
}

// generationOf recurses up the Lineage Index DAG; visiting guards against a
// malformed edge set forming a cycle so a lookup can never loop forever.
func generationOf(id string, byChild map[string][]string, memo map[string]int, visiting map[string]bool) int {
	if g, ok := memo[id]; ok {
		return g
	}
	parents := byChild[id]
	if len(parents) == 0 || visiting[id] {
		memo[id] = 0
		return 0
	}
	visiting[id] = true
	max := -1
	for _, p := range parents {
		if g := generationOf(p, byChild, memo, visiting); g > max {
			max = g
		}
	}
	visiting[id] = false
	g := 1 + max
	memo[id] = g
	return g
}

// fingerprint canonicalizes a ruleset and parameter map into a stable hash
// so structurally identical strategies collide regardless of map
// iteration order or cosmetic field ordering in the ruleset tree.
func fingerprint(rs types.Ruleset, params map[string]any) string {
	canon := struct {
		Ruleset types.Ruleset  `json:"ruleset"`
		Params  map[string]any `json:"params"`
	}{rs, params}
	b, _ := json.Marshal(canon) // encoding/json sorts map keys deterministically
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func cloneStrategy(s *types.Strategy) *types.Strategy {
	c := *s
	return &c
}

type snapshot struct {
	Strategies   map[string]*types.Strategy `json:"strategies"`
	Edges        []types.LineageEdge        `json:"edges"`
	History      []types.BacktestHistory    `json:"history"`
	Fingerprints map[string]string          `json:"fingerprints"`
}

func (s *Store) snapshotPath() string {
	return filepath.Join(s.dataDir, "strategy_store.json")
}

// persistLocked writes the full snapshot to disk; callers must hold mu.
func (s *Store) persistLocked() error {
	snap := snapshot{
		Strategies:   s.strategies,
		Edges:        s.edges,
		History:      s.history,
		Fingerprints: s.fingerprints,
	}
	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return errs.Internal("store.persist", err)
	}
	if err := os.WriteFile(s.snapshotPath(), b, 0o644); err != nil {
		return errs.Unavailable("store.persist", err)
	}
	return nil
}

func (s *Store) load() error {
	b, err := os.ReadFile(s.snapshotPath())
	if err != nil {
		return err
	}
	var snap snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if snap.Strategies != nil {
		s.strategies = snap.Strategies
	}
	s.edges = snap.Edges
	s.history = snap.History
	if snap.Fingerprints != nil {
		s.fingerprints = snap.Fingerprints
	}
	return nil
}
