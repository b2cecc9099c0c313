// Package integration_test exercises the Strategy Lifecycle and Evolution
// Engine end to end: Strategy Store, Evolution Worker, Monitoring Worker,
// Signal Gateway, Royalty Emitter, and the admin HTTP surface wired
// together the way cmd/strategyevo's `serve` command wires them.
package integration_test

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/atlas-desktop/strategy-evolution/internal/adminapi"
	"github.com/atlas-desktop/strategy-evolution/internal/clock"
	"github.com/atlas-desktop/strategy-evolution/internal/config"
	"github.com/atlas-desktop/strategy-evolution/internal/evolution"
	"github.com/atlas-desktop/strategy-evolution/internal/mdg"
	"github.com/atlas-desktop/strategy-evolution/internal/mdg/mockprovider"
	"github.com/atlas-desktop/strategy-evolution/internal/memorysink"
	"github.com/atlas-desktop/strategy-evolution/internal/monitoring"
	"github.com/atlas-desktop/strategy-evolution/internal/royalty"
	"github.com/atlas-desktop/strategy-evolution/internal/signalgateway"
	"github.com/atlas-desktop/strategy-evolution/internal/store"
	"github.com/atlas-desktop/strategy-evolution/pkg/types"
	"go.uber.org/zap"
)

func pctPtr(v float64) *float64 { return &v }

func sampleDraft(name string) types.StrategyDraft {
	return types.StrategyDraft{
		Name:    name,
		OwnerID: "owner-1",
		Ruleset: types.Ruleset{
			EntryRules: []types.RuleNode{{
				Kind:      types.RuleThreshold,
				Indicator: types.Indicator{Name: "rsi", Lookback: 14},
				Op:        types.OpLT,
				Value:     30,
			}},
			ExitRules:        []types.RuleNode{},
			StopLossPct:      pctPtr(0.05),
			TakeProfitPct:    pctPtr(0.10),
			DefaultSymbol:    "BTC/USDT",
			DefaultTimeframe: types.Timeframe1h,
			PositionSizing:   types.SizingSpec{Method: "risk_fraction", RiskPerTrade: 0.02},
		},
		AssetType: types.AssetCrypto,
	}
}

func newHarness(t *testing.T) (*store.Store, *memorysink.Sink, *mdg.Gateway, clock.Clock) {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	st, err := store.New(zap.NewNop(), t.TempDir(), clk)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	sink, err := memorysink.New(zap.NewNop(), clk, t.TempDir())
	if err != nil {
		t.Fatalf("memorysink.New: %v", err)
	}
	provider := mockprovider.New(clk, 42)
	gw := mdg.New(zap.NewNop(), clk, []mdg.Provider{provider}, nil)
	return st, sink, gw, clk
}

// TestEvolutionAndMonitoringLifecycle drives a freshly created strategy
// through RunOnce cycles of both workers and asserts it advances out of
// PENDING_REVIEW.
func TestEvolutionAndMonitoringLifecycle(t *testing.T) {
	st, sink, gw, clk := newHarness(t)
	ctx := context.Background()

	created, err := st.Create(ctx, sampleDraft("lifecycle-test"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.Status != types.StatusPendingReview {
		t.Fatalf("expected new strategy PENDING_REVIEW, got %s", created.Status)
	}

	cfg := config.Default()
	ew := evolution.New(zap.NewNop(), clk, cfg.Evolution, st, gw, nil, sink)
	mw := monitoring.New(zap.NewNop(), clk, cfg.Monitoring, st, gw, sink, sink)

	for i := 0; i < 3; i++ {
		ew.RunOnce(ctx)
		mw.RunOnce(ctx)
	}

	updated, err := st.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if updated.Status == types.StatusPendingReview {
		t.Errorf("expected strategy to advance past PENDING_REVIEW after backtesting, still %s", updated.Status)
	}
}

// TestSignalGatewayRejectsIneligibleStrategy confirms the Signal Gateway
// refuses to generate a signal for a strategy that has never been promoted.
func TestSignalGatewayRejectsIneligibleStrategy(t *testing.T) {
	st, sink, gw, _ := newHarness(t)
	ctx := context.Background()

	created, err := st.Create(ctx, sampleDraft("ineligible"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	sg := signalgateway.New(zap.NewNop(), st, gw, sink, sink, nil)
	if _, err := sg.Generate(ctx, created.ID, signalgateway.RiskContext{UserRiskMultiplier: 1.0}); err == nil {
		t.Error("expected Generate to reject a PENDING_REVIEW strategy, got nil error")
	}
}

// TestRoyaltyEmitterRecordsSettlement fires a settlement event through the
// Royalty Emitter and confirms the ledger receives a record for the
// strategy's owner.
func TestRoyaltyEmitterRecordsSettlement(t *testing.T) {
	st, _, _, clk := newHarness(t)
	ctx := context.Background()

	created, err := st.Create(ctx, sampleDraft("royalty-test"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	cfg := config.RoyaltyConfig{Enabled: true, RetryLimit: 3, RetryDelay: 10 * time.Millisecond}
	ledger := royalty.NewInMemoryLedger()
	emitter := royalty.New(zap.NewNop(), clk, cfg, st, ledger)

	emitter.OnSettled(ctx, types.SettledEvent{
		TradeID:     "trade-1",
		StrategyID:  created.ID,
		RealizedPnL: 200,
		UserPlan:    "pro",
	})

	deadline := time.Now().Add(2 * time.Second)
	for len(ledger.Records()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	records := ledger.Records()
	if len(records) != 1 {
		t.Fatalf("expected 1 royalty record, got %d", len(records))
	}
	if records[0].OwnerID != "owner-1" {
		t.Errorf("expected owner-1, got %s", records[0].OwnerID)
	}
	if records[0].Royalty != 20 {
		t.Errorf("expected royalty 20 (10%% pro rate of 200), got %v", records[0].Royalty)
	}
}

// TestAdminAPIHealthAndStrategies spins up the admin HTTP surface and
// exercises its read-only status endpoints.
func TestAdminAPIHealthAndStrategies(t *testing.T) {
	st, _, _, _ := newHarness(t)
	ctx := context.Background()

	if _, err := st.Create(ctx, sampleDraft("admin-api-test")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	srv := adminapi.New(zap.NewNop(), adminapi.Config{Host: "127.0.0.1", Port: "18199"}, st, nil, nil, nil, nil)
	srv.Start()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Stop(shutdownCtx)
	}()
	time.Sleep(50 * time.Millisecond)

	baseURL := "http://127.0.0.1:18199"

	resp, err := http.Get(baseURL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	resp, err = http.Get(baseURL + "/strategies")
	if err != nil {
		t.Fatalf("GET /strategies: %v", err)
	}
	defer resp.Body.Close()
	var strategies []*types.Strategy
	if err := json.NewDecoder(resp.Body).Decode(&strategies); err != nil {
		t.Fatalf("decoding /strategies: %v", err)
	}
	if len(strategies) != 1 {
		t.Fatalf("expected 1 active strategy, got %d", len(strategies))
	}
}
