package evolution_test

import (
	"context"
	"testing"
	"time"

	"github.com/atlas-desktop/strategy-evolution/internal/clock"
	"github.com/atlas-desktop/strategy-evolution/internal/config"
	"github.com/atlas-desktop/strategy-evolution/internal/evolution"
	"github.com/atlas-desktop/strategy-evolution/internal/mdg"
	"github.com/atlas-desktop/strategy-evolution/internal/mutation"
	"github.com/atlas-desktop/strategy-evolution/internal/store"
	"github.com/atlas-desktop/strategy-evolution/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type fakeProvider struct {
	candles []types.OHLCV
}

func (p *fakeProvider) Key() string { return "fake" }

func (p *fakeProvider) GetPrice(ctx context.Context, symbol string) (types.PriceSnapshot, error) {
	return types.PriceSnapshot{Symbol: symbol, Price: 100}, nil
}

func (p *fakeProvider) GetCandles(ctx context.Context, symbol string, tf types.Timeframe, count int) ([]types.OHLCV, error) {
	return p.candles, nil
}

func oscillatingCandles(n int, start time.Time) []types.OHLCV {
	out := make([]types.OHLCV, 0, n)
	price := 100.0
	for i := 0; i < n; i++ {
		if i%2 == 0 {
			price += 1
		} else {
			price -= 0.5
		}
		p := decimal.NewFromFloat(price)
		out = append(out, types.OHLCV{
			Timestamp: start.Add(time.Duration(i) * time.Hour),
			Open:      p,
			High:      p.Add(decimal.NewFromFloat(1)),
			Low:       p.Sub(decimal.NewFromFloat(1)),
			Close:     p,
			Volume:    decimal.NewFromInt(1000),
		})
	}
	return out
}

func pctPtr(v float64) *float64 { return &v }

func sampleDraft() types.StrategyDraft {
	return types.StrategyDraft{
		Name:    "rsi-dip",
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
			DefaultSymbol:    "BTC/USDT",
			DefaultTimeframe: types.Timeframe1h,
			PositionSizing:   types.SizingSpec{Method: "risk_fraction", RiskPerTrade: 0.02},
		},
		AssetType: types.AssetCrypto,
	}
}

type recordingSink struct {
	events []string
}

func (r *recordingSink) RecordEvent(ctx context.Context, kind string, strategyID string, fields map[string]any) {
	r.events = append(r.events, kind)
}

func TestRunOnceBacktestsAndUpdatesBookkeeping(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	st, err := store.New(zap.NewNop(), dir, clk)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}

	created, err := st.Create(context.Background(), sampleDraft())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	provider := &fakeProvider{candles: oscillatingCandles(200, clk.Now().Add(-200*time.Hour))}
	gw := mdg.New(zap.NewNop(), clk, []mdg.Provider{provider}, nil)
	mutator := mutation.New(mutation.DefaultConfig(), mutation.DefaultIndicatorPool(), 42)
	sink := &recordingSink{}

	cfg := config.EvolutionConfig{
		Interval:         480 * time.Second,
		BatchSize:        50,
		MaxParallel:      2,
		PopulationCap:    100,
		StaleAfter:       7 * 24 * time.Hour,
		AttemptsToMutate: 3,
		BacktestDeadline: 5 * time.Second,
		BacktestWindow:   200 * time.Hour,
	}
	w := evolution.New(zap.NewNop(), clk, cfg, st, gw, mutator, sink)

	w.RunOnce(context.Background())

	after, err := st.Get(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if after.LastBacktestAt == nil {
		t.Fatal("expected LastBacktestAt to be set after a cycle")
	}
	if after.Score == nil {
		t.Fatal("expected Score to be set after a cycle")
	}
	if after.EvolutionAttempts != 1 {
		t.Errorf("expected evolution_attempts to increment to 1, got %d", after.EvolutionAttempts)
	}
	if after.Status != types.StatusPendingReview {
		t.Errorf("expected PENDING_REVIEW to be left for the Monitoring Worker's review, got %s", after.Status)
	}
	if len(sink.events) == 0 {
		t.Error("expected at least a backtest_completed event to be emitted")
	}
}

func TestPopulationCapDiscardsLowestScorers(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	st, err := store.New(zap.NewNop(), dir, clk)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := st.Create(context.Background(), sampleDraft()); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	provider := &fakeProvider{candles: oscillatingCandles(200, clk.Now().Add(-200*time.Hour))}
	gw := mdg.New(zap.NewNop(), clk, []mdg.Provider{provider}, nil)
	mutator := mutation.New(mutation.DefaultConfig(), mutation.DefaultIndicatorPool(), 7)

	cfg := config.EvolutionConfig{
		Interval:         480 * time.Second,
		BatchSize:        50,
		MaxParallel:      1,
		PopulationCap:    1,
		StaleAfter:       7 * 24 * time.Hour,
		BacktestDeadline: 5 * time.Second,
		BacktestWindow:   200 * time.Hour,
	}
	w := evolution.New(zap.NewNop(), clk, cfg, st, gw, mutator, nil)
	w.RunOnce(context.Background())

	active, err := st.ListActive(context.Background(), store.ListFilter{OnlyActive: true})
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 1 {
		t.Errorf("expected population cap to leave exactly 1 active strategy, got %d", len(active))
	}
}
