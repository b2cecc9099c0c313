package signalgateway_test

import (
	"context"
	"testing"
	"time"

	"github.com/atlas-desktop/strategy-evolution/internal/clock"
	"github.com/atlas-desktop/strategy-evolution/internal/mdg"
	"github.com/atlas-desktop/strategy-evolution/internal/signalgateway"
	"github.com/atlas-desktop/strategy-evolution/internal/store"
	"github.com/atlas-desktop/strategy-evolution/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type fakeProvider struct {
	candles []types.OHLCV
	price   float64
}

func (p *fakeProvider) Key() string { return "fake" }

func (p *fakeProvider) GetPrice(ctx context.Context, symbol string) (types.PriceSnapshot, error) {
	return types.PriceSnapshot{Symbol: symbol, Price: p.price}, nil
}

func (p *fakeProvider) GetCandles(ctx context.Context, symbol string, tf types.Timeframe, count int) ([]types.OHLCV, error) {
	return p.candles, nil
}

func pctPtr(v float64) *float64 { return &v }

func risingCandles(n int, start time.Time) []types.OHLCV {
	out := make([]types.OHLCV, 0, n)
	price := 100.0
	for i := 0; i < n; i++ {
		price += 0.2
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
			TakeProfitPct:    pctPtr(0.10),
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

type fakeRegimeReader struct {
	ctx types.RegimeContext
	ok  bool
}

func (f *fakeRegimeReader) Regime(ctx context.Context, symbol string) (types.RegimeContext, bool) {
	return f.ctx, f.ok
}

func makeEligibleStrategy(t *testing.T, st *store.Store) *types.Strategy {
	t.Helper()
	created, err := st.Create(context.Background(), sampleDraft())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	score := 0.85
	updated, err := st.UpdateAtomic(context.Background(), created.ID, created.UpdatedAt, func(s *types.Strategy) {
		s.Status = types.StatusProposable
		s.Score = &score
		s.LastMetrics = &types.MetricsRecord{TotalTrades: 80, WinRate: 0.6}
	})
	if err != nil {
		t.Fatalf("UpdateAtomic: %v", err)
	}
	return updated
}

func TestGenerateRejectsIneligibleStrategy(t *testing.T) {
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

	provider := &fakeProvider{candles: risingCandles(200, clk.Now().Add(-200*time.Hour)), price: 140}
	gw := mdg.New(zap.NewNop(), clk, []mdg.Provider{provider}, nil)
	sg := signalgateway.New(zap.NewNop(), st, gw, nil, nil, nil)

	_, err = sg.Generate(context.Background(), created.ID, signalgateway.RiskContext{UserRiskMultiplier: 1})
	if err == nil {
		t.Fatal("expected ineligible strategy to be rejected")
	}
}

func TestGenerateProducesSignalForEligibleStrategy(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	st, err := store.New(zap.NewNop(), dir, clk)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	s := makeEligibleStrategy(t, st)

	provider := &fakeProvider{candles: risingCandles(200, clk.Now().Add(-200*time.Hour)), price: 140}
	gw := mdg.New(zap.NewNop(), clk, []mdg.Provider{provider}, nil)
	regimes := &fakeRegimeReader{ctx: types.RegimeContext{Label: types.RegimeTrending, Stability: 0.8, OverfittingRisk: types.OverfittingLow, Confidence: 0.9}, ok: true}
	sink := &recordingSink{}
	sg := signalgateway.New(zap.NewNop(), st, gw, regimes, sink, nil)

	signal, err := sg.Generate(context.Background(), s.ID, signalgateway.RiskContext{
		UserRiskMultiplier: 1.0,
		PortfolioValue:     decimal.NewFromInt(10000),
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if signal.Confidence < 0.5 {
		t.Errorf("expected confidence above floor, got %v", signal.Confidence)
	}
	if len(sink.events) == 0 {
		t.Error("expected signal_generated event to be recorded")
	}
}

func TestGenerateRejectsLowConfidence(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	st, err := store.New(zap.NewNop(), dir, clk)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	s := makeEligibleStrategy(t, st)

	provider := &fakeProvider{candles: risingCandles(200, clk.Now().Add(-200*time.Hour)), price: 140}
	gw := mdg.New(zap.NewNop(), clk, []mdg.Provider{provider}, nil)
	regimes := &fakeRegimeReader{ctx: types.RegimeContext{Label: types.RegimeRanging, Stability: 0.1, OverfittingRisk: types.OverfittingHigh, Confidence: 0.2}, ok: true}
	sg := signalgateway.New(zap.NewNop(), st, gw, regimes, nil, nil)

	_, err = sg.Generate(context.Background(), s.ID, signalgateway.RiskContext{
		UserRiskMultiplier:  0.3,
		AncestorInstability: 0.9,
	})
	if err == nil {
		t.Fatal("expected low-confidence signal to be rejected")
	}
}
