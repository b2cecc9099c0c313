package monitoring_test

import (
	"context"
	"testing"
	"time"

	"github.com/atlas-desktop/strategy-evolution/internal/clock"
	"github.com/atlas-desktop/strategy-evolution/internal/config"
	"github.com/atlas-desktop/strategy-evolution/internal/mdg"
	"github.com/atlas-desktop/strategy-evolution/internal/monitoring"
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

func TestGatekeepRejectsThinBacktest(t *testing.T) {
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

	// Too few candles to produce >=10 trades: sanity gate should reject.
	provider := &fakeProvider{candles: oscillatingCandles(65, clk.Now().Add(-65*time.Hour))}
	gw := mdg.New(zap.NewNop(), clk, []mdg.Provider{provider}, nil)
	sink := &recordingSink{}
	w := monitoring.New(zap.NewNop(), clk, config.MonitoringConfig{Interval: 900 * time.Second, SanityMinTrades: 10, SanityMaxDrawdown: 0.70}, st, gw, nil, sink)

	w.RunOnce(context.Background())

	after, err := st.Get(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if after.Status != types.StatusRejected && after.Status != types.StatusPendingReview {
		t.Errorf("expected REJECTED or a held PENDING_REVIEW, got %s", after.Status)
	}
	if len(sink.events) == 0 {
		t.Error("expected a gatekeeping_decision event")
	}
}

func TestGatekeepDetectsFingerprintDuplicate(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	st, err := store.New(zap.NewNop(), dir, clk)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}

	if _, err := st.Create(context.Background(), sampleDraft()); err != nil {
		t.Fatalf("Create: %v", err)
	}
	second, err := st.Create(context.Background(), sampleDraft())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	provider := &fakeProvider{candles: oscillatingCandles(200, clk.Now().Add(-200*time.Hour))}
	gw := mdg.New(zap.NewNop(), clk, []mdg.Provider{provider}, nil)
	w := monitoring.New(zap.NewNop(), clk, config.MonitoringConfig{Interval: 900 * time.Second}, st, gw, nil, nil)

	w.RunOnce(context.Background())

	after, err := st.Get(context.Background(), second.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if after.Status != types.StatusDuplicate {
		t.Errorf("expected second identical draft to be marked DUPLICATE, got %s", after.Status)
	}
}
