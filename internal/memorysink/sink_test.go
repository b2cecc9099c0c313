package memorysink_test

import (
	"context"
	"testing"
	"time"

	"github.com/atlas-desktop/strategy-evolution/internal/clock"
	"github.com/atlas-desktop/strategy-evolution/internal/memorysink"
	"github.com/atlas-desktop/strategy-evolution/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func TestRecordEventIsIdempotentPerSecond(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	sink, err := memorysink.New(zap.NewNop(), clk, dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	sink.RecordEvent(context.Background(), "backtest_completed", "s1", map[string]any{"score": 0.5})
	sink.RecordEvent(context.Background(), "backtest_completed", "s1", map[string]any{"score": 0.5})

	got := sink.Query(context.Background(), "s1")
	if len(got) != 1 {
		t.Errorf("expected exactly one deduplicated record, got %d", len(got))
	}
}

func TestRecordEventPersistsAcrossReload(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	sink, err := memorysink.New(zap.NewNop(), clk, dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sink.RecordEvent(context.Background(), "strategy_mutated", "s2", map[string]any{"parent_id": "s1"})

	reloaded, err := memorysink.New(zap.NewNop(), clk, dir)
	if err != nil {
		t.Fatalf("reload New: %v", err)
	}
	got := reloaded.Query(context.Background(), "s2")
	if len(got) != 1 {
		t.Errorf("expected persisted record to survive reload, got %d", len(got))
	}
}

func TestRegimeUnavailableBeforeCandlesFed(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	sink, err := memorysink.New(zap.NewNop(), clk, dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, ok := sink.Regime(context.Background(), "BTC/USDT"); ok {
		t.Error("expected Regime to report unavailable before any candles are fed")
	}

	candles := make([]types.OHLCV, 0, 40)
	price := 100.0
	start := clk.Now().Add(-40 * time.Hour)
	for i := 0; i < 40; i++ {
		price += 0.3
		p := decimal.NewFromFloat(price)
		candles = append(candles, types.OHLCV{
			Timestamp: start.Add(time.Duration(i) * time.Hour),
			Open:      p,
			High:      p,
			Low:       p,
			Close:     p,
			Volume:    decimal.NewFromInt(100),
		})
	}
	sink.FeedCandles("BTC/USDT", candles)
	// A detector with too few samples may still report Unknown/zero
	// confidence; the contract under test is that Regime never panics and
	// consistently reports availability via its bool, not that it always
	// converges within one short synthetic feed.
	_, _ = sink.Regime(context.Background(), "BTC/USDT")
}
