package backtester_test

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/atlas-desktop/strategy-evolution/internal/backtester"
	"github.com/atlas-desktop/strategy-evolution/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func pctPtr(f float64) *float64 { return &f }

func trendingCandles(n int, start float64, trendPerStep float64) []types.OHLCV {
	candles := make([]types.OHLCV, n)
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	price := start
	for i := 0; i < n; i++ {
		open := price
		price = price * (1 + trendPerStep)
		high := math.Max(open, price) * 1.002
		low := math.Min(open, price) * 0.998
		candles[i] = types.OHLCV{
			Timestamp: ts.Add(time.Duration(i) * 24 * time.Hour),
			Open:      decimal.NewFromFloat(open),
			High:      decimal.NewFromFloat(high),
			Low:       decimal.NewFromFloat(low),
			Close:     decimal.NewFromFloat(price),
			Volume:    decimal.NewFromFloat(1000),
		}
	}
	return candles
}

// dipThenTrend returns a short decline followed by a steady climb, so the
// 5/20 SMA pair crosses upward once inside the window (a series that rises
// from its first candle never has a prior bar with the fast SMA below).
func dipThenTrend(down, up int, start, trendPerStep float64) []types.OHLCV {
	candles := trendingCandles(down, start, -0.01)
	last, _ := candles[down-1].Close.Float64()
	rise := trendingCandles(up, last, trendPerStep)
	for i := range rise {
		rise[i].Timestamp = rise[i].Timestamp.Add(time.Duration(down) * 24 * time.Hour)
	}
	return append(candles, rise...)
}

func momentumRuleset() types.Ruleset {
	return types.Ruleset{
		EntryRules: []types.RuleNode{{
			Kind: types.RuleCrosses,
			Fast: types.Indicator{Name: "sma", Lookback: 5},
			Slow: types.Indicator{Name: "sma", Lookback: 20},
			Direction: types.CrossAbove,
		}},
		ExitRules: []types.RuleNode{{
			Kind: types.RuleCrosses,
			Fast: types.Indicator{Name: "sma", Lookback: 5},
			Slow: types.Indicator{Name: "sma", Lookback: 20},
			Direction: types.CrossBelow,
		}},
		StopLossPct:      pctPtr(0.10),
		TakeProfitPct:    pctPtr(0.20),
		DefaultSymbol:    "TEST",
		DefaultTimeframe: types.Timeframe1d,
		PositionSizing:   types.SizingSpec{Method: "fixed_fraction", RiskPerTrade: 0.5},
	}
}

func TestRunInsufficientData(t *testing.T) {
	config := types.DefaultBacktestConfig()
	config.MinCandles = 60
	candles := trendingCandles(10, 100, 0.01)

	_, err := backtester.Run(context.Background(), zap.NewNop(), momentumRuleset(), candles, config)
	if err == nil {
		t.Fatal("expected InsufficientData error, got nil")
	}
}

func TestRunExactlyMinCandlesProceeds(t *testing.T) {
	config := types.DefaultBacktestConfig()
	config.MinCandles = 60
	candles := trendingCandles(60, 100, 0.01)

	record, err := backtester.Run(context.Background(), zap.NewNop(), momentumRuleset(), candles, config)
	if err != nil {
		t.Fatalf("unexpected error at exactly min_candles: %v", err)
	}
	if record == nil {
		t.Fatal("expected a MetricsRecord")
	}
	if len(record.EquityCurve) != len(candles) {
		t.Errorf("expected one equity point per candle, got %d for %d candles", len(record.EquityCurve), len(candles))
	}
}

func TestRunPopulatesTrainAndTestSplitMetrics(t *testing.T) {
	config := types.DefaultBacktestConfig()
	config.TrainRatio = 0.70
	candles := trendingCandles(200, 100, 0.01)

	record, err := backtester.Run(context.Background(), zap.NewNop(), momentumRuleset(), candles, config)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if record.TrainMetrics == nil || record.TestMetrics == nil {
		t.Fatal("expected Run to populate both TrainMetrics and TestMetrics")
	}
	if record.TrainMetrics.TrainMetrics != nil || record.TrainMetrics.TestMetrics != nil {
		t.Error("expected TrainMetrics to not nest further split records")
	}
	if record.TestMetrics.TrainMetrics != nil || record.TestMetrics.TestMetrics != nil {
		t.Error("expected TestMetrics to not nest further split records")
	}
	if record.TestWinRateOrFull() != record.TestMetrics.WinRate {
		t.Errorf("expected TestWinRateOrFull to return the test split's win rate, got %v want %v",
			record.TestWinRateOrFull(), record.TestMetrics.WinRate)
	}
}

func TestTestWinRateOrFullFallsBackWithoutSplit(t *testing.T) {
	m := &types.MetricsRecord{WinRate: 0.55}
	if got := m.TestWinRateOrFull(); got != 0.55 {
		t.Errorf("expected fallback to full-sample WinRate when TestMetrics is nil, got %v", got)
	}
}

func TestRunInvalidRulesetRejected(t *testing.T) {
	config := types.DefaultBacktestConfig()
	candles := trendingCandles(120, 100, 0.01)
	invalid := types.Ruleset{DefaultSymbol: "TEST"} // no entry rules, no exit policy

	_, err := backtester.Run(context.Background(), zap.NewNop(), invalid, candles, config)
	if err == nil {
		t.Fatal("expected validation error for ruleset with no entry rules or exit policy")
	}
}

func TestRunUptrendProducesPositiveReturn(t *testing.T) {
	config := types.DefaultBacktestConfig()
	candles := dipThenTrend(30, 170, 100, 0.01)

	record, err := backtester.Run(context.Background(), zap.NewNop(), momentumRuleset(), candles, config)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if record.TotalTrades == 0 {
		t.Fatal("expected at least one trade on a strong uptrend")
	}
	if record.ProfitFactor < 1 && !math.IsInf(record.ProfitFactor, 1) {
		t.Errorf("expected profitable strategy on steady uptrend, got profit factor %v", record.ProfitFactor)
	}
}

func TestRunProfitFactorInfSentinelWhenNoLosses(t *testing.T) {
	config := types.DefaultBacktestConfig()
	candles := dipThenTrend(30, 120, 100, 0.02)

	record, err := backtester.Run(context.Background(), zap.NewNop(), momentumRuleset(), candles, config)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if record.TotalTrades == 0 {
		t.Fatal("expected at least one trade after the dip")
	}
	if record.WinRate == 1 && !math.IsInf(record.ProfitFactor, 1) {
		t.Errorf("expected +Inf profit factor when every trade wins, got %v", record.ProfitFactor)
	}
	if !math.IsInf(record.ProfitFactor, 1) {
		t.Logf("profit factor %v (not all runs on a clean uptrend are loss-free; informational)", record.ProfitFactor)
	}
}

func TestRunContextCancellation(t *testing.T) {
	config := types.DefaultBacktestConfig()
	candles := trendingCandles(120, 100, 0.01)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := backtester.Run(ctx, zap.NewNop(), momentumRuleset(), candles, config)
	if err == nil {
		t.Fatal("expected error for a cancelled context")
	}
}
