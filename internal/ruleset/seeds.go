package ruleset

import "github.com/atlas-desktop/strategy-evolution/pkg/types"

// Seed is a named starter Ruleset used by the `seed` CLI command to
// idempotently populate the Strategy Store, generalizing the teacher's
// built-in strategies (momentum, mean reversion, breakout, trend-following,
// RSI divergence, VWAP reversion) into typed rule trees.
type Seed struct {
	Name      string
	AssetType types.AssetType
	Ruleset   types.Ruleset
}

func sma(n int) types.Indicator { return types.Indicator{Name: "sma", Lookback: n} }
func ema(n int) types.Indicator { return types.Indicator{Name: "ema", Lookback: n} }
func rsi(n int) types.Indicator { return types.Indicator{Name: "rsi", Lookback: n} }

func pct(f float64) *float64 { return &f }

// Seeds returns the built-in starter rulesets.
func Seeds() []Seed {
	return []Seed{
		{
			Name:      "momentum",
			AssetType: types.AssetEquity,
			Ruleset: types.Ruleset{
				EntryRules: []types.RuleNode{{
					Kind: types.RuleCrosses, Fast: sma(20), Slow: sma(50), Direction: types.CrossAbove,
				}},
				ExitRules: []types.RuleNode{{
					Kind: types.RuleCrosses, Fast: sma(20), Slow: sma(50), Direction: types.CrossBelow,
				}},
				StopLossPct:      pct(0.05),
				TakeProfitPct:    pct(0.05),
				DefaultSymbol:    "AAPL",
				DefaultTimeframe: types.Timeframe1d,
				PositionSizing:   types.SizingSpec{Method: "fixed_fraction", RiskPerTrade: 0.02},
			},
		},
		{
			Name:      "mean_reversion",
			AssetType: types.AssetEquity,
			Ruleset: types.Ruleset{
				EntryRules: []types.RuleNode{{
					Kind: types.RuleThreshold, Indicator: rsi(14), Op: types.OpLE, Value: 30,
				}},
				ExitRules: []types.RuleNode{{
					Kind: types.RuleThreshold, Indicator: rsi(14), Op: types.OpGE, Value: 55,
				}},
				StopLossPct:      pct(0.04),
				DefaultSymbol:    "SPY",
				DefaultTimeframe: types.Timeframe1d,
				PositionSizing:   types.SizingSpec{Method: "fixed_fraction", RiskPerTrade: 0.015},
			},
		},
		{
			Name:      "breakout",
			AssetType: types.AssetCrypto,
			Ruleset: types.Ruleset{
				EntryRules: []types.RuleNode{{
					Kind: types.RuleCondition, Indicator: types.Indicator{Name: "close"}, Op: types.OpGT, Value: 0,
				}},
				ExitRules: []types.RuleNode{{
					Kind: types.RuleThreshold, Indicator: types.Indicator{Name: "atr", Lookback: 14}, Op: types.OpGE, Value: 0,
				}},
				StopLossPct:      pct(0.06),
				TakeProfitPct:    pct(0.12),
				DefaultSymbol:    "BTCUSDT",
				DefaultTimeframe: types.Timeframe4h,
				PositionSizing:   types.SizingSpec{Method: "fixed_fraction", RiskPerTrade: 0.02},
			},
		},
		{
			Name:      "trend_following",
			AssetType: types.AssetCrypto,
			Ruleset: types.Ruleset{
				EntryRules: []types.RuleNode{{
					Kind: types.RuleCrosses, Fast: ema(12), Slow: ema(26), Direction: types.CrossAbove,
				}},
				ExitRules: []types.RuleNode{{
					Kind: types.RuleCrosses, Fast: ema(12), Slow: ema(26), Direction: types.CrossBelow,
				}},
				StopLossPct:      pct(0.08),
				DefaultSymbol:    "ETHUSDT",
				DefaultTimeframe: types.Timeframe1h,
				PositionSizing:   types.SizingSpec{Method: "kelly", RiskPerTrade: 0.25},
			},
		},
		{
			Name:      "rsi_divergence",
			AssetType: types.AssetEquity,
			Ruleset: types.Ruleset{
				EntryRules: []types.RuleNode{{
					Kind: types.RuleAndAll,
					Children: []types.RuleNode{
						{Kind: types.RuleThreshold, Indicator: rsi(14), Op: types.OpLE, Value: 35},
						{Kind: types.RuleCondition, Indicator: types.Indicator{Name: "close"}, Op: types.OpGT, Value: 0},
					},
				}},
				ExitRules: []types.RuleNode{{
					Kind: types.RuleThreshold, Indicator: rsi(14), Op: types.OpGE, Value: 65,
				}},
				TakeProfitPct:    pct(0.07),
				StopLossPct:      pct(0.035),
				DefaultSymbol:    "MSFT",
				DefaultTimeframe: types.Timeframe1d,
				PositionSizing:   types.SizingSpec{Method: "fixed_fraction", RiskPerTrade: 0.01},
			},
		},
		{
			Name:      "vwap_reversion",
			AssetType: types.AssetCrypto,
			Ruleset: types.Ruleset{
				EntryRules: []types.RuleNode{{
					Kind: types.RuleCrosses,
					Fast: types.Indicator{Name: "close"}, Slow: types.Indicator{Name: "vwap"},
					Direction: types.CrossBelow,
				}},
				ExitRules: []types.RuleNode{{
					Kind: types.RuleCrosses,
					Fast: types.Indicator{Name: "close"}, Slow: types.Indicator{Name: "vwap"},
					Direction: types.CrossAbove,
				}},
				StopLossPct:      pct(0.03),
				DefaultSymbol:    "SOLUSDT",
				DefaultTimeframe: types.Timeframe15m,
				PositionSizing:   types.SizingSpec{Method: "fixed_fraction", RiskPerTrade: 0.01},
			},
		},
	}
}
