package main

import (
	"context"
	"fmt"

	"github.com/atlas-desktop/strategy-evolution/pkg/types"
	"github.com/spf13/cobra"
)

func newSeedCmd() *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create sample strategies and warm the Memory Sink with synthetic candles, for local demos",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSeed(count)
		},
	}
	cmd.Flags().IntVar(&count, "count", 5, "number of sample strategies to create")
	return cmd
}

var seedSymbols = []string{"BTC/USDT", "ETH/USDT", "SOL/USDT"}

func seedDraft(i int) types.StrategyDraft {
	symbol := seedSymbols[i%len(seedSymbols)]
	threshold := 25.0 + float64(i%4)*5
	return types.StrategyDraft{
		Name:    fmt.Sprintf("seed-rsi-dip-%d", i),
		OwnerID: fmt.Sprintf("seed-user-%d", i%3),
		Ruleset: types.Ruleset{
			EntryRules: []types.RuleNode{{
				Kind:      types.RuleThreshold,
				Indicator: types.Indicator{Name: "rsi", Lookback: 14},
				Op:        types.OpLT,
				Value:     threshold,
			}},
			ExitRules:        []types.RuleNode{},
			StopLossPct:      pctPtr(0.05),
			TakeProfitPct:    pctPtr(0.10),
			DefaultSymbol:    symbol,
			DefaultTimeframe: types.Timeframe1h,
			PositionSizing:   types.SizingSpec{Method: "risk_fraction", RiskPerTrade: 0.02},
		},
		AssetType: types.AssetCrypto,
	}
}

func pctPtr(v float64) *float64 { return &v }

func runSeed(count int) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.logger.Sync()
	ctx := context.Background()

	for i := 0; i < count; i++ {
		draft := seedDraft(i)
		created, err := a.store.Create(ctx, draft)
		if err != nil {
			return fmt.Errorf("creating seed strategy %d: %w", i, err)
		}
		a.logger.Sugar().Infow("seeded strategy", "id", created.ID, "name", created.Name)
	}

	for _, symbol := range seedSymbols {
		candles, err := a.mdg.GetCandles(ctx, symbol, types.Timeframe1h, 200)
		if err != nil {
			a.logger.Sugar().Warnw("seed: could not fetch candles", "symbol", symbol, "error", err)
			continue
		}
		a.sink.FeedCandles(symbol, candles)
		a.logger.Sugar().Infow("seeded candles", "symbol", symbol, "count", len(candles))
	}

	fmt.Printf("seeded %d strategies and %d symbols\n", count, len(seedSymbols))
	return nil
}
