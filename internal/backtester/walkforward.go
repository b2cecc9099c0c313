// Package backtester provides walk-forward analysis for strategy validation.
package backtester

import (
	"math"
	"time"

	"github.com/atlas-desktop/strategy-evolution/pkg/types"
)

// walkForwardConsistency implements BE algorithm step 6: split candles into
// rolling out-of-sample windows of config.Validation.WalkForward.StepSize
// days each, run the ruleset over every window independently, and report
// one minus the coefficient of variation of each window's return, clamped
// to [0,1]. Unlike the teacher's original WalkForwardAnalyzer (which paired
// in-sample/out-of-sample runs through a ratio it called "robustness"), this
// measures how stable returns are across time rather than in-sample vs
// out-of-sample drift — that drift is what overfitting detection covers.
func walkForwardConsistency(rs types.Ruleset, candles []types.OHLCV, config types.BacktestConfig) float64 {
	wf := config.Validation.WalkForward
	stepDays := wf.StepSize
	if stepDays <= 0 {
		stepDays = 90
	}

	windows := windowCandles(candles, stepDays)
	minPerWindow := config.MinCandles / 4
	if minPerWindow < 5 {
		minPerWindow = 5
	}

	var returns []float64
	for _, w := range windows {
		if len(w) < minPerWindow {
			continue
		}
		trades, curve, err := simulate(rs, w, config)
		if err != nil || len(curve) == 0 {
			continue
		}
		stats := summarize(trades, curve, config.InitialCapital)
		returns = append(returns, stats.totalReturn)
	}

	if len(returns) == 0 {
		return 0
	}
	if len(returns) == 1 {
		return 1
	}

	mean := meanF(returns)
	if mean == 0 {
		return 0
	}
	cv := stdDevF(returns) / math.Abs(mean)
	consistency := 1 - cv
	if consistency < 0 {
		return 0
	}
	if consistency > 1 {
		return 1
	}
	return consistency
}

// windowCandles splits candles into contiguous day-bucketed windows sized
// stepDays apart, by wall-clock day of each candle's timestamp rather than
// by index, so windows line up with calendar time regardless of timeframe.
func windowCandles(candles []types.OHLCV, stepDays int) [][]types.OHLCV {
	if len(candles) == 0 {
		return nil
	}
	step := time.Duration(stepDays) * 24 * time.Hour
	var windows [][]types.OHLCV
	windowStart := candles[0].Timestamp
	var current []types.OHLCV
	for _, c := range candles {
		if c.Timestamp.Sub(windowStart) >= step {
			if len(current) > 0 {
				windows = append(windows, current)
			}
			current = nil
			windowStart = c.Timestamp
		}
		current = append(current, c)
	}
	if len(current) > 0 {
		windows = append(windows, current)
	}
	return windows
}
