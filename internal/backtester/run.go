// Package backtester simulates a ruleset over historical candles.
package backtester

import (
	"context"
	"errors"
	"math"
	"math/rand"

	"github.com/atlas-desktop/strategy-evolution/internal/errs"
	"github.com/atlas-desktop/strategy-evolution/internal/ruleset"
	"github.com/atlas-desktop/strategy-evolution/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrInsufficientData is wrapped by errs.Validation when candles is shorter
// than config.MinCandles.
var ErrInsufficientData = errors.New("insufficient candle data")

// Run simulates ruleset over candles and returns the resulting MetricsRecord.
// It replaces the teacher's event-queue Engine with a synchronous candle
// loop: no goroutines, no progress channel, same inputs always produce the
// same metrics, matching the pure-function contract a viability decision
// depends on.
func Run(ctx context.Context, logger *zap.Logger, rs types.Ruleset, candles []types.OHLCV, config types.BacktestConfig) (*types.MetricsRecord, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := ruleset.Validate(rs); err != nil {
		return nil, err
	}

	minCandles := config.MinCandles
	if minCandles <= 0 {
		minCandles = 60
	}
	if len(candles) < minCandles {
		return nil, errs.Validation("backtester.run", ErrInsufficientData)
	}

	select {
	case <-ctx.Done():
		return nil, errs.Unavailable("backtester.run", ctx.Err())
	default:
	}

	trades, curve, err := simulate(rs, candles, config)
	if err != nil {
		return nil, err
	}

	stats := summarize(trades, curve, config.InitialCapital)
	record := statsToMetricsRecord(stats, curve)

	trainRatio := config.TrainRatio
	if trainRatio <= 0 {
		trainRatio = 0.70
	}
	splitAt := int(float64(len(candles)) * trainRatio)
	if splitAt < 1 {
		splitAt = 1
	}
	if splitAt > len(candles)-1 {
		splitAt = len(candles) - 1
	}
	trainCandles, testCandles := candles[:splitAt], candles[splitAt:]

	trainTrades, trainCurve, _ := simulate(rs, trainCandles, config)
	testTrades, testCurve, _ := simulate(rs, testCandles, config)
	trainStats := summarize(trainTrades, trainCurve, config.InitialCapital)
	testStats := summarize(testTrades, testCurve, config.InitialCapital)
	record.TrainTestGap = trainStats.winRate - testStats.winRate
	record.TrainMetrics = statsToMetricsRecord(trainStats, trainCurve)
	record.TestMetrics = statsToMetricsRecord(testStats, testCurve)

	record.WFAConsistency = walkForwardConsistency(rs, candles, config)

	mc := NewMonteCarloSimulator(logger, config.Validation.MonteCarlo)
	// A fixed seed keeps the resampled paths, and so MCPercentile5, the same
	// for the same inputs.
	mc.rng = rand.New(rand.NewSource(1))
	// simulatePath takes per-trade returns in percent of starting equity, so
	// each trade's PnL is rescaled against the capital simulate started from.
	capital := config.InitialCapital
	if capital.IsZero() {
		capital = decimal.NewFromInt(100000)
	}
	mcTrades := make([]*types.Trade, len(trades))
	for i := range trades {
		t := trades[i]
		t.PnL = t.PnL.Div(capital).Mul(decimal.NewFromInt(100))
		mcTrades[i] = &t
	}
	mcResult := mc.Run(mcTrades)
	p5, _ := mcResult.P5Return.Float64()
	record.MCPercentile5 = p5

	record.OverfittingDetected =
		(testStats.winRate+0.10 < trainStats.winRate && trainStats.winRate > 0.80) ||
			(testStats.sharpe+0.5 < trainStats.sharpe && trainStats.sharpe > 1.5) ||
			(testStats.totalReturn < 0 && trainStats.totalReturn > 0.20)

	return record, nil
}

// openPosition tracks the single in-flight position simulate() may hold;
// rulesets are evaluated against one symbol at a time per Ruleset.DefaultSymbol.
type openPosition struct {
	quantity   decimal.Decimal
	entryPrice decimal.Decimal
	entryIdx   int
}

// simulate runs the candle loop once over the given slice: evaluate entry
// rules when flat, evaluate stop/target/time-exit/exit-rules when in a
// position, and record one types.Trade per closed round trip.
func simulate(rs types.Ruleset, candles []types.OHLCV, config types.BacktestConfig) ([]types.Trade, []types.EquityCurvePoint, error) {
	if len(candles) == 0 {
		return nil, nil, nil
	}

	series := ruleset.NewSeries(candles)
	capital := config.InitialCapital
	if capital.IsZero() {
		capital = decimal.NewFromInt(100000)
	}
	portfolio := NewPortfolio(capital)
	commission := config.Commission
	slip := CreateSlippageModel(config.Slippage)
	symbol := rs.DefaultSymbol
	if symbol == "" {
		symbol = "STRATEGY"
	}

	var pos *openPosition
	var trades []types.Trade
	curve := make([]types.EquityCurvePoint, 0, len(candles))

	closeTrade := func(i int, exitPrice decimal.Decimal) {
		qty := pos.quantity
		fee := qty.Mul(exitPrice).Mul(commission)
		pnl := portfolio.Sell(symbol, qty, exitPrice, fee)
		trades = append(trades, types.Trade{
			ID:         symbol + ":" + candles[pos.entryIdx].Timestamp.String(),
			Symbol:     symbol,
			Side:       types.OrderSideSell,
			Quantity:   qty,
			Price:      exitPrice,
			Commission: fee,
			PnL:        pnl,
			ExecutedAt: candles[i].Timestamp,
		})
		pos = nil
	}

	for i, c := range candles {
		portfolio.UpdatePrice(symbol, c.Close)

		if pos != nil {
			stopPrice, hasStop := stopPriceFor(rs, pos.entryPrice)
			targetPrice, hasTarget := targetPriceFor(rs, pos.entryPrice)

			switch {
			case hasStop && c.Low.LessThanOrEqual(stopPrice):
				closeTrade(i, stopPrice.Sub(stopPrice.Mul(slip.Calculate(pos.quantity, c))))
			case hasTarget && c.High.GreaterThanOrEqual(targetPrice):
				closeTrade(i, targetPrice.Sub(targetPrice.Mul(slip.Calculate(pos.quantity, c))))
			case rs.TimeExit != nil && c.Timestamp.Sub(candles[pos.entryIdx].Timestamp) >= *rs.TimeExit:
				closeTrade(i, c.Close)
			case ruleset.EvaluateAny(rs.ExitRules, series, i):
				closeTrade(i, c.Close)
			}
		} else if ruleset.EvaluateAny(rs.EntryRules, series, i) {
			equity := portfolio.GetEquity()
			qty := quantityFor(rs.PositionSizing, equity, c.Close)
			if qty.IsPositive() {
				fee := qty.Mul(c.Close).Mul(commission)
				entryPrice := c.Close.Add(c.Close.Mul(slip.Calculate(qty, c)))
				portfolio.Buy(symbol, qty, entryPrice, fee, c.Timestamp)
				pos = &openPosition{quantity: qty, entryPrice: entryPrice, entryIdx: i}
			}
		}

		curve = append(curve, types.EquityCurvePoint{
			Timestamp: c.Timestamp,
			Equity:    portfolio.GetEquity(),
			Cash:      portfolio.GetCash(),
			Drawdown:  portfolio.GetDrawdown(),
		})
	}

	if pos != nil {
		pnl := portfolio.CloseAll(candles[len(candles)-1].Timestamp)
		trades = append(trades, types.Trade{
			ID:         symbol + ":final",
			Symbol:     symbol,
			Side:       types.OrderSideSell,
			Quantity:   pos.quantity,
			Price:      candles[len(candles)-1].Close,
			PnL:        pnl,
			ExecutedAt: candles[len(candles)-1].Timestamp,
		})
	}

	return trades, curve, nil
}

func stopPriceFor(rs types.Ruleset, entry decimal.Decimal) (decimal.Decimal, bool) {
	if rs.StopLossPct == nil {
		return decimal.Zero, false
	}
	return entry.Mul(decimal.NewFromFloat(1 - *rs.StopLossPct)), true
}

func targetPriceFor(rs types.Ruleset, entry decimal.Decimal) (decimal.Decimal, bool) {
	if rs.TakeProfitPct == nil {
		return decimal.Zero, false
	}
	return entry.Mul(decimal.NewFromFloat(1 + *rs.TakeProfitPct)), true
}

// quantityFor sizes a position per the ruleset's SizingSpec.
func quantityFor(spec types.SizingSpec, equity, price decimal.Decimal) decimal.Decimal {
	if price.IsZero() {
		return decimal.Zero
	}
	if spec.Method == "fixed_units" {
		return decimal.NewFromFloat(spec.FixedUnits)
	}
	frac := spec.RiskPerTrade
	if frac <= 0 {
		frac = 0.02
	}
	return equity.Mul(decimal.NewFromFloat(frac)).Div(price)
}

type tradeStats struct {
	totalTrades  int
	winRate      float64
	sharpe       float64
	sortino      float64
	profitFactor float64
	maxDrawdown  float64
	totalReturn  float64
}

// statsToMetricsRecord lifts a tradeStats summary (plus its equity curve)
// into the public MetricsRecord shape; used for the overall run and, with
// TrainMetrics/TestMetrics left nil, for each half of the train/test split.
func statsToMetricsRecord(stats tradeStats, curve []types.EquityCurvePoint) *types.MetricsRecord {
	return &types.MetricsRecord{
		TotalTrades:  stats.totalTrades,
		WinRate:      stats.winRate,
		Sharpe:       stats.sharpe,
		Sortino:      stats.sortino,
		ProfitFactor: stats.profitFactor,
		MaxDrawdown:  stats.maxDrawdown,
		TotalReturn:  stats.totalReturn,
		EquityCurve:  curve,
	}
}

// summarize computes MetricsRecord-shaped statistics from trades. Sharpe and
// Sortino use the sample standard deviation of per-trade returns, not the
// equity curve's daily returns.
func summarize(trades []types.Trade, curve []types.EquityCurvePoint, initialCapital decimal.Decimal) tradeStats {
	var s tradeStats
	s.totalTrades = len(trades)
	if len(trades) == 0 {
		return s
	}

	var wins int
	var grossWin, grossLoss float64
	returns := make([]float64, 0, len(trades))
	for _, t := range trades {
		pnl, _ := t.PnL.Float64()
		basis, _ := t.Quantity.Mul(t.Price).Float64()
		if pnl > 0 {
			wins++
			grossWin += pnl
		} else if pnl < 0 {
			grossLoss += -pnl
		}
		if basis != 0 {
			returns = append(returns, pnl/math.Abs(basis))
		}
	}
	s.winRate = float64(wins) / float64(len(trades))

	if grossLoss == 0 {
		s.profitFactor = math.Inf(1)
	} else {
		s.profitFactor = grossWin / grossLoss
	}

	avg := meanF(returns)
	sd := stdDevF(returns)
	if sd > 0 {
		s.sharpe = avg / sd
	}
	downside := downsideDevF(returns)
	if downside > 0 {
		s.sortino = avg / downside
	}

	if len(curve) > 0 && !initialCapital.IsZero() {
		final := curve[len(curve)-1].Equity
		ret, _ := final.Sub(initialCapital).Div(initialCapital).Float64()
		s.totalReturn = ret
	}

	peak := 0.0
	first := true
	for _, p := range curve {
		eq, _ := p.Equity.Float64()
		if first || eq > peak {
			peak = eq
			first = false
		}
		if peak > 0 {
			dd := (peak - eq) / peak
			if dd > s.maxDrawdown {
				s.maxDrawdown = dd
			}
		}
	}

	return s
}

func meanF(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

func stdDevF(vals []float64) float64 {
	if len(vals) < 2 {
		return 0
	}
	m := meanF(vals)
	var sq float64
	for _, v := range vals {
		d := v - m
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(vals)-1))
}

func downsideDevF(vals []float64) float64 {
	var neg []float64
	for _, v := range vals {
		if v < 0 {
			neg = append(neg, v)
		}
	}
	return stdDevF(neg)
}
