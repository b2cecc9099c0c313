// Package signalgateway implements the Signal Gateway: the read path that
// turns a PROPOSABLE strategy's ruleset into a live trade signal, adjusted
// for regime fit, user risk, and ancestor stability, and sized against
// portfolio risk. It reuses
// internal/sizing.PositionSizer for the dollar-sizing step (the teacher's
// Kelly-fraction sizer already covers the §4.9 "compute position_size"
// requirement end to end) and internal/ruleset for the base-signal
// evaluation a PROPOSABLE strategy's entry rules already encode.
package signalgateway

import (
	"context"
	"errors"

	"github.com/atlas-desktop/strategy-evolution/internal/errs"
	"github.com/atlas-desktop/strategy-evolution/internal/mdg"
	"github.com/atlas-desktop/strategy-evolution/internal/ruleset"
	"github.com/atlas-desktop/strategy-evolution/internal/sizing"
	"github.com/atlas-desktop/strategy-evolution/internal/store"
	"github.com/atlas-desktop/strategy-evolution/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrNotEligible is returned when a strategy fails the §4.9 eligibility
// gate (not PROPOSABLE, or below the score/trade-count floor).
var ErrNotEligible = errors.New("strategy not eligible for signal generation")

// ErrLowConfidence is returned when the combined signal's confidence falls
// below the actionable floor.
var ErrLowConfidence = errors.New("combined signal confidence below floor")

const (
	minEligibleScore  = 0.70
	minEligibleTrades = 50
	confidenceFloor   = 0.50
	baseWeight        = 0.6
	sinkWeight        = 0.4
)

// RiskContext is the caller-supplied portfolio/user state the Signal
// Gateway adjusts against; populated by whatever owns the user's account
// and open positions, outside this package's scope.
type RiskContext struct {
	UserRiskMultiplier  float64         // from the user's own risk profile, 1.0 = neutral
	PortfolioValue      decimal.Decimal
	ExistingExposure    decimal.Decimal // current exposure in this symbol
	AncestorInstability float64         // [0,1], from lineage-history drawdown variance
}

// RegimeReader supplies the Memory Sink's regime read; satisfied by
// internal/memorysink.Sink.
type RegimeReader interface {
	Regime(ctx context.Context, symbol string) (types.RegimeContext, bool)
}

// Sink records the signal_generated event per §4.9's closing step;
// satisfied by internal/memorysink.Sink.
type Sink interface {
	RecordEvent(ctx context.Context, kind string, strategyID string, fields map[string]any)
}

// Gateway is the Signal Gateway.
type Gateway struct {
	logger  *zap.Logger
	store   *store.Store
	gateway *mdg.Gateway
	regimes RegimeReader
	sink    Sink
	sizer   *sizing.PositionSizer
}

// New builds a Signal Gateway. sizerConfig may be nil for
// sizing.DefaultSizingConfig().
func New(logger *zap.Logger, st *store.Store, mdgw *mdg.Gateway, regimes RegimeReader, sink Sink, sizerConfig *sizing.SizingConfig) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		logger:  logger,
		store:   st,
		gateway: mdgw,
		regimes: regimes,
		sink:    sink,
		sizer:   sizing.NewPositionSizer(logger.Named("signalgateway.sizer"), sizerConfig),
	}
}

// Generate produces one LiveSignal for strategyID, or an eligibility/
// confidence error per §4.9.
func (g *Gateway) Generate(ctx context.Context, strategyID string, risk RiskContext) (*types.LiveSignal, error) {
	s, err := g.store.Get(ctx, strategyID)
	if err != nil {
		return nil, err
	}
	if !eligible(s) {
		return nil, errs.Validation("signalgateway.Generate", ErrNotEligible)
	}

	price, err := g.gateway.GetPrice(ctx, s.Ruleset.DefaultSymbol)
	if err != nil {
		return nil, err
	}
	candles, err := g.gateway.GetCandles(ctx, s.Ruleset.DefaultSymbol, s.Ruleset.DefaultTimeframe, 200)
	if err != nil {
		return nil, err
	}
	if len(candles) == 0 {
		return nil, errs.Unavailable("signalgateway.Generate", errors.New("no candle data"))
	}

	base, side := baseSignal(s.Ruleset, candles)

	regimeCtx, regimeOK := g.regimeRead(ctx, s.Ruleset.DefaultSymbol)
	sinkScore := combinedSinkScore(regimeCtx, regimeOK)

	confidence := baseWeight*base + sinkWeight*sinkScore
	confidence = applyAdjustments(confidence, s, regimeCtx, regimeOK, risk)

	if confidence < confidenceFloor {
		return nil, errs.Validation("signalgateway.Generate", ErrLowConfidence)
	}

	entry := price.Price
	stop, target := stopTargetFor(s.Ruleset, entry)

	sizeResult := g.sizer.CalculateSize(&sizing.SizingRequest{
		Symbol:           s.Ruleset.DefaultSymbol,
		PortfolioValue:   risk.PortfolioValue,
		CurrentPrice:     decimal.NewFromFloat(price.Price),
		StopLoss:         decimal.NewFromFloat(stop),
		TakeProfit:       decimal.NewFromFloat(target),
		WinRate:          metricsWinRate(s),
		RegimeMultiplier: regimeMultiplier(regimeCtx, regimeOK),
		ExistingExposure: risk.ExistingExposure,
		Confidence:       confidence,
	})

	positionSize, _ := sizeResult.PositionSize.Float64()

	signal := &types.LiveSignal{
		StrategyID:   s.ID,
		Symbol:       s.Ruleset.DefaultSymbol,
		Side:         side,
		Entry:        entry,
		Stop:         stop,
		Target:       target,
		Confidence:   confidence,
		PositionSize: positionSize,
		Explanation:  explanationFor(side, confidence, regimeOK, regimeCtx),
	}

	g.emit(ctx, s.ID, signal)
	return signal, nil
}

func eligible(s *types.Strategy) bool {
	if s.Status != types.StatusProposable {
		return false
	}
	if s.Score == nil || *s.Score < minEligibleScore {
		return false
	}
	if s.LastMetrics == nil || s.LastMetrics.TotalTrades < minEligibleTrades {
		return false
	}
	return true
}

// baseSignal evaluates the ruleset's entry/exit rules against the freshest
// bar and returns a [0,1] strength plus the resulting side.
func baseSignal(rs types.Ruleset, candles []types.OHLCV) (float64, types.SignalSide) {
	series := ruleset.NewSeries(candles)
	last := len(candles) - 1
	if ruleset.EvaluateAny(rs.EntryRules, series, last) {
		return 1.0, types.SignalBuy
	}
	if ruleset.EvaluateAny(rs.ExitRules, series, last) {
		return 1.0, types.SignalSell
	}
	return 0.3, types.SignalFlat
}

func combinedSinkScore(ctx types.RegimeContext, ok bool) float64 {
	if !ok {
		return 0.5 // neutral prior when the Memory Sink has no read yet
	}
	return ctx.Confidence
}

// applyAdjustments layers the §4.9 multipliers onto the base+sink blend:
// regime fit, user risk, ancestor-stability penalty. No multi-timeframe
// alignment or volume confirmation factor is applied, here or elsewhere in
// the gateway: the ruleset is evaluated on one candle series, and
// types.RuleCrosses compares two indicators over that same series.
func applyAdjustments(confidence float64, s *types.Strategy, regimeCtx types.RegimeContext, regimeOK bool, risk RiskContext) float64 {
	adjusted := confidence

	if regimeOK {
		if regimeCtx.OverfittingRisk == types.OverfittingHigh {
			adjusted *= 0.7
		} else if regimeCtx.OverfittingRisk == types.OverfittingLow && regimeCtx.Stability > 0.7 {
			adjusted *= 1.1
		}
	}

	if risk.UserRiskMultiplier > 0 {
		adjusted *= risk.UserRiskMultiplier
	}

	if risk.AncestorInstability > 0 {
		adjusted *= (1 - 0.3*clip01(risk.AncestorInstability))
	}

	return clip01(adjusted)
}

func regimeMultiplier(ctx types.RegimeContext, ok bool) float64 {
	if !ok {
		return 1.0
	}
	switch ctx.OverfittingRisk {
	case types.OverfittingHigh:
		return 0.5
	case types.OverfittingMedium:
		return 0.8
	default:
		return 1.0
	}
}

func metricsWinRate(s *types.Strategy) float64 {
	if s.LastMetrics == nil {
		return 0
	}
	return s.LastMetrics.WinRate
}

func stopTargetFor(rs types.Ruleset, entry float64) (stop, target float64) {
	stop = entry
	target = entry
	if rs.StopLossPct != nil {
		stop = entry * (1 - *rs.StopLossPct)
	}
	if rs.TakeProfitPct != nil {
		target = entry * (1 + *rs.TakeProfitPct)
	}
	return stop, target
}

func explanationFor(side types.SignalSide, confidence float64, regimeOK bool, ctx types.RegimeContext) string {
	if !regimeOK {
		return "base ruleset signal, no regime context available"
	}
	return "ruleset signal adjusted for " + string(ctx.Label) + " regime"
}

func (g *Gateway) regimeRead(ctx context.Context, symbol string) (types.RegimeContext, bool) {
	if g.regimes == nil {
		return types.RegimeContext{}, false
	}
	return g.regimes.Regime(ctx, symbol)
}

func (g *Gateway) emit(ctx context.Context, strategyID string, signal *types.LiveSignal) {
	if g.sink == nil {
		return
	}
	g.sink.RecordEvent(ctx, "signal_generated", strategyID, map[string]any{
		"side":          string(signal.Side),
		"confidence":    signal.Confidence,
		"position_size": signal.PositionSize,
	})
}
