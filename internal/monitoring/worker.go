// Package monitoring implements the Monitoring Worker: the periodic
// gatekeeper that decides whether a newly uploaded strategy is worth
// evolving at all, and the sole authority for promoting a CANDIDATE into
// PROPOSABLE once its robustness checks clear. It follows the same
// ticker-supervisor-plus-bounded-pool shape as internal/evolution, grounded
// on internal/orchestrator/orchestrator.go and internal/workers/pool.go.
package monitoring

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/atlas-desktop/strategy-evolution/internal/backtester"
	"github.com/atlas-desktop/strategy-evolution/internal/clock"
	"github.com/atlas-desktop/strategy-evolution/internal/config"
	"github.com/atlas-desktop/strategy-evolution/internal/errs"
	"github.com/atlas-desktop/strategy-evolution/internal/mdg"
	"github.com/atlas-desktop/strategy-evolution/internal/scoring"
	"github.com/atlas-desktop/strategy-evolution/internal/statemachine"
	"github.com/atlas-desktop/strategy-evolution/internal/store"
	"github.com/atlas-desktop/strategy-evolution/internal/workers"
	"github.com/atlas-desktop/strategy-evolution/pkg/types"
	"go.uber.org/zap"
)

// Sink receives lifecycle events the Monitoring Worker emits.
type Sink interface {
	RecordEvent(ctx context.Context, kind string, strategyID string, fields map[string]any)
}

// RegimeReader supplies the Memory Sink's regime read for the MCN gates;
// nil (or a "no read available" response) is treated as RegimeAvailable=false.
type RegimeReader interface {
	Regime(ctx context.Context, symbol string) (types.RegimeContext, bool)
}

const (
	sanityWindow     = 60 * 24 * time.Hour
	robustnessWindow = 180 * 24 * time.Hour
)

// Worker is the Monitoring Worker supervisor: one ticker firing every
// cfg.Interval (T_M).
type Worker struct {
	logger *zap.Logger
	clock  clock.Clock
	cfg    config.MonitoringConfig

	store   *store.Store
	gateway *mdg.Gateway
	sink    Sink
	regimes RegimeReader
	pool    *workers.Pool

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

// New builds a Monitoring Worker. regimes may be nil, in which case MCN
// gates are evaluated with RegimeAvailable=false (never-blocking, per §4.8).
func New(logger *zap.Logger, clk clock.Clock, cfg config.MonitoringConfig, st *store.Store, gw *mdg.Gateway, regimes RegimeReader, sink Sink) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	poolCfg := workers.DefaultPoolConfig("monitoring-worker")
	poolCfg.NumWorkers = 3
	poolCfg.QueueSize = 256

	return &Worker{
		logger:  logger,
		clock:   clk,
		cfg:     cfg,
		store:   st,
		gateway: gw,
		sink:    sink,
		regimes: regimes,
		pool:    workers.NewPool(logger.Named("monitoring.pool"), poolCfg),
	}
}

// Start launches the ticker supervisor.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("monitoring: worker already running")
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.done = make(chan struct{})
	w.mu.Unlock()

	w.pool.Start()

	interval := w.cfg.Interval
	if interval <= 0 {
		interval = 900 * time.Second
	}
	ticker := w.clock.NewTicker(interval)

	go func() {
		defer close(w.done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.stopCh:
				return
			case <-ticker.C():
				cycleCtx, cancel := context.WithTimeout(ctx, interval)
				w.runCycle(cycleCtx)
				cancel()
			}
		}
	}()

	w.logger.Info("monitoring worker started", zap.Duration("interval", interval))
	return nil
}

// Stop signals the supervisor loop to exit.
func (w *Worker) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	close(w.stopCh)
	w.mu.Unlock()

	<-w.done
	return w.pool.Stop()
}

// Status is the Monitoring Worker's view for the worker-status CLI/admin
// surface.
type Status struct {
	Running     bool `json:"running"`
	QueueLength int  `json:"queueLength"`
}

func (w *Worker) Status() Status {
	w.mu.Lock()
	running := w.running
	w.mu.Unlock()
	return Status{Running: running, QueueLength: w.pool.QueueLength()}
}

// RunOnce executes a single monitoring cycle synchronously.
func (w *Worker) RunOnce(ctx context.Context) {
	w.runCycle(ctx)
}

func (w *Worker) runCycle(ctx context.Context) {
	pendingStatus := types.StatusPendingReview
	pending, err := w.store.ListActive(ctx, store.ListFilter{OnlyActive: true, Status: &pendingStatus})
	if err != nil {
		w.logger.Error("monitoring: list pending failed", zap.Error(err))
		return
	}
	w.fanOut(ctx, pending, w.gatekeep)

	experimentStatus := types.StatusExperiment
	experiments, err := w.store.ListActive(ctx, store.ListFilter{OnlyActive: true, Status: &experimentStatus})
	if err != nil {
		w.logger.Error("monitoring: list experiments failed", zap.Error(err))
		return
	}
	candidateStatus := types.StatusCandidate
	candidates, err := w.store.ListActive(ctx, store.ListFilter{OnlyActive: true, Status: &candidateStatus})
	if err != nil {
		w.logger.Error("monitoring: list candidates failed", zap.Error(err))
		return
	}
	w.fanOut(ctx, append(experiments, candidates...), w.assessRobustness)
}

func (w *Worker) fanOut(ctx context.Context, rows []*types.Strategy, fn func(context.Context, *types.Strategy)) {
	var wg sync.WaitGroup
	for _, s := range rows {
		s := s
		wg.Add(1)
		task := workers.TaskFunc(func() error {
			defer wg.Done()
			fn(ctx, s)
			return nil
		})
		if err := w.pool.SubmitWait(task); err != nil {
			wg.Done()
			w.logger.Warn("monitoring: submit failed", zap.String("strategy_id", s.ID), zap.Error(err))
		}
	}
	wg.Wait()
}

// gatekeep runs the PENDING_REVIEW pipeline: duplicate fingerprint check,
// then a sanity backtest over a smaller window.
func (w *Worker) gatekeep(ctx context.Context, snapshot *types.Strategy) {
	logger := w.logger.With(zap.String("strategy_id", snapshot.ID))

	duplicate, err := w.store.FingerprintDuplicate(ctx, snapshot.ID)
	if err != nil {
		logger.Warn("monitoring: fingerprint check failed", zap.Error(err))
		return
	}

	input := statemachine.Input{
		Status:               snapshot.Status,
		Caller:               statemachine.CallerMW,
		FingerprintDuplicate: duplicate,
	}

	if !duplicate {
		metrics, ok := w.sanityBacktest(ctx, snapshot)
		if !ok {
			return
		}
		input.SanityBacktestPassed = sanityGate(w.cfg, metrics)
		input.TotalTrades = metrics.TotalTrades
		input.WinRate = metrics.WinRate
		input.TestWinRate = metrics.TestWinRateOrFull()
		input.Sharpe = metrics.Sharpe
		input.ProfitFactor = metrics.ProfitFactor
		input.MaxDrawdown = metrics.MaxDrawdown
		input.OverfittingDetected = metrics.OverfittingDetected
	}

	result := statemachine.Evaluate(input)
	now := w.clock.Now()
	updated, err := w.store.UpdateAtomic(ctx, snapshot.ID, snapshot.UpdatedAt, func(s *types.Strategy) {
		s.Status = result.NewStatus
		if !duplicate {
			s.LastBacktestAt = &now
			s.EvaluationCycles++
		}
		if result.NewStatus.Terminal() {
			s.IsActive = false
		}
	})
	if err != nil {
		logger.Warn("monitoring: update_atomic failed", zap.Error(err))
		return
	}
	w.emit(ctx, "gatekeeping_decision", updated.ID, map[string]any{"status": string(updated.Status), "reason": result.Reason})
}

func sanityGate(cfg config.MonitoringConfig, m *types.MetricsRecord) bool {
	minTrades := cfg.SanityMinTrades
	if minTrades <= 0 {
		minTrades = 10
	}
	maxDD := cfg.SanityMaxDrawdown
	if maxDD <= 0 {
		maxDD = 0.70
	}
	if math.IsNaN(m.WinRate) || math.IsNaN(m.Sharpe) || math.IsNaN(m.MaxDrawdown) {
		return false
	}
	return m.TotalTrades >= minTrades && m.MaxDrawdown <= maxDD
}

func (w *Worker) sanityBacktest(ctx context.Context, s *types.Strategy) (*types.MetricsRecord, bool) {
	candles, err := w.fetchCandles(ctx, s, sanityWindow)
	if err != nil {
		if !errs.Is(err, errs.KindUnavailable) {
			w.logger.Warn("monitoring: sanity backtest candles failed", zap.String("strategy_id", s.ID), zap.Error(err))
		}
		return nil, false
	}
	btConfig := types.DefaultBacktestConfig()
	metrics, err := backtester.Run(ctx, w.logger, s.Ruleset, candles, btConfig)
	if err != nil {
		w.logger.Warn("monitoring: sanity backtest failed", zap.String("strategy_id", s.ID), zap.Error(err))
		return nil, false
	}
	return metrics, true
}

func (w *Worker) fetchCandles(ctx context.Context, s *types.Strategy, window time.Duration) ([]types.OHLCV, error) {
	count := int(window / candlePeriod(s.Ruleset.DefaultTimeframe))
	return w.gateway.GetCandles(ctx, s.Ruleset.DefaultSymbol, s.Ruleset.DefaultTimeframe, count)
}

// assessRobustness runs the §4.8 robustness suite for an EXPERIMENT or
// CANDIDATE strategy and applies the resulting promotion/demotion/discard
// decision. CANDIDATE→PROPOSABLE is the only transition MW applies that EW
// must never reach, enforced by statemachine's Caller gate.
func (w *Worker) assessRobustness(ctx context.Context, snapshot *types.Strategy) {
	logger := w.logger.With(zap.String("strategy_id", snapshot.ID))

	candles, err := w.fetchCandles(ctx, snapshot, robustnessWindow)
	if err != nil {
		if !errs.Is(err, errs.KindUnavailable) {
			logger.Warn("monitoring: robustness candles failed", zap.Error(err))
		}
		return
	}
	if len(candles) < 120 {
		return
	}

	score := w.robustnessScore(ctx, snapshot, candles)

	btConfig := types.DefaultBacktestConfig()
	metrics, err := backtester.Run(ctx, w.logger, snapshot.Ruleset, candles, btConfig)
	if err != nil {
		logger.Warn("monitoring: robustness full backtest failed", zap.Error(err))
		return
	}
	compositeScore := scoring.Score(*metrics)

	regimeCtx, regimeOK := w.regimeFor(ctx, snapshot.Ruleset.DefaultSymbol)

	input := statemachine.Input{
		Status:              snapshot.Status,
		Caller:              statemachine.CallerMW,
		TotalTrades:         metrics.TotalTrades,
		WinRate:             metrics.WinRate,
		TestWinRate:         metrics.TestWinRateOrFull(),
		Sharpe:              metrics.Sharpe,
		ProfitFactor:        metrics.ProfitFactor,
		MaxDrawdown:         metrics.MaxDrawdown,
		OverfittingDetected: metrics.OverfittingDetected,
		Score:               compositeScore,
		EvolutionAttempts:   snapshot.EvolutionAttempts,
		RegimeAvailable:     regimeOK,
	}
	if regimeOK {
		input.RegimeStability = regimeCtx.Stability
		input.OverfittingRisk = regimeCtx.OverfittingRisk
	}

	promotePending := input.Status == types.StatusCandidate
	result := statemachine.Evaluate(input)

	robustnessPromote := w.cfg.RobustnessPromote
	if robustnessPromote <= 0 {
		robustnessPromote = 70
	}
	robustnessDiscard := w.cfg.RobustnessDiscard
	if robustnessDiscard <= 0 {
		robustnessDiscard = 40
	}

	// The robustness gate is an additional MW-only requirement layered on
	// top of the statemachine's base/path/MCN gates for the
	// CANDIDATE→PROPOSABLE edge: a promotable candidate that hasn't cleared
	// robustness stays on CANDIDATE.
	if promotePending && result.NewStatus == types.StatusProposable && score < robustnessPromote {
		result = statemachine.Result{NewStatus: types.StatusCandidate, Reason: "robustness_below_promotion_threshold"}
	}

	if result.NewStatus != types.StatusDiscarded &&
		score < robustnessDiscard &&
		metrics.TotalTrades >= 20 &&
		snapshot.EvaluationCycles >= 3 {
		result = statemachine.Result{NewStatus: types.StatusDiscarded, Reason: "robustness_below_discard_threshold"}
	}

	now := w.clock.Now()
	updated, err := w.store.UpdateAtomic(ctx, snapshot.ID, snapshot.UpdatedAt, func(s *types.Strategy) {
		s.Status = result.NewStatus
		s.Score = &compositeScore
		s.LastMetrics = metrics
		s.TrainMetrics = metrics.TrainMetrics
		s.TestMetrics = metrics.TestMetrics
		s.LastBacktestAt = &now
		s.EvaluationCycles++
		if result.NewStatus.Terminal() {
			s.IsActive = false
		}
	})
	if err != nil {
		logger.Warn("monitoring: update_atomic failed", zap.Error(err))
		return
	}
	w.emit(ctx, "robustness_assessed", updated.ID, map[string]any{
		"status":           string(updated.Status),
		"reason":           result.Reason,
		"robustness_score": score,
	})
}

func (w *Worker) regimeFor(ctx context.Context, symbol string) (types.RegimeContext, bool) {
	if w.regimes == nil {
		return types.RegimeContext{}, false
	}
	return w.regimes.Regime(ctx, symbol)
}

// robustnessScore composes regime diversity, walk-forward stability, and
// parameter sensitivity into a single [0,100] score per §4.8. Each
// component contributes its full share when it passes outright and a
// partial share when it only partially holds, rather than an all-or-
// nothing gate, so a strategy doesn't bounce between 0 and 100 on the
// margin of one sub-check.
func (w *Worker) robustnessScore(ctx context.Context, s *types.Strategy, candles []types.OHLCV) float64 {
	const (
		regimeWeight = 40.0
		wfaWeight    = 30.0
		paramWeight  = 30.0
	)
	return regimeWeight*w.regimeDiversityFraction(s, candles) +
		wfaWeight*w.walkForwardStabilityFraction(s, candles) +
		paramWeight*w.parameterSensitivityFraction(s, candles)
}

// regimeDiversityFraction splits candles into low- and high-volatility
// halves by realized range and reports the fraction of the cfg.
// RegimeDiversityMin distinct slices that clear a base viability bar.
func (w *Worker) regimeDiversityFraction(s *types.Strategy, candles []types.OHLCV) float64 {
	minRegimes := w.cfg.RegimeDiversityMin
	if minRegimes <= 0 {
		minRegimes = 2
	}
	slices := volatilitySlices(candles)
	if len(slices) == 0 {
		return 0
	}
	passed := 0
	for _, slice := range slices {
		if len(slice) < 60 {
			continue
		}
		metrics, err := backtester.Run(context.Background(), w.logger, s.Ruleset, slice, types.DefaultBacktestConfig())
		if err != nil {
			continue
		}
		if metrics.TotalTrades >= 5 && !math.IsNaN(metrics.WinRate) && metrics.MaxDrawdown < 1.0 {
			passed++
		}
	}
	return clip01(float64(passed) / float64(minRegimes))
}

// volatilitySlices splits candles at the median of per-candle range and
// returns the low-volatility and high-volatility subsequences, preserving
// chronological order within each.
func volatilitySlices(candles []types.OHLCV) [][]types.OHLCV {
	if len(candles) < 4 {
		return nil
	}
	ranges := make([]float64, len(candles))
	for i, c := range candles {
		hi, _ := c.High.Float64()
		lo, _ := c.Low.Float64()
		ranges[i] = hi - lo
	}
	median := medianOf(append([]float64(nil), ranges...))

	var low, high []types.OHLCV
	for i, c := range candles {
		if ranges[i] <= median {
			low = append(low, c)
		} else {
			high = append(high, c)
		}
	}
	return [][]types.OHLCV{low, high}
}

func medianOf(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sorted := append([]float64(nil), vals...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1] > sorted[j]; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

// walkForwardStabilityFraction compares first-half vs second-half win_rate
// and Sharpe and reports how close the relative deviation is to the
// cfg.WFAStabilityMin ceiling (1.0 at zero deviation, 0 at or beyond it).
func (w *Worker) walkForwardStabilityFraction(s *types.Strategy, candles []types.OHLCV) float64 {
	if len(candles) < 120 {
		return 0
	}
	mid := len(candles) / 2
	first, second := candles[:mid], candles[mid:]

	fm, err1 := backtester.Run(context.Background(), w.logger, s.Ruleset, first, types.DefaultBacktestConfig())
	sm, err2 := backtester.Run(context.Background(), w.logger, s.Ruleset, second, types.DefaultBacktestConfig())
	if err1 != nil || err2 != nil {
		return 0
	}

	threshold := w.cfg.WFAStabilityMin
	if threshold <= 0 {
		threshold = 0.25
	}

	winDev := relativeDeviation(fm.WinRate, sm.WinRate)
	sharpeDev := relativeDeviation(fm.Sharpe, sm.Sharpe)
	worst := math.Max(winDev, sharpeDev)

	return clip01(1 - worst/threshold)
}

func relativeDeviation(a, b float64) float64 {
	denom := math.Max(math.Abs(a), math.Abs(b))
	if denom == 0 {
		return 0
	}
	return math.Abs(a-b) / denom
}

// parameterSensitivityFraction perturbs the ruleset's risk-per-trade and
// exit-policy parameters by +/-5% and reports how little the composite score degrades,
// 1.0 at zero degradation and 0 at or beyond a 0.10 drop.
func (w *Worker) parameterSensitivityFraction(s *types.Strategy, candles []types.OHLCV) float64 {
	base, err := backtester.Run(context.Background(), w.logger, s.Ruleset, candles, types.DefaultBacktestConfig())
	if err != nil {
		return 0
	}
	baseScore := scoring.Score(*base)

	worstDrop := 0.0
	for _, delta := range []float64{0.95, 1.05} {
		perturbed := perturbRuleset(s.Ruleset, delta)
		metrics, err := backtester.Run(context.Background(), w.logger, perturbed, candles, types.DefaultBacktestConfig())
		if err != nil {
			continue
		}
		drop := baseScore - scoring.Score(*metrics)
		if drop > worstDrop {
			worstDrop = drop
		}
	}
	return clip01(1 - worstDrop/0.10)
}

// perturbRuleset scales the ruleset's risk-per-trade and stop/target
// percentages by factor, leaving the rule tree untouched.
func perturbRuleset(rs types.Ruleset, factor float64) types.Ruleset {
	out := rs
	out.PositionSizing.RiskPerTrade = rs.PositionSizing.RiskPerTrade * factor
	if rs.StopLossPct != nil {
		v := *rs.StopLossPct * factor
		out.StopLossPct = &v
	}
	if rs.TakeProfitPct != nil {
		v := *rs.TakeProfitPct * factor
		out.TakeProfitPct = &v
	}
	return out
}

func clip01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func (w *Worker) emit(ctx context.Context, kind, strategyID string, fields map[string]any) {
	if w.sink == nil {
		return
	}
	w.sink.RecordEvent(ctx, kind, strategyID, fields)
}

func candlePeriod(tf types.Timeframe) time.Duration {
	switch tf {
	case types.Timeframe1m:
		return time.Minute
	case types.Timeframe5m:
		return 5 * time.Minute
	case types.Timeframe15m:
		return 15 * time.Minute
	case types.Timeframe1h:
		return time.Hour
	case types.Timeframe4h:
		return 4 * time.Hour
	case types.Timeframe1d:
		return 24 * time.Hour
	default:
		return time.Hour
	}
}
