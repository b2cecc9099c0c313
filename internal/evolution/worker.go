// Package evolution implements the Evolution Worker: the periodic
// supervisor that backtests active strategies, scores them, advances their
// status through the Status Machine, and spawns mutated children when a
// strategy's trigger conditions are met. It generalizes the teacher's
// TradingOrchestrator ticker-goroutine pattern in
// internal/orchestrator/orchestrator.go and reuses its bounded worker pool
// in internal/workers/pool.go for the per-cycle parallel fan-out.
package evolution

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/atlas-desktop/strategy-evolution/internal/backtester"
	"github.com/atlas-desktop/strategy-evolution/internal/clock"
	"github.com/atlas-desktop/strategy-evolution/internal/config"
	"github.com/atlas-desktop/strategy-evolution/internal/errs"
	"github.com/atlas-desktop/strategy-evolution/internal/mdg"
	"github.com/atlas-desktop/strategy-evolution/internal/mutation"
	"github.com/atlas-desktop/strategy-evolution/internal/scoring"
	"github.com/atlas-desktop/strategy-evolution/internal/statemachine"
	"github.com/atlas-desktop/strategy-evolution/internal/store"
	"github.com/atlas-desktop/strategy-evolution/internal/workers"
	"github.com/atlas-desktop/strategy-evolution/pkg/types"
	"go.uber.org/zap"
)

// Sink receives lifecycle events the Evolution Worker emits, so the Memory
// Sink stays decoupled from backtest/scoring internals.
type Sink interface {
	RecordEvent(ctx context.Context, kind string, strategyID string, fields map[string]any)
}

// Worker is the Evolution Worker supervisor: one ticker firing every
// cfg.Interval (T_E), dispatching up to cfg.BatchSize strategies per cycle
// across cfg.MaxParallel workers.
type Worker struct {
	logger *zap.Logger
	clock  clock.Clock
	cfg    config.EvolutionConfig

	store    *store.Store
	gateway  *mdg.Gateway
	mutator  *mutation.Engine
	sink     Sink
	pool     *workers.Pool

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

// New builds an Evolution Worker. mutator may be nil, in which case a
// default engine (DefaultConfig/DefaultIndicatorPool, seeded from the
// clock) is constructed.
func New(logger *zap.Logger, clk clock.Clock, cfg config.EvolutionConfig, st *store.Store, gw *mdg.Gateway, mutator *mutation.Engine, sink Sink) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if mutator == nil {
		mutator = mutation.New(mutation.DefaultConfig(), mutation.DefaultIndicatorPool(), clk.Now().UnixNano())
	}
	poolCfg := workers.DefaultPoolConfig("evolution-worker")
	poolCfg.NumWorkers = cfg.MaxParallel
	if poolCfg.NumWorkers <= 0 {
		poolCfg.NumWorkers = 3
	}
	poolCfg.QueueSize = cfg.BatchSize + 1
	if poolCfg.QueueSize < 64 {
		poolCfg.QueueSize = 64
	}
	poolCfg.TaskTimeout = cfg.BacktestDeadline

	return &Worker{
		logger:  logger,
		clock:   clk,
		cfg:     cfg,
		store:   st,
		gateway: gw,
		mutator: mutator,
		sink:    sink,
		pool:    workers.NewPool(logger.Named("evolution.pool"), poolCfg),
	}
}

// Start launches the ticker supervisor; it returns immediately and runs
// until ctx is cancelled or Stop is called.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("evolution: worker already running")
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.done = make(chan struct{})
	w.mu.Unlock()

	w.pool.Start()

	interval := w.cfg.Interval
	if interval <= 0 {
		interval = 480 * time.Second
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

	w.logger.Info("evolution worker started", zap.Duration("interval", interval), zap.Int("batch_size", w.cfg.BatchSize), zap.Int("parallel", w.cfg.MaxParallel))
	return nil
}

// Stop signals the supervisor loop to exit, waits for it to return, and then
// stops the worker pool. In-flight backtests are not interrupted:
// backtester.Run checks its context once, before the candle loop, and not
// at each candle.
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

// RunOnce executes a single evolution cycle synchronously; exported so
// tests can drive a cycle without standing up the ticker.
func (w *Worker) RunOnce(ctx context.Context) {
	w.runCycle(ctx)
}

// Status is the Evolution Worker's view for the worker-status CLI/admin
// surface: whether the ticker supervisor is running and how deep the pool's
// queue currently is.
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

func (w *Worker) runCycle(ctx context.Context) {
	candidates, err := w.prioritized(ctx)
	if err != nil {
		w.logger.Error("evolution: list active failed", zap.Error(err))
		return
	}
	if len(candidates) > w.cfg.BatchSize {
		candidates = candidates[:w.cfg.BatchSize]
	}

	var wg sync.WaitGroup
	for _, s := range candidates {
		s := s
		wg.Add(1)
		task := workers.TaskFunc(func() error {
			defer wg.Done()
			w.processStrategy(ctx, s)
			return nil
		})
		if err := w.pool.SubmitWait(task); err != nil {
			wg.Done()
			w.logger.Warn("evolution: submit failed", zap.String("strategy_id", s.ID), zap.Error(err))
		}
	}
	wg.Wait()

	w.enforcePopulationCap(ctx)
}

// prioritized returns active strategies ordered per spec §4.6: never
// backtested first, then stale (> cfg.StaleAfter) by oldest backtest,
// then EXPERIMENT status, then ascending score.
func (w *Worker) prioritized(ctx context.Context) ([]*types.Strategy, error) {
	all, err := w.store.ListActive(ctx, store.ListFilter{OnlyActive: true})
	if err != nil {
		return nil, err
	}

	staleAfter := w.cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = 7 * 24 * time.Hour
	}
	now := w.clock.Now()

	rank := func(s *types.Strategy) int {
		switch {
		case s.LastBacktestAt == nil:
			return 0
		case now.Sub(*s.LastBacktestAt) > staleAfter:
			return 1
		case s.Status == types.StatusExperiment:
			return 2
		default:
			return 3
		}
	}

	sort.SliceStable(all, func(i, j int) bool {
		ri, rj := rank(all[i]), rank(all[j])
		if ri != rj {
			return ri < rj
		}
		if ri == 1 && !all[i].LastBacktestAt.Equal(*all[j].LastBacktestAt) {
			return all[i].LastBacktestAt.Before(*all[j].LastBacktestAt)
		}
		si, sj := scoreOf(all[i]), scoreOf(all[j])
		if si != sj {
			return si < sj
		}
		return all[i].ID < all[j].ID
	})
	return all, nil
}

func scoreOf(s *types.Strategy) float64 {
	if s.Score == nil {
		return 0
	}
	return *s.Score
}

// processStrategy runs the per-strategy pipeline: fetch candles, backtest,
// score, advance status, persist, and spawn mutations when triggered.
func (w *Worker) processStrategy(ctx context.Context, snapshot *types.Strategy) {
	logger := w.logger.With(zap.String("strategy_id", snapshot.ID))

	window := w.cfg.BacktestWindow
	if window <= 0 {
		window = 200 * 24 * time.Hour
	}
	job := types.BacktestJob{
		StrategyID:  snapshot.ID,
		Symbol:      snapshot.Ruleset.DefaultSymbol,
		Timeframe:   snapshot.Ruleset.DefaultTimeframe,
		WindowFrom:  w.clock.Now().Add(-window),
		WindowTo:    w.clock.Now(),
		TriggeredBy: "EW",
	}

	candleCount := int(window / candlePeriod(job.Timeframe))
	candles, err := w.gateway.GetCandles(ctx, job.Symbol, job.Timeframe, candleCount)
	if err != nil {
		if errs.Is(err, errs.KindUnavailable) {
			logger.Debug("evolution: market data unavailable, skipping cycle", zap.Error(err))
			return
		}
		logger.Warn("evolution: get_candles failed", zap.Error(err))
		return
	}

	deadline := w.cfg.BacktestDeadline
	if deadline <= 0 {
		deadline = 120 * time.Second
	}
	btCtx, cancel := context.WithTimeout(ctx, deadline)
	btConfig := types.DefaultBacktestConfig()
	btConfig.Deadline = deadline
	metrics, err := backtester.Run(btCtx, w.logger, snapshot.Ruleset, candles, btConfig)
	cancel()
	if err != nil {
		logger.Warn("evolution: backtest failed", zap.Error(err))
		return
	}

	score := scoring.Score(*metrics)
	smResult := statemachine.Evaluate(statemachine.Input{
		Status:              snapshot.Status,
		Caller:              statemachine.CallerEW,
		TotalTrades:         metrics.TotalTrades,
		WinRate:             metrics.WinRate,
		TestWinRate:         metrics.TestWinRateOrFull(),
		Sharpe:              metrics.Sharpe,
		ProfitFactor:        metrics.ProfitFactor,
		MaxDrawdown:         metrics.MaxDrawdown,
		OverfittingDetected: metrics.OverfittingDetected,
		Score:               score,
		EvolutionAttempts:   snapshot.EvolutionAttempts,
	})
	if snapshot.Status == types.StatusPendingReview {
		// The Monitoring Worker gates PENDING_REVIEW rows with its duplicate
		// check and sanity backtest; EW records its backtest but leaves the
		// status for that review.
		smResult = statemachine.Result{NewStatus: snapshot.Status, Reason: "awaiting_mw_review"}
	}

	now := w.clock.Now()
	updated, err := w.store.UpdateAtomic(ctx, snapshot.ID, snapshot.UpdatedAt, func(s *types.Strategy) {
		s.Status = smResult.NewStatus
		s.Score = &score
		s.LastMetrics = metrics
		s.TrainMetrics = metrics.TrainMetrics
		s.TestMetrics = metrics.TestMetrics
		s.LastBacktestAt = &now
		s.EvolutionAttempts++
		s.EvaluationCycles++
	})
	if err != nil {
		logger.Warn("evolution: update_atomic failed", zap.Error(err))
		return
	}

	_ = w.store.RecordBacktest(ctx, types.BacktestHistory{
		StrategyID:  updated.ID,
		Symbol:      job.Symbol,
		Timeframe:   job.Timeframe,
		WindowFrom:  job.WindowFrom,
		WindowTo:    job.WindowTo,
		Metrics:     *metrics,
		TriggeredBy: "EW",
	})

	w.emit(ctx, "backtest_completed", updated.ID, map[string]any{
		"status": string(updated.Status),
		"score":  score,
		"reason": smResult.Reason,
	})

	w.maybeMutate(ctx, updated, metrics.WinRate)
}

// maybeMutate checks the §4.4 trigger conditions and, if met, selects a
// second parent via tournament selection and persists 1-2 children.
func (w *Worker) maybeMutate(ctx context.Context, parent *types.Strategy, winRate float64) {
	trigger, preferIndicatorSub := mutation.ShouldTrigger(parent.EvolutionAttempts, parent.Status, winRate)
	if !trigger {
		return
	}

	active, err := w.store.ListActive(ctx, store.ListFilter{OnlyActive: true})
	if err != nil || len(active) == 0 {
		return
	}

	var second *types.Strategy
	if len(active) > 1 {
		second = w.mutator.TournamentSelect(active)
		if second != nil && second.ID == parent.ID {
			second = nil
		}
	}

	children := w.mutator.Mutate(ctx, parent, second, preferIndicatorSub)
	for _, c := range children {
		created, err := w.store.CreateChild(ctx, c.Strategy, c.Edges()...)
		if err != nil {
			w.logger.Warn("evolution: create_child failed", zap.String("parent_id", parent.ID), zap.Error(err))
			continue
		}
		fields := map[string]any{
			"parent_id":     parent.ID,
			"mutation_type": string(c.Edge.MutationType),
		}
		if c.SecondEdge != nil {
			fields["second_parent_id"] = c.SecondEdge.ParentID
		}
		w.emit(ctx, "strategy_mutated", created.ID, fields)
	}
}

// enforcePopulationCap discards the lowest-scoring excess active strategies
// beyond cfg.PopulationCap (N_max) at the end of a cycle.
func (w *Worker) enforcePopulationCap(ctx context.Context) {
	popCap := w.cfg.PopulationCap
	if popCap <= 0 {
		popCap = 100
	}
	active, err := w.store.ListActive(ctx, store.ListFilter{OnlyActive: true})
	if err != nil || len(active) <= popCap {
		return
	}

	sort.Slice(active, func(i, j int) bool { return scoreOf(active[i]) < scoreOf(active[j]) })
	excess := active[:len(active)-popCap]
	for _, s := range excess {
		updated, err := w.store.UpdateAtomic(ctx, s.ID, s.UpdatedAt, func(row *types.Strategy) {
			row.Status = types.StatusDiscarded
			row.IsActive = false
		})
		if err != nil {
			w.logger.Warn("evolution: population cap discard failed", zap.String("strategy_id", s.ID), zap.Error(err))
			continue
		}
		w.emit(ctx, "population_cap_discard", updated.ID, map[string]any{"score": scoreOf(updated)})
	}
}

func (w *Worker) emit(ctx context.Context, kind, strategyID string, fields map[string]any) {
	if w.sink == nil {
		return
	}
	w.sink.RecordEvent(ctx, kind, strategyID, fields)
}

// candlePeriod returns the wall-clock span one candle of timeframe covers,
// used to translate a lookback window into a candle count for MDG.
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
