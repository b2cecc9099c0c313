// Package royalty implements the Royalty/Attribution Emitter: on a
// profitable, strategy-attributed trade settlement it resolves the
// strategy's immutable owner via the Strategy Store and appends a royalty
// record, retrying transient failures with the teacher's generic
// exponential-backoff helper (pkg/utils.Retry) rather than its
// RiskManager's own bespoke kill-switch/violation machinery, which solves a
// different problem (blocking risky orders, not recording settled ones).
package royalty

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/atlas-desktop/strategy-evolution/internal/clock"
	"github.com/atlas-desktop/strategy-evolution/internal/config"
	"github.com/atlas-desktop/strategy-evolution/internal/store"
	"github.com/atlas-desktop/strategy-evolution/pkg/types"
	"github.com/atlas-desktop/strategy-evolution/pkg/utils"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Plan names recognized by rate/fee lookup.
const (
	PlanFree    = "free"
	PlanPro     = "pro"
	PlanElite   = "elite"
)

// rate is the owner's royalty share of realized PnL per plan; feeRate is
// the platform's cut of that royalty.
var planRates = map[string]float64{
	PlanFree:  0.05,
	PlanPro:   0.10,
	PlanElite: 0.15,
}

var planFeeRates = map[string]float64{
	PlanFree:  0.30,
	PlanPro:   0.20,
	PlanElite: 0.10,
}

func rateFor(plan string) float64 {
	if r, ok := planRates[plan]; ok {
		return r
	}
	return planRates[PlanFree]
}

func feeRateFor(plan string) float64 {
	if r, ok := planFeeRates[plan]; ok {
		return r
	}
	return planFeeRates[PlanFree]
}

// Ledger is where Emitter appends completed royalty records; InMemoryLedger
// is the implementation this package provides.
type Ledger interface {
	Append(ctx context.Context, rec types.RoyaltyRecord) error
}

// Emitter is the Royalty/Attribution Emitter.
type Emitter struct {
	logger *zap.Logger
	clock  clock.Clock
	cfg    config.RoyaltyConfig
	store  *store.Store
	ledger Ledger
}

// New builds an Emitter.
func New(logger *zap.Logger, clk clock.Clock, cfg config.RoyaltyConfig, st *store.Store, ledger Ledger) *Emitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Emitter{logger: logger, clock: clk, cfg: cfg, store: st, ledger: ledger}
}

// OnSettled handles one broker-settled trade event. It never returns an
// error to the caller: a royalty-computation failure is logged and retried
// in the background, but must not hold up or unwind the trade settlement
// path that triggered it.
func (e *Emitter) OnSettled(ctx context.Context, event types.SettledEvent) {
	if !e.cfg.Enabled {
		return
	}
	if event.RealizedPnL <= 0 || event.StrategyID == "" {
		return
	}

	go e.process(context.WithoutCancel(ctx), event)
}

func (e *Emitter) process(ctx context.Context, event types.SettledEvent) {
	attempts := e.cfg.RetryLimit
	if attempts <= 0 {
		attempts = 5
	}
	delay := e.cfg.RetryDelay
	if delay <= 0 {
		delay = 2 * time.Second
	}

	retryCfg := utils.RetryConfig{
		MaxAttempts:  attempts,
		InitialDelay: delay,
		MaxDelay:     delay * 10,
		Multiplier:   2,
	}

	_, err := utils.Retry(retryCfg, func() (struct{}, error) {
		return struct{}{}, e.record(ctx, event)
	})
	if err != nil {
		e.logger.Error("royalty: failed to record after retries", zap.String("trade_id", event.TradeID), zap.Error(err))
	}
}

func (e *Emitter) record(ctx context.Context, event types.SettledEvent) error {
	strategy, err := e.store.Get(ctx, event.StrategyID)
	if err != nil {
		return fmt.Errorf("royalty: resolve owner for strategy %s: %w", event.StrategyID, err)
	}

	royaltyAmt := event.RealizedPnL * rateFor(event.UserPlan)
	platformFee := royaltyAmt * feeRateFor(event.UserPlan)

	rec := types.RoyaltyRecord{
		ID:          uuid.NewString(),
		TradeID:     event.TradeID,
		StrategyID:  event.StrategyID,
		OwnerID:     strategy.OwnerID,
		Plan:        event.UserPlan,
		RealizedPnL: event.RealizedPnL,
		Royalty:     royaltyAmt,
		PlatformFee: platformFee,
		CreatedAt:   e.clock.Now(),
	}

	if err := e.ledger.Append(ctx, rec); err != nil {
		return fmt.Errorf("royalty: append ledger: %w", err)
	}
	return nil
}

// InMemoryLedger is a minimal append-only Ledger for tests and single-node
// deployments without a dedicated royalty store.
type InMemoryLedger struct {
	mu      sync.Mutex
	records []types.RoyaltyRecord
}

func NewInMemoryLedger() *InMemoryLedger { return &InMemoryLedger{} }

func (l *InMemoryLedger) Append(ctx context.Context, rec types.RoyaltyRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, rec)
	return nil
}

func (l *InMemoryLedger) Records() []types.RoyaltyRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]types.RoyaltyRecord, len(l.records))
	copy(out, l.records)
	return out
}
