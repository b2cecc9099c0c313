// Package types additions for the strategy lifecycle and evolution engine:
// Strategy rows, metrics records, lineage edges, provider/rate-budget
// bookkeeping and the live signal contract.
package types

import (
	"time"
)

// StrategyStatus enumerates the lifecycle states a Strategy can occupy.
type StrategyStatus string

const (
	StatusPendingReview StrategyStatus = "PENDING_REVIEW"
	StatusExperiment    StrategyStatus = "EXPERIMENT"
	StatusCandidate     StrategyStatus = "CANDIDATE"
	StatusProposable    StrategyStatus = "PROPOSABLE"
	StatusDuplicate     StrategyStatus = "DUPLICATE"
	StatusRejected      StrategyStatus = "REJECTED"
	StatusDiscarded     StrategyStatus = "DISCARDED"
)

// Terminal reports whether a status is a dead end per invariant I2.
func (s StrategyStatus) Terminal() bool {
	switch s {
	case StatusDiscarded, StatusRejected, StatusDuplicate:
		return true
	default:
		return false
	}
}

// AssetType enumerates the tradable asset classes a Strategy may target.
type AssetType string

const (
	AssetEquity AssetType = "equity"
	AssetCrypto AssetType = "crypto"
	AssetFX     AssetType = "fx"
	AssetOther  AssetType = "other"
)

// MutationType enumerates the operators the Mutation Engine applies.
type MutationType string

const (
	MutationParamTweak       MutationType = "PARAM_TWEAK"
	MutationIndicatorSub     MutationType = "INDICATOR_SUB"
	MutationTimeframeChange  MutationType = "TIMEFRAME_CHANGE"
	MutationAssetTransplant  MutationType = "ASSET_TRANSPLANT"
	MutationCrossover        MutationType = "CROSSOVER"
)

// SignalSide enumerates the live-signal directional intents.
type SignalSide string

const (
	SignalBuy  SignalSide = "BUY"
	SignalSell SignalSide = "SELL"
	SignalFlat SignalSide = "FLAT"
)

// OverfittingRisk is the categorical risk level MS reports in a RegimeContext.
type OverfittingRisk string

const (
	OverfittingLow    OverfittingRisk = "Low"
	OverfittingMedium OverfittingRisk = "Medium"
	OverfittingHigh   OverfittingRisk = "High"
)

// RegimeLabel categorizes the prevailing market condition MS observed.
type RegimeLabel string

const (
	RegimeTrending     RegimeLabel = "trending"
	RegimeRanging      RegimeLabel = "ranging"
	RegimeHighVol      RegimeLabel = "high_vol"
	RegimeLowVol       RegimeLabel = "low_vol"
	RegimeMeanRevert   RegimeLabel = "mean_reverting"
	RegimeUnknown      RegimeLabel = "unknown"
)

// MetricsRecord is the result of one backtest run.
type MetricsRecord struct {
	TotalTrades         int                `json:"totalTrades"`
	WinRate             float64            `json:"winRate"`
	Sharpe              float64            `json:"sharpe"`
	Sortino             float64            `json:"sortino"`
	ProfitFactor        float64            `json:"profitFactor"` // math.Inf(1) sentinel when no losses
	MaxDrawdown         float64            `json:"maxDrawdown"`
	TotalReturn         float64            `json:"totalReturn"`
	EquityCurve         []EquityCurvePoint `json:"equityCurve"`
	TrainTestGap        float64            `json:"trainTestGap"`
	MCPercentile5       float64            `json:"mcPercentile5"`
	WFAConsistency      float64            `json:"wfaConsistency"`
	OverfittingDetected bool               `json:"overfittingDetected"`
	// TrainMetrics/TestMetrics are the per-split summaries BE's train/test
	// walk-forward split (step 5) produces; nil on the split records
	// themselves to avoid unbounded nesting.
	TrainMetrics *MetricsRecord `json:"trainMetrics,omitempty"`
	TestMetrics  *MetricsRecord `json:"testMetrics,omitempty"`
}

// TestWinRateOrFull returns the held-out test split's win rate, falling back
// to the full-sample WinRate when no split was computed (e.g. a sanity
// backtest run on too short a window). Callers feeding statemachine.Input
// should use this rather than WinRate directly: the §4.3 base gate is
// defined against the test split.
func (m *MetricsRecord) TestWinRateOrFull() float64 {
	if m.TestMetrics != nil {
		return m.TestMetrics.WinRate
	}
	return m.WinRate
}

// Strategy is the durable row owned exclusively by the Strategy Store.
type Strategy struct {
	ID                string          `json:"id"`
	OwnerID           string          `json:"ownerId"`
	Name              string          `json:"name"`
	Parameters        map[string]any  `json:"parameters"`
	Ruleset           Ruleset         `json:"ruleset"`
	AssetType         AssetType       `json:"assetType"`
	Status            StrategyStatus  `json:"status"`
	IsActive          bool            `json:"isActive"`
	Score             *float64        `json:"score,omitempty"`
	EvolutionAttempts int             `json:"evolutionAttempts"`
	EvaluationCycles  int             `json:"evaluationCycles"`
	LastBacktestAt    *time.Time      `json:"lastBacktestAt,omitempty"`
	LastMetrics       *MetricsRecord  `json:"lastMetrics,omitempty"`
	TrainMetrics      *MetricsRecord  `json:"trainMetrics,omitempty"`
	TestMetrics       *MetricsRecord  `json:"testMetrics,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

// Ruleset is declared in pkg/types/ruleset.go (RuleNode variant tree); the
// field lives on Strategy here to keep the entity definitions together.

// LineageEdge records one parent→child creation by the Mutation Engine.
type LineageEdge struct {
	ParentID       string         `json:"parentId"`
	ChildID        string         `json:"childId"`
	MutationType   MutationType   `json:"mutationType"`
	MutationParams map[string]any `json:"mutationParams"`
	Similarity     float64        `json:"similarity"`
	CreatorID      string         `json:"creatorId"`
	CreatedAt      time.Time      `json:"createdAt"`
}

// BacktestJob describes one unit of backtest work dispatched by EW or MW.
type BacktestJob struct {
	StrategyID string         `json:"strategyId"`
	Symbol     string         `json:"symbol"`
	Timeframe  Timeframe      `json:"timeframe"`
	WindowFrom time.Time      `json:"windowFrom"`
	WindowTo   time.Time      `json:"windowTo"`
	Config     BacktestConfig `json:"config"`
	TriggeredBy string        `json:"triggeredBy"` // "EW" | "MW"
}

// BacktestHistory is an append-only row persisted by the Strategy Store
// alongside each completed backtest.
type BacktestHistory struct {
	ID          string        `json:"id"`
	StrategyID  string        `json:"strategyId"`
	Symbol      string        `json:"symbol"`
	Timeframe   Timeframe     `json:"timeframe"`
	WindowFrom  time.Time     `json:"windowFrom"`
	WindowTo    time.Time     `json:"windowTo"`
	Metrics     MetricsRecord `json:"metrics"`
	TriggeredBy string        `json:"triggeredBy"`
	CreatedAt   time.Time     `json:"createdAt"`
}

// PriceSnapshot is the Market Data Gateway's get_price result.
type PriceSnapshot struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

// SentimentRecord is the Market Data Gateway's optional get_sentiment result.
type SentimentRecord struct {
	Symbol    string    `json:"symbol"`
	Score     float64   `json:"score"` // [-1,1]
	Volume    int       `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
}

// ProviderRequest identifies one outbound Market Data Gateway call for
// fingerprinting, coalescing and rate accounting.
type ProviderRequest struct {
	ProviderKey string    `json:"providerKey"`
	Method      string    `json:"method"`
	ArgHash     string    `json:"argHash"`
	Deadline    time.Time `json:"deadline"`
	Attempts    int       `json:"attempts"`
}

// RateBudget is a rolling-window token count per provider.
type RateBudget struct {
	WindowSize  time.Duration `json:"windowSize"`
	MaxInWindow int           `json:"maxInWindow"`
	Recent      []time.Time   `json:"recent"`
}

// CacheEntry is one Market Data Gateway cache row.
type CacheEntry struct {
	Key       string    `json:"key"`
	Value     any       `json:"value"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// LiveSignal is the Signal Gateway's output contract (spec §3's `Signal`
// entity); distinct from the generic trading Signal in types.go which the
// backtester/execution packages used for internal simulation bookkeeping.
type LiveSignal struct {
	StrategyID   string     `json:"strategyId"`
	Symbol       string     `json:"symbol"`
	Side         SignalSide `json:"side"`
	Entry        float64    `json:"entry"`
	Stop         float64    `json:"stop"`
	Target       float64    `json:"target"`
	Confidence   float64    `json:"confidence"`
	PositionSize float64    `json:"positionSize"`
	Explanation  string     `json:"explanation"`
}

// RegimeContext is the pinned Memory Sink contract consumed by SM's MCN
// gates and SG's regime-fit adjustment.
type RegimeContext struct {
	Label           RegimeLabel     `json:"label"`
	Stability       float64         `json:"stability"`       // [0,1]
	OverfittingRisk OverfittingRisk `json:"overfittingRisk"`
	Confidence      float64         `json:"confidence"`       // [0,1]
}

// RoyaltyRecord is an append-only row emitted by the Royalty/Attribution
// Emitter on a profitable, attributable trade settlement.
type RoyaltyRecord struct {
	ID          string    `json:"id"`
	TradeID     string    `json:"tradeId"`
	StrategyID  string    `json:"strategyId"`
	OwnerID     string    `json:"ownerId"`
	Plan        string    `json:"plan"`
	RealizedPnL float64   `json:"realizedPnl"`
	Royalty     float64   `json:"royalty"`
	PlatformFee float64   `json:"platformFee"`
	CreatedAt   time.Time `json:"createdAt"`
}

// SettledEvent is the broker collaborator's asynchronous notification that
// a trade has settled, consumed by the Royalty/Attribution Emitter.
type SettledEvent struct {
	TradeID     string  `json:"tradeId"`
	StrategyID  string  `json:"strategyId"`
	RealizedPnL float64 `json:"realizedPnl"`
	UserPlan    string  `json:"userPlan"`
}

// StrategyDraft is the external Upload API payload that creates a Strategy
// in PENDING_REVIEW.
type StrategyDraft struct {
	Name       string         `json:"name"`
	OwnerID    string         `json:"ownerId"`
	Parameters map[string]any `json:"parameters"`
	Ruleset    Ruleset        `json:"ruleset"`
	AssetType  AssetType      `json:"assetType"`
}
