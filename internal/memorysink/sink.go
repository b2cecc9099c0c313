// Package memorysink implements the Memory Sink: the append-only event log
// and regime-context provider that the Evolution Worker, Monitoring
// Worker, and Signal Gateway all write to and read from. It adapts the
// teacher's internal/events.EventBus publish/subscribe shape into a
// persisted, idempotent event log, and wraps internal/regime.RegimeDetector
// (one detector per symbol) behind the pinned RegimeContext contract
// SPEC_FULL.md's statemachine MCN gates and Signal Gateway adjustments
// depend on.
package memorysink

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/atlas-desktop/strategy-evolution/internal/clock"
	"github.com/atlas-desktop/strategy-evolution/internal/regime"
	"github.com/atlas-desktop/strategy-evolution/pkg/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Record is one append-only event row.
type Record struct {
	ID         string         `json:"id"`
	Kind       string         `json:"kind"`
	StrategyID string         `json:"strategyId"`
	Fields     map[string]any `json:"fields"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// Sink is the Memory Sink. All mutable state (the event log and the
// per-symbol regime detectors) is guarded by one mutex, matching the
// Strategy Store's coarse-lock judgment call: event volume and symbol
// count are both small enough that a single lock never becomes a
// bottleneck relative to the backtests driving it.
type Sink struct {
	logger *zap.Logger
	clock  clock.Clock
	dir    string

	mu        sync.Mutex
	records   []Record
	seen      map[string]struct{} // idempotency keys already applied
	detectors map[string]*regime.RegimeDetector
}

// New constructs a Sink, loading any previously persisted event log from
// dataDir/memory_sink.json.
func New(logger *zap.Logger, clk clock.Clock, dataDir string) (*Sink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Sink{
		logger:    logger,
		clock:     clk,
		dir:       dataDir,
		seen:      make(map[string]struct{}),
		detectors: make(map[string]*regime.RegimeDetector),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// RecordEvent appends one event, deduplicated on (kind, strategy_id,
// timestamp-to-the-second) so a worker retrying a timed-out write never
// double-counts the same lifecycle transition.
func (s *Sink) RecordEvent(ctx context.Context, kind string, strategyID string, fields map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	key := idempotencyKey(kind, strategyID, now)
	if _, dup := s.seen[key]; dup {
		return
	}

	rec := Record{
		ID:         uuid.NewString(),
		Kind:       kind,
		StrategyID: strategyID,
		Fields:     fields,
		CreatedAt:  now,
	}
	s.records = append(s.records, rec)
	s.seen[key] = struct{}{}

	if err := s.persistLocked(); err != nil {
		s.logger.Warn("memorysink: persist failed", zap.Error(err))
	}
}

// Query returns every recorded event for strategyID in insertion order.
func (s *Sink) Query(ctx context.Context, strategyID string) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for _, r := range s.records {
		if r.StrategyID == strategyID {
			out = append(out, r)
		}
	}
	return out
}

// FeedCandles primes (or re-primes) the regime detector for symbol from a
// historical candle series, letting a caller (the `seed` command) warm the
// detector with candles fetched from the market data gateway instead of
// waiting on live ticks.
func (s *Sink) FeedCandles(symbol string, candles []types.OHLCV) {
	if len(candles) < 2 {
		return
	}
	s.mu.Lock()
	detector := s.detectorFor(symbol)
	s.mu.Unlock()

	prevClose := candles[0].Close
	for _, c := range candles[1:] {
		if prevClose.IsZero() {
			prevClose = c.Close
			continue
		}
		ret, _ := c.Close.Sub(prevClose).Div(prevClose).Float64()
		detector.AddReturn(ret)
		detector.AddDataPoint(c.Close, c.Volume, c.Timestamp)
		prevClose = c.Close
	}
}

// Regime reports the current RegimeContext for symbol. The second return
// is false when no detector has seen enough data yet, signalling callers
// (statemachine's MCN gate, Signal Gateway's regime-fit adjustment) to
// treat the read as unavailable rather than block on it.
func (s *Sink) Regime(ctx context.Context, symbol string) (types.RegimeContext, bool) {
	s.mu.Lock()
	detector, ok := s.detectors[symbol]
	s.mu.Unlock()
	if !ok {
		return types.RegimeContext{}, false
	}

	state := detector.GetCurrentRegime()
	if state.Primary == regime.RegimeUnknown || state.Confidence == 0 {
		return types.RegimeContext{}, false
	}

	return types.RegimeContext{
		Label:           mapRegimeLabel(state.Primary),
		Stability:       stabilityOf(state),
		OverfittingRisk: overfittingRiskOf(state),
		Confidence:      state.Confidence,
	}, true
}

func (s *Sink) detectorFor(symbol string) *regime.RegimeDetector {
	d, ok := s.detectors[symbol]
	if !ok {
		d = regime.NewRegimeDetector(s.logger.Named("regime."+symbol), regime.DefaultRegimeConfig())
		s.detectors[symbol] = d
	}
	return d
}

// stabilityOf derives the [0,1] stability score the CANDIDATE promotion
// gate requires from how long the detector has held its current regime
// relative to a fixed 30-day window, saturating at one full window.
func stabilityOf(state *regime.RegimeState) float64 {
	if state.Duration <= 0 {
		return 0
	}
	const saturationWindow = 30 * 24 * time.Hour
	frac := float64(state.Duration) / float64(saturationWindow)
	if frac > 1 {
		frac = 1
	}
	return frac
}

// overfittingRiskOf reads the regime's own confidence/transition signal:
// a detector mid-transition or with low confidence implies the backtest
// window straddled more than one regime, which is exactly the condition
// SPEC_FULL.md's overfitting-risk gate exists to catch.
func overfittingRiskOf(state *regime.RegimeState) types.OverfittingRisk {
	switch {
	case state.Secondary == regime.RegimeTransition, state.Confidence < 0.4:
		return types.OverfittingHigh
	case state.Confidence < 0.7:
		return types.OverfittingMedium
	default:
		return types.OverfittingLow
	}
}

func mapRegimeLabel(rt regime.RegimeType) types.RegimeLabel {
	switch rt {
	case regime.RegimeBull, regime.RegimeBear, regime.RegimeTrending:
		return types.RegimeTrending
	case regime.RegimeMeanReverting:
		return types.RegimeMeanRevert
	case regime.RegimeHighVol:
		return types.RegimeHighVol
	case regime.RegimeLowVol:
		return types.RegimeLowVol
	case regime.RegimeTransition:
		return types.RegimeRanging
	default:
		return types.RegimeUnknown
	}
}

func idempotencyKey(kind, strategyID string, ts time.Time) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", kind, strategyID, ts.Unix())))
	return hex.EncodeToString(h[:])
}

func (s *Sink) snapshotPath() string {
	return filepath.Join(s.dir, "memory_sink.json")
}

func (s *Sink) persistLocked() error {
	if s.dir == "" {
		return nil
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s.records, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.snapshotPath(), data, 0o644)
}

func (s *Sink) load() error {
	if s.dir == "" {
		return nil
	}
	data, err := os.ReadFile(s.snapshotPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return err
	}
	s.records = records
	for _, r := range records {
		s.seen[idempotencyKey(r.Kind, r.StrategyID, r.CreatedAt)] = struct{}{}
	}
	return nil
}
