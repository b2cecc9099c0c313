package royalty_test

import (
	"context"
	"testing"
	"time"

	"github.com/atlas-desktop/strategy-evolution/internal/clock"
	"github.com/atlas-desktop/strategy-evolution/internal/config"
	"github.com/atlas-desktop/strategy-evolution/internal/royalty"
	"github.com/atlas-desktop/strategy-evolution/internal/store"
	"github.com/atlas-desktop/strategy-evolution/pkg/types"
	"go.uber.org/zap"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(zap.NewNop(), t.TempDir(), clock.NewReal())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	return st
}

func TestOnSettledRecordsRoyaltyForOwner(t *testing.T) {
	st := newTestStore(t)
	draft := types.StrategyDraft{
		OwnerID:          "user-1",
		DefaultSymbol:    "BTC/USDT",
		DefaultTimeframe: types.Timeframe1h,
		AssetType:        types.AssetCrypto,
	}
	s, err := st.Create(context.Background(), draft)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	ledger := royalty.NewInMemoryLedger()
	e := royalty.New(zap.NewNop(), clock.NewReal(), config.RoyaltyConfig{Enabled: true, RetryLimit: 3, RetryDelay: time.Millisecond}, st, ledger)

	e.OnSettled(context.Background(), types.SettledEvent{
		TradeID:     "t1",
		StrategyID:  s.ID,
		RealizedPnL: 100,
		UserPlan:    "pro",
	})

	waitFor(t, time.Second, func() bool { return len(ledger.Records()) == 1 })

	rec := ledger.Records()[0]
	if rec.OwnerID != "user-1" {
		t.Errorf("expected owner user-1, got %q", rec.OwnerID)
	}
	if rec.Royalty != 10 {
		t.Errorf("expected royalty 10 (100*0.10 pro rate), got %v", rec.Royalty)
	}
	if rec.PlatformFee != 2 {
		t.Errorf("expected platform fee 2 (10*0.20 pro fee rate), got %v", rec.PlatformFee)
	}
}

func TestOnSettledIgnoresNonPositivePnL(t *testing.T) {
	st := newTestStore(t)
	ledger := royalty.NewInMemoryLedger()
	e := royalty.New(zap.NewNop(), clock.NewReal(), config.RoyaltyConfig{Enabled: true, RetryLimit: 3, RetryDelay: time.Millisecond}, st, ledger)

	e.OnSettled(context.Background(), types.SettledEvent{TradeID: "t2", StrategyID: "whatever", RealizedPnL: -5, UserPlan: "free"})
	e.OnSettled(context.Background(), types.SettledEvent{TradeID: "t3", StrategyID: "", RealizedPnL: 5, UserPlan: "free"})

	time.Sleep(20 * time.Millisecond)
	if len(ledger.Records()) != 0 {
		t.Errorf("expected no records for non-positive pnl or missing strategy id, got %d", len(ledger.Records()))
	}
}

func TestOnSettledDisabledIsNoop(t *testing.T) {
	st := newTestStore(t)
	ledger := royalty.NewInMemoryLedger()
	e := royalty.New(zap.NewNop(), clock.NewReal(), config.RoyaltyConfig{Enabled: false}, st, ledger)

	e.OnSettled(context.Background(), types.SettledEvent{TradeID: "t4", StrategyID: "s1", RealizedPnL: 50, UserPlan: "elite"})

	time.Sleep(20 * time.Millisecond)
	if len(ledger.Records()) != 0 {
		t.Errorf("expected no records when royalty emitter disabled, got %d", len(ledger.Records()))
	}
}
