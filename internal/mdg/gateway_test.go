package mdg_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/atlas-desktop/strategy-evolution/internal/clock"
	"github.com/atlas-desktop/strategy-evolution/internal/mdg"
	"github.com/atlas-desktop/strategy-evolution/pkg/types"
	"go.uber.org/zap"
)

type fakeProvider struct {
	key       string
	failFirst int32
	calls     int32
	price     types.PriceSnapshot
	candles   []types.OHLCV
}

func (p *fakeProvider) Key() string { return p.key }

func (p *fakeProvider) GetPrice(ctx context.Context, symbol string) (types.PriceSnapshot, error) {
	n := atomic.AddInt32(&p.calls, 1)
	if n <= p.failFirst {
		return types.PriceSnapshot{}, context.DeadlineExceeded
	}
	return p.price, nil
}

func (p *fakeProvider) GetCandles(ctx context.Context, symbol string, timeframe types.Timeframe, count int) ([]types.OHLCV, error) {
	return p.candles, nil
}

func TestGetPriceServesFromCache(t *testing.T) {
	primary := &fakeProvider{key: "primary", price: types.PriceSnapshot{Symbol: "BTC/USDT", Price: 50000}}
	gw := mdg.New(zap.NewNop(), clock.NewReal(), []mdg.Provider{primary}, nil)

	ctx := context.Background()
	first, err := gw.GetPrice(ctx, "BTC/USDT")
	if err != nil {
		t.Fatalf("GetPrice: %v", err)
	}
	second, err := gw.GetPrice(ctx, "BTC/USDT")
	if err != nil {
		t.Fatalf("GetPrice (cached): %v", err)
	}
	if first.Price != second.Price {
		t.Errorf("expected identical cached result, got %v vs %v", first, second)
	}
	if primary.calls != 1 {
		t.Errorf("expected exactly one upstream call with a warm cache, got %d", primary.calls)
	}
}

func TestGetPriceFallsBackOnFailure(t *testing.T) {
	broken := &fakeProvider{key: "broken", failFirst: 100}
	healthy := &fakeProvider{key: "healthy", price: types.PriceSnapshot{Symbol: "ETH/USDT", Price: 3000}}
	gw := mdg.New(zap.NewNop(), clock.NewReal(), []mdg.Provider{broken, healthy}, nil)

	got, err := gw.GetPrice(context.Background(), "ETH/USDT")
	if err != nil {
		t.Fatalf("expected fallback to healthy provider, got error: %v", err)
	}
	if got.Price != 3000 {
		t.Errorf("expected fallback provider's price, got %v", got.Price)
	}
}

func TestGetPriceUnavailableWhenAllProvidersFail(t *testing.T) {
	broken := &fakeProvider{key: "broken", failFirst: 100}
	gw := mdg.New(zap.NewNop(), clock.NewReal(), []mdg.Provider{broken}, nil)

	_, err := gw.GetPrice(context.Background(), "BTC/USDT")
	if err == nil {
		t.Fatal("expected Unavailable when every provider fails")
	}
}

func TestGetCandlesSortedAscending(t *testing.T) {
	now := time.Now()
	unsorted := []types.OHLCV{
		{Timestamp: now.Add(time.Hour)},
		{Timestamp: now},
		{Timestamp: now.Add(2 * time.Hour)},
	}
	provider := &fakeProvider{key: "p", candles: unsorted}
	gw := mdg.New(zap.NewNop(), clock.NewReal(), []mdg.Provider{provider}, nil)

	got, err := gw.GetCandles(context.Background(), "BTC/USDT", types.Timeframe1h, 3)
	if err != nil {
		t.Fatalf("GetCandles: %v", err)
	}
	for i := 1; i < len(got); i++ {
		if got[i].Timestamp.Before(got[i-1].Timestamp) {
			t.Fatalf("expected ascending time order, got %v", got)
		}
	}
}

func TestRateBudgetRespectsContextDeadline(t *testing.T) {
	provider := &fakeProvider{key: "tight", price: types.PriceSnapshot{Symbol: "BTC/USDT", Price: 1}}
	cfg := mdg.ProviderConfig{RateWindow: time.Minute, MaxInWindow: 1, BaseBackoff: time.Millisecond, MaxBackoff: time.Second, BreakerConfig: mdg.DefaultProviderConfig("tight").BreakerConfig}
	gw := mdg.New(zap.NewNop(), clock.NewReal(), []mdg.Provider{provider}, map[string]mdg.ProviderConfig{"tight": cfg})

	ctx := context.Background()
	if _, err := gw.GetPrice(ctx, "BTC/USDT"); err != nil {
		t.Fatalf("first call should succeed under budget: %v", err)
	}

	// Second distinct symbol forces a fresh fingerprint (no cache hit), and
	// the single-token bucket is now empty, so a near-expired context should
	// get an error (Unavailable wrapping the limiter's RateLimited) rather
	// than block indefinitely.
	tight, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	if _, err := gw.GetPrice(tight, "ETH/USDT"); err == nil {
		t.Fatal("expected rate budget exhaustion to surface before the deadline")
	}
}
