// Package mockprovider is a synthetic internal/mdg.Provider for tests,
// local development, and the `seed`/`serve` CLI paths, which always use it.
// It generates a random walk with a slight upward drift per symbol,
// deterministic for a given seed, rather than flat or linear synthetic
// data, so backtester/scoring code sees realistic win/loss variance.
package mockprovider

import (
	"context"
	"math/rand"
	"time"

	"github.com/atlas-desktop/strategy-evolution/internal/clock"
	"github.com/atlas-desktop/strategy-evolution/pkg/types"
	"github.com/shopspring/decimal"
)

// Provider is a deterministic, seed-driven synthetic market data source.
type Provider struct {
	clock clock.Clock
	rng   *rand.Rand
}

// New builds a mock Provider seeded from seed for reproducible synthetic
// series across test runs.
func New(clk clock.Clock, seed int64) *Provider {
	return &Provider{clock: clk, rng: rand.New(rand.NewSource(seed))}
}

func (p *Provider) Key() string { return "mock" }

func (p *Provider) GetPrice(ctx context.Context, symbol string) (types.PriceSnapshot, error) {
	candles, err := p.GetCandles(ctx, symbol, types.Timeframe1h, 1)
	if err != nil {
		return types.PriceSnapshot{}, err
	}
	last := candles[len(candles)-1]
	price, _ := last.Close.Float64()
	return types.PriceSnapshot{
		Symbol:    symbol,
		Price:     price,
		Bid:       price * 0.9995,
		Ask:       price * 1.0005,
		Timestamp: p.clock.Now(),
		Source:    "mock",
	}, nil
}

func (p *Provider) GetCandles(ctx context.Context, symbol string, timeframe types.Timeframe, count int) ([]types.OHLCV, error) {
	period := periodFor(timeframe)
	now := p.clock.Now()
	start := now.Add(-time.Duration(count) * period)

	price := basePrice(symbol)
	out := make([]types.OHLCV, 0, count)
	for i := 0; i < count; i++ {
		drift := (p.rng.Float64() - 0.48) * price * 0.01
		price += drift
		if price <= 0 {
			price = basePrice(symbol) * 0.5
		}
		open := decimal.NewFromFloat(price)
		high := decimal.NewFromFloat(price * (1 + p.rng.Float64()*0.005))
		low := decimal.NewFromFloat(price * (1 - p.rng.Float64()*0.005))
		close := decimal.NewFromFloat(price + drift*0.3)
		out = append(out, types.OHLCV{
			Timestamp: start.Add(time.Duration(i) * period),
			Open:      open,
			High:      high,
			Low:       low,
			Close:     close,
			Volume:    decimal.NewFromFloat(1000 + p.rng.Float64()*500),
		})
	}
	return out, nil
}

func basePrice(symbol string) float64 {
	h := 0
	for _, c := range symbol {
		h += int(c)
	}
	return 50 + float64(h%500)
}

func periodFor(tf types.Timeframe) time.Duration {
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
