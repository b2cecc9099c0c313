// Package mdg implements the Market Data Gateway: a caching, coalescing,
// rate-budgeted, circuit-broken fan-out over configured price/candle
// providers with ordered fallback. Grounded on internal/data/market_data.go's
// provider/cache/subscription shape plus the rate-budget and circuit-breaker
// idioms in the pack's infrastructure/providers package (ratelimit.go,
// circuitbreakers.go), generalized from those packages' Binance-specific
// manager into a provider-agnostic gateway over pkg/types.OHLCV/PriceSnapshot.
package mdg

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/atlas-desktop/strategy-evolution/internal/clock"
	"github.com/atlas-desktop/strategy-evolution/internal/errs"
	"github.com/atlas-desktop/strategy-evolution/pkg/types"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Provider is one upstream price/candle source. Implementations wrap a
// concrete exchange or data vendor client; the gateway never talks to an
// HTTP client directly.
type Provider interface {
	Key() string
	GetPrice(ctx context.Context, symbol string) (types.PriceSnapshot, error)
	GetCandles(ctx context.Context, symbol string, timeframe types.Timeframe, count int) ([]types.OHLCV, error)
}

// ProviderConfig tunes rate budgeting and circuit breaking per provider.
type ProviderConfig struct {
	RateWindow    time.Duration
	MaxInWindow   int
	BreakerConfig gobreaker.Settings
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
}

func DefaultProviderConfig(name string) ProviderConfig {
	return ProviderConfig{
		RateWindow:  60 * time.Second,
		MaxInWindow: 1200,
		BaseBackoff: 250 * time.Millisecond,
		MaxBackoff:  60 * time.Second,
		BreakerConfig: gobreaker.Settings{
			Name:        name,
			MaxRequests: 3,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		},
	}
}

// Gateway dispatches to providers in fallback order with caching,
// coalescing, and per-provider rate/circuit protection.
type Gateway struct {
	logger    *zap.Logger
	clock     clock.Clock
	providers []Provider

	mu              sync.Mutex
	limiters        map[string]*rate.Limiter
	breakers        map[string]*gobreaker.CircuitBreaker
	backoffs        map[string]int // consecutive failure count, halved on success
	providerConfigs map[string]ProviderConfig

	cacheMu sync.Mutex
	cache   map[string]types.CacheEntry

	inflightMu sync.Mutex
	inflight   map[string]*waiter
}

type waiter struct {
	done chan struct{}
	val  any
	err  error
}

// New builds a Gateway over providers, tried in the given order as the
// fallback chain, one ProviderConfig per provider keyed by Provider.Key().
// Each provider's rolling rate budget (max_in_window per RateWindow) is
// modeled as a continuously refilling token bucket via golang.org/x/time/rate
// rather than a hand-rolled timestamp ring, since a bucket refilling at
// max_in_window/RateWindow tokens/sec with burst max_in_window converges to
// the same steady-state admission rate the spec's rolling window describes,
// and rate.Limiter.Wait already honors a caller's context deadline.
func New(logger *zap.Logger, clk clock.Clock, providers []Provider, configs map[string]ProviderConfig) *Gateway {
	g := &Gateway{
		logger:    logger,
		clock:     clk,
		providers: providers,
		limiters:  make(map[string]*rate.Limiter),
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
		backoffs:  make(map[string]int),
		cache:     make(map[string]types.CacheEntry),
		inflight:  make(map[string]*waiter),
	}
	g.providerConfigs = make(map[string]ProviderConfig, len(providers))
	for _, p := range providers {
		cfg, ok := configs[p.Key()]
		if !ok {
			cfg = DefaultProviderConfig(p.Key())
		}
		rps := float64(cfg.MaxInWindow) / cfg.RateWindow.Seconds()
		g.limiters[p.Key()] = rate.NewLimiter(rate.Limit(rps), cfg.MaxInWindow)
		g.providerConfigs[p.Key()] = cfg
		g.breakers[p.Key()] = gobreaker.NewCircuitBreaker(cfg.BreakerConfig)
	}
	return g
}

const (
	priceTTL  = 5 * time.Second
	candleTTL = 5 * time.Second
)

// GetPrice fetches the latest price, serving from cache, coalescing
// concurrent identical requests, and falling back across providers on
// transient failure.
func (g *Gateway) GetPrice(ctx context.Context, symbol string) (types.PriceSnapshot, error) {
	fp := fingerprint("price", symbol, nil)
	if v, ok := g.cacheGet(fp); ok {
		return v.(types.PriceSnapshot), nil
	}

	v, err := g.coalesced(ctx, fp, func() (any, error) {
		return g.dispatch(ctx, fp, func(p Provider) (any, error) {
			return p.GetPrice(ctx, symbol)
		})
	})
	if err != nil {
		return types.PriceSnapshot{}, err
	}
	snap := v.(types.PriceSnapshot)
	g.cacheSet(fp, snap, priceTTL)
	return snap, nil
}

// GetCandles fetches count candles for (symbol, timeframe) in ascending
// time order, subject to the same cache/coalesce/fallback discipline.
func (g *Gateway) GetCandles(ctx context.Context, symbol string, timeframe types.Timeframe, count int) ([]types.OHLCV, error) {
	fp := fingerprint("candles", symbol, map[string]any{"timeframe": timeframe, "count": count})
	if v, ok := g.cacheGet(fp); ok {
		return v.([]types.OHLCV), nil
	}

	v, err := g.coalesced(ctx, fp, func() (any, error) {
		return g.dispatch(ctx, fp, func(p Provider) (any, error) {
			candles, err := p.GetCandles(ctx, symbol, timeframe, count)
			if err != nil {
				return nil, err
			}
			sort.Slice(candles, func(i, j int) bool { return candles[i].Timestamp.Before(candles[j].Timestamp) })
			return candles, nil
		})
	})
	if err != nil {
		return nil, err
	}
	candles := v.([]types.OHLCV)
	g.cacheSet(fp, candles, candleTTL)
	return candles, nil
}

// dispatch walks g.providers in order, applying rate budgeting and circuit
// breaking per provider, advancing to the next on any transient failure.
func (g *Gateway) dispatch(ctx context.Context, fp string, call func(Provider) (any, error)) (any, error) {
	var lastErr error
	for _, p := range g.providers {
		if err := g.awaitBudget(ctx, p.Key()); err != nil {
			lastErr = err
			continue
		}

		breaker := g.breakerFor(p.Key())
		result, err := breaker.Execute(func() (interface{}, error) {
			return call(p)
		})
		if err == nil {
			g.recordSuccess(p.Key())
			return result, nil
		}
		g.recordFailure(p.Key())
		lastErr = err

		select {
		case <-ctx.Done():
			return nil, errs.Unavailable("mdg.dispatch", ctx.Err())
		default:
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no providers configured")
	}
	return nil, errs.Unavailable("mdg.dispatch", fmt.Errorf("all providers exhausted for %s: %w", fp, lastErr))
}

func (g *Gateway) breakerFor(key string) *gobreaker.CircuitBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.breakers[key]
}

// awaitBudget blocks until provider's rate limiter admits one token,
// honoring ctx's deadline instead of waiting past it.
func (g *Gateway) awaitBudget(ctx context.Context, provider string) error {
	g.mu.Lock()
	limiter, ok := g.limiters[provider]
	g.mu.Unlock()
	if !ok {
		return errs.Internal("mdg.awaitBudget", fmt.Errorf("unknown provider %s", provider))
	}
	if err := limiter.Wait(ctx); err != nil {
		return errs.RateLimited("mdg.awaitBudget", fmt.Errorf("provider %s budget exhausted: %w", provider, err))
	}
	return nil
}

func (g *Gateway) recordSuccess(provider string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if n := g.backoffs[provider]; n > 0 {
		g.backoffs[provider] = n / 2
	}
}

func (g *Gateway) recordFailure(provider string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.backoffs[provider]++
}

// BackoffFor reports the exponential backoff currently owed to provider
// after consecutive failures, exposed for callers (e.g. a health endpoint)
// that want visibility into degraded providers without triggering a
// dispatch: backoff = min(max_backoff, base * 2^failures).
func (g *Gateway) BackoffFor(provider string) time.Duration {
	g.mu.Lock()
	failures := g.backoffs[provider]
	cfg, ok := g.providerConfigs[provider]
	g.mu.Unlock()
	if !ok {
		return 0
	}
	d := cfg.BaseBackoff * time.Duration(1<<uint(failures))
	if d > cfg.MaxBackoff {
		return cfg.MaxBackoff
	}
	return d
}

// coalesced ensures one in-flight call per fingerprint: concurrent callers
// for the same fp subscribe to the first call's result instead of
// dispatching their own upstream request.
func (g *Gateway) coalesced(ctx context.Context, fp string, call func() (any, error)) (any, error) {
	g.inflightMu.Lock()
	if w, ok := g.inflight[fp]; ok {
		g.inflightMu.Unlock()
		select {
		case <-w.done:
			return w.val, w.err
		case <-ctx.Done():
			return nil, errs.Unavailable("mdg.coalesced", ctx.Err())
		}
	}
	w := &waiter{done: make(chan struct{})}
	g.inflight[fp] = w
	g.inflightMu.Unlock()

	w.val, w.err = call()
	close(w.done)

	g.inflightMu.Lock()
	delete(g.inflight, fp)
	g.inflightMu.Unlock()

	return w.val, w.err
}

func (g *Gateway) cacheGet(key string) (any, bool) {
	g.cacheMu.Lock()
	defer g.cacheMu.Unlock()
	entry, ok := g.cache[key]
	if !ok || g.clock.Now().After(entry.ExpiresAt) {
		return nil, false
	}
	return entry.Value, true
}

func (g *Gateway) cacheSet(key string, value any, ttl time.Duration) {
	g.cacheMu.Lock()
	defer g.cacheMu.Unlock()
	g.cache[key] = types.CacheEntry{Key: key, Value: value, ExpiresAt: g.clock.Now().Add(ttl)}
}

// fingerprint canonicalizes a provider-agnostic request for caching and
// coalescing: method plus symbol plus sorted extra args.
func fingerprint(method, symbol string, args map[string]any) string {
	canon := struct {
		Method string         `json:"method"`
		Symbol string         `json:"symbol"`
		Args   map[string]any `json:"args,omitempty"`
	}{method, symbol, args}
	b, _ := json.Marshal(canon)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
