// Package httpprovider is a generic HTTP JSON internal/mdg.Provider: it
// hits a configurable REST endpoint and decodes the response directly into
// the pinned types.PriceSnapshot / []types.OHLCV shapes, rather than a
// vendor-specific client. Grounded on the teacher's net/http usage pattern
// in internal/execution/adapters (request construction, context-aware
// client, status-code error mapping) adapted from a streaming websocket
// client (internal/data/market_data.go) to a simple pull-based REST call,
// since MDG's Provider contract is request/response, not a subscription.
package httpprovider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/atlas-desktop/strategy-evolution/internal/errs"
	"github.com/atlas-desktop/strategy-evolution/pkg/types"
)

// Provider calls a generic REST market data endpoint returning JSON.
type Provider struct {
	key        string
	baseURL    string
	httpClient *http.Client
}

// New builds an httpprovider.Provider keyed by key (used for MDG's
// per-provider rate/breaker bookkeeping), issuing requests against
// baseURL + "/price" and baseURL + "/candles".
func New(key, baseURL string, client *http.Client) *Provider {
	if client == nil {
		client = http.DefaultClient
	}
	return &Provider{key: key, baseURL: baseURL, httpClient: client}
}

func (p *Provider) Key() string { return p.key }

func (p *Provider) GetPrice(ctx context.Context, symbol string) (types.PriceSnapshot, error) {
	u := p.baseURL + "/price?" + url.Values{"symbol": {symbol}}.Encode()
	var out types.PriceSnapshot
	if err := p.getJSON(ctx, u, &out); err != nil {
		return types.PriceSnapshot{}, err
	}
	return out, nil
}

func (p *Provider) GetCandles(ctx context.Context, symbol string, timeframe types.Timeframe, count int) ([]types.OHLCV, error) {
	u := p.baseURL + "/candles?" + url.Values{
		"symbol":    {symbol},
		"timeframe": {string(timeframe)},
		"count":     {strconv.Itoa(count)},
	}.Encode()
	var out []types.OHLCV
	if err := p.getJSON(ctx, u, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Provider) getJSON(ctx context.Context, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return errs.Internal("httpprovider.getJSON", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return errs.Unavailable("httpprovider.getJSON", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return errs.RateLimited("httpprovider.getJSON", fmt.Errorf("provider %s rate limited", p.key))
	}
	if resp.StatusCode >= 500 {
		return errs.Unavailable("httpprovider.getJSON", fmt.Errorf("provider %s returned %d", p.key, resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return errs.Validation("httpprovider.getJSON", fmt.Errorf("provider %s returned %d", p.key, resp.StatusCode))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errs.Internal("httpprovider.getJSON", err)
	}
	return nil
}
