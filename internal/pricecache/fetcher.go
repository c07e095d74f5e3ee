package pricecache

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// HTTPFetcher implements Fetcher against a generic REST ticker endpoint, in
// the teacher's cmc.Client idiom (a bare http.Client with a short timeout,
// polled on demand rather than kept as continuously-updated local state).
// exchangeURLs maps an exchange name to its ticker base URL; the caller
// wires one entry per exchange it intends to price through this cache.
type HTTPFetcher struct {
	client       *http.Client
	exchangeURLs map[string]string
	fxURL        string
}

func NewHTTPFetcher(exchangeURLs map[string]string, fxURL string) *HTTPFetcher {
	return &HTTPFetcher{
		client:       &http.Client{Timeout: 3 * time.Second},
		exchangeURLs: exchangeURLs,
		fxURL:        fxURL,
	}
}

type tickerResponse struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
}

// FetchPrices hits "<base>/ticker" (no query parameters) and expects a JSON
// array of {symbol, price}; only the requested symbols are kept. A best-effort call: partial results are valid, the
// caller decides what to do with a missing symbol.
func (f *HTTPFetcher) FetchPrices(ctx context.Context, exchange string, symbols []string) (map[string]decimal.Decimal, error) {
	base, ok := f.exchangeURLs[exchange]
	if !ok {
		return nil, fmt.Errorf("pricecache: no ticker URL configured for exchange %q", exchange)
	}

	url := base + "/ticker"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("pricecache: ticker endpoint returned %d", resp.StatusCode)
	}

	var rows []tickerResponse
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("pricecache: decode ticker response: %w", err)
	}

	wanted := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		wanted[s] = true
	}

	out := make(map[string]decimal.Decimal, len(rows))
	for _, row := range rows {
		if !wanted[row.Symbol] {
			continue
		}
		out[row.Symbol] = decimal.NewFromFloat(row.Price)
	}
	return out, nil
}

type fxResponse struct {
	Rate float64 `json:"rate"`
}

// FetchUSDTKRWRate is the fail-hard FX lookup spec.md §7 requires: any
// error here must propagate all the way up and block the capital-touching
// operation that needed it, never fall back to a stale or synthetic rate.
func (f *HTTPFetcher) FetchUSDTKRWRate(ctx context.Context) (decimal.Decimal, error) {
	if f.fxURL == "" {
		return decimal.Zero, fmt.Errorf("pricecache: no FX source configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.fxURL, nil)
	if err != nil {
		return decimal.Zero, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return decimal.Zero, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("pricecache: FX endpoint returned %d", resp.StatusCode)
	}

	var fx fxResponse
	if err := json.NewDecoder(resp.Body).Decode(&fx); err != nil {
		return decimal.Zero, fmt.Errorf("pricecache: decode FX response: %w", err)
	}
	if fx.Rate <= 0 {
		return decimal.Zero, fmt.Errorf("pricecache: FX source returned non-positive rate")
	}
	return decimal.NewFromFloat(fx.Rate), nil
}
