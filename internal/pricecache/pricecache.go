// Package pricecache implements PriceCache (C3): a TTL-bounded last-price
// store with a batch refresh path and a fail-hard FX rate lookup.
// Generalized from the teacher's internal/polymarket WSClient.prices map
// (single-market, unbounded) into a TTL-expiring, multi-exchange,
// multi-symbol cache, grounded on the same mutex-guarded-map idiom.
package pricecache

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/orderpilot/execore/internal/adapter"
)

type entryKey struct {
	exchange   string
	marketType string
	symbol     string
}

type entry struct {
	price decimal.Decimal
	ts    time.Time
}

// Fetcher is supplied by the caller to perform the actual best-effort batch
// refresh; PriceCache only owns TTL bookkeeping and the fail-hard FX path.
type Fetcher interface {
	FetchPrices(ctx context.Context, exchange string, symbols []string) (map[string]decimal.Decimal, error)
	FetchUSDTKRWRate(ctx context.Context) (decimal.Decimal, error)
}

type Cache struct {
	mu      sync.RWMutex
	entries map[entryKey]entry
	ttl     time.Duration
	fetcher Fetcher
}

func New(ttl time.Duration, fetcher Fetcher) *Cache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Cache{
		entries: make(map[entryKey]entry),
		ttl:     ttl,
		fetcher: fetcher,
	}
}

// GetPrice returns the cached price iff its age is under the TTL;
// otherwise it performs a best-effort batch refresh for that exchange
// before returning. If the refresh fails or lacks the symbol, an existing
// stale entry is returned with ok true (and a stale warning logged); ok is
// false only when there is no entry at all.
func (c *Cache) GetPrice(ctx context.Context, exchange string, marketType adapter.MarketType, symbol string) (decimal.Decimal, bool) {
	k := entryKey{exchange, string(marketType), symbol}

	c.mu.RLock()
	e, found := c.entries[k]
	c.mu.RUnlock()

	if found && time.Since(e.ts) < c.ttl {
		return e.price, true
	}

	prices, err := c.fetcher.FetchPrices(ctx, exchange, []string{symbol})
	if err != nil {
		log.Warn().Err(err).Str("exchange", exchange).Str("symbol", symbol).Msg("price refresh failed")
		if found {
			c.warnIfStale(k, e)
			return e.price, true
		}
		return decimal.Zero, false
	}

	price, ok := prices[symbol]
	if !ok {
		if found {
			c.warnIfStale(k, e)
			return e.price, true
		}
		return decimal.Zero, false
	}

	c.mu.Lock()
	c.entries[k] = entry{price: price, ts: time.Now()}
	c.mu.Unlock()

	return price, true
}

// RefreshBatch refreshes every symbol for an exchange in one call.
func (c *Cache) RefreshBatch(ctx context.Context, exchange string, marketType adapter.MarketType, symbols []string) error {
	prices, err := c.fetcher.FetchPrices(ctx, exchange, symbols)
	if err != nil {
		return err
	}

	now := time.Now()
	c.mu.Lock()
	for _, symbol := range symbols {
		if price, ok := prices[symbol]; ok {
			c.entries[entryKey{exchange, string(marketType), symbol}] = entry{price: price, ts: now}
		}
	}
	c.mu.Unlock()
	return nil
}

// GetUSDTKRWRate MUST fail hard rather than return a stale or synthesized
// rate — downstream capital math is money-sensitive (spec.md §4.3/§7).
func (c *Cache) GetUSDTKRWRate(ctx context.Context) (decimal.Decimal, error) {
	rate, err := c.fetcher.FetchUSDTKRWRate(ctx)
	if err != nil {
		return decimal.Zero, adapter.ErrExchangeRateUnavailable
	}
	return rate, nil
}

func (c *Cache) warnIfStale(k entryKey, e entry) {
	if time.Since(e.ts) > time.Hour {
		log.Error().
			Str("exchange", k.exchange).
			Str("symbol", k.symbol).
			Time("last_update", e.ts).
			Msg("CRITICAL: price cache entry older than 1 hour")
	}
}

// SweepStale periodically logs CRITICAL for any entry older than one hour,
// even if nothing is actively requesting it, per spec.md §4.3.
func (c *Cache) SweepStale(interval time.Duration) func(stop <-chan struct{}) {
	return func(stop <-chan struct{}) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.mu.RLock()
				for k, e := range c.entries {
					if time.Since(e.ts) > time.Hour {
						log.Error().
							Str("exchange", k.exchange).
							Str("symbol", k.symbol).
							Time("last_update", e.ts).
							Msg("CRITICAL: stale price cache entry")
					}
				}
				c.mu.RUnlock()
			}
		}
	}
}
