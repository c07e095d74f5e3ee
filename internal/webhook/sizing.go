package webhook

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/orderpilot/execore/internal/adapter"
	"github.com/orderpilot/execore/internal/repository"
)

// PriceSource is the subset of pricecache.Cache this package needs to turn
// a qty_per alert into a concrete order quantity. Kept narrow so this
// package doesn't import internal/pricecache's Fetcher dependency.
type PriceSource interface {
	GetPrice(ctx context.Context, exchange string, marketType adapter.MarketType, symbol string) (decimal.Decimal, bool)
}

// CapitalLookup resolves how much capital a StrategyAccount has allocated,
// the other half of a qty_per conversion. CRUD for this row lives outside
// this module (spec.md §1 Non-goals); this is a read-only projection.
type CapitalLookup interface {
	Capital(strategyAccountID string) (*repository.StrategyCapital, error)
}

// FXRateSource is the subset of pricecache.Cache that converts KRW-
// denominated allocated capital into the USDT terms the rest of sizing
// works in. GetUSDTKRWRate MUST fail hard rather than return a stale rate
// (spec.md §4.3/§7), and sizing propagates that failure as a hard error so
// a KRW alert never sizes against a wrong or stale rate.
type FXRateSource interface {
	GetUSDTKRWRate(ctx context.Context) (decimal.Decimal, error)
}

// sizeFromQtyPer converts an integer percent-of-capital into a concrete
// quantity: qty_per% of (allocated_capital * account_weight) / price.
// Negative qty_per ("sell entire position") is the caller's concern — it's
// a position-aware op this module doesn't have the position snapshot for
// at fan-out time, so it's resolved by OrderQueueManager's validation step
// instead, same as any other quantity.
//
// When currency is KRW, allocated_capital is assumed to be denominated in
// KRW and is converted to USDT via fx before sizing — an unavailable rate
// fails the whole sizing attempt closed rather than sizing against a
// guessed or stale number (spec.md §8's FX fail-closed invariant).
func sizeFromQtyPer(ctx context.Context, prices PriceSource, capital CapitalLookup, fx FXRateSource, sa repository.StrategyAccount, exchange string, marketType adapter.MarketType, symbol string, qtyPer int, price *decimal.Decimal, currency string) (decimal.Decimal, error) {
	capRow, err := capital.Capital(sa.ID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sizing: load allocated capital: %w", err)
	}

	allocated := capRow.AllocatedCapital
	if strings.EqualFold(currency, "KRW") {
		if fx == nil {
			return decimal.Zero, fmt.Errorf("sizing: KRW-denominated alert but no FX rate source configured")
		}
		rate, err := fx.GetUSDTKRWRate(ctx)
		if err != nil {
			return decimal.Zero, fmt.Errorf("sizing: %w", err)
		}
		if rate.IsZero() {
			return decimal.Zero, fmt.Errorf("sizing: zero USDT/KRW rate, cannot size KRW capital")
		}
		allocated = allocated.Div(rate)
	}

	p := decimal.Zero
	if price != nil {
		p = *price
	} else {
		live, ok := prices.GetPrice(ctx, exchange, marketType, symbol)
		if !ok {
			return decimal.Zero, fmt.Errorf("sizing: no price available for %s/%s", exchange, symbol)
		}
		p = live
	}
	if p.IsZero() {
		return decimal.Zero, fmt.Errorf("sizing: zero price, cannot size by capital")
	}

	pct := decimal.NewFromInt(int64(qtyPer)).Div(decimal.NewFromInt(100))
	notional := allocated.Mul(sa.Weight).Mul(pct).Abs()
	return notional.Div(p), nil
}
