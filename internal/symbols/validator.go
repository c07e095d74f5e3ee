// Package symbols implements SymbolValidator (C2): an in-memory lot/tick/
// min-notional table, refreshed on a schedule for API-based exchanges and
// left static for fixed-rule ones. Evolved from core/symbols.go's
// mutex-guarded map of a single venue's markets, generalized to the
// (exchange, symbol, market_type) keyspace spec.md §4.2 requires.
package symbols

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MarketInfo is the lot/tick/min-notional metadata for one tradable symbol.
type MarketInfo struct {
	MinQty           decimal.Decimal
	MaxQty           decimal.Decimal
	StepSize         decimal.Decimal
	TickSize         decimal.Decimal
	MinNotional      decimal.Decimal
	PricePrecision   int32
	AmountPrecision  int32
}

type key struct {
	exchange   string
	symbol     string
	marketType string
}

// RefreshPolicy distinguishes exchanges whose metadata must be polled from
// those with fixed, hardcoded rules that never change.
type RefreshPolicy int

const (
	RefreshNone   RefreshPolicy = iota // fixed-rule exchange, no polling
	RefreshOnTick                      // API-based exchange, refreshed on schedule
)

// ErrUnknownSymbol is returned on a cache miss. The core fails closed: it
// refuses to trade a symbol it has no metadata for.
type ErrUnknownSymbol struct {
	Exchange, Symbol, MarketType string
}

func (e *ErrUnknownSymbol) Error() string {
	return fmt.Sprintf("no market metadata for %s/%s/%s", e.Exchange, e.Symbol, e.MarketType)
}

type Validator struct {
	mu       sync.RWMutex
	info     map[key]MarketInfo
	policies map[string]RefreshPolicy // by exchange
}

func NewValidator() *Validator {
	return &Validator{
		info:     make(map[key]MarketInfo),
		policies: make(map[string]RefreshPolicy),
	}
}

// SetPolicy marks an exchange as API-based (needs periodic refresh) or
// fixed-rule (loaded once at startup, never refreshed).
func (v *Validator) SetPolicy(exchange string, policy RefreshPolicy) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.policies[exchange] = policy
}

// Load installs/replaces metadata for one symbol. Called at startup for
// every exchange, and again on each scheduled refresh for API-based ones.
func (v *Validator) Load(exchange, symbol, marketType string, info MarketInfo) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.info[key{exchange, symbol, marketType}] = info
}

// NeedsRefresh reports whether exchange is API-based per its registered
// policy (fixed-rule exchanges never need a refresh cycle scheduled).
func (v *Validator) NeedsRefresh(exchange string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.policies[exchange] == RefreshOnTick
}

// Adjusted is the validated, rounded order sizing result.
type Adjusted struct {
	Qty   decimal.Decimal
	Price decimal.Decimal
}

// Validate rounds qty/price DOWN to step/tick size, rejects quantities
// below MinQty, and rejects orders whose notional falls below MinNotional.
// Per spec.md §9 Open Question #2, ROUND_DOWN is the invariant regardless
// of what any individual exchange SDK does natively.
func (v *Validator) Validate(exchange, symbol, marketType string, qty decimal.Decimal, price *decimal.Decimal) (*Adjusted, error) {
	v.mu.RLock()
	info, ok := v.info[key{exchange, symbol, marketType}]
	v.mu.RUnlock()
	if !ok {
		return nil, &ErrUnknownSymbol{Exchange: exchange, Symbol: symbol, MarketType: marketType}
	}

	adjQty := roundDown(qty, info.StepSize)
	if adjQty.LessThan(info.MinQty) {
		return nil, fmt.Errorf("quantity %s below min_qty %s", adjQty, info.MinQty)
	}
	if !info.MaxQty.IsZero() && adjQty.GreaterThan(info.MaxQty) {
		adjQty = info.MaxQty
	}

	adjusted := &Adjusted{Qty: adjQty}
	if price != nil {
		adjPrice := roundDown(*price, info.TickSize)
		adjusted.Price = adjPrice

		notional := adjQty.Mul(adjPrice)
		if notional.LessThan(info.MinNotional) {
			return nil, fmt.Errorf("notional %s below min_notional %s", notional, info.MinNotional)
		}
	}

	return adjusted, nil
}

// roundDown truncates v to the nearest lower multiple of step. step==0
// disables rounding (treated as "no step constraint").
func roundDown(v, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return v
	}
	quotient := v.Div(step).Floor()
	return quotient.Mul(step)
}

// RefreshScheduler runs Load for each API-based exchange on an interval.
// fetch is supplied by the caller (the symbol-metadata source is an
// external read-through service per spec.md §1; only the refresh loop is
// specified here).
func (v *Validator) RefreshScheduler(interval time.Duration, fetch func(exchange string) map[string]MarketInfo) func(stop <-chan struct{}) {
	return func(stop <-chan struct{}) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				v.mu.RLock()
				exchanges := make([]string, 0, len(v.policies))
				for ex, p := range v.policies {
					if p == RefreshOnTick {
						exchanges = append(exchanges, ex)
					}
				}
				v.mu.RUnlock()

				for _, ex := range exchanges {
					infos := fetch(ex)
					for symbolMarket, info := range infos {
						v.Load(ex, symbolMarket, "", info)
					}
				}
			}
		}
	}
}
