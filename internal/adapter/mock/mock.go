// Package mock implements adapter.Exchange in-process, for local runs and
// tests. It is the direct descendant of the teacher's
// execution.Executor.simulateFill + exec.Client.PlaceOrder paper-trading
// path, generalized from a single Polymarket CLOB target into a
// symbol/side/type-agnostic simulator that can stand in for any configured
// exchange.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/orderpilot/execore/internal/adapter"
)

// limiter is the narrow slice of adapter.RateLimiterRegistry this package
// depends on, kept local so tests can construct an Exchange without one.
type limiter interface {
	Acquire(ctx context.Context, exchange string) error
}

// Exchange is a deterministic, in-memory stand-in for a real venue.
type Exchange struct {
	mu      sync.Mutex
	name    string
	orders  map[string]*adapter.NormalizedOrder
	events  func(adapter.OrderEvent)
	reject  map[string]bool // symbols that always reject, for failure-path tests
	latency time.Duration
	limiter limiter
}

func New(name string) *Exchange {
	return &Exchange{
		name:   name,
		orders: make(map[string]*adapter.NormalizedOrder),
		reject: make(map[string]bool),
	}
}

// SetRateLimiter makes CreateOrder and CancelOrder cooperatively wait on the
// shared per-exchange token bucket, the same gate a real venue adapter would
// sit behind (spec.md §5). FetchOrder, OpenOrders and FetchBalance are not
// gated.
func (e *Exchange) SetRateLimiter(l limiter) {
	e.mu.Lock()
	e.limiter = l
	e.mu.Unlock()
}

func (e *Exchange) acquire(ctx context.Context) error {
	e.mu.Lock()
	l := e.limiter
	e.mu.Unlock()
	if l == nil {
		return nil
	}
	return l.Acquire(ctx, e.name)
}

func (e *Exchange) Name() string { return e.name }

// RejectSymbol makes every CreateOrder for a symbol fail, for exercising
// the FailedOrder(CREATE) path in tests.
func (e *Exchange) RejectSymbol(symbol string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reject[symbol] = true
}

func (e *Exchange) CreateOrder(ctx context.Context, req adapter.OrderRequest) (*adapter.NormalizedOrder, error) {
	if err := e.acquire(ctx); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.reject[req.Symbol] {
		return nil, &adapter.APIError{Status: 400, Body: "symbol rejected by venue"}
	}

	price := decimal.Zero
	if req.Price != nil {
		price = *req.Price
	}

	id := uuid.NewString()
	order := &adapter.NormalizedOrder{
		ExchangeOrderID: id,
		Symbol:          req.Symbol,
		Status:          adapter.StatusOpen,
		FilledQty:       decimal.Zero,
		AvgPrice:        price,
		Fee:             decimal.Zero,
	}
	e.orders[id] = order

	log.Debug().Str("exchange", e.name).Str("order_id", id).Str("symbol", req.Symbol).Msg("mock order created")
	return cloneOrder(order), nil
}

func (e *Exchange) CancelOrder(ctx context.Context, symbol, orderID string) (*adapter.NormalizedOrder, error) {
	if err := e.acquire(ctx); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	order, ok := e.orders[orderID]
	if !ok {
		return nil, &adapter.OrderNotFound{OrderID: orderID}
	}
	if order.Status == adapter.StatusFilled {
		return cloneOrder(order), nil
	}
	order.Status = adapter.StatusCancelled
	return cloneOrder(order), nil
}

func (e *Exchange) FetchOrder(ctx context.Context, symbol, orderID string, marketType adapter.MarketType) (*adapter.NormalizedOrder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	order, ok := e.orders[orderID]
	if !ok {
		return nil, &adapter.OrderNotFound{OrderID: orderID}
	}
	return cloneOrder(order), nil
}

func (e *Exchange) OpenOrders(ctx context.Context, symbol string) ([]*adapter.NormalizedOrder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []*adapter.NormalizedOrder
	for _, o := range e.orders {
		if (symbol == "" || o.Symbol == symbol) && o.Status == adapter.StatusOpen {
			out = append(out, cloneOrder(o))
		}
	}
	return out, nil
}

func (e *Exchange) FetchBalance(ctx context.Context, asset string, marketType adapter.MarketType) (*adapter.Balance, error) {
	return &adapter.Balance{Asset: asset, Total: decimal.NewFromInt(100000), Free: decimal.NewFromInt(100000)}, nil
}

func (e *Exchange) SubscribePrivateOrders(ctx context.Context, accountID string, onEvent func(adapter.OrderEvent)) error {
	e.mu.Lock()
	e.events = onEvent
	e.mu.Unlock()
	<-ctx.Done()
	return ctx.Err()
}

// Fill simulates an exchange-side fill for orderID and, if a stream
// subscriber is attached, pushes a raw order-stream event for it — this is
// the hook tests use to exercise the "racing WS" scenario from spec.md §8.
func (e *Exchange) Fill(orderID string, fillQty, avgPrice decimal.Decimal) {
	e.mu.Lock()
	order, ok := e.orders[orderID]
	if !ok {
		e.mu.Unlock()
		return
	}
	order.FilledQty = fillQty
	order.AvgPrice = avgPrice
	order.Status = adapter.StatusFilled
	events := e.events
	symbol := order.Symbol
	e.mu.Unlock()

	if events != nil {
		events(adapter.OrderEvent{
			ExchangeOrderID: orderID,
			Symbol:          symbol,
			RawStatus:       string(adapter.StatusFilled),
			ReceivedAt:      time.Now(),
		})
	}
}

func (e *Exchange) NormalizeSymbol(standard string) string { return standard }

func (e *Exchange) NormalizeStatus(raw string) adapter.NormalizedStatus {
	switch raw {
	case "FILLED":
		return adapter.StatusFilled
	case "CANCELLED", "CANCELED":
		return adapter.StatusCancelled
	case "EXPIRED":
		return adapter.StatusExpired
	case "FAILED", "REJECTED":
		return adapter.StatusFailed
	default:
		return adapter.StatusOpen
	}
}

func (e *Exchange) PingInterval() time.Duration { return 20 * time.Second }

func cloneOrder(o *adapter.NormalizedOrder) *adapter.NormalizedOrder {
	cp := *o
	return &cp
}

var _ adapter.Exchange = (*Exchange)(nil)
