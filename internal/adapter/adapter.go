// Package adapter defines the ExchangeAdapter capability the core consumes
// (C1). The core never talks to an exchange's wire protocol directly; every
// component depends on this interface, grounded on the shape of the
// teacher's exec.Client + execution.Executor pairing, generalized from one
// hardcoded venue to any number of registered exchanges.
package adapter

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

type OrderType string

const (
	OrderTypeMarket     OrderType = "MARKET"
	OrderTypeLimit      OrderType = "LIMIT"
	OrderTypeStopMarket OrderType = "STOP_MARKET"
	OrderTypeStopLimit  OrderType = "STOP_LIMIT"
	OrderTypeBestLimit  OrderType = "BEST_LIMIT"
)

type MarketType string

const (
	MarketSpot    MarketType = "SPOT"
	MarketFutures MarketType = "FUTURES"
)

// NormalizedStatus is the exchange-agnostic order status vocabulary adapters
// must normalize raw exchange payloads into.
type NormalizedStatus string

const (
	StatusOpen      NormalizedStatus = "OPEN"
	StatusFilled    NormalizedStatus = "FILLED"
	StatusCancelled NormalizedStatus = "CANCELLED"
	StatusFailed    NormalizedStatus = "FAILED"
	StatusExpired   NormalizedStatus = "EXPIRED"
)

// OrderRequest is what CreateOrder accepts.
type OrderRequest struct {
	Symbol     string
	Side       Side
	Type       OrderType
	Quantity   decimal.Decimal
	Price      *decimal.Decimal
	StopPrice  *decimal.Decimal
	MarketType MarketType
	Params     map[string]any
}

// NormalizedOrder is the common shape every adapter method returns.
type NormalizedOrder struct {
	ExchangeOrderID string
	Symbol          string
	Status          NormalizedStatus
	FilledQty       decimal.Decimal
	AvgPrice        decimal.Decimal
	Fee             decimal.Decimal
	Raw             []byte
}

// Balance is the result of FetchBalance.
type Balance struct {
	Asset string
	Total decimal.Decimal
	Free  decimal.Decimal
}

// OrderEvent is a single raw message off the private order stream, fed
// verbatim to OrderFillMonitor (C6) for REST confirmation.
type OrderEvent struct {
	ExchangeOrderID string
	Symbol          string
	RawStatus       string
	Raw             []byte
	ReceivedAt      time.Time
}

// Exchange is the full capability set named in spec.md §4.1.
type Exchange interface {
	Name() string

	CreateOrder(ctx context.Context, req OrderRequest) (*NormalizedOrder, error)
	CancelOrder(ctx context.Context, symbol, orderID string) (*NormalizedOrder, error)
	FetchOrder(ctx context.Context, symbol, orderID string, marketType MarketType) (*NormalizedOrder, error)
	OpenOrders(ctx context.Context, symbol string) ([]*NormalizedOrder, error)
	FetchBalance(ctx context.Context, asset string, marketType MarketType) (*Balance, error)

	// SubscribePrivateOrders starts (or resumes) the private order stream
	// for the given account and invokes onEvent for every raw message.
	// Implementations own their own reconnect loop; callers rely on the
	// state machine described in spec.md §4.6.
	SubscribePrivateOrders(ctx context.Context, accountID string, onEvent func(OrderEvent)) error

	NormalizeSymbol(standard string) string
	NormalizeStatus(raw string) NormalizedStatus

	// PingInterval distinguishes the Bybit-style 20s keep-alive from the
	// Binance-style 30m listen-key renewal named in spec.md §4.6/§6.
	PingInterval() time.Duration
}
