// Package queue implements OrderQueueManager (C5): per-(account,symbol)
// priority queueing against exchange open-order limits, with atomic
// rebalance. This is the component spec.md §2 calls out as carrying 20% of
// the system's logic.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/orderpilot/execore/internal/adapter"
	"github.com/orderpilot/execore/internal/repository"
	"github.com/orderpilot/execore/internal/symbols"
)

// Limits reports the exchange's open-order ceiling for a bucket. K = min
// of the per-symbol limit and this account's share of the per-account
// limit, per spec.md §4.5 invariant 1.
type Limits interface {
	PerSymbolLimit(exchange, symbol string) int
	StopLimit(exchange, symbol string) int
	PerAccountLimitShare(accountID, symbol string) int
}

// Exchanges resolves the adapter.Exchange for an exchange name.
type Exchanges interface {
	Get(exchange string) (adapter.Exchange, bool)
}

// MappingRegistrar lets OrderFillMonitor learn about a new exchange order
// id the instant the exchange hands it back, ahead of the DB commit that
// makes it durably queryable — closing the race spec.md §8 scenario 2
// describes. Optional: nil is a valid Manager configuration.
type MappingRegistrar interface {
	RegisterMapping(exchangeOrderID, openOrderID string)
}

type Manager struct {
	repo      *repository.Repository
	validator *symbols.Validator
	exchanges Exchanges
	limits    Limits
	locks     *BucketLocks
	registrar MappingRegistrar
}

func NewManager(repo *repository.Repository, validator *symbols.Validator, exchanges Exchanges, limits Limits) *Manager {
	return &Manager{
		repo:      repo,
		validator: validator,
		exchanges: exchanges,
		limits:    limits,
		locks:     NewBucketLocks(),
	}
}

// SetMappingRegistrar wires the fill monitor's mapping cache in after
// construction, since the two components are built in either order at
// startup.
func (m *Manager) SetMappingRegistrar(r MappingRegistrar) { m.registrar = r }

// Enqueue is spec.md §4.5's enqueue operation: validate, then either submit
// immediately (a slot exists) or queue as a PendingOrder. No exchange call
// happens on the queueing path.
func (m *Manager) Enqueue(ctx context.Context, intent Intent) error {
	adjusted, err := m.validator.Validate(intent.Exchange, intent.Symbol, string(intent.MarketType), intent.Quantity, intent.Price)
	if err != nil {
		return fmt.Errorf("validate intent: %w", err)
	}

	ex, ok := m.exchanges.Get(intent.Exchange)
	if !ok {
		return fmt.Errorf("unknown exchange %q", intent.Exchange)
	}

	return m.locks.WithLock(intent.AccountID, intent.Symbol, func() error {
		return m.repo.DB().Transaction(func(tx *gorm.DB) error {
			total, stop, err := m.repo.CountOpenOrders(tx, intent.AccountID, intent.Symbol)
			if err != nil {
				return err
			}

			k := m.bucketLimit(intent.Exchange, intent.AccountID, intent.Symbol)
			stopLimit := m.limits.StopLimit(intent.Exchange, intent.Symbol)

			isStop := intent.OrderType == adapter.OrderTypeStopMarket || intent.OrderType == adapter.OrderTypeStopLimit
			hasSlot := total < int64(k) && (!isStop || stop < int64(stopLimit))

			if hasSlot {
				return m.submitAndRecord(ctx, tx, ex, intent, adjusted)
			}

			pending := &repository.PendingOrder{
				ID:                uuid.NewString(),
				AccountID:         intent.AccountID,
				StrategyAccountID: intent.StrategyAccountID,
				Symbol:            intent.Symbol,
				Side:              string(intent.Side),
				OrderType:         string(intent.OrderType),
				Price:             intent.Price,
				StopPrice:         intent.StopPrice,
				Quantity:          adjusted.Qty,
				Priority:          intent.Priority,
				SortPrice:         intent.SortPrice,
				MarketType:        string(intent.MarketType),
				WebhookReceivedAt: intent.WebhookReceivedAt,
			}
			return m.repo.CreatePendingOrder(tx, pending)
		})
	})
}

func (m *Manager) bucketLimit(exchange, accountID, symbol string) int {
	perSymbol := m.limits.PerSymbolLimit(exchange, symbol)
	perAccount := m.limits.PerAccountLimitShare(accountID, symbol)
	if perAccount < perSymbol {
		return perAccount
	}
	return perSymbol
}

func (m *Manager) submitAndRecord(ctx context.Context, tx *gorm.DB, ex adapter.Exchange, intent Intent, adjusted *symbols.Adjusted) error {
	normalized, err := ex.CreateOrder(ctx, adapter.OrderRequest{
		Symbol:     intent.Symbol,
		Side:       intent.Side,
		Type:       intent.OrderType,
		Quantity:   adjusted.Qty,
		Price:      intent.Price,
		StopPrice:  intent.StopPrice,
		MarketType: intent.MarketType,
	})
	if err != nil {
		return fmt.Errorf("create order: %w", err)
	}

	receivedAt := intent.WebhookReceivedAt
	order := &repository.OpenOrder{
		ID:                uuid.NewString(),
		StrategyAccountID: intent.StrategyAccountID,
		ExchangeOrderID:   normalized.ExchangeOrderID,
		AccountID:         intent.AccountID,
		Symbol:            intent.Symbol,
		Side:              string(intent.Side),
		OrderType:         string(intent.OrderType),
		Price:             intent.Price,
		StopPrice:         intent.StopPrice,
		Quantity:          adjusted.Qty,
		MarketType:        string(intent.MarketType),
		WebhookReceivedAt: &receivedAt,
		Priority:          intent.Priority,
		SortPrice:         intent.SortPrice,
	}
	if m.registrar != nil {
		m.registrar.RegisterMapping(normalized.ExchangeOrderID, order.ID)
	}
	return m.repo.CreateOpenOrder(tx, order)
}

// Rebalance is spec.md §4.5's rebalance operation: recompute the top-K for
// a bucket, cancel anything that fell out, promote anything that entered.
// Invariant 3 (all-or-nothing per bucket) is satisfied because the entire
// operation runs in a single DB transaction; any failure rolls the
// transaction back before the caller observes partial state. This entry
// point opens its own transaction; RebalanceInTx lets a caller that already
// has an open transaction (the fill-confirmation path, spec.md §4.6 step
// 3e) fold the rebalance into that same commit instead of a second one.
func (m *Manager) Rebalance(ctx context.Context, exchange, accountID, symbol string) error {
	return m.locks.WithLock(accountID, symbol, func() error {
		return m.repo.DB().Transaction(func(tx *gorm.DB) error {
			return m.rebalanceInTx(ctx, tx, exchange, accountID, symbol)
		})
	})
}

// RebalanceInTx runs the same rebalance logic as Rebalance but inside a
// transaction the caller already holds open.
func (m *Manager) RebalanceInTx(ctx context.Context, tx *gorm.DB, exchange, accountID, symbol string) error {
	return m.locks.WithLock(accountID, symbol, func() error {
		return m.rebalanceInTx(ctx, tx, exchange, accountID, symbol)
	})
}

func (m *Manager) rebalanceInTx(ctx context.Context, tx *gorm.DB, exchange, accountID, symbol string) error {
	ex, ok := m.exchanges.Get(exchange)
	if !ok {
		return fmt.Errorf("unknown exchange %q", exchange)
	}

	openRows, err := m.repo.BucketOpenOrders(tx, accountID, symbol)
	if err != nil {
		return err
	}
	pendingRows, err := m.repo.BucketPendingOrders(tx, accountID, symbol)
	if err != nil {
		return err
	}

	candidates := make([]candidate, 0, len(openRows)+len(pendingRows))
	for _, o := range openRows {
		candidates = append(candidates, openCandidate(o))
	}
	for _, p := range pendingRows {
		candidates = append(candidates, pendingCandidate(p))
	}

	k := m.bucketLimit(exchange, accountID, symbol)
	stopLimit := m.limits.StopLimit(exchange, symbol)
	top := topK(candidates, k, stopLimit)

	topOpen := make(map[string]bool, len(top))
	topPending := make(map[string]bool, len(top))
	for _, c := range top {
		if c.openOrderID != "" {
			topOpen[c.openOrderID] = true
		} else {
			topPending[c.pendingOrderID] = true
		}
	}

	// Every order that fell out of the top-K is handed to CancelQueueWorker
	// rather than cancelled inline: the cancel call can be slow or
	// retriable, and this transaction (and the lock it holds) must never
	// block on an unbounded exchange round-trip (spec.md §4.7/§5).
	for _, o := range openRows {
		if topOpen[o.ID] {
			continue
		}
		if o.Status == "CANCELLING" {
			continue // already in flight, avoid double-queuing the cancel intent
		}
		if err := m.repo.MarkCancelling(tx, o.ID); err != nil {
			return err
		}
		if err := tx.Create(&repository.CancelQueue{
			ID:          uuid.NewString(),
			OrderID:     o.ID,
			StrategyID:  o.StrategyAccountID,
			AccountID:   o.AccountID,
			RequestedAt: time.Now(),
			MaxRetries:  5,
			Status:      "PENDING",
		}).Error; err != nil {
			return err
		}
	}

	// Promote every pending order that entered the top-K.
	for _, p := range pendingRows {
		if !topPending[p.ID] {
			continue
		}
		if err := m.promote(ctx, tx, ex, p); err != nil {
			return err
		}
	}

	return nil
}

func (m *Manager) promote(ctx context.Context, tx *gorm.DB, ex adapter.Exchange, p repository.PendingOrder) error {
	normalized, err := ex.CreateOrder(ctx, adapter.OrderRequest{
		Symbol:     p.Symbol,
		Side:       adapter.Side(p.Side),
		Type:       adapter.OrderType(p.OrderType),
		Quantity:   p.Quantity,
		Price:      p.Price,
		StopPrice:  p.StopPrice,
		MarketType: adapter.MarketType(p.MarketType),
	})
	if err != nil {
		// A rejected promotion is routed to FailedOrder and does not
		// re-queue (spec.md §4.5 tie-break/edge policy).
		log.Warn().Err(err).Str("pending_id", p.ID).Msg("promotion rejected by exchange, routing to failed_order")
		if delErr := m.repo.DeletePendingOrder(tx, p.ID); delErr != nil {
			return delErr
		}
		return tx.Create(&repository.FailedOrder{
			ID:                uuid.NewString(),
			OperationType:     "CREATE",
			StrategyAccountID: p.StrategyAccountID,
			Symbol:            p.Symbol,
			Side:              p.Side,
			OrderType:         p.OrderType,
			Quantity:          p.Quantity,
			Price:             p.Price,
			StopPrice:         p.StopPrice,
			MarketType:        p.MarketType,
			Reason:            "promotion_rejected",
			ExchangeError:     sanitizeAndTruncate(err.Error()),
			Status:            "pending_retry",
		}).Error
	}

	receivedAt := p.WebhookReceivedAt
	order := &repository.OpenOrder{
		ID:                uuid.NewString(),
		StrategyAccountID: p.StrategyAccountID,
		ExchangeOrderID:   normalized.ExchangeOrderID,
		AccountID:         p.AccountID,
		Symbol:            p.Symbol,
		Side:              p.Side,
		OrderType:         p.OrderType,
		Price:             p.Price,
		StopPrice:         p.StopPrice,
		Quantity:          p.Quantity,
		MarketType:        p.MarketType,
		WebhookReceivedAt: &receivedAt, // preserved across the transition — spec.md §4.5 invariant 2
		Priority:          p.Priority,
		SortPrice:         p.SortPrice,
	}
	if m.registrar != nil {
		m.registrar.RegisterMapping(normalized.ExchangeOrderID, order.ID)
	}
	if err := m.repo.CreateOpenOrder(tx, order); err != nil {
		return err
	}
	return m.repo.DeletePendingOrder(tx, p.ID)
}

func openCandidate(o repository.OpenOrder) candidate {
	webhookAt := time.Time{}
	if o.WebhookReceivedAt != nil {
		webhookAt = *o.WebhookReceivedAt
	}
	return candidate{
		openOrderID:       o.ID,
		strategyAccountID: o.StrategyAccountID,
		symbol:            o.Symbol,
		side:              o.Side,
		orderType:         o.OrderType,
		price:             o.Price,
		stopPrice:         o.StopPrice,
		quantity:          o.Quantity,
		marketType:        o.MarketType,
		priority:          o.Priority,
		sortPrice:         o.SortPrice,
		webhookReceivedAt: webhookAt,
		id:                o.ID,
	}
}

func pendingCandidate(p repository.PendingOrder) candidate {
	return candidate{
		pendingOrderID:    p.ID,
		strategyAccountID: p.StrategyAccountID,
		symbol:            p.Symbol,
		side:              p.Side,
		orderType:         p.OrderType,
		price:             p.Price,
		stopPrice:         p.StopPrice,
		quantity:          p.Quantity,
		marketType:        p.MarketType,
		priority:          p.Priority,
		sortPrice:         p.SortPrice,
		webhookReceivedAt: p.WebhookReceivedAt,
		id:                p.ID,
	}
}

