// Package fillmonitor implements OrderFillMonitor (C6): one supervised
// private-order WebSocket stream per account, each raw event confirmed via
// REST before it is allowed to mutate state. Evolved from
// polymarket.WSClient's Connect/readMessages/handleDisconnect loop,
// generalized from a single hardcoded market-data endpoint into the
// multi-account, multi-exchange reconnect state machine spec.md §4.6
// requires.
package fillmonitor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/orderpilot/execore/internal/adapter"
	"github.com/orderpilot/execore/internal/notify"
	"github.com/orderpilot/execore/internal/position"
	"github.com/orderpilot/execore/internal/repository"
)

// State is the per-account connection state machine from spec.md §4.6.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateSubscribed
	StateLive
	StateError
)

const (
	minBackoff   = time.Second
	maxBackoff   = 60 * time.Second
	restDeadline = 5 * time.Second
)

// Rebalancer is the subset of queue.Manager this package depends on — kept
// as a narrow interface to avoid importing internal/queue (which already
// imports internal/adapter and internal/repository, the same as this
// package) and to keep C6 independently testable. RebalanceInTx takes the
// fill-confirmation transaction so the freed slot and its replacement
// commit atomically (spec.md §4.6 step 3e) — never as a separate commit,
// which would leave a window where the bucket reads as under-filled.
type Rebalancer interface {
	RebalanceInTx(ctx context.Context, tx *gorm.DB, exchange, accountID, symbol string) error
}

// Account is the minimal shape this monitor needs per supervised account.
type Account struct {
	ID       string
	Exchange string
}

// Supervisor runs one WS subscription loop per account.
type Supervisor struct {
	repo       *repository.Repository
	exchanges  map[string]adapter.Exchange
	reconciler *position.Reconciler
	rebalancer Rebalancer
	sink       notify.Sink

	mu     sync.Mutex
	states map[string]State

	// mappings caches exchange_order_id -> internal OpenOrder.ID ahead of
	// DB persistence, so an event racing the DB write for the same order
	// still resolves (spec.md §8 scenario 2).
	mappings sync.Map
}

func NewSupervisor(repo *repository.Repository, exchanges map[string]adapter.Exchange, reconciler *position.Reconciler, rebalancer Rebalancer, sink notify.Sink) *Supervisor {
	if sink == nil {
		sink = notify.NoopSink{}
	}
	return &Supervisor{
		repo:       repo,
		exchanges:  exchanges,
		reconciler: reconciler,
		rebalancer: rebalancer,
		sink:       sink,
		states:     make(map[string]State),
	}
}

func (s *Supervisor) setState(accountID string, st State) {
	s.mu.Lock()
	s.states[accountID] = st
	s.mu.Unlock()
}

func (s *Supervisor) State(accountID string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[accountID]
}

// RegisterMapping lets the enqueue/rebalance path tell the monitor about an
// order before it's durably committed, closing the race spec.md §8
// scenario 2 describes.
func (s *Supervisor) RegisterMapping(exchangeOrderID, openOrderID string) {
	s.mappings.Store(exchangeOrderID, openOrderID)
}

// Run supervises one account's stream until ctx is cancelled, reconnecting
// with exponential backoff + jitter on every drop.
func (s *Supervisor) Run(ctx context.Context, acct Account) {
	ex, ok := s.exchanges[acct.Exchange]
	if !ok {
		log.Error().Str("exchange", acct.Exchange).Msg("fill monitor: unknown exchange, cannot supervise account")
		return
	}

	backoff := minBackoff
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		s.setState(acct.ID, StateConnecting)
		err := ex.SubscribePrivateOrders(ctx, acct.ID, func(evt adapter.OrderEvent) {
			s.handleEvent(ctx, ex, acct, evt)
		})

		if ctx.Err() != nil {
			s.setState(acct.ID, StateDisconnected)
			return
		}

		s.setState(acct.ID, StateError)
		log.Warn().Err(err).Str("account_id", acct.ID).Dur("backoff", backoff).Msg("private order stream dropped, reconnecting")

		jitter := time.Duration(rand.Int63n(int64(backoff) / 2))
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff + jitter):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// handleEvent is the full per-event flow from spec.md §4.6 step 3: confirm
// via REST, then run the lock-acquire -> position -> trade -> transition ->
// rebalance sequence in a single transaction.
func (s *Supervisor) handleEvent(ctx context.Context, ex adapter.Exchange, acct Account, evt adapter.OrderEvent) {
	s.setState(acct.ID, StateLive)

	restCtx, cancel := context.WithTimeout(ctx, restDeadline)
	defer cancel()

	confirmed, err := ex.FetchOrder(restCtx, evt.Symbol, evt.ExchangeOrderID, "")
	if err != nil {
		var notFound *adapter.OrderNotFound
		if errors.As(err, &notFound) {
			log.Debug().Str("exchange_order_id", evt.ExchangeOrderID).Msg("fill event for an order the exchange no longer has; ignoring")
			return
		}
		log.Error().Err(err).Str("exchange_order_id", evt.ExchangeOrderID).Msg("CRITICAL: could not confirm WS event via REST, triggering sweep")
		s.sink.Critical("ws_confirm_failed", err.Error())
		go s.sweepOpenOrders(ctx, ex, acct)
		return
	}

	if confirmed.Status != adapter.StatusFilled && confirmed.Status != adapter.StatusCancelled &&
		confirmed.Status != adapter.StatusExpired && confirmed.Status != adapter.StatusFailed {
		return // still open; nothing to reconcile yet
	}

	s.awaitCommit(evt.ExchangeOrderID)

	err = s.repo.DB().Transaction(func(tx *gorm.DB) error {
		return s.applyConfirmedFill(tx, acct, evt.ExchangeOrderID, confirmed)
	})
	if err != nil {
		log.Error().Err(err).Str("exchange_order_id", evt.ExchangeOrderID).Msg("failed to apply confirmed order event")
	}
}

// awaitCommit closes the race between Enqueue's CreateOrder call (which
// registers a mapping the instant the exchange hands back an order id) and
// its CreateOpenOrder transaction committing. If a mapping for this
// exchange_order_id is still outstanding, the OpenOrder row may not be
// visible yet — give the writer a brief window before the confirm
// transaction looks for it, rather than silently dropping a same-tick fill
// (spec.md §8 scenario 2).
func (s *Supervisor) awaitCommit(exchangeOrderID string) {
	for i := 0; i < 20; i++ {
		if _, pending := s.mappings.Load(exchangeOrderID); !pending {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (s *Supervisor) applyConfirmedFill(tx *gorm.DB, acct Account, exchangeOrderID string, confirmed *adapter.NormalizedOrder) error {
	order, err := s.repo.FindOpenOrderByExchangeID(tx, exchangeOrderID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil // already reconciled by a concurrent path (REST sweep, crash recovery)
		}
		return err
	}
	s.mappings.Delete(exchangeOrderID)

	acquired, err := s.repo.TryAcquireProcessingLock(tx, order.ID)
	if err != nil {
		return err
	}
	if !acquired {
		return nil // another confirmation path already owns this order
	}
	defer s.repo.ReleaseProcessingLock(tx, order.ID)

	switch confirmed.Status {
	case adapter.StatusFilled:
		result, err := s.reconciler.Apply(tx, position.Fill{
			StrategyAccountID: order.StrategyAccountID,
			Symbol:            order.Symbol,
			Side:              order.Side,
			Quantity:          confirmed.FilledQty,
			Price:             confirmed.AvgPrice,
			Fee:               confirmed.Fee,
		})
		if err != nil {
			return err
		}

		trade := &repository.Trade{
			StrategyAccountID: order.StrategyAccountID,
			ExchangeOrderID:   exchangeOrderID,
			Symbol:            order.Symbol,
			Side:              order.Side,
			Quantity:          confirmed.FilledQty,
			OrderPrice:        priceOrZero(order.Price),
			AveragePrice:      confirmed.AvgPrice,
			Fee:               confirmed.Fee,
			Timestamp:         time.Now(),
			IsEntry:           result.IsEntry,
		}
		if !result.IsEntry {
			trade.RealizedPnL = result.RealizedPnL
		}
		if err := s.repo.UpsertTrade(tx, trade); err != nil {
			return err
		}

		order.FilledQuantity = confirmed.FilledQty
		if err := s.repo.Transition(tx, order.ID, "FILLED", order); err != nil && !errors.Is(err, repository.ErrTerminalTransition) {
			return err
		}

	case adapter.StatusCancelled, adapter.StatusExpired, adapter.StatusFailed:
		status := string(confirmed.Status)
		if err := s.repo.Transition(tx, order.ID, status, order); err != nil && !errors.Is(err, repository.ErrTerminalTransition) {
			return err
		}
	}

	if s.rebalancer != nil {
		if err := s.rebalancer.RebalanceInTx(context.Background(), tx, acct.Exchange, acct.ID, order.Symbol); err != nil {
			return fmt.Errorf("post-fill rebalance: %w", err)
		}
	}
	return nil
}

// sweepOpenOrders reconciles every live OpenOrder for an account against
// REST when a WS parse/confirm failure means the stream can no longer be
// trusted in isolation.
func (s *Supervisor) sweepOpenOrders(ctx context.Context, ex adapter.Exchange, acct Account) {
	var rows []repository.OpenOrder
	if err := s.repo.DB().Where("account_id = ?", acct.ID).Find(&rows).Error; err != nil {
		log.Error().Err(err).Msg("sweep: failed to load open orders")
		return
	}
	for _, row := range rows {
		restCtx, cancel := context.WithTimeout(ctx, restDeadline)
		confirmed, err := ex.FetchOrder(restCtx, row.Symbol, row.ExchangeOrderID, "")
		cancel()
		if err != nil {
			continue
		}
		s.handleEvent(ctx, ex, acct, adapter.OrderEvent{ExchangeOrderID: row.ExchangeOrderID, Symbol: row.Symbol, RawStatus: string(confirmed.Status), ReceivedAt: time.Now()})
	}
}

func priceOrZero(p *decimal.Decimal) decimal.Decimal {
	if p == nil {
		return decimal.Zero
	}
	return *p
}
