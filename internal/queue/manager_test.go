package queue

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/orderpilot/execore/internal/adapter"
	"github.com/orderpilot/execore/internal/adapter/mock"
	"github.com/orderpilot/execore/internal/repository"
	"github.com/orderpilot/execore/internal/symbols"
)

type fixedLimits struct {
	perSymbol  int
	stop       int
	perAccount int
}

func (f fixedLimits) PerSymbolLimit(exchange, symbol string) int           { return f.perSymbol }
func (f fixedLimits) StopLimit(exchange, symbol string) int                { return f.stop }
func (f fixedLimits) PerAccountLimitShare(accountID, symbol string) int    { return f.perAccount }

type registry struct {
	exchanges map[string]adapter.Exchange
}

func (r registry) Get(exchange string) (adapter.Exchange, bool) {
	ex, ok := r.exchanges[exchange]
	return ex, ok
}

func newTestManager(t *testing.T, k int) (*Manager, *mock.Exchange, *repository.Repository) {
	t.Helper()
	return newTestManagerWithLimits(t, fixedLimits{perSymbol: k, stop: k, perAccount: k})
}

func newTestManagerWithLimits(t *testing.T, limits fixedLimits) (*Manager, *mock.Exchange, *repository.Repository) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(repository.AllModels()...))

	repo := repository.New(db, false)

	validator := symbols.NewValidator()
	validator.Load("mockex", "BTCUSDT", "SPOT", symbols.MarketInfo{
		MinQty:      decimal.NewFromFloat(0.001),
		MaxQty:      decimal.NewFromInt(1000),
		StepSize:    decimal.NewFromFloat(0.001),
		TickSize:    decimal.NewFromFloat(0.01),
		MinNotional: decimal.NewFromInt(5),
	})

	ex := mock.New("mockex")
	exchanges := registry{exchanges: map[string]adapter.Exchange{"mockex": ex}}

	return NewManager(repo, validator, exchanges, limits), ex, repo
}

func intent(account string, priority int, price float64) Intent {
	p := decimal.NewFromFloat(price)
	return Intent{
		StrategyAccountID: "sa-1",
		AccountID:         account,
		Exchange:          "mockex",
		Symbol:            "BTCUSDT",
		Side:              adapter.SideBuy,
		OrderType:         adapter.OrderTypeLimit,
		Price:             &p,
		Quantity:          decimal.NewFromFloat(0.01),
		MarketType:        adapter.MarketSpot,
		WebhookReceivedAt: time.Now(),
		Priority:          priority,
		SortPrice:         p,
	}
}

// stopIntent is a STOP_MARKET variant of intent, for exercising the
// stop-order sub-limit.
func stopIntent(account string, priority int, price float64) Intent {
	in := intent(account, priority, price)
	in.OrderType = adapter.OrderTypeStopMarket
	in.StopPrice = in.Price
	return in
}

func TestEnqueue_OverflowQueues(t *testing.T) {
	mgr, _, repo := newTestManager(t, 2)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, mgr.Enqueue(ctx, intent("acct-1", 0, 100+float64(i))))
	}

	total, _, err := repo.CountOpenOrders(repo.DB(), "acct-1", "BTCUSDT")
	require.NoError(t, err)
	require.EqualValues(t, 2, total, "only K orders should reach the exchange")

	var pendingCount int64
	require.NoError(t, repo.DB().Model(&repository.PendingOrder{}).Count(&pendingCount).Error)
	require.EqualValues(t, 1, pendingCount, "the overflow order should be queued, not rejected")
}

func TestEnqueue_FailsClosedOnUnknownSymbol(t *testing.T) {
	mgr, _, _ := newTestManager(t, 2)
	bad := intent("acct-1", 0, 100)
	bad.Symbol = "NOPEUSDT"

	err := mgr.Enqueue(context.Background(), bad)
	require.Error(t, err)
}

func TestRebalance_PromotesHighestPriorityPending(t *testing.T) {
	mgr, ex, repo := newTestManager(t, 1)
	ctx := context.Background()

	require.NoError(t, mgr.Enqueue(ctx, intent("acct-2", 5, 100))) // lower priority number = more urgent; this one fills the slot
	require.NoError(t, mgr.Enqueue(ctx, intent("acct-2", 1, 200))) // more urgent, should have been queued since slot was taken

	var pending []repository.PendingOrder
	require.NoError(t, repo.DB().Where("account_id = ?", "acct-2").Find(&pending).Error)
	require.Len(t, pending, 1)

	var open []repository.OpenOrder
	require.NoError(t, repo.DB().Where("account_id = ?", "acct-2").Find(&open).Error)
	require.Len(t, open, 1)

	// Cancel the live, less-urgent order out from under the manager so the
	// bucket has room, then rebalance: the more-urgent pending order should
	// be promoted to take its place.
	_, err := ex.CancelOrder(ctx, "BTCUSDT", open[0].ExchangeOrderID)
	require.NoError(t, err)
	require.NoError(t, repo.DeleteOpenOrderByID(repo.DB(), open[0].ID))

	require.NoError(t, mgr.Rebalance(ctx, "mockex", "acct-2", "BTCUSDT"))

	var pendingAfter []repository.PendingOrder
	require.NoError(t, repo.DB().Where("account_id = ?", "acct-2").Find(&pendingAfter).Error)
	require.Empty(t, pendingAfter, "the promoted order should have left the pending table")

	var openAfter []repository.OpenOrder
	require.NoError(t, repo.DB().Where("account_id = ?", "acct-2").Find(&openAfter).Error)
	require.Len(t, openAfter, 1)
	require.True(t, openAfter[0].Priority == 1)
}

func TestRebalance_IsIdempotent(t *testing.T) {
	mgr, _, repo := newTestManager(t, 2)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, mgr.Enqueue(ctx, intent("acct-3", 0, 100+float64(i))))
	}

	require.NoError(t, mgr.Rebalance(ctx, "mockex", "acct-3", "BTCUSDT"))

	var openAfterFirst []repository.OpenOrder
	require.NoError(t, repo.DB().Where("account_id = ?", "acct-3").Find(&openAfterFirst).Error)

	require.NoError(t, mgr.Rebalance(ctx, "mockex", "acct-3", "BTCUSDT"))

	var openAfterSecond []repository.OpenOrder
	require.NoError(t, repo.DB().Where("account_id = ?", "acct-3").Find(&openAfterSecond).Error)

	require.Equal(t, len(openAfterFirst), len(openAfterSecond), "a second rebalance of an unchanged bucket must be a no-op")
}

func TestRebalance_FallenOutOrderEnqueuesCancelQueueEntry(t *testing.T) {
	mgr, _, repo := newTestManager(t, 1)
	ctx := context.Background()

	require.NoError(t, mgr.Enqueue(ctx, intent("acct-4", 5, 100))) // fills the only slot
	require.NoError(t, mgr.Enqueue(ctx, intent("acct-4", 1, 200))) // more urgent, queued pending

	var openBefore []repository.OpenOrder
	require.NoError(t, repo.DB().Where("account_id = ?", "acct-4").Find(&openBefore).Error)
	require.Len(t, openBefore, 1)
	fallenOutID := openBefore[0].ID

	require.NoError(t, mgr.Rebalance(ctx, "mockex", "acct-4", "BTCUSDT"))

	var fallenOut repository.OpenOrder
	require.NoError(t, repo.DB().Where("id = ?", fallenOutID).First(&fallenOut).Error)
	require.Equal(t, "CANCELLING", fallenOut.Status, "a fallen-out order is marked CANCELLING and handed to CancelQueueWorker, not cancelled inline")

	var cq []repository.CancelQueue
	require.NoError(t, repo.DB().Where("order_id = ?", fallenOutID).Find(&cq).Error)
	require.Len(t, cq, 1, "a CancelQueue row must be enqueued for the fallen-out order")
	require.Equal(t, "PENDING", cq[0].Status)

	var promoted []repository.OpenOrder
	require.NoError(t, repo.DB().Where("account_id = ? AND priority = ?", "acct-4", 1).Find(&promoted).Error)
	require.Len(t, promoted, 1, "the more urgent pending order should have been promoted")
}

func TestRebalance_StopSubLimitCapsLiveStopOrders(t *testing.T) {
	mgr, _, repo := newTestManagerWithLimits(t, fixedLimits{perSymbol: 2, stop: 1, perAccount: 2})
	ctx := context.Background()

	require.NoError(t, mgr.Enqueue(ctx, stopIntent("acct-5", 5, 100))) // fills the stop sub-limit
	require.NoError(t, mgr.Enqueue(ctx, stopIntent("acct-5", 1, 200))) // more urgent stop, queued pending since the sub-limit is already full

	require.NoError(t, mgr.Rebalance(ctx, "mockex", "acct-5", "BTCUSDT"))

	var openRows []repository.OpenOrder
	require.NoError(t, repo.DB().Where("account_id = ? AND status = ?", "acct-5", "OPEN").Find(&openRows).Error)
	require.Len(t, openRows, 1, "the stop sub-limit must still cap live OPEN stop orders after rebalance")
	require.Equal(t, 1, openRows[0].Priority, "the more urgent stop order should have replaced the less urgent one")

	var pendingAfter []repository.PendingOrder
	require.NoError(t, repo.DB().Where("account_id = ?", "acct-5").Find(&pendingAfter).Error)
	require.Empty(t, pendingAfter)
}
