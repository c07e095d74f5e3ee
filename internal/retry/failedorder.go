package retry

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/orderpilot/execore/internal/adapter"
	"github.com/orderpilot/execore/internal/repository"
)

const maxFailedOrderRetries = 5

// FailedOrderManager retries CREATE and CANCEL operations that were
// rejected outright (as opposed to a CancelQueue entry, which retries a
// cancel that was accepted for async processing but never confirmed).
// status only ever moves forward: pending_retry -> completed|removed.
type FailedOrderManager struct {
	repo      *repository.Repository
	exchanges Exchanges
	interval  time.Duration
}

func NewFailedOrderManager(repo *repository.Repository, exchanges Exchanges, interval time.Duration) *FailedOrderManager {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &FailedOrderManager{repo: repo, exchanges: exchanges, interval: interval}
}

func (m *FailedOrderManager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *FailedOrderManager) sweep(ctx context.Context) {
	var rows []repository.FailedOrder
	if err := m.repo.DB().Where("status = ?", "pending_retry").Find(&rows).Error; err != nil {
		log.Error().Err(err).Msg("failed order sweep failed to load rows")
		return
	}
	for _, row := range rows {
		m.retry(ctx, row)
	}
}

func (m *FailedOrderManager) retry(ctx context.Context, row repository.FailedOrder) {
	var account repository.StrategyAccount
	if err := m.repo.DB().Where("id = ?", row.StrategyAccountID).First(&account).Error; err != nil {
		log.Error().Err(err).Str("failed_order_id", row.ID).Msg("could not resolve strategy account for failed order retry")
		return
	}
	var acc repository.Account
	if err := m.repo.DB().Where("id = ?", account.AccountID).First(&acc).Error; err != nil {
		return
	}
	ex, ok := m.exchanges.Get(acc.ExchangeName)
	if !ok {
		return
	}

	switch row.OperationType {
	case "CREATE":
		m.retryCreate(ctx, ex, row)
	case "CANCEL":
		m.retryCancel(ctx, ex, row)
	}
}

func (m *FailedOrderManager) retryCreate(ctx context.Context, ex adapter.Exchange, row repository.FailedOrder) {
	_, err := ex.CreateOrder(ctx, adapter.OrderRequest{
		Symbol:     row.Symbol,
		Side:       adapter.Side(row.Side),
		Type:       adapter.OrderType(row.OrderType),
		Quantity:   row.Quantity,
		Price:      row.Price,
		StopPrice:  row.StopPrice,
		MarketType: adapter.MarketType(row.MarketType),
	})
	if err == nil {
		m.complete(row.ID)
		return
	}
	m.bumpOrRemove(row, err)
}

func (m *FailedOrderManager) retryCancel(ctx context.Context, ex adapter.Exchange, row repository.FailedOrder) {
	_, err := ex.CancelOrder(ctx, row.Symbol, row.OriginalOrderID)
	class := adapter.Classify(err)
	if err == nil || class == adapter.RetryAlreadyGone {
		m.complete(row.ID)
		return
	}
	m.bumpOrRemove(row, err)
}

func (m *FailedOrderManager) bumpOrRemove(row repository.FailedOrder, cause error) {
	row.RetryCount++
	if row.RetryCount >= maxFailedOrderRetries {
		m.repo.DB().Model(&repository.FailedOrder{}).Where("id = ?", row.ID).Updates(map[string]any{
			"status":         "removed",
			"retry_count":    row.RetryCount,
			"exchange_error": sanitizeAndTruncate(cause.Error()),
		})
		log.Error().Str("failed_order_id", row.ID).Err(cause).Msg("failed order exhausted retries, removed")
		return
	}
	m.repo.DB().Model(&repository.FailedOrder{}).Where("id = ?", row.ID).Updates(map[string]any{
		"retry_count":    row.RetryCount,
		"exchange_error": sanitizeAndTruncate(cause.Error()),
	})
}

func (m *FailedOrderManager) complete(id string) {
	m.repo.DB().Model(&repository.FailedOrder{}).Where("id = ?", id).Update("status", "completed")
}

// Record persists a rejected CREATE/CANCEL with its structured params. No
// package in this module calls it; internal/queue writes its FailedOrder
// rows for rejected promotions directly.
func Record(repo *repository.Repository, operationType string, p RecordParams) error {
	params, _ := json.Marshal(p.Params)
	return repo.DB().Create(&repository.FailedOrder{
		ID:                uuid.NewString(),
		OperationType:     operationType,
		StrategyAccountID: p.StrategyAccountID,
		Symbol:            p.Symbol,
		Side:              p.Side,
		OrderType:         p.OrderType,
		Quantity:          p.Quantity,
		Price:             p.Price,
		StopPrice:         p.StopPrice,
		MarketType:        p.MarketType,
		Reason:            p.Reason,
		ExchangeError:     sanitizeAndTruncate(p.ExchangeError),
		OrderParams:       string(params),
		OriginalOrderID:   p.OriginalOrderID,
		Status:            "pending_retry",
	}).Error
}

type RecordParams struct {
	StrategyAccountID string
	Symbol            string
	Side              string
	OrderType         string
	Quantity          decimal.Decimal
	Price             *decimal.Decimal
	StopPrice         *decimal.Decimal
	MarketType        string
	Reason            string
	ExchangeError     string
	OriginalOrderID   string
	Params            map[string]any
}
