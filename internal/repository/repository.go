package repository

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrTerminalTransition is returned when a caller tries to move an
// OpenOrder out of a terminal status — {FILLED,CANCELLED,EXPIRED,FAILED}
// are sinks per spec.md §3.
var ErrTerminalTransition = errors.New("order is in a terminal state")

// ErrLockNotAcquired means try-acquire found the row already claimed.
var ErrLockNotAcquired = errors.New("processing lock not acquired")

type Repository struct {
	db                *gorm.DB
	supportsForUpdate bool // false for the sqlite dev/test driver
	claimMu           sync.Mutex
}

// New wires a Repository. supportsForUpdate should be true only for the
// postgres driver — sqlite (used for local/dev/test per SPEC_FULL.md §2)
// has no row-level locking, so SELECT ... FOR UPDATE is skipped there and
// callers fall back to in-process serialization.
func New(db *gorm.DB, supportsForUpdate bool) *Repository {
	return &Repository{db: db, supportsForUpdate: supportsForUpdate}
}

func (r *Repository) lockingUpdate() clause.Expression {
	if !r.supportsForUpdate {
		return noopExpression{}
	}
	return clause.Locking{Strength: "UPDATE"}
}

// noopExpression builds no SQL, used when the driver can't express
// row-level locking.
type noopExpression struct{}

func (noopExpression) Build(clause.Builder) {}

// DB exposes the underlying handle for callers that need to compose a
// transaction spanning multiple repositories (e.g. rebalance + fill
// confirmation in the same commit, per spec.md §4.6 step 3e).
func (r *Repository) DB() *gorm.DB { return r.db }

// CreateOpenOrder inserts a new row with status=OPEN, is_processing=false.
func (r *Repository) CreateOpenOrder(tx *gorm.DB, order *OpenOrder) error {
	order.Status = "OPEN"
	order.IsProcessing = false
	return tx.Create(order).Error
}

// TryAcquireProcessingLock is the optimistic lock C6 and background
// cleaners use to serialize access to a single OpenOrder row. It performs
// an atomic conditional UPDATE and reports whether this caller won the
// race — never a read-then-write.
func (r *Repository) TryAcquireProcessingLock(tx *gorm.DB, orderID string) (bool, error) {
	now := time.Now()
	result := tx.Model(&OpenOrder{}).
		Where("id = ? AND is_processing = ?", orderID, false).
		Updates(map[string]any{
			"is_processing":         true,
			"processing_started_at": now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// ReleaseProcessingLock clears the flag unconditionally.
func (r *Repository) ReleaseProcessingLock(tx *gorm.DB, orderID string) error {
	return tx.Model(&OpenOrder{}).
		Where("id = ?", orderID).
		Updates(map[string]any{
			"is_processing":         false,
			"processing_started_at": nil,
		}).Error
}

// Transition enforces terminal-state sinks: once an OpenOrder reaches
// FILLED/CANCELLED/EXPIRED/FAILED, any further transition attempt errors.
// Terminal rows are deleted rather than left in place (archival, if
// desired, is a separate housekeeping concern per spec.md §4.4).
func (r *Repository) Transition(tx *gorm.DB, orderID, newStatus string, filled *OpenOrder) error {
	var current OpenOrder
	if err := tx.Where("id = ?", orderID).First(&current).Error; err != nil {
		return fmt.Errorf("load order for transition: %w", err)
	}

	if TerminalOpenOrderStatuses[current.Status] {
		return ErrTerminalTransition
	}

	if TerminalOpenOrderStatuses[newStatus] {
		return tx.Delete(&OpenOrder{}, "id = ?", orderID).Error
	}

	updates := map[string]any{"status": newStatus}
	if filled != nil {
		updates["filled_quantity"] = filled.FilledQuantity
	}
	return tx.Model(&OpenOrder{}).Where("id = ?", orderID).Updates(updates).Error
}

// MarkCancelling flips status to CANCELLING and stamps cancel_attempted_at
// — the DB-first step that makes cancellation durable across crashes
// (spec.md §4.5/§5).
func (r *Repository) MarkCancelling(tx *gorm.DB, orderID string) error {
	now := time.Now()
	var current OpenOrder
	if err := tx.Where("id = ?", orderID).First(&current).Error; err != nil {
		return err
	}
	if TerminalOpenOrderStatuses[current.Status] {
		return ErrTerminalTransition
	}
	return tx.Model(&OpenOrder{}).Where("id = ?", orderID).Updates(map[string]any{
		"status":              "CANCELLING",
		"cancel_attempted_at": now,
	}).Error
}

// ReapStaleProcessing atomically clears is_processing for rows whose lock
// is older than threshold, recovering from a crashed holder (spec.md §4.4,
// §8 scenario 4). Returns the number of rows reclaimed.
func (r *Repository) ReapStaleProcessing(tx *gorm.DB, threshold time.Duration) (int64, error) {
	cutoff := time.Now().Add(-threshold)
	result := tx.Model(&OpenOrder{}).
		Where("is_processing = ? AND processing_started_at < ?", true, cutoff).
		Updates(map[string]any{
			"is_processing":         false,
			"processing_started_at": nil,
		})
	return result.RowsAffected, result.Error
}

// CountOpenOrders counts live OpenOrder rows for a bucket, split by
// whether the order type is a stop type, to enforce both the per-symbol
// and the stop-order limits from spec.md §4.5/§8.
func (r *Repository) CountOpenOrders(tx *gorm.DB, accountID, symbol string) (total, stop int64, err error) {
	if err = tx.Model(&OpenOrder{}).Where("account_id = ? AND symbol = ?", accountID, symbol).Count(&total).Error; err != nil {
		return
	}
	err = tx.Model(&OpenOrder{}).
		Where("account_id = ? AND symbol = ? AND order_type IN ?", accountID, symbol, []string{"STOP_MARKET", "STOP_LIMIT"}).
		Count(&stop).Error
	return
}

// BucketOpenOrders returns every live OpenOrder for (account,symbol),
// ordered (priority ASC, sort_price ASC, webhook_received_at ASC, id ASC)
// — the exact ordering spec.md §4.5 invariant 2 requires.
func (r *Repository) BucketOpenOrders(tx *gorm.DB, accountID, symbol string) ([]OpenOrder, error) {
	var rows []OpenOrder
	err := tx.Where("account_id = ? AND symbol = ?", accountID, symbol).
		Order("priority ASC, sort_price ASC, webhook_received_at ASC, id ASC").
		Find(&rows).Error
	return rows, err
}

// BucketPendingOrders returns every PendingOrder for (account,symbol) in
// the same canonical order.
func (r *Repository) BucketPendingOrders(tx *gorm.DB, accountID, symbol string) ([]PendingOrder, error) {
	var rows []PendingOrder
	err := tx.Where("account_id = ? AND symbol = ?", accountID, symbol).
		Order("priority ASC, sort_price ASC, webhook_received_at ASC, id ASC").
		Find(&rows).Error
	return rows, err
}

func (r *Repository) CreatePendingOrder(tx *gorm.DB, p *PendingOrder) error {
	return tx.Create(p).Error
}

func (r *Repository) DeletePendingOrder(tx *gorm.DB, id string) error {
	return tx.Delete(&PendingOrder{}, "id = ?", id).Error
}

func (r *Repository) DeleteOpenOrderByID(tx *gorm.DB, id string) error {
	return tx.Delete(&OpenOrder{}, "id = ?", id).Error
}

// FindOpenOrderByExchangeID is the primary lookup OrderFillMonitor uses
// when a raw WS event arrives.
func (r *Repository) FindOpenOrderByExchangeID(tx *gorm.DB, exchangeOrderID string) (*OpenOrder, error) {
	var row OpenOrder
	err := tx.Where("exchange_order_id = ?", exchangeOrderID).First(&row).Error
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// UpsertTrade inserts a Trade keyed by exchange_order_id; the unique
// constraint guarantees at-most-one realized record per fill even under
// repeated WS+REST reconciliation (spec.md §8).
func (r *Repository) UpsertTrade(tx *gorm.DB, t *Trade) error {
	var existing Trade
	err := tx.Where("exchange_order_id = ?", t.ExchangeOrderID).First(&existing).Error
	if err == nil {
		return nil // already recorded; fill-event is idempotent
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	return tx.Create(t).Error
}

// LoadPositionForUpdate locks the StrategyPosition row for write, creating
// a zeroed one if absent, per the SELECT FOR UPDATE discipline in spec.md
// §4.9/§5.
func (r *Repository) LoadPositionForUpdate(tx *gorm.DB, strategyAccountID, symbol string) (*StrategyPosition, error) {
	var pos StrategyPosition
	err := tx.Clauses(r.lockingUpdate()).
		Where("strategy_account_id = ? AND symbol = ?", strategyAccountID, symbol).
		First(&pos).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		pos = StrategyPosition{StrategyAccountID: strategyAccountID, Symbol: symbol}
		return &pos, nil
	}
	if err != nil {
		return nil, err
	}
	return &pos, nil
}

func (r *Repository) SavePosition(tx *gorm.DB, pos *StrategyPosition) error {
	pos.UpdatedAt = time.Now()
	return tx.Save(pos).Error
}

// ClaimDueCancelQueue atomically selects up to limit due CancelQueue rows
// and flips them to PROCESSING before returning them, so two
// CancelQueueWorker instances never attempt the same cancel (spec.md §4.7,
// §8's "no item is selected by two workers simultaneously"). On postgres
// this is a single SELECT ... FOR UPDATE SKIP LOCKED transaction; sqlite
// has no row-level locking, so the same guarantee is emulated with an
// in-process mutex around claim+update.
func (r *Repository) ClaimDueCancelQueue(now time.Time, limit int) ([]CancelQueue, error) {
	if r.supportsForUpdate {
		var claimed []CancelQueue
		err := r.db.Transaction(func(tx *gorm.DB) error {
			var due []CancelQueue
			if err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
				Where("status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)", "PENDING", now).
				Order("requested_at ASC").
				Limit(limit).
				Find(&due).Error; err != nil {
				return err
			}
			for i := range due {
				if err := tx.Model(&CancelQueue{}).Where("id = ?", due[i].ID).Update("status", "PROCESSING").Error; err != nil {
					return err
				}
				due[i].Status = "PROCESSING"
			}
			claimed = due
			return nil
		})
		return claimed, err
	}

	r.claimMu.Lock()
	defer r.claimMu.Unlock()

	var due []CancelQueue
	if err := r.db.Where("status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)", "PENDING", now).
		Order("requested_at ASC").
		Limit(limit).
		Find(&due).Error; err != nil {
		return nil, err
	}
	for i := range due {
		if err := r.db.Model(&CancelQueue{}).Where("id = ? AND status = ?", due[i].ID, "PENDING").Update("status", "PROCESSING").Error; err != nil {
			return nil, err
		}
		due[i].Status = "PROCESSING"
	}
	return due, nil
}
