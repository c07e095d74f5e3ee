// Package retry implements CancelQueueWorker and FailedOrderManager (C7):
// the durable retry path for cancels and rejected creates. Evolved from the
// teacher's ad-hoc sleep-based reconnect backoff in exec/client.go,
// generalized into a table-driven poll loop with exponential backoff
// classified through adapter.Classify instead of string-matching errors.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/orderpilot/execore/internal/adapter"
	"github.com/orderpilot/execore/internal/repository"
)

// maxBackoff and the doubling base come from spec.md §4.7: retry_count n
// waits min(60*2^(n-1), 3600) seconds, so the first retry waits 60s and the
// second 120s.
const (
	backoffBase = 60 * time.Second
	maxBackoff  = time.Hour
)

func backoffFor(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	d := backoffBase
	for i := 1; i < retryCount; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

// Exchanges resolves adapters by name; duplicated here (rather than
// depending on internal/queue) to keep C7 free of a dependency on C5.
type Exchanges interface {
	Get(exchange string) (adapter.Exchange, bool)
}

type CancelQueueWorker struct {
	repo      *repository.Repository
	exchanges Exchanges
	interval  time.Duration
}

func NewCancelQueueWorker(repo *repository.Repository, exchanges Exchanges, interval time.Duration) *CancelQueueWorker {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &CancelQueueWorker{repo: repo, exchanges: exchanges, interval: interval}
}

// Run polls for PENDING/overdue-retry entries and drives each one through
// a cancel attempt, looping until ctx is cancelled. Each entry's exchange
// call happens outside any DB transaction; only the resulting status write
// is transactional, per spec.md §5's never-hold-a-lock-across-a-network-call
// rule.
func (w *CancelQueueWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

// sweepBatchSize caps how many due entries one sweep claims, so a single
// worker tick never monopolizes the table against a second worker process.
const sweepBatchSize = 100

func (w *CancelQueueWorker) sweep(ctx context.Context) {
	due, err := w.repo.ClaimDueCancelQueue(time.Now(), sweepBatchSize)
	if err != nil {
		log.Error().Err(err).Msg("cancel queue sweep failed to claim due entries")
		return
	}

	byExchange := make(map[string][]repository.CancelQueue)
	for _, entry := range due {
		// The entry doesn't carry the exchange name directly; resolve it
		// through the order it targets.
		var order repository.OpenOrder
		if err := w.repo.DB().Where("id = ?", entry.OrderID).First(&order).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				w.markSuccess(entry.ID) // order already gone — nothing to cancel
				continue
			}
			log.Error().Err(err).Str("entry_id", entry.ID).Msg("cancel queue entry lookup failed")
			continue
		}
		byExchange[order.AccountID] = append(byExchange[order.AccountID], entry)
	}

	// Process each account's entries concurrently but serialize within an
	// account, matching the rebalance-style per-bucket serialization.
	for _, entries := range byExchange {
		go w.processAccount(ctx, entries)
	}
}

func (w *CancelQueueWorker) processAccount(ctx context.Context, entries []repository.CancelQueue) {
	for _, entry := range entries {
		w.attempt(ctx, entry)
	}
}

func (w *CancelQueueWorker) attempt(ctx context.Context, entry repository.CancelQueue) {
	var order repository.OpenOrder
	if err := w.repo.DB().Where("id = ?", entry.OrderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			w.markSuccess(entry.ID)
			return
		}
		return
	}

	var account repository.Account
	if err := w.repo.DB().Where("id = ?", order.AccountID).First(&account).Error; err != nil {
		log.Error().Err(err).Str("account_id", order.AccountID).Msg("cancel queue could not resolve account's exchange")
		return
	}
	ex, ok := w.exchanges.Get(account.ExchangeName)
	if !ok {
		return
	}

	_, err := ex.CancelOrder(ctx, order.Symbol, order.ExchangeOrderID)
	if err == nil {
		w.markSuccess(entry.ID)
		w.repo.DeleteOpenOrderByID(w.repo.DB(), order.ID)
		return
	}

	switch class := adapter.Classify(err); class {
	case adapter.RetryAlreadyGone:
		w.markSuccess(entry.ID)
		w.repo.DeleteOpenOrderByID(w.repo.DB(), order.ID)
		return
	case adapter.RetryNone:
		// AuthError / 4xx (not 429): the exchange will never accept this
		// cancel, retrying wastes the budget. Fail permanently.
		w.markFailed(entry.ID, err)
		return
	}

	entry.RetryCount++
	if entry.RetryCount > entry.MaxRetries {
		w.markFailed(entry.ID, err)
		return
	}

	next := time.Now().Add(backoffFor(entry.RetryCount))
	w.repo.DB().Model(&repository.CancelQueue{}).Where("id = ?", entry.ID).Updates(map[string]any{
		"status":        "PENDING",
		"retry_count":   entry.RetryCount,
		"next_retry_at": next,
		"error_message": sanitizeAndTruncate(err.Error()),
	})
}

func (w *CancelQueueWorker) markSuccess(id string) {
	w.repo.DB().Model(&repository.CancelQueue{}).Where("id = ?", id).Update("status", "SUCCESS")
}

func (w *CancelQueueWorker) markFailed(id string, err error) {
	w.repo.DB().Model(&repository.CancelQueue{}).Where("id = ?", id).Updates(map[string]any{
		"status":        "FAILED",
		"error_message": sanitizeAndTruncate(err.Error()),
	})
	log.Error().Str("entry_id", id).Err(err).Msg("cancel queue entry exhausted retries")
}
