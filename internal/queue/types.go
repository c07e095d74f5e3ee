package queue

import (
	"container/heap"
	"time"

	"github.com/shopspring/decimal"

	"github.com/orderpilot/execore/internal/adapter"
)

// Intent is a strategy-driven desire to have an order live on the exchange,
// before any placement — spec.md's Intent, GLOSSARY.
type Intent struct {
	StrategyAccountID string
	AccountID         string
	Exchange          string
	Symbol            string
	Side              adapter.Side
	OrderType         adapter.OrderType
	Price             *decimal.Decimal
	StopPrice         *decimal.Decimal
	Quantity          decimal.Decimal
	MarketType        adapter.MarketType
	WebhookReceivedAt time.Time
	Priority          int
	SortPrice         decimal.Decimal
}

// candidate unifies a live OpenOrder and a queued PendingOrder into one
// comparable shape so Rebalance can rank them together.
type candidate struct {
	// identity — exactly one of openOrderID / pendingOrderID is set.
	openOrderID    string
	pendingOrderID string

	strategyAccountID string
	symbol            string
	side              string
	orderType         string
	price             *decimal.Decimal
	stopPrice         *decimal.Decimal
	quantity          decimal.Decimal
	marketType        string

	priority          int
	sortPrice         decimal.Decimal
	webhookReceivedAt time.Time
	id                string // tie-break: lowest id wins
}

// less implements the canonical ordering from spec.md §4.5 invariant 2:
// (priority ASC, sort_price, webhook_received_at ASC, id ASC).
func less(a, b candidate) bool {
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	if !a.sortPrice.Equal(b.sortPrice) {
		return a.sortPrice.LessThan(b.sortPrice)
	}
	if !a.webhookReceivedAt.Equal(b.webhookReceivedAt) {
		return a.webhookReceivedAt.Before(b.webhookReceivedAt)
	}
	return a.id < b.id
}

// candidateHeap is a min-heap ordered by `less`, used to extract the top-K
// most urgent candidates for a bucket in O(n log n) — the priority-queue
// structure spec.md §4.5 names as the core data structure of C5.
type candidateHeap []candidate

func (h candidateHeap) Len() int            { return len(h) }
func (h candidateHeap) Less(i, j int) bool  { return less(h[i], h[j]) }
func (h candidateHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *candidateHeap) Push(x any)         { *h = append(*h, x.(candidate)) }
func (h *candidateHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// isStopOrderType reports whether a candidate's order type counts against
// the bucket's stop-order sub-limit (spec.md §4.5/§8).
func isStopOrderType(orderType string) bool {
	return orderType == string(adapter.OrderTypeStopMarket) || orderType == string(adapter.OrderTypeStopLimit)
}

// topK pops candidates off the heap in ascending (most-urgent-first) order
// until k are taken or the heap is empty, skipping STOP candidates once
// stopLimit of them have already been selected — the same sub-limit
// Enqueue enforces on the submit path, applied here so Rebalance can never
// grow a bucket past stop_limit live stop orders.
func topK(candidates []candidate, k, stopLimit int) []candidate {
	h := candidateHeap(append([]candidate(nil), candidates...))
	heap.Init(&h)

	var out []candidate
	stopCount := 0
	for h.Len() > 0 && len(out) < k {
		c := heap.Pop(&h).(candidate)
		if isStopOrderType(c.orderType) {
			if stopCount >= stopLimit {
				continue // leaves the slot open for the next-most-urgent non-stop candidate
			}
			stopCount++
		}
		out = append(out, c)
	}
	return out
}
