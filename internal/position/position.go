// Package position implements PositionReconciler (C9): the sole mutator of
// StrategyPosition. Evolved from execution.Executor.updatePosition's
// average-entry bookkeeping, generalized from a single in-memory map keyed
// by asset+side into a signed, DB-persisted quantity keyed by
// (strategy_account, symbol) so a single position can flip sides.
package position

import (
	"fmt"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/orderpilot/execore/internal/repository"
)

// Fill is one executed trade leg fed in by OrderFillMonitor.
type Fill struct {
	StrategyAccountID string
	Symbol            string
	Side              string // BUY or SELL
	Quantity          decimal.Decimal
	Price             decimal.Decimal
	Fee               decimal.Decimal
}

// Result reports what happened to the position, for the caller's Trade record.
type Result struct {
	RealizedPnL decimal.Decimal
	IsEntry     bool
}

type Reconciler struct {
	repo *repository.Repository
}

func New(repo *repository.Repository) *Reconciler {
	return &Reconciler{repo: repo}
}

// Apply mutates StrategyPosition for one fill under SELECT...FOR UPDATE and
// returns the realized PnL (zero unless this fill reduces or flips an
// existing position), grounded on updatePosition's same-direction weighted
// average / opposite-direction reduce logic but generalized to a signed
// quantity so short positions and flips are representable without a second
// map entry.
func (r *Reconciler) Apply(tx *gorm.DB, f Fill) (*Result, error) {
	pos, err := r.repo.LoadPositionForUpdate(tx, f.StrategyAccountID, f.Symbol)
	if err != nil {
		return nil, fmt.Errorf("load position: %w", err)
	}

	signedQty := f.Quantity
	if f.Side == "SELL" {
		signedQty = f.Quantity.Neg()
	}

	result := &Result{}

	sameDirection := pos.Quantity.IsZero() || (pos.Quantity.IsPositive() && signedQty.IsPositive()) || (pos.Quantity.IsNegative() && signedQty.IsNegative())

	if sameDirection {
		// Weighted-average entry, same shape as updatePosition's
		// totalCost/newSize computation.
		totalCost := pos.EntryPrice.Mul(pos.Quantity.Abs()).Add(f.Price.Mul(f.Quantity))
		newQty := pos.Quantity.Add(signedQty)
		if !newQty.IsZero() {
			pos.EntryPrice = totalCost.Div(newQty.Abs())
		}
		pos.Quantity = newQty
		result.IsEntry = true
	} else {
		closingQty := decimal.Min(pos.Quantity.Abs(), f.Quantity)
		direction := decimal.NewFromInt(1)
		if pos.Quantity.IsNegative() {
			direction = decimal.NewFromInt(-1)
		}
		// PnL = direction * (exitPrice - entryPrice) * closingQty, fee
		// deducted per spec.md trade-accounting convention.
		result.RealizedPnL = f.Price.Sub(pos.EntryPrice).Mul(closingQty).Mul(direction).Sub(f.Fee)
		result.IsEntry = false

		newQty := pos.Quantity.Add(signedQty)
		pos.Quantity = newQty
		if newQty.IsZero() {
			pos.EntryPrice = decimal.Zero
		} else if f.Quantity.GreaterThan(closingQty) {
			// Flip: the fill's remainder opens a new position in the
			// opposite direction at the fill price.
			pos.EntryPrice = f.Price
		}
	}

	if err := r.repo.SavePosition(tx, pos); err != nil {
		return nil, fmt.Errorf("save position: %w", err)
	}
	return result, nil
}
