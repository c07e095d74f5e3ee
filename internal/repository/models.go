// Package repository implements OrderRepository (C4): the sole transactional
// mutator of OpenOrder (and the other order-lifecycle tables). Models follow
// the teacher's internal/database GORM conventions (decimal columns typed
// explicitly, indexed foreign keys, primary keys named ID).
package repository

import (
	"time"

	"github.com/shopspring/decimal"
)

// External, read-only shapes. Account/Strategy/StrategyAccount/
// StrategyCapital CRUD and auth are out of scope per spec.md §1 — the core
// only ever reads these rows (lookup.go's Strategy/ActiveAccounts/Capital
// plus a few direct GORM reads); no write path exists in this module.

type Account struct {
	ID           string `gorm:"primaryKey"`
	ExchangeName string
	MarketType   string
	CreatedAt    time.Time
}

type Strategy struct {
	ID           string `gorm:"primaryKey"`
	GroupName    string `gorm:"uniqueIndex"`
	WebhookToken string
	IsActive     bool
	IsPublic     bool
	CreatedAt    time.Time
}

type StrategyAccount struct {
	ID         string `gorm:"primaryKey"`
	StrategyID string `gorm:"index"`
	AccountID  string `gorm:"index"`
	Weight     decimal.Decimal `gorm:"type:decimal(10,4)"`
	Leverage   decimal.Decimal `gorm:"type:decimal(10,4)"`
	MaxSymbols int
}

type StrategyCapital struct {
	StrategyAccountID string `gorm:"primaryKey"`
	AllocatedCapital   decimal.Decimal `gorm:"type:decimal(20,8)"`
	LastRebalanceAt    time.Time
}

// OpenOrder is the sole mutation surface owned by this package. Status and
// IsProcessing are never written outside OrderRepository.
type OpenOrder struct {
	ID                  string `gorm:"primaryKey"`
	StrategyAccountID   string `gorm:"index"`
	ExchangeOrderID     string `gorm:"uniqueIndex"`
	AccountID           string `gorm:"index:idx_open_order_bucket"`
	Symbol              string `gorm:"index:idx_open_order_bucket"`
	Side                string
	OrderType           string
	Price               *decimal.Decimal `gorm:"type:decimal(20,8)"`
	StopPrice           *decimal.Decimal `gorm:"type:decimal(20,8)"`
	Quantity            decimal.Decimal  `gorm:"type:decimal(20,8)"`
	FilledQuantity      decimal.Decimal  `gorm:"type:decimal(20,8)"`
	Status              string           `gorm:"index"`
	MarketType          string
	WebhookReceivedAt   *time.Time
	IsProcessing        bool
	ProcessingStartedAt *time.Time
	ErrorMessage        string
	Priority            int
	SortPrice           decimal.Decimal `gorm:"type:decimal(20,8)"`
	CancelAttemptedAt   *time.Time
	CreatedAt           time.Time
}

// TerminalOpenOrderStatuses are sinks: a row in one of these is deleted (or
// archived) by Transition, never mutated further.
var TerminalOpenOrderStatuses = map[string]bool{
	"FILLED":    true,
	"CANCELLED": true,
	"EXPIRED":   true,
	"FAILED":    true,
}

// PendingOrder is the queueing carrier when no exchange slot is available.
type PendingOrder struct {
	ID                string `gorm:"primaryKey"`
	AccountID         string `gorm:"index:idx_pending_bucket"`
	StrategyAccountID string `gorm:"index"`
	Symbol            string `gorm:"index:idx_pending_bucket"`
	Side              string
	OrderType         string
	Price             *decimal.Decimal `gorm:"type:decimal(20,8)"`
	StopPrice         *decimal.Decimal `gorm:"type:decimal(20,8)"`
	Quantity          decimal.Decimal  `gorm:"type:decimal(20,8)"`
	Priority          int
	SortPrice         decimal.Decimal `gorm:"type:decimal(20,8)"`
	MarketType        string
	WebhookReceivedAt time.Time `gorm:"not null"`
	RetryCount        int
	Reason            string
	CreatedAt         time.Time
}

type Trade struct {
	ID                uint   `gorm:"primaryKey;autoIncrement"`
	StrategyAccountID string `gorm:"index"`
	ExchangeOrderID   string `gorm:"uniqueIndex"`
	Symbol            string
	Side              string
	Quantity          decimal.Decimal `gorm:"type:decimal(20,8)"`
	OrderPrice        decimal.Decimal `gorm:"type:decimal(20,8)"`
	AveragePrice      decimal.Decimal `gorm:"type:decimal(20,8)"`
	Fee               decimal.Decimal `gorm:"type:decimal(20,8)"`
	RealizedPnL       decimal.Decimal `gorm:"type:decimal(20,8)"`
	IsEntry           bool
	MarketType        string
	Timestamp         time.Time
}

type StrategyPosition struct {
	StrategyAccountID string `gorm:"primaryKey"`
	Symbol            string `gorm:"primaryKey"`
	Quantity          decimal.Decimal `gorm:"type:decimal(20,8)"`
	EntryPrice        decimal.Decimal `gorm:"type:decimal(20,8)"`
	UpdatedAt         time.Time
}

type CancelQueue struct {
	ID            string `gorm:"primaryKey"`
	OrderID       string `gorm:"index"`
	StrategyID    string
	AccountID     string
	RequestedAt   time.Time
	RetryCount    int
	MaxRetries    int `gorm:"default:5"`
	NextRetryAt   *time.Time
	Status        string `gorm:"index"` // PENDING, PROCESSING, SUCCESS, FAILED
	ErrorMessage  string
}

type FailedOrder struct {
	ID                string `gorm:"primaryKey"`
	OperationType     string `gorm:"index"` // CREATE, CANCEL
	StrategyAccountID string
	Symbol            string
	Side              string
	OrderType         string
	Quantity          decimal.Decimal  `gorm:"type:decimal(20,8)"`
	Price             *decimal.Decimal `gorm:"type:decimal(20,8)"`
	StopPrice         *decimal.Decimal `gorm:"type:decimal(20,8)"`
	MarketType        string
	Reason            string
	ExchangeError     string `gorm:"size:500"`
	OrderParams       string // JSON-encoded structured params
	OriginalOrderID   string
	RetryCount        int
	Status            string `gorm:"index"` // pending_retry, completed, removed
	CreatedAt         time.Time
}

// AllModels is the AutoMigrate list for the composition root.
func AllModels() []any {
	return []any{
		&Account{}, &Strategy{}, &StrategyAccount{}, &StrategyCapital{},
		&OpenOrder{}, &PendingOrder{}, &Trade{}, &StrategyPosition{},
		&CancelQueue{}, &FailedOrder{},
	}
}
