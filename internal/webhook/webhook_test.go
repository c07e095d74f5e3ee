package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/orderpilot/execore/internal/queue"
	"github.com/orderpilot/execore/internal/repository"
)

type fakeLookup struct {
	strategy *repository.Strategy
	sas      []repository.StrategyAccount
	accounts []repository.Account
}

func (f *fakeLookup) Strategy(groupName string) (*repository.Strategy, error) {
	if f.strategy == nil || f.strategy.GroupName != groupName {
		return nil, nil
	}
	return f.strategy, nil
}
func (f *fakeLookup) ActiveAccounts(strategyID string) ([]repository.StrategyAccount, []repository.Account, error) {
	return f.sas, f.accounts, nil
}

type countingEnqueuer struct {
	mu    sync.Mutex
	count int
}

func (c *countingEnqueuer) Enqueue(ctx context.Context, intent queue.Intent) error {
	c.mu.Lock()
	c.count++
	c.mu.Unlock()
	return nil
}

func TestFanOut_OneIntentPerActiveAccount(t *testing.T) {
	lookup := &fakeLookup{
		strategy: &repository.Strategy{ID: "strat-1", IsActive: true, WebhookToken: "tok"},
		sas: []repository.StrategyAccount{
			{ID: "sa-1", StrategyID: "strat-1", AccountID: "acct-a"},
			{ID: "sa-2", StrategyID: "strat-1", AccountID: "acct-b"},
		},
		accounts: []repository.Account{
			{ID: "acct-a", ExchangeName: "mockex", MarketType: "SPOT"},
			{ID: "acct-b", ExchangeName: "mockex", MarketType: "SPOT"},
		},
	}
	enq := &countingEnqueuer{}
	s := NewServer(":0", lookup, enq, 1000)

	alert := Alert{GroupName: "grp", Symbol: "BTCUSDT", Side: "BUY", OrderType: "LIMIT", Quantity: decimal.NewFromInt(1)}
	results := s.fanOut(context.Background(), alert, lookup.sas, lookup.accounts, time.Now())

	require.Len(t, results, 2)
	require.Equal(t, 2, enq.count)
}

func TestAcquireWebhookLock_RespectsGlobalCap(t *testing.T) {
	s := NewServer(":0", nil, nil, 1)

	release1, ok1 := s.acquireWebhookLock("a|BTCUSDT")
	require.True(t, ok1)

	_, ok2 := s.acquireWebhookLock("b|BTCUSDT")
	require.False(t, ok2, "a second lock must be rejected once the global cap is reached")

	release1()

	_, ok3 := s.acquireWebhookLock("b|BTCUSDT")
	require.True(t, ok3, "releasing the first lock frees capacity for another")
}

func TestFanOut_SortedKeysAvoidDeadlock(t *testing.T) {
	// Twenty overlapping fan-outs for the same strategy+symbol, with accounts
	// listed out of sorted order, serialize on the one (strategy_id, symbol)
	// lock and all complete without deadlocking.
	lookup := &fakeLookup{
		strategy: &repository.Strategy{ID: "strat-1", IsActive: true, WebhookToken: "tok"},
		sas: []repository.StrategyAccount{
			{ID: "sa-1", StrategyID: "strat-1", AccountID: "acct-z"},
			{ID: "sa-2", StrategyID: "strat-1", AccountID: "acct-a"},
		},
		accounts: []repository.Account{
			{ID: "acct-z", ExchangeName: "mockex", MarketType: "SPOT"},
			{ID: "acct-a", ExchangeName: "mockex", MarketType: "SPOT"},
		},
	}
	enq := &countingEnqueuer{}
	s := NewServer(":0", lookup, enq, 1000)

	alert := Alert{GroupName: "grp", Symbol: "BTCUSDT", Side: "BUY", OrderType: "LIMIT", Quantity: decimal.NewFromInt(1)}

	var wg sync.WaitGroup
	var completed int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.fanOut(context.Background(), alert, lookup.sas, lookup.accounts, time.Now())
			atomic.AddInt32(&completed, 1)
		}()
	}
	wg.Wait()
	require.EqualValues(t, 20, completed, "all concurrent fan-outs must complete without deadlocking")
}

func postWebhook(t *testing.T, s *Server, body Alert) (*http.Response, map[string]any) {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/webhook", bytes.NewReader(payload))
	s.handleWebhook(rec, req)

	resp := rec.Result()
	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func TestHandleWebhook_UnknownStrategyIsA200Rejection(t *testing.T) {
	lookup := &fakeLookup{}
	s := NewServer(":0", lookup, &countingEnqueuer{}, 1000)

	resp, body := postWebhook(t, s, Alert{GroupName: "nope", Token: "tok"})

	require.Equal(t, http.StatusOK, resp.StatusCode, "business-logic rejections are always 200 per the webhook contract")
	require.Equal(t, false, body["success"])
	require.Equal(t, "unknown strategy", body["message"])
}

func TestHandleWebhook_InvalidTokenIsA200Rejection(t *testing.T) {
	lookup := &fakeLookup{strategy: &repository.Strategy{ID: "strat-1", GroupName: "grp", IsActive: true, WebhookToken: "correct"}}
	s := NewServer(":0", lookup, &countingEnqueuer{}, 1000)

	resp, body := postWebhook(t, s, Alert{GroupName: "grp", Token: "wrong"})

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "invalid token", body["message"])
}

func TestHandleWebhook_InactiveStrategyIsA200Rejection(t *testing.T) {
	lookup := &fakeLookup{strategy: &repository.Strategy{ID: "strat-1", GroupName: "grp", IsActive: false, WebhookToken: "tok"}}
	s := NewServer(":0", lookup, &countingEnqueuer{}, 1000)

	resp, body := postWebhook(t, s, Alert{GroupName: "grp", Token: "tok"})

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "strategy inactive", body["message"])
}

func TestHandleWebhook_MalformedBodyIsA400(t *testing.T) {
	s := NewServer(":0", &fakeLookup{}, &countingEnqueuer{}, 1000)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/webhook", bytes.NewReader([]byte("{not json")))
	s.handleWebhook(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Result().StatusCode, "only transport/parse failures are non-200")
}

func TestHandleWebhook_SuccessfulFanOutReportsSummaryAndMetrics(t *testing.T) {
	lookup := &fakeLookup{
		strategy: &repository.Strategy{ID: "strat-1", GroupName: "grp", IsActive: true, WebhookToken: "tok"},
		sas: []repository.StrategyAccount{
			{ID: "sa-1", StrategyID: "strat-1", AccountID: "acct-a"},
		},
		accounts: []repository.Account{
			{ID: "acct-a", ExchangeName: "mockex", MarketType: "SPOT"},
		},
	}
	s := NewServer(":0", lookup, &countingEnqueuer{}, 1000)

	resp, body := postWebhook(t, s, Alert{GroupName: "grp", Token: "tok", Symbol: "BTCUSDT", Side: "BUY", OrderType: "LIMIT", Quantity: decimal.NewFromInt(1)})

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, body["success"])
	require.Equal(t, "grp", body["strategy"])

	summary := body["summary"].(map[string]any)
	require.EqualValues(t, 1, summary["total_accounts"])
	require.EqualValues(t, 1, summary["successful_orders"])
	require.EqualValues(t, 0, summary["failed_orders"])
	require.EqualValues(t, 1, summary["success_rate"])

	metrics := body["performance_metrics"].(map[string]any)
	require.Contains(t, metrics, "total_ms")
	require.Contains(t, metrics, "validation_ms")
	require.Contains(t, metrics, "execution_ms")
}
