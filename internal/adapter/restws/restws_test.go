package restws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/orderpilot/execore/internal/adapter"
)

func newTestExchange(t *testing.T, handler http.HandlerFunc) *Exchange {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{Name: "testex", RESTBase: srv.URL, APIKey: "key", APISecret: "secret"})
}

func TestCreateOrder_SignsRequestAndNormalizesResponse(t *testing.T) {
	ex := newTestExchange(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "key", r.Header.Get("X-API-Key"))
		require.NotEmpty(t, r.Header.Get("X-API-Signature"))
		require.NotEmpty(t, r.Header.Get("X-API-Timestamp"))

		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"orderId":"123","symbol":"BTCUSDT","status":"OPEN","filledQty":"0","avgPrice":"50000","fee":"0"}`))
	})

	order, err := ex.CreateOrder(context.Background(), adapter.OrderRequest{Symbol: "BTCUSDT", Side: adapter.SideBuy, Type: adapter.OrderTypeLimit, Quantity: decimal.NewFromFloat(0.1)})
	require.NoError(t, err)
	require.Equal(t, "123", order.ExchangeOrderID)
	require.True(t, order.AvgPrice.Equal(decimal.NewFromInt(50000)))
}

func TestSignedRequest_MapsStatusCodesToTaggedErrors(t *testing.T) {
	cases := []struct {
		name   string
		status int
		header func(http.Header)
		check  func(t *testing.T, err error)
	}{
		{"unauthorized", http.StatusUnauthorized, nil, func(t *testing.T, err error) {
			var authErr *adapter.AuthError
			require.ErrorAs(t, err, &authErr)
		}},
		{"not found", http.StatusNotFound, nil, func(t *testing.T, err error) {
			var notFound *adapter.OrderNotFound
			require.ErrorAs(t, err, &notFound)
		}},
		{"rate limited", http.StatusTooManyRequests, func(h http.Header) { h.Set("Retry-After", "2") }, func(t *testing.T, err error) {
			var rl *adapter.RateLimit
			require.ErrorAs(t, err, &rl)
		}},
		{"server error", http.StatusInternalServerError, nil, func(t *testing.T, err error) {
			var srv *adapter.ServerError
			require.ErrorAs(t, err, &srv)
		}},
		{"unmapped client error", http.StatusForbidden, nil, func(t *testing.T, err error) {
			var apiErr *adapter.APIError
			require.ErrorAs(t, err, &apiErr)
		}},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			ex := newTestExchange(t, func(w http.ResponseWriter, r *http.Request) {
				if c.header != nil {
					c.header(w.Header())
				}
				w.WriteHeader(c.status)
			})

			_, err := ex.FetchOrder(context.Background(), "BTCUSDT", "1", adapter.MarketSpot)
			require.Error(t, err)
			c.check(t, err)
		})
	}
}

func TestNormalizeStatus(t *testing.T) {
	ex := New(Config{Name: "testex"})
	require.Equal(t, adapter.StatusFilled, ex.NormalizeStatus("FILLED"))
	require.Equal(t, adapter.StatusCancelled, ex.NormalizeStatus("CANCELLED"))
	require.Equal(t, adapter.StatusExpired, ex.NormalizeStatus("EXPIRED"))
	require.Equal(t, adapter.StatusFailed, ex.NormalizeStatus("REJECTED"))
	require.Equal(t, adapter.StatusOpen, ex.NormalizeStatus("NEW"))
}

func TestRateLimiter_GatesSignedRequests(t *testing.T) {
	ex := newTestExchange(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{}`))
	})
	lim := &countingLimiter{}
	ex.SetRateLimiter(lim)

	_, err := ex.FetchOrder(context.Background(), "BTCUSDT", "1", adapter.MarketSpot)
	require.NoError(t, err)
	require.Equal(t, 1, lim.calls)
}

type countingLimiter struct{ calls int }

func (l *countingLimiter) Acquire(ctx context.Context, exchange string) error {
	l.calls++
	return nil
}
