package pricecache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/orderpilot/execore/internal/adapter"
)

type fakeFetcher struct {
	prices  map[string]decimal.Decimal
	priceErr error
	rate    decimal.Decimal
	rateErr error
	calls   int
}

func (f *fakeFetcher) FetchPrices(ctx context.Context, exchange string, symbols []string) (map[string]decimal.Decimal, error) {
	f.calls++
	if f.priceErr != nil {
		return nil, f.priceErr
	}
	return f.prices, nil
}

func (f *fakeFetcher) FetchUSDTKRWRate(ctx context.Context) (decimal.Decimal, error) {
	if f.rateErr != nil {
		return decimal.Zero, f.rateErr
	}
	return f.rate, nil
}

func TestGetPrice_RefreshesOnMiss(t *testing.T) {
	fetcher := &fakeFetcher{prices: map[string]decimal.Decimal{"BTCUSDT": decimal.NewFromInt(50000)}}
	c := New(time.Minute, fetcher)

	price, ok := c.GetPrice(context.Background(), "mockex", adapter.MarketSpot, "BTCUSDT")
	require.True(t, ok)
	require.True(t, price.Equal(decimal.NewFromInt(50000)))
	require.Equal(t, 1, fetcher.calls)
}

func TestGetPrice_ServesFromCacheWithinTTL(t *testing.T) {
	fetcher := &fakeFetcher{prices: map[string]decimal.Decimal{"BTCUSDT": decimal.NewFromInt(50000)}}
	c := New(time.Minute, fetcher)

	_, ok := c.GetPrice(context.Background(), "mockex", adapter.MarketSpot, "BTCUSDT")
	require.True(t, ok)

	_, ok = c.GetPrice(context.Background(), "mockex", adapter.MarketSpot, "BTCUSDT")
	require.True(t, ok)
	require.Equal(t, 1, fetcher.calls, "a second call within the TTL must not refetch")
}

func TestGetPrice_FallsBackToStaleOnRefreshError(t *testing.T) {
	fetcher := &fakeFetcher{prices: map[string]decimal.Decimal{"BTCUSDT": decimal.NewFromInt(50000)}}
	c := New(time.Millisecond, fetcher)

	_, ok := c.GetPrice(context.Background(), "mockex", adapter.MarketSpot, "BTCUSDT")
	require.True(t, ok)

	time.Sleep(2 * time.Millisecond)
	fetcher.priceErr = errors.New("venue unreachable")

	price, ok := c.GetPrice(context.Background(), "mockex", adapter.MarketSpot, "BTCUSDT")
	require.True(t, ok, "a previously-cached price should still be served on refresh failure")
	require.True(t, price.Equal(decimal.NewFromInt(50000)))
}

func TestGetPrice_MissWithNoCacheAndFailedRefreshReturnsNotOK(t *testing.T) {
	fetcher := &fakeFetcher{priceErr: errors.New("venue unreachable")}
	c := New(time.Minute, fetcher)

	_, ok := c.GetPrice(context.Background(), "mockex", adapter.MarketSpot, "BTCUSDT")
	require.False(t, ok)
}

func TestGetUSDTKRWRate_FailsClosedRatherThanSynthesize(t *testing.T) {
	fetcher := &fakeFetcher{rateErr: errors.New("fx feed down")}
	c := New(time.Minute, fetcher)

	_, err := c.GetUSDTKRWRate(context.Background())
	require.ErrorIs(t, err, adapter.ErrExchangeRateUnavailable)
}

func TestGetUSDTKRWRate_ReturnsLiveRate(t *testing.T) {
	fetcher := &fakeFetcher{rate: decimal.NewFromFloat(1350.5)}
	c := New(time.Minute, fetcher)

	rate, err := c.GetUSDTKRWRate(context.Background())
	require.NoError(t, err)
	require.True(t, rate.Equal(decimal.NewFromFloat(1350.5)))
}
