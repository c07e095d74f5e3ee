package symbols

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func loadBTC(v *Validator) {
	v.Load("mockex", "BTCUSDT", "SPOT", MarketInfo{
		MinQty:      d(0.001),
		MaxQty:      d(1000),
		StepSize:    d(0.001),
		TickSize:    d(0.01),
		MinNotional: d(5),
	})
}

func TestValidate_FailsClosedOnUnknownSymbol(t *testing.T) {
	v := NewValidator()
	_, err := v.Validate("mockex", "NOPEUSDT", "SPOT", d(1), nil)
	require.Error(t, err)
	var unknown *ErrUnknownSymbol
	require.ErrorAs(t, err, &unknown)
}

func TestValidate_RoundsDownToStepAndTick(t *testing.T) {
	v := NewValidator()
	loadBTC(v)

	price := d(100.009)
	adj, err := v.Validate("mockex", "BTCUSDT", "SPOT", d(0.0019), &price)
	require.NoError(t, err)

	require.True(t, adj.Qty.Equal(d(0.001)), "qty should round down to the step size, got %s", adj.Qty)
	require.True(t, adj.Price.Equal(d(100)), "price should round down to the tick size, got %s", adj.Price)
}

func TestValidate_RejectsBelowMinQty(t *testing.T) {
	v := NewValidator()
	loadBTC(v)

	_, err := v.Validate("mockex", "BTCUSDT", "SPOT", d(0.0001), nil)
	require.Error(t, err)
}

func TestValidate_RejectsBelowMinNotional(t *testing.T) {
	v := NewValidator()
	loadBTC(v)

	price := d(100)
	_, err := v.Validate("mockex", "BTCUSDT", "SPOT", d(0.001), &price)
	require.Error(t, err, "0.001 * 100 = 0.1, below the 5 min_notional")
}

func TestValidate_ClampsToMaxQty(t *testing.T) {
	v := NewValidator()
	loadBTC(v)

	adj, err := v.Validate("mockex", "BTCUSDT", "SPOT", d(5000), nil)
	require.NoError(t, err)
	require.True(t, adj.Qty.Equal(d(1000)))
}

func TestNeedsRefresh_ReflectsRegisteredPolicy(t *testing.T) {
	v := NewValidator()
	require.False(t, v.NeedsRefresh("mockex"), "unregistered exchange defaults to no refresh")

	v.SetPolicy("mockex", RefreshOnTick)
	require.True(t, v.NeedsRefresh("mockex"))

	v.SetPolicy("fixedex", RefreshNone)
	require.False(t, v.NeedsRefresh("fixedex"))
}
