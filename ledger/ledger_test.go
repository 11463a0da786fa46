package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/livetrader/broker"
	"github.com/rustyeddy/livetrader/market"
)

var es = market.Contract{Symbol: "ES", LocalSymbol: "ESZ6", Exchange: "CME", Currency: "USD"}

func openTrade(id int, qty float64) *broker.Trade {
	return broker.NewTrade(es, broker.Order{
		ID:       id,
		Action:   broker.Buy,
		Type:     broker.Market,
		TotalQty: qty,
	})
}

func TestRegisterOrderSetsContract(t *testing.T) {
	l := New()
	rec := l.RegisterOrder("breakout_es", "OPEN", openTrade(1, 2), OrderParams{PositionID: "p1"})

	require.NotNil(t, l.Order(1))
	assert.Equal(t, "breakout_es", rec.Strategy)
	assert.True(t, rec.Active)

	s := l.Strategy("breakout_es")
	require.NotNil(t, s)
	assert.Equal(t, "ES", s.ActiveContract.Symbol)
	assert.Equal(t, "p1", s.PositionID)
}

func TestApplyFillMutatesPositionAndLock(t *testing.T) {
	l := New()
	l.RegisterOrder("breakout_es", "OPEN", openTrade(1, 2), OrderParams{})

	assert.Equal(t, 2.0, l.ApplyFill("breakout_es", 2))
	assert.Equal(t, 2.0, l.Position("breakout_es"))
	assert.Equal(t, 0, l.Locked("breakout_es"))

	// Closing the long locks the long side.
	assert.Equal(t, 0.0, l.ApplyFill("breakout_es", -2))
	assert.Equal(t, 1, l.Locked("breakout_es"))
}

func TestSaveOrderStatusUpsertsManualOrders(t *testing.T) {
	l := New()

	trade := openTrade(-7, 1)
	trade.SetStatus(broker.OrderStatus{Status: broker.Submitted, Remaining: 1})
	rec := l.SaveOrderStatus(trade)

	require.NotNil(t, rec)
	assert.Equal(t, ActionManual, rec.Action)
	assert.True(t, rec.Active)

	trade.SetStatus(broker.OrderStatus{Status: broker.Filled, Filled: 1})
	rec = l.SaveOrderStatus(trade)
	assert.False(t, rec.Active)
	assert.Equal(t, broker.Filled, rec.Status)
}

func TestActiveDerived(t *testing.T) {
	l := New()
	assert.False(t, l.Active("breakout_es"))

	// Outstanding OPEN order makes a flat strategy active.
	l.RegisterOrder("breakout_es", "OPEN", openTrade(1, 2), OrderParams{})
	assert.True(t, l.Active("breakout_es"))

	// Inactive order, flat position: inactive strategy.
	l.MarkInactive(1)
	assert.False(t, l.Active("breakout_es"))

	// Nonzero position always counts.
	l.ApplyFill("breakout_es", 2)
	assert.True(t, l.Active("breakout_es"))
}

func TestRestingOrders(t *testing.T) {
	l := New()
	l.RegisterOrder("breakout_es", "OPEN", openTrade(1, 2), OrderParams{})
	stop := broker.NewTrade(es, broker.Order{ID: 2, Action: broker.Sell, Type: broker.Stop, TotalQty: 2})
	l.RegisterOrder("breakout_es", "STOP-LOSS", stop, OrderParams{})

	resting := l.RestingOrders("breakout_es")
	require.Len(t, resting, 1)
	assert.Equal(t, 2, resting[0].OrderID)

	l.MarkInactive(2)
	assert.Empty(t, l.RestingOrders("breakout_es"))
}

func TestStrategiesForContractSorted(t *testing.T) {
	l := New()
	l.GetOrCreate("zeta").ActiveContract = es
	l.GetOrCreate("alpha").ActiveContract = es
	l.GetOrCreate("other").ActiveContract = market.Contract{Symbol: "NQ"}

	assert.Equal(t, []string{"alpha", "zeta"}, l.StrategiesForContract("ES"))
}

func TestMarkExecDedupes(t *testing.T) {
	l := New()
	assert.True(t, l.MarkExec("x1"))
	assert.False(t, l.MarkExec("x1"))
	assert.True(t, l.MarkExec("x2"))
}

func TestTotalPosition(t *testing.T) {
	l := New()
	l.GetOrCreate("a").ActiveContract = es
	l.GetOrCreate("b").ActiveContract = es
	l.ApplyFill("a", 2)
	l.ApplyFill("b", -1)

	assert.Equal(t, 1.0, l.TotalPosition("ES"))
	assert.Equal(t, map[string]float64{"ES": 1}, l.ContractPositions())
}

func TestClearAll(t *testing.T) {
	l := New()
	l.RegisterOrder("breakout_es", "OPEN", openTrade(1, 2), OrderParams{})
	l.ApplyFill("breakout_es", 2)
	l.MarkExec("x1")

	l.ClearAll()
	assert.Nil(t, l.Strategy("breakout_es"))
	assert.Nil(t, l.Order(1))
	assert.True(t, l.MarkExec("x1"))
}
