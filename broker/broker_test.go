package broker

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/livetrader/market"
)

func TestOpposite(t *testing.T) {
	assert.Equal(t, Sell, Opposite(2))
	assert.Equal(t, Buy, Opposite(-2))
	assert.Equal(t, Sell, Opposite(0), "closing a zero position defaults to sell")
}

func TestOrderManual(t *testing.T) {
	assert.True(t, Order{ID: -1}.Manual())
	assert.False(t, Order{ID: 0}.Manual())
	assert.False(t, Order{ID: 7}.Manual())
}

func TestStatusDone(t *testing.T) {
	for _, s := range []Status{Filled, Cancelled, Inactive} {
		assert.True(t, s.Done(), string(s))
	}
	for _, s := range []Status{PendingSubmit, Submitted} {
		assert.False(t, s.Done(), string(s))
	}
}

func TestTradeLifecycle(t *testing.T) {
	es := market.Contract{Symbol: "ES"}
	trade := NewTrade(es, Order{ID: 1, Action: Buy, Type: Market, TotalQty: 3})

	assert.Equal(t, PendingSubmit, trade.Status().Status)
	assert.Equal(t, 3.0, trade.Remaining())
	assert.False(t, trade.Done())

	trade.AddFill(&Fill{Contract: es, Execution: Execution{ExecID: "e1", Shares: 3, Price: 5000}})
	trade.SetStatus(OrderStatus{Status: Filled, Filled: 3, Remaining: 0, AvgFillPrice: 5000})

	assert.True(t, trade.Done())
	assert.Equal(t, 3.0, trade.Filled())
	assert.Equal(t, 5000.0, trade.FillPrice())
	require.Len(t, trade.Fills(), 1)
}

func TestDispatcherOrdering(t *testing.T) {
	d := NewDispatcher()
	var seen []string
	d.Subscribe(OrderStatusEvent, func(Event) { seen = append(seen, "first") })
	d.Subscribe(OrderStatusEvent, func(Event) { seen = append(seen, "second") })
	d.Subscribe(NewOrderEvent, func(Event) { seen = append(seen, "other kind") })

	d.Emit(Event{Kind: OrderStatusEvent})

	assert.Equal(t, []string{"first", "second"}, seen,
		"handlers fire in registration order, only for their kind")
}

type nullGateway struct {
	Gateway
	cancelled int
}

func (g *nullGateway) GlobalCancel(context.Context) error { g.cancelled++; return nil }

func TestMutedDropsOrders(t *testing.T) {
	gw := &nullGateway{}
	muted := NewMuted(gw, zerolog.Nop())

	trade, err := muted.SubmitOrder(context.Background(),
		market.Contract{Symbol: "ES"}, Order{Action: Buy, Type: Market, TotalQty: 1})
	require.NoError(t, err)
	assert.Equal(t, Inactive, trade.Status().Status)
	assert.True(t, trade.Done())

	// queries still reach the wrapped gateway
	require.NoError(t, muted.GlobalCancel(context.Background()))
	assert.Equal(t, 1, gw.cancelled)
}
