package broker

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/rustyeddy/livetrader/market"
)

// Muted wraps a live gateway and drops every order submission while
// still answering queries from the underlying gateway. It is swapped in
// by nuke(): after a critical fault no further trades may reach the
// broker, but positions and open orders must stay visible.
type Muted struct {
	Gateway
	log zerolog.Logger
}

func NewMuted(gw Gateway, log zerolog.Logger) *Muted {
	return &Muted{Gateway: gw, log: log}
}

// SubmitOrder silently drops the order and returns an inert handle.
func (m *Muted) SubmitOrder(_ context.Context, contract market.Contract, order Order) (*Trade, error) {
	m.log.Warn().
		Str("contract", contract.String()).
		Str("action", string(order.Action)).
		Float64("qty", order.TotalQty).
		Msg("trading muted, order dropped")
	t := NewTrade(contract, order)
	t.SetStatus(OrderStatus{Status: Inactive, Remaining: order.TotalQty})
	return t, nil
}
