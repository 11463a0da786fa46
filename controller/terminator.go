package controller

import (
	"context"
	"time"

	"github.com/rustyeddy/livetrader/broker"
	"github.com/rustyeddy/livetrader/internal/logging"
	"github.com/rustyeddy/livetrader/market"
)

type termState int

const (
	termCancelling termState = iota
	termClosing
	termPolling
	termDone
	termEscalated
)

func (s termState) String() string {
	switch s {
	case termCancelling:
		return "cancelling"
	case termClosing:
		return "closing"
	case termPolling:
		return "polling"
	case termDone:
		return "done"
	case termEscalated:
		return "escalated"
	}
	return "unknown"
}

// terminator runs the bounded, escalating flattening sequence over a
// snapshot of open orders and positions. Orders and positions arriving
// after the snapshot belong to the next run.
type terminator struct {
	c         *Controller
	trades    []*broker.Trade
	positions map[market.Contract]float64
	state     termState
}

func newTerminator(ctx context.Context, c *Controller) (*terminator, error) {
	open, err := c.gw.OpenOrders(ctx)
	if err != nil {
		return nil, err
	}
	all, err := c.gw.Positions(ctx)
	if err != nil {
		return nil, err
	}
	positions := make(map[market.Contract]float64, len(all))
	for contract, pos := range all {
		if pos != 0 {
			positions[contract] = pos
		}
	}
	return &terminator{c: c, trades: open, positions: positions}, nil
}

// Terminate cancels all snapshotted orders and flattens all
// snapshotted positions, escalating once if the broker does not
// confirm within the poll bound.
func (c *Controller) Terminate(ctx context.Context) error {
	c.log.Warn().Msg("termination procedure started")
	t, err := newTerminator(ctx, c)
	if err != nil {
		return err
	}
	t.run(ctx)
	return nil
}

func (t *terminator) run(ctx context.Context) {
	t.state = termCancelling
	t.cancelOrders(ctx)

	t.state = termClosing
	t.qualifyPositions(ctx)
	t.closePositions(ctx)

	t.state = termPolling
	if unresolved := t.poll(ctx); len(unresolved) > 0 {
		t.state = termEscalated
		t.escalate(ctx, unresolved)
	} else {
		t.state = termDone
	}
	t.c.log.Warn().Str("state", t.state.String()).Msg("termination procedure finished")
}

// cancelOrders cancels every snapshotted order. A resting stop or
// trailing order aligned with the snapshotted position would leave a
// residual once cancelled, so a follow-up market order sized to the
// residual is registered for submission when the cancel confirms.
func (t *terminator) cancelOrders(ctx context.Context) {
	for _, trade := range t.trades {
		order := trade.Order
		t.c.log.Debug().
			Int("order_id", order.ID).
			Str("symbol", trade.Contract.Symbol).
			Str("type", string(order.Type)).
			Msg("cancelling order")

		if order.Type == broker.Stop || order.Type == broker.Trailing {
			stopAmount := trade.Remaining()
			if order.Action == broker.Sell {
				stopAmount = -stopAmount
			}
			existing := t.positions[trade.Contract]

			if existing != 0 && market.Sign(stopAmount) == market.Sign(existing) {
				residual := existing - stopAmount
				if residual != 0 {
					strategy := ""
					if rec := t.c.led.Order(order.ID); rec != nil {
						strategy = rec.Strategy
					}
					t.c.followUps[order.ID] = followUp{
						strategy: strategy,
						contract: trade.Contract,
						action:   order.Action,
						qty:      abs(residual),
					}
					t.positions[trade.Contract] -= residual
				}
			}
		}

		if err := t.c.Cancel(ctx, trade); err != nil {
			t.c.log.Error().Err(err).Int("order_id", order.ID).Msg("cancel failed")
		}
	}
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

// qualifyPositions resolves each snapshotted contract with the broker
// before a closing order is placed against it. Qualify rewrites the
// contract in place, so the map is rebuilt around the new keys.
func (t *terminator) qualifyPositions(ctx context.Context) {
	contracts := make([]*market.Contract, 0, len(t.positions))
	amounts := make([]float64, 0, len(t.positions))
	for contract, pos := range t.positions {
		c := contract
		contracts = append(contracts, &c)
		amounts = append(amounts, pos)
	}
	if err := t.c.gw.Qualify(ctx, contracts...); err != nil {
		t.c.log.Error().Err(err).Msg("contract qualification failed")
		return
	}
	t.positions = make(map[market.Contract]float64, len(contracts))
	for i, c := range contracts {
		t.positions[*c] = amounts[i]
	}
}

// submitAndRecord places an order outside the strategy trade path and
// records it before any of its events are handled, so the fill
// attribution chain, not a missing record, decides where it lands.
func (c *Controller) submitAndRecord(ctx context.Context, gw broker.Gateway,
	contract market.Contract, order broker.Order) (*broker.Trade, error) {

	c.deferEvents()
	trade, err := gw.SubmitOrder(ctx, contract, order)
	if err == nil {
		c.led.SaveOrderStatus(trade)
	}
	c.drainEvents()
	return trade, err
}

// closePositions submits a closing market order for every snapshotted
// non-zero position: opposite side, full quantity, good for the day,
// allowed outside regular hours.
func (t *terminator) closePositions(ctx context.Context) {
	for contract, position := range t.positions {
		if position == 0 {
			continue
		}
		t.c.log.Debug().
			Str("symbol", contract.Symbol).
			Float64("position", position).
			Msg("closing position")

		trade, err := t.c.submitAndRecord(ctx, t.c.gw, contract, broker.Order{
			Action:     broker.Opposite(position),
			Type:       broker.Market,
			TotalQty:   abs(position),
			TIF:        "DAY",
			OutsideRTH: true,
		})
		if err != nil {
			t.c.log.Error().Err(err).Str("symbol", contract.Symbol).Msg("closing order failed")
			continue
		}
		t.trades = append(t.trades, trade)
	}
}

// poll waits, bounded, for every snapshotted trade to reach a terminal
// broker state. Returns the trades still working at the bound.
func (t *terminator) poll(ctx context.Context) []*broker.Trade {
	for n := 0; n < t.c.cfg.ShutdownPollLimit; n++ {
		unresolved := t.unresolved()
		if len(unresolved) == 0 {
			return nil
		}
		t.c.log.Warn().
			Int("working", len(unresolved)).
			Int("iteration", n).
			Msg("closing positions in progress")

		select {
		case <-ctx.Done():
			return unresolved
		case <-time.After(t.c.cfg.ShutdownPollInterval):
		}
	}
	return t.unresolved()
}

func (t *terminator) unresolved() []*broker.Trade {
	var out []*broker.Trade
	for _, trade := range t.trades {
		if !trade.Done() {
			out = append(out, trade)
		}
	}
	return out
}

// escalate is the last-resort sweep: cancel everything, then blanket
// closing orders for every position the broker currently reports, not
// just the snapshot. Best effort, not retried.
func (t *terminator) escalate(ctx context.Context, unresolved []*broker.Trade) {
	logging.Critical(t.c.log).
		Int("unresolved", len(unresolved)).
		Msg("shutdown did not converge, escalating")

	if err := t.c.gw.GlobalCancel(ctx); err != nil {
		t.c.log.Error().Err(err).Msg("global cancel failed")
	}
	closeAllPositions(ctx, t.c, t.c.gw)
}

// closeAllPositions issues closing market orders for every position
// the gateway currently reports.
func closeAllPositions(ctx context.Context, c *Controller, gw broker.Gateway) {
	positions, err := gw.Positions(ctx)
	if err != nil {
		c.log.Error().Err(err).Msg("positions unavailable for blanket close")
		return
	}
	for contract, position := range positions {
		if position == 0 {
			continue
		}
		cc := contract
		if err := gw.Qualify(ctx, &cc); err != nil {
			c.log.Error().Err(err).Str("symbol", contract.Symbol).Msg("qualify failed")
		}
		if _, err := c.submitAndRecord(ctx, gw, cc, broker.Order{
			Action:     broker.Opposite(position),
			Type:       broker.Market,
			TotalQty:   abs(position),
			TIF:        "DAY",
			OutsideRTH: true,
		}); err != nil {
			c.log.Error().Err(err).Str("symbol", contract.Symbol).Msg("blanket close failed")
		}
	}
}

// Nuke permanently halts trading: the live gateway is replaced with a
// muted one so later submissions are dropped, every order is
// cancelled, and every current position is closed once. Used after a
// critical fault; recovery requires a restart.
func (c *Controller) Nuke(ctx context.Context) {
	live := c.gw
	c.gw = broker.NewMuted(live, c.log)

	if err := live.GlobalCancel(ctx); err != nil {
		c.log.Error().Err(err).Msg("global cancel failed")
	}
	closeAllPositions(ctx, c, live)

	logging.Critical(c.log).Msg("nuked: no more trades until restart")
}
