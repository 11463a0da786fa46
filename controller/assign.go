package controller

import (
	"fmt"

	"github.com/rustyeddy/livetrader/broker"
	"github.com/rustyeddy/livetrader/internal/logging"
	"github.com/rustyeddy/livetrader/ledger"
	"github.com/rustyeddy/livetrader/metrics"
)

// assignTrade finds the strategy an unexplained trade most plausibly
// belongs to. Candidates are the active strategies on the trade's
// contract; with several, the ones without resting orders win (a
// strategy guarding a position with a stop presumably owns the stop,
// not an unrelated incoming fill). Remaining ties break on the first
// key in sorted order: true attribution is undecidable from the
// available information, so the tie-break only has to be deterministic.
func (c *Controller) assignTrade(trade *broker.Trade) *ledger.Strategy {
	var active []string
	for _, key := range c.led.StrategiesForContract(trade.Contract.Symbol) {
		if c.led.Active(key) {
			active = append(active, key)
		}
	}
	c.log.Debug().
		Strs("candidates", active).
		Str("symbol", trade.Contract.Symbol).
		Msg("attributing unexplained trade")

	if len(active) == 1 {
		return c.led.GetOrCreate(active[0])
	}

	var unguarded []string
	for _, key := range active {
		if len(c.led.RestingOrders(key)) == 0 {
			unguarded = append(unguarded, key)
		}
	}
	if len(unguarded) > 0 {
		c.log.Debug().Strs("candidates", unguarded).Msg("candidates without resting orders")
		return c.led.GetOrCreate(unguarded[0])
	}
	return nil
}

// makeStrategy is the last resort when no strategy matches: a
// synthetic strategy keyed by reason and symbol, so the position
// change is still accounted for somewhere.
func (c *Controller) makeStrategy(trade *broker.Trade, reason string) *ledger.Strategy {
	key := fmt.Sprintf("%s_%s", reason, trade.Contract.Symbol)
	s := c.led.GetOrCreate(key)
	if s.ActiveContract.Symbol == "" {
		s.ActiveContract = trade.Contract
	}
	return s
}

// assignManualTrade attributes a negative-order-id trade. Returns nil
// for system-originated orders.
func (c *Controller) assignManualTrade(trade *broker.Trade) *ledger.Strategy {
	if !trade.Order.Manual() {
		return nil
	}

	s := c.assignTrade(trade)
	if s == nil {
		s = c.makeStrategy(trade, "manual_strategy")
	}
	c.log.Debug().
		Int("order_id", trade.Order.ID).
		Str("strategy", s.Key).
		Msg("manual trade assigned")

	c.led.UpdateStrategyOnOrder(trade.Order.ID, s.Key)
	return s
}

// assignUnknownTrade attributes a fill whose order the ledger cannot
// explain. Logged at the highest severity: the system observed broker
// activity it has no record of.
func (c *Controller) assignUnknownTrade(trade *broker.Trade) *ledger.Strategy {
	s := c.assignTrade(trade)
	if s == nil {
		s = c.makeStrategy(trade, "unknown")
	}
	metrics.UnknownTrades.Inc()
	logging.Critical(c.log).
		Int("order_id", trade.Order.ID).
		Str("symbol", trade.Contract.Symbol).
		Str("strategy", s.Key).
		Msg("unknown trade")
	c.led.UpdateStrategyOnOrder(trade.Order.ID, s.Key)
	return s
}
