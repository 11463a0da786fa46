// Package sim is an in-process broker gateway used by tests and the
// paper command. Market orders fill immediately at the posted quote;
// stop, trailing and limit orders rest until cancelled or released.
package sim

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rustyeddy/livetrader/broker"
	"github.com/rustyeddy/livetrader/internal/id"
	"github.com/rustyeddy/livetrader/market"
)

type Quote struct {
	Bid float64
	Ask float64
}

type Engine struct {
	mu        sync.Mutex
	dispatch  *broker.Dispatcher
	trades    map[int]*broker.Trade
	positions map[market.Contract]float64
	quotes    map[string]Quote
	nextID    int
	nextPerm  int
	manualID  int

	// AutoFill controls whether market orders fill on submission.
	// Tests turn it off to exercise polling and escalation paths.
	autoFill bool
	// commission charged per share on every fill
	commissionPerShare float64
}

func NewEngine(dispatch *broker.Dispatcher) *Engine {
	return &Engine{
		dispatch:           dispatch,
		trades:             make(map[int]*broker.Trade),
		positions:          make(map[market.Contract]float64),
		quotes:             make(map[string]Quote),
		nextID:             1,
		nextPerm:           1000,
		manualID:           -1,
		autoFill:           true,
		commissionPerShare: 2.05,
	}
}

func (e *Engine) SetQuote(symbol string, q Quote) {
	e.mu.Lock()
	e.quotes[symbol] = q
	e.mu.Unlock()
}

// SetAutoFill toggles immediate fills for market orders.
func (e *Engine) SetAutoFill(on bool) {
	e.mu.Lock()
	e.autoFill = on
	e.mu.Unlock()
}

func (e *Engine) SubmitOrder(_ context.Context, contract market.Contract, order broker.Order) (*broker.Trade, error) {
	e.mu.Lock()
	if order.ID == 0 {
		order.ID = e.nextID
		e.nextID++
	}
	if order.PermID == 0 {
		order.PermID = e.nextPerm
		e.nextPerm++
	}
	trade := broker.NewTrade(contract, order)
	e.trades[order.ID] = trade

	events := []broker.Event{{Kind: broker.NewOrderEvent, Trade: trade}}
	trade.SetStatus(broker.OrderStatus{Status: broker.Submitted, Remaining: order.TotalQty})
	events = append(events, broker.Event{Kind: broker.OrderStatusEvent, Trade: trade})

	if order.Type == broker.Market && e.autoFill {
		events = append(events, e.fillLocked(trade)...)
	}
	e.mu.Unlock()

	e.emit(events)
	return trade, nil
}

// fillLocked fills the trade completely at the current quote and
// returns the events to emit once the engine lock is released.
func (e *Engine) fillLocked(trade *broker.Trade) []broker.Event {
	order := trade.Order
	q := e.quotes[trade.Contract.Symbol]
	price := q.Ask
	if order.Action == broker.Sell {
		price = q.Bid
	}

	fill := &broker.Fill{
		Contract: trade.Contract,
		Execution: broker.Execution{
			ExecID: id.New(),
			PermID: order.PermID,
			Time:   time.Now().UTC(),
			Side:   order.Action,
			Shares: order.TotalQty,
			Price:  price,
		},
		Time: time.Now(),
	}
	trade.AddFill(fill)

	delta := order.TotalQty
	if order.Action == broker.Sell {
		delta = -delta
	}
	e.positions[trade.Contract] += delta
	if e.positions[trade.Contract] == 0 {
		delete(e.positions, trade.Contract)
	}

	trade.SetStatus(broker.OrderStatus{
		Status:       broker.Filled,
		Filled:       order.TotalQty,
		Remaining:    0,
		AvgFillPrice: price,
	})

	report := &broker.CommissionReport{
		ExecID:     fill.Execution.ExecID,
		Commission: e.commissionPerShare * order.TotalQty,
		Currency:   "USD",
	}

	return []broker.Event{
		{Kind: broker.ExecDetailsEvent, Trade: trade, Fill: fill},
		{Kind: broker.OrderStatusEvent, Trade: trade},
		{Kind: broker.CommissionEvent, Trade: trade, Fill: fill, Report: report},
	}
}

func (e *Engine) emit(events []broker.Event) {
	for _, ev := range events {
		// attach commission reports to their fills before fan-out so
		// synchronous handlers see a consistent trade
		if ev.Kind == broker.CommissionEvent && ev.Fill != nil {
			ev.Fill.Commission = ev.Report
		}
		e.dispatch.Emit(ev)
	}
}

func (e *Engine) CancelOrder(_ context.Context, trade *broker.Trade) error {
	if trade.Done() {
		return nil
	}
	st := trade.Status()
	trade.SetStatus(broker.OrderStatus{
		Status:    broker.Cancelled,
		Filled:    st.Filled,
		Remaining: st.Remaining,
	})
	e.emit([]broker.Event{{Kind: broker.OrderStatusEvent, Trade: trade}})
	return nil
}

func (e *Engine) OpenOrders(_ context.Context) ([]*broker.Trade, error) {
	e.mu.Lock()
	ids := make([]int, 0, len(e.trades))
	for oid := range e.trades {
		ids = append(ids, oid)
	}
	sort.Ints(ids)
	var open []*broker.Trade
	for _, oid := range ids {
		if !e.trades[oid].Done() {
			open = append(open, e.trades[oid])
		}
	}
	e.mu.Unlock()
	return open, nil
}

func (e *Engine) Positions(_ context.Context) (map[market.Contract]float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[market.Contract]float64, len(e.positions))
	for c, p := range e.positions {
		out[c] = p
	}
	return out, nil
}

func (e *Engine) GlobalCancel(ctx context.Context) error {
	open, _ := e.OpenOrders(ctx)
	for _, t := range open {
		if err := e.CancelOrder(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) Qualify(_ context.Context, contracts ...*market.Contract) error {
	for _, c := range contracts {
		if meta, ok := market.Contracts[c.Symbol]; ok {
			if c.Exchange == "" {
				c.Exchange = meta.Exchange
			}
			if c.Currency == "" {
				c.Currency = meta.Currency
			}
		} else if c.Exchange == "" {
			c.Exchange = "SIM"
		}
		if c.LocalSymbol == "" {
			c.LocalSymbol = c.Symbol
		}
	}
	return nil
}

// ManualTrade simulates an order entered directly at the broker
// terminal: negative order id, immediate fill, full event sequence.
func (e *Engine) ManualTrade(ctx context.Context, contract market.Contract, side broker.Side, qty float64) *broker.Trade {
	e.mu.Lock()
	oid := e.manualID
	e.manualID--
	e.mu.Unlock()

	trade, _ := e.SubmitOrder(ctx, contract, broker.Order{
		ID:       oid,
		Action:   side,
		Type:     broker.Market,
		TotalQty: qty,
	})
	return trade
}

// ReleaseOrder fills a resting order, as if its trigger price printed.
func (e *Engine) ReleaseOrder(trade *broker.Trade) {
	if trade.Done() {
		return
	}
	e.mu.Lock()
	events := e.fillLocked(trade)
	e.mu.Unlock()
	e.emit(events)
}

// SetPosition seeds a broker-side position directly, bypassing orders.
// Used to model positions acquired before this session.
func (e *Engine) SetPosition(contract market.Contract, qty float64) {
	e.mu.Lock()
	if qty == 0 {
		delete(e.positions, contract)
	} else {
		e.positions[contract] = qty
	}
	e.mu.Unlock()
}

// EmitError injects a broker error event.
func (e *Engine) EmitError(reqID, code int, msg string, contract market.Contract) {
	e.dispatch.Emit(broker.Event{Kind: broker.ErrorEvent, Err: &broker.APIError{
		ReqID:    reqID,
		Code:     code,
		Message:  msg,
		Contract: contract,
	}})
}
