package controller

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/livetrader/blotter"
	"github.com/rustyeddy/livetrader/broker"
	"github.com/rustyeddy/livetrader/broker/sim"
	"github.com/rustyeddy/livetrader/ledger"
	"github.com/rustyeddy/livetrader/market"
	"github.com/rustyeddy/livetrader/signal"
)

var es = market.Contract{Symbol: "ES", LocalSymbol: "ES", Exchange: "CME", Currency: "USD"}

func newTestController(t *testing.T, cfg Config) (*Controller, *sim.Engine) {
	t.Helper()
	d := broker.NewDispatcher()
	eng := sim.NewEngine(d)
	eng.SetQuote("ES", sim.Quote{Bid: 4999.75, Ask: 5000.00})
	c := New(cfg, eng, ledger.New(), zerolog.Nop())
	c.Bind(d)
	// reconcile against the empty sim, which also releases the hold
	require.NoError(t, c.Sync(context.Background()), "initial sync")
	return c, eng
}

func openPosition(t *testing.T, c *Controller, strategy string, sig int, unit float64) *broker.Trade {
	t.Helper()
	d := signal.Decision{Strategy: strategy, Signal: sig, Action: signal.Open, Target: sig}
	trade, err := c.ExecuteDecision(context.Background(), d, es, unit)
	require.NoError(t, err)
	return trade
}

func TestExecuteDecisionOpen(t *testing.T) {
	c, _ := newTestController(t, Config{})

	trade := openPosition(t, c, "es_breakout", 1, 2)

	assert.Equal(t, broker.Buy, trade.Order.Action)
	assert.Equal(t, 2.0, trade.Order.TotalQty)
	assert.Equal(t, 2.0, c.led.Position("es_breakout"))

	rec := c.led.Order(trade.Order.ID)
	require.NotNil(t, rec)
	assert.Equal(t, "OPEN", rec.Action)
	assert.NotEmpty(t, rec.Params.PositionID)
}

func TestExecuteDecisionCloseUsesRecordedPosition(t *testing.T) {
	c, _ := newTestController(t, Config{})
	openPosition(t, c, "es_breakout", 1, 2)

	d := signal.Decision{Strategy: "es_breakout", Signal: 0, Action: signal.Close, Target: 0}
	trade, err := c.ExecuteDecision(context.Background(), d, es, 2)
	require.NoError(t, err)

	assert.Equal(t, broker.Sell, trade.Order.Action)
	assert.Equal(t, 2.0, trade.Order.TotalQty)
	assert.Equal(t, 0.0, c.led.Position("es_breakout"))
	assert.Equal(t, 1, c.led.Locked("es_breakout"), "closing long sets long lock")
}

func TestExecuteDecisionCloseWhenFlat(t *testing.T) {
	c, _ := newTestController(t, Config{})
	c.led.GetOrCreate("es_breakout")

	d := signal.Decision{Strategy: "es_breakout", Signal: 0, Action: signal.Close}
	_, err := c.ExecuteDecision(context.Background(), d, es, 2)
	require.ErrorIs(t, err, ErrNoQuantity)
}

func TestExecuteDecisionReverse(t *testing.T) {
	c, _ := newTestController(t, Config{})
	openPosition(t, c, "es_breakout", 1, 2)

	d := signal.Decision{Strategy: "es_breakout", Signal: -1, Action: signal.Reverse, Target: -1}
	trade, err := c.ExecuteDecision(context.Background(), d, es, 2)
	require.NoError(t, err)

	assert.Equal(t, broker.Sell, trade.Order.Action)
	assert.Equal(t, 4.0, trade.Order.TotalQty, "reversal closes and reopens in one order")
	assert.Equal(t, -2.0, c.led.Position("es_breakout"))
}

func TestDuplicateFillDropped(t *testing.T) {
	c, eng := newTestController(t, Config{})
	eng.SetAutoFill(false)

	order := broker.Order{Action: broker.Buy, Type: broker.Market, TotalQty: 2}
	trade, err := c.Trade(context.Background(), "s1", es, order, "OPEN", ledger.OrderParams{})
	require.NoError(t, err)

	fill := &broker.Fill{
		Contract: es,
		Execution: broker.Execution{
			ExecID: "exec-1",
			PermID: trade.Order.PermID,
			Time:   time.Now(),
			Side:   broker.Buy,
			Shares: 2,
			Price:  5000,
		},
	}
	c.OnExecDetails(trade, fill)
	c.OnExecDetails(trade, fill)

	assert.Equal(t, 2.0, c.led.Position("s1"), "replayed execution must not double the position")
}

func TestHoldSuppressesOrderStatus(t *testing.T) {
	d := broker.NewDispatcher()
	eng := sim.NewEngine(d)
	eng.SetAutoFill(false)
	c := New(Config{}, eng, ledger.New(), zerolog.Nop())
	c.Bind(d)
	require.True(t, c.Holding())

	order := broker.Order{Action: broker.Buy, Type: broker.Limit, TotalQty: 1, LimitPrice: 4990}
	trade, err := eng.SubmitOrder(context.Background(), es, order)
	require.NoError(t, err)
	assert.Nil(t, c.led.Order(trade.Order.ID), "status events while holding must not create records")

	require.NoError(t, c.Sync(context.Background()))
	assert.False(t, c.Holding())

	rec := c.led.Order(trade.Order.ID)
	require.NotNil(t, rec, "reconciliation registers the order instead")
	assert.Equal(t, ledger.ActionManual, rec.Action)
}

type recordingWriter struct {
	records []blotter.Record
}

func (w *recordingWriter) WriteRecord(r blotter.Record) error {
	w.records = append(w.records, r)
	return nil
}

func (w *recordingWriter) Close() error { return nil }

func doneTrade(permID int, qty float64) (*broker.Trade, *broker.Fill, *broker.CommissionReport) {
	order := broker.Order{ID: 7, PermID: permID, Action: broker.Buy, Type: broker.Market, TotalQty: qty}
	trade := broker.NewTrade(es, order)
	report := &broker.CommissionReport{ExecID: "exec-7", Commission: 2.05, Currency: "USD"}
	fill := &broker.Fill{
		Contract: es,
		Execution: broker.Execution{
			ExecID: "exec-7",
			PermID: permID,
			Time:   time.Now(),
			Side:   broker.Buy,
			Shares: qty,
			Price:  5000,
		},
		Commission: report,
	}
	trade.AddFill(fill)
	trade.SetStatus(broker.OrderStatus{Status: broker.Filled, Filled: qty, AvgFillPrice: 5000})
	return trade, fill, report
}

func TestHoldSuppressesCommission(t *testing.T) {
	d := broker.NewDispatcher()
	eng := sim.NewEngine(d)
	c := New(Config{}, eng, ledger.New(), zerolog.Nop())
	c.Bind(d)

	w := &recordingWriter{}
	c.SetBlotter(blotter.New(w, true))

	trade, fill, report := doneTrade(77, 1)
	c.OnCommission(trade, fill, report)
	assert.Empty(t, w.records, "startup commission replay must not reach the blotter")

	require.NoError(t, c.Sync(context.Background()))
	c.OnCommission(trade, fill, report)
	assert.Len(t, w.records, 1)
}

func TestDuplicateCommissionNotDoubleLogged(t *testing.T) {
	d := broker.NewDispatcher()
	eng := sim.NewEngine(d)
	c := New(Config{}, eng, ledger.New(), zerolog.Nop())
	c.Bind(d)
	require.NoError(t, c.Sync(context.Background()))

	w := &recordingWriter{}
	c.SetBlotter(blotter.New(w, true))

	// The broker re-delivers commission reports after a re-sync; the
	// blotter row for a finalized trade must not repeat.
	trade, fill, report := doneTrade(99, 1)
	c.OnCommission(trade, fill, report)
	c.OnCommission(trade, fill, report)
	assert.Len(t, w.records, 1)
}

func TestZeroQuantityCommissionDiscarded(t *testing.T) {
	c, _ := newTestController(t, Config{})
	w := &recordingWriter{}
	c.SetBlotter(blotter.New(w, true))

	trade, fill, report := doneTrade(88, 0)
	c.OnCommission(trade, fill, report)
	assert.Empty(t, w.records)
}

func TestManualTradeSynthesizesStrategy(t *testing.T) {
	c, eng := newTestController(t, Config{})

	trade := eng.ManualTrade(context.Background(), es, broker.Buy, 1)

	assert.Equal(t, 1.0, c.led.Position("manual_strategy_ES"))
	rec := c.led.Order(trade.Order.ID)
	require.NotNil(t, rec)
	assert.Equal(t, "manual_strategy_ES", rec.Strategy)
}

func TestManualTradeJoinsActiveStrategy(t *testing.T) {
	c, eng := newTestController(t, Config{})
	openPosition(t, c, "es_trend", 1, 2)

	eng.ManualTrade(context.Background(), es, broker.Sell, 1)

	assert.Equal(t, 1.0, c.led.Position("es_trend"),
		"with a single active strategy on the contract the manual fill joins it")
	assert.Nil(t, c.led.Strategy("manual_strategy_ES"))
}

func TestUnknownTradePrefersUnguardedStrategy(t *testing.T) {
	c, eng := newTestController(t, Config{})
	openPosition(t, c, "alpha", 1, 2)
	openPosition(t, c, "beta", 1, 2)

	eng.SetAutoFill(false)
	stop := broker.Order{Action: broker.Sell, Type: broker.Stop, TotalQty: 2, AuxPrice: 4950}
	_, err := c.Trade(context.Background(), "alpha", es, stop, "STOP", ledger.OrderParams{})
	require.NoError(t, err)
	require.Len(t, c.led.RestingOrders("alpha"), 1)

	// a fill for an order the ledger has never seen
	eng.SetAutoFill(true)
	trade, err := eng.SubmitOrder(context.Background(), es,
		broker.Order{Action: broker.Sell, Type: broker.Market, TotalQty: 1})
	require.NoError(t, err)

	assert.Equal(t, 2.0, c.led.Position("alpha"), "guarded strategy untouched")
	assert.Equal(t, 1.0, c.led.Position("beta"), "fill attributed to the strategy without resting orders")
	assert.Equal(t, "beta", c.led.Order(trade.Order.ID).Strategy)
}

func TestUnknownTradeSynthesizesStrategy(t *testing.T) {
	c, eng := newTestController(t, Config{})

	_, err := eng.SubmitOrder(context.Background(), es,
		broker.Order{Action: broker.Buy, Type: broker.Market, TotalQty: 3})
	require.NoError(t, err)

	assert.Equal(t, 3.0, c.led.Position("unknown_ES"))
}

func TestCancelStrayOrders(t *testing.T) {
	c, eng := newTestController(t, Config{CancelStrayOrders: true})
	openPosition(t, c, "es_trend", 1, 2)

	eng.SetAutoFill(false)
	stop := broker.Order{Action: broker.Sell, Type: broker.Stop, TotalQty: 2, AuxPrice: 4950}
	stopTrade, err := c.Trade(context.Background(), "es_trend", es, stop, "STOP", ledger.OrderParams{})
	require.NoError(t, err)

	eng.SetAutoFill(true)
	d := signal.Decision{Strategy: "es_trend", Signal: 0, Action: signal.Close}
	_, err = c.ExecuteDecision(context.Background(), d, es, 2)
	require.NoError(t, err)

	assert.Equal(t, 0.0, c.led.Position("es_trend"))
	assert.Equal(t, broker.Cancelled, stopTrade.Status().Status,
		"stop left behind by a flat strategy gets cancelled")
}

func TestErrorCodeThreshold(t *testing.T) {
	var buf bytes.Buffer
	d := broker.NewDispatcher()
	eng := sim.NewEngine(d)
	eng.SetQuote("ES", sim.Quote{Bid: 4999.75, Ask: 5000.00})
	c := New(Config{}, eng, ledger.New(), zerolog.New(&buf))
	c.Bind(d)
	require.NoError(t, c.Sync(context.Background()))

	order := broker.Order{Action: broker.Buy, Type: broker.Limit, TotalQty: 1, LimitPrice: 4990}
	eng.SetAutoFill(false)
	trade, err := c.Trade(context.Background(), "es_trend", es, order, "OPEN", ledger.OrderParams{})
	require.NoError(t, err)

	buf.Reset()
	eng.EmitError(trade.Order.ID, 201, "order rejected", es)
	out := buf.String()
	assert.Contains(t, out, "broker error")
	assert.Contains(t, out, "es_trend", "error resolved to the owning strategy")

	buf.Reset()
	eng.EmitError(0, 2104, "market data farm connection is OK", es)
	assert.NotContains(t, buf.String(), "broker error", "notices are not interpreted")
}

func TestPostDropsAfterShutdown(t *testing.T) {
	c, _ := newTestController(t, Config{})

	// A delayed verification firing after the run loop has exited:
	// nobody drains the queue any more, so the post must not block.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c.runCtx = ctx
	c.queue = make(chan func())

	posted := make(chan struct{})
	go func() {
		c.post(func() {})
		close(posted)
	}()
	select {
	case <-posted:
	case <-time.After(time.Second):
		t.Fatal("post blocked after run loop exit")
	}
}

func TestVerifyTransactionIntegrity(t *testing.T) {
	var buf bytes.Buffer
	d := broker.NewDispatcher()
	eng := sim.NewEngine(d)
	eng.SetQuote("ES", sim.Quote{Bid: 4999.75, Ask: 5000.00})
	c := New(Config{}, eng, ledger.New(), zerolog.New(&buf))
	c.Bind(d)
	require.NoError(t, c.Sync(context.Background()))

	openPosition(t, c, "es_trend", 1, 2)

	buf.Reset()
	c.verifyTransactionIntegrity("es_trend", 2)
	assert.Contains(t, buf.String(), "strategy position verified")
	assert.Contains(t, buf.String(), "contract position verified")

	buf.Reset()
	c.verifyTransactionIntegrity("es_trend", -2)
	assert.Contains(t, buf.String(), "strategy position mismatch")

	buf.Reset()
	c.verifyTransactionIntegrity("nonexistent", 0)
	assert.Contains(t, buf.String(), "verification for unknown strategy")
	assert.True(t, strings.Contains(buf.String(), `"critical":true`))
}
