// Package controller is the reconciliation core: it keeps the ledger
// consistent with broker state, attributes broker-originated events to
// strategies, and drives the escalating shutdown procedure.
package controller

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rustyeddy/livetrader/blotter"
	"github.com/rustyeddy/livetrader/broker"
	"github.com/rustyeddy/livetrader/internal/id"
	"github.com/rustyeddy/livetrader/internal/logging"
	"github.com/rustyeddy/livetrader/ledger"
	"github.com/rustyeddy/livetrader/market"
	"github.com/rustyeddy/livetrader/metrics"
	"github.com/rustyeddy/livetrader/signal"
)

// Error codes at or above this threshold are broker notices, not
// order-relevant errors, and are not interpreted here.
const errorCodeThreshold = 400

// Config tunes the controller. Zero durations disable the feature.
type Config struct {
	// SyncFrequency is the period of the reconciliation timer.
	SyncFrequency time.Duration
	// VerificationDelay is the wait before comparing a transaction's
	// intended effect against ledger and broker state.
	VerificationDelay time.Duration
	// CancelStrayOrders enables cleanup of resting orders left behind
	// by strategies that went flat.
	CancelStrayOrders bool
	// ShutdownPollInterval and ShutdownPollLimit bound the shutdown
	// procedure's wait for terminal order states.
	ShutdownPollInterval time.Duration
	ShutdownPollLimit    int
	// ColdStart skips the ledger restore on startup.
	ColdStart bool
	// Reset flattens all positions and clears the ledger on startup.
	Reset bool
	// LogBrokerEvents registers the non-essential logging handlers.
	LogBrokerEvents bool
}

func (c Config) withDefaults() Config {
	if c.ShutdownPollInterval <= 0 {
		c.ShutdownPollInterval = time.Second
	}
	if c.ShutdownPollLimit <= 0 {
		c.ShutdownPollLimit = 10
	}
	return c
}

type followUp struct {
	strategy string
	contract market.Contract
	action   broker.Side
	qty      float64
}

// Controller reacts to the serialized broker event stream. All state
// mutation happens on a single owner goroutine (the Run loop); the
// queue serializes handler execution, timers and delayed verifications
// post back onto it.
type Controller struct {
	gw    broker.Gateway
	led   *ledger.Ledger
	cfg   Config
	log   zerolog.Logger
	store *ledger.Store
	blt   *blotter.Blotter

	hold      bool
	followUps map[int]followUp

	qmu    sync.Mutex
	queue  chan func()
	runCtx context.Context

	// submitDepth defers inline event handling while an order
	// submission is being recorded, so no handler observes an order
	// before its ledger record exists.
	submitDepth int
	deferred    []func()
}

func New(cfg Config, gw broker.Gateway, led *ledger.Ledger, log zerolog.Logger) *Controller {
	c := &Controller{
		gw:        gw,
		led:       led,
		cfg:       cfg.withDefaults(),
		log:       log.With().Str("component", "controller").Logger(),
		followUps: make(map[int]followUp),
		runCtx:    context.Background(),
	}
	c.setHold()
	return c
}

// SetStore attaches the persistent ledger store.
func (c *Controller) SetStore(s *ledger.Store) { c.store = s }

// SetBlotter attaches the trade/commission sink.
func (c *Controller) SetBlotter(b *blotter.Blotter) { c.blt = b }

// Bind subscribes the controller to a broker event dispatcher. The
// essential handlers go in first, logging handlers in a second pass.
func (c *Controller) Bind(d *broker.Dispatcher) {
	d.Subscribe(broker.ExecDetailsEvent, func(ev broker.Event) {
		c.post(func() { c.OnExecDetails(ev.Trade, ev.Fill) })
	})
	d.Subscribe(broker.NewOrderEvent, func(ev broker.Event) {
		c.post(func() { c.OnNewOrder(ev.Trade) })
	})
	d.Subscribe(broker.OrderStatusEvent, func(ev broker.Event) {
		c.post(func() { c.OnOrderStatus(ev.Trade) })
	})
	d.Subscribe(broker.CommissionEvent, func(ev broker.Event) {
		c.post(func() { c.OnCommission(ev.Trade, ev.Fill, ev.Report) })
	})
	d.Subscribe(broker.ErrorEvent, func(ev broker.Event) {
		c.post(func() { c.OnError(ev.Err) })
	})

	// second pass: non-essential logging handlers
	d.Subscribe(broker.OrderStatusEvent, func(ev broker.Event) {
		c.post(func() { c.logOrderStatus(ev.Trade) })
	})
	if c.cfg.LogBrokerEvents {
		d.Subscribe(broker.NewOrderEvent, func(ev broker.Event) {
			c.post(func() { c.logNewOrder(ev.Trade) })
		})
	}
}

// post hands fn to the owner goroutine, or runs it inline when the
// loop is not up (startup, tests). Once the run context is cancelled
// nobody drains the queue, so late posts (delayed verification timers)
// are dropped rather than left blocking.
func (c *Controller) post(fn func()) {
	c.qmu.Lock()
	if c.queue != nil {
		q := c.queue
		done := c.runCtx.Done()
		c.qmu.Unlock()
		select {
		case q <- fn:
		case <-done:
		}
		return
	}
	if c.submitDepth > 0 {
		c.deferred = append(c.deferred, fn)
		c.qmu.Unlock()
		return
	}
	c.qmu.Unlock()
	fn()
}

func (c *Controller) deferEvents() {
	c.qmu.Lock()
	c.submitDepth++
	c.qmu.Unlock()
}

func (c *Controller) drainEvents() {
	c.qmu.Lock()
	c.submitDepth--
	if c.submitDepth > 0 {
		c.qmu.Unlock()
		return
	}
	pending := c.deferred
	c.deferred = nil
	c.qmu.Unlock()
	for _, fn := range pending {
		fn()
	}
}

func (c *Controller) setHold() {
	c.hold = true
	c.log.Debug().Msg("hold set")
}

func (c *Controller) releaseHold() {
	if c.hold {
		c.hold = false
		c.log.Debug().Msg("hold released")
	}
}

// Holding reports whether event processing is suppressed.
func (c *Controller) Holding() bool { return c.hold }

// Run restores state, reconciles with the broker and then serves the
// event queue until the context is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	c.runCtx = ctx
	c.setHold()

	if c.cfg.ColdStart {
		c.log.Debug().Msg("starting cold, ledger not read from store")
	} else if c.store != nil {
		if err := c.store.Restore(c.led); err != nil {
			// Restore failure is non-fatal: degrade to cold start.
			c.log.Error().Err(err).Msg("ledger restore failed, continuing cold")
		} else {
			c.log.Info().Msg("ledger restored from store")
		}
	}

	if err := c.Sync(ctx); err != nil {
		return err
	}

	if c.cfg.Reset {
		if err := c.Terminate(ctx); err != nil {
			c.log.Error().Err(err).Msg("reset termination failed")
		}
		c.led.ClearAll()
		c.cfg.Reset = false
		c.log.Info().Msg("reset complete, ledger cleared")
	}

	c.logStartupState(ctx)

	c.qmu.Lock()
	c.queue = make(chan func(), 1024)
	q := c.queue
	c.qmu.Unlock()

	var tick <-chan time.Time
	if c.cfg.SyncFrequency > 0 {
		ticker := time.NewTicker(c.cfg.SyncFrequency)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			c.saveState()
			return ctx.Err()
		case fn := <-q:
			fn()
		case <-tick:
			if err := c.Sync(ctx); err != nil {
				c.log.Error().Err(err).Msg("periodic sync failed")
			}
		}
	}
}

func (c *Controller) logStartupState(ctx context.Context) {
	if positions, err := c.gw.Positions(ctx); err == nil {
		dict := zerolog.Dict()
		for contract, pos := range positions {
			dict.Float64(contract.Symbol, pos)
		}
		c.log.Info().Dict("positions", dict).Msg("open positions on startup")
	}
	if open, err := c.gw.OpenOrders(ctx); err == nil {
		arr := zerolog.Arr()
		for _, t := range open {
			arr.Str(fmt.Sprintf("%s %s %v id=%d",
				t.Contract.Symbol, t.Order.Action, t.Order.TotalQty, t.Order.ID))
		}
		c.log.Info().Array("orders", arr).Msg("working orders on startup")
	}
}

func (c *Controller) saveState() {
	if c.store == nil {
		return
	}
	if err := c.store.Save(c.led); err != nil {
		c.log.Error().Err(err).Msg("ledger save failed")
	}
}

// Trade submits an order on behalf of a strategy and records it.
func (c *Controller) Trade(ctx context.Context, strategy string, contract market.Contract,
	order broker.Order, action string, params ledger.OrderParams) (*broker.Trade, error) {

	c.deferEvents()
	trade, err := c.gw.SubmitOrder(ctx, contract, order)
	if err == nil {
		c.led.RegisterOrder(strategy, action, trade, params)
	}
	c.drainEvents()
	if err != nil {
		return nil, fmt.Errorf("submit %s for %s: %w", action, strategy, err)
	}
	metrics.OrdersSubmitted.WithLabelValues(contract.Symbol, action).Inc()
	c.log.Info().
		Str("strategy", strategy).
		Str("action", action).
		Str("contract", contract.String()).
		Str("side", string(order.Action)).
		Float64("qty", order.TotalQty).
		Int("order_id", trade.Order.ID).
		Msg("order submitted")
	return trade, nil
}

// Cancel requests cancellation of a working order.
func (c *Controller) Cancel(ctx context.Context, trade *broker.Trade) error {
	if err := c.gw.CancelOrder(ctx, trade); err != nil {
		return fmt.Errorf("cancel order %d: %w", trade.Order.ID, err)
	}
	metrics.OrdersCancelled.Inc()
	return nil
}

func sideFor(sig int) broker.Side {
	if sig < 0 {
		return broker.Sell
	}
	return broker.Buy
}

// ErrNoQuantity is returned when a decision resolves to a zero-size
// order (e.g. CLOSE with no recorded position).
var ErrNoQuantity = errors.New("decision resolves to zero quantity")

// ExecuteDecision turns a signal decision into a market order. unit is
// the position size an OPEN takes; CLOSE and REVERSE derive their size
// from the recorded position.
func (c *Controller) ExecuteDecision(ctx context.Context, d signal.Decision,
	contract market.Contract, unit float64) (*broker.Trade, error) {

	pos := c.led.Position(d.Strategy)
	var side broker.Side
	var qty float64
	params := ledger.OrderParams{}

	switch d.Action {
	case signal.Open:
		side = sideFor(d.Signal)
		qty = unit
		params.PositionID = id.New()
	case signal.Close:
		side = broker.Opposite(pos)
		qty = math.Abs(pos)
	case signal.Reverse:
		side = sideFor(d.Signal)
		qty = math.Abs(pos) + unit
		params.PositionID = id.New()
	}
	if qty == 0 {
		return nil, fmt.Errorf("%s %s: %w", d.Action, d.Strategy, ErrNoQuantity)
	}
	if s := c.led.Strategy(d.Strategy); s != nil && params.PositionID == "" {
		params.PositionID = s.PositionID
	}

	order := broker.Order{Action: side, Type: broker.Market, TotalQty: qty, TIF: "DAY"}
	trade, err := c.Trade(ctx, d.Strategy, contract, order, string(d.Action), params)
	if err != nil {
		return nil, err
	}

	c.scheduleVerification(d.Strategy, float64(d.Target)*unit)
	return trade, nil
}

// scheduleVerification arranges a post-trade integrity check after the
// configured delay. The check is a monitoring signal only; mismatches
// are logged, never corrected.
func (c *Controller) scheduleVerification(strategy string, target float64) {
	if c.cfg.VerificationDelay <= 0 {
		return
	}
	time.AfterFunc(c.cfg.VerificationDelay, func() {
		c.post(func() { c.verifyTransactionIntegrity(strategy, target) })
	})
}

func (c *Controller) verifyTransactionIntegrity(strategy string, target float64) {
	s := c.led.Strategy(strategy)
	if s == nil {
		logging.Critical(c.log).Str("strategy", strategy).
			Msg("verification for unknown strategy")
		return
	}

	if s.Position == target {
		c.log.Debug().Str("strategy", strategy).Float64("position", s.Position).
			Msg("strategy position verified")
	} else {
		c.log.Error().
			Str("strategy", strategy).
			Float64("target", target).
			Float64("position", s.Position).
			Msg("strategy position mismatch")
	}

	symbol := s.ActiveContract.Symbol
	ledgerTotal := c.led.TotalPosition(symbol)
	brokerTotal := c.brokerPosition(symbol)
	if ledgerTotal == brokerTotal {
		c.log.Debug().Str("symbol", symbol).Float64("position", brokerTotal).
			Msg("contract position verified")
	} else {
		c.log.Error().
			Str("symbol", symbol).
			Float64("broker", brokerTotal).
			Float64("ledger", ledgerTotal).
			Msg("contract position mismatch")
	}
}

func (c *Controller) brokerPosition(symbol string) float64 {
	positions, err := c.gw.Positions(c.runCtx)
	if err != nil {
		c.log.Error().Err(err).Msg("broker positions unavailable")
		return 0
	}
	var total float64
	for contract, pos := range positions {
		if contract.Symbol == symbol {
			total += pos
		}
	}
	return total
}

// OnNewOrder checks that an order appearing at the broker is known to
// the ledger. Negative ids are manual orders and expected.
func (c *Controller) OnNewOrder(trade *broker.Trade) {
	c.log.Debug().Int("order_id", trade.Order.ID).Int("perm_id", trade.Order.PermID).
		Msg("new order event")
	if trade.Order.Manual() || c.led.Order(trade.Order.ID) != nil {
		return
	}
	logging.Critical(c.log).
		Int("order_id", trade.Order.ID).
		Str("symbol", trade.Contract.Symbol).
		Msg("order at broker with no local explanation")
}

// OnOrderStatus upserts an order-status snapshot into the ledger.
// Suppressed while holding so startup replays don't mutate records.
func (c *Controller) OnOrderStatus(trade *broker.Trade) {
	if c.hold {
		return
	}
	c.led.SaveOrderStatus(trade)

	if trade.Status().Status == broker.Cancelled {
		c.submitFollowUp(trade)
	}
}

// submitFollowUp places the market order registered against a
// cancelled stop, preserving flattening intent past the cancellation.
func (c *Controller) submitFollowUp(trade *broker.Trade) {
	fu, ok := c.followUps[trade.Order.ID]
	if !ok {
		return
	}
	delete(c.followUps, trade.Order.ID)

	order := broker.Order{
		Action:     fu.action,
		Type:       broker.Market,
		TotalQty:   fu.qty,
		TIF:        "DAY",
		OutsideRTH: true,
	}
	if _, err := c.Trade(c.runCtx, fu.strategy, fu.contract, order, ledger.ActionReset,
		ledger.OrderParams{}); err != nil {
		c.log.Error().Err(err).Int("order_id", trade.Order.ID).
			Msg("follow-up order failed")
	}
}

// OnExecDetails attributes a fill to a strategy and applies it to the
// strategy's position. This is the only path that mutates positions.
func (c *Controller) OnExecDetails(trade *broker.Trade, fill *broker.Fill) {
	if fill == nil {
		return
	}
	if !c.led.MarkExec(fill.Execution.ExecID) {
		c.log.Debug().Str("exec_id", fill.Execution.ExecID).Msg("duplicate fill dropped")
		return
	}

	strat := c.assignManualTrade(trade)
	if strat == nil {
		strat = c.strategyForTrade(trade)
	}
	if strat == nil {
		strat = c.assignUnknownTrade(trade)
	}
	c.registerFill(strat, trade, fill)
}

func (c *Controller) strategyForTrade(trade *broker.Trade) *ledger.Strategy {
	rec := c.led.Order(trade.Order.ID)
	if rec == nil || rec.Strategy == "" {
		return nil
	}
	return c.led.GetOrCreate(rec.Strategy)
}

func (c *Controller) registerFill(strat *ledger.Strategy, trade *broker.Trade, fill *broker.Fill) {
	var delta float64
	switch fill.Execution.Side {
	case broker.Buy:
		delta = fill.Execution.Shares
	case broker.Sell:
		delta = -fill.Execution.Shares
	default:
		logging.Critical(c.log).
			Str("exec_id", fill.Execution.ExecID).
			Str("side", string(fill.Execution.Side)).
			Str("strategy", strat.Key).
			Msg("ambiguous fill side")
		return
	}

	position := c.led.ApplyFill(strat.Key, delta)
	metrics.FillsRegistered.WithLabelValues(trade.Contract.Symbol).Inc()
	c.log.Debug().
		Int("order_id", trade.Order.ID).
		Int("perm_id", trade.Order.PermID).
		Str("side", string(fill.Execution.Side)).
		Str("strategy", strat.Key).
		Float64("position", position).
		Msg("fill registered")

	if c.cfg.CancelStrayOrders && position == 0 && trade.Done() {
		c.cleanupRestingOrders(strat.Key)
	}
}

// cleanupRestingOrders cancels stop/take-profit orders left behind by
// a strategy with no position.
func (c *Controller) cleanupRestingOrders(strategy string) {
	for _, rec := range c.led.RestingOrders(strategy) {
		if rec.Trade == nil {
			continue
		}
		c.log.Debug().
			Str("strategy", strategy).
			Str("action", rec.Action).
			Int("order_id", rec.OrderID).
			Msg("resting order cleanup")
		if err := c.Cancel(c.runCtx, rec.Trade); err != nil {
			c.log.Error().Err(err).Int("order_id", rec.OrderID).Msg("cleanup cancel failed")
		}
	}
}

// OnCommission forwards a finalized trade to the blotter. Suppressed
// while holding so the broker's startup replay of the session's
// commissions is not logged twice.
func (c *Controller) OnCommission(trade *broker.Trade, fill *broker.Fill, report *broker.CommissionReport) {
	if c.hold {
		return
	}
	if fill != nil && fill.Commission == nil {
		fill.Commission = report
	}

	rec := c.led.Order(trade.Order.ID)
	var meta blotter.Meta
	if rec != nil {
		meta = blotter.MetaFromOrder(rec)
	} else if trade.Order.TotalQty == 0 {
		// zero-quantity echo, a known broker artifact
		return
	}

	if c.blt == nil {
		return
	}
	done, err := c.blt.LogCommission(trade, meta)
	if err != nil {
		c.log.Error().Err(err).Int("order_id", trade.Order.ID).Msg("blotter write failed")
		return
	}
	if done {
		metrics.TradesLogged.Inc()
		c.log.Debug().
			Int("order_id", trade.Order.ID).
			Str("strategy", meta.Strategy).
			Msg("trade logged to blotter")
	}
}

// OnError resolves order context for order-relevant error codes.
func (c *Controller) OnError(apiErr *broker.APIError) {
	if apiErr == nil || apiErr.Code >= errorCodeThreshold {
		return
	}

	strategy, action := "", ""
	if rec := c.led.Order(apiErr.ReqID); rec != nil {
		strategy, action = rec.Strategy, rec.Action
	}
	c.log.Error().
		Int("code", apiErr.Code).
		Str("message", apiErr.Message).
		Str("symbol", apiErr.Contract.Symbol).
		Str("strategy", strategy).
		Str("action", action).
		Int("order_id", apiErr.ReqID).
		Msg("broker error")
}

func (c *Controller) logOrderStatus(trade *broker.Trade) {
	if c.hold {
		return
	}
	st := trade.Status()
	switch {
	case trade.Order.Manual():
		c.log.Warn().
			Int("order_id", trade.Order.ID).
			Str("status", string(st.Status)).
			Msg("manual order status update")
	case st.Status.Done():
		c.log.Debug().
			Str("symbol", trade.Contract.Symbol).
			Int("order_id", trade.Order.ID).
			Str("type", string(trade.Order.Type)).
			Str("status", string(st.Status)).
			Msg("order done")
	default:
		c.log.Info().
			Str("symbol", trade.Contract.Symbol).
			Int("order_id", trade.Order.ID).
			Str("status", string(st.Status)).
			Msg("order status")
	}
}

func (c *Controller) logNewOrder(trade *broker.Trade) {
	c.log.Debug().
		Int("order_id", trade.Order.ID).
		Str("contract", trade.Contract.String()).
		Str("side", string(trade.Order.Action)).
		Float64("qty", trade.Order.TotalQty).
		Msg("new order")
}
