package controller

import (
	"context"
	"fmt"
	"sort"

	"github.com/rustyeddy/livetrader/broker"
	"github.com/rustyeddy/livetrader/ledger"
	"github.com/rustyeddy/livetrader/metrics"
)

// OrderSyncReport classifies discrepancies between the broker's open
// orders and the ledger's active order records.
type OrderSyncReport struct {
	// UnknownToLedger are broker orders with no ledger record.
	UnknownToLedger []*broker.Trade
	// MissingAtBroker are ledger-active records the broker reports
	// closed or doesn't report at all.
	MissingAtBroker []*ledger.OrderRecord
}

func buildOrderSyncReport(open []*broker.Trade, led *ledger.Ledger) OrderSyncReport {
	var report OrderSyncReport

	working := make(map[int]*broker.Trade, len(open))
	for _, t := range open {
		working[t.Order.ID] = t
		if led.Order(t.Order.ID) == nil {
			report.UnknownToLedger = append(report.UnknownToLedger, t)
		}
	}
	for _, rec := range led.ActiveOrders() {
		if t, ok := working[rec.OrderID]; !ok || t.Done() {
			report.MissingAtBroker = append(report.MissingAtBroker, rec)
		}
	}
	return report
}

// PositionDiff is one instrument whose broker position disagrees with
// the sum of ledger strategy positions.
type PositionDiff struct {
	Symbol string
	Broker float64
	Ledger float64
}

// PositionSyncReport lists per-instrument position mismatches.
type PositionSyncReport struct {
	Diffs []PositionDiff
}

func buildPositionSyncReport(positions map[string]float64, led *ledger.Ledger) PositionSyncReport {
	ledgerPositions := led.ContractPositions()

	symbols := make(map[string]bool, len(positions)+len(ledgerPositions))
	for sym := range positions {
		symbols[sym] = true
	}
	for sym := range ledgerPositions {
		symbols[sym] = true
	}

	var report PositionSyncReport
	for sym := range symbols {
		b, l := positions[sym], ledgerPositions[sym]
		if b != l {
			report.Diffs = append(report.Diffs, PositionDiff{Symbol: sym, Broker: b, Ledger: l})
		}
	}
	sort.Slice(report.Diffs, func(i, j int) bool {
		return report.Diffs[i].Symbol < report.Diffs[j].Symbol
	})
	return report
}

// Sync reconciles the ledger against broker state. The hold is
// released after the order report is computed but before it is
// resolved, so fills generated while resolving discrepancies are
// processed normally rather than dropped.
func (c *Controller) Sync(ctx context.Context) error {
	c.log.Debug().Msg("--- sync ---")
	c.setHold()

	open, err := c.gw.OpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("sync open orders: %w", err)
	}
	orderReport := buildOrderSyncReport(open, c.led)

	c.releaseHold()
	c.resolveOrderReport(orderReport)

	positions, err := c.gw.Positions(ctx)
	if err != nil {
		return fmt.Errorf("sync positions: %w", err)
	}
	bySymbol := make(map[string]float64, len(positions))
	for contract, pos := range positions {
		bySymbol[contract.Symbol] += pos
	}
	positionReport := buildPositionSyncReport(bySymbol, c.led)
	c.resolvePositionReport(positionReport)

	metrics.SyncsRun.Inc()
	c.saveState()
	c.log.Debug().Msg("--- sync completed ---")
	return nil
}

// resolveOrderReport registers unknown broker orders as manual and
// deactivates records the broker no longer reports working.
func (c *Controller) resolveOrderReport(report OrderSyncReport) {
	for _, t := range report.UnknownToLedger {
		c.log.Warn().
			Int("order_id", t.Order.ID).
			Str("symbol", t.Contract.Symbol).
			Str("side", string(t.Order.Action)).
			Float64("qty", t.Order.TotalQty).
			Msg("broker order unknown to ledger, registered as manual")
		c.led.SaveOrderStatus(t)
	}
	for _, rec := range report.MissingAtBroker {
		c.log.Debug().
			Int("order_id", rec.OrderID).
			Str("strategy", rec.Strategy).
			Str("action", rec.Action).
			Msg("ledger-active order closed at broker, deactivated")
		c.led.MarkInactive(rec.OrderID)
	}
}

// resolvePositionReport logs mismatches. Positions are never corrected
// here; correction only happens through broker-confirmed fills.
func (c *Controller) resolvePositionReport(report PositionSyncReport) {
	for _, diff := range report.Diffs {
		c.log.Error().
			Str("symbol", diff.Symbol).
			Float64("broker", diff.Broker).
			Float64("ledger", diff.Ledger).
			Msg("position mismatch")
	}
}
