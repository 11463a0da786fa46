// Package blotter is the trade/commission sink: finalized trades are
// logged durably, one row per order, only after every fill on the
// order has its commission report.
package blotter

import (
	"encoding/json"
	"time"

	"github.com/rustyeddy/livetrader/broker"
	"github.com/rustyeddy/livetrader/ledger"
)

// Record is one finalized trade row.
type Record struct {
	LocalTime    time.Time `json:"local_time"`
	SysTime      time.Time `json:"sys_time"`
	LastFillTime time.Time `json:"last_fill_time"`
	Contract     string    `json:"contract"` // venue-local symbol
	Symbol       string    `json:"symbol"`
	Side         string    `json:"side"`
	OrderType    string    `json:"order_type"`
	OrderPrice   float64   `json:"order_price"`
	Amount       float64   `json:"amount"` // unsigned filled quantity
	Price        float64   `json:"price"`  // average fill price
	OrderID      int       `json:"order_id"`
	PermID       int       `json:"perm_id"`
	Commission   float64   `json:"commission"`
	RealizedPNL  float64   `json:"realized_pnl"`
	Fills        string    `json:"fills"` // per-fill execution detail, JSON

	Strategy   string    `json:"strategy"`
	Action     string    `json:"action"`
	PositionID string    `json:"position_id"`
	PriceTime  time.Time `json:"price_time"`
	Bid        float64   `json:"bid"`
	Ask        float64   `json:"ask"`
}

// Meta carries the order's ledger context into the record.
type Meta struct {
	Strategy   string
	Action     string
	PositionID string
	PriceTime  time.Time
	Bid        float64
	Ask        float64
}

// MetaFromOrder extracts blotter context from a ledger order record.
func MetaFromOrder(rec *ledger.OrderRecord) Meta {
	return Meta{
		Strategy:   rec.Strategy,
		Action:     rec.Action,
		PositionID: rec.Params.PositionID,
		PriceTime:  rec.Params.ArrivalTime,
		Bid:        rec.Params.ArrivalBid,
		Ask:        rec.Params.ArrivalAsk,
	}
}

// Writer stores finalized records. Implementations: CSV, SQLite.
type Writer interface {
	WriteRecord(Record) error
	Close() error
}

// Blotter assembles trade rows from commission events and decides when
// a trade is final.
//
// In immediate mode every finalized trade is written as it completes
// (live trading). Otherwise rows are buffered until Save is called.
type Blotter struct {
	w         Writer
	immediate bool
	rows      []Record
	logged    map[int]bool
}

func New(w Writer, immediate bool) *Blotter {
	return &Blotter{w: w, immediate: immediate, logged: make(map[int]bool)}
}

type fillDetail struct {
	ExecID string  `json:"exec_id"`
	Time   string  `json:"time"`
	Side   string  `json:"side"`
	Shares float64 `json:"shares"`
	Price  float64 `json:"price"`
}

// LogCommission inspects the trade after a commission report has been
// attached to one of its fills and logs the trade once it is done and
// all its fills carry reports. A trade with partial commissions is not
// yet final. Each order finalizes at most once: commission reports
// replayed after a re-sync must not write a second row. Returns true
// when a record was produced.
func (b *Blotter) LogCommission(trade *broker.Trade, meta Meta) (bool, error) {
	key := trade.Order.PermID
	if key == 0 {
		key = trade.Order.ID
	}
	if b.logged[key] {
		return false, nil
	}

	// The broker occasionally reports fills belonging to other orders
	// on the same handle; the perm id filters those out.
	fills := make([]*broker.Fill, 0, 4)
	withComms := 0
	for _, f := range trade.Fills() {
		if f.Execution.PermID != trade.Order.PermID {
			continue
		}
		fills = append(fills, f)
		if f.Commission != nil && f.Commission.ExecID != "" {
			withComms++
		}
	}

	if !trade.Done() || len(fills) == 0 || withComms != len(fills) {
		return false, nil
	}
	if err := b.logTrade(trade, fills, meta); err != nil {
		return false, err
	}
	b.logged[key] = true
	return true, nil
}

func (b *Blotter) logTrade(trade *broker.Trade, fills []*broker.Fill, meta Meta) error {
	var commission, pnl float64
	details := make([]fillDetail, 0, len(fills))
	var lastFill time.Time
	for _, f := range fills {
		commission += f.Commission.Commission
		pnl += f.Commission.RealizedPNL
		if f.Time.After(lastFill) {
			lastFill = f.Time
		}
		details = append(details, fillDetail{
			ExecID: f.Execution.ExecID,
			Time:   f.Execution.Time.UTC().Format(time.RFC3339Nano),
			Side:   string(f.Execution.Side),
			Shares: f.Execution.Shares,
			Price:  f.Execution.Price,
		})
	}
	detailJSON, err := json.Marshal(details)
	if err != nil {
		return err
	}

	orderPrice := trade.Order.LimitPrice
	if orderPrice == 0 {
		orderPrice = trade.Order.AuxPrice
	}

	st := trade.Status()
	rec := Record{
		LocalTime:    time.Now(),
		SysTime:      time.Now().UTC(),
		LastFillTime: lastFill,
		Contract:     trade.Contract.LocalSymbol,
		Symbol:       trade.Contract.Symbol,
		Side:         string(trade.Order.Action),
		OrderType:    string(trade.Order.Type),
		OrderPrice:   orderPrice,
		Amount:       st.Filled,
		Price:        st.AvgFillPrice,
		OrderID:      trade.Order.ID,
		PermID:       trade.Order.PermID,
		Commission:   commission,
		RealizedPNL:  pnl,
		Fills:        string(detailJSON),
		Strategy:     meta.Strategy,
		Action:       meta.Action,
		PositionID:   meta.PositionID,
		PriceTime:    meta.PriceTime,
		Bid:          meta.Bid,
		Ask:          meta.Ask,
	}

	if b.immediate {
		return b.w.WriteRecord(rec)
	}
	b.rows = append(b.rows, rec)
	return nil
}

// Save flushes buffered rows to the writer.
func (b *Blotter) Save() error {
	for _, rec := range b.rows {
		if err := b.w.WriteRecord(rec); err != nil {
			return err
		}
	}
	b.rows = nil
	return nil
}

// Buffered returns the number of rows held back in deferred mode.
func (b *Blotter) Buffered() int { return len(b.rows) }

func (b *Blotter) Close() error {
	if err := b.Save(); err != nil {
		return err
	}
	return b.w.Close()
}
