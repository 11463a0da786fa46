// blotter/csv.go
package blotter

import (
	"encoding/csv"
	"os"
	"strconv"
	"time"
)

var csvHeader = []string{
	"local_time", "sys_time", "last_fill_time", "contract", "symbol",
	"side", "order_type", "order_price", "amount", "price",
	"order_id", "perm_id", "commission", "realized_pnl", "fills",
	"strategy", "action", "position_id", "price_time", "bid", "ask",
}

type CSVWriter struct {
	w *csv.Writer
	f *os.File
}

func NewCSV(path string) (*CSVWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w := csv.NewWriter(f)
	if err := w.Write(csvHeader); err != nil {
		return nil, err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return &CSVWriter{w: w, f: f}, nil
}

func f(x float64) string {
	return strconv.FormatFloat(x, 'f', -1, 64)
}

func ts(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339Nano)
}

func (c *CSVWriter) WriteRecord(r Record) error {
	if err := c.w.Write([]string{
		ts(r.LocalTime),
		ts(r.SysTime),
		ts(r.LastFillTime),
		r.Contract,
		r.Symbol,
		r.Side,
		r.OrderType,
		f(r.OrderPrice),
		f(r.Amount),
		f(r.Price),
		strconv.Itoa(r.OrderID),
		strconv.Itoa(r.PermID),
		f(r.Commission),
		f(r.RealizedPNL),
		r.Fills,
		r.Strategy,
		r.Action,
		r.PositionID,
		ts(r.PriceTime),
		f(r.Bid),
		f(r.Ask),
	}); err != nil {
		return err
	}
	c.w.Flush()
	return c.w.Error()
}

func (c *CSVWriter) Close() error {
	c.w.Flush()
	if err := c.w.Error(); err != nil {
		c.f.Close()
		return err
	}
	return c.f.Close()
}
