package blotter

import (
	"database/sql"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	_ "github.com/mattn/go-sqlite3"
)

const maxWriteAttempts = 5

type SQLiteWriter struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLiteWriter, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteWriter{db: db}, nil
}

// WriteRecord inserts one finalized trade row. SQLITE_BUSY from a
// concurrent reader (ad-hoc queries against a live blotter are common)
// is retried with exponential backoff before failing.
func (s *SQLiteWriter) WriteRecord(r Record) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond

	var err error
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		if err = s.insert(r); err == nil {
			return nil
		}
		if !busy(err) {
			return err
		}
		time.Sleep(bo.NextBackOff())
	}
	return err
}

func busy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy")
}

func (s *SQLiteWriter) insert(r Record) error {
	_, err := s.db.Exec(`
		INSERT INTO blotter
		(local_time, sys_time, last_fill_time, contract, symbol, side, order_type,
		 order_price, amount, price, order_id, perm_id, commission, realized_pnl,
		 fills, strategy, action, position_id, price_time, bid, ask)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.LocalTime, r.SysTime, r.LastFillTime, r.Contract, r.Symbol, r.Side,
		r.OrderType, r.OrderPrice, r.Amount, r.Price, r.OrderID, r.PermID,
		r.Commission, r.RealizedPNL, r.Fills, r.Strategy, r.Action,
		r.PositionID, r.PriceTime, r.Bid, r.Ask,
	)
	return err
}

func (s *SQLiteWriter) Close() error {
	return s.db.Close()
}
