package ledger

import (
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/rustyeddy/livetrader/broker"
	"github.com/rustyeddy/livetrader/market"
)

// ErrRestore marks a failed ledger restore. Callers treat it as
// non-fatal and degrade to a cold start.
var ErrRestore = errors.New("ledger restore failed")

// Store persists ledger state to SQLite so a restart can pick up
// in-flight strategies and orders.
type Store struct {
	db *sql.DB
}

func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open ledger store: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create ledger schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Save writes a full snapshot of the ledger in one transaction,
// replacing whatever was stored before.
func (s *Store) Save(l *Ledger) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("ledger save: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"strategies", "orders", "execs"} {
		if _, err := tx.Exec("DELETE FROM " + table); err != nil {
			return fmt.Errorf("ledger save: %w", err)
		}
	}

	for _, st := range l.strategySnapshot() {
		_, err := tx.Exec(`
			INSERT INTO strategies
			(key, position, lock, symbol, local_symbol, exchange, currency, position_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			st.Key, st.Position, st.Lock,
			st.ActiveContract.Symbol, st.ActiveContract.LocalSymbol,
			st.ActiveContract.Exchange, st.ActiveContract.Currency,
			st.PositionID,
		)
		if err != nil {
			return fmt.Errorf("ledger save strategy %s: %w", st.Key, err)
		}
	}

	for _, rec := range l.orderSnapshot() {
		var arrival any
		if !rec.Params.ArrivalTime.IsZero() {
			arrival = rec.Params.ArrivalTime
		}
		_, err := tx.Exec(`
			INSERT INTO orders
			(order_id, perm_id, strategy, action, active, status, position_id, arrival_time, arrival_bid, arrival_ask)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.OrderID, rec.PermID, rec.Strategy, rec.Action,
			rec.Active, string(rec.Status), rec.Params.PositionID,
			arrival, rec.Params.ArrivalBid, rec.Params.ArrivalAsk,
		)
		if err != nil {
			return fmt.Errorf("ledger save order %d: %w", rec.OrderID, err)
		}
	}

	for _, execID := range l.execSnapshot() {
		if _, err := tx.Exec(`INSERT INTO execs (exec_id) VALUES (?)`, execID); err != nil {
			return fmt.Errorf("ledger save exec %s: %w", execID, err)
		}
	}

	return tx.Commit()
}

// Restore loads the stored snapshot into the ledger. Absence of any
// stored state and read errors both come back wrapped in ErrRestore;
// restored order records carry no live trade handle.
func (s *Store) Restore(l *Ledger) error {
	strategies, err := s.readStrategies()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRestore, err)
	}
	orders, err := s.readOrders()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRestore, err)
	}
	execs, err := s.readExecs()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRestore, err)
	}
	if len(strategies) == 0 && len(orders) == 0 {
		return fmt.Errorf("%w: no stored state", ErrRestore)
	}
	l.load(strategies, orders, execs)
	return nil
}

func (s *Store) readStrategies() ([]*Strategy, error) {
	rows, err := s.db.Query(`
		SELECT key, position, lock, symbol, local_symbol, exchange, currency, position_id
		FROM strategies`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Strategy
	for rows.Next() {
		st := &Strategy{}
		var c market.Contract
		if err := rows.Scan(
			&st.Key, &st.Position, &st.Lock,
			&c.Symbol, &c.LocalSymbol, &c.Exchange, &c.Currency,
			&st.PositionID,
		); err != nil {
			return nil, err
		}
		st.ActiveContract = c
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) readOrders() ([]*OrderRecord, error) {
	rows, err := s.db.Query(`
		SELECT order_id, perm_id, strategy, action, active, status, position_id, arrival_time, arrival_bid, arrival_ask
		FROM orders`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*OrderRecord
	for rows.Next() {
		rec := &OrderRecord{}
		var status string
		var arrival sql.NullTime
		if err := rows.Scan(
			&rec.OrderID, &rec.PermID, &rec.Strategy, &rec.Action,
			&rec.Active, &status, &rec.Params.PositionID,
			&arrival, &rec.Params.ArrivalBid, &rec.Params.ArrivalAsk,
		); err != nil {
			return nil, err
		}
		rec.Status = broker.Status(status)
		if arrival.Valid {
			rec.Params.ArrivalTime = arrival.Time
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) readExecs() ([]string, error) {
	rows, err := s.db.Query(`SELECT exec_id FROM execs`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}
