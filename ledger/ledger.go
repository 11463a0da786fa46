// Package ledger keeps the system's view of strategies, orders and
// positions. It is the authority the reconciliation controller checks
// broker state against; positions recorded here are mutated only by
// confirmed fills, never by the decision layer.
package ledger

import (
	"sort"
	"sync"
	"time"

	"github.com/rustyeddy/livetrader/broker"
	"github.com/rustyeddy/livetrader/market"
)

// Action tags recorded on orders beyond the decision-layer ones.
const (
	ActionReset  = "RESET"
	ActionManual = "MANUAL"
)

// Strategy is the tracked state for one strategy key.
type Strategy struct {
	Key            string
	Position       float64
	Lock           int // side last closed, 0 when unlocked
	ActiveContract market.Contract
	PositionID     string
}

// OrderParams is the closed set of contextual parameters attached at
// order submission and carried through to the blotter.
type OrderParams struct {
	PositionID  string
	ArrivalTime time.Time
	ArrivalBid  float64
	ArrivalAsk  float64
}

// OrderRecord tracks one broker order for the life of the process.
// Records are never deleted; terminal orders are marked inactive and
// kept for audit and resting-order cleanup.
type OrderRecord struct {
	OrderID  int
	PermID   int
	Strategy string
	Action   string
	Trade    *broker.Trade
	Params   OrderParams
	Active   bool
	Status   broker.Status
}

type Ledger struct {
	mu         sync.Mutex
	strategies map[string]*Strategy
	orders     map[int]*OrderRecord
	execs      map[string]bool
}

func New() *Ledger {
	return &Ledger{
		strategies: make(map[string]*Strategy),
		orders:     make(map[int]*OrderRecord),
		execs:      make(map[string]bool),
	}
}

// Strategy returns the record for key, nil if unknown.
func (l *Ledger) Strategy(key string) *Strategy {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.strategies[key]
}

// GetOrCreate returns the strategy record for key, creating an empty
// one if needed. Creation is how placeholder strategies for manual and
// unknown trades come into existence.
func (l *Ledger) GetOrCreate(key string) *Strategy {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.getOrCreate(key)
}

func (l *Ledger) getOrCreate(key string) *Strategy {
	s, ok := l.strategies[key]
	if !ok {
		s = &Strategy{Key: key}
		l.strategies[key] = s
	}
	return s
}

// Position returns the strategy's signed quantity, 0 for unknown keys.
func (l *Ledger) Position(key string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.strategies[key]; ok {
		return s.Position
	}
	return 0
}

// Locked returns the side last closed for the strategy, 0 if none.
func (l *Ledger) Locked(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.strategies[key]; ok {
		return s.Lock
	}
	return 0
}

// Order returns the record for a broker order id, nil if unknown.
func (l *Ledger) Order(orderID int) *OrderRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.orders[orderID]
}

// RegisterOrder records an order submitted on behalf of a strategy.
func (l *Ledger) RegisterOrder(strategy, action string, trade *broker.Trade, params OrderParams) *OrderRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := &OrderRecord{
		OrderID:  trade.Order.ID,
		PermID:   trade.Order.PermID,
		Strategy: strategy,
		Action:   action,
		Trade:    trade,
		Params:   params,
		Active:   true,
		Status:   trade.Status().Status,
	}
	l.orders[rec.OrderID] = rec

	s := l.getOrCreate(strategy)
	if s.ActiveContract.Symbol == "" {
		s.ActiveContract = trade.Contract
	}
	if params.PositionID != "" {
		s.PositionID = params.PositionID
	}
	return rec
}

// UpdateStrategyOnOrder re-attributes an existing order record so that
// subsequent events for the same order resolve directly.
func (l *Ledger) UpdateStrategyOnOrder(orderID int, strategy string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rec, ok := l.orders[orderID]; ok {
		rec.Strategy = strategy
	}
}

// SaveOrderStatus upserts an order-status snapshot. A record is created
// when none exists so manual orders get captured; terminal statuses
// mark the record inactive.
func (l *Ledger) SaveOrderStatus(trade *broker.Trade) *OrderRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := trade.Status()
	rec, ok := l.orders[trade.Order.ID]
	if !ok {
		rec = &OrderRecord{
			OrderID:  trade.Order.ID,
			Strategy: "",
			Action:   ActionManual,
			Trade:    trade,
			Active:   true,
		}
		l.orders[rec.OrderID] = rec
	}
	if rec.Trade == nil {
		rec.Trade = trade
	}
	rec.PermID = trade.Order.PermID
	rec.Status = st.Status
	rec.Active = !st.Status.Done()
	return rec
}

// MarkInactive flags an order record as terminal.
func (l *Ledger) MarkInactive(orderID int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rec, ok := l.orders[orderID]; ok {
		rec.Active = false
	}
}

// OrdersForStrategy returns the strategy's order records sorted by
// order id.
func (l *Ledger) OrdersForStrategy(key string) []*OrderRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []*OrderRecord
	for _, rec := range l.orders {
		if rec.Strategy == key {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out
}

// RestingOrders returns the strategy's active non-OPEN orders, i.e.
// resting stops and take-profits presumed to guard a position.
func (l *Ledger) RestingOrders(key string) []*OrderRecord {
	var out []*OrderRecord
	for _, rec := range l.OrdersForStrategy(key) {
		if rec.Active && rec.Action != "OPEN" {
			out = append(out, rec)
		}
	}
	return out
}

// StrategiesForContract returns, sorted by key, the strategies whose
// active contract matches the symbol.
func (l *Ledger) StrategiesForContract(symbol string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	var keys []string
	for key, s := range l.strategies {
		if s.ActiveContract.Symbol == symbol {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// Active reports whether the strategy holds a position or has an
// outstanding opening order.
func (l *Ledger) Active(key string) bool {
	l.mu.Lock()
	s, ok := l.strategies[key]
	l.mu.Unlock()
	if !ok {
		return false
	}
	if s.Position != 0 {
		return true
	}
	for _, rec := range l.OrdersForStrategy(key) {
		if rec.Active && rec.Action == "OPEN" {
			return true
		}
	}
	return false
}

// ApplyFill applies a signed quantity change to a strategy's position
// and updates the lock when the position was closed out. Returns the
// resulting position.
func (l *Ledger) ApplyFill(key string, delta float64) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.getOrCreate(key)
	before := s.Position
	s.Position += delta
	if before != 0 && s.Position == 0 {
		s.Lock = market.Sign(before)
	}
	return s.Position
}

// MarkExec records an execution id, returning false if it was already
// seen. This is the dedupe gate against replayed fill events.
func (l *Ledger) MarkExec(execID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.execs[execID] {
		return false
	}
	l.execs[execID] = true
	return true
}

// TotalPosition sums strategy positions for a contract symbol.
func (l *Ledger) TotalPosition(symbol string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	var total float64
	for _, s := range l.strategies {
		if s.ActiveContract.Symbol == symbol {
			total += s.Position
		}
	}
	return total
}

// ContractPositions aggregates strategy positions per contract symbol.
func (l *Ledger) ContractPositions() map[string]float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[string]float64)
	for _, s := range l.strategies {
		if s.ActiveContract.Symbol != "" {
			out[s.ActiveContract.Symbol] += s.Position
		}
	}
	return out
}

// ActiveOrders returns every order record still marked active, sorted
// by order id.
func (l *Ledger) ActiveOrders() []*OrderRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []*OrderRecord
	for _, rec := range l.orders {
		if rec.Active {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out
}

// ClearAll zeroes every record. Used by the reset startup path after
// positions have been flattened.
func (l *Ledger) ClearAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.strategies = make(map[string]*Strategy)
	l.orders = make(map[int]*OrderRecord)
	l.execs = make(map[string]bool)
}

// snapshot support for the store

func (l *Ledger) strategySnapshot() []*Strategy {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]*Strategy, 0, len(l.strategies))
	for _, s := range l.strategies {
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (l *Ledger) orderSnapshot() []*OrderRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]*OrderRecord, 0, len(l.orders))
	for _, rec := range l.orders {
		cp := *rec
		cp.Trade = nil // handles are not persistable
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out
}

func (l *Ledger) execSnapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]string, 0, len(l.execs))
	for id := range l.execs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (l *Ledger) load(strategies []*Strategy, orders []*OrderRecord, execs []string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.strategies = make(map[string]*Strategy, len(strategies))
	for _, s := range strategies {
		l.strategies[s.Key] = s
	}
	l.orders = make(map[int]*OrderRecord, len(orders))
	for _, rec := range orders {
		l.orders[rec.OrderID] = rec
	}
	l.execs = make(map[string]bool, len(execs))
	for _, id := range execs {
		l.execs[id] = true
	}
}
