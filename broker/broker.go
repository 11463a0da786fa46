// broker/broker.go
package broker

import (
	"context"
	"sync"
	"time"

	"github.com/rustyeddy/livetrader/market"
)

// Gateway is the boundary to the live broker. Everything the
// reconciliation core knows about the outside world comes through this
// interface and the event stream bound to a Dispatcher.
type Gateway interface {
	// SubmitOrder places an order and returns the live trade handle.
	SubmitOrder(ctx context.Context, contract market.Contract, order Order) (*Trade, error)
	// CancelOrder requests cancellation of a working order.
	CancelOrder(ctx context.Context, trade *Trade) error
	// OpenOrders returns handles for every order the broker reports working.
	OpenOrders(ctx context.Context) ([]*Trade, error)
	// Positions returns broker-side positions per contract.
	Positions(ctx context.Context) (map[market.Contract]float64, error)
	// GlobalCancel cancels every working order, including ones placed
	// outside this session.
	GlobalCancel(ctx context.Context) error
	// Qualify resolves contracts in place (local symbol, exchange).
	Qualify(ctx context.Context, contracts ...*market.Contract) error
}

type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Opposite returns the closing side for a signed position.
func Opposite(position float64) Side {
	if position < 0 {
		return Buy
	}
	return Sell
}

type OrderType string

const (
	Market   OrderType = "MKT"
	Limit    OrderType = "LMT"
	Stop     OrderType = "STP"
	Trailing OrderType = "TRAIL"
)

// Order is the broker-facing order spec. IDs >= 0 are assigned by this
// system; negative IDs mark orders entered manually at the broker.
type Order struct {
	ID         int
	PermID     int
	Action     Side
	Type       OrderType
	TotalQty   float64
	LimitPrice float64
	AuxPrice   float64
	TIF        string // "DAY", "GTC"
	OutsideRTH bool
}

// Manual reports whether the order originated outside this system.
func (o Order) Manual() bool { return o.ID < 0 }

type Status string

const (
	PendingSubmit Status = "PendingSubmit"
	Submitted     Status = "Submitted"
	Filled        Status = "Filled"
	Cancelled     Status = "Cancelled"
	Inactive      Status = "Inactive"
)

// Done reports whether the status is terminal at the broker.
func (s Status) Done() bool {
	switch s {
	case Filled, Cancelled, Inactive:
		return true
	}
	return false
}

type OrderStatus struct {
	Status       Status
	Filled       float64
	Remaining    float64
	AvgFillPrice float64
}

// Execution is a single fill leg reported by the broker. ExecID is
// unique per leg and is the dedupe key for replayed fill events.
type Execution struct {
	ExecID string
	PermID int
	Time   time.Time
	Side   Side
	Shares float64
	Price  float64
}

// Fill pairs an execution with its commission report. Commission is
// nil until the matching commission event arrives.
type Fill struct {
	Contract   market.Contract
	Execution  Execution
	Commission *CommissionReport
	Time       time.Time
}

type CommissionReport struct {
	ExecID      string
	Commission  float64
	Currency    string
	RealizedPNL float64
}

// Trade is the live handle for a submitted order. The gateway mutates
// it as events arrive; readers go through the accessor methods. The
// mutex is what makes the handle safe to poll from outside the
// controller's event loop (shutdown polling does exactly that).
type Trade struct {
	mu       sync.Mutex
	Contract market.Contract
	Order    Order
	status   OrderStatus
	fills    []*Fill
}

func NewTrade(contract market.Contract, order Order) *Trade {
	return &Trade{
		Contract: contract,
		Order:    order,
		status:   OrderStatus{Status: PendingSubmit, Remaining: order.TotalQty},
	}
}

func (t *Trade) Status() OrderStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *Trade) SetStatus(s OrderStatus) {
	t.mu.Lock()
	t.status = s
	t.mu.Unlock()
}

func (t *Trade) Done() bool {
	return t.Status().Status.Done()
}

func (t *Trade) Filled() float64 {
	return t.Status().Filled
}

func (t *Trade) Remaining() float64 {
	return t.Status().Remaining
}

// AddFill appends an execution leg to the trade.
func (t *Trade) AddFill(f *Fill) {
	t.mu.Lock()
	t.fills = append(t.fills, f)
	t.mu.Unlock()
}

// Fills returns a snapshot of the trade's fill legs.
func (t *Trade) Fills() []*Fill {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Fill, len(t.fills))
	copy(out, t.fills)
	return out
}

// FillPrice is the average price across filled quantity, zero if nothing
// filled yet.
func (t *Trade) FillPrice() float64 {
	return t.Status().AvgFillPrice
}
