package broker

import "github.com/rustyeddy/livetrader/market"

// EventKind enumerates the broker event stream.
type EventKind int

const (
	NewOrderEvent EventKind = iota
	OrderStatusEvent
	ExecDetailsEvent
	CommissionEvent
	ErrorEvent
)

func (k EventKind) String() string {
	switch k {
	case NewOrderEvent:
		return "new_order"
	case OrderStatusEvent:
		return "order_status"
	case ExecDetailsEvent:
		return "exec_details"
	case CommissionEvent:
		return "commission"
	case ErrorEvent:
		return "error"
	}
	return "unknown"
}

// APIError carries a broker error event. ReqID is usually the order id
// the error refers to.
type APIError struct {
	ReqID    int
	Code     int
	Message  string
	Contract market.Contract
}

// Event is one element of the serialized broker event stream. Fields
// beyond Kind are populated per kind: Trade for all order events, Fill
// for exec details and commissions, Report for commissions, Err for
// errors.
type Event struct {
	Kind   EventKind
	Trade  *Trade
	Fill   *Fill
	Report *CommissionReport
	Err    *APIError
}
