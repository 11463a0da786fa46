package broker

// Handler consumes one broker event.
type Handler func(Event)

// Dispatcher is an explicit dispatch table from event kind to an
// ordered list of handlers. Handlers run synchronously in registration
// order; essential handlers are registered first, logging handlers in a
// second pass, so ledger mutation always happens before log output for
// the same event.
type Dispatcher struct {
	handlers map[EventKind][]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[EventKind][]Handler)}
}

// Subscribe appends a handler for the given kind.
func (d *Dispatcher) Subscribe(kind EventKind, h Handler) {
	d.handlers[kind] = append(d.handlers[kind], h)
}

// Emit invokes every handler registered for the event's kind, in
// order. Unknown kinds are dropped.
func (d *Dispatcher) Emit(ev Event) {
	for _, h := range d.handlers[ev.Kind] {
		h(ev)
	}
}
