// Package signal maps directional signals onto trade actions.
//
// A signal is -1, 0 or 1 (short, flat, long); magnitude and sizing are
// decided elsewhere. The processor is a pure function of the current
// position sign and the incoming signal, parameterized by policy.
// Signals that require no action stop here and are not propagated.
package signal

import (
	"github.com/rs/zerolog"

	"github.com/rustyeddy/livetrader/market"
)

type Action string

const (
	Open    Action = "OPEN"
	Close   Action = "CLOSE"
	Reverse Action = "REVERSE"
)

// Policy selects one of four processor variants.
//
// Lockable variants consult the ledger's last-closed side and refuse to
// re-open on that side from flat; only the plain lockable variant
// closes a held position on a zero signal. AlwaysOn variants reverse
// instead of closing on an opposite signal. Base and AlwaysOn leave a
// position untouched when a zero signal arrives while holding; that
// asymmetry is deliberate, not an omission.
type Policy struct {
	Lockable bool
	AlwaysOn bool
}

func (p Policy) String() string {
	switch {
	case p.Lockable && p.AlwaysOn:
		return "lockable_always_on"
	case p.Lockable:
		return "lockable"
	case p.AlwaysOn:
		return "always_on"
	}
	return "base"
}

// PositionView is the slice of the ledger the processor reads. It
// never writes: the decision layer expresses intent only, positions are
// mutated exclusively by confirmed fills.
type PositionView interface {
	// Position returns the strategy's signed quantity.
	Position(strategy string) float64
	// Locked returns the side last closed for the strategy, 0 if none.
	Locked(strategy string) int
}

// Decision is the derived event emitted downstream for signals that
// demand an action.
type Decision struct {
	Strategy string
	Signal   int
	Action   Action
	Target   int
	Existing int
}

type Processor struct {
	view   PositionView
	policy Policy
	log    zerolog.Logger
}

func NewProcessor(view PositionView, policy Policy, log zerolog.Logger) *Processor {
	return &Processor{
		view:   view,
		policy: policy,
		log:    log.With().Str("policy", policy.String()).Logger(),
	}
}

// Decide maps (current position sign, signal) to an action. The second
// return is false when the signal requires no action; such signals must
// not propagate further.
func (p *Processor) Decide(strategy string, sig int) (Action, bool) {
	pos := market.Sign(p.view.Position(strategy))

	// Same direction (including flat + zero): nothing to do.
	if pos == sig {
		return "", false
	}

	if pos == 0 {
		if p.policy.Lockable && p.view.Locked(strategy) == sig {
			return "", false
		}
		return Open, true
	}

	if sig == 0 {
		if p.policy.Lockable && !p.policy.AlwaysOn {
			return Close, true
		}
		return "", false
	}

	// Opposite non-zero signal while holding.
	if p.policy.Lockable || p.policy.AlwaysOn {
		return Reverse, true
	}
	return Close, true
}

// TargetPosition derives the intended position sign from an action.
func TargetPosition(action Action, sig int) int {
	switch action {
	case Open, Reverse:
		return sig
	case Close:
		return 0
	}
	return 0
}

// Process runs Decide and assembles the downstream decision event.
// The false return means the signal was consumed with no action.
func (p *Processor) Process(strategy string, sig int) (Decision, bool) {
	action, ok := p.Decide(strategy, sig)
	if !ok {
		p.log.Debug().Str("strategy", strategy).Int("signal", sig).Msg("signal consumed, no action")
		return Decision{}, false
	}
	d := Decision{
		Strategy: strategy,
		Signal:   sig,
		Action:   action,
		Target:   TargetPosition(action, sig),
		Existing: market.Sign(p.view.Position(strategy)),
	}
	p.log.Debug().
		Str("strategy", strategy).
		Int("signal", sig).
		Str("action", string(action)).
		Int("target", d.Target).
		Msg("signal decided")
	return d, true
}
