package signal

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeView struct {
	position float64
	locked   int
}

func (v fakeView) Position(string) float64 { return v.position }
func (v fakeView) Locked(string) int       { return v.locked }

func newProc(pos float64, locked int, policy Policy) *Processor {
	return NewProcessor(fakeView{position: pos, locked: locked}, policy, zerolog.Nop())
}

var (
	base           = Policy{}
	lockable       = Policy{Lockable: true}
	alwaysOn       = Policy{AlwaysOn: true}
	lockedAlwaysOn = Policy{Lockable: true, AlwaysOn: true}
)

// Full decision table: position sign, signal, lock state, expected
// action per policy. An empty action means no action is emitted.
func TestDecideTable(t *testing.T) {
	cases := []struct {
		name     string
		position float64
		signal   int
		locked   int
		want     map[Policy]Action
	}{
		{
			name: "flat zero signal", position: 0, signal: 0,
			want: map[Policy]Action{base: "", lockable: "", alwaysOn: "", lockedAlwaysOn: ""},
		},
		{
			name: "flat long signal unlocked", position: 0, signal: 1,
			want: map[Policy]Action{base: Open, lockable: Open, alwaysOn: Open, lockedAlwaysOn: Open},
		},
		{
			name: "flat long signal locked long", position: 0, signal: 1, locked: 1,
			want: map[Policy]Action{base: Open, lockable: "", alwaysOn: Open, lockedAlwaysOn: ""},
		},
		{
			name: "flat short signal locked long", position: 0, signal: -1, locked: 1,
			want: map[Policy]Action{base: Open, lockable: Open, alwaysOn: Open, lockedAlwaysOn: Open},
		},
		{
			name: "long same direction", position: 2, signal: 1,
			want: map[Policy]Action{base: "", lockable: "", alwaysOn: "", lockedAlwaysOn: ""},
		},
		{
			name: "long zero signal", position: 2, signal: 0,
			want: map[Policy]Action{base: "", lockable: Close, alwaysOn: "", lockedAlwaysOn: ""},
		},
		{
			name: "long opposite signal", position: 2, signal: -1,
			want: map[Policy]Action{base: Close, lockable: Reverse, alwaysOn: Reverse, lockedAlwaysOn: Reverse},
		},
		{
			name: "short zero signal", position: -3, signal: 0,
			want: map[Policy]Action{base: "", lockable: Close, alwaysOn: "", lockedAlwaysOn: ""},
		},
		{
			name: "short opposite signal", position: -3, signal: 1,
			want: map[Policy]Action{base: Close, lockable: Reverse, alwaysOn: Reverse, lockedAlwaysOn: Reverse},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for policy, want := range tc.want {
				p := newProc(tc.position, tc.locked, policy)
				got, ok := p.Decide("s1", tc.signal)
				if want == "" {
					assert.False(t, ok, "policy %s: expected no action, got %s", policy, got)
				} else {
					require.True(t, ok, "policy %s: expected %s", policy, want)
					assert.Equal(t, want, got, "policy %s", policy)
				}
			}
		})
	}
}

// No policy may act on a signal matching the current position sign.
func TestDecideNeverActsOnSameDirection(t *testing.T) {
	for _, policy := range []Policy{base, lockable, alwaysOn, lockedAlwaysOn} {
		for _, pos := range []float64{-5, 0, 5} {
			for _, locked := range []int{-1, 0, 1} {
				p := newProc(pos, locked, policy)
				sig := 0
				if pos > 0 {
					sig = 1
				} else if pos < 0 {
					sig = -1
				}
				_, ok := p.Decide("s1", sig)
				assert.False(t, ok, "policy %s pos %v locked %d", policy, pos, locked)
			}
		}
	}
}

func TestTargetPosition(t *testing.T) {
	assert.Equal(t, 1, TargetPosition(Open, 1))
	assert.Equal(t, -1, TargetPosition(Open, -1))
	assert.Equal(t, 1, TargetPosition(Reverse, 1))
	assert.Equal(t, -1, TargetPosition(Reverse, -1))
	assert.Equal(t, 0, TargetPosition(Close, -1))
	assert.Equal(t, 0, TargetPosition(Close, 1))
}

func TestProcessEmitsDecision(t *testing.T) {
	// Flat, signal 1 under base policy: OPEN with target 1.
	p := newProc(0, 0, base)
	d, ok := p.Process("breakout_es", 1)
	require.True(t, ok)
	assert.Equal(t, Open, d.Action)
	assert.Equal(t, 1, d.Target)
	assert.Equal(t, 0, d.Existing)

	// Long 2, signal -1 under base policy: CLOSE with target 0.
	p = newProc(2, 0, base)
	d, ok = p.Process("breakout_es", -1)
	require.True(t, ok)
	assert.Equal(t, Close, d.Action)
	assert.Equal(t, 0, d.Target)
	assert.Equal(t, 1, d.Existing)

	// Same under lockable policy: REVERSE with target -1.
	p = newProc(2, 0, lockable)
	d, ok = p.Process("breakout_es", -1)
	require.True(t, ok)
	assert.Equal(t, Reverse, d.Action)
	assert.Equal(t, -1, d.Target)

	// Long, zero signal: lockable closes, base stays put.
	p = newProc(2, 0, lockable)
	d, ok = p.Process("breakout_es", 0)
	require.True(t, ok)
	assert.Equal(t, Close, d.Action)
	assert.Equal(t, 0, d.Target)

	p = newProc(2, 0, base)
	_, ok = p.Process("breakout_es", 0)
	assert.False(t, ok)
}

func TestPolicyString(t *testing.T) {
	assert.Equal(t, "base", base.String())
	assert.Equal(t, "lockable", lockable.String())
	assert.Equal(t, "always_on", alwaysOn.String())
	assert.Equal(t, "lockable_always_on", lockedAlwaysOn.String())
}
