package catalog

import (
	"strings"
	"sync"

	"github.com/kartikbazzad/bunbase/buncat/internal/errors"
)

// State is the lifecycle state of a catalog.
type State byte

const (
	StateUnknown State = iota
	WarmingUp
	Alive
	Inactive
	Corrupted
	GoingAlive
	BeingActivated
	BeingDeactivated
	BeingCreated
	BeingDeleted
)

type stateFacets struct {
	name         string
	transitional bool
	active       bool
}

var facets = map[State]stateFacets{
	StateUnknown:     {"UNKNOWN", false, false},
	WarmingUp:        {"WARMING_UP", false, true},
	Alive:            {"ALIVE", false, true},
	Inactive:         {"INACTIVE", false, false},
	Corrupted:        {"CORRUPTED", false, false},
	GoingAlive:       {"GOING_ALIVE", true, true},
	BeingActivated:   {"BEING_ACTIVATED", true, false},
	BeingDeactivated: {"BEING_DEACTIVATED", true, true},
	BeingCreated:     {"BEING_CREATED", true, false},
	BeingDeleted:     {"BEING_DELETED", true, false},
}

func (s State) String() string {
	if f, ok := facets[s]; ok {
		return f.name
	}
	return "UNKNOWN"
}

// Transitional states are never persisted and refuse new sessions.
func (s State) Transitional() bool { return facets[s].transitional }

// Active reports whether the state a transition started from was servable.
// For stable states it equals Servable.
func (s State) Active() bool { return facets[s].active }

// Servable reports whether sessions may be opened.
func (s State) Servable() bool { return s == WarmingUp || s == Alive }

// ParseState is the inverse of String.
func ParseState(name string) (State, error) {
	name = strings.ToUpper(strings.TrimSpace(name))
	for s, f := range facets {
		if f.name == name {
			return s, nil
		}
	}
	return StateUnknown, errors.Errorf("unknown catalog state %q", name)
}

// Op is a lifecycle operation driving the state machine.
type Op byte

const (
	OpCreate Op = iota + 1
	OpGoLive
	OpActivate
	OpDeactivate
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpGoLive:
		return "goLive"
	case OpActivate:
		return "activate"
	case OpDeactivate:
		return "deactivate"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

type transition struct {
	from []State
	via  State
	to   State
}

var transitions = map[Op]transition{
	OpCreate:     {from: []State{StateUnknown}, via: BeingCreated, to: WarmingUp},
	OpGoLive:     {from: []State{WarmingUp}, via: GoingAlive, to: Alive},
	OpActivate:   {from: []State{Inactive}, via: BeingActivated, to: Alive},
	OpDeactivate: {from: []State{Alive}, via: BeingDeactivated, to: Inactive},
	// a deleted catalog ends in StateUnknown, it is removed from the engine
	OpDelete: {from: []State{WarmingUp, Alive, Inactive, Corrupted}, via: BeingDeleted, to: StateUnknown},
}

// Machine guards one catalog's lifecycle. At most one transition runs at a time.
type Machine struct {
	mu       sync.Mutex
	state    State
	previous State
	op       Op
	onChange func(from, to State)
}

func NewMachine(initial State) *Machine {
	return &Machine{state: initial}
}

// OnChange registers a callback invoked (outside the lock) after every state change.
func (m *Machine) OnChange(fn func(from, to State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Begin enters the transitional state of op and returns the state it left.
func (m *Machine) Begin(op Op) (State, error) {
	t, ok := transitions[op]
	if !ok {
		return StateUnknown, errors.Wrapf(errors.ErrInvalidTransition, "unknown operation %d", op)
	}
	m.mu.Lock()
	cur := m.state
	if cur.Transitional() {
		m.mu.Unlock()
		return cur, errors.Wrapf(errors.ErrTransitionInProgress, "%s while %s", op, cur)
	}
	allowed := false
	for _, s := range t.from {
		if s == cur {
			allowed = true
			break
		}
	}
	if !allowed {
		m.mu.Unlock()
		return cur, errors.Wrapf(errors.ErrInvalidTransition, "%s from %s", op, cur)
	}
	m.previous, m.state, m.op = cur, t.via, op
	fn := m.onChange
	m.mu.Unlock()

	if fn != nil {
		fn(cur, t.via)
	}
	return cur, nil
}

// Complete finishes the running transition and returns the new state.
func (m *Machine) Complete(op Op) (State, error) {
	return m.finish(op, true)
}

// Fail reverts the running transition to the state it started from.
func (m *Machine) Fail(op Op) (State, error) {
	return m.finish(op, false)
}

func (m *Machine) finish(op Op, ok bool) (State, error) {
	m.mu.Lock()
	if !m.state.Transitional() || m.op != op {
		cur := m.state
		m.mu.Unlock()
		return cur, errors.Wrapf(errors.ErrInvalidTransition, "%s is not running (state %s)", op, cur)
	}
	from := m.state
	if ok {
		m.state = transitions[op].to
	} else {
		m.state = m.previous
	}
	m.op = 0
	to := m.state
	fn := m.onChange
	m.mu.Unlock()

	if fn != nil {
		fn(from, to)
	}
	return to, nil
}

// MarkCorrupted moves a catalog to CORRUPTED. A running transition is abandoned.
func (m *Machine) MarkCorrupted() {
	m.mu.Lock()
	from := m.state
	m.state = Corrupted
	m.op = 0
	fn := m.onChange
	m.mu.Unlock()

	if fn != nil && from != Corrupted {
		fn(from, Corrupted)
	}
}
