package update

import (
	"errors"

	"github.com/dfingerd/dfingerd/internal/presence"
)

// ConnState is the per-agent-connection state: OPEN →
// (receive login|END|BYE|blank)* → CLOSED.
type ConnState int

const (
	// StateOpen is the only state in which records are accepted.
	StateOpen ConnState = iota
	// StateClosed means the connection has been freed; no further
	// records may be applied.
	StateClosed
)

// ErrClosed is returned by Agent.Apply once the connection has reached
// StateClosed.
var ErrClosed = errors.New("update: connection closed")

// Agent tracks one agent connection's state machine and applies its
// records to the presence store. The reporting machine is identified at
// accept time from the peer's resolved hostname, never from the
// payload, so it is fixed for the Agent's lifetime.
type Agent struct {
	store   *presence.Store
	machine *presence.Machine
	state   ConnState
}

// NewAgent creates an Agent bound to machine, in StateOpen.
func NewAgent(store *presence.Store, machine *presence.Machine) *Agent {
	return &Agent{store: store, machine: machine}
}

// Machine returns the machine this agent connection reports for.
func (a *Agent) Machine() *presence.Machine { return a.machine }

// State returns the connection's current state.
func (a *Agent) State() ConnState { return a.state }

// Apply applies one parsed Record against the store, advancing the
// connection's state machine. Returns true when the connection should
// be closed by the caller (BYE received); callers must stop invoking
// Apply once that happens.
func (a *Agent) Apply(rec Record) (closeConn bool, err error) {
	if a.state == StateClosed {
		return true, ErrClosed
	}

	switch rec.Kind {
	case KindControlUpdate:
		// Informational only: marks the start of a cycle.
		return false, nil

	case KindLogin:
		a.store.UpdateLogin(a.machine, rec.Login)
		return false, nil

	case KindControlEnd, KindBlank:
		// A blank line is equivalent to END for legacy agents.
		a.store.DeleteLogins(a.machine, false)
		return false, nil

	case KindControlBye:
		a.store.DeleteLogins(a.machine, true)
		a.state = StateClosed
		return true, nil

	default:
		return false, nil
	}
}

// Close transitions the connection to StateClosed without a BYE record,
// e.g. on EOF or a read error.
func (a *Agent) Close() {
	a.state = StateClosed
}
