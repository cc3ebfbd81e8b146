package resilience

import (
	"fmt"
	"time"
)

// State is the connection state of a managed endpoint.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
	StateStopped
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// stateTransition represents a state transition.
type stateTransition struct {
	from State
	to   State
}

// validTransitions defines all allowed state transitions. Stopped is
// reachable from everywhere and leads nowhere.
var validTransitions = map[stateTransition]bool{
	// From Disconnected
	{StateDisconnected, StateConnecting}: true,
	{StateDisconnected, StateStopped}:    true,

	// From Connecting
	{StateConnecting, StateConnected}: true,
	{StateConnecting, StateError}:     true,
	{StateConnecting, StateStopped}:   true,

	// From Connected
	{StateConnected, StateDisconnected}: true,
	{StateConnected, StateError}:        true,
	{StateConnected, StateStopped}:      true,

	// From Error
	{StateError, StateConnecting}: true,
	{StateError, StateStopped}:    true,
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to State) bool {
	return validTransitions[stateTransition{from: from, to: to}]
}

// ConnectionState is a point-in-time view of a managed endpoint.
type ConnectionState struct {
	Endpoint     string
	State        State
	Failures     int
	LastError    string
	LastActivity time.Time
	Since        time.Time
}

// Change is delivered to listeners on every state transition.
type Change struct {
	Endpoint string
	From     State
	To       State
	Err      error
	At       time.Time
}

// Listener observes state changes. Listeners run synchronously on the
// manager's goroutine and must not block.
type Listener func(Change)
