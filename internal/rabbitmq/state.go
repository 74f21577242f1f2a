package rabbitmq

import "sync"

// ConnectionState is the lifecycle state of a ConnectionManager
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
)

// StateChangeCallback is invoked with the new state after every transition
type StateChangeCallback func(state ConnectionState)

// StateNotifier holds the current state and the observers interested in it.
// Setting the state it already holds is a no-op: observers only ever see
// real transitions.
type StateNotifier struct {
	mu        sync.RWMutex
	state     ConnectionState
	callbacks []StateChangeCallback
}

// NewStateNotifier creates a notifier starting in the given state
func NewStateNotifier(initial ConnectionState) *StateNotifier {
	return &StateNotifier{state: initial}
}

// State returns the current state
func (n *StateNotifier) State() ConnectionState {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

// OnChange registers a callback. Callbacks are never removed.
func (n *StateNotifier) OnChange(cb StateChangeCallback) {
	if cb == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.callbacks = append(n.callbacks, cb)
}

// Set moves to state and reports whether a transition happened. Callbacks run
// synchronously, in registration order, after the lock is released so they
// may read State.
func (n *StateNotifier) Set(state ConnectionState) bool {
	n.mu.Lock()
	if n.state == state {
		n.mu.Unlock()
		return false
	}
	n.state = state
	callbacks := make([]StateChangeCallback, len(n.callbacks))
	copy(callbacks, n.callbacks)
	n.mu.Unlock()

	for _, cb := range callbacks {
		cb(state)
	}
	return true
}
