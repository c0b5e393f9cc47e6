package stream

import "fmt"

// State is the lifecycle state of a Stream.
type State int

const (
	// StateInitial is the state of a stream that is not started, or was stopped.
	StateInitial State = iota
	// StateStarting is the state while credentials are fetched and the transport opens.
	StateStarting
	// StateOpen is the state once the transport reported it is open.
	StateOpen
	// StateHealthy is the state of a stream that stayed open for a while.
	StateHealthy
	// StateBackoff is the state while waiting to retry after an error.
	StateBackoff
	// StateError is the state of a stream closed by an error. Starting it again backs off first.
	StateError
)

// String implements fmt.Stringer
func (s State) String() string {
	switch s {
	case StateInitial:
		return "Initial"
	case StateStarting:
		return "Starting"
	case StateOpen:
		return "Open"
	case StateHealthy:
		return "Healthy"
	case StateBackoff:
		return "Backoff"
	case StateError:
		return "Error"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// IsStarted reports whether s is one of Starting, Open, Healthy and Backoff.
func (s State) IsStarted() bool {
	switch s {
	case StateStarting, StateOpen, StateHealthy, StateBackoff:
		return true
	default:
		return false
	}
}

// IsOpen reports whether s is Open or Healthy.
func (s State) IsOpen() bool {
	return s == StateOpen || s == StateHealthy
}
