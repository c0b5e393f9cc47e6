package queue

import "fmt"

// TimerID names a delayed operation kind so that tests can run it on demand.
type TimerID int

const (
	// TimerAll is only meaningful for RunDelayedOperationsUntil, where it runs every delayed operation.
	TimerAll TimerID = iota
	// TimerStreamConnectionBackoff delays a stream restart after a failure.
	TimerStreamConnectionBackoff
	// TimerStreamIdle closes an open stream nobody has written to for a while.
	TimerStreamIdle
	// TimerStreamHealthCheck promotes an open stream to healthy.
	TimerStreamHealthCheck
)

// String implements fmt.Stringer
func (id TimerID) String() string {
	switch id {
	case TimerAll:
		return "All"
	case TimerStreamConnectionBackoff:
		return "StreamConnectionBackoff"
	case TimerStreamIdle:
		return "StreamIdle"
	case TimerStreamHealthCheck:
		return "StreamHealthCheck"
	default:
		return fmt.Sprintf("TimerID(%d)", int(id))
	}
}
