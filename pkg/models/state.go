package models

import "fmt"

type SessionStatus string

const (
	Queued    SessionStatus = "queued"
	Running   SessionStatus = "running"
	Completed SessionStatus = "completed"
	Failed    SessionStatus = "failed"    // dead state
	Cancelled SessionStatus = "cancelled" // dead state
)

// Terminal reports whether no further transition is allowed out of the status.
func (s SessionStatus) Terminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}

// CanTransition enforces queued -> running -> terminal. A queued session may
// also be cancelled or failed before its loop starts.
func (s SessionStatus) CanTransition(to SessionStatus) bool {
	switch s {
	case Queued:
		return to == Running || to.Terminal()
	case Running:
		return to.Terminal()
	default:
		return false
	}
}

type TransitionError struct {
	From SessionStatus
	To   SessionStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid session transition %s -> %s", e.From, e.To)
}

// LoopState is the agent loop's position within one iteration.
type LoopState string

const (
	Idle       LoopState = "idle"
	Observing  LoopState = "observing"
	Deciding   LoopState = "deciding"
	Executing  LoopState = "executing"
	Evaluating LoopState = "evaluating"
)
