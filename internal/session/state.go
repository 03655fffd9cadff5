package session

import "fmt"

// State represents the lifecycle state of a session.
type State string

const (
	StateIdle             State = "idle"
	StateSourceReceived   State = "source_received"
	StateCompiling        State = "compiling"
	StateCompileFailed    State = "compile_failed"
	StateCompileSucceeded State = "compile_succeeded"
	StateRunning          State = "running"
	StateFinished         State = "finished"
	StateTimedOut         State = "timed_out"
	StateAborted          State = "aborted"
)

// IsTerminal reports whether no further transition is possible from s.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompileFailed, StateFinished, StateTimedOut, StateAborted:
		return true
	default:
		return false
	}
}

// CanTransition reports whether s → to is allowed. Every non-terminal state
// may move to StateAborted.
func (s State) CanTransition(to State) bool {
	if to == StateAborted {
		return !s.IsTerminal()
	}
	switch s {
	case StateIdle:
		return to == StateSourceReceived
	case StateSourceReceived:
		return to == StateCompiling
	case StateCompiling:
		return to == StateCompileFailed || to == StateCompileSucceeded
	case StateCompileSucceeded:
		return to == StateRunning
	case StateRunning:
		return to == StateFinished || to == StateTimedOut
	default:
		return false
	}
}

// TransitionError reports a disallowed state change.
type TransitionError struct {
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("disallowed transition: %s -> %s", e.From, e.To)
}
