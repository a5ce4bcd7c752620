package session

import "fmt"

// Lifecycle is the session state machine position.
type Lifecycle string

const (
	Loading              Lifecycle = "loading"
	AwaitingInput        Lifecycle = "awaiting_input"
	Running              Lifecycle = "running"
	Paused               Lifecycle = "paused"
	AwaitingConfirmation Lifecycle = "awaiting_confirmation"
	Errored              Lifecycle = "error"
	Finished             Lifecycle = "finished"
	Rejected             Lifecycle = "rejected"
)

// transitions is the allowed edge set. Errored is resumable back to
// Running when the owner resumes (optionally after raising limits).
var transitions = map[Lifecycle][]Lifecycle{
	Loading:              {AwaitingInput, Finished, Errored},
	AwaitingInput:        {Running, Finished, Errored},
	Running:              {Paused, Finished, Errored},
	Paused:               {AwaitingConfirmation, Running, Finished, Errored},
	AwaitingConfirmation: {Running, Rejected, Finished},
	Errored:              {Running, Finished},
	Finished:             {},
	Rejected:             {},
}

// CanTransition reports whether the edge from l to next is in the table.
func (l Lifecycle) CanTransition(next Lifecycle) bool {
	for _, allowed := range transitions[l] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the lifecycle admits no further transitions.
func (l Lifecycle) Terminal() bool {
	return len(transitions[l]) == 0
}

// InvalidTransitionError reports a rejected lifecycle edge.
type InvalidTransitionError struct {
	From, To Lifecycle
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid lifecycle transition %s -> %s", e.From, e.To)
}
