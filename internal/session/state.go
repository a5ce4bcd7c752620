package session

import (
	"github.com/coralane/drover/internal/eventbus"
)

// Limits bound a session's step loop. Zero values select defaults.
type Limits struct {
	Iterations int
	Budget     float64
}

const (
	DefaultIterationLimit = 100
	DefaultBudgetLimit    = 10.0
)

// State is the per-session execution state. It is exclusively owned by one
// controller; all mutation happens under that controller's lock, so State
// itself carries none.
type State struct {
	ID        string
	Lifecycle Lifecycle

	// StartID scopes the session's view of the shared ledger: events
	// below it belong to an ancestor session. EndID is set when the
	// session reaches a terminal state; zero means open.
	StartID uint64
	EndID   uint64

	IterationCount int
	IterationLimit int
	BudgetSpent    float64
	BudgetLimit    float64

	// PendingAction is non-nil only while Lifecycle == Running and an
	// emitted action awaits its result event.
	PendingAction *eventbus.Event

	LastError string
}

func NewState(id string, startID uint64, limits Limits) *State {
	iterations := limits.Iterations
	if iterations <= 0 {
		iterations = DefaultIterationLimit
	}
	budget := limits.Budget
	if budget <= 0 {
		budget = DefaultBudgetLimit
	}
	return &State{
		ID:             id,
		Lifecycle:      Loading,
		StartID:        startID,
		IterationLimit: iterations,
		BudgetLimit:    budget,
	}
}

// Transition moves the lifecycle along a table edge or fails.
func (s *State) Transition(next Lifecycle) error {
	if !s.Lifecycle.CanTransition(next) {
		return &InvalidTransitionError{From: s.Lifecycle, To: next}
	}
	s.Lifecycle = next
	return nil
}
