package eventbus

import (
	"fmt"
	"reflect"
	"time"
)

// Source identifies the actor that produced an event.
type Source string

const (
	SourceExternal Source = "external"
	SourcePolicy   Source = "policy"
	SourceExecutor Source = "executor"
	SourceSystem   Source = "system"
)

// Kind discriminates the event payload union. Exactly one payload pointer
// on Event is non-nil and it matches the kind.
type Kind string

const (
	KindAction      Kind = "action"
	KindObservation Kind = "observation"
	KindStateChange Kind = "state_change"
	KindError       Kind = "error"
)

// Action is a proposed unit of work emitted by a policy step.
type Action struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
	// Risk is the gate's classification, recorded when the action is
	// emitted.
	Risk string `json:"risk,omitempty"`
	// AwaitingConfirmation marks an action that must not be executed
	// until the session owner confirms it.
	AwaitingConfirmation bool `json:"awaiting_confirmation,omitempty"`
	// Terminal marks an action that finishes the session instead of
	// going to an execution backend.
	Terminal bool `json:"terminal,omitempty"`
}

// Equal reports structural equality, ignoring emission-time tags.
func (a *Action) Equal(b *Action) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Name == b.Name && reflect.DeepEqual(a.Args, b.Args)
}

// Observation is the result of executing an Action, or an inbound message
// from outside the session (external input carries Kind observation with
// Source external).
type Observation struct {
	Content string         `json:"content"`
	Extras  map[string]any `json:"extras,omitempty"`
}

// StateChange records a session lifecycle transition.
type StateChange struct {
	SessionID string `json:"session_id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Reason    string `json:"reason,omitempty"`
}

// ErrorInfo is a normalized failure fed back into session history.
type ErrorInfo struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// Event is one immutable ledger entry. ID and Timestamp are assigned once
// by the bus at append time and never change.
type Event struct {
	ID        uint64    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Source    Source    `json:"source"`
	Kind      Kind      `json:"kind"`
	// CausedBy is a weak back-reference to the event that triggered this
	// one (an Observation points at its Action). Zero means none.
	CausedBy uint64 `json:"caused_by,omitempty"`

	Action      *Action      `json:"action,omitempty"`
	Observation *Observation `json:"observation,omitempty"`
	StateChange *StateChange `json:"state_change,omitempty"`
	Error       *ErrorInfo   `json:"error,omitempty"`
}

// Draft is an event before ID and timestamp assignment.
type Draft struct {
	Source   Source
	CausedBy uint64

	Action      *Action
	Observation *Observation
	StateChange *StateChange
	Error       *ErrorInfo
}

// Kind derives the payload kind of the draft.
func (d Draft) Kind() (Kind, error) {
	set := 0
	kind := Kind("")
	if d.Action != nil {
		set++
		kind = KindAction
	}
	if d.Observation != nil {
		set++
		kind = KindObservation
	}
	if d.StateChange != nil {
		set++
		kind = KindStateChange
	}
	if d.Error != nil {
		set++
		kind = KindError
	}
	if set != 1 {
		return "", fmt.Errorf("draft must carry exactly one payload, has %d", set)
	}
	return kind, nil
}

func validSource(s Source) bool {
	switch s {
	case SourceExternal, SourcePolicy, SourceExecutor, SourceSystem:
		return true
	}
	return false
}
