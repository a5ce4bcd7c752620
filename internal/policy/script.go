package policy

import (
	"context"
	"sync"

	"github.com/coralane/drover/internal/eventbus"
)

// Script plays a fixed sequence of actions, one per step, then emits a
// terminal finish action. It backs the droverd playbook runner and most
// controller tests.
type Script struct {
	mu      sync.Mutex
	actions []eventbus.Action
	next    int
}

func NewScript(actions []eventbus.Action) *Script {
	return &Script{actions: actions}
}

// Step conforms to Func.
func (s *Script) Step(ctx context.Context, view []eventbus.Event, caps []Capability) (*eventbus.Action, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next >= len(s.actions) {
		return &eventbus.Action{Name: "finish", Terminal: true}, nil
	}
	action := s.actions[s.next]
	s.next++
	return &action, nil
}

// Remaining reports how many scripted actions have not been played yet.
func (s *Script) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.actions) - s.next
}
