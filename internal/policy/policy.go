// Package policy defines the boundary to the external reasoning step. The
// orchestration core never sees how a policy decides; it only consumes the
// next proposed action or a typed failure.
package policy

import (
	"context"
	"errors"
	"fmt"

	"github.com/coralane/drover/internal/eventbus"
)

// Capability describes one action shape the policy may emit.
type Capability struct {
	Name        string
	Description string
}

// Func maps a bounded history view and the available capabilities to the
// next proposed action. Implementations must honor ctx cancellation; the
// call is the dominant latency source in a step.
type Func func(ctx context.Context, view []eventbus.Event, caps []Capability) (*eventbus.Action, error)

// ErrNoAction reports that the policy produced no action at all.
var ErrNoAction = errors.New("policy produced no action")

// MalformedActionError reports policy output that could not be parsed into
// a known action shape.
type MalformedActionError struct {
	Raw    string
	Reason string
}

func (e *MalformedActionError) Error() string {
	return fmt.Sprintf("malformed action: %s", e.Reason)
}
