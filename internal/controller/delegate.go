package controller

import (
	"fmt"

	"github.com/coralane/drover/internal/eventbus"
	"github.com/coralane/drover/internal/policy"
	"github.com/coralane/drover/internal/session"
)

// DelegateSpec describes a child session. The child shares the parent's
// bus and metrics accumulator but scopes its history to events from its
// own inception forward.
type DelegateSpec struct {
	Task         string
	Policy       policy.Func
	Limits       session.Limits
	Capabilities []policy.Capability
}

// StartDelegate spawns a child controller and hands the event stream over
// to it. The parent stops stepping until the delegate finishes. A parent
// holds at most one active delegate.
func (c *Controller) StartDelegate(spec DelegateSpec) (*Controller, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.child != nil {
		return nil, fmt.Errorf("delegate already active")
	}
	if c.state.Lifecycle != session.Running {
		return nil, fmt.Errorf("delegation requires a running session, session is %s", c.state.Lifecycle)
	}
	if c.state.PendingAction != nil {
		return nil, fmt.Errorf("cannot delegate with an action pending")
	}
	if spec.Policy == nil {
		return nil, fmt.Errorf("delegate policy is required")
	}
	// Abort any in-flight policy call; the parent must not emit an
	// action of its own while the delegate runs.
	if c.stepCancel != nil {
		c.stepCancel()
	}

	cfg := Config{
		Limits:       spec.Limits,
		Stuck:        c.cfg.Stuck,
		Condense:     c.cfg.Condense,
		Capabilities: spec.Capabilities,
		CostPerStep:  c.cfg.CostPerStep,
	}
	if cfg.Capabilities == nil {
		cfg.Capabilities = c.cfg.Capabilities
	}
	child, err := New(Deps{
		Bus:    c.bus,
		Policy: spec.Policy,
		Gate:   c.gate,
		// The child accumulates into the parent's metrics; its local
		// share is the post-hoc snapshot difference.
		Metrics: c.metrics,
	}, cfg)
	if err != nil {
		return nil, err
	}
	// The child only observes events from its own inception forward.
	child.state.StartID = c.bus.NextID()
	if err := child.startForwarded(c.runCtx); err != nil {
		return nil, err
	}

	c.childSnap = c.metrics.Snapshot()
	c.child = child
	c.logger.Info().Str("delegate", child.SessionID()).Msg("delegate started")

	// Seed the child's task; the event routes to the child through the
	// parent's forwarding.
	if _, err := c.bus.Append(c.runCtx, eventbus.Draft{
		Source:      eventbus.SourceExternal,
		Observation: &eventbus.Observation{Content: spec.Task},
	}); err != nil {
		c.child = nil
		return nil, fmt.Errorf("seed delegate task: %w", err)
	}
	return child, nil
}

// EndDelegate force-folds an active delegate, terminating it first if it
// has not reached a terminal state on its own.
func (c *Controller) EndDelegate() (session.Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.child == nil {
		return session.Snapshot{}, fmt.Errorf("no active delegate")
	}
	local := c.endDelegateLocked("delegate ended by parent")
	return local, nil
}

// endDelegateLocked computes the delegate's local metrics share, folds its
// outcome into the parent's history as a synthetic observation, and
// discards the child. Returns the child's local metrics.
func (c *Controller) endDelegateLocked(reason string) session.Snapshot {
	child := c.child
	c.child = nil
	if !child.Lifecycle().Terminal() {
		_ = child.Terminate(reason)
	}

	local := c.metrics.Snapshot().Diff(c.childSnap)
	outcome := child.lastOutcome()
	c.logger.Info().
		Str("delegate", child.SessionID()).
		Int64("steps", local.Steps).
		Msg("delegate folded")

	if _, err := c.bus.Append(c.runCtx, eventbus.Draft{
		Source: eventbus.SourceSystem,
		Observation: &eventbus.Observation{
			Content: outcome,
			Extras: map[string]any{
				"delegate_session": child.SessionID(),
				"delegate_steps":   local.Steps,
				"delegate_cost":    local.CostUSD,
			},
		},
	}); err != nil {
		c.logger.Error().Err(err).Msg("fold delegate outcome")
	}
	return local
}

// lastOutcome summarizes what the delegate ended with: its final
// observation, or its error surface.
func (c *Controller) lastOutcome() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.LastError != "" {
		return "delegate failed: " + c.state.LastError
	}
	for i := len(c.history) - 1; i >= 0; i-- {
		evt := c.history[i]
		if evt.Kind == eventbus.KindObservation && evt.Source == eventbus.SourceExecutor {
			return evt.Observation.Content
		}
	}
	return "delegate finished without output"
}
