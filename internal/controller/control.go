package controller

import (
	"context"
	"fmt"

	"github.com/coralane/drover/internal/eventbus"
	"github.com/coralane/drover/internal/session"
)

// InjectInput publishes external input into the session. The resulting
// event drives the controller through its bus subscription; a session in
// AwaitingInput transitions to Running when it arrives.
func (c *Controller) InjectInput(ctx context.Context, content string) (eventbus.Event, error) {
	return c.bus.Append(ctx, eventbus.Draft{
		Source:      eventbus.SourceExternal,
		Observation: &eventbus.Observation{Content: content},
	})
}

// Confirm approves the gated action. The action is re-emitted without the
// confirmation tag so the executor picks it up, and becomes the pending
// action.
func (c *Controller) Confirm() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Lifecycle != session.AwaitingConfirmation {
		return fmt.Errorf("confirm is only valid in awaiting_confirmation, session is %s", c.state.Lifecycle)
	}
	original := c.awaitConfirm
	if original == nil {
		return fmt.Errorf("no action awaiting confirmation")
	}
	c.awaitConfirm = nil
	if err := c.transitionLocked(session.Running, "confirmed"); err != nil {
		return err
	}
	c.announceLocked(session.AwaitingConfirmation, session.Running, "confirmed")

	confirmed := *original.Action
	confirmed.AwaitingConfirmation = false
	evt, err := c.bus.Append(c.runCtx, eventbus.Draft{
		Source:   eventbus.SourcePolicy,
		CausedBy: original.ID,
		Action:   &confirmed,
	})
	if err != nil {
		return fmt.Errorf("emit confirmed action: %w", err)
	}
	c.state.PendingAction = &evt
	return nil
}

// Reject discards the gated action. The rejection is terminal for that
// action only: it is fed back as a security_rejected error observation and
// the session returns to Running awaiting a new policy step.
func (c *Controller) Reject() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Lifecycle != session.AwaitingConfirmation {
		return fmt.Errorf("reject is only valid in awaiting_confirmation, session is %s", c.state.Lifecycle)
	}
	original := c.awaitConfirm
	if original == nil {
		return fmt.Errorf("no action awaiting confirmation")
	}
	c.awaitConfirm = nil
	if err := c.transitionLocked(session.Running, "rejected"); err != nil {
		return err
	}
	c.announceLocked(session.AwaitingConfirmation, session.Running, "rejected")

	if _, err := c.bus.Append(c.runCtx, eventbus.Draft{
		Source:   eventbus.SourceSystem,
		CausedBy: original.ID,
		Error: &eventbus.ErrorInfo{
			Code:        string(CodeSecurityRejected),
			Message:     fmt.Sprintf("action %q was rejected by the session owner", original.Action.Name),
			Recoverable: true,
		},
	}); err != nil {
		return fmt.Errorf("emit rejection: %w", err)
	}
	return nil
}

// Pause suspends the session, aborting any in-flight policy call.
func (c *Controller) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Lifecycle != session.Running {
		return fmt.Errorf("pause is only valid while running, session is %s", c.state.Lifecycle)
	}
	if c.stepCancel != nil {
		c.stepCancel()
	}
	if err := c.transitionLocked(session.Paused, "paused by owner"); err != nil {
		return err
	}
	c.announceLocked(session.Running, session.Paused, "paused by owner")
	return nil
}

// Resume restarts a Paused or Errored session. Resuming out of an error
// skips one stuck-loop check so the policy gets a chance to break the
// pattern before the detector fires again.
func (c *Controller) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	from := c.state.Lifecycle
	if from != session.Paused && from != session.Errored {
		return fmt.Errorf("resume is only valid in paused or error, session is %s", c.state.Lifecycle)
	}
	if err := c.transitionLocked(session.Running, "resumed by owner"); err != nil {
		return err
	}
	if from == session.Errored {
		c.skipStuckOnce = true
		c.state.LastError = ""
	}
	c.announceLocked(from, session.Running, "resumed by owner")
	if c.state.PendingAction == nil {
		c.stepLocked()
	}
	return nil
}

// SetLimits raises (or lowers) the session limits, typically before
// resuming out of a limit-exceeded error.
func (c *Controller) SetLimits(limits session.Limits) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if limits.Iterations > 0 {
		c.state.IterationLimit = limits.Iterations
	}
	if limits.Budget > 0 {
		c.state.BudgetLimit = limits.Budget
	}
}

// Terminate ends the session. A session interrupted mid-confirmation is
// Rejected; anything else finishes.
func (c *Controller) Terminate(reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Lifecycle.Terminal() {
		return nil
	}
	if c.child != nil {
		c.endDelegateLocked("parent terminated")
	}
	if c.stepCancel != nil {
		c.stepCancel()
	}
	from := c.state.Lifecycle
	target := session.Finished
	if from == session.AwaitingConfirmation {
		target = session.Rejected
	}
	if err := c.transitionLocked(target, reason); err != nil {
		return err
	}
	c.announceLocked(from, target, reason)
	c.state.PendingAction = nil
	c.awaitConfirm = nil
	return nil
}

// LastError returns the session's error surface.
func (c *Controller) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.LastError
}
