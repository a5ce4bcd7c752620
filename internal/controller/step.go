package controller

import (
	"context"
	"errors"

	"github.com/coralane/drover/internal/condenser"
	"github.com/coralane/drover/internal/eventbus"
	"github.com/coralane/drover/internal/policy"
	"github.com/coralane/drover/internal/session"
	"github.com/coralane/drover/internal/stuckloop"
)

// stepLocked runs one step of the plan-act-observe loop. Called with the
// controller lock held; the lock is released for the duration of the
// policy call so the control surface stays responsive, with inFlight
// keeping the step single-flight.
func (c *Controller) stepLocked() {
	if c.state.Lifecycle != session.Running {
		c.logger.Debug().Str("lifecycle", string(c.state.Lifecycle)).Msg("step refused: not running")
		return
	}
	if c.state.PendingAction != nil || c.inFlight || c.child != nil {
		return
	}
	if c.state.IterationCount >= c.state.IterationLimit {
		c.failLocked(stepErrorf(CodeIterationLimit, false,
			"iteration limit reached (%d); raise the limit and resume to continue",
			c.state.IterationLimit))
		return
	}
	if c.state.BudgetSpent >= c.state.BudgetLimit {
		c.failLocked(stepErrorf(CodeBudgetExceeded, false,
			"budget exhausted (%.4f of %.4f); raise the limit and resume to continue",
			c.state.BudgetSpent, c.state.BudgetLimit))
		return
	}

	if c.skipStuckOnce {
		c.skipStuckOnce = false
	} else if res := stuckloop.Detect(c.history, c.cfg.Stuck); res.Stuck {
		c.failLocked(stepErrorf(CodeStuckLoop, false,
			"%s; resume to retry with fresh guidance", res.Reason))
		return
	}

	view, condenseReq, err := c.cond.Condense(c.runCtx, c.history)
	if err != nil {
		c.failLocked(stepErrorf(CodeContextWindowExceeded, false, "%v", err))
		return
	}
	if condenseReq != nil {
		c.emitCondenseRequestLocked(condenseReq)
		return
	}

	action, perr := c.invokePolicy(view)
	// Lifecycle may have moved while the lock was released.
	if c.state.Lifecycle != session.Running {
		return
	}
	if perr != nil {
		c.handlePolicyErrorLocked(perr)
		return
	}
	if action == nil {
		c.handlePolicyErrorLocked(policy.ErrNoAction)
		return
	}
	c.policyFailures = 0
	c.emitActionLocked(action)
}

// invokePolicy releases the lock around the cancellable policy call.
func (c *Controller) invokePolicy(view []eventbus.Event) (*eventbus.Action, error) {
	stepCtx, cancel := context.WithCancel(c.runCtx)
	c.inFlight = true
	c.stepCancel = cancel
	caps := c.cfg.Capabilities
	c.mu.Unlock()

	action, err := c.policy(stepCtx, view, caps)

	c.mu.Lock()
	c.inFlight = false
	c.stepCancel = nil
	cancel()
	return action, err
}

func (c *Controller) handlePolicyErrorLocked(perr error) {
	if errors.Is(perr, context.Canceled) {
		// Pause, delegation, or shutdown aborted the call. If the owner
		// already resumed before this goroutine reacquired the lock, the
		// resume's own step was refused on inFlight, so restart it here.
		c.logger.Info().Msg("policy call cancelled")
		if c.state.Lifecycle == session.Running && c.state.PendingAction == nil {
			c.stepLocked()
		}
		return
	}

	var code ErrorCode
	var malformed *policy.MalformedActionError
	switch {
	case errors.As(perr, &malformed):
		code = CodeMalformedAction
	case errors.Is(perr, policy.ErrNoAction):
		code = CodeNoAction
	default:
		// Unexpected failure, not part of the recoverable taxonomy.
		c.failLocked(&StepError{Code: "policy_failure", Message: perr.Error()})
		return
	}

	c.policyFailures++
	if c.policyFailures >= c.cfg.MaxPolicyFailures {
		c.failLocked(stepErrorf(code, false,
			"policy failed %d consecutive times: %v", c.policyFailures, perr))
		return
	}

	// Feed the failure back as an ordinary error observation; its
	// arrival re-triggers the step without counting an iteration.
	if _, err := c.bus.Append(c.runCtx, eventbus.Draft{
		Source: eventbus.SourceSystem,
		Error: &eventbus.ErrorInfo{
			Code:        string(code),
			Message:     perr.Error(),
			Recoverable: true,
		},
	}); err != nil {
		c.logger.Error().Err(err).Msg("emit corrective error event")
	}
}

// emitActionLocked gates, records, and publishes the policy's action. This
// is the step's single event emission.
func (c *Controller) emitActionLocked(action *eventbus.Action) {
	risk := c.gate.Classify(action)
	action.Risk = string(risk)

	if risk.RequiresConfirmation() {
		action.AwaitingConfirmation = true
		evt, err := c.bus.Append(c.runCtx, eventbus.Draft{
			Source: eventbus.SourcePolicy,
			Action: action,
		})
		if err != nil {
			c.failLocked(&StepError{Code: "emit_failure", Message: err.Error()})
			return
		}
		c.awaitConfirm = &evt
		c.state.IterationCount++
		if err := c.transitionLocked(session.Paused, "high-risk action"); err == nil {
			_ = c.transitionLocked(session.AwaitingConfirmation, "confirmation required")
		}
		return
	}

	evt, err := c.bus.Append(c.runCtx, eventbus.Draft{
		Source: eventbus.SourcePolicy,
		Action: action,
	})
	if err != nil {
		c.failLocked(&StepError{Code: "emit_failure", Message: err.Error()})
		return
	}
	c.state.IterationCount++

	if action.Terminal {
		if err := c.transitionLocked(session.Finished, "terminal action"); err != nil {
			c.logger.Error().Err(err).Msg("finish transition")
		}
		return
	}
	c.state.PendingAction = &evt
}

// emitCondenseRequestLocked turns a condensation request into an action
// event so an external summarizer subscriber can answer it. Condensation
// is bookkeeping: it holds the pending slot but costs no iteration.
func (c *Controller) emitCondenseRequestLocked(req *condenser.Request) {
	evt, err := c.bus.Append(c.runCtx, eventbus.Draft{
		Source: eventbus.SourceSystem,
		Action: &eventbus.Action{
			Name: condenser.ActionName,
			Args: map[string]any{
				"from": req.From,
				"to":   req.To,
			},
		},
	})
	if err != nil {
		c.failLocked(stepErrorf(CodeContextWindowExceeded, false, "emit condense request: %v", err))
		return
	}
	c.state.PendingAction = &evt
	c.pendingCondense = req
}
