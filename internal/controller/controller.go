// Package controller drives the plan-act-observe loop of one orchestration
// session. The controller owns its session state exclusively and advances
// it from bus callbacks; suspension between steps is represented by the
// pending action, never by a parked goroutine.
package controller

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/coralane/drover/internal/condenser"
	"github.com/coralane/drover/internal/eventbus"
	"github.com/coralane/drover/internal/idgen"
	"github.com/coralane/drover/internal/log"
	"github.com/coralane/drover/internal/policy"
	"github.com/coralane/drover/internal/security"
	"github.com/coralane/drover/internal/session"
	"github.com/coralane/drover/internal/stuckloop"
)

// Config tunes one controller. Zero values select defaults.
type Config struct {
	SessionID    string
	Limits       session.Limits
	Stuck        stuckloop.Config
	Condense     condenser.Config
	Capabilities []policy.Capability

	// CostPerStep is accrued against the budget for every completed
	// step. Zero disables budget-by-step accounting (an external
	// metrics feed may still spend the budget).
	CostPerStep float64

	// MaxPolicyFailures bounds consecutive malformed/no-action policy
	// results before the session errors out. Default 3.
	MaxPolicyFailures int
}

// Deps are the controller's collaborators.
type Deps struct {
	Bus        *eventbus.Bus
	Policy     policy.Func
	Gate       *security.Gate
	Summarizer condenser.Summarizer
	// Metrics is shared with the parent for delegate sessions; nil
	// creates a fresh accumulator.
	Metrics *session.Metrics
}

// Controller orchestrates one session.
type Controller struct {
	bus    *eventbus.Bus
	policy policy.Func
	gate   *security.Gate
	cond   *condenser.Condenser
	cfg    Config
	logger zerolog.Logger

	mu      sync.Mutex
	state   *session.State
	metrics *session.Metrics
	history []eventbus.Event

	// awaitConfirm holds the gated action event while the owner decides.
	awaitConfirm *eventbus.Event
	// pendingCondense tracks an in-flight out-of-process condensation.
	pendingCondense *condenser.Request
	policyFailures  int
	skipStuckOnce   bool

	inFlight   bool
	stepCancel context.CancelFunc
	runCtx     context.Context

	child     *Controller
	childSnap session.Snapshot

	sub *eventbus.Subscription
}

// New builds a controller in the Loading state. Start must be called to
// attach it to the bus.
func New(deps Deps, cfg Config) (*Controller, error) {
	if deps.Bus == nil {
		return nil, fmt.Errorf("bus is required")
	}
	if deps.Policy == nil {
		return nil, fmt.Errorf("policy is required")
	}
	if cfg.SessionID == "" {
		cfg.SessionID = idgen.Session()
	}
	if cfg.MaxPolicyFailures <= 0 {
		cfg.MaxPolicyFailures = 3
	}
	gate := deps.Gate
	if gate == nil {
		gate = security.NewGate(nil)
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = session.NewMetrics()
	}
	c := &Controller{
		bus:     deps.Bus,
		policy:  deps.Policy,
		gate:    gate,
		cond:    condenser.New(cfg.Condense, deps.Summarizer),
		cfg:     cfg,
		logger:  log.WithComponent("controller").With().Str("session", cfg.SessionID).Logger(),
		state:   session.NewState(cfg.SessionID, deps.Bus.NextID(), cfg.Limits),
		metrics: metrics,
	}
	return c, nil
}

// Start subscribes the controller to the bus and moves the session to
// AwaitingInput. ctx outlives individual steps; cancelling it aborts any
// in-flight policy call.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sub != nil {
		return fmt.Errorf("controller already started")
	}
	c.runCtx = ctx
	if err := c.transitionLocked(session.AwaitingInput, "init"); err != nil {
		return err
	}
	c.sub = c.bus.Subscribe("controller:"+c.state.ID, c.onEvent)
	return nil
}

// start prepares a delegate controller that receives events forwarded by
// its parent instead of holding its own subscription.
func (c *Controller) startForwarded(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runCtx = ctx
	return c.transitionLocked(session.AwaitingInput, "delegate init")
}

// Close detaches the controller from the bus. It does not change the
// session lifecycle.
func (c *Controller) Close() {
	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	cancel := c.stepCancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if sub != nil {
		c.bus.Unsubscribe(sub)
	}
}

// onEvent is the bus callback: it scopes, records, routes, and steps.
func (c *Controller) onEvent(evt eventbus.Event) {
	c.mu.Lock()
	if evt.ID < c.state.StartID || c.state.Lifecycle.Terminal() {
		c.mu.Unlock()
		return
	}
	c.history = append(c.history, evt)

	// While a delegate is active the parent forwards instead of
	// stepping itself. The lock is released first: the child may run a
	// long policy call and the parent's control surface must stay
	// reachable meanwhile.
	if child := c.child; child != nil {
		c.mu.Unlock()
		child.onEvent(evt)
		if child.Lifecycle().Terminal() {
			c.mu.Lock()
			if c.child == child {
				c.endDelegateLocked("delegate finished")
			}
			c.mu.Unlock()
		}
		return
	}
	defer c.mu.Unlock()

	pending := c.state.PendingAction
	switch {
	case pending != nil && evt.CausedBy == pending.ID &&
		(evt.Kind == eventbus.KindObservation || evt.Kind == eventbus.KindError):
		c.resolvePendingLocked(evt)

	case evt.Kind == eventbus.KindObservation && evt.CausedBy == 0 &&
		(evt.Source == eventbus.SourceExternal || evt.Source == eventbus.SourceSystem):
		// External input, or a folded delegate result.
		if c.state.Lifecycle == session.AwaitingInput {
			if err := c.transitionLocked(session.Running, "input received"); err != nil {
				c.logger.Error().Err(err).Msg("activate on input")
				return
			}
		}
		if c.state.Lifecycle == session.Running && pending == nil {
			c.stepLocked()
		}

	case evt.Kind == eventbus.KindError && evt.Source == eventbus.SourceSystem && pending == nil:
		// Corrective feedback (malformed action, security rejection):
		// give the policy another look at history.
		if c.state.Lifecycle == session.Running {
			c.stepLocked()
		}
	}
}

// resolvePendingLocked consumes the result event of the pending action.
func (c *Controller) resolvePendingLocked(evt eventbus.Event) {
	pending := c.state.PendingAction
	c.state.PendingAction = nil
	wasCondense := c.pendingCondense
	c.pendingCondense = nil

	// Condense rounds are not steps; only real actions accrue usage.
	if wasCondense == nil {
		c.metrics.Add(session.Usage{
			Latency: evt.Timestamp.Sub(pending.Timestamp),
			CostUSD: c.cfg.CostPerStep,
		})
		c.state.BudgetSpent = c.metrics.CostUSD()
	}

	if evt.Kind == eventbus.KindError {
		if wasCondense != nil {
			c.failLocked(stepErrorf(CodeContextWindowExceeded, false,
				"condensation failed: %s", evt.Error.Message))
			return
		}
		if !evt.Error.Recoverable {
			c.failLocked(stepErrorf(CodeExecutorUnavailable, false, "%s", evt.Error.Message))
			return
		}
		// Recoverable executor error: it is already in history as an
		// error observation, step again so the policy can react.
		c.stepLocked()
		return
	}

	if wasCondense != nil {
		c.cond.RecordSummary(*wasCondense, evt.Observation.Content)
	}
	c.stepLocked()
}

// transitionLocked moves the lifecycle and logs the edge.
func (c *Controller) transitionLocked(next session.Lifecycle, reason string) error {
	from := c.state.Lifecycle
	if err := c.state.Transition(next); err != nil {
		return err
	}
	c.logger.Info().
		Str("from", string(from)).
		Str("to", string(next)).
		Str("reason", reason).
		Msg("lifecycle transition")
	if next.Terminal() {
		c.state.EndID = c.bus.NextID() - 1
	}
	return nil
}

// announceLocked emits a StateChange event for owner-driven transitions.
// Step-driven transitions stay off the bus: a step emits at most its one
// action or observation event.
func (c *Controller) announceLocked(from, to session.Lifecycle, reason string) {
	if c.runCtx == nil {
		return
	}
	_, err := c.bus.Append(c.runCtx, eventbus.Draft{
		Source: eventbus.SourceSystem,
		StateChange: &eventbus.StateChange{
			SessionID: c.state.ID,
			From:      string(from),
			To:        string(to),
			Reason:    reason,
		},
	})
	if err != nil {
		c.logger.Error().Err(err).Msg("emit state change")
	}
}

// failLocked records a terminal step failure: Errored lifecycle plus
// LastError, the session owner's error surface.
func (c *Controller) failLocked(stepErr *StepError) {
	c.state.LastError = stepErr.Error()
	if err := c.transitionLocked(session.Errored, string(stepErr.Code)); err != nil {
		c.logger.Error().Err(err).Str("cause", stepErr.Error()).Msg("error transition failed")
	}
}

// Lifecycle returns the current lifecycle position.
func (c *Controller) Lifecycle() session.Lifecycle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Lifecycle
}

// Snapshot returns a copy of the session state for inspection.
func (c *Controller) Snapshot() session.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := *c.state
	if c.state.PendingAction != nil {
		pending := *c.state.PendingAction
		snap.PendingAction = &pending
	}
	return snap
}

// Metrics exposes the session's shared metrics accumulator.
func (c *Controller) Metrics() *session.Metrics {
	return c.metrics
}

// SessionID returns the session identifier.
func (c *Controller) SessionID() string {
	return c.cfg.SessionID
}
