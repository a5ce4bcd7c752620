// Package executor bridges Action events to an execution backend. It is a
// plain bus subscriber: the controller never calls it directly, it reacts
// to the actions the controller emits and answers with observations.
package executor

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/coralane/drover/internal/eventbus"
	"github.com/coralane/drover/internal/log"
)

// ErrUnavailable marks a transient backend failure worth retrying.
var ErrUnavailable = errors.New("execution backend unavailable")

// Backend turns one action into one observation.
type Backend interface {
	Name() string
	Run(ctx context.Context, action *eventbus.Action) (*eventbus.Observation, error)
}

// RetryConfig caps the backoff applied to ErrUnavailable failures.
type RetryConfig struct {
	InitialInterval time.Duration
	MaxElapsedTime  time.Duration
}

// Subscriber consumes Action events from the bus, runs them on the
// backend, and emits exactly one result event per action with a caused_by
// back-reference.
type Subscriber struct {
	bus     *eventbus.Bus
	backend Backend
	retry   RetryConfig
	logger  zerolog.Logger
	sub     *eventbus.Subscription
}

func NewSubscriber(bus *eventbus.Bus, backend Backend, retry RetryConfig) *Subscriber {
	if retry.InitialInterval <= 0 {
		retry.InitialInterval = 100 * time.Millisecond
	}
	if retry.MaxElapsedTime <= 0 {
		retry.MaxElapsedTime = 30 * time.Second
	}
	return &Subscriber{
		bus:     bus,
		backend: backend,
		retry:   retry,
		logger:  log.WithComponent("executor").With().Str("backend", backend.Name()).Logger(),
	}
}

// Attach registers the subscriber on the bus.
func (s *Subscriber) Attach(ctx context.Context) {
	s.sub = s.bus.Subscribe("executor:"+s.backend.Name(), func(evt eventbus.Event) {
		s.handle(ctx, evt)
	})
}

// Detach removes the subscription, draining queued deliveries first.
func (s *Subscriber) Detach() {
	if s.sub != nil {
		s.bus.Unsubscribe(s.sub)
		s.sub = nil
	}
}

func (s *Subscriber) handle(ctx context.Context, evt eventbus.Event) {
	// Backends run policy actions only; system actions (condense
	// requests and the like) are answered by their own subscribers.
	if evt.Kind != eventbus.KindAction || evt.Source != eventbus.SourcePolicy {
		return
	}
	action := evt.Action
	// Gated actions wait for the confirmation handshake; terminal
	// actions never reach a backend.
	if action.AwaitingConfirmation || action.Terminal {
		return
	}

	observation, err := s.run(ctx, action)
	if err != nil {
		s.logger.Error().Err(err).Uint64("action_id", evt.ID).Str("action", action.Name).Msg("action failed")
		code := "execution_failed"
		recoverable := true
		if errors.Is(err, ErrUnavailable) {
			code = "execution_backend_unavailable"
			recoverable = false
		}
		_, appendErr := s.bus.Append(ctx, eventbus.Draft{
			Source:   eventbus.SourceExecutor,
			CausedBy: evt.ID,
			Error: &eventbus.ErrorInfo{
				Code:        code,
				Message:     err.Error(),
				Recoverable: recoverable,
			},
		})
		if appendErr != nil {
			s.logger.Error().Err(appendErr).Msg("emit error event")
		}
		return
	}

	if _, err := s.bus.Append(ctx, eventbus.Draft{
		Source:      eventbus.SourceExecutor,
		CausedBy:    evt.ID,
		Observation: observation,
	}); err != nil {
		s.logger.Error().Err(err).Msg("emit observation event")
	}
}

// run retries transient unavailability with exponential backoff until the
// configured elapsed cap; any other error is permanent.
func (s *Subscriber) run(ctx context.Context, action *eventbus.Action) (*eventbus.Observation, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.retry.InitialInterval
	policy.MaxElapsedTime = s.retry.MaxElapsedTime

	var observation *eventbus.Observation
	operation := func() error {
		result, err := s.backend.Run(ctx, action)
		if err != nil {
			if errors.Is(err, ErrUnavailable) {
				s.logger.Warn().Err(err).Str("action", action.Name).Msg("backend unavailable, retrying")
				return err
			}
			return backoff.Permanent(err)
		}
		observation = result
		return nil
	}
	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return nil, err
	}
	return observation, nil
}
