package executor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coralane/drover/internal/eventbus"
	"github.com/coralane/drover/internal/eventlog"
	"github.com/coralane/drover/internal/testutil"
)

func openTestBus(t *testing.T) *eventbus.Bus {
	t.Helper()
	ledger, cleanup := testutil.OpenTestLedger(t, eventlog.Options{})
	t.Cleanup(cleanup)
	bus, err := eventbus.New(context.Background(), ledger, eventbus.BusOptions{})
	if err != nil {
		t.Fatalf("new bus: %v", err)
	}
	t.Cleanup(bus.Close)
	return bus
}

type recordingBackend struct {
	failures int32 // transient failures to serve before succeeding
	runs     int32
}

func (b *recordingBackend) Name() string { return "recording" }

func (b *recordingBackend) Run(ctx context.Context, action *eventbus.Action) (*eventbus.Observation, error) {
	atomic.AddInt32(&b.runs, 1)
	if atomic.AddInt32(&b.failures, -1) >= 0 {
		return nil, ErrUnavailable
	}
	return &eventbus.Observation{Content: "done: " + action.Name}, nil
}

func waitForEvent(t *testing.T, bus *eventbus.Bus, match func(eventbus.Event) bool) eventbus.Event {
	t.Helper()
	got := make(chan eventbus.Event, 1)
	sub := bus.Subscribe("test-waiter", func(evt eventbus.Event) {
		if match(evt) {
			select {
			case got <- evt:
			default:
			}
		}
	})
	defer bus.Unsubscribe(sub)

	select {
	case evt := <-got:
		return evt
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for event")
		return eventbus.Event{}
	}
}

func TestEmitsOneObservationPerAction(t *testing.T) {
	bus := openTestBus(t)
	ctx := context.Background()

	backend := &recordingBackend{}
	sub := NewSubscriber(bus, backend, RetryConfig{})
	sub.Attach(ctx)
	defer sub.Detach()

	action, err := bus.Append(ctx, eventbus.Draft{
		Source: eventbus.SourcePolicy,
		Action: &eventbus.Action{Name: "work"},
	})
	if err != nil {
		t.Fatalf("append action: %v", err)
	}

	obs := waitForEvent(t, bus, func(evt eventbus.Event) bool {
		return evt.Kind == eventbus.KindObservation && evt.CausedBy == action.ID
	})
	if obs.Observation.Content != "done: work" {
		t.Fatalf("unexpected observation: %q", obs.Observation.Content)
	}
	if got := atomic.LoadInt32(&backend.runs); got != 1 {
		t.Fatalf("expected exactly 1 run, got %d", got)
	}
}

func TestRetriesTransientUnavailability(t *testing.T) {
	bus := openTestBus(t)
	ctx := context.Background()

	backend := &recordingBackend{failures: 2}
	sub := NewSubscriber(bus, backend, RetryConfig{InitialInterval: 5 * time.Millisecond})
	sub.Attach(ctx)
	defer sub.Detach()

	action, err := bus.Append(ctx, eventbus.Draft{
		Source: eventbus.SourcePolicy,
		Action: &eventbus.Action{Name: "flaky"},
	})
	if err != nil {
		t.Fatalf("append action: %v", err)
	}

	waitForEvent(t, bus, func(evt eventbus.Event) bool {
		return evt.Kind == eventbus.KindObservation && evt.CausedBy == action.ID
	})
	if got := atomic.LoadInt32(&backend.runs); got != 3 {
		t.Fatalf("expected 3 runs (2 retries), got %d", got)
	}
}

func TestExhaustedRetriesEmitErrorEvent(t *testing.T) {
	bus := openTestBus(t)
	ctx := context.Background()

	backend := &recordingBackend{failures: 1 << 20}
	sub := NewSubscriber(bus, backend, RetryConfig{
		InitialInterval: time.Millisecond,
		MaxElapsedTime:  30 * time.Millisecond,
	})
	sub.Attach(ctx)
	defer sub.Detach()

	action, err := bus.Append(ctx, eventbus.Draft{
		Source: eventbus.SourcePolicy,
		Action: &eventbus.Action{Name: "down"},
	})
	if err != nil {
		t.Fatalf("append action: %v", err)
	}

	errEvt := waitForEvent(t, bus, func(evt eventbus.Event) bool {
		return evt.Kind == eventbus.KindError && evt.CausedBy == action.ID
	})
	if errEvt.Error.Code != "execution_backend_unavailable" {
		t.Fatalf("unexpected error code %q", errEvt.Error.Code)
	}
	if errEvt.Error.Recoverable {
		t.Fatalf("exhausted unavailability must be non-recoverable")
	}
}

type permanentBackend struct{}

func (permanentBackend) Name() string { return "permanent" }
func (permanentBackend) Run(context.Context, *eventbus.Action) (*eventbus.Observation, error) {
	return nil, errors.New("bad arguments")
}

func TestPermanentErrorNotRetried(t *testing.T) {
	bus := openTestBus(t)
	ctx := context.Background()

	sub := NewSubscriber(bus, permanentBackend{}, RetryConfig{InitialInterval: time.Millisecond})
	sub.Attach(ctx)
	defer sub.Detach()

	action, err := bus.Append(ctx, eventbus.Draft{
		Source: eventbus.SourcePolicy,
		Action: &eventbus.Action{Name: "broken"},
	})
	if err != nil {
		t.Fatalf("append action: %v", err)
	}

	errEvt := waitForEvent(t, bus, func(evt eventbus.Event) bool {
		return evt.Kind == eventbus.KindError && evt.CausedBy == action.ID
	})
	if errEvt.Error.Code != "execution_failed" {
		t.Fatalf("unexpected error code %q", errEvt.Error.Code)
	}
}

func TestSkipsGatedAndTerminalActions(t *testing.T) {
	bus := openTestBus(t)
	ctx := context.Background()

	backend := &recordingBackend{}
	sub := NewSubscriber(bus, backend, RetryConfig{})
	sub.Attach(ctx)
	defer sub.Detach()

	if _, err := bus.Append(ctx, eventbus.Draft{
		Source: eventbus.SourcePolicy,
		Action: &eventbus.Action{Name: "danger", AwaitingConfirmation: true},
	}); err != nil {
		t.Fatalf("append gated: %v", err)
	}
	if _, err := bus.Append(ctx, eventbus.Draft{
		Source: eventbus.SourcePolicy,
		Action: &eventbus.Action{Name: "finish", Terminal: true},
	}); err != nil {
		t.Fatalf("append terminal: %v", err)
	}

	time.Sleep(200 * time.Millisecond)
	if got := atomic.LoadInt32(&backend.runs); got != 0 {
		t.Fatalf("gated/terminal actions reached backend %d times", got)
	}
}

func TestIgnoresSystemActions(t *testing.T) {
	bus := openTestBus(t)
	ctx := context.Background()

	backend := &recordingBackend{}
	sub := NewSubscriber(bus, backend, RetryConfig{})
	sub.Attach(ctx)
	defer sub.Detach()

	condense, err := bus.Append(ctx, eventbus.Draft{
		Source: eventbus.SourceSystem,
		Action: &eventbus.Action{Name: "condense", Args: map[string]any{"from": 2, "to": 9}},
	})
	if err != nil {
		t.Fatalf("append system action: %v", err)
	}
	// A policy action afterwards proves the subscriber is live and the
	// system action was skipped rather than still queued.
	work, err := bus.Append(ctx, eventbus.Draft{
		Source: eventbus.SourcePolicy,
		Action: &eventbus.Action{Name: "work"},
	})
	if err != nil {
		t.Fatalf("append action: %v", err)
	}

	waitForEvent(t, bus, func(evt eventbus.Event) bool {
		return evt.Kind == eventbus.KindObservation && evt.CausedBy == work.ID
	})
	if got := atomic.LoadInt32(&backend.runs); got != 1 {
		t.Fatalf("system action reached backend; %d runs", got)
	}
	// No result event of any kind may reference the condense action.
	events, err := bus.ReadRange(ctx, 1, bus.NextID()-1)
	if err != nil {
		t.Fatalf("read range: %v", err)
	}
	for _, evt := range events {
		if evt.CausedBy == condense.ID {
			t.Fatalf("backend answered the system action: %+v", evt)
		}
	}
}

func TestShellBackend(t *testing.T) {
	b := &ShellBackend{Timeout: 10 * time.Second}
	obs, err := b.Run(context.Background(), &eventbus.Action{
		Name: "shell",
		Args: map[string]any{"command": "echo hello"},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if obs.Content != "hello" {
		t.Fatalf("unexpected output %q", obs.Content)
	}

	obs, err = b.Run(context.Background(), &eventbus.Action{
		Name: "shell",
		Args: map[string]any{"command": "exit 3"},
	})
	if err != nil {
		t.Fatalf("failing command should still observe: %v", err)
	}
	if obs.Extras["exit_error"] == nil {
		t.Fatalf("expected exit_error extra")
	}
}
