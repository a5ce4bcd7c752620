package stuckloop

import (
	"testing"

	"github.com/coralane/drover/internal/eventbus"
)

// buildHistory turns (command, observation) pairs into action/observation
// event sequences with caused_by links.
func buildHistory(pairs [][2]string) []eventbus.Event {
	var history []eventbus.Event
	id := uint64(1)
	for _, p := range pairs {
		actionID := id
		history = append(history, eventbus.Event{
			ID:     actionID,
			Source: eventbus.SourcePolicy,
			Kind:   eventbus.KindAction,
			Action: &eventbus.Action{Name: "shell", Args: map[string]any{"command": p[0]}},
		})
		id++
		history = append(history, eventbus.Event{
			ID:          id,
			Source:      eventbus.SourceExecutor,
			Kind:        eventbus.KindObservation,
			CausedBy:    actionID,
			Observation: &eventbus.Observation{Content: p[1]},
		})
		id++
	}
	return history
}

func TestFlagsOnThirdIdenticalRepetition(t *testing.T) {
	twice := buildHistory([][2]string{
		{"ls", "a.txt"},
		{"ls", "a.txt"},
	})
	if res := Detect(twice, Config{}); res.Stuck {
		t.Fatalf("flagged after 2 repetitions: %s", res.Reason)
	}

	thrice := buildHistory([][2]string{
		{"ls", "a.txt"},
		{"ls", "a.txt"},
		{"ls", "a.txt"},
	})
	res := Detect(thrice, Config{})
	if !res.Stuck {
		t.Fatalf("expected stuck on 3rd repetition")
	}
	if res.Reason == "" {
		t.Fatalf("expected a reason")
	}
}

func TestChangedObservationIsNotStuck(t *testing.T) {
	history := buildHistory([][2]string{
		{"ls", "a.txt"},
		{"ls", "a.txt b.txt"},
		{"ls", "a.txt b.txt c.txt"},
	})
	if res := Detect(history, Config{}); res.Stuck {
		t.Fatalf("progressing observations flagged as stuck: %s", res.Reason)
	}
}

func TestDetectsTwoStepCycle(t *testing.T) {
	once := buildHistory([][2]string{
		{"build", "error: missing dep"},
		{"install dep", "already installed"},
	})
	if res := Detect(once, Config{}); res.Stuck {
		t.Fatalf("single pass flagged as cycle: %s", res.Reason)
	}

	twice := buildHistory([][2]string{
		{"build", "error: missing dep"},
		{"install dep", "already installed"},
		{"build", "error: missing dep"},
		{"install dep", "already installed"},
	})
	if res := Detect(twice, Config{}); !res.Stuck {
		t.Fatalf("expected cycle detection after 2 full repeats")
	}
}

func TestWindowBoundsDetection(t *testing.T) {
	history := buildHistory([][2]string{
		{"ls", "a.txt"},
		{"ls", "a.txt"},
		{"ls", "a.txt"},
		{"cat a.txt", "hello"},
		{"echo done", "done"},
	})
	// A window covering only the last two steps must not see the old
	// repetition.
	if res := Detect(history, Config{Window: 4}); res.Stuck {
		t.Fatalf("stale repetition outside window flagged: %s", res.Reason)
	}
}

func TestIncompleteStepsIgnored(t *testing.T) {
	history := buildHistory([][2]string{
		{"ls", "a.txt"},
		{"ls", "a.txt"},
	})
	// A pending action without a result is not a completed step.
	history = append(history, eventbus.Event{
		ID:     99,
		Source: eventbus.SourcePolicy,
		Kind:   eventbus.KindAction,
		Action: &eventbus.Action{Name: "shell", Args: map[string]any{"command": "ls"}},
	})
	if res := Detect(history, Config{}); res.Stuck {
		t.Fatalf("pending action counted as repetition: %s", res.Reason)
	}
}
